package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageLength bounds a single message body to guard against a corrupt
// length prefix turning into an unbounded allocation.
const MaxMessageLength = 1 << 28

// Builder accumulates a message payload using the protocol's typed
// primitives, then Finish wraps it with a tag and length prefix. Mirrors the
// teacher's writePGMessage, generalized into append-as-you-go primitives so
// callers building Parse/Bind/etc. don't hand-roll byte slices per call site.
type Builder struct {
	buf []byte
}

// NewBuilder starts a fresh message builder.
func NewBuilder() *Builder {
	return &Builder{buf: make([]byte, 0, 64)}
}

func (b *Builder) Int16(v int16) *Builder {
	b.buf = append(b.buf, byte(v>>8), byte(v))
	return b
}

func (b *Builder) Int32(v int32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *Builder) Uint32(v uint32) *Builder {
	return b.Int32(int32(v))
}

// CString appends s followed by a NUL terminator.
func (b *Builder) CString(s string) *Builder {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	return b
}

// Bytes appends raw bytes with no length prefix or terminator.
func (b *Builder) Bytes(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// LengthPrefixedBytes appends a 4-byte length (or -1 for nil, the protocol's
// NULL-value marker in DataRow/Bind) followed by the bytes themselves.
func (b *Builder) LengthPrefixedBytes(p []byte) *Builder {
	if p == nil {
		return b.Int32(-1)
	}
	b.Int32(int32(len(p)))
	return b.Bytes(p)
}

// Finish wraps the accumulated payload as (tag | length-including-length |
// payload) and returns the complete wire message.
func (b *Builder) Finish(tag byte) []byte {
	msg := make([]byte, 1+4+len(b.buf))
	msg[0] = tag
	binary.BigEndian.PutUint32(msg[1:5], uint32(4+len(b.buf)))
	copy(msg[5:], b.buf)
	return msg
}

// FinishUntagged wraps the payload as (length-including-length | payload)
// with no leading tag byte — used for StartupMessage, SSLRequest and
// CancelRequest, the only messages sent before a tag byte is in play.
func (b *Builder) FinishUntagged() []byte {
	msg := make([]byte, 4+len(b.buf))
	binary.BigEndian.PutUint32(msg[0:4], uint32(4+len(b.buf)))
	copy(msg[4:], b.buf)
	return msg
}

// SSLRequestMessage returns the fixed 8-byte SSLRequest.
func SSLRequestMessage() []byte {
	return NewBuilder().Uint32(SSLRequestCode).FinishUntagged()
}

// CancelRequestMessage returns the fixed 16-byte CancelRequest.
func CancelRequestMessage(pid, secret uint32) []byte {
	return NewBuilder().Uint32(CancelRequestCode).Uint32(pid).Uint32(secret).FinishUntagged()
}

// StartupMessage builds the untagged startup payload: protocol version
// followed by (key, value)* and a final NUL.
func StartupMessage(params map[string]string) []byte {
	b := NewBuilder().Uint32(ProtocolVersion)
	for k, v := range params {
		b.CString(k).CString(v)
	}
	b.buf = append(b.buf, 0)
	return b.FinishUntagged()
}

// Message is one decoded backend or frontend message.
type Message struct {
	Tag     byte
	Payload []byte
}

// Reader wraps an io.Reader for message-at-a-time decoding. Each read uses
// io.ReadFull, so a message split across several transport reads is still
// returned whole. Grounded on the teacher's readPGMessage: ReadMessage
// blocks until the next complete tagged message has arrived.
type Reader struct {
	r   io.Reader
	buf []byte
}

// NewReader wraps r for message-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadMessage blocks until one complete tagged message (tag + length +
// payload) has been read, or returns the underlying I/O error.
func (rd *Reader) ReadMessage() (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		return Message{}, err
	}
	tag := hdr[0]
	msgLen := int(binary.BigEndian.Uint32(hdr[1:5])) - 4
	if msgLen < 0 || msgLen > MaxMessageLength {
		return Message{}, fmt.Errorf("wire: invalid message length %d for tag %q", msgLen, tag)
	}
	payload := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(rd.r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Tag: tag, Payload: payload}, nil
}

// ReadUntaggedLength reads the 4-byte length-only header of an untagged
// message (StartupMessage, SSLRequest, CancelRequest) and returns the
// payload length — exposed for symmetry with FinishUntagged. The connect
// sequence does not call it; the single-byte SSLRequest response is read
// with ReadByte.
func (rd *Reader) ReadUntaggedLength() (int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:])) - 4
	if n < 0 || n > MaxMessageLength {
		return 0, fmt.Errorf("wire: invalid untagged length %d", n)
	}
	return n, nil
}

// ReadByte reads exactly one byte — used for the single-byte 'S'/'N'
// SSLRequest response.
func (rd *Reader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(rd.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// PayloadReader decodes typed primitives out of a message payload in order,
// mirroring Builder on the write side.
type PayloadReader struct {
	buf []byte
	pos int
}

// NewPayloadReader wraps a message payload for sequential decoding.
func NewPayloadReader(payload []byte) *PayloadReader {
	return &PayloadReader{buf: payload}
}

func (p *PayloadReader) Remaining() int { return len(p.buf) - p.pos }

func (p *PayloadReader) Int16() (int16, error) {
	if p.pos+2 > len(p.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := int16(binary.BigEndian.Uint16(p.buf[p.pos : p.pos+2]))
	p.pos += 2
	return v, nil
}

func (p *PayloadReader) Int32() (int32, error) {
	if p.pos+4 > len(p.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := int32(binary.BigEndian.Uint32(p.buf[p.pos : p.pos+4]))
	p.pos += 4
	return v, nil
}

func (p *PayloadReader) Uint32() (uint32, error) {
	v, err := p.Int32()
	return uint32(v), err
}

// CString reads a NUL-terminated string.
func (p *PayloadReader) CString() (string, error) {
	end := p.pos
	for end < len(p.buf) && p.buf[end] != 0 {
		end++
	}
	if end >= len(p.buf) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(p.buf[p.pos:end])
	p.pos = end + 1
	return s, nil
}

// LengthPrefixedBytes reads a 4-byte length (or -1 for NULL) followed by
// that many bytes. Returns (nil, true, nil) for a SQL NULL value.
func (p *PayloadReader) LengthPrefixedBytes() (data []byte, isNull bool, err error) {
	n, err := p.Int32()
	if err != nil {
		return nil, false, err
	}
	if n < 0 {
		return nil, true, nil
	}
	if p.pos+int(n) > len(p.buf) {
		return nil, false, io.ErrUnexpectedEOF
	}
	data = p.buf[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return data, false, nil
}

// Rest returns all remaining unread bytes.
func (p *PayloadReader) Rest() []byte {
	rest := p.buf[p.pos:]
	p.pos = len(p.buf)
	return rest
}

// Byte reads a single raw byte.
func (p *PayloadReader) Byte() (byte, error) {
	if p.pos >= len(p.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := p.buf[p.pos]
	p.pos++
	return b, nil
}
