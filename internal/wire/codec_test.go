package wire

import (
	"bytes"
	"testing"
)

func TestBuilderFinishRoundTrip(t *testing.T) {
	msg := NewBuilder().CString("user").CString("alice").Int32(42).Finish(Query)

	rd := NewReader(bytes.NewReader(msg))
	decoded, err := rd.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Tag != Query {
		t.Fatalf("tag = %q, want %q", decoded.Tag, Query)
	}

	pr := NewPayloadReader(decoded.Payload)
	key, err := pr.CString()
	if err != nil || key != "user" {
		t.Fatalf("CString #1 = %q, %v", key, err)
	}
	val, err := pr.CString()
	if err != nil || val != "alice" {
		t.Fatalf("CString #2 = %q, %v", val, err)
	}
	n, err := pr.Int32()
	if err != nil || n != 42 {
		t.Fatalf("Int32 = %d, %v", n, err)
	}
}

func TestStartupMessageFraming(t *testing.T) {
	msg := StartupMessage(map[string]string{"user": "alice"})
	rd := NewReader(bytes.NewReader(msg))
	n, err := rd.ReadUntaggedLength()
	if err != nil {
		t.Fatalf("ReadUntaggedLength: %v", err)
	}
	body := make([]byte, n)
	if _, err := rd.r.Read(body); err != nil {
		t.Fatalf("reading startup body: %v", err)
	}
	pr := NewPayloadReader(body)
	ver, _ := pr.Uint32()
	if ver != ProtocolVersion {
		t.Fatalf("protocol version = %#x, want %#x", ver, ProtocolVersion)
	}
	k, _ := pr.CString()
	v, _ := pr.CString()
	if k != "user" || v != "alice" {
		t.Fatalf("params = %q=%q, want user=alice", k, v)
	}
}

func TestSSLRequestMagic(t *testing.T) {
	msg := SSLRequestMessage()
	if len(msg) != 8 {
		t.Fatalf("len = %d, want 8", len(msg))
	}
	rd := NewReader(bytes.NewReader(msg))
	n, err := rd.ReadUntaggedLength()
	if err != nil {
		t.Fatalf("ReadUntaggedLength: %v", err)
	}
	if n != 4 {
		t.Fatalf("payload len = %d, want 4", n)
	}
}

func TestLengthPrefixedBytesNull(t *testing.T) {
	b := NewBuilder().LengthPrefixedBytes(nil).LengthPrefixedBytes([]byte("hi"))
	pr := NewPayloadReader(b.buf)

	data, isNull, err := pr.LengthPrefixedBytes()
	if err != nil || !isNull || data != nil {
		t.Fatalf("first value: data=%v isNull=%v err=%v", data, isNull, err)
	}
	data, isNull, err = pr.LengthPrefixedBytes()
	if err != nil || isNull || string(data) != "hi" {
		t.Fatalf("second value: data=%q isNull=%v err=%v", data, isNull, err)
	}
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	msg := NewBuilder().Finish(Query)
	// corrupt the length field to something absurd
	msg[1], msg[2], msg[3], msg[4] = 0x7f, 0xff, 0xff, 0xff
	rd := NewReader(bytes.NewReader(msg))
	if _, err := rd.ReadMessage(); err == nil {
		t.Fatal("expected error for oversized message length")
	}
}
