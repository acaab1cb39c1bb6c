package wire

// This file adds the typed constructors for the extended-query and COPY
// frontend messages that §4.2's connection state machine drives. The
// generic Builder/Reader primitives in codec.go are shared; what's here is
// just the fixed shape of each message per the protocol 3.0 grammar.

// QueryMessage builds a simple-query Query('Q') message.
func QueryMessage(sql string) []byte {
	return NewBuilder().CString(sql).Finish(Query)
}

// ParseMessage builds Parse('P'): statement name, query text, and the
// caller's expected parameter oids (0 = "let the server infer").
func ParseMessage(stmtName, sql string, paramOIDs []uint32) []byte {
	b := NewBuilder().CString(stmtName).CString(sql).Int16(int16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		b.Uint32(oid)
	}
	return b.Finish(Parse)
}

// DescribeMessage builds Describe('D') for a statement (kind=PreparedStatement)
// or a portal (kind=Portal).
func DescribeMessage(kind byte, name string) []byte {
	return NewBuilder().Bytes([]byte{kind}).CString(name).Finish(Describe)
}

// CloseMessage builds Close('C') for a statement or portal.
func CloseMessage(kind byte, name string) []byte {
	return NewBuilder().Bytes([]byte{kind}).CString(name).Finish(Close)
}

// SyncMessage builds the empty Sync('S') message that ends every
// extended-query pipeline.
func SyncMessage() []byte {
	return NewBuilder().Finish(Sync)
}

// FlushMessage builds the empty Flush('H') message.
func FlushMessage() []byte {
	return NewBuilder().Finish(Flush)
}

// BindParam is one bound parameter: IsNull (or a nil Value) encodes a SQL
// NULL (-1 length), per the protocol's Bind grammar. Format codes are not
// carried here; BindMessage takes them separately in paramFormats.
type BindParam struct {
	Value  []byte
	IsNull bool
}

// BindMessage builds Bind('B'): portal name, statement name, parameter
// format codes, parameter values, and result-column format codes.
//
// paramFormats is either length 0 (all text), length 1 (applies to every
// parameter), or length == len(params). resultFormats follows the same
// rule for the columns of the resulting row description.
func BindMessage(portal, stmt string, paramFormats []int16, params []BindParam, resultFormats []int16) []byte {
	b := NewBuilder().CString(portal).CString(stmt)

	b.Int16(int16(len(paramFormats)))
	for _, f := range paramFormats {
		b.Int16(f)
	}

	b.Int16(int16(len(params)))
	for _, p := range params {
		if p.IsNull {
			b.Int32(-1)
		} else {
			b.LengthPrefixedBytes(p.Value)
		}
	}

	b.Int16(int16(len(resultFormats)))
	for _, f := range resultFormats {
		b.Int16(f)
	}

	return b.Finish(Bind)
}

// ExecuteMessage builds Execute('E'): the portal to run and the row-count
// limit (0 = no limit, per §4.2's bind_execute/execute_portal).
func ExecuteMessage(portal string, rowLimit int32) []byte {
	return NewBuilder().CString(portal).Int32(rowLimit).Finish(Execute)
}

// PasswordMessageBytes builds PasswordMessage('p') carrying an arbitrary
// payload — used both for the plain password response and, with a
// pre-built SASL payload, the SASL initial/continuation responses, which
// reuse the same 'p' tag per RFC 5802 framing within the wire protocol.
func PasswordMessageBytes(payload []byte) []byte {
	return NewBuilder().Bytes(payload).Finish(PasswordMessage)
}

// CopyDataMessage builds CopyData('d') carrying one chunk of COPY payload.
func CopyDataMessage(chunk []byte) []byte {
	return NewBuilder().Bytes(chunk).Finish(CopyData)
}

// CopyDoneMessage builds the empty CopyDone('c') message.
func CopyDoneMessage() []byte {
	return NewBuilder().Finish(CopyDone)
}

// CopyFailMessage builds CopyFail('f') carrying the client's reason for
// aborting an in-progress COPY.
func CopyFailMessage(reason string) []byte {
	return NewBuilder().CString(reason).Finish(CopyFail)
}

// TerminateMessage builds the empty Terminate('X') message.
func TerminateMessage() []byte {
	return NewBuilder().Finish(Terminate)
}
