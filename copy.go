package pgwire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dbbouncer/pgwire/internal/pgerr"
	"github.com/dbbouncer/pgwire/internal/typeregistry"
	"github.com/dbbouncer/pgwire/internal/wire"
)

// copyOut issues sql and, once the server replies CopyOutResponse, streams
// every CopyData chunk to sink until CopyDone/CommandComplete, per §4.2's
// copy_out. A write error on sink sends CopyFail with the error text instead
// of letting the server keep streaming into nothing.
func (c *Connection) copyOut(ctx context.Context, sql string, sink io.Writer) (string, error) {
	if err := c.beginOp(); err != nil {
		return "", err
	}
	defer c.endOp()

	var status string
	runErr := c.runWithTimeout(ctx, func() error {
		if err := c.Send(wire.QueryMessage(sql)); err != nil {
			return err
		}
		for {
			msg, err := c.next()
			if err != nil {
				c.fatal(err)
				return err
			}
			switch msg.Tag {
			case wire.CopyOutResponse, wire.CopyDone:
				// nothing to do until data or completion arrives
			case wire.CopyData:
				if _, err := sink.Write(msg.Payload); err != nil {
					c.Send(wire.CopyFailMessage(err.Error()))
				}
			case wire.CommandComplete:
				pr := wire.NewPayloadReader(msg.Payload)
				status, _ = pr.CString()
			case wire.ErrorResponse:
				pe := pgerr.ParseErrorFields(msg.Payload)
				pe.Query = sql
				c.drainToReady()
				return pe
			case wire.ReadyForQuery:
				pr := wire.NewPayloadReader(msg.Payload)
				b, _ := pr.Byte()
				c.txStatus = wire.TransactionStatus(b)
				return nil
			}
		}
	})
	if runErr != nil {
		return "", runErr
	}
	return status, nil
}

// copyIn issues sql and, once the server replies CopyInResponse, pulls
// fixed-size chunks from source and streams them as CopyData until source
// is exhausted, then sends CopyDone, per §4.2's copy_in. A read error sends
// CopyFail with the error text.
func (c *Connection) copyIn(ctx context.Context, sql string, source io.Reader) (string, error) {
	if err := c.beginOp(); err != nil {
		return "", err
	}
	defer c.endOp()

	var status string
	runErr := c.runWithTimeout(ctx, func() error {
		if err := c.Send(wire.QueryMessage(sql)); err != nil {
			return err
		}

		var copyErr error
		buf := make([]byte, 64*1024)

		for {
			msg, err := c.next()
			if err != nil {
				c.fatal(err)
				return err
			}
			switch msg.Tag {
			case wire.CopyInResponse:
				for {
					n, rerr := source.Read(buf)
					if n > 0 {
						if werr := c.Send(wire.CopyDataMessage(buf[:n])); werr != nil {
							copyErr = werr
							break
						}
					}
					if rerr == io.EOF {
						break
					}
					if rerr != nil {
						copyErr = rerr
						break
					}
				}
				if copyErr != nil {
					c.Send(wire.CopyFailMessage(copyErr.Error()))
				} else {
					c.Send(wire.CopyDoneMessage())
				}
			case wire.CommandComplete:
				pr := wire.NewPayloadReader(msg.Payload)
				status, _ = pr.CString()
			case wire.ErrorResponse:
				pe := pgerr.ParseErrorFields(msg.Payload)
				pe.Query = sql
				c.drainToReady()
				if copyErr != nil {
					return copyErr
				}
				return pe
			case wire.ReadyForQuery:
				pr := wire.NewPayloadReader(msg.Payload)
				b, _ := pr.Byte()
				c.txStatus = wire.TransactionStatus(b)
				return nil
			}
		}
	})
	if runErr != nil {
		return "", runErr
	}
	return status, nil
}

// CopyOptions names the server-side COPY options §4.5's table/query copy
// helpers assemble into the COPY statement's WITH clause.
type CopyOptions struct {
	Format string // "text", "csv", or "binary"; "" means server default
	Header bool
	Delimiter string
	Quote     string
	Escape    string
	NullString *string
}

func (o CopyOptions) clause() string {
	var parts []string
	if o.Format != "" {
		parts = append(parts, "FORMAT "+o.Format)
	}
	if o.Header {
		parts = append(parts, "HEADER")
	}
	if o.Delimiter != "" {
		parts = append(parts, "DELIMITER '"+o.Delimiter+"'")
	}
	if o.Quote != "" {
		parts = append(parts, "QUOTE '"+o.Quote+"'")
	}
	if o.Escape != "" {
		parts = append(parts, "ESCAPE '"+o.Escape+"'")
	}
	if o.NullString != nil {
		parts = append(parts, "NULL '"+*o.NullString+"'")
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// CopyFromTable streams table (optionally column-restricted) to output via
// COPY ... TO STDOUT, per §4.5's copy_from_table.
func (c *Connection) CopyFromTable(ctx context.Context, table string, columns []string, opts CopyOptions, output io.Writer) (string, error) {
	sql := "COPY " + quoteIdent(table) + columnList(columns) + " TO STDOUT" + opts.clause()
	return c.copyOut(ctx, sql, output)
}

// CopyFromQuery streams the result of sql to output via COPY (query) TO
// STDOUT, per §4.5's copy_from_query.
func (c *Connection) CopyFromQuery(ctx context.Context, sql string, opts CopyOptions, output io.Writer) (string, error) {
	stmt := "COPY (" + sql + ") TO STDOUT" + opts.clause()
	return c.copyOut(ctx, stmt, output)
}

// CopyToTable loads source into table via COPY ... FROM STDIN, per §4.5's
// copy_to_table.
func (c *Connection) CopyToTable(ctx context.Context, table string, columns []string, opts CopyOptions, source io.Reader) (string, error) {
	sql := "COPY " + quoteIdent(table) + columnList(columns) + " FROM STDIN" + opts.clause()
	return c.copyIn(ctx, sql, source)
}

// CopyRecordsToTable loads records into table using PostgreSQL's binary
// COPY protocol, per §4.5's copy_records_to_table: a fixed binary header,
// then one length-prefixed tuple per record. Every column must
// have a binary encoder registered for its oid (binaryEncoderFor); a
// column without one fails the whole call before any bytes are sent.
func (c *Connection) CopyRecordsToTable(ctx context.Context, table string, columns []string, records [][]any) (string, error) {
	if len(records) == 0 {
		return "COPY 0", nil
	}

	colOIDs, err := c.columnOIDsForCopy(ctx, table, columns)
	if err != nil {
		return "", err
	}
	encoders := make([]binaryEncodeFunc, len(colOIDs))
	for i, oid := range colOIDs {
		enc, ok := binaryEncoderFor(oid)
		if !ok {
			return "", pgerr.NewInternalError("no binary format encoder")
		}
		encoders[i] = enc
	}

	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriter(pw)
		bw.WriteString(binaryCopySignature)
		binary.Write(bw, binary.BigEndian, int32(0)) // flags
		binary.Write(bw, binary.BigEndian, int32(0)) // header extension length

		for _, rec := range records {
			if len(rec) != len(encoders) {
				pw.CloseWithError(pgerr.NewInterfaceError("record field count does not match column count"))
				return
			}
			binary.Write(bw, binary.BigEndian, int16(len(rec)))
			for i, v := range rec {
				if v == nil {
					binary.Write(bw, binary.BigEndian, int32(-1))
					continue
				}
				data, err := encoders[i](v)
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				binary.Write(bw, binary.BigEndian, int32(len(data)))
				bw.Write(data)
			}
		}
		binary.Write(bw, binary.BigEndian, int16(-1)) // trailer
		bw.Flush()
		pw.Close()
	}()

	sql := "COPY " + quoteIdent(table) + columnList(columns) + " FROM STDIN WITH (FORMAT binary)"
	return c.copyIn(ctx, sql, pr)
}

// columnOIDsForCopy resolves the oid of every column records will fill, in
// order, by describing a zero-row SELECT against the target columns.
func (c *Connection) columnOIDsForCopy(ctx context.Context, table string, columns []string) ([]typeregistry.OID, error) {
	selectList := "*"
	if len(columns) > 0 {
		selectList = strings.Join(quoteIdents(columns), ", ")
	}
	sql := "SELECT " + selectList + " FROM " + quoteIdent(table) + " WHERE false"
	_, cols, err := c.parseDescribeSync(ctx, "", sql)
	if err != nil {
		return nil, err
	}
	oids := make([]typeregistry.OID, len(cols))
	for i, col := range cols {
		oids[i] = col.TypeOID
	}
	return oids, nil
}

func columnList(columns []string) string {
	if len(columns) == 0 {
		return ""
	}
	return " (" + strings.Join(quoteIdents(columns), ", ") + ")"
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

func quoteIdent(s string) string {
	return `"` + escapeIdentifier(s) + `"`
}

// binaryCopySignature is the fixed 11-byte magic every binary COPY stream
// starts with, followed by a 4-byte flags field and a 4-byte header
// extension length (both zero here), per §4.5's binary COPY header.
const binaryCopySignature = "PGCOPY\n\xff\r\n\x00"

type binaryEncodeFunc func(v any) ([]byte, error)

// binaryEncoderFor returns the column-wise binary encoder for oid, if one
// is known. Per §1's carve-out ("the per-type byte layouts are not" in
// scope), this only covers the handful of fixed-width scalar types whose
// binary layout is small enough to be unambiguous; every other oid reports
// no encoder, matching §4.5's "no binary format encoder" failure mode.
func binaryEncoderFor(oid typeregistry.OID) (binaryEncodeFunc, bool) {
	switch oid {
	case 21: // int2
		return func(v any) ([]byte, error) {
			n, err := asInt64(v)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 2)
			binary.BigEndian.PutUint16(buf, uint16(int16(n)))
			return buf, nil
		}, true
	case 23: // int4
		return func(v any) ([]byte, error) {
			n, err := asInt64(v)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, uint32(int32(n)))
			return buf, nil
		}, true
	case 20: // int8
		return func(v any) ([]byte, error) {
			n, err := asInt64(v)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(n))
			return buf, nil
		}, true
	case 16: // bool
		return func(v any) ([]byte, error) {
			b, ok := v.(bool)
			if !ok {
				return nil, pgerr.NewInternalError("binary copy: expected bool")
			}
			if b {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		}, true
	case 25, 1043, 1042: // text, varchar, bpchar
		return func(v any) ([]byte, error) {
			s, ok := v.(string)
			if !ok {
				return nil, pgerr.NewInternalError("binary copy: expected string")
			}
			return []byte(s), nil
		}, true
	case 17: // bytea
		return func(v any) ([]byte, error) {
			b, ok := v.([]byte)
			if !ok {
				return nil, pgerr.NewInternalError("binary copy: expected []byte")
			}
			return b, nil
		}, true
	default:
		return nil, false
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, pgerr.NewInternalError(fmt.Sprintf("binary copy: unsupported integer value %T", v))
	}
}
