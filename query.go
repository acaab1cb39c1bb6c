package pgwire

import (
	"context"

	"github.com/dbbouncer/pgwire/internal/pgerr"
	"github.com/dbbouncer/pgwire/internal/stmtcache"
	"github.com/dbbouncer/pgwire/internal/typeregistry"
	"github.com/dbbouncer/pgwire/internal/wire"
)

// Row is one decoded result row: values in column order, alongside the
// column descriptions needed to look a value up by name.
type Row struct {
	cols   []stmtcache.ColumnDescription
	values []any
}

// Get returns the i'th column's decoded value.
func (r *Row) Get(i int) any { return r.values[i] }

// Len returns the number of columns.
func (r *Row) Len() int { return len(r.values) }

// ByName returns the named column's value, or (nil, false) if no such
// column exists.
func (r *Row) ByName(name string) (any, bool) {
	for i, c := range r.cols {
		if c.Name == name {
			return r.values[i], true
		}
	}
	return nil, false
}

func (c *Connection) decodeDataRow(payload []byte, cols []stmtcache.ColumnDescription) (*Row, error) {
	pr := wire.NewPayloadReader(payload)
	n, err := pr.Int16()
	if err != nil {
		return nil, err
	}
	if int(n) != len(cols) {
		oids := make([]typeregistry.OID, len(cols))
		for i, col := range cols {
			oids[i] = col.TypeOID
		}
		c.invalidateSchema(oids...)
		return nil, &pgerr.OutdatedSchemaCacheError{Message: "unexpected number of columns in result row"}
	}
	values := make([]any, n)
	for i := 0; i < int(n); i++ {
		data, isNull, err := pr.LengthPrefixedBytes()
		if err != nil {
			return nil, err
		}
		codec := c.Codecs.For(cols[i].TypeOID)
		v, err := codec.Decode(data, isNull)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &Row{cols: cols, values: values}, nil
}

// simpleQueryCtx runs sql via the simple-query sub-protocol (§4.2): a single
// Query message, consuming everything up to ReadyForQuery. Returns the
// status tag string of the last CommandComplete (e.g. "SELECT 3").
func (c *Connection) simpleQueryCtx(ctx context.Context, sql string) (string, error) {
	if err := c.beginOp(); err != nil {
		return "", err
	}
	defer c.endOp()

	var status string
	var rows []*Row
	var cols []stmtcache.ColumnDescription

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
			case wire.RowDescription:
				cols = decodeRowDescription(msg.Payload)
			case wire.DataRow:
				row, err := c.decodeDataRow(msg.Payload, cols)
				if err != nil {
					return err
				}
				rows = append(rows, row)
			case wire.CommandComplete:
				pr := wire.NewPayloadReader(msg.Payload)
				status, _ = pr.CString()
			case wire.EmptyQueryResponse:
				status = ""
			case wire.ErrorResponse:
				pe := pgerr.ParseErrorFields(msg.Payload)
				pe.Query = sql
				c.drainToReady()
				if pgerr.IsRevalidateCachedQuery(pe) {
					return pgerr.NewInvalidCachedStatementError(pe)
				}
				return pe
			case wire.ReadyForQuery:
				pr := wire.NewPayloadReader(msg.Payload)
				b, _ := pr.Byte()
				c.txStatus = wire.TransactionStatus(b)
				return nil
			case wire.CopyInResponse, wire.CopyOutResponse, wire.CopyBothResponse:
				// simple_query only issues plain statements through this
				// path in the high-level API (COPY goes through
				// copyOut/copyIn which drive their own Query); draining
				// here guards against misuse hitting a COPY via Execute.
				if msg.Tag != wire.CopyOutResponse {
					c.Send(wire.CopyFailMessage("COPY issued through Execute/Fetch"))
				}
				c.drainToReady()
				return pgerr.NewInterfaceError("COPY issued through Execute/Fetch; use a Copy* method instead")
			}
		}
	})
	if runErr != nil {
		return "", runErr
	}
	c.lastSimpleRows = rows
	return status, nil
}

func decodeRowDescription(payload []byte) []stmtcache.ColumnDescription {
	pr := wire.NewPayloadReader(payload)
	n, _ := pr.Int16()
	cols := make([]stmtcache.ColumnDescription, n)
	for i := range cols {
		name, _ := pr.CString()
		tableOID, _ := pr.Uint32()
		attrNum, _ := pr.Int16()
		typeOID, _ := pr.Uint32()
		typeSize, _ := pr.Int16()
		typeMod, _ := pr.Int32()
		format, _ := pr.Int16()
		cols[i] = stmtcache.ColumnDescription{
			Name:         name,
			TableOID:     typeregistry.OID(tableOID),
			AttrNumber:   attrNum,
			TypeOID:      typeregistry.OID(typeOID),
			TypeSize:     typeSize,
			TypeModifier: typeMod,
			FormatCode:   format,
		}
	}
	return cols
}

// decodeParameterDescription decodes a ParameterDescription payload into
// the statement's parameter oid list, per §4.2's parse() result.
func decodeParameterDescription(payload []byte) []typeregistry.OID {
	pr := wire.NewPayloadReader(payload)
	n, _ := pr.Int16()
	oids := make([]typeregistry.OID, n)
	for i := range oids {
		oid, _ := pr.Uint32()
		oids[i] = typeregistry.OID(oid)
	}
	return oids
}

// parseDescribeSync runs Parse + Describe(Statement) + Sync (§4.2's
// parse()), returning the parameter oid list and result column
// descriptions. name == "" requests an anonymous/unnamed statement.
func (c *Connection) parseDescribeSync(ctx context.Context, name, sql string) ([]typeregistry.OID, []stmtcache.ColumnDescription, error) {
	if err := c.beginOp(); err != nil {
		return nil, nil, err
	}
	defer c.endOp()

	var paramOIDs []typeregistry.OID
	var cols []stmtcache.ColumnDescription

	err := c.runWithTimeout(ctx, func() error {
		msg := wire.ParseMessage(name, sql, nil)
		msg = append(msg, wire.DescribeMessage(wire.PreparedStatement, name)...)
		msg = append(msg, wire.SyncMessage()...)
		if err := c.Send(msg); err != nil {
			return err
		}

		for {
			m, err := c.next()
			if err != nil {
				c.fatal(err)
				return err
			}
			switch m.Tag {
			case wire.ParseComplete:
				// continue
			case wire.ParameterDescription:
				paramOIDs = decodeParameterDescription(m.Payload)
			case wire.RowDescription:
				cols = decodeRowDescription(m.Payload)
			case wire.NoData:
				cols = nil
			case wire.ErrorResponse:
				pe := pgerr.ParseErrorFields(m.Payload)
				pe.Query = sql
				c.drainToReady()
				if pgerr.IsRevalidateCachedQuery(pe) {
					return pgerr.NewInvalidCachedStatementError(pe)
				}
				return pe
			case wire.ReadyForQuery:
				pr := wire.NewPayloadReader(m.Payload)
				b, _ := pr.Byte()
				c.txStatus = wire.TransactionStatus(b)
				return nil
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return paramOIDs, cols, nil
}

// bindExecuteSync runs Bind + Execute(rowLimit) + Sync (§4.2's
// bind_execute), streaming rows until CommandComplete or PortalSuspended.
func (c *Connection) bindExecuteSync(ctx context.Context, stmtName, portal string, params []wire.BindParam, paramFormats, resultFormats []int16, rowLimit int32, cols []stmtcache.ColumnDescription) ([]*Row, bool, string, error) {
	if err := c.beginOp(); err != nil {
		return nil, false, "", err
	}
	defer c.endOp()

	var rows []*Row
	var status string
	suspended := false

	err := c.runWithTimeout(ctx, func() error {
		msg := wire.BindMessage(portal, stmtName, paramFormats, params, resultFormats)
		msg = append(msg, wire.ExecuteMessage(portal, rowLimit)...)
		msg = append(msg, wire.SyncMessage()...)
		if err := c.Send(msg); err != nil {
			return err
		}
		c.openPortals[portal] = true

		for {
			m, err := c.next()
			if err != nil {
				c.fatal(err)
				return err
			}
			switch m.Tag {
			case wire.BindComplete:
			case wire.DataRow:
				row, err := c.decodeDataRow(m.Payload, cols)
				if err != nil {
					return err
				}
				rows = append(rows, row)
			case wire.CommandComplete:
				pr := wire.NewPayloadReader(m.Payload)
				status, _ = pr.CString()
				delete(c.openPortals, portal)
			case wire.PortalSuspended:
				suspended = true
			case wire.ErrorResponse:
				pe := pgerr.ParseErrorFields(m.Payload)
				delete(c.openPortals, portal)
				c.drainToReady()
				if pgerr.IsRevalidateCachedQuery(pe) {
					return pgerr.NewInvalidCachedStatementError(pe)
				}
				return pe
			case wire.ReadyForQuery:
				pr := wire.NewPayloadReader(m.Payload)
				b, _ := pr.Byte()
				c.txStatus = wire.TransactionStatus(b)
				return nil
			}
		}
	})
	if err != nil {
		return nil, false, "", err
	}
	return rows, suspended, status, nil
}

// bindSync runs Bind + Sync (§4.2's bind()) without executing, leaving an
// open portal for a cursor to drive with repeated executePortalSync calls.
func (c *Connection) bindSync(ctx context.Context, stmtName, portal string, params []wire.BindParam, paramFormats, resultFormats []int16) error {
	if err := c.beginOp(); err != nil {
		return err
	}
	defer c.endOp()

	err := c.runWithTimeout(ctx, func() error {
		msg := wire.BindMessage(portal, stmtName, paramFormats, params, resultFormats)
		msg = append(msg, wire.SyncMessage()...)
		if err := c.Send(msg); err != nil {
			return err
		}
		c.openPortals[portal] = true

		for {
			m, err := c.next()
			if err != nil {
				c.fatal(err)
				return err
			}
			switch m.Tag {
			case wire.BindComplete:
			case wire.ErrorResponse:
				pe := pgerr.ParseErrorFields(m.Payload)
				delete(c.openPortals, portal)
				c.drainToReady()
				if pgerr.IsRevalidateCachedQuery(pe) {
					return pgerr.NewInvalidCachedStatementError(pe)
				}
				return pe
			case wire.ReadyForQuery:
				pr := wire.NewPayloadReader(m.Payload)
				b, _ := pr.Byte()
				c.txStatus = wire.TransactionStatus(b)
				return nil
			}
		}
	})
	return err
}

// executePortalSync runs Execute + Sync against an already-bound portal
// (§4.2's execute_portal), used by cursors for paginated fetch.
func (c *Connection) executePortalSync(ctx context.Context, portal string, rowLimit int32, cols []stmtcache.ColumnDescription) ([]*Row, bool, error) {
	if err := c.beginOp(); err != nil {
		return nil, false, err
	}
	defer c.endOp()

	var rows []*Row
	suspended := false

	err := c.runWithTimeout(ctx, func() error {
		msg := wire.ExecuteMessage(portal, rowLimit)
		msg = append(msg, wire.SyncMessage()...)
		if err := c.Send(msg); err != nil {
			return err
		}
		for {
			m, err := c.next()
			if err != nil {
				c.fatal(err)
				return err
			}
			switch m.Tag {
			case wire.DataRow:
				row, err := c.decodeDataRow(m.Payload, cols)
				if err != nil {
					return err
				}
				rows = append(rows, row)
			case wire.CommandComplete:
				delete(c.openPortals, portal)
			case wire.PortalSuspended:
				suspended = true
			case wire.ErrorResponse:
				pe := pgerr.ParseErrorFields(m.Payload)
				delete(c.openPortals, portal)
				c.drainToReady()
				return pe
			case wire.ReadyForQuery:
				pr := wire.NewPayloadReader(m.Payload)
				b, _ := pr.Byte()
				c.txStatus = wire.TransactionStatus(b)
				return nil
			}
		}
	})
	if err != nil {
		return nil, false, err
	}
	return rows, suspended, nil
}

// closeSync runs Close(kind, name) + Sync (§4.2's close()).
func (c *Connection) closeSync(kind byte, name string) error {
	if err := c.beginOp(); err != nil {
		return err
	}
	defer c.endOp()

	msg := wire.CloseMessage(kind, name)
	msg = append(msg, wire.SyncMessage()...)
	if err := c.Send(msg); err != nil {
		return err
	}
	for {
		m, err := c.next()
		if err != nil {
			c.fatal(err)
			return err
		}
		switch m.Tag {
		case wire.CloseComplete:
		case wire.ErrorResponse:
			pe := pgerr.ParseErrorFields(m.Payload)
			c.drainToReady()
			return pe
		case wire.ReadyForQuery:
			pr := wire.NewPayloadReader(m.Payload)
			b, _ := pr.Byte()
			c.txStatus = wire.TransactionStatus(b)
			return nil
		}
	}
}

// drainPendingCloses issues Close(S, name)+Sync for every statement name
// the statement cache has queued for deferred server-side close, per
// §4.4 step 4: "after every prepare, drain the pending-close queue."
func (c *Connection) drainPendingCloses() {
	for _, name := range c.stmts.DrainPendingClose() {
		if err := c.closeSync(wire.PreparedStatement, name); err != nil {
			c.logger.Warn("pgwire: closing evicted statement failed", "name", name, "err", err)
		}
	}
}
