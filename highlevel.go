package pgwire

import (
	"context"
	"reflect"

	"github.com/dbbouncer/pgwire/internal/pgerr"
	"github.com/dbbouncer/pgwire/internal/typeregistry"
	"github.com/dbbouncer/pgwire/internal/wire"
)

// Execute runs sql and returns the server's status tag (e.g. "INSERT 0 3"),
// per §4.5: with no args it goes through simple_query, otherwise through
// prepare+bind+execute, discarding any rows.
func (c *Connection) Execute(ctx context.Context, sql string, args ...any) (string, error) {
	if len(args) == 0 {
		return c.simpleQueryCtx(ctx, sql)
	}
	stmt, err := c.Prepare(ctx, sql)
	if err != nil {
		return "", err
	}
	defer stmt.Close(ctx)

	params, err := encodeParams(c.Codecs, stmt.ParameterOIDs(), args)
	if err != nil {
		return "", err
	}
	_, _, status, err := c.bindExecuteSync(ctx, stmt.state.Name, "", params, nil, nil, 0, stmt.Columns())
	return status, err
}

// Fetch runs sql and returns every result row, per §4.5.
func (c *Connection) Fetch(ctx context.Context, sql string, args ...any) ([]*Row, error) {
	if len(args) == 0 {
		if _, err := c.simpleQueryCtx(ctx, sql); err != nil {
			return nil, err
		}
		return c.lastSimpleRows, nil
	}
	stmt, err := c.Prepare(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer stmt.Close(ctx)

	params, err := encodeParams(c.Codecs, stmt.ParameterOIDs(), args)
	if err != nil {
		return nil, err
	}
	rows, _, _, err := c.bindExecuteSync(ctx, stmt.state.Name, "", params, nil, nil, 0, stmt.Columns())
	return rows, err
}

// FetchRow returns the first result row, or nil if the query produced none,
// per §4.5's fetchrow (limit 1).
func (c *Connection) FetchRow(ctx context.Context, sql string, args ...any) (*Row, error) {
	rows, err := c.fetchLimited(ctx, sql, 1, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchVal returns column 0 of the first result row, or nil if the query
// produced no rows, per §4.5's fetchval.
func (c *Connection) FetchVal(ctx context.Context, sql string, args ...any) (any, error) {
	row, err := c.FetchRow(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return row.Get(0), nil
}

func (c *Connection) fetchLimited(ctx context.Context, sql string, limit int32, args ...any) ([]*Row, error) {
	stmt, err := c.Prepare(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer stmt.Close(ctx)

	params, err := encodeParams(c.Codecs, stmt.ParameterOIDs(), args)
	if err != nil {
		return nil, err
	}
	rows, _, _, err := c.bindExecuteSync(ctx, stmt.state.Name, "", params, nil, nil, limit, stmt.Columns())
	return rows, err
}

// encodeParams encodes args against paramOIDs (falling back to the
// default/text codec for any oid the registry hasn't resolved), per §4.3's
// codec-assembly rule applied on the write side.
func encodeParams(codecs *CodecRegistry, paramOIDs []typeregistry.OID, args []any) ([]wire.BindParam, error) {
	if len(args) != len(paramOIDs) {
		return nil, pgerr.NewInterfaceError("argument count does not match statement parameter count")
	}
	out := make([]wire.BindParam, len(args))
	for i, a := range args {
		if a == nil {
			out[i] = wire.BindParam{IsNull: true}
			continue
		}
		codec := codecs.For(paramOIDs[i])
		data, isNull, err := codec.Encode(a)
		if err != nil {
			return nil, err
		}
		out[i] = wire.BindParam{Value: data, IsNull: isNull}
	}
	return out, nil
}

// AddListener registers fn to be invoked for every NotificationResponse on
// channel, per §4.5. The server-side LISTEN is issued immediately.
func (c *Connection) AddListener(ctx context.Context, channel string, fn NotifyFunc) error {
	c.listenersMu.Lock()
	c.listeners[channel] = append(c.listeners[channel], fn)
	c.listenersMu.Unlock()
	_, err := c.simpleQueryCtx(ctx, `LISTEN "`+escapeIdentifier(channel)+`"`)
	return err
}

// RemoveListener drops the one callback fn previously registered for
// channel via AddListener and issues UNLISTEN, per §4.5's
// remove_listener(channel, fn). Other callbacks registered for the same
// channel are left intact — spec.md's round-trip property requires
// add_listener(ch,f); remove_listener(ch,f) to return the connection to
// its prior listener state, not to clear every listener on the channel.
func (c *Connection) RemoveListener(ctx context.Context, channel string, fn NotifyFunc) error {
	c.listenersMu.Lock()
	fns := c.listeners[channel]
	target := reflect.ValueOf(fn).Pointer()
	for i, f := range fns {
		if reflect.ValueOf(f).Pointer() == target {
			fns = append(fns[:i], fns[i+1:]...)
			break
		}
	}
	remaining := len(fns)
	if remaining == 0 {
		delete(c.listeners, channel)
	} else {
		c.listeners[channel] = fns
	}
	c.listenersMu.Unlock()

	// UNLISTEN is per-channel at the protocol level: only stop server
	// notifications once every local callback for channel is gone, or a
	// sibling listener on the same channel would silently stop receiving.
	if remaining > 0 {
		return nil
	}
	_, err := c.simpleQueryCtx(ctx, `UNLISTEN "`+escapeIdentifier(channel)+`"`)
	return err
}

func escapeIdentifier(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
