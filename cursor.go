package pgwire

import (
	"context"

	"github.com/dbbouncer/pgwire/internal/pgerr"
	"github.com/dbbouncer/pgwire/internal/wire"
)

// DefaultCursorPrefetch is a reasonable prefetch size for callers that
// don't have a specific batch size in mind. It is never applied implicitly — per spec.md:127,276 prefetch
// is a required argument of Cursor, and prefetch<=0 is rejected rather
// than silently replaced.
const DefaultCursorPrefetch = 100

// Cursor is a server-side portal opened against an open transaction, per
// §4.5's cursor(): either driven a batch at a time via Next, or randomly
// via Fetch/FetchRow/Forward. Grounded on
// original_source/asyncpg/cursor.py's BaseCursor/Cursor/CursorIterator.
type Cursor struct {
	conn     *Connection
	stmt     *PreparedStatement
	params   []any
	prefetch int32

	portal    string
	bound     bool
	exhausted bool
	closed    bool

	buffer []*Row
}

// Cursor opens a portal over sql (or a statement already obtained from
// Prepare) bound with args, fetching prefetch rows per batch when driven
// via Next (§4.5's cursor(sql_or_stmt, *args, prefetch=N)). The connection
// must have an open transaction; the portal is torn down when Close is
// called or the transaction ends. prefetch must be greater than zero
// (spec.md:276's "prefetch=0 cursor is rejected with InterfaceError");
// pass DefaultCursorPrefetch for a reasonable default.
func (c *Connection) Cursor(ctx context.Context, sql string, prefetch int32, args ...any) (*Cursor, error) {
	if prefetch <= 0 {
		return nil, pgerr.NewInterfaceError("cursor prefetch must be greater than zero")
	}
	stmt, err := c.Prepare(ctx, sql)
	if err != nil {
		return nil, err
	}
	return newCursor(c, stmt, prefetch, args)
}

func newCursor(c *Connection, stmt *PreparedStatement, prefetch int32, args []any) (*Cursor, error) {
	if c.topTx == nil {
		stmt.Close(context.Background())
		return nil, pgerr.NewInterfaceError("cursor cannot be created outside of a transaction")
	}
	return &Cursor{conn: c, stmt: stmt, params: args, prefetch: prefetch}, nil
}

func (cur *Cursor) checkReady() error {
	if cur.closed {
		return pgerr.NewInterfaceError("cursor: already closed")
	}
	if cur.conn.topTx == nil {
		return pgerr.NewInterfaceError("cursor cannot be used outside of a transaction")
	}
	return nil
}

// ensureBound opens the portal on first use, binding it without an initial
// Execute so the caller's first Fetch/Next/Forward drives the first batch.
func (cur *Cursor) ensureBound(ctx context.Context) error {
	if cur.bound {
		return nil
	}
	params, err := encodeParams(cur.conn.Codecs, cur.stmt.ParameterOIDs(), cur.params)
	if err != nil {
		return err
	}
	cur.portal = cur.conn.nextUniqueID()
	if err := cur.conn.bindSync(ctx, cur.stmt.state.Name, cur.portal, params, nil, nil); err != nil {
		return err
	}
	cur.bound = true
	return nil
}

// exec fetches up to n more rows from the open portal, updating exhausted.
func (cur *Cursor) exec(ctx context.Context, n int32) ([]*Row, error) {
	rows, suspended, err := cur.conn.executePortalSync(ctx, cur.portal, n, cur.stmt.Columns())
	if err != nil {
		return nil, err
	}
	if !suspended {
		cur.exhausted = true
	}
	return rows, nil
}

// Fetch returns up to n rows, per the awaitable cursor's fetch(n). Once the
// portal is exhausted it returns an empty slice with no error.
func (cur *Cursor) Fetch(ctx context.Context, n int32) ([]*Row, error) {
	if err := cur.checkReady(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, pgerr.NewInterfaceError("n must be greater than zero")
	}
	if cur.exhausted {
		return nil, nil
	}
	if err := cur.ensureBound(ctx); err != nil {
		return nil, err
	}
	rows, err := cur.exec(ctx, n)
	if err != nil {
		return nil, err
	}
	if int32(len(rows)) < n {
		cur.exhausted = true
	}
	return rows, nil
}

// FetchRow returns the next single row, or nil once the portal is
// exhausted, per the awaitable cursor's fetchrow().
func (cur *Cursor) FetchRow(ctx context.Context) (*Row, error) {
	rows, err := cur.Fetch(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Forward advances the portal by n rows without returning them, per the
// awaitable cursor's forward(). It reports how many rows were actually
// skipped, which is less than n once the portal is exhausted.
func (cur *Cursor) Forward(ctx context.Context, n int32) (int64, error) {
	if err := cur.checkReady(); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, pgerr.NewInterfaceError("n must be greater than zero")
	}
	if err := cur.ensureBound(ctx); err != nil {
		return 0, err
	}
	status, err := cur.conn.simpleQueryCtx(ctx, "MOVE FORWARD "+itoa(n)+" "+cur.portal)
	if err != nil {
		return 0, err
	}
	advanced := parseMoveCount(status)
	if advanced < int64(n) {
		cur.exhausted = true
	}
	return advanced, nil
}

// Next returns the next row for iterator-style consumption, fetching a new
// batch of cur.prefetch rows whenever the internal buffer runs dry
// (§4.5's asynchronous-iterator cursor mode). It returns (nil, nil) once
// the cursor is exhausted. prefetch<=0 is rejected by Cursor at
// construction time (spec.md:276), not defaulted here.
func (cur *Cursor) Next(ctx context.Context) (*Row, error) {
	if err := cur.checkReady(); err != nil {
		return nil, err
	}
	if cur.prefetch <= 0 {
		return nil, pgerr.NewInterfaceError("cursor prefetch must be greater than zero")
	}
	if err := cur.ensureBound(ctx); err != nil {
		return nil, err
	}
	if len(cur.buffer) == 0 && !cur.exhausted {
		rows, err := cur.exec(ctx, cur.prefetch)
		if err != nil {
			return nil, err
		}
		cur.buffer = rows
	}
	if len(cur.buffer) == 0 {
		return nil, nil
	}
	row := cur.buffer[0]
	cur.buffer = cur.buffer[1:]
	return row, nil
}

// Close releases the cursor's portal and its statement reference. Safe to
// call more than once.
func (cur *Cursor) Close(ctx context.Context) error {
	if cur.closed {
		return nil
	}
	cur.closed = true
	var err error
	if cur.bound {
		if cur.conn.openPortals[cur.portal] {
			err = cur.conn.closeSync(wire.Portal, cur.portal)
		}
	}
	if closeErr := cur.stmt.Close(ctx); err == nil {
		err = closeErr
	}
	return err
}

func itoa(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// parseMoveCount extracts the row count from a MOVE command tag, e.g.
// "MOVE 5" -> 5.
func parseMoveCount(tag string) int64 {
	i := len(tag) - 1
	for i >= 0 && tag[i] >= '0' && tag[i] <= '9' {
		i--
	}
	var n int64
	for j := i + 1; j < len(tag); j++ {
		n = n*10 + int64(tag[j]-'0')
	}
	return n
}
