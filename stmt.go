package pgwire

import (
	"context"
	"strconv"
	"strings"

	"github.com/dbbouncer/pgwire/internal/pgerr"
	"github.com/dbbouncer/pgwire/internal/stmtcache"
	"github.com/dbbouncer/pgwire/internal/typeregistry"
	"github.com/dbbouncer/pgwire/internal/wire"
)

// PreparedStatement is a caller-held handle to a server-side prepared
// statement, reusable across fetch/fetchrow/fetchval/cursor calls, per
// §4.5's prepare() contract.
type PreparedStatement struct {
	conn  *Connection
	sql   string
	state *stmtcache.PreparedStatementState
	// fromCache is false for an anonymous (cache-disabled or
	// oversized-query) statement, which must be closed right after use
	// instead of returning to the LRU.
	fromCache bool
	closed    bool
}

// ParameterOIDs returns the statement's parameter type oids, in order.
func (p *PreparedStatement) ParameterOIDs() []typeregistry.OID { return p.state.ParameterOIDs }

// Columns returns the statement's result column descriptions.
func (p *PreparedStatement) Columns() []stmtcache.ColumnDescription { return p.state.ResultColumns }

// Close releases the caller's reference. An anonymous statement is closed
// on the wire immediately; a cached one is only closed once its ref_count
// reaches zero and it has fallen out of the LRU (§3's PreparedStatementState
// lifetime rule).
func (p *PreparedStatement) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.conn.stmts.Release(p.state)
	if !p.fromCache {
		return p.conn.closeSync(wire.PreparedStatement, p.state.Name)
	}
	p.conn.drainPendingCloses()
	return nil
}

// Prepare implements §4.4's get_or_prepare(sql): a cache hit moves the
// statement to MRU and returns it; a miss issues parse(), introspects any
// unknown parameter/column type oids in one recursive round-trip, and
// records the freshly built state. The returned handle's reference is
// already acquired; the caller must Close it when done.
func (c *Connection) Prepare(ctx context.Context, sql string) (*PreparedStatement, error) {
	if s, ok := c.stmts.Get(sql); ok {
		c.stmts.Acquire(s)
		return &PreparedStatement{conn: c, sql: sql, state: s, fromCache: true}, nil
	}

	cacheable := c.stmts.Cacheable(sql)
	name := ""
	if cacheable {
		name = c.stmts.NextStatementName()
	}

	paramOIDs, cols, err := c.parseDescribeSync(ctx, name, sql)
	if err != nil {
		return nil, err
	}

	if err := c.resolveUnknownOIDs(ctx, paramOIDs, cols); err != nil {
		return nil, err
	}

	state := &stmtcache.PreparedStatementState{
		Name:          name,
		Query:         sql,
		ParameterOIDs: paramOIDs,
		ResultColumns: cols,
	}
	c.stmts.Acquire(state)

	if cacheable {
		c.stmts.Put(sql, state)
		c.drainPendingCloses()
	}

	return &PreparedStatement{conn: c, sql: sql, state: state, fromCache: cacheable}, nil
}

// resolveUnknownOIDs gathers every parameter/column oid the type registry
// doesn't yet know and introspects them in a single recursive round-trip,
// per §4.4 step 2: "a single recursive round-trip per prepare, not one per
// oid."
func (c *Connection) resolveUnknownOIDs(ctx context.Context, paramOIDs []typeregistry.OID, cols []stmtcache.ColumnDescription) error {
	candidates := make([]typeregistry.OID, 0, len(paramOIDs)+len(cols))
	candidates = append(candidates, paramOIDs...)
	for _, col := range cols {
		candidates = append(candidates, col.TypeOID)
	}
	unknown := c.types.Unknown(candidates)
	if len(unknown) == 0 {
		return nil
	}
	rows, err := c.introspectOIDs(ctx, unknown)
	if err != nil {
		return err
	}
	c.types.Register(typeregistry.BuildDescriptors(rows))
	return nil
}

// introspectOIDs runs the fixed introspection query (§6) over oids and
// decodes its result rows. The query's own result columns (oid, name,
// "char", bool, oid[] and text[]) are decoded through c.Codecs without
// consulting the type registry, so no recursion is needed to decode the
// introspection query's own output.
func (c *Connection) introspectOIDs(ctx context.Context, oids []typeregistry.OID) ([]typeregistry.Row, error) {
	query := typeregistry.IntrospectionQueryFor(c.serverVersionNum)

	_, cols, err := c.parseDescribeSync(ctx, "", query)
	if err != nil {
		return nil, err
	}

	literal := oidArrayLiteral(oids)
	rows, _, _, err := c.bindExecuteSync(ctx, "", "", []wire.BindParam{{Value: []byte(literal)}}, nil, nil, 0, cols)
	if err != nil {
		return nil, err
	}

	out := make([]typeregistry.Row, 0, len(rows))
	for _, r := range rows {
		tr, err := decodeIntrospectionRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func oidArrayLiteral(oids []typeregistry.OID) string {
	parts := make([]string, len(oids))
	for i, o := range oids {
		parts[i] = strconv.FormatUint(uint64(o), 10)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func decodeIntrospectionRow(r *Row) (typeregistry.Row, error) {
	var tr typeregistry.Row
	if r.Len() < 11 {
		return tr, pgerr.NewInternalError("introspection query returned fewer columns than expected")
	}
	tr.OID = asOID(r.Get(0))
	tr.Namespace = asString(r.Get(1))
	tr.Name = asString(r.Get(2))
	tr.Kind = asChar(r.Get(3))
	tr.BaseOID = asOID(r.Get(4))
	tr.ElemOID = asOID(r.Get(5))
	tr.RangeSubtypeOID = asOID(r.Get(6))
	tr.ElemHasBinInput = asBool(r.Get(7))
	tr.ElemHasBinOutput = asBool(r.Get(8))
	tr.AttrOIDs = asOIDSlice(r.Get(9))
	tr.AttrNames = asStringSlice(r.Get(10))
	return tr, nil
}

func asOID(v any) typeregistry.OID {
	switch n := v.(type) {
	case int64:
		return typeregistry.OID(n)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asChar(v any) byte {
	s, _ := v.(string)
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asOIDSlice(v any) []typeregistry.OID {
	vals, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]typeregistry.OID, len(vals))
	for i, e := range vals {
		out[i] = asOID(e)
	}
	return out
}

func asStringSlice(v any) []string {
	vals, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(vals))
	for i, e := range vals {
		out[i] = asString(e)
	}
	return out
}
