package typeregistry

import "github.com/dbbouncer/pgwire/internal/pgerr"

// IntrospectionQuery is the fixed literal spec §6 requires implementations
// to send verbatim. $1 is an array of OIDs to resolve; the result is the
// recursive closure of those oids over typelem/rngsubtype/composite
// attribute oids, one row per reachable type, ordered by recursion depth
// descending so dependency rows arrive before their dependents.
const IntrospectionQuery = `
WITH RECURSIVE typeinfo_tree(
    oid, ns, name, kind, basetype, elemtype, range_subtype,
    elem_has_bin_input, elem_has_bin_output, attrtypoids, attrnames, depth)
AS (
    WITH composite_attrs AS (
        SELECT c.reltype AS comptype_oid,
               array_agg(ia.atttypid ORDER BY ia.attnum) AS typoids,
               array_agg(ia.attname::text ORDER BY ia.attnum) AS names
        FROM pg_attribute ia
        JOIN pg_class c ON ia.attrelid = c.oid
        WHERE ia.attnum > 0 AND NOT ia.attisdropped
        GROUP BY c.reltype
    ),
    typeinfo AS (
        SELECT
            t.oid AS oid,
            ns.nspname AS ns,
            t.typname AS name,
            t.typtype AS kind,
            (CASE WHEN t.typtype = 'd' THEN t.typbasetype ELSE 0 END) AS basetype,
            t.typelem AS elemtype,
            r.rngsubtype AS range_subtype,
            coalesce(elem_t.typinput::text = 'array_in'::regproc::text, false) AS elem_has_bin_input,
            coalesce(elem_t.typoutput::text = 'array_out'::regproc::text, false) AS elem_has_bin_output,
            ca.typoids AS attrtypoids,
            ca.names AS attrnames,
            0 AS depth
        FROM pg_type t
        JOIN pg_namespace ns ON ns.oid = t.typnamespace
        LEFT JOIN pg_range r ON r.rngtypid = t.oid
        LEFT JOIN pg_type elem_t ON elem_t.oid = t.typelem
        LEFT JOIN composite_attrs ca ON ca.comptype_oid = t.oid
    )
    SELECT * FROM typeinfo WHERE oid = any($1::oid[])
    UNION ALL
    SELECT ti.oid, ti.ns, ti.name, ti.kind, ti.basetype, ti.elemtype, ti.range_subtype,
           ti.elem_has_bin_input, ti.elem_has_bin_output, ti.attrtypoids, ti.attrnames,
           tt.depth + 1
    FROM typeinfo ti, typeinfo_tree tt
    WHERE (tt.elemtype = ti.oid) OR (ti.oid = any(tt.attrtypoids))
       OR (tt.range_subtype = ti.oid)
)
SELECT DISTINCT oid, ns, name, kind, basetype, elemtype, range_subtype,
       elem_has_bin_input, elem_has_bin_output, attrtypoids, attrnames
FROM typeinfo_tree ORDER BY depth DESC
`

// IntrospectionQueryNoRange is the §6 variant for servers older than 9.2,
// where pg_range doesn't exist and the join is elided entirely.
const IntrospectionQueryNoRange = `
WITH RECURSIVE typeinfo_tree(
    oid, ns, name, kind, basetype, elemtype, range_subtype,
    elem_has_bin_input, elem_has_bin_output, attrtypoids, attrnames, depth)
AS (
    WITH composite_attrs AS (
        SELECT c.reltype AS comptype_oid,
               array_agg(ia.atttypid ORDER BY ia.attnum) AS typoids,
               array_agg(ia.attname::text ORDER BY ia.attnum) AS names
        FROM pg_attribute ia
        JOIN pg_class c ON ia.attrelid = c.oid
        WHERE ia.attnum > 0 AND NOT ia.attisdropped
        GROUP BY c.reltype
    ),
    typeinfo AS (
        SELECT
            t.oid AS oid,
            ns.nspname AS ns,
            t.typname AS name,
            t.typtype AS kind,
            (CASE WHEN t.typtype = 'd' THEN t.typbasetype ELSE 0 END) AS basetype,
            t.typelem AS elemtype,
            NULL::oid AS range_subtype,
            coalesce(elem_t.typinput::text = 'array_in'::regproc::text, false) AS elem_has_bin_input,
            coalesce(elem_t.typoutput::text = 'array_out'::regproc::text, false) AS elem_has_bin_output,
            ca.typoids AS attrtypoids,
            ca.names AS attrnames,
            0 AS depth
        FROM pg_type t
        JOIN pg_namespace ns ON ns.oid = t.typnamespace
        LEFT JOIN pg_type elem_t ON elem_t.oid = t.typelem
        LEFT JOIN composite_attrs ca ON ca.comptype_oid = t.oid
    )
    SELECT * FROM typeinfo WHERE oid = any($1::oid[])
    UNION ALL
    SELECT ti.oid, ti.ns, ti.name, ti.kind, ti.basetype, ti.elemtype, ti.range_subtype,
           ti.elem_has_bin_input, ti.elem_has_bin_output, ti.attrtypoids, ti.attrnames,
           tt.depth + 1
    FROM typeinfo ti, typeinfo_tree tt
    WHERE (tt.elemtype = ti.oid) OR (ti.oid = any(tt.attrtypoids))
)
SELECT DISTINCT oid, ns, name, kind, basetype, elemtype, range_subtype,
       elem_has_bin_input, elem_has_bin_output, attrtypoids, attrnames
FROM typeinfo_tree ORDER BY depth DESC
`

// TypeByNameQuery is used by set_type_codec to resolve a (schema, name)
// pair to an oid, per §6.
const TypeByNameQuery = `
SELECT t.oid, t.typelem AS elemtype, t.typtype AS kind
FROM pg_type t JOIN pg_namespace ns ON ns.oid = t.typnamespace
WHERE t.typname = $1 AND ns.nspname = $2
`

// IntrospectionQueryFor selects the range-aware or range-elided query text
// based on the server_version_num reported in ParameterStatus at startup
// (supplemented from original_source/: asyncpg parses server_version to
// make this same decision, which spec.md's distillation left implicit).
func IntrospectionQueryFor(serverVersionNum int) string {
	if serverVersionNum < 90200 {
		return IntrospectionQueryNoRange
	}
	return IntrospectionQuery
}

// Row is one row of the introspection query's result, decoded into Go
// types but not yet turned into a TypeDescriptor (AttrOIDs/AttrNames need
// a caller-supplied array decoder since their wire encoding depends on
// format code, which is a connection-level concern typeregistry doesn't
// own).
type Row struct {
	OID              OID
	Namespace        string
	Name             string
	Kind             byte
	BaseOID          OID
	ElemOID          OID
	RangeSubtypeOID  OID
	ElemHasBinInput  bool
	ElemHasBinOutput bool
	AttrOIDs         []OID
	AttrNames        []string
}

// BuildDescriptors converts introspection rows, already ordered by depth
// descending, into TypeDescriptors ready for Registry.Register. Per §4.3's
// codec-assembly rule, an array/range descriptor whose element/subtype
// lacks full binary I/O is marked to degrade to text format.
func BuildDescriptors(rows []Row) []*TypeDescriptor {
	out := make([]*TypeDescriptor, 0, len(rows))
	for _, row := range rows {
		d := &TypeDescriptor{
			OID:             row.OID,
			Namespace:       row.Namespace,
			Name:            row.Name,
			Kind:            Kind(row.Kind),
			BaseOID:         row.BaseOID,
			ElemOID:         row.ElemOID,
			RangeSubtypeOID: row.RangeSubtypeOID,
			ElemHasBinaryIO: row.ElemHasBinInput && row.ElemHasBinOutput,
			AttrOIDs:        row.AttrOIDs,
			AttrNames:       row.AttrNames,
		}
		out = append(out, d)
	}
	return out
}

// ResolveComposite walks reg for every attribute oid of a composite
// descriptor, returning an error if the attribute count shrank or grew
// since the row codec was built — the "composite drift" edge case from
// §4.3/§5's worked example: ALTER TYPE ... ADD ATTRIBUTE must surface
// OutdatedSchemaCacheError on the next fetch, not silently misalign
// columns.
func ResolveComposite(reg *Registry, d *TypeDescriptor, wantAttrCount int) ([]*TypeDescriptor, error) {
	if d.Kind != KindComposite {
		return nil, pgerr.NewInternalError("ResolveComposite called on non-composite descriptor")
	}
	if len(d.AttrOIDs) != wantAttrCount {
		reg.Invalidate(d.OID)
		return nil, &pgerr.OutdatedSchemaCacheError{
			Message: "unexpected number of attributes of composite type " + d.Name,
		}
	}
	attrs := make([]*TypeDescriptor, len(d.AttrOIDs))
	for i, oid := range d.AttrOIDs {
		ad, ok := reg.Lookup(oid)
		if !ok {
			return nil, pgerr.NewInternalError("composite attribute oid not introspected: " + d.Name)
		}
		attrs[i] = ad
	}
	return attrs, nil
}
