// Package typeregistry caches (oid -> TypeDescriptor) for a single
// connection, bootstraps the handful of built-in types the introspection
// query itself needs, and drives the recursive introspection query used to
// resolve unknown OIDs discovered while preparing a statement.
//
// Grounded on the teacher's internal/router package: a Router there
// resolves tenant IDs to configs from a lock-free atomic.Value snapshot,
// swapping in a freshly cloned snapshot on every mutation. A type registry
// has the identical access pattern — many concurrent lock-free Lookups,
// rare writes on introspection or invalidation — so the same snapshot/clone
// structure is reused here, generalized from "tenant ID -> TenantConfig" to
// "oid -> TypeDescriptor".
package typeregistry

// Kind classifies a PostgreSQL type per pg_type.typtype, restricted to the
// values the introspection query can return.
type Kind byte

const (
	KindBase      Kind = 'b'
	KindDomain    Kind = 'd'
	KindComposite Kind = 'c'
	KindRange     Kind = 'r'
	KindPseudo    Kind = 'p'
	KindEnum      Kind = 'e'
)

// OID is a PostgreSQL object identifier.
type OID uint32

// TypeDescriptor is an immutable, per-oid, per-connection record built from
// one row of the introspection query. It never changes after construction;
// an invalidation event (set_type_codec, schema drift) removes it from the
// registry and a future introspection rebuilds it fresh.
type TypeDescriptor struct {
	OID       OID
	Namespace string
	Name      string
	Kind      Kind

	// BaseOID is set when Kind == KindDomain: the oid of the domain's
	// underlying type.
	BaseOID OID

	// ElemOID is set when this is an array type: the oid of the element
	// type.
	ElemOID OID
	// ElemHasBinaryIO is whether the element type declared both binary
	// input and output functions; the codec degrades to text format when
	// false, per §4.3's codec-assembly rule.
	ElemHasBinaryIO bool

	// RangeSubtypeOID is set when Kind == KindRange: the oid of the
	// range's subtype. Zero on servers older than 9.2, where the
	// introspection query elides the pg_range join entirely.
	RangeSubtypeOID OID

	// AttrOIDs/AttrNames are set when Kind == KindComposite: the ordered
	// list of attribute type oids and names. Composites may reference
	// their own row type (directly or via an array), so these are kept as
	// bare oids and resolved against the registry lazily, at codec
	// invocation time, rather than eagerly as descriptor pointers — see
	// §4.3's note on cyclic type references.
	AttrOIDs  []OID
	AttrNames []string
}

// IsArray reports whether this descriptor describes an array type.
func (d *TypeDescriptor) IsArray() bool { return d.ElemOID != 0 }

// bootstrapDescriptors seeds the registry with the minimal set of types the
// introspection query itself depends on before any introspection can run:
// oid, text, bool, and their array forms. OIDs are PostgreSQL's fixed,
// catalog-stable well-known values.
var bootstrapDescriptors = []*TypeDescriptor{
	{OID: 26, Namespace: "pg_catalog", Name: "oid", Kind: KindBase},
	{OID: 25, Namespace: "pg_catalog", Name: "text", Kind: KindBase},
	{OID: 16, Namespace: "pg_catalog", Name: "bool", Kind: KindBase},
	{OID: 1028, Namespace: "pg_catalog", Name: "_oid", Kind: KindBase, ElemOID: 26, ElemHasBinaryIO: true},
	{OID: 1009, Namespace: "pg_catalog", Name: "_text", Kind: KindBase, ElemOID: 25, ElemHasBinaryIO: true},
	{OID: 1000, Namespace: "pg_catalog", Name: "_bool", Kind: KindBase, ElemOID: 16, ElemHasBinaryIO: true},
}
