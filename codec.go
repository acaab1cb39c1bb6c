package pgwire

import (
	"strconv"
	"strings"

	"github.com/dbbouncer/pgwire/internal/pgerr"
	"github.com/dbbouncer/pgwire/internal/typeregistry"
)

// Format is a PostgreSQL wire format code, carried per-parameter and
// per-result-column in Bind (§4.1).
type Format int16

const (
	FormatText   Format = 0
	FormatBinary Format = 1
)

// Codec converts between a Go value and the wire bytes for one PostgreSQL
// type. Per §1, the byte layout of any individual built-in type is
// explicitly out of scope ("the *protocol* for codec selection is in
// scope, the per-type byte layouts are not") — what this type exists to
// get right is format-code selection and the recursive assembly of
// array/composite/domain/range codecs described in §4.3, not an exhaustive
// per-OID encoding table. The default codec set below covers the handful
// of scalar types the introspection query itself needs plus the common
// numeric/text/bool/bytea types, all in PostgreSQL's text format, which
// every server understands for every type without per-type wire code.
type Codec struct {
	Format Format
	Encode func(v any) (data []byte, isNull bool, err error)
	Decode func(data []byte, isNull bool) (any, error)
}

// textCodec builds a text-format Codec from a pair of string
// conversion functions, the shape nearly every scalar codec below shares.
func textCodec(encode func(any) (string, error), decode func(string) (any, error)) *Codec {
	return &Codec{
		Format: FormatText,
		Encode: func(v any) ([]byte, bool, error) {
			if v == nil {
				return nil, true, nil
			}
			s, err := encode(v)
			if err != nil {
				return nil, false, err
			}
			return []byte(s), false, nil
		},
		Decode: func(data []byte, isNull bool) (any, error) {
			if isNull {
				return nil, nil
			}
			return decode(string(data))
		},
	}
}

func passthroughString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmtStringer:
		return t.String(), nil
	default:
		return "", pgerr.NewInternalError("codec: unsupported Go value for text encoding")
	}
}

type fmtStringer interface{ String() string }

var (
	textStringCodec = textCodec(
		func(v any) (string, error) { return passthroughString(v) },
		func(s string) (any, error) { return s, nil },
	)
	textBoolCodec = textCodec(
		func(v any) (string, error) {
			b, ok := v.(bool)
			if !ok {
				return "", pgerr.NewInternalError("codec: expected bool")
			}
			if b {
				return "t", nil
			}
			return "f", nil
		},
		func(s string) (any, error) { return s == "t" || s == "true" || s == "1", nil },
	)
	textInt64Codec = textCodec(
		func(v any) (string, error) {
			switch n := v.(type) {
			case int:
				return strconv.FormatInt(int64(n), 10), nil
			case int32:
				return strconv.FormatInt(int64(n), 10), nil
			case int64:
				return strconv.FormatInt(n, 10), nil
			default:
				return "", pgerr.NewInternalError("codec: expected integer")
			}
		},
		func(s string) (any, error) { return strconv.ParseInt(s, 10, 64) },
	)
	textFloat64Codec = textCodec(
		func(v any) (string, error) {
			switch n := v.(type) {
			case float32:
				return strconv.FormatFloat(float64(n), 'g', -1, 64), nil
			case float64:
				return strconv.FormatFloat(n, 'g', -1, 64), nil
			default:
				return "", pgerr.NewInternalError("codec: expected float")
			}
		},
		func(s string) (any, error) { return strconv.ParseFloat(s, 64) },
	)
	textBytesCodec = &Codec{
		Format: FormatText,
		Encode: func(v any) ([]byte, bool, error) {
			if v == nil {
				return nil, true, nil
			}
			b, ok := v.([]byte)
			if !ok {
				return nil, false, pgerr.NewInternalError("codec: expected []byte")
			}
			return []byte("\\x" + hexEncode(b)), false, nil
		},
		Decode: func(data []byte, isNull bool) (any, error) {
			if isNull {
				return nil, nil
			}
			return hexDecodeBytea(data)
		},
	}
)

// wellKnownCodecs maps the handful of built-in OIDs that show up in every
// connection (the bootstrap set typeregistry seeds, plus the common
// scalar types asyncpg's own test suite exercises) to a default text-format
// Codec. Everything else falls back to defaultCodec (raw text passthrough)
// until overridden by SetTypeCodec.
var wellKnownCodecs = map[typeregistry.OID]*Codec{
	16:   textBoolCodec,   // bool
	17:   textBytesCodec,  // bytea
	20:   textInt64Codec,  // int8
	21:   textInt64Codec,  // int2
	23:   textInt64Codec,  // int4
	25:   textStringCodec, // text
	26:   textInt64Codec,  // oid
	700:  textFloat64Codec, // float4
	701:  textFloat64Codec, // float8
	1043: textStringCodec, // varchar
	1042: textStringCodec, // bpchar
}

// defaultCodec is the fallback for any OID this connection has no
// registered codec for: pass the server's text-format rendering straight
// through as a Go string, which is always representable since every
// PostgreSQL type has a text output function.
var defaultCodec = textCodec(
	func(v any) (string, error) { return passthroughString(v) },
	func(s string) (any, error) { return s, nil },
)

// CodecRegistry is the per-connection overlay described in §4.3: "a
// per-connection user-type-codec registry overlays the built-in table;
// setting or resetting a codec invalidates every cached statement whose
// row codec references the affected oid." Composite/array/domain/range
// codecs are assembled lazily from the overlay plus typeregistry
// descriptors, never cached as a pointer graph, so a SetTypeCodec call
// takes effect on every subsequent lookup without walking existing
// descriptors (§4.3's note on cyclic type references: "resolve on codec
// invocation").
type CodecRegistry struct {
	types    *typeregistry.Registry
	overlay  map[typeregistry.OID]*Codec
	onInval  func(oid typeregistry.OID)
}

func newCodecRegistry(types *typeregistry.Registry, onInval func(typeregistry.OID)) *CodecRegistry {
	return &CodecRegistry{types: types, overlay: map[typeregistry.OID]*Codec{}, onInval: onInval}
}

// SetTypeCodec installs a user codec for oid, invalidating every cached
// statement that references it (§8: "set_type_codec(t, enc, dec)" round
// trip property).
func (r *CodecRegistry) SetTypeCodec(oid typeregistry.OID, c *Codec) {
	r.overlay[oid] = c
	if r.onInval != nil {
		r.onInval(oid)
	}
}

// ResetTypeCodec removes a user override for oid, falling back to the
// built-in/default codec; it invalidates the same way SetTypeCodec does so
// "set ; reset" round-trips to observationally identical fetches (§8).
func (r *CodecRegistry) ResetTypeCodec(oid typeregistry.OID) {
	if _, ok := r.overlay[oid]; !ok {
		return
	}
	delete(r.overlay, oid)
	if r.onInval != nil {
		r.onInval(oid)
	}
}

// For resolves the Codec for oid, assembling an array/composite/domain
// codec on the fly per §4.3's codec-assembly rule if oid's descriptor
// demands it and no user override exists.
func (r *CodecRegistry) For(oid typeregistry.OID) *Codec {
	if c, ok := r.overlay[oid]; ok {
		return c
	}
	if c, ok := wellKnownCodecs[oid]; ok {
		return c
	}
	desc, ok := r.types.Lookup(oid)
	if !ok {
		return defaultCodec
	}
	switch desc.Kind {
	case typeregistry.KindDomain:
		return r.For(desc.BaseOID)
	case typeregistry.KindComposite:
		return r.compositeCodec(desc)
	default:
		if desc.IsArray() {
			return r.arrayCodec(desc)
		}
		return defaultCodec
	}
}

// arrayCodec wraps the element codec in PostgreSQL's generic text-format
// array syntax, "{a,b,c}" with comma separation and NULL for unquoted
// nulls — the one array representation that is the same for every element
// type regardless of its own byte layout, which is why component §1
// excludes per-type binary layouts but this parsing is still squarely
// "protocol for codec selection."
func (r *CodecRegistry) arrayCodec(desc *typeregistry.TypeDescriptor) *Codec {
	elem := r.For(desc.ElemOID)
	return &Codec{
		Format: FormatText,
		Encode: func(v any) ([]byte, bool, error) {
			if v == nil {
				return nil, true, nil
			}
			vals, ok := v.([]any)
			if !ok {
				return nil, false, pgerr.NewInternalError("codec: expected []any for array type")
			}
			parts := make([]string, len(vals))
			for i, e := range vals {
				if e == nil {
					parts[i] = "NULL"
					continue
				}
				b, isNull, err := elem.Encode(e)
				if err != nil {
					return nil, false, err
				}
				if isNull {
					parts[i] = "NULL"
				} else {
					parts[i] = string(b)
				}
			}
			return []byte("{" + strings.Join(parts, ",") + "}"), false, nil
		},
		Decode: func(data []byte, isNull bool) (any, error) {
			if isNull {
				return nil, nil
			}
			elems := splitArrayLiteral(string(data))
			out := make([]any, len(elems))
			for i, e := range elems {
				if e == "NULL" {
					out[i] = nil
					continue
				}
				v, err := elem.Decode([]byte(e), false)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		},
	}
}

// compositeCodec builds a codec over a composite type's attribute tuple,
// using PostgreSQL's generic "(a,b,c)" row syntax. Attribute descriptors
// are resolved against the registry at invocation time (not eagerly), per
// §4.3's cyclic-reference note and typeregistry.ResolveComposite's drift
// check for §8's "composite drift" scenario.
func (r *CodecRegistry) compositeCodec(desc *typeregistry.TypeDescriptor) *Codec {
	return &Codec{
		Format: FormatText,
		Encode: func(v any) ([]byte, bool, error) {
			if v == nil {
				return nil, true, nil
			}
			vals, ok := v.([]any)
			if !ok {
				return nil, false, pgerr.NewInternalError("codec: expected []any for composite type")
			}
			parts := make([]string, len(vals))
			for i, e := range vals {
				if e == nil {
					parts[i] = ""
					continue
				}
				attrOID := desc.AttrOIDs[i]
				b, isNull, err := r.For(attrOID).Encode(e)
				if err != nil {
					return nil, false, err
				}
				if isNull {
					parts[i] = ""
				} else {
					parts[i] = string(b)
				}
			}
			return []byte("(" + strings.Join(parts, ",") + ")"), false, nil
		},
		Decode: func(data []byte, isNull bool) (any, error) {
			if isNull {
				return nil, nil
			}
			attrs, err := typeregistry.ResolveComposite(r.types, desc, len(desc.AttrOIDs))
			if err != nil {
				if r.onInval != nil {
					r.onInval(desc.OID)
				}
				return nil, err
			}
			fields := splitCompositeLiteral(string(data))
			if len(fields) != len(attrs) {
				r.types.Invalidate(desc.OID)
				if r.onInval != nil {
					r.onInval(desc.OID)
				}
				return nil, &pgerr.OutdatedSchemaCacheError{
					Message: "unexpected number of attributes of composite type " + desc.Name,
				}
			}
			out := make([]any, len(fields))
			for i, f := range fields {
				if f == "" {
					out[i] = nil
					continue
				}
				v, err := r.For(desc.AttrOIDs[i]).Decode([]byte(f), false)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		},
	}
}

func splitArrayLiteral(s string) []string {
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return nil
	}
	return splitTopLevel(s, ',')
}

func splitCompositeLiteral(s string) []string {
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	return splitTopLevel(s, ',')
}

// splitTopLevel splits s on sep, ignoring separators nested inside
// {}/() pairs (nested arrays/composites).
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{', '(':
			depth++
		case '}', ')':
			depth--
		default:
			if s[i] == sep && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

func hexDecodeBytea(data []byte) ([]byte, error) {
	s := string(data)
	s = strings.TrimPrefix(s, "\\x")
	if len(s)%2 != 0 {
		return nil, pgerr.NewInternalError("codec: odd-length bytea hex literal")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, pgerr.NewInternalError("codec: invalid hex digit in bytea literal")
	}
}
