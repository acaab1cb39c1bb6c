package pgwire

import (
	"reflect"
	"testing"

	"github.com/dbbouncer/pgwire/internal/typeregistry"
)

func TestWellKnownScalarCodecsRoundTrip(t *testing.T) {
	cases := []struct {
		oid typeregistry.OID
		in  any
	}{
		{16, true},
		{16, false},
		{20, int64(9223372036854775807)},
		{23, int64(-42)},
		{25, "hello"},
		{700, float64(3.5)},
	}
	for _, c := range cases {
		codec := wellKnownCodecs[c.oid]
		data, isNull, err := codec.Encode(c.in)
		if err != nil {
			t.Fatalf("oid %d encode: %v", c.oid, err)
		}
		if isNull {
			t.Fatalf("oid %d: unexpected null", c.oid)
		}
		got, err := codec.Decode(data, false)
		if err != nil {
			t.Fatalf("oid %d decode: %v", c.oid, err)
		}
		if got != c.in {
			t.Errorf("oid %d: round trip got %v (%T), want %v (%T)", c.oid, got, got, c.in, c.in)
		}
	}
}

func TestTextBytesCodecRoundTrip(t *testing.T) {
	codec := wellKnownCodecs[17]
	data, isNull, err := codec.Encode([]byte{0xde, 0xad, 0xbe, 0xef})
	if err != nil || isNull {
		t.Fatalf("encode: %v, isNull=%v", err, isNull)
	}
	if string(data) != `\xdeadbeef` {
		t.Fatalf("unexpected wire form %q", data)
	}
	got, err := codec.Decode(data, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("got %v", got)
	}
}

func TestCodecNullRoundTrip(t *testing.T) {
	codec := wellKnownCodecs[25]
	data, isNull, err := codec.Encode(nil)
	if err != nil {
		t.Fatalf("encode nil: %v", err)
	}
	if !isNull || data != nil {
		t.Fatalf("encode nil: isNull=%v data=%v", isNull, data)
	}
	got, err := codec.Decode(nil, true)
	if err != nil || got != nil {
		t.Fatalf("decode null: got=%v err=%v", got, err)
	}
}

func TestDefaultCodecPassthrough(t *testing.T) {
	reg := &CodecRegistry{types: typeregistry.New(), overlay: map[typeregistry.OID]*Codec{}}
	c := reg.For(999999)
	data, _, err := c.Encode("freeform")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != "freeform" {
		t.Errorf("got %q", data)
	}
}

func TestSetResetTypeCodecInvalidates(t *testing.T) {
	var invalidated []typeregistry.OID
	reg := newCodecRegistry(typeregistry.New(), func(oid typeregistry.OID) {
		invalidated = append(invalidated, oid)
	})
	custom := &Codec{
		Format: FormatText,
		Encode: func(v any) ([]byte, bool, error) { return []byte("custom"), false, nil },
		Decode: func(data []byte, isNull bool) (any, error) { return "custom", nil },
	}
	reg.SetTypeCodec(100, custom)
	if got := reg.For(100); got != custom {
		t.Fatalf("overlay codec not returned")
	}
	reg.ResetTypeCodec(100)
	if got := reg.For(100); got == custom {
		t.Fatalf("reset did not remove overlay codec")
	}
	if len(invalidated) != 2 || invalidated[0] != 100 || invalidated[1] != 100 {
		t.Errorf("expected two invalidations of oid 100, got %v", invalidated)
	}
}

func TestSplitArrayLiteral(t *testing.T) {
	got := splitArrayLiteral("{1,2,NULL,4}")
	want := []string{"1", "2", "NULL", "4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestSplitArrayLiteralNested(t *testing.T) {
	got := splitArrayLiteral("{{1,2},{3,4}}")
	want := []string{"{1,2}", "{3,4}"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestSplitCompositeLiteral(t *testing.T) {
	got := splitCompositeLiteral("(hello,42,)")
	want := []string{"hello", "42", ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestHexEncodeDecodeBytea(t *testing.T) {
	in := []byte{0x00, 0x01, 0xff, 0x7f}
	encoded := hexEncode(in)
	decoded, err := hexDecodeBytea([]byte(`\x` + encoded))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, in) {
		t.Errorf("got %v want %v", decoded, in)
	}
}

func TestHexDecodeByteaOddLength(t *testing.T) {
	if _, err := hexDecodeBytea([]byte(`\xabc`)); err == nil {
		t.Fatal("expected error for odd-length hex literal")
	}
}
