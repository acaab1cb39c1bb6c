package typeregistry

import "testing"

func TestBootstrapLookup(t *testing.T) {
	reg := New()
	d, ok := reg.Lookup(25)
	if !ok || d.Name != "text" {
		t.Fatalf("Lookup(25) = %+v, %v", d, ok)
	}
}

func TestUnknownFiltersKnown(t *testing.T) {
	reg := New()
	unknown := reg.Unknown([]OID{25, 16, 99999})
	if len(unknown) != 1 || unknown[0] != 99999 {
		t.Fatalf("Unknown = %v, want [99999]", unknown)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	reg.Register([]*TypeDescriptor{
		{OID: 100001, Namespace: "public", Name: "mytype", Kind: KindComposite, AttrOIDs: []OID{23, 23}, AttrNames: []string{"x", "y"}},
	})
	d, ok := reg.Lookup(100001)
	if !ok {
		t.Fatal("expected descriptor to be registered")
	}
	if d.Kind != KindComposite || len(d.AttrOIDs) != 2 {
		t.Fatalf("got %+v", d)
	}
}

func TestInvalidate(t *testing.T) {
	reg := New()
	reg.Register([]*TypeDescriptor{{OID: 100002, Name: "temp", Kind: KindBase}})
	if _, ok := reg.Lookup(100002); !ok {
		t.Fatal("expected descriptor present before invalidation")
	}
	reg.Invalidate(100002)
	if _, ok := reg.Lookup(100002); ok {
		t.Fatal("expected descriptor gone after invalidation")
	}
	// bootstrap entries must survive
	if _, ok := reg.Lookup(25); !ok {
		t.Fatal("bootstrap entry should not be affected by Invalidate of another oid")
	}
}

func TestResetKeepsBootstrap(t *testing.T) {
	reg := New()
	reg.Register([]*TypeDescriptor{{OID: 100003, Name: "temp", Kind: KindBase}})
	reg.Reset()
	if _, ok := reg.Lookup(100003); ok {
		t.Fatal("expected Reset to drop non-bootstrap descriptors")
	}
	if _, ok := reg.Lookup(25); !ok {
		t.Fatal("expected Reset to keep bootstrap descriptors")
	}
}

func TestResolveCompositeDrift(t *testing.T) {
	reg := New()
	reg.Register([]*TypeDescriptor{
		{OID: 23, Name: "int4", Kind: KindBase},
		{OID: 200001, Name: "typ", Kind: KindComposite, AttrOIDs: []OID{23, 23}, AttrNames: []string{"x", "y"}},
	})
	d, _ := reg.Lookup(200001)

	if _, err := ResolveComposite(reg, d, 2); err != nil {
		t.Fatalf("ResolveComposite: %v", err)
	}
	if _, err := ResolveComposite(reg, d, 3); err == nil {
		t.Fatal("expected drift error when attribute count no longer matches")
	}
}

func TestIntrospectionQueryForVersionSelection(t *testing.T) {
	if q := IntrospectionQueryFor(90100); q != IntrospectionQueryNoRange {
		t.Fatal("expected range-elided query for server < 9.2")
	}
	if q := IntrospectionQueryFor(90600); q != IntrospectionQuery {
		t.Fatal("expected range-aware query for server >= 9.2")
	}
}

func TestBuildDescriptorsDegradesToText(t *testing.T) {
	rows := []Row{
		{OID: 300001, Name: "myarr", Kind: byte(KindBase), ElemOID: 300002, ElemHasBinInput: true, ElemHasBinOutput: false},
	}
	descs := BuildDescriptors(rows)
	if descs[0].ElemHasBinaryIO {
		t.Fatal("expected ElemHasBinaryIO=false when only one of input/output is binary-capable")
	}
}
