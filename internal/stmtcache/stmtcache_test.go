package stmtcache

import (
	"testing"
	"time"

	"github.com/dbbouncer/pgwire/internal/typeregistry"
)

func TestDisabledCacheNeverHits(t *testing.T) {
	c := New(Config{MaxSize: 0})
	if !c.Disabled() {
		t.Fatal("expected MaxSize=0 to disable the cache")
	}
	c.Put("select 1", &PreparedStatementState{Name: "s1"})
	if _, ok := c.Get("select 1"); ok {
		t.Fatal("disabled cache must never hit")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(Config{MaxSize: 4})
	s := &PreparedStatementState{Name: "stmt1", Query: "select 1"}
	c.Put("select 1", s)

	got, ok := c.Get("select 1")
	if !ok || got.Name != "stmt1" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
}

func TestEvictionQueuesCloseWhenUnreferenced(t *testing.T) {
	c := New(Config{MaxSize: 1})
	c.Put("a", &PreparedStatementState{Name: "stmt_a"})
	c.Put("b", &PreparedStatementState{Name: "stmt_b"}) // evicts "a"

	names := c.DrainPendingClose()
	if len(names) != 1 || names[0] != "stmt_a" {
		t.Fatalf("pending close = %v, want [stmt_a]", names)
	}
}

func TestAcquireReleaseDefersCloseUntilUnreferenced(t *testing.T) {
	c := New(Config{MaxSize: 1})
	a := &PreparedStatementState{Name: "stmt_a"}
	c.Put("a", a)
	c.Acquire(a)

	c.Put("b", &PreparedStatementState{Name: "stmt_b"}) // evicts "a" while referenced

	if names := c.DrainPendingClose(); len(names) != 0 {
		t.Fatalf("expected no pending close while referenced, got %v", names)
	}

	c.Release(a)
	names := c.DrainPendingClose()
	if len(names) != 1 || names[0] != "stmt_a" {
		t.Fatalf("pending close after release = %v, want [stmt_a]", names)
	}
}

func TestCacheableRespectsMaxSize(t *testing.T) {
	c := New(Config{MaxSize: 4, MaxCacheableStatementSize: 10})
	if !c.Cacheable("select 1") {
		t.Fatal("short query should be cacheable")
	}
	if c.Cacheable("select * from a_very_long_table_name_here") {
		t.Fatal("oversized query should not be cacheable")
	}
}

func TestMaxLifetimeExpiresOnTouch(t *testing.T) {
	c := New(Config{MaxSize: 4, MaxLifetime: time.Millisecond})
	c.Put("select 1", &PreparedStatementState{Name: "stmt1"})
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("select 1"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if names := c.DrainPendingClose(); len(names) != 1 {
		t.Fatalf("expected expired entry queued for close, got %v", names)
	}
}

func TestInvalidateByOID(t *testing.T) {
	c := New(Config{MaxSize: 4})
	c.Put("select a", &PreparedStatementState{
		Name:          "stmt_a",
		ResultColumns: []ColumnDescription{{TypeOID: 100001}},
	})
	c.Put("select b", &PreparedStatementState{
		Name:          "stmt_b",
		ResultColumns: []ColumnDescription{{TypeOID: 100002}},
	})

	c.Invalidate(map[typeregistry.OID]bool{100001: true})

	if _, ok := c.Get("select a"); ok {
		t.Fatal("expected statement referencing invalidated oid to be evicted")
	}
	if _, ok := c.Get("select b"); !ok {
		t.Fatal("expected unaffected statement to survive invalidation")
	}
}

func TestNextStatementNameIsUnique(t *testing.T) {
	c := New(Config{MaxSize: 4})
	a := c.NextStatementName()
	b := c.NextStatementName()
	if a == b {
		t.Fatalf("expected distinct statement names, got %q twice", a)
	}
}
