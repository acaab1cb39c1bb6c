package pgwire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgwire/internal/dsn"
	"github.com/dbbouncer/pgwire/internal/wire"
)

// fakeBackend is a minimal in-process stand-in for a PostgreSQL server,
// built on net.Pipe rather than a real socket, matching SPEC_FULL.md's
// declared test style (the teacher's pool_test.go/scram_test.go use the
// same net.Pipe-backed "mock backend" pattern instead of an external
// fixture server).
type fakeBackend struct {
	t    *testing.T
	conn net.Conn
	rd   *wire.Reader
}

func newFakeConnPair(t *testing.T) (*Connection, *fakeBackend) {
	t.Helper()
	client, server := net.Pipe()
	c := newConnection(client, dsn.Address{Host: "fake", Port: 5432}, &dsn.Params{}, nil)
	fb := &fakeBackend{t: t, conn: server, rd: wire.NewReader(server)}
	t.Cleanup(func() { client.Close(); server.Close() })
	return c, fb
}

func (fb *fakeBackend) recv() wire.Message {
	fb.t.Helper()
	msg, err := fb.rd.ReadMessage()
	if err != nil {
		fb.t.Fatalf("fake backend: reading message: %v", err)
	}
	return msg
}

func (fb *fakeBackend) send(msg []byte) {
	fb.t.Helper()
	if _, err := fb.conn.Write(msg); err != nil {
		fb.t.Fatalf("fake backend: writing message: %v", err)
	}
}

func (fb *fakeBackend) sendReadyForQuery(status byte) {
	fb.send(wire.NewBuilder().Bytes([]byte{status}).Finish(wire.ReadyForQuery))
}

func rowDescriptionMessage(cols []struct {
	name string
	oid  uint32
}) []byte {
	b := wire.NewBuilder().Int16(int16(len(cols)))
	for _, c := range cols {
		b.CString(c.name).Uint32(0).Int16(0).Uint32(c.oid).Int16(-1).Int32(-1).Int16(0)
	}
	return b.Finish(wire.RowDescription)
}

func dataRowMessage(values [][]byte) []byte {
	b := wire.NewBuilder().Int16(int16(len(values)))
	for _, v := range values {
		b.LengthPrefixedBytes(v)
	}
	return b.Finish(wire.DataRow)
}

func commandCompleteMessage(tag string) []byte {
	return wire.NewBuilder().CString(tag).Finish(wire.CommandComplete)
}

func errorResponseMessage(sqlstate, message string) []byte {
	b := wire.NewBuilder().
		Bytes([]byte{'S'}).CString("ERROR").
		Bytes([]byte{'C'}).CString(sqlstate).
		Bytes([]byte{'M'}).CString(message).
		Bytes([]byte{0})
	return b.Finish(wire.ErrorResponse)
}

// TestSimpleQueryCodecRoundTrip exercises §8 scenario 1's shape (though
// over the simple-query text protocol, not extended/binary): a SELECT
// returning int/text/bool columns decodes to the matching Go values.
func TestSimpleQueryCodecRoundTrip(t *testing.T) {
	c, fb := newFakeConnPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		status, err := c.simpleQueryCtx(context.Background(), "SELECT 42, 'hello', true")
		if err != nil {
			t.Errorf("simple query: %v", err)
		}
		if status != "SELECT 1" {
			t.Errorf("status = %q, want %q", status, "SELECT 1")
		}
	}()

	msg := fb.recv()
	if msg.Tag != wire.Query {
		t.Fatalf("backend saw tag %q, want Query", msg.Tag)
	}

	fb.send(rowDescriptionMessage([]struct {
		name string
		oid  uint32
	}{{"?column?", 23}, {"?column?", 25}, {"?column?", 16}}))
	fb.send(dataRowMessage([][]byte{[]byte("42"), []byte("hello"), []byte("t")}))
	fb.send(commandCompleteMessage("SELECT 1"))
	fb.sendReadyForQuery('I')

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for simple query to complete")
	}

	if len(c.lastSimpleRows) != 1 {
		t.Fatalf("got %d rows, want 1", len(c.lastSimpleRows))
	}
	row := c.lastSimpleRows[0]
	if row.Get(0) != int64(42) || row.Get(1) != "hello" || row.Get(2) != true {
		t.Errorf("decoded row = %v, %v, %v", row.Get(0), row.Get(1), row.Get(2))
	}
}

// TestSimpleQueryErrorDrainsToReadyForQuery checks §7's propagation rule:
// the connection is drained to ReadyForQuery before the error surfaces, and
// a subsequent operation on the same connection succeeds normally.
func TestSimpleQueryErrorDrainsToReadyForQuery(t *testing.T) {
	c, fb := newFakeConnPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.simpleQueryCtx(context.Background(), "SELECT * FROM missing")
		done <- err
	}()

	fb.recv()
	fb.send(errorResponseMessage("42P01", `relation "missing" does not exist`))
	fb.sendReadyForQuery('I')

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	// The busy flag must have been released by endOp even on the error
	// path, so a second operation is not rejected by the serialization
	// invariant.
	if c.busy.Load() {
		t.Fatal("connection left busy after an errored operation")
	}
}

// TestSerializationInvariantRejectsConcurrentOps exercises §5: "Initiating
// a second operation before the previous ReadyForQuery must fail with
// InterfaceError... rather than interleave."
func TestSerializationInvariantRejectsConcurrentOps(t *testing.T) {
	c, fb := newFakeConnPair(t)

	started := make(chan struct{})
	go func() {
		fb.recv()
		close(started)
		// Hold the "in flight" state open; never respond, so the first
		// operation parks in next() waiting for bytes.
	}()

	go func() {
		c.simpleQueryCtx(context.Background(), "SELECT pg_sleep(60)")
	}()

	<-started
	// Give the first goroutine's beginOp a moment to land before we probe
	// the invariant from this goroutine.
	deadline := time.Now().Add(time.Second)
	for !c.busy.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	_, err := c.simpleQueryCtx(context.Background(), "SELECT 1")
	if err == nil {
		t.Fatal("expected InterfaceError for concurrent operation")
	}
}

// TestCancelNoOpWhenNoPidKnown covers §8's "A cancel() while no command is
// running is a no-op" for the degenerate case of a connection that never
// completed startup (no BackendKeyData seen yet).
func TestCancelNoOpWhenNoPidKnown(t *testing.T) {
	c, _ := newFakeConnPair(t)
	if err := c.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel with no pid: %v", err)
	}
}
