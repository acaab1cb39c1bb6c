package pgwire

import (
	"context"
	"errors"
	"testing"
	"time"
)

// expectSimpleQuery drives one round of the fake backend answering a
// simple-query Query message with a bare CommandComplete/ReadyForQuery,
// as BEGIN/SAVEPOINT/COMMIT/ROLLBACK all expect.
func (fb *fakeBackend) expectSimpleQuery(tag string) {
	fb.t.Helper()
	msg := fb.recv()
	if msg.Tag != 'Q' {
		fb.t.Fatalf("backend saw tag %q, want Query", msg.Tag)
	}
	fb.send(commandCompleteMessage(tag))
	fb.sendReadyForQuery('T')
}

// TestNestedTransactionUsesSavepoint exercises §3/§8: the first
// transaction opened on a connection is top; a second, concurrent one
// shares its isolation and becomes a savepoint instead of a second BEGIN.
func TestNestedTransactionUsesSavepoint(t *testing.T) {
	c, fb := newFakeConnPair(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Transaction(context.Background(), ReadCommitted, false, false, func(outer *Transaction) error {
			inner, err := c.BeginTx(ReadCommitted, false, false)
			if err != nil {
				return err
			}
			if err := inner.Start(context.Background()); err != nil {
				return err
			}
			if !inner.nested {
				t.Error("second transaction on the same connection should be nested")
			}
			return inner.Commit(context.Background())
		})
	}()

	fb.expectSimpleQuery("BEGIN")
	fb.expectSimpleQuery("SAVEPOINT")
	fb.expectSimpleQuery("RELEASE")
	fb.expectSimpleQuery("COMMIT")

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Transaction: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// TestTransactionRollsBackOnError exercises §4.5's exit-path policy: an
// error returned from fn rolls the transaction back instead of committing.
func TestTransactionRollsBackOnError(t *testing.T) {
	c, fb := newFakeConnPair(t)
	sentinel := errors.New("boom")

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Transaction(context.Background(), ReadCommitted, false, false, func(tx *Transaction) error {
			return sentinel
		})
	}()

	fb.expectSimpleQuery("BEGIN")
	fb.expectSimpleQuery("ROLLBACK")

	select {
	case err := <-errCh:
		if !errors.Is(err, sentinel) {
			t.Fatalf("got err %v, want sentinel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// TestDifferingNestedIsolationRejected covers §3: "a differing isolation
// is rejected" for a transaction opened while another is already running.
func TestDifferingNestedIsolationRejected(t *testing.T) {
	c, fb := newFakeConnPair(t)

	top, err := c.BeginTx(ReadCommitted, false, false)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- top.Start(context.Background()) }()
	fb.expectSimpleQuery("BEGIN")
	if err := <-done; err != nil {
		t.Fatalf("Start outer: %v", err)
	}

	inner, err := c.BeginTx(Serializable, false, false)
	if err != nil {
		t.Fatalf("BeginTx inner: %v", err)
	}
	if err := inner.Start(context.Background()); err == nil {
		t.Fatal("expected rejection of differing nested isolation")
	}
}

// TestReadonlyRequiresSerializable covers §3's invariant: "readonly is
// valid only with serializable isolation."
func TestReadonlyRequiresSerializable(t *testing.T) {
	c, _ := newFakeConnPair(t)
	if _, err := c.BeginTx(ReadCommitted, true, false); err == nil {
		t.Fatal("expected rejection of readonly with non-serializable isolation")
	}
	if _, err := c.BeginTx(Serializable, true, false); err != nil {
		t.Fatalf("serializable readonly should be accepted: %v", err)
	}
}

// TestDeferrableRequiresReadonly covers §3's invariant: "deferrable
// implies readonly."
func TestDeferrableRequiresReadonly(t *testing.T) {
	c, _ := newFakeConnPair(t)
	if _, err := c.BeginTx(Serializable, false, true); err == nil {
		t.Fatal("expected rejection of deferrable without readonly")
	}
}
