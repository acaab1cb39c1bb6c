package pgwire

import (
	"context"
	"strconv"

	"github.com/dbbouncer/pgwire/internal/pgerr"
)

// Isolation is one of the three transaction isolation levels a Transaction
// may request, per §3's DATA MODEL.
type Isolation string

const (
	ReadCommitted  Isolation = "read_committed"
	RepeatableRead Isolation = "repeatable_read"
	Serializable   Isolation = "serializable"
)

// TxState is a Transaction's lifecycle state, per §3: NEW, STARTED,
// COMMITTED, ROLLED_BACK, FAILED.
type TxState int

const (
	TxNew TxState = iota
	TxStarted
	TxCommitted
	TxRolledBack
	TxFailed
)

// Transaction is a started (or not-yet-started) SQL transaction or
// savepoint on a Connection, per §3: the first one opened becomes the
// connection's top transaction; further transactions opened while it is
// running become savepoints sharing its isolation level.
//
// Grounded directly on original_source/asyncpg/transaction.py's Transaction
// class — the BEGIN/SAVEPOINT/COMMIT/ROLLBACK query text and the
// NEW/STARTED/FAILED state transitions are carried over verbatim; only the
// shape (explicit Start/Commit/Rollback methods returning error, no
// context-manager protocol) is translated to Go idiom.
type Transaction struct {
	conn *Connection

	isolation  Isolation
	readonly   bool
	deferrable bool

	nested     bool
	savepoint  string
	state      TxState
}

// BeginTx validates isolation/readonly/deferrable per §3's invariants and
// returns a not-yet-started Transaction. Call Start to actually open it;
// higher-level callers use Connection.Transaction, which does both.
func (c *Connection) BeginTx(isolation Isolation, readonly, deferrable bool) (*Transaction, error) {
	switch isolation {
	case ReadCommitted, RepeatableRead, Serializable:
	default:
		return nil, pgerr.NewInterfaceError("isolation must be one of read_committed, repeatable_read, serializable, got " + string(isolation))
	}
	if isolation != Serializable && readonly {
		return nil, pgerr.NewInterfaceError(`"readonly" is only supported for serializable transactions`)
	}
	if deferrable && !readonly {
		return nil, pgerr.NewInterfaceError(`"deferrable" is only supported for serializable readonly transactions`)
	}
	return &Transaction{conn: c, isolation: isolation, readonly: readonly, deferrable: deferrable, state: TxNew}, nil
}

// State reports the transaction's current lifecycle state.
func (t *Transaction) State() TxState { return t.state }

// Start opens the transaction: BEGIN (or ISOLATION LEVEL variant) if this
// is the connection's first transaction, SAVEPOINT if one is already
// running and this becomes nested. A differing isolation level on a
// nested start is rejected — transactions share the top's isolation.
func (t *Transaction) Start(ctx context.Context) error {
	if t.state != TxNew {
		return pgerr.NewInternalError("cannot start transaction: inconsistent state")
	}

	c := t.conn
	var query string
	if c.topTx == nil {
		c.topTx = t
		query = beginQuery(t.isolation, t.readonly, t.deferrable)
	} else {
		top := c.topTx
		if t.isolation != top.isolation {
			return pgerr.NewInternalError("nested transaction has different isolation level: current " +
				string(t.isolation) + " != outer " + string(top.isolation))
		}
		t.nested = true
		t.savepoint = c.nextUniqueID()
		query = "SAVEPOINT " + t.savepoint + ";"
	}

	if _, err := c.simpleQueryCtx(ctx, query); err != nil {
		t.state = TxFailed
		return err
	}
	t.state = TxStarted
	return nil
}

// Commit commits (or, for a nested transaction, releases the savepoint).
func (t *Transaction) Commit(ctx context.Context) error {
	if t.state != TxStarted {
		return pgerr.NewInternalError("cannot commit transaction: inconsistent state")
	}
	var query string
	if t.nested {
		query = "RELEASE SAVEPOINT " + t.savepoint + ";"
	} else {
		query = "COMMIT;"
	}
	if _, err := t.conn.simpleQueryCtx(ctx, query); err != nil {
		t.state = TxFailed
		return err
	}
	t.state = TxCommitted
	if t.conn.topTx == t {
		t.conn.topTx = nil
	}
	return nil
}

// Rollback rolls back (or, for a nested transaction, rolls back to the
// savepoint). Per the upstream semantics this clears the connection's top
// transaction reference even if the state check below then fails, since a
// rollback after a FAILED state must still release the slot.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.conn.topTx == t {
		t.conn.topTx = nil
	}
	if t.state != TxStarted {
		return pgerr.NewInternalError("cannot rollback transaction: inconsistent state")
	}
	var query string
	if t.nested {
		query = "ROLLBACK TO " + t.savepoint + ";"
	} else {
		query = "ROLLBACK;"
	}
	if _, err := t.conn.simpleQueryCtx(ctx, query); err != nil {
		t.state = TxFailed
		return err
	}
	t.state = TxRolledBack
	return nil
}

func beginQuery(isolation Isolation, readonly, deferrable bool) string {
	switch isolation {
	case RepeatableRead:
		return "BEGIN ISOLATION LEVEL REPEATABLE READ;"
	case Serializable:
		query := "BEGIN ISOLATION LEVEL SERIALIZABLE"
		if readonly {
			query += " READ ONLY"
		}
		if deferrable {
			query += " DEFERRABLE"
		}
		return query + ";"
	default:
		return "BEGIN;"
	}
}

// nextUniqueID generates a connection-unique identifier for savepoints and
// portal names, per original_source's Connection._get_unique_id.
func (c *Connection) nextUniqueID() string {
	c.uidCounter++
	return "pgwire_id" + strconv.FormatInt(c.uidCounter, 10)
}

// Transaction runs fn inside a Transaction per §4.5's transaction()
// resource: Start before fn, Commit on a nil return, Rollback on any error
// (including a panic propagating through fn, which is re-raised after
// rollback completes).
func (c *Connection) Transaction(ctx context.Context, isolation Isolation, readonly, deferrable bool, fn func(tx *Transaction) error) (err error) {
	tx, err := c.BeginTx(isolation, readonly, deferrable)
	if err != nil {
		return err
	}
	if err := tx.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return rbErr
		}
		return err
	}
	return tx.Commit(ctx)
}
