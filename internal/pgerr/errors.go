// Package pgerr implements the error taxonomy described in spec §7: a
// PgError carrying every field the wire protocol's ErrorResponse can report,
// a Kind classifying it for retry logic, and the SQLSTATE-to-class mapping.
//
// The PgError shape is grounded on other_examples/jackc-pgx's pgconn.PgError
// — the canonical Go representation of this exact value — adapted to also
// carry the Kind classification and the two special-case translations
// spec §4.2/§4.3/§7 calls out by name.
package pgerr

import "fmt"

// Kind classifies an error for the caller's retry/backoff logic, per §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindClientConfiguration
	KindConnection
	KindAuthentication
	KindServer
	KindProtocolViolation
	KindInterface
	KindTimeout
	KindCancellation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindClientConfiguration:
		return "client_configuration"
	case KindConnection:
		return "connection"
	case KindAuthentication:
		return "authentication"
	case KindServer:
		return "server"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindInterface:
		return "interface"
	case KindTimeout:
		return "timeout"
	case KindCancellation:
		return "cancellation"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// PgError carries every field PostgreSQL's ErrorResponse/NoticeResponse can
// report (protocol field tags are documented next to each), plus the
// offending query when the caller has it and a Kind derived from the
// SQLSTATE class.
type PgError struct {
	Kind Kind

	Severity         string // 'S'
	Code             string // 'C' — the SQLSTATE
	Message          string // 'M'
	Detail           string // 'D'
	Hint             string // 'H'
	Position         int32  // 'P'
	InternalPosition int32  // 'p'
	InternalQuery    string // 'q'
	Context          string // 'W' — "where"
	SchemaName       string // 's'
	TableName        string // 't'
	ColumnName       string // 'c'
	DataTypeName     string // 'd'
	ConstraintName   string // 'n'
	SourceFile       string // 'F'
	SourceLine       int32  // 'L'
	SourceFunction   string // 'R'

	Query string // attached by the caller, not the protocol
}

func (e *PgError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Severity, e.Message)
	}
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}

// ClientError is a synchronous error raised before any socket work: invalid
// DSN, unresolvable address, invalid TLS settings, invalid codec arguments.
type ClientError struct {
	Op  string
	Err error
}

func (e *ClientError) Error() string { return fmt.Sprintf("pgwire: %s: %v", e.Op, e.Err) }
func (e *ClientError) Unwrap() error { return e.Err }

// NewClientError wraps err as a KindClientConfiguration error.
func NewClientError(op string, err error) *ClientError {
	return &ClientError{Op: op, Err: err}
}

// InterfaceError represents caller misuse: an operation on a released
// connection, a cursor opened outside a transaction, a closed prepared
// statement, or a second operation started before the previous one reached
// ReadyForQuery.
type InterfaceError struct {
	Message string
}

func (e *InterfaceError) Error() string { return "pgwire interface error: " + e.Message }

// NewInterfaceError builds an InterfaceError with the given message.
func NewInterfaceError(msg string) *InterfaceError {
	return &InterfaceError{Message: msg}
}

// ProtocolViolationError marks a fatal framing error: unexpected message
// tag, truncated message, or any other violation of §4.1/§4.2.
type ProtocolViolationError struct {
	Message string
}

func (e *ProtocolViolationError) Error() string { return "pgwire protocol violation: " + e.Message }

// InternalClientError marks an invariant violation inside the library
// itself (§7 kind 8) — e.g. attempting binary COPY of a column with no
// registered binary encoder.
type InternalClientError struct {
	Message string
}

func (e *InternalClientError) Error() string { return "pgwire internal error: " + e.Message }

// NewInternalError builds an InternalClientError.
func NewInternalError(msg string) *InternalClientError {
	return &InternalClientError{Message: msg}
}

// TimeoutError is raised when a per-operation deadline expires; the caller
// can distinguish it from CancellationError to tell user-initiated
// cancellation apart from a deadline (§7 kind 7).
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return "pgwire: timed out waiting for " + e.Op }

// CancellationError marks that the operation's context was cancelled by the
// caller (as opposed to a deadline elapsing).
type CancellationError struct {
	Op string
}

func (e *CancellationError) Error() string { return "pgwire: " + e.Op + " cancelled" }

// InvalidCachedStatementError is the translation of SQLSTATE 0A000 raised
// by the server's RevalidateCachedQuery path — the cached statement plan no
// longer matches the schema. See spec §4.2, §4.3, §7.
type InvalidCachedStatementError struct {
	*PgError
}

// NewInvalidCachedStatementError wraps pe with the fixed message §7 mandates.
func NewInvalidCachedStatementError(pe *PgError) *InvalidCachedStatementError {
	cp := *pe
	cp.Message = "cached statement plan is invalid due to a database schema or configuration change"
	return &InvalidCachedStatementError{PgError: &cp}
}

// OutdatedSchemaCacheError is raised when a cached statement's row codec
// observes a DataRow whose shape no longer matches the recorded
// RowDescription (§4.3 "Row-shape drift").
type OutdatedSchemaCacheError struct {
	Message string
}

func (e *OutdatedSchemaCacheError) Error() string {
	return "pgwire: outdated schema cache: " + e.Message
}

// IsRevalidateCachedQuery reports whether pe is the special §4.2/§4.3
// translation case: SQLSTATE 0A000 raised from the server function
// RevalidateCachedQuery.
func IsRevalidateCachedQuery(pe *PgError) bool {
	return pe.Code == "0A000" && pe.SourceFunction == "RevalidateCachedQuery"
}

// pgbouncerHint is appended verbatim to 42P05/26000, per §7 — unchanged
// from the upstream asyncpg message these errors were distilled from.
const pgbouncerHint = "This usually means that a prepared statement was created in one " +
	"pgbouncer session and then referenced in another one; try running " +
	"your app's database pooler in session pooling mode"

// ApplyPgbouncerHint appends the fixed hint to the two SQLSTATEs §7 names,
// if it isn't already present.
func ApplyPgbouncerHint(pe *PgError) {
	if pe.Code != "42P05" && pe.Code != "26000" {
		return
	}
	if pe.Hint == "" {
		pe.Hint = pgbouncerHint
	} else if pe.Hint != pgbouncerHint {
		pe.Hint = pe.Hint + "; " + pgbouncerHint
	}
}
