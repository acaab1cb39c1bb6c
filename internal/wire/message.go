// Package wire implements the PostgreSQL frontend/backend wire protocol,
// version 3.0: message tags, the length-prefixed framing rule, and the
// handful of untagged messages sent before a protocol version is agreed on.
package wire

// Frontend message tags.
const (
	Bind            byte = 'B'
	Close           byte = 'C'
	CopyData        byte = 'd'
	CopyDone        byte = 'c'
	CopyFail        byte = 'f'
	Describe        byte = 'D'
	Execute         byte = 'E'
	Flush           byte = 'H'
	Parse           byte = 'P'
	PasswordMessage byte = 'p'
	Query           byte = 'Q'
	Sync            byte = 'S'
	Terminate       byte = 'X'
)

// Backend message tags.
const (
	AuthenticationX      byte = 'R'
	BackendKeyData       byte = 'K'
	BindComplete         byte = '2'
	CloseComplete        byte = '3'
	CommandComplete      byte = 'C'
	CopyInResponse       byte = 'G'
	CopyOutResponse      byte = 'H'
	CopyBothResponse     byte = 'W'
	DataRow              byte = 'D'
	EmptyQueryResponse   byte = 'I'
	ErrorResponse        byte = 'E'
	NoData               byte = 'n'
	NoticeResponse       byte = 'N'
	NotificationResponse byte = 'A'
	ParameterDescription byte = 't'
	ParameterStatus      byte = 'S'
	ParseComplete        byte = '1'
	PortalSuspended      byte = 's'
	ReadyForQuery        byte = 'Z'
	RowDescription       byte = 'T'
)

// Describe/Close statement-vs-portal selector, carried as the first byte of
// the message body.
const (
	PreparedStatement byte = 'S'
	Portal            byte = 'P'
)

// AuthenticationX sub-types, decoded from the first int32 of its payload.
const (
	AuthOK                uint32 = 0
	AuthCleartextPassword uint32 = 3
	AuthMD5Password       uint32 = 5
	AuthSASL              uint32 = 10
	AuthSASLContinue      uint32 = 11
	AuthSASLFinal         uint32 = 12
)

// Magic numbers for the untagged pre-protocol messages.
const (
	// ProtocolVersion is 3.0, encoded as major<<16 | minor.
	ProtocolVersion uint32 = 3<<16 | 0

	SSLRequestCode    uint32 = 80877103
	CancelRequestCode uint32 = 80877102
)

// TransactionStatus is the single byte carried by ReadyForQuery.
type TransactionStatus byte

const (
	TxIdle       TransactionStatus = 'I'
	TxInProgress TransactionStatus = 'T'
	TxError      TransactionStatus = 'E'
)
