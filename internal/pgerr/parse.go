package pgerr

import (
	"strconv"

	"github.com/dbbouncer/pgwire/internal/wire"
)

// fieldType tags, per the ErrorResponse/NoticeResponse message format.
const (
	fieldSeverity         = 'S'
	fieldSQLState         = 'C'
	fieldMessage          = 'M'
	fieldDetail           = 'D'
	fieldHint             = 'H'
	fieldPosition         = 'P'
	fieldInternalPosition = 'p'
	fieldInternalQuery    = 'q'
	fieldWhere            = 'W'
	fieldSchemaName       = 's'
	fieldTableName        = 't'
	fieldColumnName       = 'c'
	fieldDataTypeName     = 'd'
	fieldConstraintName   = 'n'
	fieldSourceFile       = 'F'
	fieldSourceLine       = 'L'
	fieldSourceFunction   = 'R'
)

// ParseErrorFields decodes an ErrorResponse/NoticeResponse payload (a
// sequence of byte-tag + NUL-terminated-string fields, terminated by a NUL
// tag byte) into a PgError. Kind is derived from the SQLSTATE class.
// Grounded on the teacher's parseErrorMessage, generalized to decode every
// field §7 requires instead of just the message.
func ParseErrorFields(payload []byte) *PgError {
	pe := &PgError{}
	pr := wire.NewPayloadReader(payload)

	for {
		tag, err := pr.Byte()
		if err != nil || tag == 0 {
			break
		}
		val, err := pr.CString()
		if err != nil {
			break
		}
		switch tag {
		case fieldSeverity:
			pe.Severity = val
		case fieldSQLState:
			pe.Code = val
		case fieldMessage:
			pe.Message = val
		case fieldDetail:
			pe.Detail = val
		case fieldHint:
			pe.Hint = val
		case fieldPosition:
			pe.Position = atoi32(val)
		case fieldInternalPosition:
			pe.InternalPosition = atoi32(val)
		case fieldInternalQuery:
			pe.InternalQuery = val
		case fieldWhere:
			pe.Context = val
		case fieldSchemaName:
			pe.SchemaName = val
		case fieldTableName:
			pe.TableName = val
		case fieldColumnName:
			pe.ColumnName = val
		case fieldDataTypeName:
			pe.DataTypeName = val
		case fieldConstraintName:
			pe.ConstraintName = val
		case fieldSourceFile:
			pe.SourceFile = val
		case fieldSourceLine:
			pe.SourceLine = atoi32(val)
		case fieldSourceFunction:
			pe.SourceFunction = val
		}
	}

	pe.Kind = ClassifyKind(pe.Code)
	ApplyPgbouncerHint(pe)
	return pe
}

func atoi32(s string) int32 {
	n, _ := strconv.ParseInt(s, 10, 32)
	return int32(n)
}
