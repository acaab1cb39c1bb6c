package pgerr

import "testing"

// buildErrorPayload assembles a raw ErrorResponse/NoticeResponse payload:
// a sequence of byte-tag + NUL-terminated-string fields, terminated by a
// NUL tag byte, matching what ParseErrorFields expects to decode.
func buildErrorPayload(fields map[byte]string) []byte {
	var raw []byte
	for tag, val := range fields {
		raw = append(raw, tag)
		raw = append(raw, val...)
		raw = append(raw, 0)
	}
	raw = append(raw, 0)
	return raw
}

func TestParseErrorFields(t *testing.T) {
	payload := buildErrorPayload(map[byte]string{
		'S': "ERROR",
		'C': "23505",
		'M': "duplicate key value violates unique constraint",
		'D': "Key (id)=(1) already exists.",
	})

	pe := ParseErrorFields(payload)
	if pe.Severity != "ERROR" || pe.Code != "23505" {
		t.Fatalf("got %+v", pe)
	}
	if pe.Kind != KindServer {
		t.Fatalf("Kind = %v, want KindServer", pe.Kind)
	}
}

func TestRevalidateCachedQueryTranslation(t *testing.T) {
	payload := buildErrorPayload(map[byte]string{
		'S': "ERROR",
		'C': "0A000",
		'M': "cached plan must not change result type",
		'R': "RevalidateCachedQuery",
	})
	pe := ParseErrorFields(payload)
	if !IsRevalidateCachedQuery(pe) {
		t.Fatal("expected IsRevalidateCachedQuery to be true")
	}
	translated := NewInvalidCachedStatementError(pe)
	want := "cached statement plan is invalid due to a database schema or configuration change"
	if translated.Message != want {
		t.Fatalf("Message = %q, want %q", translated.Message, want)
	}
}

func TestPgbouncerHintAppended(t *testing.T) {
	payload := buildErrorPayload(map[byte]string{
		'S': "ERROR",
		'C': "42P05",
		'M': "prepared statement already exists",
	})
	pe := ParseErrorFields(payload)
	if pe.Hint == "" {
		t.Fatal("expected pgbouncer hint to be appended")
	}
}

func TestClassifyKind(t *testing.T) {
	cases := map[string]Kind{
		"28000": KindAuthentication,
		"08006": KindConnection,
		"42601": KindServer,
		"XX000": KindInternal,
		"":      KindServer,
	}
	for code, want := range cases {
		if got := ClassifyKind(code); got != want {
			t.Errorf("ClassifyKind(%q) = %v, want %v", code, got, want)
		}
	}
}
