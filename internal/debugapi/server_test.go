package debugapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPoolHandlerReportsStats(t *testing.T) {
	s := New(
		func() Stats { return Stats{TotalConns: 5, IdleConns: 3, AcquiredConns: 2} },
		func() int { return 7 },
		func() int { return 16 },
		nil,
	)

	req := httptest.NewRequest(http.MethodGet, "/pool", nil)
	rec := httptest.NewRecorder()
	s.poolHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["total"] != 5 || body["idle"] != 3 || body["acquired"] != 2 {
		t.Errorf("unexpected pool stats: %+v", body)
	}
	if body["stmtcache_entries"] != 7 || body["stmtcache_max"] != 16 {
		t.Errorf("unexpected cache stats: %+v", body)
	}
}

func TestPoolHandlerOmitsNilSections(t *testing.T) {
	s := New(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/pool", nil)
	rec := httptest.NewRecorder()
	s.poolHandler(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body when no providers set, got %+v", body)
	}
}

func TestStatusHandlerReturnsUptime(t *testing.T) {
	s := New(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.statusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if _, ok := body["go_version"]; !ok {
		t.Error("expected go_version field")
	}
}

func TestDashboardHandlerServesHTML(t *testing.T) {
	s := New(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.dashboardHandler(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content-type = %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty dashboard body")
	}
}
