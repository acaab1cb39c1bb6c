// Package debugapi exposes a read-only diagnostics surface over HTTP: pool
// occupancy, statement-cache size, and Prometheus metrics. Grounded on the
// teacher's internal/api.Server, trimmed from its tenant CRUD/pause/drain
// surface (there is no router of tenants here, just one pool) down to the
// status/metrics/dashboard handlers, which generalize directly.
//
// This never exposes a raw net.Conn or statement text, only aggregate
// counters, per spec's non-goal on exposing the underlying socket.
package debugapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats mirrors the fields of pgpool.Stats; declared locally so debugapi
// doesn't import pgpool just for a three-field struct. Callers adapt their
// own stats type with a small closure passed to New.
type Stats struct {
	TotalConns    int32
	IdleConns     int32
	AcquiredConns int32
}

// Server is the diagnostics HTTP server.
type Server struct {
	poolStats  func() Stats
	cacheLen   func() int
	cacheMax   func() int
	metricsReg http.Handler
	startTime  time.Time
	httpServer *http.Server
}

// New constructs a Server. poolStats/cacheLen/cacheMax may be nil to omit
// that section of the /pool response. metricsHandler is typically
// promhttp.HandlerFor bound to a pgmetrics.Collector's registry; nil falls
// back to the default Prometheus handler.
func New(poolStats func() Stats, cacheLen, cacheMax func() int, metricsHandler http.Handler) *Server {
	return &Server{
		poolStats:  poolStats,
		cacheLen:   cacheLen,
		cacheMax:   cacheMax,
		metricsReg: metricsHandler,
		startTime:  time.Now(),
	}
}

// Start begins serving on addr (e.g. "127.0.0.1:9187"). Non-blocking.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/pool", s.poolHandler).Methods("GET")

	if s.metricsReg != nil {
		r.Handle("/metrics", s.metricsReg).Methods("GET")
	} else {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding debug api listener: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			// Nothing further to do: the listener is gone and this server
			// is diagnostics-only, never load-bearing for the client.
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
	})
}

func (s *Server) poolHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if s.poolStats != nil {
		st := s.poolStats()
		resp["total"] = st.TotalConns
		resp["idle"] = st.IdleConns
		resp["acquired"] = st.AcquiredConns
	}
	if s.cacheLen != nil {
		resp["stmtcache_entries"] = s.cacheLen()
	}
	if s.cacheMax != nil {
		resp["stmtcache_max"] = s.cacheMax()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
