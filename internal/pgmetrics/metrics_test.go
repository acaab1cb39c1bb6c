package pgmetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return New()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestSetPoolStatsReplacesNotAccumulates(t *testing.T) {
	c := newTestCollector(t)

	c.SetPoolStats(PoolStats{Total: 8, Idle: 5, Acquired: 3, Waiting: 1})
	if got := getGaugeValue(c.poolAcquired); got != 3 {
		t.Errorf("acquired = %v, want 3", got)
	}

	c.SetPoolStats(PoolStats{Total: 6, Idle: 4, Acquired: 2, Waiting: 0})
	if got := getGaugeValue(c.poolAcquired); got != 2 {
		t.Errorf("acquired after update = %v, want 2", got)
	}
}

func TestQueryCompletedObserves(t *testing.T) {
	c := newTestCollector(t)

	c.QueryCompleted("ok", 10*time.Millisecond)
	c.QueryCompleted("error", 5*time.Millisecond)

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "pgwire_query_duration_seconds" {
			found = true
			if len(f.GetMetric()) != 2 {
				t.Errorf("expected 2 label combinations, got %d", len(f.GetMetric()))
			}
		}
	}
	if !found {
		t.Fatal("pgwire_query_duration_seconds metric family not found")
	}
}

func TestStmtCacheHitMissCounters(t *testing.T) {
	c := newTestCollector(t)

	c.StmtCacheHit()
	c.StmtCacheHit()
	c.StmtCacheMiss()

	if got := getCounterValue(c.stmtCacheHits); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := getCounterValue(c.stmtCacheMisses); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestAuthAttemptLabels(t *testing.T) {
	c := newTestCollector(t)

	c.AuthAttempt("scram-sha-256", "ok")
	c.AuthAttempt("scram-sha-256", "failed")

	if got := getCounterValue(c.authAttempts.WithLabelValues("scram-sha-256", "ok")); got != 1 {
		t.Errorf("ok count = %v, want 1", got)
	}
	if got := getCounterValue(c.authAttempts.WithLabelValues("scram-sha-256", "failed")); got != 1 {
		t.Errorf("failed count = %v, want 1", got)
	}
}

func TestCopyProgressAccumulates(t *testing.T) {
	c := newTestCollector(t)

	c.CopyProgress("in", 100, 4096)
	c.CopyProgress("in", 50, 2048)

	if got := getCounterValue(c.copyRows.WithLabelValues("in")); got != 150 {
		t.Errorf("rows = %v, want 150", got)
	}
	if got := getCounterValue(c.copyBytes.WithLabelValues("in")); got != 6144 {
		t.Errorf("bytes = %v, want 6144", got)
	}
}
