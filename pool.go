package pgwire

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/pgwire/internal/debugapi"
	"github.com/dbbouncer/pgwire/internal/pgconfig"
	"github.com/dbbouncer/pgwire/internal/pgmetrics"
	"github.com/dbbouncer/pgwire/internal/pgpool"
)

// PoolConfig bounds a Pool per §4.6: min/max size, idle reaping, and
// per-connection query-count replacement.
type PoolConfig struct {
	DSN string

	// Password and PasswordProvider are forwarded to every Connect call
	// the pool makes, with the same precedence as Options (§3):
	// PasswordProvider beats Password beats whatever the DSN/environment
	// resolved on their own.
	Password         string
	PasswordProvider PasswordProvider

	MinSize                       int32
	MaxSize                       int32
	MaxQueries                    int64
	MaxInactiveConnectionLifetime time.Duration

	// ProfilePath, if set, loads a YAML pool profile (internal/pgconfig)
	// and uses it to fill any of the sizing fields above left at zero.
	ProfilePath string

	// Metrics, if set, receives pool occupancy snapshots on every Acquire
	// and Release (internal/pgmetrics).
	Metrics *pgmetrics.Collector

	// DebugAddr, if set, starts a read-only diagnostics HTTP server
	// (internal/debugapi) exposing pool/cache occupancy and, when Metrics
	// is also set, its Prometheus registry.
	DebugAddr string

	// Setup runs on every Acquire right before the connection is handed
	// to the caller, e.g. to SET search_path or re-register a codec.
	Setup func(ctx context.Context, c *Connection) error
	// Init runs exactly once per connection at birth.
	Init func(ctx context.Context, c *Connection) error
}

// Pool is a fixed-capacity set of *Connection, wrapping internal/pgpool
// with pgwire's own Connect as the constructor, per §4.6.
type Pool struct {
	inner   *pgpool.Pool
	metrics *pgmetrics.Collector
	debug   *debugapi.Server
}

// NewPool constructs a Pool. No connections are opened yet; min_size
// connections are opened eagerly on the first Acquire.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.ProfilePath != "" {
		profile, err := pgconfig.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		if cfg.MinSize == 0 {
			cfg.MinSize = int32(profile.MinSize)
		}
		if cfg.MaxSize == 0 {
			cfg.MaxSize = int32(profile.MaxSize)
		}
		if cfg.MaxQueries == 0 {
			cfg.MaxQueries = profile.MaxQueries
		}
		if cfg.MaxInactiveConnectionLifetime == 0 {
			cfg.MaxInactiveConnectionLifetime = profile.MaxInactiveConnectionLifetime
		}
	}

	inner, err := pgpool.New(pgpool.Config{
		MinSize:                       cfg.MinSize,
		MaxSize:                       cfg.MaxSize,
		MaxQueries:                    cfg.MaxQueries,
		MaxInactiveConnectionLifetime: cfg.MaxInactiveConnectionLifetime,
		Connect: func(ctx context.Context) (pgpool.Conn, error) {
			return Connect(ctx, Options{
				DSN:              cfg.DSN,
				Password:         cfg.Password,
				PasswordProvider: cfg.PasswordProvider,
			})
		},
		Init: func(ctx context.Context, c pgpool.Conn) error {
			if cfg.Init == nil {
				return nil
			}
			return cfg.Init(ctx, c.(*Connection))
		},
		Setup: func(ctx context.Context, c pgpool.Conn) error {
			if cfg.Setup == nil {
				return nil
			}
			return cfg.Setup(ctx, c.(*Connection))
		},
	})
	if err != nil {
		return nil, err
	}
	p := &Pool{inner: inner, metrics: cfg.Metrics}

	if cfg.DebugAddr != "" {
		handler := promhttp.Handler()
		if cfg.Metrics != nil {
			handler = promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{})
		}
		p.debug = debugapi.New(
			func() debugapi.Stats {
				s := p.inner.Stats()
				return debugapi.Stats{TotalConns: s.TotalConns, IdleConns: s.IdleConns, AcquiredConns: s.AcquiredConns}
			},
			nil, nil,
			handler,
		)
		if err := p.debug.Start(cfg.DebugAddr); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// PooledConn is a weak handle to an acquired connection: once released,
// further calls to Conn reject with an InterfaceError, per §4.6.
type PooledConn struct {
	inner *pgpool.PooledConn
	pool  *Pool
}

// Conn returns the underlying *Connection, or an error if this handle has
// already been released.
func (pc *PooledConn) Conn() (*Connection, error) {
	c, err := pc.inner.Conn()
	if err != nil {
		return nil, err
	}
	return c.(*Connection), nil
}

// Release returns the connection to the pool, shielded from ctx
// cancellation, per §4.6.
func (pc *PooledConn) Release() {
	pc.inner.Release()
	if pc.pool.metrics != nil {
		pc.pool.refreshMetrics()
	}
}

// Acquire obtains a connection from the pool, per §4.6.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()
	inner, err := p.inner.Acquire(ctx)
	if p.metrics != nil {
		p.metrics.AcquireWait(time.Since(start))
		p.refreshMetrics()
	}
	if err != nil {
		return nil, err
	}
	return &PooledConn{inner: inner, pool: p}, nil
}

func (p *Pool) refreshMetrics() {
	s := p.inner.Stats()
	p.metrics.SetPoolStats(pgmetrics.PoolStats{Total: s.TotalConns, Idle: s.IdleConns, Acquired: s.AcquiredConns})
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() pgpool.Stats { return p.inner.Stats() }

// Close terminates every pooled connection, stops the debug server if one
// was started, and rejects further Acquire calls.
func (p *Pool) Close() {
	p.inner.Close()
	if p.debug != nil {
		p.debug.Stop()
	}
}
