// Package pgpool implements the fixed-capacity connection pool described
// in spec §4.6: acquire/release with idle reaping, per-connection query
// counting with replacement, setup/init hooks, and cancellation-safe
// (shielded) release.
//
// Grounded on the teacher's internal/pool.TenantPool for the overall
// acquire/release/reap shape (warmUp, Acquire's context-aware wait, the
// reap loop), but rebuilt on top of github.com/jackc/puddle/v2 instead of
// the teacher's hand-rolled sync.Cond+slice — puddle is the real pgx-stack
// resource pool primitive (see other_examples/manifests/jackc-pgx/go.mod)
// and already encodes the idle/in-use/destroying state machine correctly,
// including the shielded-release guarantee spec §4.6 asks for, so
// reimplementing it by hand would be the "hand-rolled stdlib replacement"
// the corpus never does.
package pgpool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/dbbouncer/pgwire/internal/pgerr"
)

// Conn is the minimal surface a pooled resource must provide: a liveness
// check, a release-safe reset, a query counter, and Close. The connect.go
// Connection type in the root package satisfies this.
type Conn interface {
	// Ping reports whether the connection is still usable.
	Ping(ctx context.Context) error
	// Reset discards notifications, open cursors, listener registrations,
	// and statement-cache entries that cannot survive being returned to
	// the pool — spec §4.6's reset() on release.
	Reset(ctx context.Context) error
	// QueryCount returns the number of completed protocol round-trips
	// since this connection was created.
	QueryCount() int64
	Close() error
}

// Config bounds the pool per spec §4.6's option table.
type Config struct {
	MinSize                       int32
	MaxSize                       int32
	MaxQueries                    int64
	MaxInactiveConnectionLifetime time.Duration

	// Connect opens and fully authenticates one new connection.
	Connect func(ctx context.Context) (Conn, error)
	// Init runs exactly once per connection at birth; an error is fatal
	// to that connection (spec §4.6).
	Init func(ctx context.Context, c Conn) error
	// Setup runs on every acquire right before the proxy is handed to the
	// caller; an error releases the connection back and propagates.
	Setup func(ctx context.Context, c Conn) error
}

// reapInterval is how often the background reaper scans for idle
// connections past MaxInactiveConnectionLifetime, matching the teacher's
// TenantPool.reapLoop cadence.
const reapInterval = 30 * time.Second

// Pool wraps a puddle.Pool[Conn], translating its generic resource
// lifecycle into the setup/init/max_queries/idle-reap semantics §4.6
// specifies.
type Pool struct {
	cfg   Config
	inner *puddle.Pool[Conn]

	closed   atomic.Bool
	warmedUp atomic.Bool

	stopCh chan struct{}
}

// New constructs a Pool. No connections are opened yet; min_size
// connections are opened eagerly on the first Acquire, per §4.6 ("initial
// number of connections opened eagerly at first acquire").
func New(cfg Config) (*Pool, error) {
	p := &Pool{cfg: cfg, stopCh: make(chan struct{})}

	constructor := func(ctx context.Context) (Conn, error) {
		c, err := cfg.Connect(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.Init != nil {
			if err := cfg.Init(ctx, c); err != nil {
				c.Close()
				return nil, err
			}
		}
		return c, nil
	}
	destructor := func(c Conn) { c.Close() }

	inner, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     cfg.MaxSize,
	})
	if err != nil {
		return nil, pgerr.NewClientError("constructing pool", err)
	}
	p.inner = inner

	// Idle connections are reaped even if never re-acquired, mirroring the
	// teacher's TenantPool.reapLoop/reapIdle — checking
	// MaxInactiveConnectionLifetime only inside Release would leave a
	// connection acquired once and never reacquired idle forever.
	go p.reapLoop()

	return p, nil
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle closes every idle connection past MaxInactiveConnectionLifetime.
// AcquireAllIdle atomically pulls every currently-idle resource out of
// puddle's idle set so inspecting IdleDuration and deciding Destroy/Release
// can't race a concurrent Acquire handing the same resource to a caller.
func (p *Pool) reapIdle() {
	if p.cfg.MaxInactiveConnectionLifetime <= 0 {
		return
	}
	for _, res := range p.inner.AcquireAllIdle() {
		if res.IdleDuration() > p.cfg.MaxInactiveConnectionLifetime {
			res.Destroy()
		} else {
			res.Release()
		}
	}
}

// warmUp eagerly brings the pool up to min_size, mirroring the teacher's
// TenantPool.warmUp, generalized from a background best-effort prewarm
// into a blocking one the first Acquire call performs inline — since
// spec §4.6 ties min_size to "first acquire", not to pool construction.
func (p *Pool) warmUp(ctx context.Context) {
	if p.cfg.MinSize <= 0 {
		return
	}
	for int32(p.inner.Stat().TotalResources()) < p.cfg.MinSize {
		if err := p.inner.CreateResource(ctx); err != nil {
			slog.Warn("pgpool warm-up connect failed", "err", err)
			return
		}
	}
}

// PooledConn is the handle returned from Acquire: a proxy carrying a
// release counter, per §4.6's "PooledConnectionProxy is a weak handle:
// operations check a release counter; once released the proxy rejects
// further calls."
type PooledConn struct {
	pool     *Pool
	res      *puddle.Resource[Conn]
	released atomic.Bool
}

// Conn returns the underlying connection, or an InterfaceError if this
// proxy has already been released.
func (pc *PooledConn) Conn() (Conn, error) {
	if pc.released.Load() {
		return nil, pgerr.NewInterfaceError("cannot call method on a connection that has been released")
	}
	return pc.res.Value(), nil
}

// Acquire obtains a connection: an idle one if available, else a freshly
// opened one if below max_size, else it waits on ctx until one is
// released or returned, per §4.6. setup runs right before the proxy is
// handed back; if it fails, the connection is released to the pool and
// the error propagates (not discarded — setup failing doesn't indict the
// connection itself).
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	if p.closed.Load() {
		return nil, pgerr.NewInterfaceError("pool is closed")
	}
	if !p.warmedUp.Swap(true) {
		p.warmUp(ctx)
	}

	res, err := p.inner.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &pgerr.TimeoutError{Op: "pool acquire"}
		}
		return nil, pgerr.NewClientError("acquiring pooled connection", err)
	}

	if p.cfg.Setup != nil {
		if err := p.cfg.Setup(ctx, res.Value()); err != nil {
			res.Release()
			return nil, err
		}
	}

	return &PooledConn{pool: p, res: res}, nil
}

// Release returns pc to the pool, shielded from ctx cancellation so that
// cancelling the caller's task cannot strand the connection outside the
// pool (§4.6: "the release path is shielded"). If the connection is
// unhealthy, idle past max_inactive_connection_lifetime, or has exceeded
// max_queries, it is discarded and the pool's connection count drops
// instead. release_counter-mismatch reuse after Release is rejected by
// Conn()/Release() both checking the released flag.
func (pc *PooledConn) Release() {
	if !pc.released.CompareAndSwap(false, true) {
		return
	}

	c := pc.res.Value()

	// Shielded: use a fresh background context so a caller's cancelled
	// ctx cannot abort the reset/destroy decision mid-flight.
	resetCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pc.pool.cfg.MaxQueries > 0 && c.QueryCount() >= pc.pool.cfg.MaxQueries {
		pc.res.Destroy()
		return
	}
	if pc.pool.cfg.MaxInactiveConnectionLifetime > 0 && pc.res.IdleDuration() > pc.pool.cfg.MaxInactiveConnectionLifetime {
		pc.res.Destroy()
		return
	}
	if err := c.Reset(resetCtx); err != nil {
		pc.res.Destroy()
		return
	}
	pc.res.Release()
}

// Stats reports the pool's current occupancy.
type Stats struct {
	TotalConns   int32
	IdleConns    int32
	AcquiredConns int32
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool) Stats() Stats {
	s := p.inner.Stat()
	return Stats{
		TotalConns:    int32(s.TotalResources()),
		IdleConns:     int32(s.IdleResources()),
		AcquiredConns: int32(s.AcquiredResources()),
	}
}

// Close terminates every connection and rejects further Acquire calls.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.inner.Close()
}
