// Package pool implements the per-(database,user) connection pool and
// scheduler of spec.md §4.D: an idle deque, a FIFO waiter queue, admission
// control, and the release-point matrix of §4.E.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pgdoorman/pgdoorman/internal/backend"
	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/logging"
	"github.com/pgdoorman/pgdoorman/internal/pgerror"
)

var log = logging.For("pool")

// Dialer opens a fresh backend.Conn for key; supplied by the caller so
// this package never has to know about auth.Negotiator directly.
type Dialer func(ctx context.Context) (*backend.Conn, error)

// waiter is one goroutine blocked in Acquire, parked in FIFO order
// (spec.md §4.D "fairness").
type waiter struct {
	result chan acquireResult
}

type acquireResult struct {
	conn *backend.Conn
	err  error
}

// Pool is the scheduler for exactly one backend.Key.
type Pool struct {
	key    backend.Key
	pool   config.PoolConfig
	user   config.UserConfig
	dial   Dialer

	mu       sync.Mutex
	idle     *list.List // front = most recently released, back = LRU
	waiters  *list.List // front = next to serve
	active   int // every live backend: idle, assigned, or being dialed
	closed   bool

	// cumulative counters for SHOW POOLS / SHOW STATS (spec.md §4.H)
	totalWaitTime   time.Duration
	totalServed     int64
	totalTimeouts   int64
}

// New creates an empty pool for key, not yet holding any connections.
func New(key backend.Key, poolCfg config.PoolConfig, userCfg config.UserConfig, dial Dialer) *Pool {
	return &Pool{
		key:     key,
		pool:    poolCfg,
		user:    userCfg,
		dial:    dial,
		idle:    list.New(),
		waiters: list.New(),
	}
}

// Acquire returns a backend.Conn for this pool's key, per spec.md §4.D:
// an idle connection if one exists, else a freshly dialed one if under
// pool_size, else the caller waits in FIFO order up to
// query_wait_timeout.
func (p *Pool) Acquire(ctx context.Context, waitTimeout time.Duration) (*backend.Conn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, pgerror.Fatal(pgerror.CodeAdminShutdown, "pool for %s/%s is shutting down", p.key.Database, p.key.User)
	}
	if el := p.idle.Front(); el != nil {
		c := el.Value.(*backend.Conn)
		p.idle.Remove(el)
		p.mu.Unlock()
		p.recordWait(time.Since(start))
		return c, nil
	}
	if p.active < p.effectiveLimit() {
		p.active++
		p.mu.Unlock()
		c, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			return nil, err
		}
		p.recordWait(time.Since(start))
		return c, nil
	}

	w := &waiter{result: make(chan acquireResult, 1)}
	el := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	select {
	case res := <-w.result:
		p.recordWait(time.Since(start))
		return res.conn, res.err
	case <-timer.C:
		p.removeWaiter(el)
		p.mu.Lock()
		p.totalTimeouts++
		p.mu.Unlock()
		return nil, pgerror.NonFatal(pgerror.CodeTooManyClients, "query_wait_timeout exceeded acquiring %s/%s", p.key.Database, p.key.User)
	case <-ctx.Done():
		p.removeWaiter(el)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(el *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// el may have already been removed by handoff; Remove on a
	// detached element is a no-op in container/list only if we guard it,
	// so track membership via a scan.
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == el {
			p.waiters.Remove(e)
			return
		}
	}
}

func (p *Pool) recordWait(d time.Duration) {
	p.mu.Lock()
	p.totalWaitTime += d
	p.totalServed++
	p.mu.Unlock()
}

// effectiveLimit is pool_size, plus reserve_pool_size once any waiter has
// been queued longer than the pool's configured grace period — here
// simplified to always including reserve capacity once waiters exist,
// matching pgbouncer-style reserve semantics referenced by spec.md §4.D.
func (p *Pool) effectiveLimit() int {
	if p.waiters.Len() > 0 {
		return p.pool.PoolSize + p.pool.Reserve
	}
	return p.pool.PoolSize
}

// Release returns c to the pool per the release-point matrix of spec.md
// §4.E. discard runs DISCARD ALL first (closing c instead if that fails);
// the caller (component E) sets it on client disconnect and after an
// explicit client DISCARD ALL, and otherwise returns c unchanged.
func (p *Pool) Release(ctx context.Context, c *backend.Conn, discard bool) {
	if discard {
		if err := c.DiscardAll(); err != nil {
			log.Warn().Err(err).Str("database", p.key.Database).Msg("discarding backend state before release, closing instead")
			p.closeAndMakeRoom(c)
			return
		}
	}
	c.LastUsed = time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return
	}
	if w := p.waiters.Front(); w != nil {
		p.waiters.Remove(w)
		p.mu.Unlock()
		w.Value.(*waiter).result <- acquireResult{conn: c}
		return
	}
	p.idle.PushFront(c)
	p.mu.Unlock()
}

// closeAndMakeRoom closes a broken backend and wakes the next waiter (if
// any) with a freshly dialed replacement, so a single bad connection
// never starves the waiter queue.
func (p *Pool) closeAndMakeRoom(c *backend.Conn) {
	c.Close()
	p.mu.Lock()
	p.active--
	w := p.waiters.Front()
	if w != nil {
		p.waiters.Remove(w)
	}
	p.mu.Unlock()
	if w == nil {
		return
	}
	nc, err := p.dial(context.Background())
	w.Value.(*waiter).result <- acquireResult{conn: nc, err: err}
}

// Drop is called when a backend dies while assigned (I/O error, fatal
// protocol error): it is never returned to idle.
func (p *Pool) Drop(c *backend.Conn) {
	c.Close()
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// Snapshot reports the counters spec.md §4.H's SHOW POOLS/SHOW STATS
// surface.
type Snapshot struct {
	Database      string
	User          string
	ClientsWaiting int
	ServerActive  int
	ServerIdle    int
	TotalServed   int64
	TotalTimeouts int64
	AvgWaitTime   time.Duration
}

// Snapshot returns a point-in-time view of this pool's state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := time.Duration(0)
	if p.totalServed > 0 {
		avg = p.totalWaitTime / time.Duration(p.totalServed)
	}
	return Snapshot{
		Database:       p.key.Database,
		User:           p.key.User,
		ClientsWaiting: p.waiters.Len(),
		ServerActive:   p.active - p.idle.Len(),
		ServerIdle:     p.idle.Len(),
		TotalServed:    p.totalServed,
		TotalTimeouts:  p.totalTimeouts,
		AvgWaitTime:    avg,
	}
}

// ServerInfo is a point-in-time view of one idle backend connection, for
// SHOW SERVERS (spec.md §4.H). Assigned (in-flight) backends aren't
// tracked individually by the pool — only their count, via Snapshot —
// so they can't be listed here.
type ServerInfo struct {
	Database  string
	User      string
	PID       uint32
	TxStatus  byte
	CreatedAt time.Time
	LastUsed  time.Time
}

// IdleServers reports every backend currently sitting in this pool's
// idle deque.
func (p *Pool) IdleServers() []ServerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ServerInfo, 0, p.idle.Len())
	for el := p.idle.Front(); el != nil; el = el.Next() {
		c := el.Value.(*backend.Conn)
		out = append(out, ServerInfo{
			Database:  p.key.Database,
			User:      p.key.User,
			PID:       c.PID,
			TxStatus:  c.TxStatus,
			CreatedAt: c.CreatedAt,
			LastUsed:  c.LastUsed,
		})
	}
	return out
}

// Shutdown marks the pool closed: in-flight Acquire calls still succeed
// but Release will close rather than recycle, and no new idle
// connections are retained. Used during the admin shutdown drain
// (spec.md §4.I).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	for el := p.idle.Front(); el != nil; el = el.Next() {
		el.Value.(*backend.Conn).Close()
	}
	p.idle.Init()
	p.mu.Unlock()
}
