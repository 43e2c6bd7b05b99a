package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pgdoorman/pgdoorman/internal/backend"
	"github.com/pgdoorman/pgdoorman/internal/config"
)

// BackendDialer opens a new backend connection for (pool, user).
// DefaultDialer (dial.go) is the production one; tests pass fakes.
type BackendDialer func(ctx context.Context, g config.General, poolCfg config.PoolConfig, userCfg config.UserConfig) (*backend.Conn, error)

// Manager owns every (database,user) Pool in the process (spec.md §4.D).
type Manager struct {
	mu    sync.RWMutex
	pools map[backend.Key]*Pool
	dial  BackendDialer
	cfg   *config.Watcher
}

// NewManager creates an empty Manager; pools are created lazily on first
// ResolveUser hit, mirroring spec.md §4.B's startup PoolKey lookup.
func NewManager(cfg *config.Watcher, dial BackendDialer) *Manager {
	return &Manager{pools: make(map[backend.Key]*Pool), dial: dial, cfg: cfg}
}

// PoolFor returns (creating if necessary) the Pool serving (database,
// user), or false if no such pool is configured.
func (m *Manager) PoolFor(database, user string) (*Pool, bool) {
	cur := m.cfg.Current()
	poolCfg, userCfg, ok := cur.ResolveUser(database, user)
	if !ok {
		return nil, false
	}
	key := backend.Key{Database: database, User: user}

	m.mu.RLock()
	p, ok := m.pools[key]
	m.mu.RUnlock()
	if ok {
		return p, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return p, true
	}
	fallbackPool, fallbackUser := poolCfg, userCfg
	dialer := func(ctx context.Context) (*backend.Conn, error) {
		live := m.cfg.Current()
		livePool, liveUser, ok := live.ResolveUser(database, user)
		if !ok {
			livePool, liveUser = fallbackPool, fallbackUser
		}
		return m.dial(ctx, live.General, livePool, liveUser)
	}
	p = New(key, poolCfg, userCfg, dialer)
	m.pools[key] = p
	return p, true
}

// All returns every pool currently tracked, for SHOW POOLS / metrics
// export and for Shutdown.
func (m *Manager) All() []*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// Shutdown closes every pool's idle connections, used during the
// supervisor's graceful drain (spec.md §4.I).
func (m *Manager) Shutdown() {
	for _, p := range m.All() {
		p.Shutdown()
	}
}

// RunMaintenance runs the periodic sweep of spec.md §4.D: idle_timeout
// eviction, server_lifetime eviction and min_pool_size top-up, until stop
// is closed. It runs no pooler_check_query health check.
func (m *Manager) RunMaintenance(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	g := m.cfg.Current().General
	for _, p := range m.All() {
		p.mu.Lock()
		var keep []*backend.Conn
		for el := p.idle.Front(); el != nil; {
			next := el.Next()
			c := el.Value.(*backend.Conn)
			expired := g.IdleTimeout > 0 && time.Since(c.LastUsed) > g.IdleTimeout
			aged := g.ServerLifetime > 0 && time.Since(c.CreatedAt) > g.ServerLifetime
			if expired || aged {
				p.idle.Remove(el)
				p.active--
				keep = append(keep, c)
			}
			el = next
		}
		belowMin := p.active < p.pool.MinPoolSize
		p.mu.Unlock()

		for _, c := range keep {
			c.Close()
		}
		if belowMin {
			m.topUp(p)
		}
	}
}

func (m *Manager) topUp(p *Pool) {
	p.mu.Lock()
	need := p.pool.MinPoolSize - p.active
	if need > 0 {
		p.active += need
	}
	p.mu.Unlock()
	for i := 0; i < need; i++ {
		c, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			continue
		}
		p.Release(context.Background(), c, false)
	}
}
