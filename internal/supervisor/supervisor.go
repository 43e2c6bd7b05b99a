// Package supervisor owns the process lifecycle: the listener accept
// loop, worker fan-out, signal handling, and the graceful shutdown drain
// of spec.md §4.I.
package supervisor

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pgdoorman/pgdoorman/internal/admin"
	"github.com/pgdoorman/pgdoorman/internal/auth"
	"github.com/pgdoorman/pgdoorman/internal/cancel"
	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/logging"
	"github.com/pgdoorman/pgdoorman/internal/metrics"
	"github.com/pgdoorman/pgdoorman/internal/pool"
	"github.com/pgdoorman/pgdoorman/internal/session"
	"github.com/pgdoorman/pgdoorman/internal/stmtcache"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

var log = logging.For("supervisor")

// Supervisor owns the process-wide collaborators and the accept loop.
type Supervisor struct {
	Config *config.Watcher

	pools        *pool.Manager
	statements   *stmtcache.Registry
	cancels      *cancel.Registry
	negotiator   *auth.Negotiator
	adminConsole *admin.Console
	memory       *wire.MemoryAccountant

	listenerMu sync.Mutex
	listener   net.Listener

	wg       sync.WaitGroup
	draining chan struct{}
	once     sync.Once

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// New wires every shared collaborator together; pam may be nil.
func New(cfg *config.Watcher, pam auth.Verifier) *Supervisor {
	statements := stmtcache.NewRegistry()
	cancels := cancel.NewRegistry()
	negotiator := auth.NewNegotiator(pam)
	pools := pool.NewManager(cfg, pool.DefaultDialer)

	console := &admin.Console{Config: cfg, Pools: pools, Stmts: statements}

	s := &Supervisor{
		Config:       cfg,
		pools:        pools,
		statements:   statements,
		cancels:      cancels,
		negotiator:   negotiator,
		adminConsole: console,
		memory:       wire.NewMemoryAccountant(cfg.Current().General.MaxMemoryUsageBytes),
		draining:     make(chan struct{}),
		conns:        make(map[net.Conn]struct{}),
	}
	console.Shutdown = s.RequestImmediateShutdown
	return s
}

// Run listens on general.host:general.port and serves connections until
// ctx is canceled or RequestShutdown is called, then drains outstanding
// clients for up to general.shutdown_timeout (spec.md §4.I).
func (s *Supervisor) Run(ctx context.Context) error {
	g := s.Config.Current().General
	addr := net.JoinHostPort(g.Host, strconv.Itoa(g.Port))

	ln, err := listen(addr)
	if err != nil {
		return err
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()
	log.Info().Str("addr", addr).Msg("listening")

	maintStop := make(chan struct{})
	go s.pools.RunMaintenance(maintStop, 30*time.Second)
	defer close(maintStop)

	if s.Config.Current().Prometheus.Enabled {
		metricsCtx, cancelMetrics := context.WithCancel(ctx)
		defer cancelMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, s.Config.Current().Prometheus.Listen, s.pools); err != nil {
				log.Warn().Err(err).Msg("metrics server exited")
			}
		}()
	}

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.acceptLoop()
	}()

	go s.HandleSignals(ctx)

	select {
	case <-ctx.Done():
	case <-s.draining:
	case err := <-acceptErr:
		return err
	}

	return s.drain()
}

func (s *Supervisor) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.draining:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Supervisor) serveConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	deps := session.Deps{
		Config:     s.Config,
		Pools:      s.pools,
		Statements: s.statements,
		Cancels:    s.cancels,
		Negotiator: s.negotiator,
		Admin:      s.adminConsole,
		Memory:     s.memory,
	}
	session.New(conn, deps).Serve(context.Background())
}

// Addr returns the bound listener's address, or nil before Run has
// listened. Useful for tests and for logging the resolved port when
// general.port=0 lets the OS pick one.
func (s *Supervisor) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// RequestShutdown begins the graceful drain (SIGINT, right after the
// replacement process has been started): stop accepting new connections but let
// in-flight sessions finish on their own for up to shutdown_timeout.
func (s *Supervisor) RequestShutdown() {
	s.once.Do(func() {
		close(s.draining)
		s.listenerMu.Lock()
		ln := s.listener
		s.listenerMu.Unlock()
		if ln != nil {
			ln.Close()
		}
	})
}

// RequestImmediateShutdown implements SIGTERM (spec.md §4.I): stop
// accepting, then abort every in-flight client task by closing its
// socket outright instead of waiting for it to finish naturally.
func (s *Supervisor) RequestImmediateShutdown() {
	s.RequestShutdown()

	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// drain waits up to shutdown_timeout for in-flight connections to finish
// on their own, then shuts the pools down and returns regardless
// (spec.md §4.I). This loop sends nothing to clients itself: a client
// still attached after that gets SQLSTATE 58006 on its next backend
// acquisition, from the closed pool.
func (s *Supervisor) drain() error {
	timeout := s.Config.Current().General.ShutdownTimeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("shutdown_timeout reached with connections still active")
	}
	s.pools.Shutdown()
	return nil
}
