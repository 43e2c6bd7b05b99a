// Package session drives one client connection end to end: startup
// negotiation, authentication, the extended/simple query relay loop, and
// the release-point matrix of spec.md §4.E.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pgdoorman/pgdoorman/internal/admin"
	"github.com/pgdoorman/pgdoorman/internal/auth"
	"github.com/pgdoorman/pgdoorman/internal/backend"
	"github.com/pgdoorman/pgdoorman/internal/cancel"
	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/logging"
	"github.com/pgdoorman/pgdoorman/internal/pgerror"
	"github.com/pgdoorman/pgdoorman/internal/pool"
	"github.com/pgdoorman/pgdoorman/internal/stmtcache"
	"github.com/pgdoorman/pgdoorman/internal/tlsutil"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

var log = logging.For("session")

// errClientTerminated is returned by serveOneRound on a clean client
// Terminate, so Serve's caller-visible logging can skip it.
var errClientTerminated = errors.New("client terminated")

// State is the ClientConn's position in spec.md §3's state machine.
type State int

const (
	StateAwaitStartup State = iota
	StateAuthenticating
	StateIdle
	StateAwaitingAssignment
	StateInPipeline
	StateInCopy
	StateDraining
)

// Deps bundles the process-wide collaborators every ClientConn needs;
// built once by the supervisor and shared across all connections.
type Deps struct {
	Config     *config.Watcher
	Pools      *pool.Manager
	Statements *stmtcache.Registry
	Cancels    *cancel.Registry
	Negotiator *auth.Negotiator
	Admin      *admin.Console
	Memory     *wire.MemoryAccountant
}

// ClientConn is one accepted client socket (spec.md §3 "ClientConn").
type ClientConn struct {
	deps   Deps
	raw    net.Conn
	stream *wire.ClientStream

	mu      sync.Mutex
	state   State
	backend *backend.Conn

	database string
	user     string
	poolCfg  config.PoolConfig
	userCfg  config.UserConfig
	poolMode config.PoolMode

	names                  *stmtcache.ClientNames
	token                  cancel.Token
	suppressCloseCompletes int
	pendingParseCompletes  int
	explicitDiscard        bool

	startupParams map[string]string
	assignedOnce  bool
}

// New creates a ClientConn over an already-accepted socket. Any TLS
// upgrade happens inside Serve, as part of startup negotiation.
func New(raw net.Conn, deps Deps) *ClientConn {
	return &ClientConn{
		deps:  deps,
		raw:   raw,
		state: StateAwaitStartup,
		names: stmtcache.NewClientNames(),
	}
}

// dispatchTarget adapts a ClientConn to cancel.Target: the backend it
// cancels is whichever one it is attached to at the moment Dispatch
// runs, not the one it was attached to when the token was minted
// (spec.md §4.G covers both session and transaction mode).
type dispatchTarget struct{ c *ClientConn }

func (d dispatchTarget) Dispatch() error {
	d.c.mu.Lock()
	b := d.c.backend
	d.c.mu.Unlock()
	if b == nil {
		return nil // nothing in flight right now, cancel is a no-op
	}
	return b.Dispatch()
}

// Serve runs the full connection lifecycle; it returns once the client
// disconnects or a fatal protocol error occurs. The caller closes raw
// after Serve returns.
func (c *ClientConn) Serve(ctx context.Context) {
	addr := c.raw.RemoteAddr().String()
	defer func() {
		c.mu.Lock()
		tok, b := c.token, c.backend
		c.mu.Unlock()
		if tok != (cancel.Token{}) {
			c.deps.Cancels.Unregister(tok)
		}
		if b != nil {
			c.releaseBackend(true)
		}
		c.raw.Close()
		log.Debug().Str("client", addr).Msg("connection closed")
	}()

	ok, err := c.negotiateStartup(ctx)
	if err != nil {
		log.Info().Err(err).Str("client", addr).Msg("startup failed")
		return
	}
	if !ok {
		return // fully handled inside negotiateStartup (e.g. a CancelRequest)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	for {
		if err := c.serveOneRound(ctx); err != nil {
			if !errors.Is(err, errClientTerminated) {
				log.Debug().Err(err).Str("client", addr).Msg("session ended")
			}
			return
		}
	}
}

// acquireBackend attaches a backend if the ClientConn is not already
// holding one (spec.md §4.D "assignment").
func (c *ClientConn) acquireBackend(ctx context.Context) error {
	c.mu.Lock()
	existing := c.backend
	c.mu.Unlock()
	if existing != nil {
		return nil
	}

	p, ok := c.deps.Pools.PoolFor(c.database, c.user)
	if !ok {
		return pgerror.Fatal(pgerror.CodeInvalidAuthorization, "no pool for %s/%s", c.database, c.user)
	}
	waitTimeout := c.deps.Config.Current().General.QueryWaitTimeout
	b, err := p.Acquire(ctx, waitTimeout)
	if err != nil {
		return err
	}

	syncParams := c.deps.Config.Current().General.SyncServerParameters
	if err := b.AssignTo(c.startupParams, syncParams, !c.assignedOnce); err != nil {
		p.Drop(b)
		return err
	}
	c.assignedOnce = true

	c.mu.Lock()
	c.backend = b
	c.state = StateInPipeline
	c.mu.Unlock()
	c.deps.Cancels.Register(c.token, dispatchTarget{c})
	return nil
}

// releaseBackend returns the current backend to its pool. discard forces
// a DISCARD ALL first: used on client disconnect regardless of pool mode,
// and on an explicit client-issued DISCARD ALL in transaction mode
// (spec.md §4.C/§4.E).
func (c *ClientConn) releaseBackend(discard bool) {
	c.mu.Lock()
	b := c.backend
	c.backend = nil
	c.state = StateIdle
	c.mu.Unlock()
	if b == nil {
		return
	}

	p, ok := c.deps.Pools.PoolFor(c.database, c.user)
	if !ok {
		b.Close()
		return
	}
	p.Release(context.Background(), b, discard)
	if discard {
		c.names.Clear()
	}
}

// maybeReleaseAfterReady implements spec.md §4.E's release-point matrix:
// transaction-mode pools release as soon as the backend reports an idle
// transaction status; session-mode pools hold the backend until the
// client disconnects. In transaction mode discard_state only runs on an
// explicit client DISCARD ALL, never on a routine boundary release
// (spec.md §4.C) — that release stays a plain idle-deque return with no
// backend round-trip. In session mode an explicit DISCARD ALL keeps the
// backend and only clears its prepared-statement table, since the server
// has already dropped those statements.
func (c *ClientConn) maybeReleaseAfterReady(txStatus byte) {
	discard := c.explicitDiscard
	c.explicitDiscard = false
	if c.poolMode != config.ModeTransaction {
		c.mu.Lock()
		b := c.backend
		c.mu.Unlock()
		if discard && b != nil {
			b.Prepared.Clear()
		}
		return
	}
	if discard {
		c.releaseBackend(true)
		return
	}
	if txStatus == 'I' {
		c.releaseBackend(false)
	}
}

// upgradeClientTLS rebinds the client stream onto a TLS-wrapped socket
// after a successful SSLRequest negotiation.
func (c *ClientConn) upgradeClientTLS() error {
	cfg, err := tlsutil.ServerConfig(c.deps.Config.Current().General)
	if err != nil || cfg == nil {
		return err
	}
	tlsConn := tls.Server(c.raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("client TLS handshake: %w", err)
	}
	c.raw = tlsConn
	c.stream.Rebind(c.raw)
	return nil
}
