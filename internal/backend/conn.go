// Package backend owns one physical connection to a real PostgreSQL
// server: dialing, startup/auth handshake, parameter tracking, and the
// per-backend prepared-statement table (spec.md §4.C).
package backend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/pgerror"
	"github.com/pgdoorman/pgdoorman/internal/stmtcache"
	"github.com/pgdoorman/pgdoorman/internal/tlsutil"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// Authenticator performs the client side of one auth method against a
// freshly dialed backend stream, consuming Authentication* messages up to
// and including the final AuthenticationOk. Implementations live in
// internal/auth; this interface exists here, not there, so this package
// never needs to import internal/auth.
type Authenticator interface {
	Authenticate(ctx context.Context, stream *wire.BackendStream, user, password string, first pgproto3.BackendMessage) error
}

// Key identifies one pool: the (database, user) pair every client with
// matching startup parameters is routed to (spec.md §3 "PoolKey").
type Key struct {
	Database string
	User     string
}

// Conn is one live backend session (spec.md §3 "BackendConn"). It is
// always owned by exactly one goroutine at a time: either idle inside a
// Pool's deque, or assigned to exactly one ClientConn.
type Conn struct {
	Stream   *wire.BackendStream
	Key      Key
	PID      uint32 // the real server's BackendKeyData, for real cancel delivery
	SecretKey uint32
	Params   map[string]string
	TxStatus byte // 'I', 'T', or 'E', tracked off ReadyForQuery (spec.md §3)

	Prepared *stmtcache.Table

	CreatedAt time.Time
	LastUsed  time.Time
}

// Dial opens a new backend connection for key, performs the startup and
// auth handshake with auth, and leaves the Conn idle and ready to be
// handed to a client (spec.md §4.C "open").
func Dial(ctx context.Context, g config.General, pool config.PoolConfig, user config.UserConfig, auth Authenticator) (*Conn, error) {
	addr := fmt.Sprintf("%s:%d", pool.ServerHost, pool.ServerPort)
	d := net.Dialer{Timeout: g.ConnectTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, pgerror.Fatal(pgerror.CodeConnectionFailure, "dialing backend %s: %v", addr, err)
	}

	if tlsCfg := tlsutil.BackendConfig(g, pool.ServerHost); tlsCfg != nil {
		raw, err = upgradeTLS(raw, tlsCfg)
		if err != nil {
			return nil, pgerror.Fatal(pgerror.CodeConnectionFailure, "backend TLS upgrade to %s: %v", addr, err)
		}
	}

	stream := wire.NewBackendStream(raw)
	stream.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":     user.Name,
			"database": pool.ServerDatabase,
		},
	})
	if err := stream.Flush(); err != nil {
		raw.Close()
		return nil, pgerror.Fatal(pgerror.CodeConnectionFailure, "sending startup to %s: %v", addr, err)
	}

	first, err := stream.Receive()
	if err != nil {
		raw.Close()
		return nil, pgerror.Fatal(pgerror.CodeConnectionFailure, "reading startup response from %s: %v", addr, err)
	}
	if errMsg, ok := first.(*pgproto3.ErrorResponse); ok {
		raw.Close()
		return nil, pgerror.Fatal(pgerror.CodeConnectionFailure, "backend %s rejected startup: %s", addr, errMsg.Message)
	}

	if auth != nil {
		if err := auth.Authenticate(ctx, stream, user.Name, user.Password, first); err != nil {
			raw.Close()
			return nil, err
		}
	}

	c := &Conn{
		Stream:    stream,
		Key:       Key{Database: pool.Database, User: user.Name},
		Params:    make(map[string]string),
		TxStatus:  'I',
		Prepared:  stmtcache.NewTable(user.PreparedStatementCache),
		CreatedAt: time.Now(),
		LastUsed:  time.Now(),
	}

	if err := c.drainToReady(); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

// drainToReady consumes ParameterStatus/BackendKeyData/ReadyForQuery
// messages following a successful AuthenticationOk (spec.md §4.B step
// "server parameters").
func (c *Conn) drainToReady() error {
	for {
		msg, err := c.Stream.Receive()
		if err != nil {
			return pgerror.Fatal(pgerror.CodeConnectionFailure, "reading backend startup tail: %v", err)
		}
		switch m := msg.(type) {
		case *pgproto3.ParameterStatus:
			c.Params[m.Name] = m.Value
		case *pgproto3.BackendKeyData:
			c.PID = m.ProcessID
			c.SecretKey = m.SecretKey
		case *pgproto3.ReadyForQuery:
			c.TxStatus = m.TxStatus
			return nil
		case *pgproto3.ErrorResponse:
			return pgerror.Fatal(pgerror.CodeConnectionFailure, "backend error during startup: %s", m.Message)
		case *pgproto3.NoticeResponse:
			// notices are swallowed here; a live ClientConn relays them once assigned.
		}
	}
}

// Dispatch sends a real Cancel request on a brand new connection to the
// same server, matching real libpq/PostgreSQL behavior: cancellation is
// always delivered out of band, never on the connection being canceled
// (spec.md §4.G). The cancel connection is always plain TCP, even when
// server_tls is set.
func (c *Conn) Dispatch() error {
	host, _, err := net.SplitHostPort(c.Stream.Conn.RemoteAddr().String())
	if err != nil {
		return err
	}
	raw, err := net.DialTimeout("tcp", net.JoinHostPort(host, port(c.Stream.Conn)), 5*time.Second)
	if err != nil {
		return fmt.Errorf("dialing cancel socket: %w", err)
	}
	defer raw.Close()

	buf := make([]byte, 16)
	buf[0], buf[1], buf[2], buf[3] = 0, 0, 0, 16
	buf[4], buf[5], buf[6], buf[7] = 4, 210, 22, 18 // 80877102 big-endian
	putU32(buf[8:12], c.PID)
	putU32(buf[12:16], c.SecretKey)
	_, err = raw.Write(buf)
	return err
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func port(conn net.Conn) string {
	_, p, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return p
}

// Close sends Terminate on a best-effort basis, ignoring any write error,
// and then tears down the physical connection.
func (c *Conn) Close() error {
	c.Stream.Send(&pgproto3.Terminate{})
	_ = c.Stream.Flush()
	return c.Stream.Conn.Close()
}

// Idle reports whether the backend is in a state a new client could
// safely receive (spec.md §3 BackendConn.txn_state "I").
func (c *Conn) Idle() bool {
	return c.TxStatus == 'I'
}
