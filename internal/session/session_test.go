package session

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/internal/admin"
	"github.com/pgdoorman/pgdoorman/internal/auth"
	"github.com/pgdoorman/pgdoorman/internal/backend"
	"github.com/pgdoorman/pgdoorman/internal/cancel"
	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/pool"
	"github.com/pgdoorman/pgdoorman/internal/stmtcache"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// fakeBackendServer plays a real PostgreSQL server across a net.Pipe,
// driven from a background goroutine by the test.
type fakeBackendServer struct {
	*pgproto3.Backend
	conn net.Conn
}

func newDeps(t *testing.T, tomlConfig string, serve func(fs *fakeBackendServer)) Deps {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pg_doorman.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o644))
	watcher, err := config.NewWatcher(path, nil)
	require.NoError(t, err)

	dial := func(ctx context.Context, g config.General, poolCfg config.PoolConfig, userCfg config.UserConfig) (*backend.Conn, error) {
		clientSide, serverSide := net.Pipe()
		fs := &fakeBackendServer{Backend: pgproto3.NewBackend(serverSide, serverSide), conn: serverSide}
		if serve != nil {
			go serve(fs)
		} else {
			go drainPipe(serverSide)
		}
		return &backend.Conn{
			Stream:   wire.NewBackendStream(clientSide),
			Key:      backend.Key{Database: poolCfg.Database, User: userCfg.Name},
			TxStatus: 'I',
			Params:   map[string]string{},
			Prepared: stmtcache.NewTable(16),
		}, nil
	}

	return Deps{
		Config:     watcher,
		Pools:      pool.NewManager(watcher, dial),
		Statements: stmtcache.NewRegistry(),
		Cancels:    cancel.NewRegistry(),
		Negotiator: auth.NewNegotiator(nil),
		Admin: &admin.Console{
			Config: watcher,
			Pools:  pool.NewManager(watcher, dial),
			Stmts:  stmtcache.NewRegistry(),
		},
	}
}

func drainPipe(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestServeCompletesStartupAndSimpleQuery(t *testing.T) {
	deps := newDeps(t, `
[pools.app]
server_host = "127.0.0.1"
pool_mode = "transaction"

[pools.app.users.app]
password = "hunter2"
auth_method = "plain"
`, func(fs *fakeBackendServer) {
		msg, err := fs.Receive()
		if err != nil {
			return
		}
		q, ok := msg.(*pgproto3.Query)
		if !ok || q.String != "SELECT 1" {
			return
		}
		fs.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
		fs.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		fs.Flush()
	})

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	frontend := pgproto3.NewFrontend(clientConn, clientConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(serverConn, deps).Serve(context.Background())
	}()

	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "app", "database": "app"},
	})
	require.NoError(t, frontend.Flush())

	authReq, err := frontend.Receive()
	require.NoError(t, err)
	_, ok := authReq.(*pgproto3.AuthenticationCleartextPassword)
	require.True(t, ok)

	frontend.Send(&pgproto3.PasswordMessage{Password: "hunter2"})
	require.NoError(t, frontend.Flush())

	msg, err := frontend.Receive()
	require.NoError(t, err)
	_, ok = msg.(*pgproto3.AuthenticationOk)
	require.True(t, ok)

	// drain ParameterStatus/BackendKeyData up to the first ReadyForQuery
	for {
		msg, err = frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}

	frontend.Send(&pgproto3.Query{String: "SELECT 1"})
	require.NoError(t, frontend.Flush())

	msg, err = frontend.Receive()
	require.NoError(t, err)
	cc, ok := msg.(*pgproto3.CommandComplete)
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", string(cc.CommandTag))

	msg, err = frontend.Receive()
	require.NoError(t, err)
	rfq, ok := msg.(*pgproto3.ReadyForQuery)
	require.True(t, ok)
	assert.Equal(t, byte('I'), rfq.TxStatus)

	frontend.Send(&pgproto3.Terminate{})
	require.NoError(t, frontend.Flush())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after client Terminate")
	}
}

func TestServeRejectsUnknownPool(t *testing.T) {
	deps := newDeps(t, `
[pools.app]
server_host = "127.0.0.1"

[pools.app.users.app]
password = "hunter2"
auth_method = "plain"
`, nil)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	frontend := pgproto3.NewFrontend(clientConn, clientConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(serverConn, deps).Serve(context.Background())
	}()

	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "nope", "database": "nope"},
	})
	require.NoError(t, frontend.Flush())

	msg, err := frontend.Receive()
	require.NoError(t, err)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "28000", errResp.Code)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after rejecting an unknown pool")
	}
}

func TestServeExtendedProtocolRewritesStatementNameAndSuppressesClose(t *testing.T) {
	deps := newDeps(t, `
[pools.app]
server_host = "127.0.0.1"
pool_mode = "transaction"

[pools.app.users.app]
password = "hunter2"
auth_method = "plain"
`, func(fs *fakeBackendServer) {
		msg, err := fs.Receive()
		if err != nil {
			return
		}
		if _, ok := msg.(*pgproto3.Close); !ok {
			return
		}
		parse, err := fs.Receive()
		if err != nil {
			return
		}
		p, ok := parse.(*pgproto3.Parse)
		if !ok || p.Name == "my_stmt" {
			return // must have been rewritten to the pool-global name
		}
		if _, err := fs.Receive(); err != nil { // Bind
			return
		}
		if _, err := fs.Receive(); err != nil { // Describe
			return
		}
		if _, err := fs.Receive(); err != nil { // Execute
			return
		}
		if _, err := fs.Receive(); err != nil { // Sync
			return
		}

		fs.Send(&pgproto3.CloseComplete{})
		fs.Send(&pgproto3.ParseComplete{})
		fs.Send(&pgproto3.BindComplete{})
		fs.Send(&pgproto3.NoData{})
		fs.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
		fs.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		fs.Flush()
	})

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	frontend := pgproto3.NewFrontend(clientConn, clientConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(serverConn, deps).Serve(context.Background())
	}()

	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "app", "database": "app"},
	})
	require.NoError(t, frontend.Flush())
	_, err := frontend.Receive() // AuthenticationCleartextPassword
	require.NoError(t, err)

	frontend.Send(&pgproto3.PasswordMessage{Password: "hunter2"})
	require.NoError(t, frontend.Flush())
	for {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}

	frontend.Send(&pgproto3.Parse{Name: "my_stmt", Query: "SELECT 1"})
	frontend.Send(&pgproto3.Bind{PreparedStatement: "my_stmt"})
	frontend.Send(&pgproto3.Describe{ObjectType: 'S', Name: "my_stmt"})
	frontend.Send(&pgproto3.Execute{})
	frontend.Send(&pgproto3.Sync{})
	require.NoError(t, frontend.Flush())

	// the defensive Close's CloseComplete must be swallowed: the first
	// reply the client sees is ParseComplete, not CloseComplete.
	msg, err := frontend.Receive()
	require.NoError(t, err)
	_, ok := msg.(*pgproto3.ParseComplete)
	assert.True(t, ok, "expected ParseComplete first, got %T", msg)

	for {
		msg, err = frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}

	frontend.Send(&pgproto3.Terminate{})
	require.NoError(t, frontend.Flush())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after client Terminate")
	}
}

// TestServeParseCacheHitSkipsBackendRoundTrip confirms handleParse's
// cache-hit short-circuit (spec.md §4.F "prepared statement cache"): a
// second Parse of the same query text, under a different client-side
// statement name, must not send the backend a second Close/Parse pair —
// the client's ParseComplete is synthesized locally instead.
func TestServeParseCacheHitSkipsBackendRoundTrip(t *testing.T) {
	var backendParses, backendCloses int
	deps := newDeps(t, `
[pools.app]
server_host = "127.0.0.1"
pool_mode = "session"

[pools.app.users.app]
password = "hunter2"
auth_method = "plain"
`, func(fs *fakeBackendServer) {
		for round := 0; round < 2; round++ {
			msg, err := fs.Receive()
			if err != nil {
				return
			}
			if _, ok := msg.(*pgproto3.Close); ok {
				backendCloses++
				if _, err := fs.Receive(); err != nil { // Parse
					return
				}
				backendParses++
				fs.Send(&pgproto3.CloseComplete{})
				fs.Send(&pgproto3.ParseComplete{})
				if _, err := fs.Receive(); err != nil { // Bind
					return
				}
			} else if _, ok := msg.(*pgproto3.Bind); !ok {
				return
			}

			if _, err := fs.Receive(); err != nil { // Describe
				return
			}
			if _, err := fs.Receive(); err != nil { // Execute
				return
			}
			if _, err := fs.Receive(); err != nil { // Sync
				return
			}

			fs.Send(&pgproto3.BindComplete{})
			fs.Send(&pgproto3.NoData{})
			fs.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
			fs.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			fs.Flush()
		}
	})

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	frontend := pgproto3.NewFrontend(clientConn, clientConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(serverConn, deps).Serve(context.Background())
	}()

	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "app", "database": "app"},
	})
	require.NoError(t, frontend.Flush())
	_, err := frontend.Receive() // AuthenticationCleartextPassword
	require.NoError(t, err)

	frontend.Send(&pgproto3.PasswordMessage{Password: "hunter2"})
	require.NoError(t, frontend.Flush())
	for {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}

	runRound := func(stmtName string) {
		frontend.Send(&pgproto3.Parse{Name: stmtName, Query: "SELECT 1"})
		frontend.Send(&pgproto3.Bind{PreparedStatement: stmtName})
		frontend.Send(&pgproto3.Describe{ObjectType: 'S', Name: stmtName})
		frontend.Send(&pgproto3.Execute{})
		frontend.Send(&pgproto3.Sync{})
		require.NoError(t, frontend.Flush())

		msg, err := frontend.Receive()
		require.NoError(t, err)
		_, ok := msg.(*pgproto3.ParseComplete)
		assert.True(t, ok, "expected ParseComplete first, got %T", msg)

		for {
			msg, err = frontend.Receive()
			require.NoError(t, err)
			if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
				break
			}
		}
	}

	runRound("stmt_a")
	runRound("stmt_b")

	frontend.Send(&pgproto3.Terminate{})
	require.NoError(t, frontend.Flush())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after client Terminate")
	}

	assert.Equal(t, 1, backendParses, "second round must not send the backend a Parse")
	assert.Equal(t, 1, backendCloses, "second round must not send the backend a Close")
}
