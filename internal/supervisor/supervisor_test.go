package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/internal/config"
)

func newTestWatcher(t *testing.T, contents string) *config.Watcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pg_doorman.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	w, err := config.NewWatcher(path, nil)
	require.NoError(t, err)
	return w
}

func waitForAddr(t *testing.T, s *Supervisor) net.Addr {
	t.Helper()
	for i := 0; i < 100; i++ {
		if addr := s.Addr(); addr != nil {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("supervisor never bound a listener")
	return nil
}

func TestRunAcceptsConnectionsAndStopsOnContextCancel(t *testing.T) {
	w := newTestWatcher(t, `
[pools.app]
server_host = "127.0.0.1"
[pools.app.users.app]
password = "secret"
`)
	s := New(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	addr := waitForAddr(t, s)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	conn.Close()

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run never returned after context cancellation")
	}
}

func TestRequestShutdownStopsAcceptingNewConnections(t *testing.T) {
	w := newTestWatcher(t, `
[pools.app]
server_host = "127.0.0.1"
[pools.app.users.app]
password = "secret"
`)
	s := New(w, nil)

	ctx := context.Background()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	addr := waitForAddr(t, s)

	s.RequestShutdown()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run never returned after RequestShutdown")
	}

	_, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	require.Error(t, err, "the listener must be closed once shutdown has been requested")
}

func TestRequestImmediateShutdownClosesTrackedConnections(t *testing.T) {
	w := newTestWatcher(t, `
[pools.app]
server_host = "127.0.0.1"
[pools.app.users.app]
password = "secret"
auth_method = "plain"
`)
	s := New(w, nil)

	ctx := context.Background()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	addr := waitForAddr(t, s)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// give the accept loop a moment to register the connection before
	// forcing an immediate shutdown.
	time.Sleep(50 * time.Millisecond)

	s.RequestImmediateShutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(t, err, "an immediate shutdown must force-close in-flight client sockets")

	select {
	case runErr := <-runDone:
		require.NoError(t, runErr)
	case <-time.After(3 * time.Second):
		t.Fatal("Run never returned after RequestImmediateShutdown")
	}
}
