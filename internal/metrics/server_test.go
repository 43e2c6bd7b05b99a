package metrics

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/internal/pool"
)

func TestServeStopsOnContextCancel(t *testing.T) {
	w := newTestWatcher(t, `
[pools.app]
server_host = "127.0.0.1"
[pools.app.users.app]
password = "secret"
`)

	m := pool.NewManager(w, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", m)
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after context cancellation")
	}
}

func TestServeExposesMetricsEndpoint(t *testing.T) {
	w := newTestWatcher(t, `
[pools.app]
server_host = "127.0.0.1"
[pools.app.users.app]
password = "secret"
`)
	m := pool.NewManager(w, nil)

	ln, err := freePort(t)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, m) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after context cancellation")
	}
}

func freePort(t *testing.T) (string, error) {
	t.Helper()
	l, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := l.Addr().String()
	l.Close()
	return addr, nil
}
