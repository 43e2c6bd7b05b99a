package pool

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/internal/backend"
	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/pgerror"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// newFakeBackend builds a backend.Conn over a net.Pipe with the peer side
// drained in the background, so Close()'s Terminate write never blocks.
func newFakeBackend(t *testing.T) *backend.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go drainConn(server)

	return &backend.Conn{
		Stream:   wire.NewBackendStream(client),
		Key:      backend.Key{Database: "app", User: "app"},
		TxStatus: 'I',
		Params:   map[string]string{},
	}
}

func drainConn(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func testKey() backend.Key { return backend.Key{Database: "app", User: "app"} }

func TestAcquireDialsWhenNoIdle(t *testing.T) {
	var dials int32
	p := New(testKey(), config.PoolConfig{PoolSize: 2}, config.UserConfig{}, func(ctx context.Context) (*backend.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeBackend(t), nil
	})

	c, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestAcquireReturnsIdleBeforeDialing(t *testing.T) {
	var dials int32
	p := New(testKey(), config.PoolConfig{PoolSize: 2}, config.UserConfig{}, func(ctx context.Context) (*backend.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeBackend(t), nil
	})

	c, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(context.Background(), c, false)

	c2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, c, c2, "the idle connection must be reused instead of dialing again")
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestAcquireWaitsThenTimesOutAtPoolSize(t *testing.T) {
	p := New(testKey(), config.PoolConfig{PoolSize: 1}, config.UserConfig{}, func(ctx context.Context) (*backend.Conn, error) {
		return newFakeBackend(t), nil
	})

	_, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	var pgErr *pgerror.Error
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, pgerror.CodeTooManyClients, pgErr.Code)

	snap := p.Snapshot()
	assert.EqualValues(t, 1, snap.TotalTimeouts)
}

func TestReleaseHandsDirectlyToWaiter(t *testing.T) {
	p := New(testKey(), config.PoolConfig{PoolSize: 1}, config.UserConfig{}, func(ctx context.Context) (*backend.Conn, error) {
		return newFakeBackend(t), nil
	})

	c, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	waiterDone := make(chan *backend.Conn, 1)
	go func() {
		c2, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		waiterDone <- c2
	}()

	// give the goroutine a chance to park as a waiter before releasing
	time.Sleep(20 * time.Millisecond)
	p.Release(context.Background(), c, false)

	select {
	case got := <-waiterDone:
		assert.Same(t, c, got, "release must hand the connection directly to the queued waiter")
	case <-time.After(time.Second):
		t.Fatal("waiter was never served")
	}
}

func TestSnapshotReportsCountersAndOccupancy(t *testing.T) {
	p := New(testKey(), config.PoolConfig{PoolSize: 2}, config.UserConfig{}, func(ctx context.Context) (*backend.Conn, error) {
		return newFakeBackend(t), nil
	})

	c, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	snap := p.Snapshot()
	assert.Equal(t, "app", snap.Database)
	assert.Equal(t, 1, snap.ServerActive)
	assert.Equal(t, 0, snap.ServerIdle)
	assert.EqualValues(t, 1, snap.TotalServed)

	p.Release(context.Background(), c, false)
	snap = p.Snapshot()
	assert.Equal(t, 0, snap.ServerActive)
	assert.Equal(t, 1, snap.ServerIdle)
}

func TestShutdownClosesIdleAndRejectsNewAcquires(t *testing.T) {
	p := New(testKey(), config.PoolConfig{PoolSize: 2}, config.UserConfig{}, func(ctx context.Context) (*backend.Conn, error) {
		return newFakeBackend(t), nil
	})

	c, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(context.Background(), c, false)

	p.Shutdown()

	_, err = p.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	var pgErr *pgerror.Error
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, pgerror.CodeAdminShutdown, pgErr.Code)
}
