package backend

import (
	"net"
	"testing"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/internal/stmtcache"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// fakeServer plays the real PostgreSQL server's half of the wire
// protocol over the other end of a net.Pipe.
type fakeServer struct {
	*pgproto3.Backend
	conn net.Conn
}

func newFakeServerConn(t *testing.T) (*Conn, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := &Conn{
		Stream:   wire.NewBackendStream(client),
		Key:      Key{Database: "app", User: "app"},
		TxStatus: 'I',
		Params:   map[string]string{},
		Prepared: stmtcache.NewTable(16),
	}
	fs := &fakeServer{Backend: pgproto3.NewBackend(server, server), conn: server}
	return c, fs
}

func TestSimpleQuerySuccessUpdatesTxStatus(t *testing.T) {
	c, fs := newFakeServerConn(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := fs.Receive()
		require.NoError(t, err)
		q, ok := msg.(*pgproto3.Query)
		require.True(t, ok)
		assert.Equal(t, "DISCARD ALL", q.String)

		fs.Send(&pgproto3.CommandComplete{CommandTag: []byte("DISCARD ALL")})
		fs.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		require.NoError(t, fs.Flush())
	}()

	err := c.DiscardAll()
	require.NoError(t, err)
	assert.Equal(t, byte('I'), c.TxStatus)
	<-done
}

func TestSimpleQueryErrorResponse(t *testing.T) {
	c, fs := newFakeServerConn(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := fs.Receive()
		require.NoError(t, err)
		fs.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42601", Message: "boom"})
		require.NoError(t, fs.Flush())
	}()

	err := c.simpleQuery("SELECT bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	<-done
}

func TestHealthCheckNoOpWhenQueryEmpty(t *testing.T) {
	c, _ := newFakeServerConn(t)
	assert.NoError(t, c.HealthCheck(""))
}

func TestIdleReflectsTxStatus(t *testing.T) {
	c := &Conn{TxStatus: 'I'}
	assert.True(t, c.Idle())
	c.TxStatus = 'T'
	assert.False(t, c.Idle())
}

func TestCloseSendsTerminate(t *testing.T) {
	c, fs := newFakeServerConn(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := fs.Receive()
		require.NoError(t, err)
		_, ok := msg.(*pgproto3.Terminate)
		assert.True(t, ok)
	}()

	require.NoError(t, c.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server never observed Terminate")
	}
}
