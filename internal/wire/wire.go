// Package wire adapts github.com/jackc/pgproto3/v2 to the pooler's two
// roles: toward a real client the pooler acts as a PostgreSQL server
// (component A/B, wrapping pgproto3.Backend), and toward a real server it
// acts as a PostgreSQL client (wrapping pgproto3.Frontend). pgproto3 names
// its types after the role the pooler itself plays on the stream;
// ClientStream/BackendStream below are named for which side of the pooler
// they face, to avoid that confusion leaking into the rest of the module.
package wire

import (
	"net"

	"github.com/jackc/pgproto3/v2"
)

// ClientStream is the pooler's view of one client TCP connection: the
// pooler acts as a PostgreSQL server on this stream, so it wraps
// pgproto3.Backend.
type ClientStream struct {
	*pgproto3.Backend
	Conn net.Conn
}

// NewClientStream builds a ClientStream over conn.
func NewClientStream(conn net.Conn) *ClientStream {
	return &ClientStream{
		Backend: pgproto3.NewBackend(conn, conn),
		Conn:    conn,
	}
}

// Rebind replaces the underlying connection after a TLS upgrade, keeping
// the same ClientStream identity for callers that already hold a
// pointer to it.
func (c *ClientStream) Rebind(conn net.Conn) {
	c.Conn = conn
	c.Backend = pgproto3.NewBackend(conn, conn)
}

// BackendStream is the pooler's view of one backend TCP connection: the
// pooler acts as a PostgreSQL client on this stream, so it wraps
// pgproto3.Frontend.
type BackendStream struct {
	*pgproto3.Frontend
	Conn net.Conn
}

// NewBackendStream builds a BackendStream over conn.
func NewBackendStream(conn net.Conn) *BackendStream {
	return &BackendStream{
		Frontend: pgproto3.NewFrontend(conn, conn),
		Conn:     conn,
	}
}

// Rebind replaces the underlying connection after a TLS upgrade.
func (b *BackendStream) Rebind(conn net.Conn) {
	b.Conn = conn
	b.Frontend = pgproto3.NewFrontend(conn, conn)
}
