package tlsutil

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
)

// SSLRequestCode is the v3-protocol SSLRequest sentinel (spec.md §6).
const SSLRequestCode = 80877103

// UpgradeClientSide sends the SSLRequest sentinel on an already-dialed
// plain connection and, if the peer answers 'S', performs the TLS
// handshake, with the pooler acting as the TLS client toward another
// PostgreSQL-protocol endpoint. No code path in the pooler calls it:
// backend.Conn.Dispatch delivers cancel requests over plain TCP.
func UpgradeClientSide(conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], SSLRequestCode)

	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("sending SSLRequest: %w", err)
	}

	resp := make([]byte, 1)
	if _, err := conn.Read(resp); err != nil {
		return nil, fmt.Errorf("reading SSLRequest response: %w", err)
	}
	if resp[0] == 'N' {
		return conn, nil
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return tlsConn, nil
}
