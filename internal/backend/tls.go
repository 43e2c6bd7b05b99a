package backend

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
)

const sslRequestCode = 80877103

// upgradeTLS performs the backend side of the SSLRequest handshake
// (spec.md §4.B): send the 8-byte SSLRequest, expect a single 'S' byte
// back, then run the TLS client handshake over the same socket.
func upgradeTLS(conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], sslRequestCode)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("sending SSLRequest: %w", err)
	}

	resp := make([]byte, 1)
	if _, err := conn.Read(resp); err != nil {
		return nil, fmt.Errorf("reading SSLRequest response: %w", err)
	}
	if resp[0] != 'S' {
		return nil, fmt.Errorf("backend refused TLS upgrade (server_tls requires it)")
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return tlsConn, nil
}
