// Package tlsutil builds the client-facing and backend-facing TLS
// configurations spec.md §4.B negotiates (tls_mode, server_tls,
// verify_server_certificate).
package tlsutil

import (
	"crypto/tls"
	"fmt"

	"github.com/pgdoorman/pgdoorman/internal/config"
)

var preferredCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

var preferredCurves = []tls.CurveID{
	tls.X25519,
	tls.CurveP256,
	tls.CurveP384,
}

// ServerConfig builds the *tls.Config the pooler presents to clients when
// upgrading a connection after an SSLRequest, or nil if tls_mode=disable
// or no certificate pair is configured.
func ServerConfig(g config.General) (*tls.Config, error) {
	if g.TLSMode == config.TLSDisable || g.TLSCertFile == "" || g.TLSKeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(g.TLSCertFile, g.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates:     []tls.Certificate{cert},
		MinVersion:       tls.VersionTLS12,
		MaxVersion:       tls.VersionTLS13,
		CipherSuites:     preferredCipherSuites,
		CurvePreferences: preferredCurves,
	}, nil
}

// BackendConfig builds the *tls.Config the pooler uses when dialing a
// real PostgreSQL server, honoring server_tls/verify_server_certificate.
func BackendConfig(g config.General, serverName string) *tls.Config {
	if !g.ServerTLS {
		return nil
	}
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !g.VerifyServerCertificate,
		MinVersion:         tls.VersionTLS12,
	}
}
