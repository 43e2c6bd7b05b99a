package tlsutil

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/internal/config"
)

// selfSignedPair writes a throwaway self-signed cert/key pair to t.TempDir
// for exercising ServerConfig's certificate loading path.
func selfSignedPair(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pgdoorman-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(cryptorand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pemBlock("CERTIFICATE", der), 0o644))
	require.NoError(t, os.WriteFile(keyPath, pemBlock("EC PRIVATE KEY", keyDER), 0o600))
	return certPath, keyPath
}

func pemBlock(kind string, der []byte) []byte {
	var buf bytes.Buffer
	pem.Encode(&buf, &pem.Block{Type: kind, Bytes: der})
	return buf.Bytes()
}

func TestServerConfigNilWhenDisabled(t *testing.T) {
	cfg, err := ServerConfig(config.General{TLSMode: config.TLSDisable})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestServerConfigNilWhenNoCertConfigured(t *testing.T) {
	cfg, err := ServerConfig(config.General{TLSMode: config.TLSAllow})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestServerConfigLoadsCertificate(t *testing.T) {
	certPath, keyPath := selfSignedPair(t)
	cfg, err := ServerConfig(config.General{
		TLSMode:     config.TLSAllow,
		TLSCertFile: certPath,
		TLSKeyFile:  keyPath,
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestBackendConfigHonorsVerifyFlag(t *testing.T) {
	assert.Nil(t, BackendConfig(config.General{ServerTLS: false}, "db.internal"))

	cfg := BackendConfig(config.General{ServerTLS: true, VerifyServerCertificate: false}, "db.internal")
	require.NotNil(t, cfg)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "db.internal", cfg.ServerName)

	cfg = BackendConfig(config.General{ServerTLS: true, VerifyServerCertificate: true}, "db.internal")
	require.NotNil(t, cfg)
	assert.False(t, cfg.InsecureSkipVerify)
}
