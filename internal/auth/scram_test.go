package auth

import (
	"context"
	"encoding/base64"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/internal/wire"
)

func TestSCRAMRoundTripSucceeds(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	serverStream := wire.NewClientStream(serverConn)
	clientStream := wire.NewBackendStream(clientConn)

	done := make(chan error, 1)
	go func() {
		done <- VerifySCRAM(serverStream, "app", "hunter2")
	}()

	first, err := clientStream.Receive()
	require.NoError(t, err)
	err = SCRAMBackendAuth{}.Authenticate(context.Background(), clientStream, "app", "hunter2", first)
	require.NoError(t, err)

	require.NoError(t, <-done)
}

func TestSCRAMCredentialsDifferByPassword(t *testing.T) {
	right := credentialsFromPassword("app", "hunter2")
	wrong := credentialsFromPassword("app", "wrong")
	assert.NotEqual(t, right.StoredKey, wrong.StoredKey)
}

func TestSCRAMRoundTripAgainstPrecomputedVerifier(t *testing.T) {
	creds := credentialsFromPassword("app", "hunter2")
	assert.NotEmpty(t, creds.StoredKey)
	assert.NotEmpty(t, creds.ServerKey)

	parsed, err := lookupCredentials("app", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, creds, parsed)

	verifier := scramMechanism + "$" + strconv.Itoa(creds.Iters) + ":" +
		base64.StdEncoding.EncodeToString([]byte(creds.Salt)) + "$" +
		base64.StdEncoding.EncodeToString(creds.StoredKey) + ":" +
		base64.StdEncoding.EncodeToString(creds.ServerKey)
	fromVerifier, err := lookupCredentials("app", verifier)
	require.NoError(t, err)
	assert.Equal(t, creds, fromVerifier)
}
