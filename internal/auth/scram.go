package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgproto3/v2"
	"github.com/xdg-go/pbkdf2"
	"github.com/xdg-go/scram"

	"github.com/pgdoorman/pgdoorman/internal/wire"
)

const scramMechanism = "SCRAM-SHA-256"
const scramDefaultIters = 4096

// credentialsFromPassword derives SCRAM-SHA-256 stored credentials from a
// plaintext password using a deterministic per-user salt, for pools whose
// configured password is not already a "SCRAM-SHA-256$iters:salt$..."
// verifier. This trades the ability to rotate the salt independently of
// the username for not having to persist one alongside a plaintext
// secret in the TOML file.
func credentialsFromPassword(user, password string) scram.StoredCredentials {
	salt := sha256.Sum256([]byte("pgdoorman-scram-salt:" + user))
	return deriveCredentials(password, salt[:16], scramDefaultIters)
}

// credentialsFromVerifier parses the PostgreSQL pg_authid verifier format
// "SCRAM-SHA-256$<iters>:<salt_b64>$<storedkey_b64>:<serverkey_b64>".
func credentialsFromVerifier(verifier string) (scram.StoredCredentials, error) {
	rest, ok := strings.CutPrefix(verifier, scramMechanism+"$")
	if !ok {
		return scram.StoredCredentials{}, fmt.Errorf("not a SCRAM-SHA-256 verifier")
	}
	parts := strings.SplitN(rest, "$", 2)
	if len(parts) != 2 {
		return scram.StoredCredentials{}, fmt.Errorf("malformed SCRAM verifier")
	}
	iterSalt := strings.SplitN(parts[0], ":", 2)
	if len(iterSalt) != 2 {
		return scram.StoredCredentials{}, fmt.Errorf("malformed SCRAM verifier iteration/salt")
	}
	iters, err := strconv.Atoi(iterSalt[0])
	if err != nil {
		return scram.StoredCredentials{}, fmt.Errorf("malformed SCRAM iteration count: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(iterSalt[1])
	if err != nil {
		return scram.StoredCredentials{}, fmt.Errorf("malformed SCRAM salt: %w", err)
	}
	keys := strings.SplitN(parts[1], ":", 2)
	if len(keys) != 2 {
		return scram.StoredCredentials{}, fmt.Errorf("malformed SCRAM verifier keys")
	}
	storedKey, err := base64.StdEncoding.DecodeString(keys[0])
	if err != nil {
		return scram.StoredCredentials{}, fmt.Errorf("malformed SCRAM stored key: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(keys[1])
	if err != nil {
		return scram.StoredCredentials{}, fmt.Errorf("malformed SCRAM server key: %w", err)
	}
	return scram.StoredCredentials{
		KeyFactors: scram.KeyFactors{Salt: string(salt), Iters: iters},
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

func deriveCredentials(password string, salt []byte, iters int) scram.StoredCredentials {
	salted := pbkdf2.Key([]byte(password), salt, iters, sha256.Size, sha256.New)
	clientKey := hmacSum(salted, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSum(salted, "Server Key")
	return scram.StoredCredentials{
		KeyFactors: scram.KeyFactors{Salt: string(salt), Iters: iters},
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}
}

func hmacSum(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

// lookupCredentials resolves a pool user's configured password into SCRAM
// stored credentials, accepting either a precomputed verifier or a plain
// password.
func lookupCredentials(user, configuredPassword string) (scram.StoredCredentials, error) {
	if strings.HasPrefix(configuredPassword, scramMechanism+"$") {
		return credentialsFromVerifier(configuredPassword)
	}
	return credentialsFromPassword(user, configuredPassword), nil
}

// VerifySCRAM implements the server side of spec.md §4.B's
// "scram-sha-256" method over AuthenticationSASL/SASLContinue/SASLFinal.
func VerifySCRAM(stream *wire.ClientStream, user, configuredPassword string) error {
	creds, err := lookupCredentials(user, configuredPassword)
	if err != nil {
		return fmt.Errorf("resolving SCRAM credentials: %w", err)
	}

	server, err := scram.SHA256.NewServer(func(string) (scram.StoredCredentials, error) {
		return creds, nil
	})
	if err != nil {
		return fmt.Errorf("building SCRAM server: %w", err)
	}
	conv := server.NewConversation()

	stream.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{scramMechanism}})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending AuthenticationSASL: %w", err)
	}

	msg, err := stream.Receive()
	if err != nil {
		return fmt.Errorf("reading SASLInitialResponse: %w", err)
	}
	init, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok {
		return fmt.Errorf("expected SASLInitialResponse, got %T", msg)
	}

	serverFirst, err := conv.Step(string(init.Data))
	if err != nil {
		return fmt.Errorf("SCRAM server-first step: %w", err)
	}
	stream.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending AuthenticationSASLContinue: %w", err)
	}

	msg, err = stream.Receive()
	if err != nil {
		return fmt.Errorf("reading SASLResponse: %w", err)
	}
	resp, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		return fmt.Errorf("expected SASLResponse, got %T", msg)
	}

	serverFinal, err := conv.Step(string(resp.Data))
	if err != nil {
		return fmt.Errorf("SCRAM server-final step: %w", err)
	}
	if !conv.Valid() {
		stream.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28000", Message: "SCRAM authentication failed"})
		stream.Flush()
		return fmt.Errorf("SCRAM authentication failed for user %q", user)
	}
	stream.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending AuthenticationSASLFinal: %w", err)
	}
	return nil
}

// SCRAMBackendAuth implements backend.Authenticator against a real server
// requiring SCRAM-SHA-256.
type SCRAMBackendAuth struct{}

func (SCRAMBackendAuth) Authenticate(ctx context.Context, stream *wire.BackendStream, user, password string, first pgproto3.BackendMessage) error {
	sasl, ok := first.(*pgproto3.AuthenticationSASL)
	if !ok {
		return fmt.Errorf("expected AuthenticationSASL, got %T", first)
	}
	wantsSCRAM := false
	for _, m := range sasl.AuthMechanisms {
		if m == scramMechanism {
			wantsSCRAM = true
		}
	}
	if !wantsSCRAM {
		return fmt.Errorf("backend does not offer %s", scramMechanism)
	}

	client, err := scram.SHA256.NewClient(user, password, "")
	if err != nil {
		return fmt.Errorf("building SCRAM client: %w", err)
	}
	conv := client.NewConversation()

	clientFirst, err := conv.Step("")
	if err != nil {
		return fmt.Errorf("SCRAM client-first step: %w", err)
	}
	stream.Send(&pgproto3.SASLInitialResponse{AuthMechanism: scramMechanism, Data: []byte(clientFirst)})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending SASLInitialResponse: %w", err)
	}

	msg, err := stream.Receive()
	if err != nil {
		return fmt.Errorf("reading AuthenticationSASLContinue: %w", err)
	}
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	if !ok {
		return fmt.Errorf("expected AuthenticationSASLContinue, got %T", msg)
	}
	clientFinal, err := conv.Step(string(cont.Data))
	if err != nil {
		return fmt.Errorf("SCRAM client-final step: %w", err)
	}
	stream.Send(&pgproto3.SASLResponse{Data: []byte(clientFinal)})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending SASLResponse: %w", err)
	}

	msg, err = stream.Receive()
	if err != nil {
		return fmt.Errorf("reading AuthenticationSASLFinal: %w", err)
	}
	final, ok := msg.(*pgproto3.AuthenticationSASLFinal)
	if !ok {
		return fmt.Errorf("expected AuthenticationSASLFinal, got %T", msg)
	}
	if _, err := conv.Step(string(final.Data)); err != nil {
		return fmt.Errorf("SCRAM server signature verification failed: %w", err)
	}
	return expectAuthOk(stream)
}
