package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// VerifyCleartext implements the server side of spec.md §4.B's "plain"
// method: send AuthenticationCleartextPassword, compare the
// PasswordMessage byte-for-byte against the configured password.
func VerifyCleartext(stream *wire.ClientStream, expected string) error {
	stream.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending AuthenticationCleartextPassword: %w", err)
	}
	msg, err := stream.Receive()
	if err != nil {
		return fmt.Errorf("reading PasswordMessage: %w", err)
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected PasswordMessage, got %T", msg)
	}
	if pm.Password != expected {
		return fmt.Errorf("password authentication failed")
	}
	return nil
}

// CleartextBackendAuth implements backend.Authenticator for a real server
// configured to require cleartext passwords.
type CleartextBackendAuth struct{}

// Authenticate responds to the AuthenticationCleartextPassword the
// backend already sent (passed as first).
func (CleartextBackendAuth) Authenticate(ctx context.Context, stream *wire.BackendStream, user, password string, first pgproto3.BackendMessage) error {
	if _, ok := first.(*pgproto3.AuthenticationCleartextPassword); !ok {
		return fmt.Errorf("expected AuthenticationCleartextPassword, got %T", first)
	}
	stream.Send(&pgproto3.PasswordMessage{Password: password})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending cleartext password: %w", err)
	}
	return expectAuthOk(stream)
}

// expectAuthOk reads until AuthenticationOk, turning any ErrorResponse or
// unexpected message into an error. Shared by every BackendAuthenticator.
func expectAuthOk(stream *wire.BackendStream) error {
	msg, err := stream.Receive()
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("backend authentication rejected: %s", m.Message)
	default:
		return fmt.Errorf("expected AuthenticationOk, got %T", msg)
	}
}
