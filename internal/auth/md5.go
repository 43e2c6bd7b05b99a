package auth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// md5Hash implements PostgreSQL's md5(concat) convention: "md5" followed
// by the hex digest of the concatenated input.
func md5Hash(s string) string {
	sum := md5.Sum([]byte(s))
	return "md5" + hex.EncodeToString(sum[:])
}

// md5Inner returns md5(password+user), or password itself when it is
// already stored in that "md5"-prefixed form.
func md5Inner(user, password string) string {
	if len(password) == 35 && strings.HasPrefix(password, "md5") {
		return password
	}
	return md5Hash(password + user)
}

// VerifyMD5 implements the server side of spec.md §4.B's "md5" method: a
// random 4-byte salt is sent with AuthenticationMD5Password, and the
// client's PasswordMessage must equal
// md5(md5(password+user)+salt) (spec.md §4.B).
func VerifyMD5(stream *wire.ClientStream, user, password string) error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("generating md5 salt: %w", err)
	}
	stream.Send(&pgproto3.AuthenticationMD5Password{Salt: salt})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending AuthenticationMD5Password: %w", err)
	}
	msg, err := stream.Receive()
	if err != nil {
		return fmt.Errorf("reading PasswordMessage: %w", err)
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected PasswordMessage, got %T", msg)
	}

	inner := md5Inner(user, password)
	expected := md5Hash(inner + string(salt[:]))
	if pm.Password != expected {
		return fmt.Errorf("password authentication failed for user %q", user)
	}
	return nil
}

// MD5BackendAuth implements backend.Authenticator against a real server
// requiring md5 passwords.
type MD5BackendAuth struct{}

func (MD5BackendAuth) Authenticate(ctx context.Context, stream *wire.BackendStream, user, password string, first pgproto3.BackendMessage) error {
	m5, ok := first.(*pgproto3.AuthenticationMD5Password)
	if !ok {
		return fmt.Errorf("expected AuthenticationMD5Password, got %T", first)
	}
	inner := md5Inner(user, password)
	response := md5Hash(inner + string(m5.Salt[:]))
	stream.Send(&pgproto3.PasswordMessage{Password: response})
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("sending md5 password: %w", err)
	}
	return expectAuthOk(stream)
}
