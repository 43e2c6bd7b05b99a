package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// Negotiator runs the server side of client authentication (spec.md
// §4.B). JWKS-based verifiers are cached per (issuer,jwksURL) since
// building one re-triggers a key fetch.
type Negotiator struct {
	pamVerifier Verifier
	jwtByKey    map[string]*JWTVerifier
}

// NewNegotiator builds a Negotiator; pam may be nil if no pools use
// auth_method=pam.
func NewNegotiator(pam Verifier) *Negotiator {
	return &Negotiator{pamVerifier: pam, jwtByKey: make(map[string]*JWTVerifier)}
}

// Authenticate runs whichever method u.AuthMethod names and returns a
// SQLSTATE 28000 error on failure (spec.md §7). issuer/audience/jwksURL
// are used when the method is "jwt"; the config has no keys for them, and
// the client session passes empty strings.
func (n *Negotiator) Authenticate(stream *wire.ClientStream, u config.UserConfig, issuer, audience, jwksURL string) error {
	switch u.AuthMethod {
	case config.AuthCleartext:
		return VerifyCleartext(stream, u.Password)
	case config.AuthMD5:
		return VerifyMD5(stream, u.Name, u.Password)
	case config.AuthSCRAM:
		return VerifySCRAM(stream, u.Name, u.Password)
	case config.AuthJWT:
		return n.authenticateJWT(stream, u, issuer, audience, jwksURL)
	case config.AuthPAM:
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
		return VerifyPAM(n.pamVerifier, u.Name, pm.Password)
	default:
		return fmt.Errorf("unsupported auth_method %q", u.AuthMethod)
	}
}

func (n *Negotiator) authenticateJWT(stream *wire.ClientStream, u config.UserConfig, issuer, audience, jwksURL string) error {
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

	key := issuer + "|" + jwksURL
	v, ok := n.jwtByKey[key]
	if !ok {
		v = NewJWTVerifier(issuer, audience, jwksURL)
		n.jwtByKey[key] = v
	}
	_, err = v.Verify(pm.Password)
	return err
}

// BackendAuthenticatorFor picks the client-side Authenticator the pooler
// uses when dialing a real server on behalf of method (spec.md §4.C
// "open"): the pooler authenticates itself to the backend with the same
// method its own clients used against it.
func BackendAuthenticatorFor(method config.AuthMethod) interface {
	Authenticate(ctx context.Context, stream *wire.BackendStream, user, password string, first pgproto3.BackendMessage) error
} {
	switch method {
	case config.AuthMD5:
		return MD5BackendAuth{}
	case config.AuthSCRAM:
		return SCRAMBackendAuth{}
	default:
		return CleartextBackendAuth{}
	}
}
