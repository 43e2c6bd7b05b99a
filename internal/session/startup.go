package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/cancel"
	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/pgerror"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// negotiateStartup runs spec.md §4.B: SSLRequest negotiation, the real
// StartupMessage, CancelRequest short-circuiting, and authentication. It
// returns ok=false when the connection has already been fully handled
// (a cancel request) and the caller should simply close the socket.
func (c *ClientConn) negotiateStartup(ctx context.Context) (bool, error) {
	c.stream = wire.NewClientStream(c.raw)

	for {
		msg, err := c.stream.ReceiveStartupMessage()
		if err != nil {
			return false, fmt.Errorf("reading startup message: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			supported := c.deps.Config.Current().General.TLSMode != config.TLSDisable
			reply := []byte{'N'}
			if supported {
				reply = []byte{'S'}
			}
			if _, err := c.raw.Write(reply); err != nil {
				return false, fmt.Errorf("replying to SSLRequest: %w", err)
			}
			if supported {
				if err := c.upgradeClientTLS(); err != nil {
					return false, fmt.Errorf("client TLS upgrade: %w", err)
				}
			}
			continue

		case *pgproto3.GSSEncRequest:
			if _, err := c.raw.Write([]byte{'N'}); err != nil {
				return false, fmt.Errorf("replying to GSSEncRequest: %w", err)
			}
			continue

		case *pgproto3.CancelRequest:
			_ = c.deps.Cancels.Cancel(m.ProcessID, m.SecretKey)
			return false, nil

		case *pgproto3.StartupMessage:
			return c.authenticate(m)

		default:
			return false, fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

func (c *ClientConn) authenticate(startup *pgproto3.StartupMessage) (bool, error) {
	c.database = startup.Parameters["database"]
	c.user = startup.Parameters["user"]
	if c.database == "" {
		c.database = c.user
	}
	c.startupParams = startup.Parameters

	cfg := c.deps.Config.Current()

	if c.deps.Admin != nil && c.deps.Admin.IsAdminDatabase(c.database) {
		return c.authenticateAdmin(cfg)
	}

	poolCfg, userCfg, ok := cfg.ResolveUser(c.database, c.user)
	if !ok {
		err := pgerror.Fatal(pgerror.CodeInvalidAuthorization, "no pgdoorman pool configured for database %q user %q", c.database, c.user)
		err.SendTo(c.stream)
		c.stream.Flush()
		return false, err
	}
	c.poolCfg = poolCfg
	c.userCfg = userCfg
	c.poolMode = poolCfg.PoolMode

	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()

	if err := c.deps.Negotiator.Authenticate(c.stream, userCfg, "", "", ""); err != nil {
		fatal := pgerror.Fatal(pgerror.CodeInvalidAuthorization, "%v", err)
		fatal.SendTo(c.stream)
		c.stream.Flush()
		return false, fatal
	}

	return c.finishAuthentication(cfg)
}

// authenticateAdmin handles the pgdoorman/pgbouncer virtual database:
// only the configured admin_username/admin_password are accepted
// (spec.md §4.H).
func (c *ClientConn) authenticateAdmin(cfg *config.Config) (bool, error) {
	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()

	expected := config.UserConfig{Name: cfg.General.AdminUsername, AuthMethod: config.AuthCleartext, Password: cfg.General.AdminPassword}
	if err := c.deps.Negotiator.Authenticate(c.stream, expected, "", "", ""); err != nil {
		fatal := pgerror.Fatal(pgerror.CodeInvalidAuthorization, "admin authentication failed: %v", err)
		fatal.SendTo(c.stream)
		c.stream.Flush()
		return false, fatal
	}
	c.poolMode = config.ModeSession
	return c.finishAuthentication(cfg)
}

func (c *ClientConn) finishAuthentication(cfg *config.Config) (bool, error) {
	tok, err := cancel.NewToken()
	if err != nil {
		return false, err
	}
	c.token = tok

	c.stream.Send(&pgproto3.AuthenticationOk{})
	for name, value := range config.DefaultServerParams {
		c.stream.Send(&pgproto3.ParameterStatus{Name: name, Value: value})
	}
	c.stream.Send(&pgproto3.BackendKeyData{ProcessID: tok.ProcessID, SecretKey: tok.SecretKey})
	c.stream.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := c.stream.Flush(); err != nil {
		return false, fmt.Errorf("sending startup completion: %w", err)
	}
	return true, nil
}
