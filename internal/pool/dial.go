package pool

import (
	"context"

	"github.com/pgdoorman/pgdoorman/internal/auth"
	"github.com/pgdoorman/pgdoorman/internal/backend"
	"github.com/pgdoorman/pgdoorman/internal/config"
)

// DefaultDialer builds the BackendDialer every Manager uses outside of
// tests: dial the real server and authenticate as it using the same
// method the client authenticated with against the pooler (spec.md
// §4.C "open").
func DefaultDialer(ctx context.Context, g config.General, poolCfg config.PoolConfig, userCfg config.UserConfig) (*backend.Conn, error) {
	authn := auth.BackendAuthenticatorFor(userCfg.AuthMethod)
	return backend.Dial(ctx, g, poolCfg, userCfg, authn)
}
