package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pgdoorman/pgdoorman/internal/logging"
)

var jwtLog = logging.For("auth.jwt")

// JWTVerifier validates a client-presented JWT against a JWKS endpoint
// (spec.md §4.B "jwt" auth method): the JWT itself is passed as the
// client's password during startup, RS256-signed, with iss/aud/exp
// checked against the pool's configured values.
type JWTVerifier struct {
	issuer        string
	audience      string
	jwksURL       string
	publicKeys    map[string]*rsa.PublicKey
	keysMutex     sync.RWMutex
	lastKeysFetch time.Time
	keysCacheTTL  time.Duration
	httpClient    *http.Client
}

// Identity is what a verified JWT tells the pooler about the connecting
// principal. Verify logs its subject and roles at debug level; the
// Negotiator only uses pass/fail and discards the Identity.
type Identity struct {
	Email     string
	Roles     []string
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// NewJWTVerifier builds a verifier that checks tokens against issuer and
// audience, fetching signing keys from jwksURL on demand.
func NewJWTVerifier(issuer, audience, jwksURL string) *JWTVerifier {
	return &JWTVerifier{
		issuer:       issuer,
		audience:     audience,
		jwksURL:      jwksURL,
		publicKeys:   make(map[string]*rsa.PublicKey),
		keysCacheTTL: time.Hour,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify validates authToken (the client's startup password field) and
// returns the identity it asserts, or an error the caller turns into a
// SQLSTATE 28000 AuthenticationFailed (spec.md §4.B, §7).
func (v *JWTVerifier) Verify(authToken string) (*Identity, error) {
	token, err := jwt.Parse(authToken, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("key id (kid) not found in token header")
		}
		key, err := v.publicKey(kid)
		if err != nil {
			return nil, fmt.Errorf("fetching public key: %w", err)
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("jwt validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("jwt token invalid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to parse jwt claims")
	}

	iss, ok := claims["iss"].(string)
	if !ok || iss != v.issuer {
		return nil, fmt.Errorf("unexpected issuer %q", iss)
	}
	if err := v.checkAudience(claims); err != nil {
		return nil, err
	}

	id := &Identity{}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("sub claim not found in jwt")
	}
	id.Subject = sub
	id.Roles = extractRoles(claims)

	if exp, ok := claims["exp"].(float64); ok {
		id.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if iat, ok := claims["iat"].(float64); ok {
		id.IssuedAt = time.Unix(int64(iat), 0)
	}
	if !id.ExpiresAt.IsZero() && time.Now().After(id.ExpiresAt) {
		return nil, fmt.Errorf("jwt token has expired")
	}

	jwtLog.Debug().Str("subject", id.Subject).Strs("roles", id.Roles).Msg("jwt verified")
	return id, nil
}

func extractRoles(claims jwt.MapClaims) []string {
	var roles []string
	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case []interface{}:
			for _, r := range v {
				if s, ok := r.(string); ok {
					roles = append(roles, s)
				}
			}
		case string:
			roles = append(roles, v)
		}
	}
	return roles
}

func (v *JWTVerifier) checkAudience(claims jwt.MapClaims) error {
	aud, ok := claims["aud"]
	if !ok {
		return fmt.Errorf("aud claim not found in jwt")
	}
	switch audience := aud.(type) {
	case string:
		if audience != v.audience {
			return fmt.Errorf("invalid audience: expected %q, got %q", v.audience, audience)
		}
	case []interface{}:
		for _, a := range audience {
			if s, ok := a.(string); ok && s == v.audience {
				return nil
			}
		}
		return fmt.Errorf("invalid audience: %q not present", v.audience)
	default:
		return fmt.Errorf("invalid audience claim type %T", audience)
	}
	return nil
}

func (v *JWTVerifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.keysMutex.RLock()
	if key, ok := v.publicKeys[kid]; ok && time.Since(v.lastKeysFetch) < v.keysCacheTTL {
		v.keysMutex.RUnlock()
		return key, nil
	}
	v.keysMutex.RUnlock()

	v.keysMutex.Lock()
	defer v.keysMutex.Unlock()
	if key, ok := v.publicKeys[kid]; ok && time.Since(v.lastKeysFetch) < v.keysCacheTTL {
		return key, nil
	}
	if err := v.fetchJWKS(); err != nil {
		return nil, err
	}
	key, ok := v.publicKeys[kid]
	if !ok {
		return nil, fmt.Errorf("public key with kid %s not found in JWKS", kid)
	}
	return key, nil
}

func (v *JWTVerifier) fetchJWKS() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("building JWKS request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decoding JWKS: %w", err)
	}

	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Use != "sig" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return fmt.Errorf("decoding modulus for kid %s: %w", k.Kid, err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return fmt.Errorf("decoding exponent for kid %s: %w", k.Kid, err)
		}
		pub := &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes)}
		for _, b := range eBytes {
			pub.E = pub.E<<8 + int(b)
		}
		v.publicKeys[k.Kid] = pub
	}
	v.lastKeysFetch = time.Now()
	jwtLog.Info().Int("keys", len(v.publicKeys)).Msg("loaded JWKS")
	return nil
}
