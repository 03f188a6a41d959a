package principal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sark-gateway/sark/internal/domain/gateway"
)

// Credential is a caller-supplied authentication credential.
// Exactly one of BearerToken or APIKey is set.
type Credential struct {
	BearerToken string
	APIKey      string
}

// JWTConfig holds verification parameters for bearer tokens.
type JWTConfig struct {
	// Issuer is the required iss claim.
	Issuer string
	// Audience is the required aud claim.
	Audience string
	// Algorithm is the only accepted signing algorithm (e.g. "HS256", "RS256").
	Algorithm string
	// Key is the verification key: the shared secret for HMAC algorithms,
	// a parsed public key otherwise.
	Key any
}

// Authenticator resolves credentials into principals.
// It consumes tokens issued elsewhere; it is not an identity provider.
type Authenticator struct {
	store Store
	jwt   JWTConfig
	now   func() time.Time
}

// NewAuthenticator creates an Authenticator over the given store.
func NewAuthenticator(store Store, jwtCfg JWTConfig) *Authenticator {
	return &Authenticator{store: store, jwt: jwtCfg, now: time.Now}
}

// Authenticate resolves a credential to an active principal.
// Revoked principals and revoked/expired keys are rejected with
// an authentication-kind error.
func (a *Authenticator) Authenticate(ctx context.Context, cred Credential) (*Principal, error) {
	var (
		p   *Principal
		err error
	)
	switch {
	case cred.BearerToken != "":
		p, err = a.authenticateJWT(ctx, cred.BearerToken)
	case cred.APIKey != "":
		p, err = a.authenticateAPIKey(ctx, cred.APIKey)
	default:
		return nil, gateway.New(gateway.KindAuthentication, "missing credential")
	}
	if err != nil {
		return nil, err
	}

	if p.Revoked(a.now()) {
		return nil, gateway.New(gateway.KindAuthentication, "principal revoked")
	}
	return p, nil
}

// authenticateJWT verifies a bearer token and resolves the sub claim.
func (a *Authenticator) authenticateJWT(ctx context.Context, token string) (*Principal, error) {
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return a.jwt.Key, nil },
		jwt.WithValidMethods([]string{a.jwt.Algorithm}),
		jwt.WithIssuer(a.jwt.Issuer),
		jwt.WithAudience(a.jwt.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindAuthentication, "invalid bearer token", err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, gateway.New(gateway.KindAuthentication, "token has no subject")
	}

	p, err := a.store.GetPrincipal(ctx, sub)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "principal lookup failed", err)
	}
	if p == nil {
		return nil, gateway.New(gateway.KindAuthentication, "unknown principal")
	}
	return p, nil
}

// authenticateAPIKey resolves an API key to its owning principal.
// SHA-256 lookup is the fast path for seeded keys; Argon2id hashes require
// iterating stored keys.
func (a *Authenticator) authenticateAPIKey(ctx context.Context, rawKey string) (*Principal, error) {
	key, err := a.store.GetAPIKey(ctx, HashKey(rawKey))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "api key lookup failed", err)
	}
	if key == nil {
		key, err = a.findArgon2Key(ctx, rawKey)
		if err != nil {
			return nil, err
		}
	}
	if key == nil {
		return nil, gateway.New(gateway.KindAuthentication, "invalid api key")
	}

	now := a.now()
	if key.Revoked {
		return nil, gateway.New(gateway.KindAuthentication, "api key revoked")
	}
	if key.Expired(now) {
		return nil, gateway.New(gateway.KindAuthentication, "api key expired")
	}

	p, err := a.store.GetPrincipal(ctx, key.PrincipalID)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "principal lookup failed", err)
	}
	if p == nil {
		return nil, gateway.New(gateway.KindAuthentication, "unknown principal")
	}
	return p, nil
}

// findArgon2Key verifies the raw key against stored Argon2id hashes.
func (a *Authenticator) findArgon2Key(ctx context.Context, rawKey string) (*APIKey, error) {
	keys, err := a.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "api key scan failed", err)
	}
	for _, candidate := range keys {
		if !strings.HasPrefix(candidate.Hash, "$argon2id$") {
			continue
		}
		match, verifyErr := argon2id.ComparePasswordAndHash(rawKey, candidate.Hash)
		if verifyErr != nil {
			continue
		}
		if match {
			return candidate, nil
		}
	}
	return nil, nil
}

// argon2Params follows the OWASP minimum for Argon2id.
var argon2Params = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns the SHA-256 hex hash of a raw key. Used for seeded keys
// where constant-time direct lookup is preferred over Argon2id iteration.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// HashKeyArgon2id returns an Argon2id hash for a newly issued key.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2Params)
}
