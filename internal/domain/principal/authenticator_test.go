package principal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sark-gateway/sark/internal/domain/gateway"
)

// fakeStore is an in-memory Store for authenticator tests.
type fakeStore struct {
	principals map[string]*Principal
	keys       map[string]*APIKey
	failWith   error
}

func (s *fakeStore) GetPrincipal(_ context.Context, id string) (*Principal, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.principals[id], nil
}

func (s *fakeStore) GetAPIKey(_ context.Context, hash string) (*APIKey, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.keys[hash], nil
}

func (s *fakeStore) ListAPIKeys(_ context.Context) ([]*APIKey, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make([]*APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

var _ Store = (*fakeStore)(nil)

const hmacSecret = "test-secret-not-for-production"

func newTestAuthenticator(store *fakeStore) *Authenticator {
	return NewAuthenticator(store, JWTConfig{
		Issuer:    "sark-test",
		Audience:  "gateway",
		Algorithm: "HS256",
		Key:       []byte(hmacSecret),
	})
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(hmacSecret))
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}
	return signed
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"iss": "sark-test",
		"aud": "gateway",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestAuthenticate_MissingCredential(t *testing.T) {
	auth := newTestAuthenticator(&fakeStore{})
	_, err := auth.Authenticate(context.Background(), Credential{})
	if gateway.KindOf(err) != gateway.KindAuthentication {
		t.Errorf("KindOf(err) = %v, want authentication_error", gateway.KindOf(err))
	}
}

func TestAuthenticate_ValidJWT(t *testing.T) {
	store := &fakeStore{principals: map[string]*Principal{
		"user-1": {ID: "user-1", Type: TypeHuman},
	}}
	auth := newTestAuthenticator(store)

	p, err := auth.Authenticate(context.Background(), Credential{
		BearerToken: signToken(t, validClaims("user-1")),
	})
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if p.ID != "user-1" {
		t.Errorf("principal ID = %q, want user-1", p.ID)
	}
}

func TestAuthenticate_JWTWrongIssuer(t *testing.T) {
	store := &fakeStore{principals: map[string]*Principal{"user-1": {ID: "user-1"}}}
	auth := newTestAuthenticator(store)

	claims := validClaims("user-1")
	claims["iss"] = "someone-else"
	_, err := auth.Authenticate(context.Background(), Credential{
		BearerToken: signToken(t, claims),
	})
	if gateway.KindOf(err) != gateway.KindAuthentication {
		t.Errorf("wrong issuer should be an authentication error, got %v", err)
	}
}

func TestAuthenticate_JWTExpired(t *testing.T) {
	store := &fakeStore{principals: map[string]*Principal{"user-1": {ID: "user-1"}}}
	auth := newTestAuthenticator(store)

	claims := validClaims("user-1")
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	_, err := auth.Authenticate(context.Background(), Credential{
		BearerToken: signToken(t, claims),
	})
	if gateway.KindOf(err) != gateway.KindAuthentication {
		t.Errorf("expired token should be an authentication error, got %v", err)
	}
}

func TestAuthenticate_JWTMissingExpiry(t *testing.T) {
	store := &fakeStore{principals: map[string]*Principal{"user-1": {ID: "user-1"}}}
	auth := newTestAuthenticator(store)

	claims := validClaims("user-1")
	delete(claims, "exp")
	_, err := auth.Authenticate(context.Background(), Credential{
		BearerToken: signToken(t, claims),
	})
	if err == nil {
		t.Error("tokens without exp must be rejected")
	}
}

func TestAuthenticate_JWTUnknownSubject(t *testing.T) {
	auth := newTestAuthenticator(&fakeStore{principals: map[string]*Principal{}})
	_, err := auth.Authenticate(context.Background(), Credential{
		BearerToken: signToken(t, validClaims("ghost")),
	})
	if gateway.KindOf(err) != gateway.KindAuthentication {
		t.Errorf("unknown subject should be an authentication error, got %v", err)
	}
}

func TestAuthenticate_ValidAPIKey(t *testing.T) {
	raw := "sk-test-12345"
	store := &fakeStore{
		principals: map[string]*Principal{"svc-1": {ID: "svc-1", Type: TypeService}},
		keys: map[string]*APIKey{
			HashKey(raw): {ID: "k1", Hash: HashKey(raw), PrincipalID: "svc-1"},
		},
	}
	auth := newTestAuthenticator(store)

	p, err := auth.Authenticate(context.Background(), Credential{APIKey: raw})
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if p.ID != "svc-1" {
		t.Errorf("principal ID = %q, want svc-1", p.ID)
	}
}

func TestAuthenticate_InvalidAPIKey(t *testing.T) {
	auth := newTestAuthenticator(&fakeStore{keys: map[string]*APIKey{}})
	_, err := auth.Authenticate(context.Background(), Credential{APIKey: "wrong"})
	if gateway.KindOf(err) != gateway.KindAuthentication {
		t.Errorf("invalid key should be an authentication error, got %v", err)
	}
}

func TestAuthenticate_RevokedAPIKey(t *testing.T) {
	raw := "sk-revoked"
	store := &fakeStore{
		principals: map[string]*Principal{"svc-1": {ID: "svc-1"}},
		keys: map[string]*APIKey{
			HashKey(raw): {Hash: HashKey(raw), PrincipalID: "svc-1", Revoked: true},
		},
	}
	auth := newTestAuthenticator(store)
	_, err := auth.Authenticate(context.Background(), Credential{APIKey: raw})
	if gateway.KindOf(err) != gateway.KindAuthentication {
		t.Errorf("revoked key should be an authentication error, got %v", err)
	}
}

func TestAuthenticate_ExpiredAPIKey(t *testing.T) {
	raw := "sk-expired"
	past := time.Now().Add(-time.Hour)
	store := &fakeStore{
		principals: map[string]*Principal{"svc-1": {ID: "svc-1"}},
		keys: map[string]*APIKey{
			HashKey(raw): {Hash: HashKey(raw), PrincipalID: "svc-1", ExpiresAt: &past},
		},
	}
	auth := newTestAuthenticator(store)
	_, err := auth.Authenticate(context.Background(), Credential{APIKey: raw})
	if gateway.KindOf(err) != gateway.KindAuthentication {
		t.Errorf("expired key should be an authentication error, got %v", err)
	}
}

func TestAuthenticate_RevokedPrincipal(t *testing.T) {
	raw := "sk-ok"
	revokedAt := time.Now().Add(-time.Minute)
	store := &fakeStore{
		principals: map[string]*Principal{
			"svc-1": {ID: "svc-1", RevokedAt: &revokedAt},
		},
		keys: map[string]*APIKey{
			HashKey(raw): {Hash: HashKey(raw), PrincipalID: "svc-1"},
		},
	}
	auth := newTestAuthenticator(store)
	_, err := auth.Authenticate(context.Background(), Credential{APIKey: raw})
	if gateway.KindOf(err) != gateway.KindAuthentication {
		t.Errorf("revoked principal should be an authentication error, got %v", err)
	}
}

func TestAuthenticate_Argon2idKey(t *testing.T) {
	raw := "sk-argon"
	hash, err := HashKeyArgon2id(raw)
	if err != nil {
		t.Fatalf("HashKeyArgon2id() error: %v", err)
	}
	store := &fakeStore{
		principals: map[string]*Principal{"svc-2": {ID: "svc-2"}},
		keys: map[string]*APIKey{
			hash: {Hash: hash, PrincipalID: "svc-2"},
		},
	}
	auth := newTestAuthenticator(store)

	p, err := auth.Authenticate(context.Background(), Credential{APIKey: raw})
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if p.ID != "svc-2" {
		t.Errorf("principal ID = %q, want svc-2", p.ID)
	}
}

func TestAuthenticate_StoreFailureIsInternal(t *testing.T) {
	auth := newTestAuthenticator(&fakeStore{failWith: errors.New("db down")})
	_, err := auth.Authenticate(context.Background(), Credential{APIKey: "any"})
	if gateway.KindOf(err) != gateway.KindInternal {
		t.Errorf("store failure should be internal, got %v", gateway.KindOf(err))
	}
}

func TestHashKey_Stable(t *testing.T) {
	if HashKey("abc") != HashKey("abc") {
		t.Error("HashKey must be deterministic")
	}
	if HashKey("abc") == HashKey("abd") {
		t.Error("different keys must hash differently")
	}
	if len(HashKey("abc")) != 64 {
		t.Errorf("HashKey length = %d, want 64 hex chars", len(HashKey("abc")))
	}
}
