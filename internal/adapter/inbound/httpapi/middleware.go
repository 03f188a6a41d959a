package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/principal"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	rateIdentKey contextKey = "rate_identifier"
	clientIPKey  contextKey = "client_ip"
	requestIDKey contextKey = "request_id"
)

// csrfCookieName is the double-submit cookie holding the CSRF token.
const csrfCookieName = "csrf_token"

// csrfTokenMinLen is the minimum accepted token length in bytes.
const csrfTokenMinLen = 32

// rateIdentifier is the bucket identity a request is limited under.
type rateIdentifier struct {
	Kind  ratelimit.IdentifierKind
	Value string
}

// RequestIDMiddleware extracts or generates a request ID, echoes it on the
// response, and stores it in context for audit correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the correlation id set by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RealIPMiddleware extracts the client's real IP for rate limiting and
// audit. Only the first X-Forwarded-For entry is trusted.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIPFromContext returns the IP set by RealIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// SecurityHeadersMiddleware sets the baseline security headers on every
// response.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// CSRFMiddleware implements the double-submit cookie pattern.
//
// Safe methods receive a csrf_token cookie when missing. State-changing
// methods must present an X-CSRF-Token header equal to the cookie; both
// values must be at least 32 bytes and the comparison is constant-time.
// Requests authenticated by Authorization or X-API-Key header carry no
// browser session, so the cookie check does not apply to them.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			ensureCSRFCookie(w, r)
			next.ServeHTTP(w, r)
			return
		}

		if r.Header.Get("Authorization") != "" || r.Header.Get("X-API-Key") != "" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || len(cookie.Value) < csrfTokenMinLen {
			writeError(w, gateway.New(gateway.KindAuthentication, "CSRF token invalid"))
			return
		}
		header := r.Header.Get("X-CSRF-Token")
		if len(header) < csrfTokenMinLen ||
			subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
			writeError(w, gateway.New(gateway.KindAuthentication, "CSRF token invalid"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ensureCSRFCookie(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(csrfCookieName); err == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    generateCSRFToken(),
		Path:     "/",
		HttpOnly: false, // the client must read it to echo the header
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   86400,
	})
}

// generateCSRFToken returns a 32-byte random URL-safe token.
func generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", 43)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// AuthMiddleware resolves the request credential to a principal and picks
// the rate-limit identifier under the precedence api_key > principal >
// token hash > client IP.
func AuthMiddleware(auth *principal.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ident := extractCredential(r)
			if cred.BearerToken == "" && cred.APIKey == "" {
				writeError(w, gateway.New(gateway.KindAuthentication, "missing credential"))
				return
			}

			p, err := auth.Authenticate(r.Context(), cred)
			if err != nil {
				logger.Debug("authentication rejected", "error", err)
				writeError(w, err)
				return
			}

			if ident.Kind == ratelimit.KindTokenHash && p.ID != "" {
				// A resolved token maps to its principal bucket.
				ident = rateIdentifier{Kind: ratelimit.KindPrincipal, Value: p.ID}
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			ctx = context.WithValue(ctx, rateIdentKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractCredential reads the Authorization bearer token or X-API-Key
// header. The returned identifier never contains raw secret material.
func extractCredential(r *http.Request) (principal.Credential, rateIdentifier) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return principal.Credential{APIKey: key},
			rateIdentifier{Kind: ratelimit.KindAPIKey, Value: principal.HashKey(key)}
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		return principal.Credential{BearerToken: token},
			rateIdentifier{Kind: ratelimit.KindTokenHash, Value: principal.HashKey(token)}
	}
	return principal.Credential{}, rateIdentifier{Kind: ratelimit.KindClientIP}
}

// PrincipalFromContext returns the authenticated principal.
func PrincipalFromContext(ctx context.Context) *principal.Principal {
	p, _ := ctx.Value(principalKey).(*principal.Principal)
	return p
}

func rateIdentifierFromContext(ctx context.Context) rateIdentifier {
	ident, _ := ctx.Value(rateIdentKey).(rateIdentifier)
	if ident.Kind == ratelimit.KindClientIP || ident.Value == "" {
		if ip := ClientIPFromContext(ctx); ip != "" {
			return rateIdentifier{Kind: ratelimit.KindClientIP, Value: ip}
		}
	}
	return ident
}
