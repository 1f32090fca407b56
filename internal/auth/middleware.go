// middleware.go - require a Cloudflare Access identity on HTTP requests.

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/m-lab/access-images/metrics"
)

// CookieName is the cookie Cloudflare Access sets on authenticated users.
const CookieName = "CF_Authorization"

// TokenVerifier defines the interface for turning a raw token into claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

type claimsKey struct{}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims attached by [RequireAccess].
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// AccessOptions configures [RequireAccess].
type AccessOptions struct {
	// Disabled lets every request through without claims.
	Disabled bool

	// ExcludePaths are served without authentication.
	ExcludePaths []string
}

// RequireAccess wraps next so it only sees requests with a valid
// CF_Authorization cookie. Clients only ever learn "Unauthorized" or
// "Internal Server Error"; the cause is logged.
func RequireAccess(verifier TokenVerifier, opts AccessOptions) func(http.Handler) http.Handler {
	excluded := make(map[string]struct{}, len(opts.ExcludePaths))
	for _, p := range opts.ExcludePaths {
		excluded[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := excluded[r.URL.Path]; skip || opts.Disabled {
				next.ServeHTTP(w, r)
				return
			}

			var token string
			if cookie, err := r.Cookie(CookieName); err == nil {
				token = cookie.Value
			}
			if token == "" {
				metrics.AccessChecksTotal.WithLabelValues("missing").Inc()
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeAccessError(w, r, err)
				return
			}
			metrics.AccessChecksTotal.WithLabelValues("ok").Inc()
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func writeAccessError(w http.ResponseWriter, r *http.Request, err error) {
	var retrieval *KeyRetrievalError
	switch {
	case errors.As(err, &retrieval) && !retrieval.Stale:
		metrics.AccessChecksTotal.WithLabelValues("unavailable").Inc()
		slog.Error("Access keys unavailable", "path", r.URL.Path, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	case errors.Is(err, ErrMissingToken):
		metrics.AccessChecksTotal.WithLabelValues("missing").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	default:
		metrics.AccessChecksTotal.WithLabelValues("invalid").Inc()
		slog.Warn("Rejected access token", "path", r.URL.Path, "err", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
}
