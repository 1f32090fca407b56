// allowlist.go - restrict routes to a set of email addresses.

package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// AllowList is a JSON file holding the email addresses allowed to post.
// The file is read on every call so edits apply without a restart.
type AllowList struct {
	path string
}

// NewAllowList creates a new [*AllowList] reading from path.
func NewAllowList(path string) *AllowList {
	return &AllowList{path: path}
}

// Load reads the file and returns its emails as a set.
func (a *AllowList) Load() (map[string]struct{}, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allow-list %s: %w", a.path, err)
	}
	var emails []string
	if err := json.Unmarshal(data, &emails); err != nil {
		return nil, fmt.Errorf("failed to parse allow-list %s: %w", a.path, err)
	}
	set := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		set[email] = struct{}{}
	}
	return set, nil
}

// Allows reports whether email is listed. An empty email is never allowed,
// but the list is still read so an unreadable file is always reported.
func (a *AllowList) Allows(email string) (bool, error) {
	set, err := a.Load()
	if err != nil {
		return false, err
	}
	if email == "" {
		return false, nil
	}
	_, ok := set[email]
	return ok, nil
}

// RequireAllowedEmail wraps next so it only runs for callers whose
// verified email is on the list.
func RequireAllowedEmail(list *AllowList) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || claims.Email == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			allowed, err := list.Allows(claims.Email)
			if err != nil {
				slog.Error("Cannot load allow-list", "err", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
