// fetch.go - retrieve the Cloudflare Access signing keys.

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const (
	// DefaultKeyLifetime is how long a key set is trusted when the certs
	// response carries no usable max-age. Cloudflare uses the same default.
	DefaultKeyLifetime = 4 * time.Hour

	// FetchTimeout bounds a single certs request.
	FetchTimeout = 5 * time.Second

	// maxCertsBody limits how much of the certs response we read.
	maxCertsBody = 1 << 20
)

// ErrFetch is returned when the certs document cannot be retrieved or
// contains no usable signing keys.
var ErrFetch = errors.New("failed to fetch access certs")

// CertsURL returns the Access certs endpoint for a team domain.
func CertsURL(teamDomain string) string {
	return "https://" + teamDomain + "/cdn-cgi/access/certs"
}

// Fetcher downloads a JSON Web Key Set and derives its cache lifetime.
type Fetcher struct {
	client     *http.Client
	defaultTTL time.Duration
}

// NewFetcher creates a new [*Fetcher]. A nil client gets one with
// [FetchTimeout]; a non-positive defaultTTL becomes [DefaultKeyLifetime].
func NewFetcher(client *http.Client, defaultTTL time.Duration) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: FetchTimeout}
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultKeyLifetime
	}
	return &Fetcher{
		client:     client,
		defaultTTL: defaultTTL,
	}
}

// certsDocument is the subset of the certs response we care about. Keys
// are decoded one by one so a single bad entry does not spoil the set.
type certsDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

// Fetch issues a single GET to url and returns the RSA signing keys it
// lists together with the lifetime advertised by Cache-Control.
//
// There is no retry: any failure is reported as [ErrFetch].
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]jose.JSONWebKey, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, fmt.Errorf("%w: unexpected status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertsBody))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading body: %v", ErrFetch, err)
	}

	var doc certsDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, fmt.Errorf("%w: malformed key set: %v", ErrFetch, err)
	}

	keys := parseSigningKeys(doc.Keys)
	if len(keys) == 0 {
		return nil, 0, fmt.Errorf("%w: key set has no usable keys", ErrFetch)
	}

	ttl := f.defaultTTL
	if maxAge, ok := parseMaxAge(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}
	return keys, ttl, nil
}

// parseSigningKeys keeps the entries that decode as public RSA
// signature keys and silently drops everything else.
func parseSigningKeys(raw []json.RawMessage) []jose.JSONWebKey {
	keys := make([]jose.JSONWebKey, 0, len(raw))
	for _, entry := range raw {
		var key jose.JSONWebKey
		if err := json.Unmarshal(entry, &key); err != nil {
			continue
		}
		if !key.Valid() || !key.IsPublic() {
			continue
		}
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		if _, ok := key.Key.(*rsa.PublicKey); !ok {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// parseMaxAge extracts the max-age directive from a Cache-Control header.
// The boolean is false when the header has no well-formed max-age.
func parseMaxAge(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || seconds < 0 {
			continue
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
