// keyset.go - process-lifetime cache of Access signing keys.

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/m-lab/access-images/metrics"
)

// KeyFetcher defines the interface for retrieving a key set and its
// lifetime from a certs URL.
type KeyFetcher interface {
	Fetch(ctx context.Context, url string) ([]jose.JSONWebKey, time.Duration, error)
}

// KeyRetrievalError is returned by [*KeySetCache.Keys] when the keys for
// an issuer cannot be produced.
type KeyRetrievalError struct {
	URL string

	// Stale is true when an expired entry existed but could not be
	// refreshed. The cache does not serve it.
	Stale bool

	Err error
}

func (e *KeyRetrievalError) Error() string {
	if e.Stale {
		return fmt.Sprintf("refreshing expired keys for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("retrieving keys for %s: %v", e.URL, e.Err)
}

func (e *KeyRetrievalError) Unwrap() error { return e.Err }

// keySet is an immutable cache entry. It is replaced, never mutated, so
// keys and expiresAt always belong together.
type keySet struct {
	keys      []jose.JSONWebKey
	expiresAt time.Time
}

// KeySetCache holds the trusted signing keys per certs URL and refreshes
// them lazily once they expire.
//
// This type is thread safe. Concurrent refreshes of the same URL share a
// single fetch.
type KeySetCache struct {
	fetcher KeyFetcher
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*keySet

	group singleflight.Group
}

// NewKeySetCache creates a new [*KeySetCache] backed by fetcher.
func NewKeySetCache(fetcher KeyFetcher) *KeySetCache {
	return &KeySetCache{
		fetcher: fetcher,
		now:     time.Now,
		entries: make(map[string]*keySet),
	}
}

// Keys returns the signing keys for url. Unexpired entries are returned
// without any I/O. Otherwise the keys are fetched and the entry replaced.
//
// A failed refresh never falls back to an expired entry.
func (c *KeySetCache) Keys(ctx context.Context, url string) ([]jose.JSONWebKey, error) {
	if entry, ok := c.lookup(url); ok && c.now().Before(entry.expiresAt) {
		return entry.keys, nil
	}

	ch := c.group.DoChan(url, func() (any, error) {
		return c.refresh(url)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySet).keys, nil
	case <-ctx.Done():
		return nil, &KeyRetrievalError{URL: url, Stale: c.hasEntry(url), Err: ctx.Err()}
	}
}

// refresh runs at most once per url at a time. The fetch does not inherit
// a caller's context, so an abandoned request cannot cut it short for the
// others; it is still bounded by [FetchTimeout].
func (c *KeySetCache) refresh(url string) (*keySet, error) {
	prev, hadPrev := c.lookup(url)
	if hadPrev && c.now().Before(prev.expiresAt) {
		return prev, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), FetchTimeout)
	defer cancel()

	keys, ttl, err := c.fetcher.Fetch(ctx, url)
	if err == nil && len(keys) == 0 {
		err = ErrFetch
	}
	if err != nil {
		metrics.KeyFetchesTotal.WithLabelValues("error").Inc()
		return nil, &KeyRetrievalError{URL: url, Stale: hadPrev, Err: err}
	}
	metrics.KeyFetchesTotal.WithLabelValues("ok").Inc()

	entry := &keySet{
		keys:      keys,
		expiresAt: c.now().Add(ttl),
	}
	c.mu.Lock()
	c.entries[url] = entry
	c.mu.Unlock()
	return entry, nil
}

func (c *KeySetCache) lookup(url string) (*keySet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[url]
	return entry, ok
}

func (c *KeySetCache) hasEntry(url string) bool {
	_, ok := c.lookup(url)
	return ok
}
