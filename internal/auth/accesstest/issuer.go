// Package accesstest provides a fake Cloudflare Access issuer for tests.
//
// The issuer serves a JWKS at the Access certs path and mints RS256 tokens
// that verify against it:
//
//	old := accesstest.MustNewKey("old")
//	issuer := accesstest.NewIssuer("my-aud", old)
//	defer issuer.Close()
//	token := issuer.Token(old, "user@example.com")
package accesstest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// CertsPath is where Access publishes its signing keys.
const CertsPath = "/cdn-cgi/access/certs"

// Key is an RSA signing key with a key id.
type Key struct {
	ID      string
	private *rsa.PrivateKey
	signer  jose.Signer
}

// MustNewKey generates a 2048 bit RSA key. It panics on failure.
func MustNewKey(id string) *Key {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("accesstest: generating RSA key: " + err.Error())
	}
	signerOpts := (&jose.SignerOptions{}).WithType("JWT").WithHeader(jose.HeaderKey("kid"), id)
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       private,
	}, signerOpts)
	if err != nil {
		panic("accesstest: creating signer: " + err.Error())
	}
	return &Key{ID: id, private: private, signer: signer}
}

// Public returns the public half of the key as a JWK.
func (k *Key) Public() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.private.PublicKey,
		KeyID:     k.ID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// Claims is the payload of a minted token.
type Claims struct {
	jwt.Claims
	Email string `json:"email,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Sign serializes claims as a compact JWS signed with k.
func (k *Key) Sign(claims any) (string, error) {
	return jwt.Signed(k.signer).Claims(claims).Serialize()
}

// Issuer is a running fake Access team domain.
type Issuer struct {
	server   *httptest.Server
	audience string
	fetches  atomic.Int64

	mu           sync.Mutex
	keys         []*Key
	cacheControl string
	status       int
	body         string
	delay        time.Duration
}

// NewIssuer starts an issuer for audience publishing keys.
// Call Close when done.
func NewIssuer(audience string, keys ...*Key) *Issuer {
	i := &Issuer{
		audience:     audience,
		keys:         keys,
		cacheControl: "max-age=3600",
		status:       http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(CertsPath, i.serveCerts)
	i.server = httptest.NewServer(mux)
	return i
}

// CertsURL returns the URL of the JWKS document.
func (i *Issuer) CertsURL() string {
	return i.server.URL + CertsPath
}

// Audience returns the audience minted tokens carry.
func (i *Issuer) Audience() string {
	return i.audience
}

// Fetches returns how many times the certs document was requested.
func (i *Issuer) Fetches() int64 {
	return i.fetches.Load()
}

// SetKeys replaces the published keys.
func (i *Issuer) SetKeys(keys ...*Key) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys = keys
}

// SetCacheControl sets the Cache-Control header; empty omits it.
func (i *Issuer) SetCacheControl(value string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cacheControl = value
}

// SetStatus makes the certs endpoint answer with code and an empty body
// when code is not 200.
func (i *Issuer) SetStatus(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = code
}

// SetBody serves body verbatim instead of the key set. Empty restores
// the key set.
func (i *Issuer) SetBody(body string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.body = body
}

// SetDelay makes the certs endpoint wait before answering.
func (i *Issuer) SetDelay(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.delay = d
}

// Close shuts down the server.
func (i *Issuer) Close() {
	i.server.Close()
}

func (i *Issuer) serveCerts(w http.ResponseWriter, r *http.Request) {
	i.fetches.Add(1)

	i.mu.Lock()
	keys := append([]*Key(nil), i.keys...)
	cacheControl, status, body, delay := i.cacheControl, i.status, i.body, i.delay
	i.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}
	w.Header().Set("Content-Type", "application/json")
	if body != "" {
		_, _ = w.Write([]byte(body))
		return
	}
	jwks := jose.JSONWebKeySet{}
	for _, k := range keys {
		jwks.Keys = append(jwks.Keys, k.Public())
	}
	_ = json.NewEncoder(w).Encode(jwks)
}

// Token mints a token for email signed with key, valid for an hour.
// Options run on the claims before signing.
func (i *Issuer) Token(key *Key, email string, opts ...func(*Claims)) string {
	now := time.Now()
	claims := &Claims{
		Claims: jwt.Claims{
			ID:        uuid.New().String(),
			Issuer:    i.server.URL,
			Subject:   uuid.New().String(),
			Audience:  jwt.Audience{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email: email,
		Type:  "app",
	}
	for _, opt := range opts {
		opt(claims)
	}
	token, err := key.Sign(claims)
	if err != nil {
		panic("accesstest: signing token: " + err.Error())
	}
	return token
}

// Expired moves the expiry an hour into the past.
func Expired(c *Claims) {
	past := time.Now().Add(-time.Hour)
	c.IssuedAt = jwt.NewNumericDate(past.Add(-time.Hour))
	c.NotBefore = c.IssuedAt
	c.Expiry = jwt.NewNumericDate(past)
}

// WithAudience replaces the audience.
func WithAudience(aud ...string) func(*Claims) {
	return func(c *Claims) {
		c.Audience = jwt.Audience(aud)
	}
}

// NotYetValid moves not-before an hour into the future.
func NotYetValid(c *Claims) {
	c.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))
}

// NoExpiry drops the exp claim.
func NoExpiry(c *Claims) {
	c.Expiry = nil
}
