// verify.go - validate Cloudflare Access tokens.

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("missing access token")

	// ErrInvalidToken is returned when the token is malformed, expired,
	// issued for another audience, or signed by none of the trusted keys.
	ErrInvalidToken = errors.New("invalid access token")
)

// supportedAlgorithms lists the signature algorithms Access uses.
var supportedAlgorithms = []jose.SignatureAlgorithm{jose.RS256}

// Claims is the verified content of an Access token.
type Claims struct {
	jwt.Claims
	Email         string `json:"email"`
	Type          string `json:"type"`
	IdentityNonce string `json:"identity_nonce"`
	Country       string `json:"country"`

	// Raw holds every claim of the token by name.
	Raw map[string]any `json:"-"`
}

// VerifyToken checks token against each key in order and returns the
// claims from the first key that validates signature, time claims and
// audience. Keys are not selected by kid: during rotation the cache may
// briefly lack the advertised key id while still holding a valid key.
func VerifyToken(token, audience string, keys []jose.JSONWebKey, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if audience == "" {
		return nil, fmt.Errorf("%w: no audience configured", ErrInvalidToken)
	}

	parsed, err := jwt.ParseSigned(token, supportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	expected := jwt.Expected{
		AnyAudience: jwt.Audience{audience},
		Time:        now,
	}

	lastErr := errors.New("no signing keys")
	for _, key := range keys {
		claims := &Claims{}
		raw := map[string]any{}
		if err := parsed.Claims(key.Key, claims, &raw); err != nil {
			lastErr = err
			continue
		}
		if claims.Expiry == nil {
			lastErr = errors.New("token has no expiry")
			continue
		}
		if err := claims.ValidateWithLeeway(expected, 0); err != nil {
			lastErr = err
			continue
		}
		claims.Raw = raw
		return claims, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
}

// KeySource defines the interface for obtaining the current signing keys.
type KeySource interface {
	Keys(ctx context.Context, url string) ([]jose.JSONWebKey, error)
}

// Verifier authenticates Access tokens for one application audience.
type Verifier struct {
	keys     KeySource
	certsURL string
	audience string
	now      func() time.Time
}

// NewVerifier creates a new [*Verifier]. An empty certsURL or audience is
// rejected: without an audience any Access application could sign in.
func NewVerifier(keys KeySource, certsURL, audience string) (*Verifier, error) {
	if certsURL == "" {
		return nil, errors.New("auth: certs URL is required")
	}
	if audience == "" {
		return nil, errors.New("auth: policy audience is required")
	}
	return &Verifier{
		keys:     keys,
		certsURL: certsURL,
		audience: audience,
		now:      time.Now,
	}, nil
}

// Verify returns the claims of token. Key retrieval failures are returned
// as [*KeyRetrievalError]; everything else wraps [ErrMissingToken] or
// [ErrInvalidToken].
//
// This method is thread safe.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	keys, err := v.keys.Keys(ctx, v.certsURL)
	if err != nil {
		return nil, err
	}
	return VerifyToken(token, v.audience, keys, v.now())
}
