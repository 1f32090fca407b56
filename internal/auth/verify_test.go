package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/access-images/internal/auth/accesstest"
)

const testAudience = "4714c1358e65fe4b408ad6d432a5f878f08194bdb4752441fd56faefa9b2b6f2"

func TestVerifyToken(t *testing.T) {
	old := accesstest.MustNewKey("old")
	current := accesstest.MustNewKey("current")
	stranger := accesstest.MustNewKey("stranger")

	issuer := accesstest.NewIssuer(testAudience, old, current)
	defer issuer.Close()

	tests := []struct {
		name      string
		token     string
		keys      []jose.JSONWebKey
		wantErr   error
		wantEmail string
	}{
		{
			name:      "signed by the only key",
			token:     issuer.Token(current, "user@example.com"),
			keys:      publicKeys(current),
			wantEmail: "user@example.com",
		},
		{
			name:      "rotation: signed by the second key tried",
			token:     issuer.Token(old, "user@example.com"),
			keys:      publicKeys(current, old),
			wantEmail: "user@example.com",
		},
		{
			name:      "rotation: signed by the first key tried",
			token:     issuer.Token(old, "user@example.com"),
			keys:      publicKeys(old, current),
			wantEmail: "user@example.com",
		},
		{
			name:    "signed by an unknown key",
			token:   issuer.Token(stranger, "user@example.com"),
			keys:    publicKeys(old, current),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "expired",
			token:   issuer.Token(current, "user@example.com", accesstest.Expired),
			keys:    publicKeys(current),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "not yet valid",
			token:   issuer.Token(current, "user@example.com", accesstest.NotYetValid),
			keys:    publicKeys(current),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no expiry",
			token:   issuer.Token(current, "user@example.com", accesstest.NoExpiry),
			keys:    publicKeys(current),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong audience",
			token:   issuer.Token(current, "user@example.com", accesstest.WithAudience("another-app")),
			keys:    publicKeys(current),
			wantErr: ErrInvalidToken,
		},
		{
			name:      "audience among several",
			token:     issuer.Token(current, "user@example.com", accesstest.WithAudience("another-app", testAudience)),
			keys:      publicKeys(current),
			wantEmail: "user@example.com",
		},
		{
			name:    "malformed",
			token:   "not-a-jwt",
			keys:    publicKeys(current),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no keys",
			token:   issuer.Token(current, "user@example.com"),
			keys:    nil,
			wantErr: ErrInvalidToken,
		},
		{
			name:    "missing",
			token:   "",
			keys:    publicKeys(current),
			wantErr: ErrMissingToken,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := VerifyToken(tc.token, testAudience, tc.keys, time.Now())

			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantEmail, claims.Email)
			assert.Equal(t, "app", claims.Type)
			assert.NotEmpty(t, claims.Subject)
			assert.Equal(t, tc.wantEmail, claims.Raw["email"])
		})
	}
}

func TestVerifyToken_EmptyAudience(t *testing.T) {
	key := accesstest.MustNewKey("k")
	issuer := accesstest.NewIssuer("", key)
	defer issuer.Close()

	_, err := VerifyToken(issuer.Token(key, "user@example.com"), "", publicKeys(key), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestVerifyToken_RejectsOtherAlgorithms(t *testing.T) {
	// HS256 with a key an attacker could guess must never be accepted.
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")}, nil)
	require.NoError(t, err)
	object, err := signer.Sign([]byte(`{"aud":"` + testAudience + `","exp":9999999999,"email":"x@example.com"}`))
	require.NoError(t, err)
	token, err := object.CompactSerialize()
	require.NoError(t, err)

	_, err = VerifyToken(token, testAudience, publicKeys(accesstest.MustNewKey("k")), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestNewVerifier(t *testing.T) {
	cache := NewKeySetCache(NewFetcher(nil, 0))

	_, err := NewVerifier(cache, "", testAudience)
	assert.Error(t, err)
	_, err = NewVerifier(cache, testCertsURL, "")
	assert.Error(t, err)
	v, err := NewVerifier(cache, testCertsURL, testAudience)
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestVerifier_Verify(t *testing.T) {
	old := accesstest.MustNewKey("old")
	current := accesstest.MustNewKey("current")
	issuer := accesstest.NewIssuer(testAudience, current, old)
	defer issuer.Close()

	cache := NewKeySetCache(NewFetcher(nil, 0))
	v, err := NewVerifier(cache, issuer.CertsURL(), testAudience)
	require.NoError(t, err)
	ctx := context.Background()

	claims, err := v.Verify(ctx, issuer.Token(old, "user@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", claims.Email)

	// The warm cache serves the next request without a fetch.
	_, err = v.Verify(ctx, issuer.Token(current, "other@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), issuer.Fetches())

	_, err = v.Verify(ctx, "")
	assert.True(t, errors.Is(err, ErrMissingToken))
	assert.Equal(t, int64(1), issuer.Fetches())
}

func TestVerifier_VerifyKeysUnavailable(t *testing.T) {
	key := accesstest.MustNewKey("k")
	issuer := accesstest.NewIssuer(testAudience, key)
	defer issuer.Close()
	issuer.SetBody(`{"keys": []}`)

	v, err := NewVerifier(NewKeySetCache(NewFetcher(nil, 0)), issuer.CertsURL(), testAudience)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), issuer.Token(key, "user@example.com"))
	require.Error(t, err)
	var retrieval *KeyRetrievalError
	require.True(t, errors.As(err, &retrieval))
	assert.False(t, retrieval.Stale)
	assert.False(t, errors.Is(err, ErrInvalidToken))
}
