package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/m-lab/access-images/internal/auth"
	"github.com/stretchr/testify/assert"
)

type mockEmailAllower struct {
	allowed map[string]bool
	err     error
}

var _ EmailAllower = &mockEmailAllower{}

func (m *mockEmailAllower) Allows(email string) (bool, error) {
	return m.allowed[email], m.err
}

func TestIndexHandler_ServeIndex(t *testing.T) {
	tests := []struct {
		name        string
		email       string
		cookie      string
		allowErr    error
		wantStatus  int
		wantContain []string
		wantMissing []string
	}{
		{
			name:        "allowed",
			email:       "alice@example.com",
			cookie:      "token-value",
			wantStatus:  http.StatusOK,
			wantContain: []string{"alice@example.com", "<form id=\"upload\">", "token-value"},
		},
		{
			name:        "not allowed",
			email:       "bob@example.com",
			wantStatus:  http.StatusOK,
			wantContain: []string{"bob@example.com", "not allowed to upload"},
			wantMissing: []string{"<form id=\"upload\">", "API token"},
		},
		{
			name:        "anonymous",
			wantStatus:  http.StatusOK,
			wantContain: []string{"Not signed in."},
		},
		{
			name:       "allow-list error",
			email:      "alice@example.com",
			allowErr:   errTest,
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			allow := &mockEmailAllower{
				allowed: map[string]bool{"alice@example.com": true},
				err:     tc.allowErr,
			}
			h := NewIndexHandler(allow)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.email != "" {
				claims := &auth.Claims{Email: tc.email}
				req = req.WithContext(auth.WithClaims(req.Context(), claims))
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: tc.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeIndex(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus != http.StatusOK {
				return
			}
			assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
			for _, s := range tc.wantContain {
				assert.Contains(t, rec.Body.String(), s)
			}
			for _, s := range tc.wantMissing {
				assert.NotContains(t, rec.Body.String(), s)
			}
		})
	}
}

func TestIndexHandler_EscapesEmail(t *testing.T) {
	h := NewIndexHandler(&mockEmailAllower{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{Email: "<script>x</script>"}))
	rec := httptest.NewRecorder()

	h.ServeIndex(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<script>x</script>")
	assert.Contains(t, rec.Body.String(), "&lt;script&gt;")
}

func TestIndexHandler_AnonymousWithUnreadableAllowList(t *testing.T) {
	h := NewIndexHandler(auth.NewAllowList("/non/existent/allowlist.json"))
	rec := httptest.NewRecorder()

	h.ServeIndex(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error\n", rec.Body.String())
}
