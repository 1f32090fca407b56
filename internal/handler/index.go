// index.go - landing page.

package handler

import (
	"bytes"
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/m-lab/access-images/internal/auth"
)

//go:embed templates/index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

// EmailAllower reports whether an email may upload images.
type EmailAllower interface {
	Allows(email string) (bool, error)
}

// IndexHandler renders the landing page.
type IndexHandler struct {
	allow EmailAllower
}

type indexPage struct {
	Email         string
	AuthCookie    string
	AllowedToPost bool
}

// NewIndexHandler creates a new [*IndexHandler].
func NewIndexHandler(allow EmailAllower) *IndexHandler {
	return &IndexHandler{allow: allow}
}

// ServeIndex handles GET /.
func (h *IndexHandler) ServeIndex(w http.ResponseWriter, r *http.Request) {
	var page indexPage
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		page.Email = claims.Email
	}
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		page.AuthCookie = cookie.Value
	}
	allowed, err := h.allow.Allows(page.Email)
	if err != nil {
		slog.Error("Cannot load allow-list", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	page.AllowedToPost = allowed

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page); err != nil {
		slog.Error("Error rendering index page", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("Index page write interrupted", "err", err)
	}
}
