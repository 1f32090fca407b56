// images.go - upload, serve and list images.

package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/m-lab/access-images/internal/imaging"
	"github.com/m-lab/access-images/store"
)

// imageCacheControl lets browsers and CDNs keep images for 30 days and
// serve them stale for another 14 while revalidating.
const imageCacheControl = "public, max-age=2592000, stale-while-revalidate=1209600"

// BlobStore stores image bytes by path.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (*store.Object, error)
	List(ctx context.Context, continuationToken string) ([]string, string, error)
}

// VariantCache keeps resized images by image path and variant.
type VariantCache interface {
	Get(ctx context.Context, path, variant string) ([]byte, string, bool, error)
	Put(ctx context.Context, path, variant string, data []byte, contentType string) error
	Invalidate(ctx context.Context, path string) error
}

// ImagesHandler serves the /images endpoints.
type ImagesHandler struct {
	blobs    BlobStore
	index    store.Index
	variants VariantCache
	host     string
	maxSize  int
	validate *validator.Validate
}

// UploadRequest is the payload of POST /images.
type UploadRequest struct {
	Image   string `json:"image" validate:"required"`
	Project string `json:"project" validate:"required,excludesall=/,ne=.,ne=.."`
	Key     string `json:"key" validate:"required,excludesall=/,ne=.,ne=.."`
}

// UploadResponse describes the stored image.
type UploadResponse struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int    `json:"size"`
}

// ListResponse is one page of image URLs.
type ListResponse struct {
	Images                []string `json:"images"`
	NextContinuationToken string   `json:"nextContinuationToken"`
}

// NewImagesHandler creates a new [*ImagesHandler]. Returned URLs are
// prefixed with host. A nil variants disables caching of resized images.
func NewImagesHandler(blobs BlobStore, index store.Index, variants VariantCache, host string, maxSize int) *ImagesHandler {
	return &ImagesHandler{
		blobs:    blobs,
		index:    index,
		variants: variants,
		host:     strings.TrimSuffix(host, "/"),
		maxSize:  maxSize,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *ImagesHandler) imageURL(path string) string {
	return h.host + "/images/" + path
}

// Upload handles POST /images.
func (h *ImagesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxSize > 0 {
		// Base64 inflates by 4/3; leave room for the rest of the JSON.
		limit := int64(h.maxSize)/3*4 + 64*1024
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Image too large", http.StatusBadRequest)
			return
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Image))
	if err != nil {
		http.Error(w, "Invalid base64 or image format", http.StatusBadRequest)
		return
	}
	info, err := imaging.Inspect(data, h.maxSize)
	switch {
	case errors.Is(err, imaging.ErrTooLarge):
		http.Error(w, "Image too large", http.StatusBadRequest)
		return
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		http.Error(w, "Unsupported image format", http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "Invalid base64 or image format", http.StatusBadRequest)
		return
	}
	slog.Debug("Image inspected", "project", req.Project, "key", req.Key,
		"format", info.Format, "width", info.Width, "height", info.Height, "size", info.Size)

	path := req.Project + "/" + req.Key + "." + info.Format
	if err := h.blobs.Put(r.Context(), path, data, info.MIME); err != nil {
		slog.Error("Failed to upload image", "path", path, "err", err)
		http.Error(w, "Failed to upload image", http.StatusInternalServerError)
		return
	}
	if h.variants != nil {
		if err := h.variants.Invalidate(r.Context(), path); err != nil {
			slog.Error("Failed to drop resized variants", "path", path, "err", err)
		}
	}

	img := &store.Image{
		Project: req.Project,
		Key:     req.Key,
		Width:   info.Width,
		Height:  info.Height,
		Size:    info.Size,
		Format:  info.Format,
		Path:    path,
	}
	if err := h.index.Upsert(r.Context(), img); err != nil {
		slog.Error("Failed to index image", "path", path, "err", err)
		http.Error(w, "Failed to index image", http.StatusInternalServerError)
		return
	}

	resp := UploadResponse{
		URL:    h.imageURL(path),
		Width:  info.Width,
		Height: info.Height,
		Size:   info.Size,
	}
	writeJSON(w, resp)
}

// Serve handles GET /images/{project}/{filename}. The optional w and h
// query parameters return a resized variant.
func (h *ImagesHandler) Serve(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	filename := r.PathValue("filename")

	dot := strings.LastIndex(filename, ".")
	if dot <= 0 || dot == len(filename)-1 {
		http.Error(w, "Filename must include extension", http.StatusBadRequest)
		return
	}
	format := imaging.NormalizeFormat(filename[dot+1:])
	if !imaging.Supported(format) {
		http.Error(w, "Unsupported format requested", http.StatusBadRequest)
		return
	}
	path := project + "/" + filename[:dot] + "." + format

	width, height, resize, err := parseDimensions(r)
	if err != nil {
		http.Error(w, "Invalid dimensions", http.StatusBadRequest)
		return
	}

	if resize {
		variant := "w=" + strconv.Itoa(width) + "&h=" + strconv.Itoa(height)
		if h.serveCachedVariant(w, r, path, variant) {
			return
		}
		h.serveVariant(w, r, path, variant, width, height)
		return
	}

	obj, err := h.blobs.Get(r.Context(), path)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to get image", "path", path, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer obj.Body.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = imaging.ContentType(format)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", imageCacheControl)
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	if _, err := io.Copy(w, obj.Body); err != nil {
		slog.Debug("Image stream interrupted", "path", path, "err", err)
	}
}

func (h *ImagesHandler) serveCachedVariant(w http.ResponseWriter, r *http.Request, path, variant string) bool {
	if h.variants == nil {
		return false
	}
	data, contentType, ok, err := h.variants.Get(r.Context(), path, variant)
	if err != nil {
		slog.Warn("Variant cache lookup failed", "path", path, "variant", variant, "err", err)
		return false
	}
	if !ok {
		return false
	}
	writeImage(w, data, contentType)
	return true
}

func (h *ImagesHandler) serveVariant(w http.ResponseWriter, r *http.Request, path, variant string, width, height int) {
	obj, err := h.blobs.Get(r.Context(), path)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to get image", "path", path, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer obj.Body.Close()

	original, err := io.ReadAll(obj.Body)
	if err != nil {
		slog.Error("Failed to read image", "path", path, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data, contentType, err := imaging.Resize(original, width, height)
	if errors.Is(err, imaging.ErrTooLarge) {
		slog.Warn("Refusing to resize image", "path", path, "err", err)
		http.Error(w, "Image too large to resize", http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("Failed to resize image", "path", path, "err", err)
		http.Error(w, "Failed to resize image", http.StatusInternalServerError)
		return
	}
	if h.variants != nil {
		if err := h.variants.Put(r.Context(), path, variant, data, contentType); err != nil {
			slog.Warn("Variant cache store failed", "path", path, "variant", variant, "err", err)
		}
	}
	writeImage(w, data, contentType)
}

// parseDimensions reads the w and h query parameters. The boolean is
// false when neither is present.
func parseDimensions(r *http.Request) (int, int, bool, error) {
	q := r.URL.Query()
	ws, hs := q.Get("w"), q.Get("h")
	if ws == "" && hs == "" {
		return 0, 0, false, nil
	}
	width, err := parseDimension(ws)
	if err != nil {
		return 0, 0, false, err
	}
	height, err := parseDimension(hs)
	if err != nil {
		return 0, 0, false, err
	}
	if width == 0 && height == 0 {
		return 0, 0, false, imaging.ErrBadDimensions
	}
	return width, height, true, nil
}

func parseDimension(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > imaging.MaxDimension {
		return 0, imaging.ErrBadDimensions
	}
	return v, nil
}

// List handles GET /images.
func (h *ImagesHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, next, err := h.blobs.List(r.Context(), r.URL.Query().Get("continuation_token"))
	if err != nil {
		slog.Error("Failed to list images", "err", err)
		http.Error(w, "Failed to list images", http.StatusInternalServerError)
		return
	}
	resp := ListResponse{
		Images:                make([]string, 0, len(keys)),
		NextContinuationToken: next,
	}
	for _, key := range keys {
		resp.Images = append(resp.Images, h.imageURL(key))
	}
	writeJSON(w, resp)
}

func writeImage(w http.ResponseWriter, data []byte, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", imageCacheControl)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		slog.Debug("Image write interrupted", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "err", err)
	}
}
