// Package imaging inspects uploaded images and produces resized variants.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "github.com/gen2brain/avif" // registers the avif decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // registers the webp decoder
)

var (
	// ErrInvalidImage is returned when the bytes are not a decodable image.
	ErrInvalidImage = errors.New("invalid image")

	// ErrUnsupportedFormat is returned for images outside [Formats].
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrTooLarge is returned when the image exceeds the size limit.
	ErrTooLarge = errors.New("image too large")

	// ErrBadDimensions is returned for resize requests out of range.
	ErrBadDimensions = errors.New("invalid dimensions")
)

const (
	// MaxDimension bounds the width and height of a resized variant.
	MaxDimension = 4096

	// MaxPixels bounds the decoded size of an accepted image. Small files
	// can declare huge rasters, and resizing decodes the whole frame.
	MaxPixels = 40_000_000
)

// Formats maps each supported format to its content type.
var Formats = map[string]string{
	"avif": "image/avif",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
}

// Info describes an inspected image.
type Info struct {
	Format string
	MIME   string
	Width  int
	Height int
	Size   int
}

// NormalizeFormat lower-cases a format or extension and maps jpg to jpeg.
func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "jpg" {
		return "jpeg"
	}
	return format
}

// Supported reports whether format is one of [Formats].
func Supported(format string) bool {
	_, ok := Formats[NormalizeFormat(format)]
	return ok
}

// ContentType returns the content type of a supported format, or
// application/octet-stream.
func ContentType(format string) string {
	if ct, ok := Formats[NormalizeFormat(format)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Inspect validates data as an upload of at most maxSize bytes and
// returns its format and dimensions.
func Inspect(data []byte, maxSize int) (*Info, error) {
	if len(data) == 0 {
		return nil, ErrInvalidImage
	}
	if maxSize > 0 && len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), maxSize)
	}

	mtype := mimetype.Detect(data)
	format := ""
	for f, ct := range Formats {
		if mtype.Is(ct) {
			format = f
			break
		}
	}
	if format == "" {
		if !strings.HasPrefix(mtype.String(), "image/") {
			return nil, fmt.Errorf("%w: detected %s", ErrInvalidImage, mtype.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mtype.String())
	}

	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if NormalizeFormat(name) != format {
		return nil, fmt.Errorf("%w: content looks like %s but decodes as %s", ErrInvalidImage, format, name)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	if err := checkPixels(cfg); err != nil {
		return nil, err
	}

	return &Info{
		Format: format,
		MIME:   Formats[format],
		Width:  cfg.Width,
		Height: cfg.Height,
		Size:   len(data),
	}, nil
}

// Resize scales data to fit within width x height, keeping the aspect
// ratio. A zero dimension is derived from the other. Images are never
// upscaled. JPEG input stays JPEG; everything else is returned as PNG
// since the library set has no webp or avif encoder.
func Resize(data []byte, width, height int) ([]byte, string, error) {
	if width < 0 || height < 0 || width > MaxDimension || height > MaxDimension || (width == 0 && height == 0) {
		return nil, "", fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if err := checkPixels(cfg); err != nil {
		return nil, "", err
	}

	src, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	bounds := src.Bounds()
	w, h := fit(bounds.Dx(), bounds.Dy(), width, height)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if NormalizeFormat(name) == "jpeg" {
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), Formats["jpeg"], nil
	}
	if err := png.Encode(&buf, dst); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), Formats["png"], nil
}

func checkPixels(cfg image.Config) error {
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d pixels exceeds %d", ErrTooLarge, cfg.Width, cfg.Height, MaxPixels)
	}
	return nil
}

// fit returns the largest size within maxW x maxH (either may be zero for
// "unbounded") that keeps the srcW:srcH ratio and does not exceed the
// source size.
func fit(srcW, srcH, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && srcW > maxW {
		scale = float64(maxW) / float64(srcW)
	}
	if maxH > 0 && srcH > maxH {
		if s := float64(maxH) / float64(srcH); s < scale {
			scale = s
		}
	}
	w := int(float64(srcW)*scale + 0.5)
	h := int(float64(srcH)*scale + 0.5)
	return max(w, 1), max(h, 1)
}
