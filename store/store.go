// store.go - documentation and common storage types.

// Package store persists uploaded images and their metadata.
//
// Image bytes live in an S3 bucket ([*BlobStore]); the metadata index is
// kept in Postgres ([*PostgresIndex]) or Datastore ([*DatastoreIndex]);
// resized variants can be cached in Redis ([*VariantCache]).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("not found")

// Image is the metadata of one uploaded image, unique by (Project, Key).
type Image struct {
	Project   string    `datastore:"project" db:"project"`
	Key       string    `datastore:"key" db:"key"`
	Width     int       `datastore:"width" db:"width"`
	Height    int       `datastore:"height" db:"height"`
	Size      int       `datastore:"size" db:"size"`
	Format    string    `datastore:"format" db:"format"`
	Path      string    `datastore:"path" db:"s3_path"`
	UpdatedAt time.Time `datastore:"updated_at" db:"updated_at"`
}

// Index records image metadata. Upsert replaces any existing entry for
// the same project and key.
type Index interface {
	Upsert(ctx context.Context, img *Image) error
}
