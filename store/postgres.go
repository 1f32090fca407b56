// postgres.go - image index backed by Postgres.

package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
)

const createImagesTable = `
CREATE TABLE IF NOT EXISTS images (
    project    TEXT NOT NULL,
    key        TEXT NOT NULL,
    width      INTEGER NOT NULL,
    height     INTEGER NOT NULL,
    size       INTEGER NOT NULL,
    format     TEXT NOT NULL,
    s3_path    TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project, key)
)`

const upsertImage = `
INSERT INTO images (
    project, key, width, height, size, format, s3_path, updated_at
) VALUES (
    :project, :key, :width, :height, :size, :format, :s3_path, :updated_at
) ON CONFLICT (project, key) DO UPDATE SET
    width = EXCLUDED.width,
    height = EXCLUDED.height,
    size = EXCLUDED.size,
    format = EXCLUDED.format,
    s3_path = EXCLUDED.s3_path,
    updated_at = EXCLUDED.updated_at`

// PostgresIndex maintains image metadata in the images table.
type PostgresIndex struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenPostgres connects to the database at url using the pgx driver.
func OpenPostgres(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// NewPostgresIndex creates a new [*PostgresIndex] instance.
func NewPostgresIndex(db *sqlx.DB) *PostgresIndex {
	return &PostgresIndex{
		db:  db,
		now: time.Now,
	}
}

// Migrate creates the images table when it does not exist.
func (p *PostgresIndex) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createImagesTable); err != nil {
		return fmt.Errorf("failed to create images table: %w", err)
	}
	return nil
}

// Upsert inserts img or replaces the row with the same project and key.
func (p *PostgresIndex) Upsert(ctx context.Context, img *Image) error {
	row := *img
	row.UpdatedAt = p.now().UTC()
	if _, err := p.db.NamedExecContext(ctx, upsertImage, &row); err != nil {
		return fmt.Errorf("failed to upsert image %s/%s: %w", img.Project, img.Key, err)
	}
	return nil
}
