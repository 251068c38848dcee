// Package sqlite provides a durable SliceBackend keyed
// (owner_scope, slice_id, version). The composite primary key is the
// compare-and-swap point for optimistic concurrency: inserting a version
// that already exists fails, which the vault surfaces as ErrStaleVersion.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hupe1980/roundtable/core"
	"github.com/mattn/go-sqlite3"
)

// Backend implements core.SliceBackend using SQLite.
type Backend struct {
	db *sql.DB
}

// NewBackend opens (or creates) the slice database at dsn.
func NewBackend(dsn string) (*Backend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS slices (
			owner_scope TEXT NOT NULL,
			slice_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			category TEXT NOT NULL,
			sealed BLOB NOT NULL,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (owner_scope, slice_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slices_scope_category ON slices(owner_scope, category)`,
	}
	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error { return b.db.Close() }

// Put inserts exactly one new version; a primary-key conflict means another
// writer committed this version first.
func (b *Backend) Put(ctx context.Context, scope core.Scope, rec core.SealedSlice) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO slices (owner_scope, slice_id, version, category, sealed, tombstoned, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(scope), rec.ID, rec.Version, rec.Category, rec.Sealed,
		boolToInt(rec.Tombstoned), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("put %s v%d: %w", rec.ID, rec.Version, core.ErrStaleVersion)
		}
		return core.TimeoutErr(fmt.Errorf("put slice: %w", err))
	}
	return nil
}

const selectCols = `owner_scope, slice_id, version, category, sealed, tombstoned, created_at, updated_at`

func scanSealed(row interface{ Scan(...any) error }) (core.SealedSlice, error) {
	var rec core.SealedSlice
	var scope string
	var tombstoned int
	if err := row.Scan(&scope, &rec.ID, &rec.Version, &rec.Category, &rec.Sealed, &tombstoned, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return core.SealedSlice{}, err
	}
	rec.OwnerScope = core.Scope(scope)
	rec.Tombstoned = tombstoned != 0
	return rec, nil
}

// Latest returns the newest version of the slice within the scope.
func (b *Backend) Latest(ctx context.Context, scope core.Scope, sliceID string) (core.SealedSlice, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM slices
		 WHERE owner_scope = ? AND slice_id = ?
		 ORDER BY version DESC LIMIT 1`,
		string(scope), sliceID)
	rec, err := scanSealed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SealedSlice{}, fmt.Errorf("slice %s: %w", sliceID, core.ErrNotFound)
	}
	if err != nil {
		return core.SealedSlice{}, core.TimeoutErr(fmt.Errorf("latest: %w", err))
	}
	return rec, nil
}

// LatestByCategory returns the newest version of the most recently updated
// live slice with the given category.
func (b *Backend) LatestByCategory(ctx context.Context, scope core.Scope, category string) (core.SealedSlice, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM slices s
		 WHERE owner_scope = ? AND category = ? AND tombstoned = 0
		   AND version = (SELECT MAX(version) FROM slices WHERE owner_scope = s.owner_scope AND slice_id = s.slice_id)
		 ORDER BY updated_at DESC LIMIT 1`,
		string(scope), category)
	rec, err := scanSealed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SealedSlice{}, fmt.Errorf("category %s: %w", category, core.ErrNotFound)
	}
	if err != nil {
		return core.SealedSlice{}, core.TimeoutErr(fmt.Errorf("latest by category: %w", err))
	}
	return rec, nil
}

// Scan returns the latest version of every slice in the scope.
func (b *Backend) Scan(ctx context.Context, scope core.Scope) ([]core.SealedSlice, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM slices s
		 WHERE owner_scope = ?
		   AND version = (SELECT MAX(version) FROM slices WHERE owner_scope = s.owner_scope AND slice_id = s.slice_id)`,
		string(scope))
	if err != nil {
		return nil, core.TimeoutErr(fmt.Errorf("scan: %w", err))
	}
	defer rows.Close()

	var out []core.SealedSlice
	for rows.Next() {
		rec, err := scanSealed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge physically removes every version under the scope.
func (b *Backend) Purge(ctx context.Context, scope core.Scope) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM slices WHERE owner_scope = ?`, string(scope))
	if err != nil {
		return 0, core.TimeoutErr(fmt.Errorf("purge: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
