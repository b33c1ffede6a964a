// Package sqlite persists category overrides in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/override"
)

const selectColumns = `platform, transaction_id, category_l1, category_l2, provenance, source, version, updated_at`

// Store is a SQLite implementation of override.Store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dbPath and migrates it.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("NewStore: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("NewStore: open sqlite database: %w", err)
	}
	// Serialize writers; the CAS relies on single-statement atomicity.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewStore: ping database: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewStore: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get implements the override.Store interface.
func (s *Store) Get(ctx context.Context, key domain.RecordKey) (*override.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM category_overrides WHERE platform = ? AND transaction_id = ?`,
		key.Platform, key.TransactionID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("override %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return entry, nil
}

// CompareAndSet implements the override.Store interface.
func (s *Store) CompareAndSet(ctx context.Context, entry *override.Entry, expectedVersion int64) (*override.Entry, error) {
	if entry.Platform == "" || entry.TransactionID == "" {
		return nil, fmt.Errorf("override key is required: %w", domain.ErrValidation)
	}

	next := *entry
	next.Version = expectedVersion + 1
	updatedAt := next.UpdatedAt.UTC().Format(time.RFC3339Nano)

	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO category_overrides (`+selectColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(platform, transaction_id) DO NOTHING`,
			next.Platform, next.TransactionID, next.L1, next.L2,
			string(next.Provenance), string(next.Source), next.Version, updatedAt)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE category_overrides
			 SET category_l1 = ?, category_l2 = ?, provenance = ?, source = ?, version = ?, updated_at = ?
			 WHERE platform = ? AND transaction_id = ? AND version = ?`,
			next.L1, next.L2, string(next.Provenance), string(next.Source), next.Version, updatedAt,
			next.Platform, next.TransactionID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("CompareAndSet: write %s: %w", next.Key(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("CompareAndSet: rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("override %s: expected version %d: %w", next.Key(), expectedVersion, domain.ErrVersionConflict)
	}
	return &next, nil
}

// List implements the override.Store interface.
func (s *Store) List(ctx context.Context, filter override.Filter) ([]*override.Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, filter.Platform)
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}

	query := `SELECT ` + selectColumns + ` FROM category_overrides`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY platform, transaction_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List: query: %w", err)
	}
	defer rows.Close()

	var result []*override.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: iterate: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*override.Entry, error) {
	var (
		e                  override.Entry
		provenance, source string
		updatedAt          string
	)
	if err := row.Scan(&e.Platform, &e.TransactionID, &e.L1, &e.L2, &provenance, &source, &e.Version, &updatedAt); err != nil {
		return nil, err
	}
	e.Provenance = domain.Provenance(provenance)
	e.Source = override.Source(source)

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	e.UpdatedAt = ts
	return &e, nil
}

// Ensure Store implements the override.Store interface.
var _ override.Store = (*Store)(nil)
