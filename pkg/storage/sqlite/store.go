// Package sqlite provides a SQLite-backed record store. Fields are stored as
// a JSON document per record.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/polisai/ruleflow/pkg/domain"
	"github.com/polisai/ruleflow/pkg/storage"
	"github.com/polisai/ruleflow/pkg/storage/sqlite/migrations"
)

// Store persists records in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite record store at path and applies embedded migrations.
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get returns a live record.
func (s *Store) Get(ctx context.Context, entityType, id string) (*domain.Record, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT fields FROM records WHERE entity_type = ? AND id = ? AND deleted = 0`,
		entityType, id,
	)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %q: %w", entityType, id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return decode(entityType, id, raw)
}

// List returns records ordered by id.
func (s *Store) List(ctx context.Context, entityType string, opts storage.ListOptions) ([]*domain.Record, error) {
	query := `SELECT id, fields FROM records WHERE entity_type = ?`
	args := []any{entityType}
	if !opts.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decode(entityType, id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	if out == nil {
		out = []*domain.Record{}
	}
	return out, nil
}

// Insert stores records in one transaction, assigning ids where missing.
func (s *Store) Insert(ctx context.Context, records ...*domain.Record) error {
	if err := validate(records); err != nil {
		return err
	}

	now := time.Now().UTC().UnixMilli()
	assigned := make([]string, len(records))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, rec := range records {
			id := rec.ID
			if id == "" {
				id = storage.NewID()
			}
			raw, err := encode(rec)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO records (entity_type, id, fields, deleted, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
				rec.EntityType, id, raw, now, now,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%s %q: %w", rec.EntityType, id, storage.ErrAlreadyExists)
				}
				return fmt.Errorf("insert record: %w", err)
			}
			assigned[i] = id
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, rec := range records {
		rec.ID = assigned[i]
	}
	return nil
}

// Update replaces the fields of live records in one transaction.
func (s *Store) Update(ctx context.Context, records ...*domain.Record) error {
	if err := validate(records); err != nil {
		return err
	}

	now := time.Now().UTC().UnixMilli()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			raw, err := encode(rec)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE records SET fields = ?, updated_at = ? WHERE entity_type = ? AND id = ? AND deleted = 0`,
				raw, now, rec.EntityType, rec.ID,
			)
			if err != nil {
				return fmt.Errorf("update record: %w", err)
			}
			if err := expectOne(res, rec.EntityType, rec.ID, storage.ErrNotFound); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete soft deletes live records.
func (s *Store) Delete(ctx context.Context, entityType string, ids ...string) ([]*domain.Record, error) {
	return s.setDeleted(ctx, entityType, ids, true)
}

// Undelete restores deleted records.
func (s *Store) Undelete(ctx context.Context, entityType string, ids ...string) ([]*domain.Record, error) {
	return s.setDeleted(ctx, entityType, ids, false)
}

// Purge removes records outright.
func (s *Store) Purge(ctx context.Context, entityType string, ids ...string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE entity_type = ? AND id = ?`,
				entityType, id,
			); err != nil {
				return fmt.Errorf("purge record: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) setDeleted(ctx context.Context, entityType string, ids []string, deleted bool) ([]*domain.Record, error) {
	from, to := 0, 1
	if !deleted {
		from, to = 1, 0
	}

	now := time.Now().UTC().UnixMilli()
	out := make([]*domain.Record, 0, len(ids))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var raw string
			var state int
			err := tx.QueryRowContext(ctx,
				`SELECT fields, deleted FROM records WHERE entity_type = ? AND id = ?`,
				entityType, id,
			).Scan(&raw, &state)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%s %q: %w", entityType, id, storage.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("read record: %w", err)
			}
			if state != from {
				if deleted {
					return fmt.Errorf("%s %q: %w", entityType, id, storage.ErrNotFound)
				}
				return fmt.Errorf("%s %q: %w", entityType, id, storage.ErrNotDeleted)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE records SET deleted = ?, updated_at = ? WHERE entity_type = ? AND id = ?`,
				to, now, entityType, id,
			); err != nil {
				return fmt.Errorf("mark record: %w", err)
			}
			rec, err := decode(entityType, id, raw)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func validate(records []*domain.Record) error {
	for _, rec := range records {
		if rec == nil {
			return errors.New("nil record")
		}
		if rec.EntityType == "" {
			return errors.New("record entity type is required")
		}
	}
	return nil
}

func encode(rec *domain.Record) (string, error) {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode %s %q fields: %w", rec.EntityType, rec.ID, err)
	}
	return string(raw), nil
}

func decode(entityType, id, raw string) (*domain.Record, error) {
	var fields map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode %s %q fields: %w", entityType, id, err)
	}
	return domain.NewRecord(entityType, id, normalizeNumbers(fields)), nil
}

// normalizeNumbers turns json.Number into int64 when integral, float64 otherwise.
func normalizeNumbers(fields map[string]any) map[string]any {
	for k, v := range fields {
		fields[k] = normalizeValue(v)
	}
	return fields
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case map[string]any:
		return normalizeNumbers(typed)
	case []any:
		for i := range typed {
			typed[i] = normalizeValue(typed[i])
		}
		return typed
	default:
		return v
	}
}

func expectOne(res sql.Result, entityType, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", entityType, id, notFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.RecordStore = (*Store)(nil)
