package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// File permission constants
const (
	DirMode  = 0700
	FileMode = 0600
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// its schema to the current version.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// Single connection serializes writers and keeps the WAL simple.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	if err := migrateSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to set file permissions: %w", err)
	}

	return &SQLite{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// SchemaVersion returns the database's schema version.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	return getSchemaVersion(ctx, s.db)
}

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) Get(ctx context.Context, table string, f Filter) (*Record, error) {
	recs, err := s.List(ctx, table, f)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (s *SQLite) List(ctx context.Context, table string, f Filter) ([]*Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id, user_id, fields, created_at, updated_at FROM %s", table)
	var args []any
	switch {
	case f.ID != "" && f.UserID != "":
		query += " WHERE id = ? AND user_id = ?"
		args = append(args, f.ID, f.UserID)
	case f.ID != "":
		query += " WHERE id = ?"
		args = append(args, f.ID)
	case f.UserID != "":
		query += " WHERE user_id = ?"
		args = append(args, f.UserID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to read %s: %w", table, err)
		}
		// Field predicates are evaluated here; the fields column is opaque JSON.
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to read %s: %w", table, err)
	}
	return out, nil
}

func (s *SQLite) Insert(ctx context.Context, table string, rec *Record) error {
	return sqlInsert(ctx, s.db, table, rec, s.now())
}

func (s *SQLite) Update(ctx context.Context, table, id string, patch map[string]string) error {
	return s.Tx(ctx, func(w Writer) error { return w.Update(ctx, table, id, patch) })
}

func (s *SQLite) Delete(ctx context.Context, table, id string) error {
	return sqlDelete(ctx, s.db, table, id)
}

func (s *SQLite) Tx(ctx context.Context, fn func(Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlWriter{conn: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqlWriter struct {
	conn sqlConn
	now  func() time.Time
}

func (w *sqlWriter) Insert(ctx context.Context, table string, rec *Record) error {
	return sqlInsert(ctx, w.conn, table, rec, w.now())
}

func (w *sqlWriter) Update(ctx context.Context, table, id string, patch map[string]string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	var raw string
	err := w.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT fields FROM %s WHERE id = ?", table), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: failed to read %s: %w", table, err)
	}

	fields := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return fmt.Errorf("store: corrupt fields in %s/%s: %w", table, id, err)
	}
	maps.Copy(fields, patch)
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: failed to encode fields: %w", err)
	}

	_, err = w.conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET fields = ?, updated_at = ? WHERE id = ?", table),
		string(encoded), w.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("store: failed to update %s: %w", table, err)
	}
	return nil
}

func (w *sqlWriter) Delete(ctx context.Context, table, id string) error {
	return sqlDelete(ctx, w.conn, table, id)
}

func sqlInsert(ctx context.Context, conn sqlConn, table string, rec *Record, now time.Time) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := checkRecord(rec); err != nil {
		return err
	}
	r := stamp(rec, now)
	encoded, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("store: failed to encode fields: %w", err)
	}

	var exists int
	err = conn.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table), r.ID).Scan(&exists)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: failed to query %s: %w", table, err)
	}

	_, err = conn.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, user_id, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)", table),
		r.ID, r.UserID, string(encoded), r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: failed to insert into %s: %w", table, err)
	}
	return nil
}

func sqlDelete(ctx context.Context, conn sqlConn, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return fmt.Errorf("store: failed to delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to delete from %s: %w", table, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec                  Record
		raw                  string
		createdAt, updatedAt int64
	)
	if err := rows.Scan(&rec.ID, &rec.UserID, &raw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Fields = map[string]string{}
	if err := json.Unmarshal([]byte(raw), &rec.Fields); err != nil {
		return nil, fmt.Errorf("corrupt fields for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}
