// Package localstore implements the license store on an embedded SQLite file.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const licenseColumns = `license_key, license_type, start_date, end_date, product_id, metadata,
	status, activation_count, last_used, created_at, updated_at`

// SQLiteStore implements license.Store on a single SQLite connection.
// Every transaction holds that connection, which serializes writers.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the license database at path.
func Open(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", path).Msg("license database initialized")
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS licenses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			license_key TEXT NOT NULL UNIQUE,
			license_type TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			product_id TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			activation_count INTEGER NOT NULL DEFAULT 0 CHECK (activation_count >= 0),
			last_used TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_licenses_product_id ON licenses(product_id);
		CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);

		CREATE TABLE IF NOT EXISTS license_audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			license_key TEXT NOT NULL REFERENCES licenses(license_key),
			actor_id TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '{}',
			timestamp TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_license_audit_logs_key ON license_audit_logs(license_key, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetLicense returns the license stored under key.
func (s *SQLiteStore) GetLicense(ctx context.Context, key string) (*license.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return scanLicense(row)
}

// ListLicenses returns licenses matching filter in issue order.
func (s *SQLiteStore) ListLicenses(ctx context.Context, filter license.ListFilter) ([]*license.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE 1=1`
	var args []any
	if filter.ProductID != "" {
		query += " AND product_id = ?"
		args = append(args, filter.ProductID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*license.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, lic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return licenses, nil
}

// AuditHistory returns the audit trail for key, newest first.
func (s *SQLiteStore) AuditHistory(ctx context.Context, key string) ([]*license.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, license_key, actor_id, details, timestamp
		FROM license_audit_logs
		WHERE license_key = ?
		ORDER BY timestamp DESC, id DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()

	var entries []*license.AuditEntry
	for rows.Next() {
		var (
			e                   license.AuditEntry
			action, details, ts string
		)
		if err := rows.Scan(&e.ID, &action, &e.LicenseKey, &e.ActorID, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = license.AuditAction(action)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		if e.Details, err = decodeMetadata(details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// InTx runs fn in a transaction on the single connection.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx license.StoreTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", license.ErrRepositoryUnavailable, err)
	}

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetLicenseForUpdate(ctx context.Context, key string) (*license.License, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return scanLicense(row)
}

func (t *sqliteTx) InsertLicense(ctx context.Context, l *license.License) error {
	metadata, err := encodeMetadata(l.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO licenses (license_key, license_type, start_date, end_date, product_id, metadata,
		                      status, activation_count, last_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.Key, string(l.Type), formatTime(l.Start), formatTime(l.End), l.ProductID, metadata,
		string(l.Status), l.ActivationCount, nullTime(l.LastUsed), formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return license.ErrDuplicateKey
		}
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateLicense(ctx context.Context, l *license.License) (bool, error) {
	metadata, err := encodeMetadata(l.Metadata)
	if err != nil {
		return false, err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE licenses
		SET metadata = ?, status = ?, activation_count = ?, last_used = ?, updated_at = ?
		WHERE license_key = ?
	`, metadata, string(l.Status), l.ActivationCount, nullTime(l.LastUsed), formatTime(l.UpdatedAt), l.Key)
	if err != nil {
		return false, fmt.Errorf("update license: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected == 1, nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e *license.AuditEntry) error {
	details, err := encodeMetadata(e.Details)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO license_audit_logs (action, license_key, actor_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, string(e.Action), e.LicenseKey, e.ActorID, details, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	if e.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("get audit entry id: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var (
		l                                    license.License
		typ, status, metadata                string
		startStr, endStr, createdStr, updStr string
		lastUsed                             sql.NullString
	)

	err := row.Scan(&l.Key, &typ, &startStr, &endStr, &l.ProductID, &metadata,
		&status, &l.ActivationCount, &lastUsed, &createdStr, &updStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, license.ErrNotFound
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}

	l.Type = license.Type(typ)
	l.Status = license.Status(status)
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&l.Start, startStr},
		{&l.End, endStr},
		{&l.CreatedAt, createdStr},
		{&l.UpdatedAt, updStr},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, fmt.Errorf("parse license time: %w", err)
		}
	}
	if lastUsed.Valid {
		t, err := parseTime(lastUsed.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_used: %w", err)
		}
		l.LastUsed = &t
	}
	if l.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, fmt.Errorf("decode license metadata: %w", err)
	}
	return &l, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func encodeMetadata(m license.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) (license.Metadata, error) {
	var m license.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
