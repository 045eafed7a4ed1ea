package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/jackc/pgx/v5"
)

const licenseColumns = `license_key, license_type, start_date, end_date, product_id, metadata,
	status, activation_count, last_used, created_at, updated_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LicenseStore is the PostgreSQL implementation of license.Store.
type LicenseStore struct {
	db *DB
}

// NewLicenseStore creates a license store backed by db.
func NewLicenseStore(db *DB) *LicenseStore {
	return &LicenseStore{db: db}
}

// GetLicense returns the license stored under key.
func (s *LicenseStore) GetLicense(ctx context.Context, key string) (*license.License, error) {
	return getLicense(ctx, s.db.Pool, key, false)
}

// ListLicenses returns licenses matching filter in issue order.
func (s *LicenseStore) ListLicenses(ctx context.Context, filter license.ListFilter) ([]*license.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.ProductID != "" {
		query += fmt.Sprintf(" AND product_id = $%d", argIdx)
		args = append(args, filter.ProductID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY id"

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
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
func (s *LicenseStore) AuditHistory(ctx context.Context, key string) ([]*license.AuditEntry, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, action, license_key, actor_id, details, timestamp
		FROM license_audit_logs
		WHERE license_key = $1
		ORDER BY timestamp DESC, id DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("get audit history: %w", err)
	}
	defer rows.Close()

	var entries []*license.AuditEntry
	for rows.Next() {
		var e license.AuditEntry
		var action string
		var details []byte
		if err := rows.Scan(&e.ID, &action, &e.LicenseKey, &e.ActorID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = license.AuditAction(action)
		e.Timestamp = e.Timestamp.UTC()
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

// InTx runs fn inside a database transaction.
func (s *LicenseStore) InTx(ctx context.Context, fn func(tx license.StoreTx) error) error {
	err := s.db.ExecTx(ctx, func(tx pgx.Tx) error {
		return fn(&licenseTx{tx: tx})
	})
	if errors.Is(err, ErrBeginTx) {
		return fmt.Errorf("%w: %w", license.ErrRepositoryUnavailable, err)
	}
	return err
}

type licenseTx struct {
	tx pgx.Tx
}

func (t *licenseTx) GetLicenseForUpdate(ctx context.Context, key string) (*license.License, error) {
	return getLicense(ctx, t.tx, key, true)
}

func (t *licenseTx) InsertLicense(ctx context.Context, l *license.License) error {
	metadata, err := encodeMetadata(l.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO licenses (license_key, license_type, start_date, end_date, product_id, metadata,
		                      status, activation_count, last_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, l.Key, string(l.Type), l.Start, l.End, l.ProductID, metadata,
		string(l.Status), l.ActivationCount, l.LastUsed, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return license.ErrDuplicateKey
		}
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func (t *licenseTx) UpdateLicense(ctx context.Context, l *license.License) (bool, error) {
	metadata, err := encodeMetadata(l.Metadata)
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE licenses
		SET metadata = $2, status = $3, activation_count = $4, last_used = $5, updated_at = $6
		WHERE license_key = $1
	`, l.Key, metadata, string(l.Status), l.ActivationCount, l.LastUsed, l.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update license: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *licenseTx) AppendAudit(ctx context.Context, e *license.AuditEntry) error {
	details, err := encodeMetadata(e.Details)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO license_audit_logs (action, license_key, actor_id, details, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, string(e.Action), e.LicenseKey, e.ActorID, details, e.Timestamp).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func getLicense(ctx context.Context, q querier, key string, forUpdate bool) (*license.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	lic, err := scanLicense(q.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, license.ErrNotFound
		}
		return nil, err
	}
	return lic, nil
}

func scanLicense(row pgx.Row) (*license.License, error) {
	var l license.License
	var typ, status string
	var metadata []byte
	var lastUsed *time.Time

	err := row.Scan(&l.Key, &typ, &l.Start, &l.End, &l.ProductID, &metadata,
		&status, &l.ActivationCount, &lastUsed, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}

	l.Type = license.Type(typ)
	l.Status = license.Status(status)
	l.Start = l.Start.UTC()
	l.End = l.End.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	if lastUsed != nil {
		t := lastUsed.UTC()
		l.LastUsed = &t
	}
	if l.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, fmt.Errorf("decode license metadata: %w", err)
	}
	return &l, nil
}

func encodeMetadata(m license.Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(data []byte) (license.Metadata, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m license.Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
