package license

import (
	"context"
	"time"
)

// ListFilter narrows ListLicenses. Zero fields match everything.
type ListFilter struct {
	ProductID string
	Status    Status
}

// Matches reports whether l passes the filter.
func (f ListFilter) Matches(l *License) bool {
	if f.ProductID != "" && l.ProductID != f.ProductID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}

// Store persists license records and their audit trail.
type Store interface {
	// GetLicense returns the license stored under key or ErrNotFound.
	GetLicense(ctx context.Context, key string) (*License, error)
	// ListLicenses returns licenses matching the filter, oldest first.
	ListLicenses(ctx context.Context, filter ListFilter) ([]*License, error)
	// AuditHistory returns the audit entries for key, newest first.
	AuditHistory(ctx context.Context, key string) ([]*AuditEntry, error)
	// InTx runs fn in a transaction. Writes made through tx are committed
	// together when fn returns nil and discarded otherwise; fn's error is
	// returned unchanged.
	InTx(ctx context.Context, fn func(tx StoreTx) error) error
}

// StoreTx is the write side of a Store, valid only inside InTx.
type StoreTx interface {
	// GetLicenseForUpdate reads a license and holds it against concurrent
	// writers until the transaction ends. Returns ErrNotFound when absent.
	GetLicenseForUpdate(ctx context.Context, key string) (*License, error)
	// InsertLicense stores a new license, or returns ErrDuplicateKey.
	InsertLicense(ctx context.Context, l *License) error
	// UpdateLicense overwrites the mutable fields of an existing license.
	// Returns false when no license is stored under l.Key.
	UpdateLicense(ctx context.Context, l *License) (bool, error)
	// AppendAudit inserts an audit entry and sets its ID.
	AppendAudit(ctx context.Context, e *AuditEntry) error
}

// Locker serializes work on a single license key.
type Locker interface {
	// Lock blocks until the key is held or ctx is done, and returns the
	// function that releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Recorder receives validation and lifecycle events for metrics.
type Recorder interface {
	RecordValidation(mode string, reason Reason)
	RecordIssued(t Type, n int)
	RecordStatusChange(status Status)
	RecordActivationCount(count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordValidation(string, Reason) {}
func (nopRecorder) RecordIssued(Type, int)          {}
func (nopRecorder) RecordStatusChange(Status)       {}
func (nopRecorder) RecordActivationCount(int)       {}

// Clock returns the current time.
type Clock func() time.Time
