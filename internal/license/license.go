// Package license issues, encodes and validates software license credentials.
package license

import (
	"fmt"
	"time"
)

// Type represents the license tier. It is fixed when the license is created.
type Type string

const (
	// TypeTrial is a time-limited evaluation license.
	TypeTrial Type = "trial"
	// TypeStandard is the regular paid license.
	TypeStandard Type = "standard"
	// TypeProfessional unlocks the professional edition.
	TypeProfessional Type = "professional"
	// TypeEnterprise unlocks the enterprise edition.
	TypeEnterprise Type = "enterprise"
)

// ValidTypes returns all valid license types.
func ValidTypes() []Type {
	return []Type{TypeTrial, TypeStandard, TypeProfessional, TypeEnterprise}
}

// IsValid checks if the type is a recognized value.
func (t Type) IsValid() bool {
	switch t {
	case TypeTrial, TypeStandard, TypeProfessional, TypeEnterprise:
		return true
	}
	return false
}

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown license type: %q", s)
	}
	return t, nil
}

// Status is the administrative state of a stored license.
type Status string

const (
	// StatusPending is the initial state of a newly issued license.
	StatusPending Status = "pending"
	// StatusActive marks a license that has been explicitly activated.
	StatusActive Status = "active"
	// StatusExpired marks a license whose window has been declared over.
	StatusExpired Status = "expired"
	// StatusRevoked is terminal. Revoked licenses are kept for audit.
	StatusRevoked Status = "revoked"
)

// ValidStatuses returns all valid license statuses.
func ValidStatuses() []Status {
	return []Status{StatusPending, StatusActive, StatusExpired, StatusRevoked}
}

// IsValid checks if the status is a recognized value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown license status: %q", s)
	}
	return st, nil
}

// CanTransition reports whether a stored license may move from s to next.
// Transitions only move toward terminal states, except pending -> active.
// Re-applying the current status is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusExpired || next == StatusRevoked
	case StatusActive:
		return next == StatusExpired || next == StatusRevoked
	case StatusExpired:
		return next == StatusRevoked
	case StatusRevoked:
		return false
	}
	return false
}

// License is a stored license record.
type License struct {
	Key             string     `json:"key"`
	Type            Type       `json:"type"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	ProductID       string     `json:"product_id"`
	Metadata        Metadata   `json:"metadata,omitempty"`
	Status          Status     `json:"status"`
	ActivationCount int        `json:"activation_count"`
	LastUsed        *time.Time `json:"last_used,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the license.
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	c.Metadata = l.Metadata.Clone()
	if l.LastUsed != nil {
		t := *l.LastUsed
		c.LastUsed = &t
	}
	return &c
}

// IsExpired reports whether the license window has closed at now.
func IsExpired(l *License, now time.Time) bool {
	return now.After(l.End)
}

// IsRevoked reports whether the license has been revoked.
func IsRevoked(l *License) bool {
	return l.Status == StatusRevoked
}

// AuditAction tags what an audit entry records.
type AuditAction string

const (
	AuditActionCreate           AuditAction = "create"
	AuditActionBatchCreate      AuditAction = "batch_create"
	AuditActionUpdate           AuditAction = "update"
	AuditActionActivate         AuditAction = "activate"
	AuditActionRevoke           AuditAction = "revoke"
	AuditActionExpire           AuditAction = "expire"
	AuditActionValidate         AuditAction = "validate"
	AuditActionValidateRejected AuditAction = "validate_rejected"
)

// AuditEntry is an immutable record of a mutation or verification event.
type AuditEntry struct {
	ID         int64       `json:"id"`
	Action     AuditAction `json:"action"`
	LicenseKey string      `json:"license_key"`
	ActorID    string      `json:"actor_id"`
	Details    Metadata    `json:"details,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NewAuditEntry creates an audit entry stamped with ts.
func NewAuditEntry(action AuditAction, key, actorID string, details Metadata, ts time.Time) *AuditEntry {
	if actorID == "" {
		actorID = SystemActor
	}
	return &AuditEntry{
		Action:     action,
		LicenseKey: key,
		ActorID:    actorID,
		Details:    details,
		Timestamp:  ts,
	}
}

// SystemActor is recorded when no caller identity is supplied.
const SystemActor = "system"
