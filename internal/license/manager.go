package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTrialDays is the trial period used by CreateTrial.
	DefaultTrialDays = 30
	// DefaultValidYears is the validity period used by CreateStandard.
	DefaultValidYears = 1
	// MaxBatchSize bounds a single BatchCreate call.
	MaxBatchSize = 10000
)

// ManagerConfig holds configuration for the license manager.
type ManagerConfig struct {
	Codec      *Codec
	Store      Store
	TrialDays  int
	ValidYears int
	// EncodeWorkers bounds parallel encoding in BatchCreate. Zero means 8.
	EncodeWorkers int
	Clock         Clock
	Recorder      Recorder
	Logger        zerolog.Logger
}

// Manager issues and administers licenses. Every mutation is written
// together with exactly one audit entry.
type Manager struct {
	codec         *Codec
	store         Store
	trialDays     int
	validYears    int
	encodeWorkers int
	now           Clock
	recorder      Recorder
	logger        zerolog.Logger
}

// NewManager creates a license manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, ErrRepositoryUnavailable
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidRequest)
	}
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = DefaultTrialDays
	}
	if cfg.ValidYears <= 0 {
		cfg.ValidYears = DefaultValidYears
	}
	if cfg.EncodeWorkers <= 0 {
		cfg.EncodeWorkers = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Manager{
		codec:         cfg.Codec,
		store:         cfg.Store,
		trialDays:     cfg.TrialDays,
		validYears:    cfg.ValidYears,
		encodeWorkers: cfg.EncodeWorkers,
		now:           cfg.Clock,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger.With().Str("component", "license_manager").Logger(),
	}, nil
}

// CreateRequest describes a single license to issue.
type CreateRequest struct {
	Type      Type
	Start     time.Time
	End       time.Time
	ProductID string
	Metadata  Metadata
	ActorID   string
}

// Create issues, stores and audits a new pending license.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*License, error) {
	lic, err := m.issue(req.Type, req.Start, req.End, req.ProductID, req.Metadata)
	if err != nil {
		return nil, err
	}

	entry := NewAuditEntry(AuditActionCreate, lic.Key, req.ActorID, Metadata{
		"type":       String(string(lic.Type)),
		"product_id": String(lic.ProductID),
		"status":     String(string(lic.Status)),
	}, lic.CreatedAt)

	err = m.store.InTx(ctx, func(tx StoreTx) error {
		if err := tx.InsertLicense(ctx, lic); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("product_id", lic.ProductID).Msg("failed to store license")
		return nil, persistenceError("create license", err)
	}

	m.recorder.RecordIssued(lic.Type, 1)
	m.logger.Info().
		Str("product_id", lic.ProductID).
		Str("type", string(lic.Type)).
		Time("end", lic.End).
		Msg("license created")
	return lic, nil
}

// CreateTrial issues a trial license starting now for the configured trial period.
func (m *Manager) CreateTrial(ctx context.Context, productID string, metadata Metadata, actorID string) (*License, error) {
	start := m.now()
	return m.Create(ctx, CreateRequest{
		Type:      TypeTrial,
		Start:     start,
		End:       start.AddDate(0, 0, m.trialDays),
		ProductID: productID,
		Metadata:  metadata,
		ActorID:   actorID,
	})
}

// CreateStandard issues a standard license valid for years calendar years.
// A non-positive years uses the configured default.
func (m *Manager) CreateStandard(ctx context.Context, productID string, years int, metadata Metadata, actorID string) (*License, error) {
	return m.createForYears(ctx, TypeStandard, productID, years, metadata, actorID)
}

// CreateProfessional issues a professional license valid for years calendar years.
func (m *Manager) CreateProfessional(ctx context.Context, productID string, years int, metadata Metadata, actorID string) (*License, error) {
	return m.createForYears(ctx, TypeProfessional, productID, years, metadata, actorID)
}

func (m *Manager) createForYears(ctx context.Context, t Type, productID string, years int, metadata Metadata, actorID string) (*License, error) {
	if years <= 0 {
		years = m.validYears
	}
	start := m.now()
	return m.Create(ctx, CreateRequest{
		Type:      t,
		Start:     start,
		End:       start.AddDate(years, 0, 0),
		ProductID: productID,
		Metadata:  metadata,
		ActorID:   actorID,
	})
}

// BatchRequest describes a batch of identical licenses.
type BatchRequest struct {
	Count            int
	Type             Type
	ValidYears       int
	ProductID        string
	MetadataTemplate Metadata
	ActorID          string
}

// BatchCreate issues Count licenses. Encoding runs in parallel; the batch
// is persisted in one transaction, so either every license and its audit
// entry is stored or none is.
func (m *Manager) BatchCreate(ctx context.Context, req BatchRequest) ([]*License, error) {
	if req.Count <= 0 || req.Count > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch count must be between 1 and %d", ErrInvalidRequest, MaxBatchSize)
	}
	years := req.ValidYears
	if years <= 0 {
		years = m.validYears
	}

	licenses := make([]*License, req.Count)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(m.encodeWorkers)
	for i := range licenses {
		g.Go(func() error {
			md := req.MetadataTemplate.Clone()
			if md == nil {
				md = Metadata{}
			}
			md["batch_id"] = Int(i + 1)

			start := m.now()
			lic, err := m.issue(req.Type, start, start.AddDate(years, 0, 0), req.ProductID, md)
			if err != nil {
				return err
			}
			licenses[i] = lic
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	err := m.store.InTx(ctx, func(tx StoreTx) error {
		for _, lic := range licenses {
			if err := tx.InsertLicense(ctx, lic); err != nil {
				return fmt.Errorf("insert batch license %s: %w", lic.Metadata["batch_id"].Text(), err)
			}
			entry := NewAuditEntry(AuditActionBatchCreate, lic.Key, req.ActorID, Metadata{
				"type":       String(string(lic.Type)),
				"product_id": String(lic.ProductID),
				"batch_id":   lic.Metadata["batch_id"],
				"count":      Int(req.Count),
			}, lic.CreatedAt)
			if err := tx.AppendAudit(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Int("count", req.Count).Msg("failed to store license batch")
		return nil, persistenceError("batch create licenses", err)
	}

	m.recorder.RecordIssued(req.Type, req.Count)
	m.logger.Info().
		Int("count", req.Count).
		Str("product_id", req.ProductID).
		Str("type", string(req.Type)).
		Msg("license batch created")
	return licenses, nil
}

func (m *Manager) issue(t Type, start, end time.Time, productID string, metadata Metadata) (*License, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: unknown license type %q", ErrInvalidRequest, t)
	}
	if err := metadata.Validate(); err != nil {
		return nil, err
	}

	key, err := m.codec.Encode(NewPayload(productID, t, start, end))
	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return nil, err
		}
		return nil, fmt.Errorf("encode license: %w", err)
	}

	now := m.now()
	return &License{
		Key:       key,
		Type:      t,
		Start:     start,
		End:       end,
		ProductID: productID,
		Metadata:  metadata.Clone(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdateRequest changes the mutable fields of a license. Nil fields are left alone.
type UpdateRequest struct {
	Status   *Status
	Metadata Metadata
	ActorID  string
}

// Update applies req to the license stored under key.
func (m *Manager) Update(ctx context.Context, key string, req UpdateRequest) (*License, error) {
	if req.Status != nil && !req.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, *req.Status)
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, err
	}
	return m.mutate(ctx, key, AuditActionUpdate, req.ActorID, func(lic *License, details Metadata) error {
		if req.Status != nil {
			if err := transition(lic, *req.Status); err != nil {
				return err
			}
		}
		if req.Metadata != nil {
			lic.Metadata = req.Metadata.Clone()
			details["metadata_keys"] = Int(len(req.Metadata))
		}
		return nil
	})
}

// Activate moves a pending license to active.
func (m *Manager) Activate(ctx context.Context, key, actorID string) (*License, error) {
	return m.mutate(ctx, key, AuditActionActivate, actorID, func(lic *License, _ Metadata) error {
		return transition(lic, StatusActive)
	})
}

// Revoke marks the license revoked. Revoking twice succeeds and is audited twice.
func (m *Manager) Revoke(ctx context.Context, key, actorID string) (*License, error) {
	return m.mutate(ctx, key, AuditActionRevoke, actorID, func(lic *License, _ Metadata) error {
		return transition(lic, StatusRevoked)
	})
}

// ExpireOverdue marks pending and active licenses whose window has closed as
// expired. Each license is updated in its own transaction. Returns the number
// of licenses expired.
func (m *Manager) ExpireOverdue(ctx context.Context, actorID string) (int, error) {
	now := m.now()
	var expired int
	for _, status := range []Status{StatusPending, StatusActive} {
		candidates, err := m.store.ListLicenses(ctx, ListFilter{Status: status})
		if err != nil {
			return expired, unavailableError("list licenses", err)
		}
		for _, c := range candidates {
			if !IsExpired(c, now) {
				continue
			}
			_, err := m.mutate(ctx, c.Key, AuditActionExpire, actorID, func(lic *License, details Metadata) error {
				if lic.Status != StatusPending && lic.Status != StatusActive {
					return errSkip
				}
				details["end"] = String(lic.End.UTC().Format(time.RFC3339))
				return transition(lic, StatusExpired)
			})
			if errors.Is(err, errSkip) {
				continue
			}
			if err != nil {
				return expired, err
			}
			expired++
		}
	}
	if expired > 0 {
		m.logger.Info().Int("count", expired).Msg("expired overdue licenses")
	}
	return expired, nil
}

var errSkip = errors.New("skip")

func transition(lic *License, next Status) error {
	if !lic.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, lic.Status, next)
	}
	lic.Status = next
	return nil
}

// mutate loads key under lock, applies fn, and writes the license together
// with one audit entry carrying the before/after status.
func (m *Manager) mutate(ctx context.Context, key string, action AuditAction, actorID string, fn func(lic *License, details Metadata) error) (*License, error) {
	var result *License
	var before, after Status

	err := m.store.InTx(ctx, func(tx StoreTx) error {
		lic, err := tx.GetLicenseForUpdate(ctx, key)
		if err != nil {
			return err
		}
		before = lic.Status

		details := Metadata{}
		if err := fn(lic, details); err != nil {
			return err
		}
		after = lic.Status

		now := m.now()
		lic.UpdatedAt = now

		ok, err := tx.UpdateLicense(ctx, lic)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}

		details["product_id"] = String(lic.ProductID)
		details["old_status"] = String(string(before))
		details["new_status"] = String(string(after))
		if err := tx.AppendAudit(ctx, NewAuditEntry(action, key, actorID, details, now)); err != nil {
			return err
		}

		result = lic
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound),
			errors.Is(err, ErrInvalidTransition),
			errors.Is(err, errSkip):
			return nil, err
		}
		m.logger.Error().Err(err).Str("action", string(action)).Msg("failed to update license")
		return nil, persistenceError(string(action)+" license", err)
	}

	if before != after {
		m.recorder.RecordStatusChange(after)
	}
	m.logger.Info().
		Str("action", string(action)).
		Str("product_id", result.ProductID).
		Str("old_status", string(before)).
		Str("new_status", string(after)).
		Msg("license updated")
	return result, nil
}

// List returns licenses matching filter.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*License, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
	}
	licenses, err := m.store.ListLicenses(ctx, filter)
	if err != nil {
		return nil, unavailableError("list licenses", err)
	}
	return licenses, nil
}

// Get returns the license stored under key.
func (m *Manager) Get(ctx context.Context, key string) (*License, error) {
	lic, err := m.store.GetLicense(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailableError("get license", err)
	}
	return lic, nil
}

// History returns the audit trail of key, newest first.
func (m *Manager) History(ctx context.Context, key string) ([]*AuditEntry, error) {
	entries, err := m.store.AuditHistory(ctx, key)
	if err != nil {
		return nil, unavailableError("audit history", err)
	}
	return entries, nil
}
