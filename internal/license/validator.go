package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/keyforge/internal/lock"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxActivations is the activation ceiling when none is configured.
	DefaultMaxActivations = 5
	// DefaultLockTimeout bounds how long an online validation waits for its key.
	DefaultLockTimeout = 5 * time.Second

	modeOffline = "offline"
	modeOnline  = "online"
)

// Actor identifies who or what performed an online validation.
type Actor struct {
	ID      string
	Details Metadata
}

// OfflineValidator checks credentials using only their decoded content.
type OfflineValidator struct {
	codec    *Codec
	now      Clock
	recorder Recorder
}

// NewOfflineValidator creates a validator that never touches a store.
func NewOfflineValidator(codec *Codec, now Clock, recorder Recorder) *OfflineValidator {
	if now == nil {
		now = time.Now
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &OfflineValidator{codec: codec, now: now, recorder: recorder}
}

// ValidateOffline decodes credential and checks product and validity window.
// A credential is valid at exactly its end time.
func (v *OfflineValidator) ValidateOffline(credential, productID string) (Payload, error) {
	p, err := v.check(credential, productID)
	v.recorder.RecordValidation(modeOffline, ReasonOf(err))
	return p, err
}

func (v *OfflineValidator) check(credential, productID string) (Payload, error) {
	p, err := v.codec.Decode(credential)
	if err != nil {
		return Payload{}, ErrMalformedCredential
	}
	if p.ProductID != productID {
		return p, ErrProductMismatch
	}
	now := v.now()
	if now.Before(p.Start) {
		return p, ErrNotYetValid
	}
	if now.After(p.End) {
		return p, ErrExpired
	}
	return p, nil
}

// ValidatorConfig holds configuration for the online validator.
type ValidatorConfig struct {
	Codec          *Codec
	Store          Store
	Locker         Locker
	MaxActivations int
	LockTimeout    time.Duration
	Clock          Clock
	Recorder       Recorder
	Logger         zerolog.Logger
}

// Validator checks credentials against the store and records activations.
type Validator struct {
	offline        *OfflineValidator
	store          Store
	locker         Locker
	maxActivations int
	lockTimeout    time.Duration
	now            Clock
	recorder       Recorder
	logger         zerolog.Logger
}

// NewValidator creates an online validator. The store is required.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Store == nil {
		return nil, ErrRepositoryUnavailable
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidRequest)
	}
	if cfg.MaxActivations <= 0 {
		cfg.MaxActivations = DefaultMaxActivations
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewKeyedMutex()
	}

	return &Validator{
		offline:        NewOfflineValidator(cfg.Codec, cfg.Clock, cfg.Recorder),
		store:          cfg.Store,
		locker:         cfg.Locker,
		maxActivations: cfg.MaxActivations,
		lockTimeout:    cfg.LockTimeout,
		now:            cfg.Clock,
		recorder:       cfg.Recorder,
		logger:         cfg.Logger.With().Str("component", "license_validator").Logger(),
	}, nil
}

// ValidateOffline delegates to the embedded offline validator.
func (v *Validator) ValidateOffline(credential, productID string) (Payload, error) {
	return v.offline.ValidateOffline(credential, productID)
}

// ValidateOnline checks credential against its stored record and, on
// success, counts one activation. The stored status takes precedence over
// a payload that is still inside its window.
func (v *Validator) ValidateOnline(ctx context.Context, credential, productID string, actor Actor) (*License, error) {
	lic, err := v.validateOnline(ctx, credential, productID, actor)
	reason := ReasonOf(err)
	v.recorder.RecordValidation(modeOnline, reason)

	if err != nil {
		v.logger.Info().
			Str("product_id", productID).
			Str("actor_id", actor.ID).
			Str("reason", string(reason)).
			Msg("online validation rejected")
		if recordable(err) {
			v.recordRejection(ctx, credential, productID, actor, reason)
		}
		return nil, err
	}

	v.recorder.RecordActivationCount(lic.ActivationCount)
	v.logger.Debug().
		Str("product_id", productID).
		Str("actor_id", actor.ID).
		Int("activation_count", lic.ActivationCount).
		Msg("online validation succeeded")
	return lic, nil
}

func (v *Validator) validateOnline(ctx context.Context, credential, productID string, actor Actor) (*License, error) {
	if err := actor.Details.Validate(); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, v.lockTimeout)
	defer cancel()

	unlock, err := v.locker.Lock(lockCtx, credential)
	if err != nil {
		return nil, unavailableError("lock license", err)
	}
	defer unlock()

	var result *License
	err = v.store.InTx(ctx, func(tx StoreTx) error {
		lic, err := tx.GetLicenseForUpdate(ctx, credential)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return unavailableError("get license", err)
		}

		switch lic.Status {
		case StatusRevoked:
			return ErrRevoked
		case StatusExpired:
			return ErrExpired
		case StatusPending, StatusActive:
		}

		if _, err := v.offline.check(credential, productID); err != nil {
			return err
		}
		if lic.ProductID != productID {
			return ErrProductMismatch
		}
		if lic.ActivationCount >= v.maxActivations {
			return ErrActivationLimitReached
		}

		now := v.now()
		lic.ActivationCount++
		lic.LastUsed = &now
		lic.UpdatedAt = now

		ok, err := tx.UpdateLicense(ctx, lic)
		if err != nil {
			return persistenceError("update license", err)
		}
		if !ok {
			return ErrNotFound
		}

		details := actor.Details.Clone()
		if details == nil {
			details = Metadata{}
		}
		details["product_id"] = String(productID)
		details["activation_count"] = Int(lic.ActivationCount)

		entry := NewAuditEntry(AuditActionValidate, lic.Key, actor.ID, details, now)
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return persistenceError("append audit", err)
		}

		result = lic
		return nil
	})
	if err != nil {
		if isReason(err) {
			return nil, err
		}
		return nil, persistenceError("commit validation", err)
	}
	return result, nil
}

// recordable reports whether a rejection concerns a stored license and
// should leave an audit trail.
func recordable(err error) bool {
	switch {
	case errors.Is(err, ErrRevoked),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrNotYetValid),
		errors.Is(err, ErrProductMismatch),
		errors.Is(err, ErrActivationLimitReached):
		return true
	}
	return false
}

func (v *Validator) recordRejection(ctx context.Context, key, productID string, actor Actor, reason Reason) {
	details := actor.Details.Clone()
	if details == nil {
		details = Metadata{}
	}
	details["product_id"] = String(productID)
	details["reason"] = String(string(reason))

	entry := NewAuditEntry(AuditActionValidateRejected, key, actor.ID, details, v.now())
	err := v.store.InTx(ctx, func(tx StoreTx) error {
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		v.logger.Warn().Err(err).Str("reason", string(reason)).Msg("failed to record rejected validation")
	}
}

func isReason(err error) bool {
	switch ReasonOf(err) {
	case ReasonUnknown:
		return false
	}
	return true
}
