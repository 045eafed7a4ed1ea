package license

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedCredential indicates the credential could not be decoded.
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrProductMismatch indicates the credential belongs to a different product.
	ErrProductMismatch = errors.New("license does not match product")
	// ErrNotYetValid indicates the validity window has not started.
	ErrNotYetValid = errors.New("license is not yet valid")
	// ErrExpired indicates the license window has closed or the store marks it expired.
	ErrExpired = errors.New("license has expired")
	// ErrRevoked indicates the license was revoked.
	ErrRevoked = errors.New("license has been revoked")
	// ErrNotFound indicates no license is stored under the key.
	ErrNotFound = errors.New("license not found")
	// ErrRepositoryUnavailable indicates the store could not be reached. Safe to retry.
	ErrRepositoryUnavailable = errors.New("license repository unavailable")
	// ErrPersistence indicates a write to the store failed and nothing was committed.
	ErrPersistence = errors.New("license persistence failed")
	// ErrActivationLimitReached indicates the activation ceiling has been hit.
	ErrActivationLimitReached = errors.New("license activation limit reached")

	// ErrDuplicateKey is returned by stores when a license key already exists.
	ErrDuplicateKey = errors.New("license key already exists")
	// ErrInvalidTransition indicates a status change that would leave a terminal state.
	ErrInvalidTransition = errors.New("invalid license status transition")
	// ErrInvalidPayload indicates a payload that cannot be encoded.
	ErrInvalidPayload = errors.New("invalid license payload")
	// ErrInvalidRequest indicates a manager request with bad arguments.
	ErrInvalidRequest = errors.New("invalid license request")
)

// Reason is a stable code describing why an operation failed.
type Reason string

const (
	ReasonOK                    Reason = "ok"
	ReasonMalformedCredential   Reason = "malformed_credential"
	ReasonProductMismatch       Reason = "product_mismatch"
	ReasonNotYetValid           Reason = "not_yet_valid"
	ReasonExpired               Reason = "expired"
	ReasonRevoked               Reason = "revoked"
	ReasonNotFound              Reason = "not_found"
	ReasonRepositoryUnavailable Reason = "repository_unavailable"
	ReasonPersistenceFailure    Reason = "persistence_failure"
	ReasonActivationLimit       Reason = "activation_limit_reached"
	ReasonInvalidTransition     Reason = "invalid_transition"
	ReasonInvalidRequest        Reason = "invalid_request"
	ReasonUnknown               Reason = "unknown"
)

var reasonByErr = []struct {
	err    error
	reason Reason
}{
	{ErrMalformedCredential, ReasonMalformedCredential},
	{ErrProductMismatch, ReasonProductMismatch},
	{ErrNotYetValid, ReasonNotYetValid},
	{ErrExpired, ReasonExpired},
	{ErrRevoked, ReasonRevoked},
	{ErrNotFound, ReasonNotFound},
	{ErrActivationLimitReached, ReasonActivationLimit},
	{ErrInvalidTransition, ReasonInvalidTransition},
	{ErrInvalidPayload, ReasonInvalidRequest},
	{ErrInvalidRequest, ReasonInvalidRequest},
	{ErrPersistence, ReasonPersistenceFailure},
	{ErrDuplicateKey, ReasonPersistenceFailure},
	{ErrRepositoryUnavailable, ReasonRepositoryUnavailable},
}

// ReasonOf classifies err. A nil error is ReasonOK.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonOK
	}
	for _, r := range reasonByErr {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonUnknown
}

// Message returns a user-facing sentence for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonOK:
		return "License is valid."
	case ReasonMalformedCredential:
		return "The license key is malformed or has been tampered with."
	case ReasonProductMismatch:
		return "The license key does not belong to this product."
	case ReasonNotYetValid:
		return "The license is not valid yet."
	case ReasonExpired:
		return "The license has expired."
	case ReasonRevoked:
		return "The license has been revoked."
	case ReasonNotFound:
		return "The license key is not registered."
	case ReasonRepositoryUnavailable:
		return "The license service is unavailable. Try again later."
	case ReasonPersistenceFailure:
		return "The license change could not be saved."
	case ReasonActivationLimit:
		return "The license has reached its maximum number of activations."
	case ReasonInvalidTransition:
		return "The license cannot change to that status."
	case ReasonInvalidRequest:
		return "The license request is invalid."
	}
	return "License validation failed."
}

// IsRetryable reports whether the failure is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRepositoryUnavailable)
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

func unavailableError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRepositoryUnavailable, err)
}
