/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The HTTP shell maps these to status codes through Code().

ERROR CATEGORIES:
  1. Validation - malformed input, never retried
  2. Conflict   - insufficient balance, duplicates, blocking disputes,
                  illegal transitions; a distinct kind so callers can react
  3. Not found  - unknown user/company/event/dispute/entry
  4. Transient  - storage unavailable; the only retryable class

USAGE:
  if errors.Is(err, points.ErrInsufficientPoints) {
      var ip *points.InsufficientPointsError
      errors.As(err, &ip) // ip.Available is the current balance
  }

SEE ALSO:
  - api/errors.go: Transport mapping of Code() values
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all malformed-input errors.
	ErrValidation = errors.New("validation error")

	// ErrInvalidPoints is returned when an approval resolves to points <= 0.
	ErrInvalidPoints = errors.New("invalid points")

	// ErrInsufficientPoints is returned when a redemption exceeds the available balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same
	// idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateExternalID is returned by the store when an affiliate event
	// with the same external id already exists.
	ErrDuplicateExternalID = errors.New("duplicate affiliate external id")

	// ErrBlockingDispute is returned when an offer with active disputes is deleted.
	ErrBlockingDispute = errors.New("offer has blocking disputes")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEntryImmutable    = errors.New("ledger entry is immutable")
	ErrEventResolved     = errors.New("affiliate event already resolved")
	ErrNotApproved       = errors.New("affiliate event not approved")

	ErrUserNotFoundForAffiliate = errors.New("no user account matches affiliate event")
	ErrCompanyNotFound          = errors.New("company not found")
	ErrOfferNotFound            = errors.New("offer not found")
	ErrUserNotFound             = errors.New("user not found")
	ErrEntryNotFound            = errors.New("ledger entry not found")
	ErrEventNotFound            = errors.New("affiliate event not found")
	ErrDisputeNotFound          = errors.New("dispute not found")

	// ErrAlreadyExists is returned for duplicate catalog records (slug, email).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnavailable marks transient storage failures. Only callers retry these.
	ErrUnavailable = errors.New("storage unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientPointsError reports the balance the caller can adjust to.
type InsufficientPointsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// BlockingDisputeError names how many disputes lock the offer.
type BlockingDisputeError struct {
	OfferID OfferID
	Count   int
}

func (e *BlockingDisputeError) Error() string {
	return fmt.Sprintf("offer %s has %d open dispute(s)", e.OfferID, e.Count)
}

func (e *BlockingDisputeError) Unwrap() error { return ErrBlockingDispute }

// TransitionError describes a refused status change.
type TransitionError struct {
	Kind string // "entry", "event", "dispute"
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Kind, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// DuplicateEntryError carries the entry that already owns the key.
type DuplicateEntryError struct {
	Existing Entry
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("duplicate idempotency key %q (entry %s)", e.Existing.IdempotencyKey, e.Existing.ID)
}

func (e *DuplicateEntryError) Unwrap() error { return ErrDuplicateIdempotencyKey }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidPoints)
}

// IsConflict returns true for state conflicts the caller must resolve.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicateExternalID) ||
		errors.Is(err, ErrBlockingDispute) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrEntryImmutable) ||
		errors.Is(err, ErrEventResolved) ||
		errors.Is(err, ErrNotApproved) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCompanyNotFound) ||
		errors.Is(err, ErrOfferNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrDisputeNotFound) ||
		errors.Is(err, ErrUserNotFoundForAffiliate)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Code returns the stable wire code for an error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPoints):
		return "INVALID_POINTS"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrInsufficientPoints):
		return "INSUFFICIENT_POINTS"
	case errors.Is(err, ErrUserNotFoundForAffiliate):
		return "USER_NOT_FOUND_FOR_AFFILIATE"
	case errors.Is(err, ErrCompanyNotFound):
		return "COMPANY_NOT_FOUND"
	case errors.Is(err, ErrOfferNotFound):
		return "OFFER_NOT_FOUND"
	case errors.Is(err, ErrBlockingDispute):
		return "BLOCKING_DISPUTE"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrEntryImmutable):
		return "ENTRY_IMMUTABLE"
	case errors.Is(err, ErrEventResolved):
		return "EVENT_RESOLVED"
	case errors.Is(err, ErrNotApproved):
		return "EVENT_NOT_APPROVED"
	case errors.Is(err, ErrDuplicateIdempotencyKey),
		errors.Is(err, ErrDuplicateExternalID),
		errors.Is(err, ErrAlreadyExists):
		return "DUPLICATE"
	case IsNotFound(err):
		return "NOT_FOUND"
	case errors.Is(err, ErrUnavailable):
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
