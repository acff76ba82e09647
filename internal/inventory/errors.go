package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers malformed or missing fields and non-positive quantities.
	ErrValidation = errors.New("inventory: validation failed")
	// ErrTenantMismatch indicates an entity outside the request tenant.
	ErrTenantMismatch = errors.New("inventory: tenant mismatch")
	// ErrItemNotFound indicates the item does not exist in the catalog.
	ErrItemNotFound = errors.New("inventory: item not found")
	// ErrItemDeleted indicates the item is soft-deleted.
	ErrItemDeleted = errors.New("inventory: item deleted")
	// ErrLocationNotFound indicates a missing or inactive location.
	ErrLocationNotFound = errors.New("inventory: location not found")
	// ErrInsufficientStock triggered when a debit exceeds the source balance.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrConcurrencyConflict reports lock contention or timeout. Retryable.
	ErrConcurrencyConflict = errors.New("inventory: concurrency conflict")
	// ErrStorageUnavailable reports a storage failure. Retryable.
	ErrStorageUnavailable = errors.New("inventory: storage unavailable")
	// ErrStorageFatal is joined to ErrStorageUnavailable once storage failures
	// exceed the configured threshold.
	ErrStorageFatal = errors.New("inventory: storage failing repeatedly")
	// ErrIdempotencyMismatch indicates a request id reused for a different movement.
	ErrIdempotencyMismatch = fmt.Errorf("%w: request id already used for a different movement", ErrValidation)

	// ErrMovementNotFound is returned by stores when a lookup has no match.
	ErrMovementNotFound = errors.New("inventory: movement not found")
	// ErrDuplicateRequest is returned by stores when the request id is already committed.
	ErrDuplicateRequest = errors.New("inventory: duplicate request id")
)

// StockError describes a rejected debit.
type StockError struct {
	Location  Location
	Available int64
	Requested int64
}

func (e *StockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock at %s: available %d, requested %d", e.Location, e.Available, e.Requested)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the caller may retry the same request id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorageUnavailable)
}

// Reason maps an error to a short label used for metrics and audit entries.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTenantMismatch):
		return "tenant_mismatch"
	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"
	case errors.Is(err, ErrItemDeleted):
		return "item_deleted"
	case errors.Is(err, ErrLocationNotFound):
		return "location_not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}
