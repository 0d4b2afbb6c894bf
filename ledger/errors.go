/*
errors.go - Error taxonomy for the stock ledger

PURPOSE:
  All error types in one place. Callers branch on the four kinds with
  errors.Is and read the context with errors.As.

ERROR CATEGORIES:
  1. NotFound          - referenced product/batch/supplier/category/sale missing
  2. InsufficientStock - deduction or transfer larger than what the batch holds
  3. InvalidArgument   - negative quantity, empty barcode, bad reference pairing
  4. StorageFailure    - the transaction could not commit; safe to retry

  The first three are business-rule failures. Retrying them returns the
  same error. Only StorageFailure is retryable (see retry.go).

SEE ALSO:
  - retry.go: WithRetry honours IsRetryable
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidArgument   = errors.New("invalid argument")

	// ErrStorageFailure marks transient persistence errors.
	ErrStorageFailure = errors.New("storage failure")

	// ErrStoreRequired is returned when an operation needs an optional store capability.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type NotFoundError struct {
	Entity string // "product", "batch", ...
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type InsufficientStockError struct {
	BatchID   BatchID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock in batch %s: available %s, requested %s, shortfall %s",
		e.BatchID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

// StorageError wraps a driver error. It matches ErrStorageFailure through Is
// while Unwrap still exposes the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func notFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

func invalid(field, reason string) error {
	return &InvalidArgumentError{Field: field, Reason: reason}
}

// NewNotFound is used by store implementations.
func NewNotFound(entity string, id any) error {
	return notFound(entity, id)
}

// NewStorageError returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// IsClientError returns true if the error is due to rejected input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientStock)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
