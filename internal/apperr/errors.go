// Package apperr defines the domain error kinds raised by the ledger and
// cycle engines, independent of transport. Controllers translate each kind
// to an HTTP status; the engines only ever return stable typed values.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ValidationError reports malformed or out-of-range input. It never follows
// a state mutation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing referenced record.
type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func NotFound(resource string, id uint) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError reports a violated state precondition (deleting a cycle with
// active loans, disbursing an already-disbursed collection, and so on).
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// DuplicatePaymentError reports that a payment or installment already exists
// for the target period. It carries the existing record so callers can show
// the member when and how much was already paid.
type DuplicatePaymentError struct {
	Amount    decimal.Decimal
	Date      time.Time
	Reference string
}

func (e *DuplicatePaymentError) Error() string {
	return fmt.Sprintf("payment of %s already recorded on %s", e.Amount.StringFixed(2), e.Date.Format("2006-01-02"))
}

func DuplicatePayment(amount decimal.Decimal, date time.Time, reference string) *DuplicatePaymentError {
	return &DuplicatePaymentError{Amount: amount, Date: date, Reference: reference}
}

// InsufficientPoolError reports a requested amount exceeding what backs it,
// such as a savings-backed loan asking for more than the member has saved.
type InsufficientPoolError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientPoolError) Error() string {
	return fmt.Sprintf("requested %s exceeds available pool %s", e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

// PersistenceError wraps a failed or timed-out store operation. Callers may
// retry after re-reading state; the unique constraints make re-submission safe.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

func Persistence(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// IsUniqueViolation reports whether err is a store-level unique constraint
// failure. Postgres surfaces these as pq code 23505; the sqlite driver used
// in tests reports them as a UNIQUE constraint message.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FromDB maps a raw store error to a domain kind: record-not-found becomes
// NotFoundError, unique violations become ConflictError, anything else is
// wrapped as PersistenceError.
func FromDB(err error, op, resource string, id uint) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return NotFound(resource, id)
	case IsUniqueViolation(err):
		return Conflict("%s already exists", resource)
	default:
		return Persistence(op, err)
	}
}
