package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestDuplicatePaymentCarriesSnapshot(t *testing.T) {
	paid := decimal.NewFromInt(1000)
	when := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	err := DuplicatePayment(paid, when, "ref-1")

	var dup *DuplicatePaymentError
	if !errors.As(error(err), &dup) {
		t.Fatal("expected DuplicatePaymentError")
	}
	if !dup.Amount.Equal(paid) {
		t.Errorf("amount = %s, want 1000", dup.Amount)
	}
	if !dup.Date.Equal(when) {
		t.Errorf("date = %s, want %s", dup.Date, when)
	}
	if dup.Reference != "ref-1" {
		t.Errorf("reference = %q, want ref-1", dup.Reference)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("pq 23505 should be a unique violation")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("pq foreign key violation is not a unique violation")
	}
	if !IsUniqueViolation(errors.New("UNIQUE constraint failed: collection_payments.collection_id")) {
		t.Error("sqlite unique message should be a unique violation")
	}
	if IsUniqueViolation(nil) {
		t.Error("nil is not a unique violation")
	}
}

func TestFromDB(t *testing.T) {
	if err := FromDB(nil, "op", "loan", 1); err != nil {
		t.Errorf("nil maps to nil, got %v", err)
	}

	var nf *NotFoundError
	err := FromDB(gorm.ErrRecordNotFound, "fetch loan", "loan", 7)
	if !errors.As(err, &nf) || nf.ID != 7 {
		t.Errorf("record-not-found should map to NotFoundError with id, got %v", err)
	}

	var conflict *ConflictError
	err = FromDB(&pq.Error{Code: "23505"}, "create payment", "payment", 0)
	if !errors.As(err, &conflict) {
		t.Errorf("unique violation should map to ConflictError, got %v", err)
	}

	var persist *PersistenceError
	base := errors.New("connection reset")
	err = FromDB(fmt.Errorf("exec: %w", base), "save", "cycle", 0)
	if !errors.As(err, &persist) {
		t.Fatalf("unknown errors should map to PersistenceError, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Error("PersistenceError should preserve the wrapped cause")
	}
}

func TestNotFoundMessage(t *testing.T) {
	if got := NotFound("member", 0).Error(); got != "member not found" {
		t.Errorf("message = %q", got)
	}
	if got := NotFound("loan", 12).Error(); got != "loan 12 not found" {
		t.Errorf("message = %q", got)
	}
}
