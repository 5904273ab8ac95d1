package engine

import (
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/models"
)

// An explicit payout takes whatever the month actually collected, even
// before completion. The later completing payment must not disburse twice.
func TestDisburseFromCollectionExplicit(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 3)
	cycle := newCycle(t, db, members, "1000", false)
	collection := newCollection(t, db, cycle.ID, 1)
	colEng := NewCollectionEngine(db)
	disEng := NewDisbursementEngine(db)

	for _, m := range members[:2] {
		if _, err := colEng.RecordPayment(collection.ID, m.ID, dec("1000"), models.PaymentMethodCash, time.Now()); err != nil {
			t.Fatalf("payment: %v", err)
		}
	}

	loan, err := disEng.DisburseFromCollection(collection.ID, members[2].ID, models.PaymentMethodBank, "school fees")
	if err != nil {
		t.Fatalf("explicit disbursement: %v", err)
	}
	if !loan.Principal.Equal(dec("2000")) {
		t.Errorf("principal = %s, want the 2000 actually collected", loan.Principal)
	}
	if loan.Months != 3 {
		t.Errorf("term = %d, want 3", loan.Months)
	}
	if loan.DisbursementMethod != models.PaymentMethodBank {
		t.Errorf("method = %s, want BANK", loan.DisbursementMethod)
	}

	_, err = disEng.DisburseFromCollection(collection.ID, members[1].ID, models.PaymentMethodCash, "")
	var cerr *apperr.ConflictError
	if !errors.As(err, &cerr) {
		t.Errorf("second disbursement: got %v, want ConflictError", err)
	}

	// The month completing afterwards must not pay out again.
	res, err := colEng.RecordPayment(collection.ID, members[2].ID, dec("1000"), models.PaymentMethodCash, time.Now())
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	if !res.Completed {
		t.Error("collection should complete once everyone paid")
	}
	if res.Loan != nil {
		t.Error("already-disbursed collection must not auto-disburse again")
	}
	if n := tableCount(t, db, &models.Loan{}); n != 1 {
		t.Errorf("loans = %d, want exactly 1", n)
	}
}

func TestDisburseFromCollectionRepeatRecipient(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 2)
	cycle := newCycle(t, db, members, "1000", false)
	first := newCollection(t, db, cycle.ID, 1)
	last := payAll(t, db, first.ID, members, "1000")
	if last.Loan == nil {
		t.Fatal("expected auto-disbursed payout")
	}
	recipient := last.Loan.MemberID

	second := newCollection(t, db, cycle.ID, 2)
	if _, err := NewCollectionEngine(db).RecordPayment(second.ID, members[0].ID, dec("1000"), models.PaymentMethodCash, time.Now()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	_, err := NewDisbursementEngine(db).DisburseFromCollection(second.ID, recipient, models.PaymentMethodCash, "")
	var cerr *apperr.ConflictError
	if !errors.As(err, &cerr) {
		t.Errorf("repeat recipient: got %v, want ConflictError", err)
	}
}

func TestDisburseFromSequence(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 3)
	cycle := newCycle(t, db, members, "1000", false)
	eng := NewDisbursementEngine(db)

	var seq models.LoanSequence
	if err := db.Where("cycle_id = ? AND month = ?", cycle.ID, 1).First(&seq).Error; err != nil {
		t.Fatalf("load sequence: %v", err)
	}

	g1 := members[1].ID
	loan, err := eng.DisburseFromSequence(seq.ID, &g1, nil, models.PaymentMethodMpesa, "")
	if err != nil {
		t.Fatalf("disburse sequence: %v", err)
	}
	if !loan.Principal.Equal(dec("3000")) {
		t.Errorf("principal = %s, want the slot's 3000", loan.Principal)
	}
	if loan.Months != 3 {
		t.Errorf("term = %d, want the member count 3", loan.Months)
	}
	if loan.Guarantor1ID == nil || *loan.Guarantor1ID != g1 {
		t.Error("guarantor not recorded")
	}

	var fresh models.LoanSequence
	db.First(&fresh, seq.ID)
	if fresh.Status != models.SequenceStatusDisbursed {
		t.Errorf("sequence status = %s, want DISBURSED", fresh.Status)
	}
	if fresh.LoanID == nil || *fresh.LoanID != loan.ID {
		t.Error("sequence not linked to its loan")
	}

	_, err = eng.DisburseFromSequence(seq.ID, nil, nil, models.PaymentMethodCash, "")
	var cerr *apperr.ConflictError
	if !errors.As(err, &cerr) {
		t.Errorf("re-disbursing a slot: got %v, want ConflictError", err)
	}

	fresh2 := reloadCycle(t, db, cycle.ID)
	if fresh2.CurrentMonth != 1 {
		t.Errorf("cycle month pointer = %d, want 1", fresh2.CurrentMonth)
	}
}

func TestDisburseGuarantorChecks(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 2)
	cycle := newCycle(t, db, members, "1000", false)
	eng := NewDisbursementEngine(db)

	var seq models.LoanSequence
	db.Where("cycle_id = ? AND month = ?", cycle.ID, 1).First(&seq)

	self := seq.MemberID
	_, err := eng.DisburseFromSequence(seq.ID, &self, nil, models.PaymentMethodCash, "")
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("self-guarantee: got %v, want ValidationError", err)
	}

	ghost := uint(999)
	_, err = eng.DisburseFromSequence(seq.ID, &ghost, nil, models.PaymentMethodCash, "")
	var nferr *apperr.NotFoundError
	if !errors.As(err, &nferr) {
		t.Errorf("unknown guarantor: got %v, want NotFoundError", err)
	}
}

func TestDisburseEmptyCollection(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 2)
	cycle := newCycle(t, db, members, "1000", false)
	collection := newCollection(t, db, cycle.ID, 1)

	_, err := NewDisbursementEngine(db).DisburseFromCollection(collection.ID, members[0].ID, models.PaymentMethodCash, "")
	var cerr *apperr.ConflictError
	if !errors.As(err, &cerr) {
		t.Errorf("empty pool: got %v, want ConflictError", err)
	}
}

func TestReverseLoanDisbursement(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 2)
	cycle := newCycle(t, db, members, "1000", true)
	collection := newCollection(t, db, cycle.ID, 1)
	last := payAll(t, db, collection.ID, members, "1000")
	if last.Loan == nil {
		t.Fatal("expected auto-disbursed payout")
	}
	loanID := last.Loan.ID
	disEng := NewDisbursementEngine(db)
	repEng := NewRepaymentEngine(db)

	// A repaid loan cannot be reversed until its installments are deleted.
	repay, err := repEng.Repay(loanID, time.Now(), models.PaymentMethodCash)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	err = disEng.ReverseLoanDisbursement(loanID)
	var cerr *apperr.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("reversing a repaid loan: got %v, want ConflictError", err)
	}
	if err := repEng.DeleteLoanTransaction(repay.Transaction.ID); err != nil {
		t.Fatalf("delete installment: %v", err)
	}

	if err := disEng.ReverseLoanDisbursement(loanID); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	var gone models.Loan
	if err := db.First(&gone, loanID).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("reversed loan must no longer be visible")
	}

	col := reloadCollection(t, db, collection.ID)
	if col.LoanDisbursed || col.LoanMemberID != nil || !col.LoanAmount.IsZero() {
		t.Error("collection must be fully reset")
	}

	var seq models.LoanSequence
	db.Where("cycle_id = ? AND member_id = ?", cycle.ID, last.Loan.MemberID).First(&seq)
	if seq.Status != models.SequenceStatusPending {
		t.Errorf("sequence status = %s, want PENDING again", seq.Status)
	}
	if !seq.LoanAmount.Equal(dec("2000")) {
		t.Errorf("sequence amount = %s, want restored pool price 2000", seq.LoanAmount)
	}

	var cm models.CycleMember
	db.Where("cycle_id = ? AND member_id = ?", cycle.ID, last.Loan.MemberID).First(&cm)
	if !cm.TotalReceived.IsZero() {
		t.Errorf("received total = %s, want 0 after reversal", cm.TotalReceived)
	}

	// 2000 contributed in, 2000 paid out, payout returned: pool back to 2000.
	var fund models.GroupFund
	db.Where("cycle_id = ?", cycle.ID).First(&fund)
	if !fund.TotalFunds.Equal(dec("2000")) {
		t.Errorf("fund = %s, want 2000 after reversal", fund.TotalFunds)
	}

	// The member can receive again.
	if _, err := disEng.DisburseFromCollection(collection.ID, last.Loan.MemberID, models.PaymentMethodCash, ""); err != nil {
		t.Errorf("re-disbursing after reversal: %v", err)
	}
}

func TestReverseReopensCompletedCycle(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 1)
	cycle := newCycle(t, db, members, "1000", false)
	collection := newCollection(t, db, cycle.ID, 1)
	last := payAll(t, db, collection.ID, members, "1000")
	if last.Loan == nil {
		t.Fatal("expected auto-disbursed payout")
	}

	closed := reloadCycle(t, db, cycle.ID)
	if closed.IsActive {
		t.Fatal("cycle must settle once every member has received")
	}
	if closed.EndDate == nil {
		t.Fatal("settled cycle must carry an end date")
	}

	if err := NewDisbursementEngine(db).ReverseLoanDisbursement(last.Loan.ID); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	reopened := reloadCycle(t, db, cycle.ID)
	if !reopened.IsActive {
		t.Error("reversal must reopen the cycle")
	}
	if reopened.EndDate != nil {
		t.Error("reopened cycle must drop its end date")
	}
	if reopened.CurrentMonth != 0 {
		t.Errorf("month pointer = %d, want recomputed 0", reopened.CurrentMonth)
	}
}

func TestStandaloneLoan(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 1)
	eng := NewDisbursementEngine(db)

	loan, err := eng.CreateStandaloneLoan(StandaloneLoanRequest{
		MemberID:  members[0].ID,
		Principal: dec("5000"),
		Months:    4,
		Method:    models.PaymentMethodBank,
		Reason:    "emergency",
	})
	if err != nil {
		t.Fatalf("create standalone loan: %v", err)
	}
	if loan.CycleID != nil {
		t.Error("standalone loan must not reference a cycle")
	}
	if !loan.Remaining.Equal(dec("5000")) || loan.Status != models.LoanStatusActive {
		t.Error("standalone loan must start active with full balance")
	}

	_, err = eng.CreateStandaloneLoan(StandaloneLoanRequest{
		MemberID:  members[0].ID,
		Principal: dec("0"),
		Months:    4,
	})
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("zero principal: got %v, want ValidationError", err)
	}
	_, err = eng.CreateStandaloneLoan(StandaloneLoanRequest{
		MemberID:  members[0].ID,
		Principal: dec("1000"),
		Months:    0,
	})
	if !errors.As(err, &verr) {
		t.Errorf("zero term: got %v, want ValidationError", err)
	}
}

func TestSavingsBackedLoanCap(t *testing.T) {
	db := testDB(t)
	members := seedMembers(t, db, 1)
	eng := NewDisbursementEngine(db)

	seedSavings(t, db, members[0].ID, "500")

	_, err := eng.CreateStandaloneLoan(StandaloneLoanRequest{
		MemberID:      members[0].ID,
		Principal:     dec("1000"),
		Months:        2,
		SavingsBacked: true,
	})
	var poolErr *apperr.InsufficientPoolError
	if !errors.As(err, &poolErr) {
		t.Fatalf("over-cap: got %v, want InsufficientPoolError", err)
	}
	if !poolErr.Available.Equal(dec("500")) {
		t.Errorf("surfaced available = %s, want 500", poolErr.Available)
	}

	if _, err := eng.CreateStandaloneLoan(StandaloneLoanRequest{
		MemberID:      members[0].ID,
		Principal:     dec("400"),
		Months:        2,
		SavingsBacked: true,
	}); err != nil {
		t.Errorf("within cap: %v", err)
	}
}
