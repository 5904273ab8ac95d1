package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/metrics"
	"chama_ledger/internal/models"
	"chama_ledger/internal/money"
)

// RepaymentEngine records installments against loans and keeps the balance,
// month pointer and status consistent, including after deletions.
type RepaymentEngine struct {
	db *gorm.DB
}

func NewRepaymentEngine(db *gorm.DB) *RepaymentEngine {
	return &RepaymentEngine{db: db}
}

// RepayResult is a recorded installment with the loan state it produced.
type RepayResult struct {
	Transaction *models.LoanTransaction `json:"transaction"`
	Loan        *models.Loan            `json:"loan"`
}

// Repay records the next month's installment. The installment is always
// remaining divided by the periods left, so whatever the balance is after
// deletions or catch-ups, it fully amortizes over the months that remain.
func (e *RepaymentEngine) Repay(loanID uint, paymentDate time.Time, method models.PaymentMethod) (*RepayResult, error) {
	method, err := normalizeMethod(method)
	if err != nil {
		return nil, err
	}

	var loan models.Loan
	if err := e.db.First(&loan, loanID).Error; err != nil {
		return nil, apperr.FromDB(err, "load loan", "loan", loanID)
	}
	switch loan.Status {
	case models.LoanStatusCompleted:
		return nil, apperr.Conflict("loan %d is already fully repaid", loan.ID)
	case models.LoanStatusDefaulted:
		return nil, apperr.Conflict("loan %d is defaulted, no further repayments", loan.ID)
	}

	nextMonth := loan.CurrentMonth + 1
	if prior, err := e.monthTransaction(loan.ID, nextMonth); err != nil {
		return nil, err
	} else if prior != nil {
		return nil, apperr.DuplicatePayment(prior.Amount, prior.Date, prior.Reference)
	}

	periodsLeft := loan.Months - loan.CurrentMonth
	if periodsLeft < 1 {
		periodsLeft = 1
	}
	installment := money.Installment(loan.Remaining, periodsLeft)
	newRemaining := money.ClampZero(money.Round2(loan.Remaining.Sub(installment)))
	if paymentDate.IsZero() {
		paymentDate = time.Now()
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return nil, apperr.Persistence("begin transaction", tx.Error)
	}

	txn := models.LoanTransaction{
		LoanID:    loan.ID,
		Month:     nextMonth,
		Date:      paymentDate,
		Amount:    installment,
		Remaining: newRemaining,
		Method:    method,
		Reference: newReference(),
	}
	if err := tx.Create(&txn).Error; err != nil {
		tx.Rollback()
		if apperr.IsUniqueViolation(err) {
			if prior, perr := e.monthTransaction(loan.ID, nextMonth); perr == nil && prior != nil {
				return nil, apperr.DuplicatePayment(prior.Amount, prior.Date, prior.Reference)
			}
			return nil, apperr.Conflict("installment for month %d of loan %d already recorded", nextMonth, loan.ID)
		}
		return nil, apperr.Persistence("create installment", err)
	}

	completed := money.IsSettled(newRemaining) || nextMonth >= loan.Months
	updates := map[string]interface{}{
		"remaining":     newRemaining,
		"current_month": nextMonth,
	}
	if completed {
		updates["status"] = models.LoanStatusCompleted
		updates["completed_at"] = time.Now()
	}
	if err := tx.Model(&models.Loan{}).Where("id = ?", loan.ID).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("update loan", err)
	}

	if loan.CycleID != nil {
		if completed {
			err := tx.Model(&models.LoanSequence{}).
				Where("cycle_id = ? AND loan_id = ?", *loan.CycleID, loan.ID).
				Update("status", models.SequenceStatusCompleted).Error
			if err != nil {
				tx.Rollback()
				return nil, apperr.Persistence("complete sequence", err)
			}
		}
		// Repayments flow back into the pool when the cycle tracks one.
		if err := adjustFund(tx, *loan.CycleID, installment); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, apperr.Persistence("commit repayment", err)
	}

	metrics.RepaymentsRecorded.Inc()
	if completed {
		metrics.LoansCompleted.Inc()
		logrus.Infof("loan %d fully repaid after month %d", loan.ID, nextMonth)
	}

	var fresh models.Loan
	if err := e.db.Preload("Transactions", func(db *gorm.DB) *gorm.DB {
		return db.Order("month ASC")
	}).First(&fresh, loan.ID).Error; err != nil {
		return nil, apperr.Persistence("reload loan", err)
	}
	return &RepayResult{Transaction: &txn, Loan: &fresh}, nil
}

// MarkDefaulted is the terminal admin action for a loan that will not be
// repaid. No further installments are accepted afterwards.
func (e *RepaymentEngine) MarkDefaulted(loanID uint) (*models.Loan, error) {
	var loan models.Loan
	if err := e.db.First(&loan, loanID).Error; err != nil {
		return nil, apperr.FromDB(err, "load loan", "loan", loanID)
	}
	if loan.Status != models.LoanStatusActive {
		return nil, apperr.Conflict("only active loans can be defaulted, loan %d is %s", loan.ID, loan.Status)
	}

	if err := e.db.Model(&models.Loan{}).Where("id = ?", loan.ID).
		Update("status", models.LoanStatusDefaulted).Error; err != nil {
		return nil, apperr.Persistence("default loan", err)
	}
	loan.Status = models.LoanStatusDefaulted

	metrics.LoansDefaulted.Inc()
	logrus.Warnf("loan %d defaulted with %s outstanding", loan.ID, loan.Remaining.StringFixed(2))
	return &loan, nil
}

// DeleteLoanTransaction removes one installment and re-derives the loan from
// the surviving rows: remaining is principal minus what was actually paid,
// the month pointer is the highest repaid month. Arithmetic reversal would
// drift under out-of-order deletions; re-derivation cannot.
func (e *RepaymentEngine) DeleteLoanTransaction(txnID uint) error {
	var txn models.LoanTransaction
	if err := e.db.First(&txn, txnID).Error; err != nil {
		return apperr.FromDB(err, "load installment", "loan transaction", txnID)
	}
	var loan models.Loan
	if err := e.db.First(&loan, txn.LoanID).Error; err != nil {
		return apperr.FromDB(err, "load loan", "loan", txn.LoanID)
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return apperr.Persistence("begin transaction", tx.Error)
	}

	// Hard delete so the month slot can be repaid again.
	if err := tx.Unscoped().Delete(&models.LoanTransaction{}, txn.ID).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete installment", err)
	}

	var survivors []models.LoanTransaction
	if err := tx.Where("loan_id = ?", loan.ID).Order("month ASC").
		Find(&survivors).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("load surviving installments", err)
	}
	paid := decimal.Zero
	maxMonth := 0
	for _, s := range survivors {
		paid = paid.Add(s.Amount)
		if s.Month > maxMonth {
			maxMonth = s.Month
		}
	}
	remaining := money.ClampZero(money.Round2(loan.Principal.Sub(paid)))

	updates := map[string]interface{}{
		"remaining":     remaining,
		"current_month": maxMonth,
	}
	reactivated := false
	switch {
	case loan.Status == models.LoanStatusDefaulted:
		// Terminal by admin judgment; only the figures are corrected.
	case money.IsSettled(remaining):
		updates["status"] = models.LoanStatusCompleted
		if loan.CompletedAt == nil {
			updates["completed_at"] = time.Now()
		}
	default:
		updates["status"] = models.LoanStatusActive
		updates["completed_at"] = nil
		reactivated = loan.Status == models.LoanStatusCompleted
	}
	if err := tx.Model(&models.Loan{}).Where("id = ?", loan.ID).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("update loan", err)
	}

	if loan.CycleID != nil {
		if reactivated {
			err := tx.Model(&models.LoanSequence{}).
				Where("cycle_id = ? AND loan_id = ?", *loan.CycleID, loan.ID).
				Update("status", models.SequenceStatusDisbursed).Error
			if err != nil {
				tx.Rollback()
				return apperr.Persistence("reopen sequence", err)
			}
		}
		if err := adjustFund(tx, *loan.CycleID, txn.Amount.Neg()); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return apperr.Persistence("commit deletion", err)
	}
	logrus.Infof("deleted installment %d (month %d) of loan %d, remaining recomputed to %s",
		txn.ID, txn.Month, loan.ID, remaining.StringFixed(2))
	return nil
}

// ScheduleRow is one display row of a repayment plan. Interest-free, so the
// total payment equals the principal payment.
type ScheduleRow struct {
	Month              int             `json:"month"`
	PrincipalRemaining decimal.Decimal `json:"principal_remaining"`
	PrincipalPayment   decimal.Decimal `json:"principal_payment"`
	TotalPayment       decimal.Decimal `json:"total_payment"`
	NewBalance         decimal.Decimal `json:"new_balance"`
}

// Schedule projects the remaining balance over the periods left, one row per
// future month starting after startMonth. Pure computation, no side effects.
func Schedule(remaining decimal.Decimal, periodsLeft, startMonth int) []ScheduleRow {
	if remaining.LessThanOrEqual(decimal.Zero) || periodsLeft < 1 {
		return nil
	}
	rows := make([]ScheduleRow, 0, periodsLeft)
	balance := remaining
	for i := 0; i < periodsLeft && !money.IsSettled(balance); i++ {
		installment := money.Installment(balance, periodsLeft-i)
		newBalance := money.ClampZero(money.Round2(balance.Sub(installment)))
		rows = append(rows, ScheduleRow{
			Month:              startMonth + i + 1,
			PrincipalRemaining: balance,
			PrincipalPayment:   installment,
			TotalPayment:       installment,
			NewBalance:         newBalance,
		})
		balance = newBalance
	}
	return rows
}

// monthTransaction returns the installment recorded for (loan, month), or
// nil when the month is open.
func (e *RepaymentEngine) monthTransaction(loanID uint, month int) (*models.LoanTransaction, error) {
	var prior models.LoanTransaction
	err := e.db.Where("loan_id = ? AND month = ?", loanID, month).First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("check existing installment", err)
	}
	return &prior, nil
}
