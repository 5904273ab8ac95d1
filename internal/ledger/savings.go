// Package ledger owns the savings accounts: one append-only transaction
// stream per member plus a cached total that is verified on every read.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/logger"
	"chama_ledger/internal/metrics"
	"chama_ledger/internal/models"
	"chama_ledger/internal/money"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// RecomputeTotal re-derives a member's savings total from the transaction
// stream and heals the cached value when the two drift apart by more than
// the rounding epsilon. A member without a savings account has a zero
// balance; that is not an error.
func (s *Service) RecomputeTotal(memberID uint) (decimal.Decimal, error) {
	var savings models.Savings
	err := s.db.Where("member_id = ?", memberID).First(&savings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, apperr.Persistence("load savings", err)
	}

	computed, err := sumTransactions(s.db, savings.ID)
	if err != nil {
		return decimal.Zero, err
	}

	if money.Equal(savings.TotalAmount, computed) {
		return computed, nil
	}

	logger.Log().Warnf("savings total for member %d drifted: cached %s, ledger %s",
		memberID, savings.TotalAmount.String(), computed.String())
	if err := s.db.Model(&models.Savings{}).Where("id = ?", savings.ID).
		Update("total_amount", computed).Error; err != nil {
		return decimal.Zero, apperr.Persistence("correct savings total", err)
	}
	metrics.SavingsCorrections.Inc()
	return computed, nil
}

// AppendContribution records a deposit against the member's savings account,
// creating the account on first use, and returns both the new transaction and
// the updated account. The running total stored on the new transaction is
// recomputed from the stream, not read from the cache, so a stale cached
// total cannot propagate.
func (s *Service) AppendContribution(memberID uint, amount decimal.Decimal, date time.Time) (*models.SavingsTransaction, *models.Savings, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, apperr.Validation("contribution amount must be positive, got %s", amount.String())
	}

	var member models.Member
	if err := s.db.First(&member, memberID).Error; err != nil {
		return nil, nil, apperr.FromDB(err, "load member", "member", memberID)
	}

	var (
		txn     *models.SavingsTransaction
		savings *models.Savings
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var innerErr error
		txn, savings, innerErr = Append(tx, memberID, amount, date, "")
		return innerErr
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.ContributionsAppended.Inc()
	return txn, savings, nil
}

// Append writes one contribution inside the caller's transaction and returns
// it together with the updated account. The collection and cycle engines use
// it so that a pooled payment and its savings entry commit or roll back
// together. An empty reference gets a generated one.
func Append(tx *gorm.DB, memberID uint, amount decimal.Decimal, date time.Time, reference string) (*models.SavingsTransaction, *models.Savings, error) {
	savings := models.Savings{MemberID: memberID}
	if err := tx.Where(models.Savings{MemberID: memberID}).
		Attrs(models.Savings{TotalAmount: decimal.Zero}).
		FirstOrCreate(&savings).Error; err != nil {
		return nil, nil, apperr.Persistence("open savings account", err)
	}

	current, err := sumTransactions(tx, savings.ID)
	if err != nil {
		return nil, nil, err
	}

	if reference == "" {
		reference = uuid.NewString()
	}
	newTotal := money.Round2(current.Add(amount))
	txn := models.SavingsTransaction{
		SavingsID:    savings.ID,
		Date:         date,
		Amount:       money.Round2(amount),
		RunningTotal: newTotal,
		Reference:    reference,
	}
	if err := tx.Create(&txn).Error; err != nil {
		return nil, nil, apperr.Persistence("append savings transaction", err)
	}
	if err := tx.Model(&models.Savings{}).Where("id = ?", savings.ID).
		Update("total_amount", newTotal).Error; err != nil {
		return nil, nil, apperr.Persistence("update savings total", err)
	}
	savings.TotalAmount = newTotal
	return &txn, &savings, nil
}

// DeleteTransaction removes one ledger entry, re-derives the account total
// from what is left and returns the corrected account. Later entries keep
// their recorded running totals; only the account total is rewritten.
func (s *Service) DeleteTransaction(txnID uint) (*models.Savings, error) {
	var txn models.SavingsTransaction
	if err := s.db.First(&txn, txnID).Error; err != nil {
		return nil, apperr.FromDB(err, "load savings transaction", "savings transaction", txnID)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.SavingsTransaction{}, txn.ID).Error; err != nil {
			return apperr.Persistence("delete savings transaction", err)
		}
		_, err := RecalcTotal(tx, txn.SavingsID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var savings models.Savings
	if err := s.db.First(&savings, txn.SavingsID).Error; err != nil {
		return nil, apperr.FromDB(err, "load savings", "savings", txn.SavingsID)
	}
	return &savings, nil
}

// RecalcTotal re-sums one account from its surviving rows inside the
// caller's transaction and persists the result, flooring at zero.
func RecalcTotal(tx *gorm.DB, savingsID uint) (decimal.Decimal, error) {
	remaining, err := sumTransactions(tx, savingsID)
	if err != nil {
		return decimal.Zero, err
	}
	total := money.ClampZero(remaining)
	if err := tx.Model(&models.Savings{}).Where("id = ?", savingsID).
		Update("total_amount", total).Error; err != nil {
		return decimal.Zero, apperr.Persistence("update savings total", err)
	}
	return total, nil
}

// Account returns the savings record with its transactions, healing the
// cached total first so the caller never sees a drifted value.
func (s *Service) Account(memberID uint) (*models.Savings, error) {
	if _, err := s.RecomputeTotal(memberID); err != nil {
		return nil, err
	}
	var savings models.Savings
	err := s.db.Where("member_id = ?", memberID).
		Preload("Transactions", func(db *gorm.DB) *gorm.DB {
			return db.Order("date ASC, id ASC")
		}).
		First(&savings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No deposits yet: present an empty account rather than a 404.
		return &models.Savings{MemberID: memberID, TotalAmount: decimal.Zero}, nil
	}
	if err != nil {
		return nil, apperr.Persistence("load savings", err)
	}
	return &savings, nil
}

// sumTransactions totals the positive entries of one account. Negative rows
// are legacy noise and never count toward a balance.
func sumTransactions(tx *gorm.DB, savingsID uint) (decimal.Decimal, error) {
	var txns []models.SavingsTransaction
	if err := tx.Where("savings_id = ?", savingsID).Find(&txns).Error; err != nil {
		return decimal.Zero, apperr.Persistence("load savings transactions", err)
	}
	amounts := make([]decimal.Decimal, 0, len(txns))
	for _, t := range txns {
		amounts = append(amounts, t.Amount)
	}
	return money.SumPositive(amounts), nil
}
