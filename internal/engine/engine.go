// Package engine implements the cycle, collection, disbursement and
// repayment state machines. Every compound operation runs inside one
// transaction; the helpers here take the open tx so multi-engine flows
// (a payment that completes a collection and triggers a payout) commit
// or roll back as a unit.
package engine

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/models"
)

func validMethod(m models.PaymentMethod) bool {
	switch m {
	case models.PaymentMethodCash, models.PaymentMethodMpesa, models.PaymentMethodBank:
		return true
	}
	return false
}

// normalizeMethod defaults an empty method to cash and rejects unknown ones.
func normalizeMethod(m models.PaymentMethod) (models.PaymentMethod, error) {
	if m == "" {
		return models.PaymentMethodCash, nil
	}
	if !validMethod(m) {
		return "", apperr.Validation("unknown payment method %q", m)
	}
	return m, nil
}

// activeMemberCount counts the members currently contributing to a cycle.
func activeMemberCount(tx *gorm.DB, cycleID uint) (int, error) {
	var count int64
	err := tx.Model(&models.CycleMember{}).
		Where("cycle_id = ? AND is_active = ?", cycleID, true).
		Count(&count).Error
	if err != nil {
		return 0, apperr.Persistence("count cycle members", err)
	}
	return int(count), nil
}

// activeMemberIDs lists the member ids currently contributing to a cycle.
func activeMemberIDs(tx *gorm.DB, cycleID uint) ([]uint, error) {
	var ids []uint
	err := tx.Model(&models.CycleMember{}).
		Where("cycle_id = ? AND is_active = ?", cycleID, true).
		Pluck("member_id", &ids).Error
	if err != nil {
		return nil, apperr.Persistence("list cycle members", err)
	}
	return ids, nil
}

// loansGivenCount counts the payouts already made in a cycle: sequences that
// left PENDING, or that carry a linked loan.
func loansGivenCount(tx *gorm.DB, cycleID uint) (int, error) {
	var count int64
	err := tx.Model(&models.LoanSequence{}).
		Where("cycle_id = ? AND (status <> ? OR loan_id IS NOT NULL)", cycleID, models.SequenceStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, apperr.Persistence("count disbursed sequences", err)
	}
	return int(count), nil
}

// memberReceivedInCycle reports whether a member already has a loan row in
// the cycle. Completed and defaulted loans still count: the pooled payout
// goes to each member at most once per rotation.
func memberReceivedInCycle(tx *gorm.DB, cycleID, memberID uint) (bool, error) {
	var count int64
	err := tx.Model(&models.Loan{}).
		Where("cycle_id = ? AND member_id = ?", cycleID, memberID).
		Count(&count).Error
	if err != nil {
		return false, apperr.Persistence("count member loans in cycle", err)
	}
	return count > 0, nil
}

// requireActiveCycleMember loads the membership link and rejects members who
// are not part of the cycle or have been deactivated.
func requireActiveCycleMember(tx *gorm.DB, cycleID, memberID uint) (*models.CycleMember, error) {
	var cm models.CycleMember
	err := tx.Where("cycle_id = ? AND member_id = ?", cycleID, memberID).First(&cm).Error
	if err == nil {
		if !cm.IsActive {
			return nil, apperr.Validation("member %d is no longer active in cycle %d", memberID, cycleID)
		}
		return &cm, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Validation("member %d does not belong to cycle %d", memberID, cycleID)
	}
	return nil, apperr.Persistence("load cycle membership", err)
}

// adjustFund applies a delta to a cycle's pool tracker when one exists.
// Cycles created without fund accounting have no fund row and skip this.
// The balance may go negative: a payout larger than the collected pool is
// fronted from future contributions.
func adjustFund(tx *gorm.DB, cycleID uint, delta decimal.Decimal) error {
	var fund models.GroupFund
	err := tx.Where("cycle_id = ?", cycleID).First(&fund).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Persistence("load group fund", err)
	}
	err = tx.Model(&models.GroupFund{}).Where("id = ?", fund.ID).
		Update("total_funds", fund.TotalFunds.Add(delta)).Error
	if err != nil {
		return apperr.Persistence("update group fund", err)
	}
	return nil
}
