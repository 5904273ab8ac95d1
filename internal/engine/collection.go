package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/ledger"
	"chama_ledger/internal/metrics"
	"chama_ledger/internal/models"
	"chama_ledger/internal/money"
)

// CollectionEngine tracks one month's contribution drive: who has paid,
// whether the month is complete, and the payout that completion triggers.
type CollectionEngine struct {
	db *gorm.DB
}

func NewCollectionEngine(db *gorm.DB) *CollectionEngine {
	return &CollectionEngine{db: db}
}

// PaymentResult is what recording a payment produced. Loan is set only when
// the payment completed the month and a payout was auto-disbursed.
type PaymentResult struct {
	Payment    *models.CollectionPayment `json:"payment"`
	Collection *models.MonthlyCollection `json:"collection"`
	Loan       *models.Loan              `json:"loan,omitempty"`
	Completed  bool                      `json:"completed"`
}

// CreateCollection opens one month's drive. Expected amount is the monthly
// contribution times the members active right now; mid-cycle joins recompute
// it later.
func (e *CollectionEngine) CreateCollection(cycleID uint, month int, collectionDate time.Time) (*models.MonthlyCollection, error) {
	if month < 1 {
		return nil, apperr.Validation("collection month must be 1 or later, got %d", month)
	}

	var cycle models.LoanCycle
	if err := e.db.First(&cycle, cycleID).Error; err != nil {
		return nil, apperr.FromDB(err, "load cycle", "cycle", cycleID)
	}
	if !cycle.IsActive {
		return nil, apperr.Conflict("cycle %d is closed", cycle.ID)
	}

	var existing models.MonthlyCollection
	err := e.db.Where("cycle_id = ? AND month = ?", cycleID, month).First(&existing).Error
	if err == nil {
		return nil, apperr.Conflict("cycle %d already has a collection for month %d", cycleID, month)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Persistence("check existing collection", err)
	}

	activeCount, err := activeMemberCount(e.db, cycleID)
	if err != nil {
		return nil, err
	}
	if collectionDate.IsZero() {
		collectionDate = time.Now()
	}

	collection := models.MonthlyCollection{
		CycleID:        cycleID,
		Month:          month,
		CollectionDate: collectionDate,
		ExpectedAmount: money.MulInt(cycle.MonthlyAmount, activeCount),
		TotalCollected: decimal.Zero,
	}
	if err := e.db.Create(&collection).Error; err != nil {
		// The unique index on (cycle_id, month) closes the race two
		// concurrent creates would otherwise win together.
		return nil, apperr.FromDB(err, "create collection", "collection", 0)
	}
	return &collection, nil
}

// RecordPayment books one member's contribution for the month: the payment
// row, the collection total, the membership total and the member's savings
// ledger all move together. When the payment completes the month the payout
// is disbursed in the same transaction.
func (e *CollectionEngine) RecordPayment(collectionID, memberID uint, amount decimal.Decimal, method models.PaymentMethod, paymentDate time.Time) (*PaymentResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.Validation("payment amount must be positive, got %s", amount.String())
	}
	method, err := normalizeMethod(method)
	if err != nil {
		return nil, err
	}

	var collection models.MonthlyCollection
	if err := e.db.First(&collection, collectionID).Error; err != nil {
		return nil, apperr.FromDB(err, "load collection", "collection", collectionID)
	}
	var cycle models.LoanCycle
	if err := e.db.First(&cycle, collection.CycleID).Error; err != nil {
		return nil, apperr.FromDB(err, "load cycle", "cycle", collection.CycleID)
	}
	var member models.Member
	if err := e.db.First(&member, memberID).Error; err != nil {
		return nil, apperr.FromDB(err, "load member", "member", memberID)
	}
	membership, err := requireActiveCycleMember(e.db, cycle.ID, memberID)
	if err != nil {
		return nil, err
	}
	if prior, err := e.paidPayment(collection.ID, memberID); err != nil {
		return nil, err
	} else if prior != nil {
		return nil, apperr.DuplicatePayment(prior.Amount, prior.PaymentDate, prior.Reference)
	}

	if paymentDate.IsZero() {
		paymentDate = time.Now()
	}
	amount = money.Round2(amount)

	tx := e.db.Begin()
	if tx.Error != nil {
		return nil, apperr.Persistence("begin transaction", tx.Error)
	}

	payment := models.CollectionPayment{
		CollectionID:  collection.ID,
		MemberID:      memberID,
		Amount:        amount,
		PaymentDate:   paymentDate,
		PaymentMethod: method,
		Status:        models.PaymentStatusPaid,
		Reference:     newReference(),
	}
	if err := tx.Create(&payment).Error; err != nil {
		tx.Rollback()
		if apperr.IsUniqueViolation(err) {
			// Lost the race against a concurrent submission; surface the
			// winner's details.
			if prior, perr := e.paidPayment(collection.ID, memberID); perr == nil && prior != nil {
				return nil, apperr.DuplicatePayment(prior.Amount, prior.PaymentDate, prior.Reference)
			}
			return nil, apperr.Conflict("payment for member %d already recorded on collection %d", memberID, collection.ID)
		}
		return nil, apperr.Persistence("create payment", err)
	}

	newTotal := money.Round2(collection.TotalCollected.Add(amount))
	if err := tx.Model(&models.MonthlyCollection{}).Where("id = ?", collection.ID).
		Update("total_collected", newTotal).Error; err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("update collection total", err)
	}
	collection.TotalCollected = newTotal

	// Dual bookkeeping: the contribution counts toward the cycle and toward
	// the member's personal savings, linked by the payment reference.
	if _, _, err := ledger.Append(tx, memberID, amount, paymentDate, payment.Reference); err != nil {
		tx.Rollback()
		return nil, err
	}

	contributed := money.Round2(membership.TotalContributed.Add(amount))
	if err := tx.Model(&models.CycleMember{}).Where("id = ?", membership.ID).
		Update("total_contributed", contributed).Error; err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("update member contribution", err)
	}
	if err := adjustFund(tx, cycle.ID, amount); err != nil {
		tx.Rollback()
		return nil, err
	}

	completed, err := collectionComplete(tx, cycle.ID, collection.ID, newTotal, collection.ExpectedAmount)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	newlyCompleted := completed && !collection.IsCompleted
	if newlyCompleted {
		if err := tx.Model(&models.MonthlyCollection{}).Where("id = ?", collection.ID).
			Update("is_completed", true).Error; err != nil {
			tx.Rollback()
			return nil, apperr.Persistence("mark collection complete", err)
		}
		collection.IsCompleted = true
	}

	var loan *models.Loan
	if newlyCompleted && !collection.LoanDisbursed {
		recipient, ok, err := pickRecipient(tx, &cycle, &collection)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if ok {
			loan, err = disburseCollectionPool(tx, &cycle, &collection, recipient, models.PaymentMethodCash, "monthly rotation payout")
			if err != nil {
				tx.Rollback()
				return nil, err
			}
		} else {
			logrus.Warnf("collection %d complete but no eligible recipient in cycle %d", collection.ID, cycle.ID)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, apperr.Persistence("commit payment", err)
	}

	metrics.PaymentsRecorded.Inc()
	if newlyCompleted {
		metrics.CollectionsCompleted.Inc()
	}
	if loan != nil {
		metrics.LoansDisbursed.WithLabelValues("auto").Inc()
		logrus.Infof("collection %d completed and auto-disbursed %s to member %d",
			collection.ID, loan.Principal.StringFixed(2), loan.MemberID)
	}

	var fresh models.MonthlyCollection
	if err := e.db.Preload("Payments").First(&fresh, collection.ID).Error; err != nil {
		return nil, apperr.Persistence("reload collection", err)
	}
	return &PaymentResult{
		Payment:    &payment,
		Collection: &fresh,
		Loan:       loan,
		Completed:  fresh.IsCompleted,
	}, nil
}

// CollectionPatch updates the mutable parts of a collection: its date, and
// the designated payout recipient that overrides rotation order.
type CollectionPatch struct {
	CollectionDate *time.Time `json:"collection_date"`
	LoanMemberID   *uint      `json:"loan_member_id"`
}

// UpdateCollection applies a partial update. Designating a recipient is only
// allowed before the payout happens.
func (e *CollectionEngine) UpdateCollection(collectionID uint, patch CollectionPatch) (*models.MonthlyCollection, error) {
	var collection models.MonthlyCollection
	if err := e.db.First(&collection, collectionID).Error; err != nil {
		return nil, apperr.FromDB(err, "load collection", "collection", collectionID)
	}

	updates := map[string]interface{}{}
	if patch.CollectionDate != nil {
		updates["collection_date"] = *patch.CollectionDate
	}
	if patch.LoanMemberID != nil {
		if collection.LoanDisbursed {
			return nil, apperr.Conflict("collection %d already paid out, reverse the loan first", collection.ID)
		}
		if _, err := requireActiveCycleMember(e.db, collection.CycleID, *patch.LoanMemberID); err != nil {
			return nil, err
		}
		received, err := memberReceivedInCycle(e.db, collection.CycleID, *patch.LoanMemberID)
		if err != nil {
			return nil, err
		}
		if received {
			return nil, apperr.Conflict("member %d already received a payout in cycle %d", *patch.LoanMemberID, collection.CycleID)
		}
		updates["loan_member_id"] = *patch.LoanMemberID
	}
	if len(updates) == 0 {
		return &collection, nil
	}

	if err := e.db.Model(&models.MonthlyCollection{}).Where("id = ?", collection.ID).
		Updates(updates).Error; err != nil {
		return nil, apperr.Persistence("update collection", err)
	}
	if err := e.db.First(&collection, collectionID).Error; err != nil {
		return nil, apperr.Persistence("reload collection", err)
	}
	return &collection, nil
}

// DeleteCollection removes an undisbursed month and unwinds everything its
// payments touched: membership totals, fund balance and the savings entries
// the dual write created. Totals are re-derived from surviving rows, never
// decremented in place.
func (e *CollectionEngine) DeleteCollection(collectionID uint) error {
	var collection models.MonthlyCollection
	if err := e.db.First(&collection, collectionID).Error; err != nil {
		return apperr.FromDB(err, "load collection", "collection", collectionID)
	}
	if collection.LoanDisbursed {
		return apperr.Conflict("collection %d has a disbursed loan, reverse it before deleting", collection.ID)
	}

	var payments []models.CollectionPayment
	if err := e.db.Where("collection_id = ?", collection.ID).Find(&payments).Error; err != nil {
		return apperr.Persistence("load payments", err)
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return apperr.Persistence("begin transaction", tx.Error)
	}

	removed := decimal.Zero
	references := make([]string, 0, len(payments))
	memberIDs := make(map[uint]struct{}, len(payments))
	for _, p := range payments {
		if p.Status == models.PaymentStatusPaid {
			removed = removed.Add(p.Amount)
		}
		if p.Reference != "" {
			references = append(references, p.Reference)
		}
		memberIDs[p.MemberID] = struct{}{}
	}

	// Hard deletes: the composite unique indexes must free the slots so the
	// month can be re-entered correctly afterwards.
	if err := tx.Unscoped().Where("collection_id = ?", collection.ID).
		Delete(&models.CollectionPayment{}).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete payments", err)
	}

	// Pull back the savings entries the dual write created, then re-sum the
	// affected accounts.
	if len(references) > 0 {
		var linked []models.SavingsTransaction
		if err := tx.Where("reference IN ?", references).Find(&linked).Error; err != nil {
			tx.Rollback()
			return apperr.Persistence("load linked savings entries", err)
		}
		savingsIDs := make(map[uint]struct{}, len(linked))
		for _, l := range linked {
			savingsIDs[l.SavingsID] = struct{}{}
		}
		if len(linked) > 0 {
			if err := tx.Where("reference IN ?", references).
				Delete(&models.SavingsTransaction{}).Error; err != nil {
				tx.Rollback()
				return apperr.Persistence("delete linked savings entries", err)
			}
			for id := range savingsIDs {
				if _, err := ledger.RecalcTotal(tx, id); err != nil {
					tx.Rollback()
					return err
				}
			}
		}
	}

	for memberID := range memberIDs {
		if err := recalcMemberContribution(tx, collection.CycleID, memberID); err != nil {
			tx.Rollback()
			return err
		}
	}
	if removed.IsPositive() {
		if err := adjustFund(tx, collection.CycleID, removed.Neg()); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Unscoped().Delete(&models.MonthlyCollection{}, collection.ID).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete collection", err)
	}
	if err := tx.Commit().Error; err != nil {
		return apperr.Persistence("commit deletion", err)
	}

	logrus.Infof("deleted collection %d (cycle %d month %d) and %d payments",
		collection.ID, collection.CycleID, collection.Month, len(payments))
	return nil
}

// paidPayment returns the existing PAID payment for (collection, member),
// or nil when there is none.
func (e *CollectionEngine) paidPayment(collectionID, memberID uint) (*models.CollectionPayment, error) {
	var prior models.CollectionPayment
	err := e.db.Where("collection_id = ? AND member_id = ? AND status = ?",
		collectionID, memberID, models.PaymentStatusPaid).First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("check existing payment", err)
	}
	return &prior, nil
}

// collectionComplete applies the completion rule: every active member has a
// PAID payment and the collected total covers the expected amount.
func collectionComplete(tx *gorm.DB, cycleID, collectionID uint, totalCollected, expectedAmount decimal.Decimal) (bool, error) {
	active, err := activeMemberIDs(tx, cycleID)
	if err != nil {
		return false, err
	}
	if len(active) == 0 {
		return false, nil
	}

	var paidIDs []uint
	err = tx.Model(&models.CollectionPayment{}).
		Where("collection_id = ? AND status = ?", collectionID, models.PaymentStatusPaid).
		Distinct().Pluck("member_id", &paidIDs).Error
	if err != nil {
		return false, apperr.Persistence("list paid members", err)
	}
	paid := make(map[uint]struct{}, len(paidIDs))
	for _, id := range paidIDs {
		paid[id] = struct{}{}
	}
	for _, id := range active {
		if _, ok := paid[id]; !ok {
			return false, nil
		}
	}
	return totalCollected.GreaterThanOrEqual(expectedAmount), nil
}

// recalcMemberContribution re-derives one member's contributed total from
// their surviving PAID payments across the cycle's collections.
func recalcMemberContribution(tx *gorm.DB, cycleID, memberID uint) error {
	var cm models.CycleMember
	err := tx.Where("cycle_id = ? AND member_id = ?", cycleID, memberID).First(&cm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Persistence("load cycle membership", err)
	}

	var payments []models.CollectionPayment
	err = tx.Joins("JOIN monthly_collections ON monthly_collections.id = collection_payments.collection_id").
		Where("monthly_collections.cycle_id = ? AND collection_payments.member_id = ? AND collection_payments.status = ?",
			cycleID, memberID, models.PaymentStatusPaid).
		Where("monthly_collections.deleted_at IS NULL").
		Find(&payments).Error
	if err != nil {
		return apperr.Persistence("load member payments", err)
	}
	amounts := make([]decimal.Decimal, 0, len(payments))
	for _, p := range payments {
		amounts = append(amounts, p.Amount)
	}
	total := money.SumPositive(amounts)
	if err := tx.Model(&models.CycleMember{}).Where("id = ?", cm.ID).
		Update("total_contributed", total).Error; err != nil {
		return apperr.Persistence("update member contribution", err)
	}
	return nil
}
