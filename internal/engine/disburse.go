package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/ledger"
	"chama_ledger/internal/metrics"
	"chama_ledger/internal/models"
	"chama_ledger/internal/money"
)

// DisbursementEngine turns a collected pool or a schedule slot into an
// actual Loan, and reverses payouts that were recorded by mistake.
type DisbursementEngine struct {
	db *gorm.DB
}

func NewDisbursementEngine(db *gorm.DB) *DisbursementEngine {
	return &DisbursementEngine{db: db}
}

// DisburseFromCollection pays the pooled amount of one monthly collection to
// the chosen member. The loan principal is what was actually collected, not
// the theoretical monthly total.
func (e *DisbursementEngine) DisburseFromCollection(collectionID, memberID uint, method models.PaymentMethod, reason string) (*models.Loan, error) {
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
	if !cycle.IsActive {
		return nil, apperr.Conflict("cycle %d is closed", cycle.ID)
	}
	if _, err := requireActiveCycleMember(e.db, cycle.ID, memberID); err != nil {
		return nil, err
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return nil, apperr.Persistence("begin transaction", tx.Error)
	}
	loan, err := disburseCollectionPool(tx, &cycle, &collection, memberID, method, reason)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, apperr.Persistence("commit disbursement", err)
	}

	metrics.LoansDisbursed.WithLabelValues("collection").Inc()
	logrus.Infof("disbursed %s to member %d from collection %d (cycle %d month %d)",
		loan.Principal.StringFixed(2), memberID, collection.ID, cycle.ID, collection.Month)
	return loan, nil
}

// disburseCollectionPool creates the loan inside the caller's transaction.
// The conditional update on loan_disbursed is the guard against two requests
// paying out the same collection: only one of them flips the bit.
func disburseCollectionPool(tx *gorm.DB, cycle *models.LoanCycle, collection *models.MonthlyCollection, memberID uint, method models.PaymentMethod, reason string) (*models.Loan, error) {
	pool := collection.TotalCollected
	if pool.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.Conflict("collection %d has nothing collected to disburse", collection.ID)
	}

	activeCount, err := activeMemberCount(tx, cycle.ID)
	if err != nil {
		return nil, err
	}
	given, err := loansGivenCount(tx, cycle.ID)
	if err != nil {
		return nil, err
	}
	months := activeCount - given
	if months < 1 {
		months = 1
	}

	claim := tx.Model(&models.MonthlyCollection{}).
		Where("id = ? AND loan_disbursed = ?", collection.ID, false).
		Updates(map[string]interface{}{
			"loan_disbursed": true,
			"loan_member_id": memberID,
			"loan_amount":    pool,
		})
	if claim.Error != nil {
		return nil, apperr.Persistence("mark collection disbursed", claim.Error)
	}
	if claim.RowsAffected == 0 {
		return nil, apperr.Conflict("collection %d already has a disbursed loan", collection.ID)
	}

	received, err := memberReceivedInCycle(tx, cycle.ID, memberID)
	if err != nil {
		return nil, err
	}
	if received {
		return nil, apperr.Conflict("member %d already received a payout in cycle %d", memberID, cycle.ID)
	}

	loan := models.Loan{
		MemberID:           memberID,
		CycleID:            &cycle.ID,
		Principal:          pool,
		Remaining:          pool,
		Months:             months,
		CurrentMonth:       0,
		Status:             models.LoanStatusActive,
		DisbursedAt:        time.Now(),
		DisbursementMethod: method,
		Reason:             reason,
	}
	if err := tx.Create(&loan).Error; err != nil {
		return nil, apperr.Persistence("create loan", err)
	}

	// A sequence slot may or may not exist for the member; link it when it does.
	res := tx.Model(&models.LoanSequence{}).
		Where("cycle_id = ? AND member_id = ? AND status = ?", cycle.ID, memberID, models.SequenceStatusPending).
		Updates(map[string]interface{}{
			"status":      models.SequenceStatusDisbursed,
			"loan_id":     loan.ID,
			"loan_amount": pool,
		})
	if res.Error != nil {
		return nil, apperr.Persistence("mark sequence disbursed", res.Error)
	}

	if err := creditMemberReceived(tx, cycle.ID, memberID, pool); err != nil {
		return nil, err
	}
	if err := adjustFund(tx, cycle.ID, pool.Neg()); err != nil {
		return nil, err
	}
	if err := advanceCycle(tx, cycle, collection.Month); err != nil {
		return nil, err
	}
	if _, err := settleCycleIfComplete(tx, cycle.ID); err != nil {
		return nil, err
	}
	return &loan, nil
}

// pickRecipient chooses who receives an auto-disbursed payout: an explicitly
// designated member wins, otherwise the lowest pending rotation slot whose
// member has not yet received one.
func pickRecipient(tx *gorm.DB, cycle *models.LoanCycle, collection *models.MonthlyCollection) (uint, bool, error) {
	if collection.LoanMemberID != nil {
		received, err := memberReceivedInCycle(tx, cycle.ID, *collection.LoanMemberID)
		if err != nil {
			return 0, false, err
		}
		if !received {
			return *collection.LoanMemberID, true, nil
		}
		logrus.Warnf("designated member %d already received a payout in cycle %d, falling back to rotation order",
			*collection.LoanMemberID, cycle.ID)
	}

	var sequences []models.LoanSequence
	err := tx.Where("cycle_id = ? AND status = ?", cycle.ID, models.SequenceStatusPending).
		Order("month ASC").Find(&sequences).Error
	if err != nil {
		return 0, false, apperr.Persistence("load pending sequences", err)
	}
	for _, seq := range sequences {
		var cm models.CycleMember
		err := tx.Where("cycle_id = ? AND member_id = ? AND is_active = ?", cycle.ID, seq.MemberID, true).
			First(&cm).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return 0, false, apperr.Persistence("load cycle membership", err)
		}
		received, err := memberReceivedInCycle(tx, cycle.ID, seq.MemberID)
		if err != nil {
			return 0, false, err
		}
		if !received {
			return seq.MemberID, true, nil
		}
	}
	return 0, false, nil
}

// DisburseFromSequence pays out a rotation slot directly: the full pooled
// amount the slot was priced at, amortized over the cycle's member count.
func (e *DisbursementEngine) DisburseFromSequence(sequenceID uint, guarantor1, guarantor2 *uint, method models.PaymentMethod, reason string) (*models.Loan, error) {
	method, err := normalizeMethod(method)
	if err != nil {
		return nil, err
	}

	var sequence models.LoanSequence
	if err := e.db.First(&sequence, sequenceID).Error; err != nil {
		return nil, apperr.FromDB(err, "load sequence", "sequence", sequenceID)
	}
	if sequence.Status != models.SequenceStatusPending {
		return nil, apperr.Conflict("sequence %d is %s, only pending slots can be disbursed", sequence.ID, sequence.Status)
	}
	var cycle models.LoanCycle
	if err := e.db.First(&cycle, sequence.CycleID).Error; err != nil {
		return nil, apperr.FromDB(err, "load cycle", "cycle", sequence.CycleID)
	}
	if !cycle.IsActive {
		return nil, apperr.Conflict("cycle %d is closed", cycle.ID)
	}
	if _, err := requireActiveCycleMember(e.db, cycle.ID, sequence.MemberID); err != nil {
		return nil, err
	}
	if err := checkGuarantors(e.db, sequence.MemberID, guarantor1, guarantor2); err != nil {
		return nil, err
	}

	amount := sequence.LoanAmount
	months := cycle.TotalMembers
	if months < 1 {
		months = 1
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return nil, apperr.Persistence("begin transaction", tx.Error)
	}

	claim := tx.Model(&models.LoanSequence{}).
		Where("id = ? AND status = ?", sequence.ID, models.SequenceStatusPending).
		Update("status", models.SequenceStatusDisbursed)
	if claim.Error != nil {
		tx.Rollback()
		return nil, apperr.Persistence("mark sequence disbursed", claim.Error)
	}
	if claim.RowsAffected == 0 {
		tx.Rollback()
		return nil, apperr.Conflict("sequence %d was already disbursed", sequence.ID)
	}

	received, err := memberReceivedInCycle(tx, cycle.ID, sequence.MemberID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if received {
		tx.Rollback()
		return nil, apperr.Conflict("member %d already received a payout in cycle %d", sequence.MemberID, cycle.ID)
	}

	loan := models.Loan{
		MemberID:           sequence.MemberID,
		CycleID:            &cycle.ID,
		Principal:          amount,
		Remaining:          amount,
		Months:             months,
		CurrentMonth:       0,
		Status:             models.LoanStatusActive,
		DisbursedAt:        time.Now(),
		DisbursementMethod: method,
		Guarantor1ID:       guarantor1,
		Guarantor2ID:       guarantor2,
		Reason:             reason,
	}
	if err := tx.Create(&loan).Error; err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("create loan", err)
	}
	if err := tx.Model(&models.LoanSequence{}).Where("id = ?", sequence.ID).
		Update("loan_id", loan.ID).Error; err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("link sequence loan", err)
	}

	if err := creditMemberReceived(tx, cycle.ID, sequence.MemberID, amount); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := adjustFund(tx, cycle.ID, amount.Neg()); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := advanceCycle(tx, &cycle, sequence.Month); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := settleCycleIfComplete(tx, cycle.ID); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, apperr.Persistence("commit disbursement", err)
	}

	metrics.LoansDisbursed.WithLabelValues("sequence").Inc()
	logrus.Infof("disbursed %s to member %d from sequence %d (cycle %d month %d)",
		amount.StringFixed(2), sequence.MemberID, sequence.ID, cycle.ID, sequence.Month)
	return &loan, nil
}

// StandaloneLoanRequest creates a loan outside any rotation cycle. A
// savings-backed loan is capped at the member's current savings balance.
type StandaloneLoanRequest struct {
	MemberID      uint
	Principal     decimal.Decimal
	Months        int
	Method        models.PaymentMethod
	Guarantor1ID  *uint
	Guarantor2ID  *uint
	Reason        string
	SavingsBacked bool
	DisbursedAt   time.Time
}

// CreateStandaloneLoan disburses an individual loan with no cycle attached.
func (e *DisbursementEngine) CreateStandaloneLoan(req StandaloneLoanRequest) (*models.Loan, error) {
	if req.Principal.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.Validation("loan principal must be positive, got %s", req.Principal.String())
	}
	if req.Months < 1 {
		return nil, apperr.Validation("loan term must be at least one month, got %d", req.Months)
	}
	method, err := normalizeMethod(req.Method)
	if err != nil {
		return nil, err
	}

	var member models.Member
	if err := e.db.First(&member, req.MemberID).Error; err != nil {
		return nil, apperr.FromDB(err, "load member", "member", req.MemberID)
	}
	if !member.IsActive {
		return nil, apperr.Validation("member %d is deactivated", member.ID)
	}
	if err := checkGuarantors(e.db, req.MemberID, req.Guarantor1ID, req.Guarantor2ID); err != nil {
		return nil, err
	}

	if req.SavingsBacked {
		available, err := ledger.NewService(e.db).RecomputeTotal(req.MemberID)
		if err != nil {
			return nil, err
		}
		if req.Principal.GreaterThan(available) {
			return nil, &apperr.InsufficientPoolError{Requested: req.Principal, Available: available}
		}
	}

	disbursedAt := req.DisbursedAt
	if disbursedAt.IsZero() {
		disbursedAt = time.Now()
	}
	loan := models.Loan{
		MemberID:           req.MemberID,
		Principal:          money.Round2(req.Principal),
		Remaining:          money.Round2(req.Principal),
		Months:             req.Months,
		CurrentMonth:       0,
		Status:             models.LoanStatusActive,
		DisbursedAt:        disbursedAt,
		DisbursementMethod: method,
		Guarantor1ID:       req.Guarantor1ID,
		Guarantor2ID:       req.Guarantor2ID,
		Reason:             req.Reason,
	}
	if err := e.db.Create(&loan).Error; err != nil {
		return nil, apperr.Persistence("create loan", err)
	}

	metrics.LoansDisbursed.WithLabelValues("standalone").Inc()
	return &loan, nil
}

// ReverseLoanDisbursement undoes a payout that has no repayments yet:
// deletes the loan and restores the collection, sequence, membership and
// fund state it had claimed. A partially repaid loan cannot be reversed.
func (e *DisbursementEngine) ReverseLoanDisbursement(loanID uint) error {
	var loan models.Loan
	if err := e.db.First(&loan, loanID).Error; err != nil {
		return apperr.FromDB(err, "load loan", "loan", loanID)
	}

	var repayments int64
	if err := e.db.Model(&models.LoanTransaction{}).Where("loan_id = ?", loan.ID).
		Count(&repayments).Error; err != nil {
		return apperr.Persistence("count repayments", err)
	}
	if repayments > 0 {
		return apperr.Conflict("loan %d has %d recorded repayments, delete those first", loan.ID, repayments)
	}

	tx := e.db.Begin()
	if tx.Error != nil {
		return apperr.Persistence("begin transaction", tx.Error)
	}

	if loan.CycleID != nil {
		cycleID := *loan.CycleID
		var cycle models.LoanCycle
		if err := tx.First(&cycle, cycleID).Error; err != nil {
			tx.Rollback()
			return apperr.FromDB(err, "load cycle", "cycle", cycleID)
		}

		err := tx.Model(&models.MonthlyCollection{}).
			Where("cycle_id = ? AND loan_member_id = ? AND loan_disbursed = ?", cycleID, loan.MemberID, true).
			Updates(map[string]interface{}{
				"loan_disbursed": false,
				"loan_member_id": nil,
				"loan_amount":    decimal.Zero,
			}).Error
		if err != nil {
			tx.Rollback()
			return apperr.Persistence("reset collection", err)
		}

		// The slot goes back to PENDING at the current pool price, the same
		// amount every other pending slot carries.
		scheduled := money.MulInt(cycle.MonthlyAmount, cycle.TotalMembers)
		err = tx.Model(&models.LoanSequence{}).
			Where("cycle_id = ? AND loan_id = ?", cycleID, loan.ID).
			Updates(map[string]interface{}{
				"status":      models.SequenceStatusPending,
				"loan_id":     nil,
				"loan_amount": scheduled,
			}).Error
		if err != nil {
			tx.Rollback()
			return apperr.Persistence("reset sequence", err)
		}

		if err := creditMemberReceived(tx, cycleID, loan.MemberID, loan.Principal.Neg()); err != nil {
			tx.Rollback()
			return err
		}
		if err := adjustFund(tx, cycleID, loan.Principal); err != nil {
			tx.Rollback()
			return err
		}

		month, err := recomputeCycleProgress(tx, cycleID)
		if err != nil {
			tx.Rollback()
			return err
		}
		updates := map[string]interface{}{"current_month": month}
		if !cycle.IsActive {
			// An unreceived member exists again, so the rotation reopens.
			updates["is_active"] = true
			updates["end_date"] = nil
		}
		if err := tx.Model(&models.LoanCycle{}).Where("id = ?", cycleID).
			Updates(updates).Error; err != nil {
			tx.Rollback()
			return apperr.Persistence("update cycle", err)
		}
	}

	if err := tx.Delete(&models.Loan{}, loan.ID).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete loan", err)
	}
	if err := tx.Commit().Error; err != nil {
		return apperr.Persistence("commit reversal", err)
	}

	metrics.LoansReversed.Inc()
	logrus.Infof("reversed loan %d of %s to member %d", loan.ID, loan.Principal.StringFixed(2), loan.MemberID)
	return nil
}

// creditMemberReceived adjusts the membership link's received total,
// flooring at zero on reversals.
func creditMemberReceived(tx *gorm.DB, cycleID, memberID uint, delta decimal.Decimal) error {
	var cm models.CycleMember
	err := tx.Where("cycle_id = ? AND member_id = ?", cycleID, memberID).First(&cm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Persistence("load cycle membership", err)
	}
	total := money.ClampZero(cm.TotalReceived.Add(delta))
	if err := tx.Model(&models.CycleMember{}).Where("id = ?", cm.ID).
		Update("total_received", total).Error; err != nil {
		return apperr.Persistence("update member received total", err)
	}
	return nil
}

// advanceCycle moves the rotation pointer forward, never backward.
func advanceCycle(tx *gorm.DB, cycle *models.LoanCycle, month int) error {
	if month <= cycle.CurrentMonth {
		return nil
	}
	if err := tx.Model(&models.LoanCycle{}).Where("id = ?", cycle.ID).
		Update("current_month", month).Error; err != nil {
		return apperr.Persistence("advance cycle month", err)
	}
	cycle.CurrentMonth = month
	return nil
}

// recomputeCycleProgress re-derives the rotation pointer from what is still
// disbursed, used after a reversal pulls a payout back.
func recomputeCycleProgress(tx *gorm.DB, cycleID uint) (int, error) {
	var fromCollections int64
	err := tx.Model(&models.MonthlyCollection{}).
		Where("cycle_id = ? AND loan_disbursed = ?", cycleID, true).
		Select("COALESCE(MAX(month), 0)").Scan(&fromCollections).Error
	if err != nil {
		return 0, apperr.Persistence("scan collection months", err)
	}
	var fromSequences int64
	err = tx.Model(&models.LoanSequence{}).
		Where("cycle_id = ? AND status <> ?", cycleID, models.SequenceStatusPending).
		Select("COALESCE(MAX(month), 0)").Scan(&fromSequences).Error
	if err != nil {
		return 0, apperr.Persistence("scan sequence months", err)
	}
	month := int(fromCollections)
	if int(fromSequences) > month {
		month = int(fromSequences)
	}
	return month, nil
}

// settleCycleIfComplete deactivates the cycle once every active member has a
// payout. Reversal is the only path that reopens it.
func settleCycleIfComplete(tx *gorm.DB, cycleID uint) (bool, error) {
	activeCount, err := activeMemberCount(tx, cycleID)
	if err != nil {
		return false, err
	}
	if activeCount == 0 {
		return false, nil
	}
	var loans int64
	if err := tx.Model(&models.Loan{}).Where("cycle_id = ?", cycleID).
		Count(&loans).Error; err != nil {
		return false, apperr.Persistence("count cycle loans", err)
	}
	if int(loans) < activeCount {
		return false, nil
	}
	now := time.Now()
	err = tx.Model(&models.LoanCycle{}).
		Where("id = ? AND is_active = ?", cycleID, true).
		Updates(map[string]interface{}{"is_active": false, "end_date": now}).Error
	if err != nil {
		return false, apperr.Persistence("close cycle", err)
	}
	logrus.Infof("cycle %d complete: all %d members have received their payout", cycleID, activeCount)
	return true, nil
}

// checkGuarantors verifies guarantor references exist and are not the
// borrower.
func checkGuarantors(db *gorm.DB, memberID uint, g1, g2 *uint) error {
	for _, g := range []*uint{g1, g2} {
		if g == nil {
			continue
		}
		if *g == memberID {
			return apperr.Validation("a member cannot guarantee their own loan")
		}
		var guarantor models.Member
		if err := db.First(&guarantor, *g).Error; err != nil {
			return apperr.FromDB(err, "load guarantor", "guarantor", *g)
		}
	}
	return nil
}

// newReference tags financial rows written by engine flows.
func newReference() string {
	return uuid.NewString()
}
