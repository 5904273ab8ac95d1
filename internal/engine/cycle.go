package engine

import (
	"context"
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

const cycleNumberAttempts = 3

// CycleEngine manages rotation lifecycles: creation, mid-cycle joins with
// catch-up payments, closure and teardown. Creation and teardown fan out one
// write per member, so they run under the broad transaction deadline.
type CycleEngine struct {
	db           *gorm.DB
	txTimeout    time.Duration
	broadTimeout time.Duration
}

func NewCycleEngine(db *gorm.DB, txTimeout, broadTimeout time.Duration) *CycleEngine {
	if txTimeout <= 0 {
		txTimeout = 10 * time.Second
	}
	if broadTimeout <= 0 {
		broadTimeout = 60 * time.Second
	}
	return &CycleEngine{db: db, txTimeout: txTimeout, broadTimeout: broadTimeout}
}

// CreateCycleRequest is the resolved form of the two cycle flavors the API
// accepts: a plain fixed-member rotation, or one that additionally keeps a
// group fund tracker (WithFund), optionally seeded with opening capital.
type CreateCycleRequest struct {
	MemberIDs     []uint
	MonthlyAmount decimal.Decimal
	StartDate     time.Time
	WithFund      bool
	SeedAmount    decimal.Decimal
}

// CreateCycle starts a rotation. The order of MemberIDs is the rotation
// order: member i is scheduled for month i+1, every slot priced at the full
// pool. Cycle numbers come from a retry-on-conflict allocation so two
// concurrent creates never share one.
func (e *CycleEngine) CreateCycle(req CreateCycleRequest) (*models.LoanCycle, error) {
	if len(req.MemberIDs) < 1 {
		return nil, apperr.Validation("a cycle needs at least one member")
	}
	if req.MonthlyAmount.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.Validation("monthly amount must be positive, got %s", req.MonthlyAmount.String())
	}
	if req.SeedAmount.IsNegative() {
		return nil, apperr.Validation("fund seed amount cannot be negative")
	}
	seen := make(map[uint]struct{}, len(req.MemberIDs))
	for _, id := range req.MemberIDs {
		if _, dup := seen[id]; dup {
			return nil, apperr.Validation("member %d listed twice", id)
		}
		seen[id] = struct{}{}
	}
	if err := e.checkMembers(req.MemberIDs); err != nil {
		return nil, err
	}

	startDate := req.StartDate
	if startDate.IsZero() {
		startDate = time.Now()
	}
	monthly := money.Round2(req.MonthlyAmount)
	pooled := money.MulInt(monthly, len(req.MemberIDs))

	ctx, cancel := context.WithTimeout(context.Background(), e.broadTimeout)
	defer cancel()

	var created *models.LoanCycle
	for attempt := 1; attempt <= cycleNumberAttempts; attempt++ {
		candidate, err := e.nextCycleNumber()
		if err != nil {
			return nil, err
		}

		cycle := models.LoanCycle{
			CycleNumber:   candidate,
			StartDate:     startDate,
			MonthlyAmount: monthly,
			TotalMembers:  len(req.MemberIDs),
			CurrentMonth:  0,
			IsActive:      true,
		}

		tx := e.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return nil, apperr.Persistence("begin transaction", tx.Error)
		}
		if err := tx.Create(&cycle).Error; err != nil {
			tx.Rollback()
			if apperr.IsUniqueViolation(err) {
				logrus.Warnf("cycle number %d taken, retrying (attempt %d)", candidate, attempt)
				continue
			}
			return nil, apperr.Persistence("create cycle", err)
		}

		for i, memberID := range req.MemberIDs {
			cm := models.CycleMember{
				CycleID:   cycle.ID,
				MemberID:  memberID,
				JoinMonth: 1,
				IsActive:  true,
			}
			if err := tx.Create(&cm).Error; err != nil {
				tx.Rollback()
				return nil, apperr.Persistence("create cycle membership", err)
			}
			seq := models.LoanSequence{
				CycleID:    cycle.ID,
				Month:      i + 1,
				MemberID:   memberID,
				LoanAmount: pooled,
				Status:     models.SequenceStatusPending,
			}
			if err := tx.Create(&seq).Error; err != nil {
				tx.Rollback()
				return nil, apperr.Persistence("create sequence", err)
			}
		}

		if req.WithFund {
			seed := money.Round2(req.SeedAmount)
			fund := models.GroupFund{
				CycleID:        cycle.ID,
				InvestmentPool: seed,
				TotalFunds:     seed,
			}
			if err := tx.Create(&fund).Error; err != nil {
				tx.Rollback()
				return nil, apperr.Persistence("create group fund", err)
			}
		}

		if err := tx.Commit().Error; err != nil {
			return nil, apperr.Persistence("commit cycle", err)
		}
		created = &cycle
		break
	}
	if created == nil {
		return nil, apperr.Conflict("could not allocate a cycle number after %d attempts", cycleNumberAttempts)
	}

	var full models.LoanCycle
	err := e.db.Preload("Members.Member").Preload("Sequences").Preload("Fund").
		First(&full, created.ID).Error
	if err != nil {
		return nil, apperr.Persistence("reload cycle", err)
	}
	logrus.Infof("created cycle %d (#%d) with %d members contributing %s monthly",
		full.ID, full.CycleNumber, full.TotalMembers, monthly.StringFixed(2))
	return &full, nil
}

// JoinResult is what a mid-cycle join produced: the new rotation slot, the
// membership link, and the catch-up payment when one was owed and recorded.
type JoinResult struct {
	Sequence          *models.LoanSequence      `json:"sequence"`
	Membership        *models.CycleMember       `json:"membership"`
	CatchUpAmount     decimal.Decimal           `json:"catch_up_amount"`
	LoansAlreadyGiven int                       `json:"loans_already_given"`
	CatchUpPayment    *models.CollectionPayment `json:"catch_up_payment,omitempty"`
}

// AddMemberToCycle joins a member into a running rotation. The joiner owes a
// catch-up of monthlyAmount for every payout already made, recorded against
// the latest collection when one exists. Pending slots are repriced to the
// grown pool; already-disbursed ones keep the amount actually paid.
func (e *CycleEngine) AddMemberToCycle(cycleID, memberID uint, monthlyAmount decimal.Decimal, joiningDate time.Time) (*JoinResult, error) {
	var cycle models.LoanCycle
	if err := e.db.First(&cycle, cycleID).Error; err != nil {
		return nil, apperr.FromDB(err, "load cycle", "cycle", cycleID)
	}
	if !cycle.IsActive {
		return nil, apperr.Conflict("cycle %d is closed", cycle.ID)
	}
	var member models.Member
	if err := e.db.First(&member, memberID).Error; err != nil {
		return nil, apperr.FromDB(err, "load member", "member", memberID)
	}
	if !member.IsActive {
		return nil, apperr.Validation("member %d is deactivated", member.ID)
	}
	if !monthlyAmount.IsZero() && !monthlyAmount.Equal(cycle.MonthlyAmount) {
		return nil, apperr.Validation("cycle %d contributes %s monthly, got %s",
			cycle.ID, cycle.MonthlyAmount.StringFixed(2), monthlyAmount.StringFixed(2))
	}

	var existing models.CycleMember
	err := e.db.Where("cycle_id = ? AND member_id = ?", cycleID, memberID).First(&existing).Error
	if err == nil {
		return nil, apperr.Conflict("member %d already belongs to cycle %d", memberID, cycleID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Persistence("check membership", err)
	}

	given, err := loansGivenCount(e.db, cycleID)
	if err != nil {
		return nil, err
	}
	catchUp := money.MulInt(cycle.MonthlyAmount, given)
	newTotal := cycle.TotalMembers + 1
	newPool := money.MulInt(cycle.MonthlyAmount, newTotal)

	var lastSlot int64
	err = e.db.Model(&models.LoanSequence{}).Where("cycle_id = ?", cycleID).
		Select("COALESCE(MAX(month), 0)").Scan(&lastSlot).Error
	if err != nil {
		return nil, apperr.Persistence("scan sequence slots", err)
	}
	if joiningDate.IsZero() {
		joiningDate = time.Now()
	}

	// A join writes a bounded handful of rows; the ordinary deadline is
	// enough.
	ctx, cancel := context.WithTimeout(context.Background(), e.txTimeout)
	defer cancel()
	tx := e.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, apperr.Persistence("begin transaction", tx.Error)
	}

	if err := tx.Model(&models.LoanCycle{}).Where("id = ?", cycle.ID).
		Update("total_members", newTotal).Error; err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("update cycle members count", err)
	}
	cycle.TotalMembers = newTotal

	// Fairness rule: only slots nobody has been paid from yet move to the
	// new pool price.
	err = tx.Model(&models.LoanSequence{}).
		Where("cycle_id = ? AND status = ?", cycleID, models.SequenceStatusPending).
		Update("loan_amount", newPool).Error
	if err != nil {
		tx.Rollback()
		return nil, apperr.Persistence("reprice pending sequences", err)
	}

	sequence := models.LoanSequence{
		CycleID:    cycleID,
		Month:      int(lastSlot) + 1,
		MemberID:   memberID,
		LoanAmount: newPool,
		Status:     models.SequenceStatusPending,
	}
	if err := tx.Create(&sequence).Error; err != nil {
		tx.Rollback()
		return nil, apperr.FromDB(err, "create sequence", "sequence slot", 0)
	}

	membership := models.CycleMember{
		CycleID:   cycleID,
		MemberID:  memberID,
		JoinMonth: cycle.CurrentMonth + 1,
		IsActive:  true,
	}
	if err := tx.Create(&membership).Error; err != nil {
		tx.Rollback()
		return nil, apperr.FromDB(err, "create cycle membership", "cycle membership", 0)
	}

	result := &JoinResult{
		Sequence:          &sequence,
		Membership:        &membership,
		CatchUpAmount:     catchUp,
		LoansAlreadyGiven: given,
	}

	if catchUp.IsPositive() {
		payment, err := e.recordCatchUp(tx, &cycle, &membership, catchUp, joiningDate)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		result.CatchUpPayment = payment
	}

	if err := tx.Commit().Error; err != nil {
		return nil, apperr.Persistence("commit join", err)
	}

	logrus.Infof("member %d joined cycle %d at slot %d, catch-up %s for %d prior payouts",
		memberID, cycleID, sequence.Month, catchUp.StringFixed(2), given)
	return result, nil
}

// recordCatchUp books the joiner's retroactive contribution on the latest
// collection, with the same dual write and completion handling an ordinary
// payment gets. A cycle with no collections yet records nothing; the owed
// amount is still reported back.
func (e *CycleEngine) recordCatchUp(tx *gorm.DB, cycle *models.LoanCycle, membership *models.CycleMember, catchUp decimal.Decimal, joiningDate time.Time) (*models.CollectionPayment, error) {
	var latest models.MonthlyCollection
	err := tx.Where("cycle_id = ?", cycle.ID).Order("month DESC").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("load latest collection", err)
	}

	payment := models.CollectionPayment{
		CollectionID:  latest.ID,
		MemberID:      membership.MemberID,
		Amount:        catchUp,
		PaymentDate:   joiningDate,
		PaymentMethod: models.PaymentMethodCash,
		Status:        models.PaymentStatusPaid,
		Reference:     newReference(),
	}
	if err := tx.Create(&payment).Error; err != nil {
		return nil, apperr.FromDB(err, "create catch-up payment", "payment", 0)
	}

	newCollected := money.Round2(latest.TotalCollected.Add(catchUp))
	updates := map[string]interface{}{"total_collected": newCollected}
	if !latest.IsCompleted {
		// The drive now spans one more member; completed months stay as the
		// settled history they are.
		active, err := activeMemberCount(tx, cycle.ID)
		if err != nil {
			return nil, err
		}
		latest.ExpectedAmount = money.MulInt(cycle.MonthlyAmount, active)
		updates["expected_amount"] = latest.ExpectedAmount
	}
	if err := tx.Model(&models.MonthlyCollection{}).Where("id = ?", latest.ID).
		Updates(updates).Error; err != nil {
		return nil, apperr.Persistence("update collection totals", err)
	}
	latest.TotalCollected = newCollected

	if _, _, err := ledger.Append(tx, membership.MemberID, catchUp, joiningDate, payment.Reference); err != nil {
		return nil, err
	}
	if err := tx.Model(&models.CycleMember{}).Where("id = ?", membership.ID).
		Update("total_contributed", catchUp).Error; err != nil {
		return nil, apperr.Persistence("update member contribution", err)
	}
	membership.TotalContributed = catchUp
	if err := adjustFund(tx, cycle.ID, catchUp); err != nil {
		return nil, err
	}
	metrics.PaymentsRecorded.Inc()

	if !latest.IsCompleted {
		complete, err := collectionComplete(tx, cycle.ID, latest.ID, newCollected, latest.ExpectedAmount)
		if err != nil {
			return nil, err
		}
		if complete {
			if err := tx.Model(&models.MonthlyCollection{}).Where("id = ?", latest.ID).
				Update("is_completed", true).Error; err != nil {
				return nil, apperr.Persistence("mark collection complete", err)
			}
			latest.IsCompleted = true
			metrics.CollectionsCompleted.Inc()
			if !latest.LoanDisbursed {
				recipient, ok, err := pickRecipient(tx, cycle, &latest)
				if err != nil {
					return nil, err
				}
				if ok {
					loan, err := disburseCollectionPool(tx, cycle, &latest, recipient, models.PaymentMethodCash, "monthly rotation payout")
					if err != nil {
						return nil, err
					}
					metrics.LoansDisbursed.WithLabelValues("auto").Inc()
					logrus.Infof("catch-up completed collection %d, auto-disbursed %s to member %d",
						latest.ID, loan.Principal.StringFixed(2), loan.MemberID)
				}
			}
		}
	}
	return &payment, nil
}

// CyclePatch is a partial cycle update. It touches only the cycle row;
// repricing rotation slots is the join flow's job.
type CyclePatch struct {
	StartDate     *time.Time       `json:"start_date"`
	EndDate       *time.Time       `json:"end_date"`
	IsActive      *bool            `json:"is_active"`
	MonthlyAmount *decimal.Decimal `json:"monthly_amount"`
}

// UpdateCycle applies a partial update with no cross-entity side effects.
func (e *CycleEngine) UpdateCycle(cycleID uint, patch CyclePatch) (*models.LoanCycle, error) {
	var cycle models.LoanCycle
	if err := e.db.First(&cycle, cycleID).Error; err != nil {
		return nil, apperr.FromDB(err, "load cycle", "cycle", cycleID)
	}

	updates := map[string]interface{}{}
	if patch.StartDate != nil {
		updates["start_date"] = *patch.StartDate
	}
	if patch.EndDate != nil {
		updates["end_date"] = *patch.EndDate
	}
	if patch.IsActive != nil {
		updates["is_active"] = *patch.IsActive
	}
	if patch.MonthlyAmount != nil {
		if patch.MonthlyAmount.LessThanOrEqual(decimal.Zero) {
			return nil, apperr.Validation("monthly amount must be positive, got %s", patch.MonthlyAmount.String())
		}
		updates["monthly_amount"] = money.Round2(*patch.MonthlyAmount)
	}
	if len(updates) == 0 {
		return &cycle, nil
	}

	if err := e.db.Model(&models.LoanCycle{}).Where("id = ?", cycle.ID).
		Updates(updates).Error; err != nil {
		return nil, apperr.Persistence("update cycle", err)
	}
	if err := e.db.First(&cycle, cycleID).Error; err != nil {
		return nil, apperr.Persistence("reload cycle", err)
	}
	return &cycle, nil
}

// CloseCycle ends a rotation early. Idempotent: closing a closed cycle just
// returns it.
func (e *CycleEngine) CloseCycle(cycleID uint) (*models.LoanCycle, error) {
	var cycle models.LoanCycle
	if err := e.db.First(&cycle, cycleID).Error; err != nil {
		return nil, apperr.FromDB(err, "load cycle", "cycle", cycleID)
	}
	if !cycle.IsActive {
		return &cycle, nil
	}
	now := time.Now()
	err := e.db.Model(&models.LoanCycle{}).Where("id = ?", cycle.ID).
		Updates(map[string]interface{}{"is_active": false, "end_date": now}).Error
	if err != nil {
		return nil, apperr.Persistence("close cycle", err)
	}
	cycle.IsActive = false
	cycle.EndDate = &now
	return &cycle, nil
}

// DeleteCycle tears a rotation down: fund, sequences, collections and their
// payments, settled loans and their installments, memberships, then the
// cycle itself. Refused while any loan is still being repaid. Savings
// entries survive; the contributions were real money.
func (e *CycleEngine) DeleteCycle(cycleID uint) error {
	var cycle models.LoanCycle
	if err := e.db.First(&cycle, cycleID).Error; err != nil {
		return apperr.FromDB(err, "load cycle", "cycle", cycleID)
	}

	var active int64
	err := e.db.Model(&models.Loan{}).
		Where("cycle_id = ? AND status = ?", cycleID, models.LoanStatusActive).
		Count(&active).Error
	if err != nil {
		return apperr.Persistence("count active loans", err)
	}
	if active > 0 {
		return apperr.Conflict("cycle %d has %d active loans, settle or reverse them first", cycleID, active)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.broadTimeout)
	defer cancel()
	tx := e.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return apperr.Persistence("begin transaction", tx.Error)
	}

	// Hard deletes throughout: teardown must free the unique slots
	// (cycle number, collection months, sequence months) for good.
	var collectionIDs []uint
	err = tx.Unscoped().Model(&models.MonthlyCollection{}).
		Where("cycle_id = ?", cycleID).Pluck("id", &collectionIDs).Error
	if err != nil {
		tx.Rollback()
		return apperr.Persistence("list collections", err)
	}
	if len(collectionIDs) > 0 {
		if err := tx.Unscoped().Where("collection_id IN ?", collectionIDs).
			Delete(&models.CollectionPayment{}).Error; err != nil {
			tx.Rollback()
			return apperr.Persistence("delete payments", err)
		}
	}
	if err := tx.Unscoped().Where("cycle_id = ?", cycleID).
		Delete(&models.MonthlyCollection{}).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete collections", err)
	}

	var loanIDs []uint
	err = tx.Unscoped().Model(&models.Loan{}).
		Where("cycle_id = ?", cycleID).Pluck("id", &loanIDs).Error
	if err != nil {
		tx.Rollback()
		return apperr.Persistence("list loans", err)
	}
	if len(loanIDs) > 0 {
		if err := tx.Unscoped().Where("loan_id IN ?", loanIDs).
			Delete(&models.LoanTransaction{}).Error; err != nil {
			tx.Rollback()
			return apperr.Persistence("delete loan transactions", err)
		}
		if err := tx.Unscoped().Where("cycle_id = ?", cycleID).
			Delete(&models.Loan{}).Error; err != nil {
			tx.Rollback()
			return apperr.Persistence("delete loans", err)
		}
	}

	if err := tx.Unscoped().Where("cycle_id = ?", cycleID).
		Delete(&models.LoanSequence{}).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete sequences", err)
	}
	if err := tx.Unscoped().Where("cycle_id = ?", cycleID).
		Delete(&models.GroupFund{}).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete group fund", err)
	}
	if err := tx.Unscoped().Where("cycle_id = ?", cycleID).
		Delete(&models.CycleMember{}).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete memberships", err)
	}
	if err := tx.Unscoped().Delete(&models.LoanCycle{}, cycleID).Error; err != nil {
		tx.Rollback()
		return apperr.Persistence("delete cycle", err)
	}

	if err := tx.Commit().Error; err != nil {
		return apperr.Persistence("commit teardown", err)
	}
	logrus.Infof("deleted cycle %d (#%d) and all its records", cycleID, cycle.CycleNumber)
	return nil
}

// checkMembers verifies every listed member exists and is active.
func (e *CycleEngine) checkMembers(memberIDs []uint) error {
	var members []models.Member
	if err := e.db.Where("id IN ?", memberIDs).Find(&members).Error; err != nil {
		return apperr.Persistence("load members", err)
	}
	found := make(map[uint]models.Member, len(members))
	for _, m := range members {
		found[m.ID] = m
	}
	for _, id := range memberIDs {
		m, ok := found[id]
		if !ok {
			return apperr.NotFound("member", id)
		}
		if !m.IsActive {
			return apperr.Validation("member %d is deactivated", id)
		}
	}
	return nil
}

// nextCycleNumber proposes the next sequential number from live cycles.
// The unique index decides the race; callers retry on conflict.
func (e *CycleEngine) nextCycleNumber() (int, error) {
	var last int64
	err := e.db.Model(&models.LoanCycle{}).
		Select("COALESCE(MAX(cycle_number), 0)").Scan(&last).Error
	if err != nil {
		return 0, apperr.Persistence("scan cycle numbers", err)
	}
	return int(last) + 1, nil
}
