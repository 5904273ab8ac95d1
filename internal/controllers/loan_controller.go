package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"chama_ledger/internal/config"
	"chama_ledger/internal/engine"
	"chama_ledger/internal/models"
)

type disburseSequenceInput struct {
	Guarantor1ID       *uint                `json:"guarantor1_id"`
	Guarantor2ID       *uint                `json:"guarantor2_id"`
	DisbursementMethod models.PaymentMethod `json:"disbursement_method"`
	Reason             string               `json:"reason"`
}

// DisburseSequenceLoan pays out a scheduled rotation slot to its member.
func DisburseSequenceLoan(c *gin.Context) {
	sequenceID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var input disburseSequenceInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	loan, err := engine.NewDisbursementEngine(config.DB).
		DisburseFromSequence(sequenceID, input.Guarantor1ID, input.Guarantor2ID, input.DisbursementMethod, input.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"loan": loan})
}

type disburseCollectionInput struct {
	MemberID           uint                 `json:"member_id" binding:"required"`
	DisbursementMethod models.PaymentMethod `json:"disbursement_method"`
	Reason             string               `json:"reason"`
}

// DisburseCollectionLoan pays a collection's pool out to a chosen member,
// whatever has been collected so far.
func DisburseCollectionLoan(c *gin.Context) {
	collectionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var input disburseCollectionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	loan, err := engine.NewDisbursementEngine(config.DB).
		DisburseFromCollection(collectionID, input.MemberID, input.DisbursementMethod, input.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"loan": loan})
}

type createLoanInput struct {
	MemberID           uint                 `json:"member_id" binding:"required"`
	Principal          decimal.Decimal      `json:"principal" binding:"required"`
	Months             int                  `json:"months" binding:"required"`
	DisbursementMethod models.PaymentMethod `json:"disbursement_method"`
	Guarantor1ID       *uint                `json:"guarantor1_id"`
	Guarantor2ID       *uint                `json:"guarantor2_id"`
	Reason             string               `json:"reason"`
	SavingsBacked      bool                 `json:"savings_backed"`
	DisbursedAt        *time.Time           `json:"disbursed_at"`
}

// CreateLoan disburses a standalone loan outside any rotation. A
// savings-backed loan is capped at the member's savings balance.
func CreateLoan(c *gin.Context) {
	var input createLoanInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	disbursedAt := time.Now()
	if input.DisbursedAt != nil {
		disbursedAt = *input.DisbursedAt
	}

	loan, err := engine.NewDisbursementEngine(config.DB).CreateStandaloneLoan(engine.StandaloneLoanRequest{
		MemberID:      input.MemberID,
		Principal:     input.Principal,
		Months:        input.Months,
		Method:        input.DisbursementMethod,
		Guarantor1ID:  input.Guarantor1ID,
		Guarantor2ID:  input.Guarantor2ID,
		Reason:        input.Reason,
		SavingsBacked: input.SavingsBacked,
		DisbursedAt:   disbursedAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"loan": loan})
}

// ReverseLoan undoes a disbursement that has no repayments yet, restoring
// the collection and rotation slot it came from.
func ReverseLoan(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := engine.NewDisbursementEngine(config.DB).ReverseLoanDisbursement(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "loan disbursement reversed"})
}

type repayInput struct {
	PaymentDate   *time.Time           `json:"payment_date"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

// RepayLoan records the next monthly installment on a loan.
func RepayLoan(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var input repayInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	date := time.Now()
	if input.PaymentDate != nil {
		date = *input.PaymentDate
	}

	result, err := engine.NewRepaymentEngine(config.DB).Repay(id, date, input.PaymentMethod)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"transaction": result.Transaction,
		"loan":        result.Loan,
	})
}

// DeleteRepayment removes a mistakenly recorded installment and re-derives
// the loan's balance and month pointer from the surviving rows.
func DeleteRepayment(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := engine.NewRepaymentEngine(config.DB).DeleteLoanTransaction(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "repayment deleted"})
}

// DefaultLoan writes an active loan off as defaulted.
func DefaultLoan(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	loan, err := engine.NewRepaymentEngine(config.DB).MarkDefaulted(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan": loan})
}

// ListLoans lists loans, filterable by ?status=, ?cycle_id= and ?member_id=.
func ListLoans(c *gin.Context) {
	query := config.DB.Preload("Member").Order("id desc")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if cycleID := c.Query("cycle_id"); cycleID != "" {
		query = query.Where("cycle_id = ?", cycleID)
	}
	if memberID := c.Query("member_id"); memberID != "" {
		query = query.Where("member_id = ?", memberID)
	}

	var loans []models.Loan
	if err := query.Find(&loans).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch loans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": loans})
}

// GetLoan returns a loan with its installment history and, while it is still
// active, a projection of the remaining schedule.
func GetLoan(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var loan models.Loan
	if err := config.DB.
		Preload("Member").
		Preload("Transactions", func(db *gorm.DB) *gorm.DB { return db.Order("month") }).
		First(&loan, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "loan not found"})
		return
	}

	response := gin.H{"loan": loan}
	if loan.Status == models.LoanStatusActive {
		response["schedule"] = engine.Schedule(loan.Remaining, loan.Months-loan.CurrentMonth, loan.CurrentMonth)
	}
	c.JSON(http.StatusOK, response)
}

// GetMyLoans is the member self-service view of their own loans.
func GetMyLoans(c *gin.Context) {
	memberID, ok := currentMemberID(c)
	if !ok {
		return
	}

	var loans []models.Loan
	if err := config.DB.
		Preload("Transactions", func(db *gorm.DB) *gorm.DB { return db.Order("month") }).
		Where("member_id = ?", memberID).
		Order("id desc").
		Find(&loans).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch loans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": loans})
}
