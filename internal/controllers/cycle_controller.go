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

func cycleEngine() *engine.CycleEngine {
	var txTimeout, broadTimeout time.Duration
	if cfg := config.Get(); cfg != nil {
		txTimeout = cfg.Tx.Timeout()
		broadTimeout = cfg.Tx.BroadTimeout()
	}
	return engine.NewCycleEngine(config.DB, txTimeout, broadTimeout)
}

type createCycleInput struct {
	Type          string          `json:"type"` // "standard" (default) or "group_funded"
	MemberIDs     []uint          `json:"member_ids" binding:"required"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount" binding:"required"`
	StartDate     *time.Time      `json:"start_date"`
	SeedAmount    decimal.Decimal `json:"seed_amount"`
}

// CreateCycle starts a new rotation. The group_funded variant additionally
// opens a fund tracker seeded with seed_amount.
func CreateCycle(c *gin.Context) {
	var input createCycleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	withFund := false
	switch input.Type {
	case "", "standard":
	case "group_funded":
		withFund = true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "cycle type must be standard or group_funded"})
		return
	}

	startDate := time.Now()
	if input.StartDate != nil {
		startDate = *input.StartDate
	}

	cycle, err := cycleEngine().CreateCycle(engine.CreateCycleRequest{
		MemberIDs:     input.MemberIDs,
		MonthlyAmount: input.MonthlyAmount,
		StartDate:     startDate,
		WithFund:      withFund,
		SeedAmount:    input.SeedAmount,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"cycle": cycle})
}

// ListCycles lists rotations, optionally only the running ones (?active=true).
func ListCycles(c *gin.Context) {
	query := config.DB.Order("cycle_number desc")
	if c.Query("active") == "true" {
		query = query.Where("is_active = ?", true)
	}

	var cycles []models.LoanCycle
	if err := query.Find(&cycles).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch cycles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cycles})
}

// GetCycle returns a rotation with its members, payout schedule, monthly
// collections and fund tracker.
func GetCycle(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var cycle models.LoanCycle
	if err := config.DB.
		Preload("Members.Member").
		Preload("Sequences", func(db *gorm.DB) *gorm.DB { return db.Order("month") }).
		Preload("Collections", func(db *gorm.DB) *gorm.DB { return db.Order("month") }).
		Preload("Fund").
		First(&cycle, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle": cycle})
}

// UpdateCycle applies a partial update to cycle fields.
func UpdateCycle(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var patch engine.CyclePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cycle, err := cycleEngine().UpdateCycle(id, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle": cycle})
}

// CloseCycle ends a rotation. Closing an already closed cycle is a no-op.
func CloseCycle(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	cycle, err := cycleEngine().CloseCycle(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle": cycle})
}

// DeleteCycle tears a rotation down with everything recorded under it.
// Refused while any of its loans is still being repaid.
func DeleteCycle(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := cycleEngine().DeleteCycle(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cycle deleted"})
}

type addCycleMemberInput struct {
	MemberID      uint            `json:"member_id" binding:"required"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	JoiningDate   *time.Time      `json:"joining_date"`
}

// AddCycleMember joins a member into a running rotation, returning the slot
// they were scheduled into and the catch-up contribution that was recorded.
func AddCycleMember(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var input addCycleMemberInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	joiningDate := time.Now()
	if input.JoiningDate != nil {
		joiningDate = *input.JoiningDate
	}

	result, err := cycleEngine().AddMemberToCycle(id, input.MemberID, input.MonthlyAmount, joiningDate)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"join": result})
}
