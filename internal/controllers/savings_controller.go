package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"chama_ledger/internal/config"
	"chama_ledger/internal/ledger"
	"chama_ledger/internal/models"
)

type contributionInput struct {
	MemberID uint            `json:"member_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Date     *time.Time      `json:"date"`
}

// RecordContribution appends one savings deposit to a member's ledger.
func RecordContribution(c *gin.Context) {
	var input contributionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	date := time.Now()
	if input.Date != nil {
		date = *input.Date
	}

	txn, savings, err := ledger.NewService(config.DB).AppendContribution(input.MemberID, input.Amount, date)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn, "savings": savings})
}

// GetMemberSavings returns a member's savings account with its transaction
// history. The cached total is verified against the rows before it is served.
func GetMemberSavings(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var member models.Member
	if err := config.DB.First(&member, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}

	account, err := ledger.NewService(config.DB).Account(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": member, "savings": account})
}

// DeleteSavingsTransaction corrects a mistaken deposit. The account total is
// re-derived from the surviving rows.
func DeleteSavingsTransaction(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	savings, err := ledger.NewService(config.DB).DeleteTransaction(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "savings transaction deleted", "savings": savings})
}

// GetMySavings is the member self-service view of their own account.
func GetMySavings(c *gin.Context) {
	memberID, ok := currentMemberID(c)
	if !ok {
		return
	}

	account, err := ledger.NewService(config.DB).Account(memberID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"savings": account})
}
