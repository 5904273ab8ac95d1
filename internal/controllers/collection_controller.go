package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"chama_ledger/internal/config"
	"chama_ledger/internal/engine"
	"chama_ledger/internal/models"
)

type createCollectionInput struct {
	Month          int        `json:"month" binding:"required"`
	CollectionDate *time.Time `json:"collection_date"`
}

// CreateCollection opens one month's contribution drive for a cycle.
func CreateCollection(c *gin.Context) {
	cycleID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var input createCollectionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	date := time.Now()
	if input.CollectionDate != nil {
		date = *input.CollectionDate
	}

	collection, err := engine.NewCollectionEngine(config.DB).CreateCollection(cycleID, input.Month, date)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"collection": collection})
}

type collectionPaymentInput struct {
	MemberID      uint                 `json:"member_id" binding:"required"`
	Amount        decimal.Decimal      `json:"amount" binding:"required"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	PaymentDate   *time.Time           `json:"payment_date"`
}

// RecordCollectionPayment records one member's monthly contribution. When the
// payment completes the collection, the response additionally carries the
// loan that was automatically paid out from the pool.
func RecordCollectionPayment(c *gin.Context) {
	collectionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var input collectionPaymentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	date := time.Now()
	if input.PaymentDate != nil {
		date = *input.PaymentDate
	}

	result, err := engine.NewCollectionEngine(config.DB).
		RecordPayment(collectionID, input.MemberID, input.Amount, input.PaymentMethod, date)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment":    result.Payment,
		"collection": result.Collection,
		"loan":       result.Loan,
		"completed":  result.Completed,
	})
}

// UpdateCollection patches a collection's date or designates the member who
// should receive the payout once the month completes.
func UpdateCollection(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var patch engine.CollectionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	collection, err := engine.NewCollectionEngine(config.DB).UpdateCollection(id, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collection": collection})
}

// DeleteCollection removes a collection and unwinds every payment that was
// recorded into it. Refused once a loan has been paid out of the month.
func DeleteCollection(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := engine.NewCollectionEngine(config.DB).DeleteCollection(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "collection deleted"})
}
