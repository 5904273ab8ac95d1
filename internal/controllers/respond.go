package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	logrus "github.com/sirupsen/logrus"

	"chama_ledger/internal/apperr"
)

// respondError translates a domain error into an HTTP response. Duplicate
// payments carry the existing payment so the client can show what was
// already recorded; storage failures are logged and come back as a bare 500.
func respondError(c *gin.Context, err error) {
	var (
		verr *apperr.ValidationError
		nerr *apperr.NotFoundError
		derr *apperr.DuplicatePaymentError
		cerr *apperr.ConflictError
		ierr *apperr.InsufficientPoolError
		perr *apperr.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.As(err, &nerr):
		c.JSON(http.StatusNotFound, gin.H{"error": nerr.Error()})
	case errors.As(err, &derr):
		c.JSON(http.StatusConflict, gin.H{
			"error": derr.Error(),
			"existing_payment": gin.H{
				"amount":    derr.Amount,
				"date":      derr.Date,
				"reference": derr.Reference,
			},
		})
	case errors.As(err, &cerr):
		c.JSON(http.StatusConflict, gin.H{"error": cerr.Error()})
	case errors.As(err, &ierr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     ierr.Error(),
			"requested": ierr.Requested,
			"available": ierr.Available,
		})
	case errors.As(err, &perr):
		logrus.WithError(perr).Error("storage failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		logrus.WithError(err).Error("unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// parseIDParam reads a numeric URL parameter; on failure it writes the 400
// itself and the handler just returns.
func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " parameter"})
		return 0, false
	}
	return uint(id), true
}
