package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/config"
	"chama_ledger/internal/models"
)

// CreateMember registers a new contributing member. A member number is
// assigned when the client does not bring one.
func CreateMember(c *gin.Context) {
	var input models.Member
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input.ID = 0
	if input.MemberNo == "" {
		input.MemberNo = uuid.NewString()
	}

	if err := config.DB.Omit(clause.Associations).Create(&input).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "member_no already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create member: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"member": input})
}

// GetMember retrieves a member with their savings account and loans.
func GetMember(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var member models.Member
	if err := config.DB.Preload("Savings").Preload("Loans").First(&member, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": member})
}

// ListMembers lists members, optionally only the active ones (?active=true).
func ListMembers(c *gin.Context) {
	query := config.DB.Order("member_no")
	if c.Query("active") == "true" {
		query = query.Where("is_active = ?", true)
	}

	var members []models.Member
	if err := query.Find(&members).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch members"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": members})
}

// UpdateMember modifies a member's contact details or active flag.
func UpdateMember(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var member models.Member
	if err := config.DB.First(&member, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}

	var input struct {
		Name     *string `json:"name"`
		Phone    *string `json:"phone"`
		Email    *string `json:"email"`
		IsActive *bool   `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if input.Name != nil {
		member.Name = *input.Name
	}
	if input.Phone != nil {
		member.Phone = *input.Phone
	}
	if input.Email != nil {
		member.Email = *input.Email
	}
	if input.IsActive != nil {
		member.IsActive = *input.IsActive
	}

	config.DB.Save(&member)
	c.JSON(http.StatusOK, gin.H{"member": member})
}

// DeleteMember removes a member who has no financial history. Members with
// recorded money are deactivated through UpdateMember instead, so the ledger
// they appear in stays intact.
func DeleteMember(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var member models.Member
	if err := config.DB.First(&member, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}

	referenced, err := financialFootprint(config.DB, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not check member records: " + err.Error()})
		return
	}
	if referenced {
		c.JSON(http.StatusConflict, gin.H{"error": "member has financial records; deactivate the member instead of deleting"})
		return
	}

	if err := config.DB.Delete(&models.Member{}, id).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete member"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "member deleted"})
}

// financialFootprint reports whether any money has ever been recorded
// against the member: loans, cycle memberships, collection payments or
// savings transactions.
func financialFootprint(db *gorm.DB, memberID uint) (bool, error) {
	var count int64

	if err := db.Model(&models.Loan{}).Where("member_id = ?", memberID).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	if err := db.Model(&models.CycleMember{}).Where("member_id = ?", memberID).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	if err := db.Model(&models.CollectionPayment{}).Where("member_id = ?", memberID).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	err := db.Model(&models.SavingsTransaction{}).
		Joins("JOIN savings ON savings.id = savings_transactions.savings_id").
		Where("savings.member_id = ?", memberID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// currentMemberID resolves the authenticated user's member record for the
// self-service views. Responds itself when there is none.
func currentMemberID(c *gin.Context) (uint, bool) {
	userID := uint(c.MustGet("user_id").(float64))

	var user models.User
	if err := config.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login no longer exists"})
		return 0, false
	}
	if user.MemberID == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no member record linked to this login"})
		return 0, false
	}
	return *user.MemberID, true
}

// GetMyProfile returns the member record behind the authenticated login.
func GetMyProfile(c *gin.Context) {
	memberID, ok := currentMemberID(c)
	if !ok {
		return
	}

	var member models.Member
	if err := config.DB.First(&member, memberID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": member})
}
