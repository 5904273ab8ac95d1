package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/config"
	"chama_ledger/internal/middleware"
	"chama_ledger/internal/models"
)

type signupInput struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
	MemberNo string `json:"member_no"`
}

func SignupUser(c *gin.Context) {
	var input signupInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role, err := validateAndNormalizeRole(input.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input.Role = role

	hashedPassword, err := hashPassword(input.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not hash password"})
		return
	}

	tx := config.DB.Begin()
	if tx.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start transaction"})
		return
	}

	user, err := createUserRecord(tx, input, hashedPassword)
	if err != nil {
		tx.Rollback()
		if apperr.IsUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create user: " + err.Error()})
		return
	}

	err = linkMemberRecord(tx, &user, input)
	if err != nil {
		tx.Rollback()
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "already linked") {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not link member record: " + err.Error()})
		}
		return
	}

	if err := tx.Commit().Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not commit transaction: " + err.Error()})
		return
	}

	token, err := middleware.GenerateToken(user.ID, user.Role, jwtExpireHours())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token": token,
		"user":  prepareUserResponse(user),
	})
}

func LoginUser(c *gin.Context) {
	var body struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	if err := config.DB.Where("email = ?", body.Email).
		Preload("Member").
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found or invalid credentials"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error: " + err.Error()})
		}
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(body.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect password"})
		return
	}

	token, err := middleware.GenerateToken(user.ID, user.Role, jwtExpireHours())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  prepareUserResponse(user),
	})
}

func validateAndNormalizeRole(roleInput string) (string, error) {
	role := strings.ToLower(strings.TrimSpace(roleInput))
	if role == "" {
		role = "member"
	}
	switch role {
	case "member", "admin":
		return role, nil
	default:
		return "", errors.New("invalid role")
	}
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func jwtExpireHours() int {
	if cfg := config.Get(); cfg != nil {
		return cfg.JWT.ExpireHours
	}
	return 0
}

func createUserRecord(tx *gorm.DB, input signupInput, hashedPassword string) (models.User, error) {
	user := models.User{
		Name:     input.Name,
		Email:    input.Email,
		Password: hashedPassword,
		Phone:    input.Phone,
		Role:     input.Role,
	}
	if err := tx.Create(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

// linkMemberRecord ties a member login to its Member row: an existing one
// when member_no was supplied, a freshly registered one otherwise. Admin
// logins carry no member record.
func linkMemberRecord(tx *gorm.DB, user *models.User, input signupInput) error {
	if user.Role != "member" {
		return nil
	}

	memberNo := strings.TrimSpace(input.MemberNo)
	if memberNo != "" {
		var member models.Member
		if err := tx.Where("member_no = ?", memberNo).First(&member).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.New("member with the provided member_no does not exist")
			}
			return err
		}

		var linked int64
		if err := tx.Model(&models.User{}).Where("member_id = ?", member.ID).Count(&linked).Error; err != nil {
			return err
		}
		if linked > 0 {
			return errors.New("member_no is already linked to another login")
		}

		user.MemberID = &member.ID
		user.Member = &member
		return tx.Save(user).Error
	}

	member := models.Member{
		MemberNo: uuid.NewString(),
		Name:     user.Name,
		Phone:    user.Phone,
		Email:    user.Email,
	}
	if err := tx.Create(&member).Error; err != nil {
		return err
	}
	user.MemberID = &member.ID
	user.Member = &member
	return tx.Save(user).Error
}

func prepareUserResponse(user models.User) gin.H {
	responseUser := gin.H{
		"ID":        user.ID,
		"CreatedAt": user.CreatedAt,
		"UpdatedAt": user.UpdatedAt,
		"name":      user.Name,
		"email":     user.Email,
		"phone":     user.Phone,
		"role":      user.Role,
	}

	if user.Member != nil {
		responseUser["member"] = gin.H{
			"ID":        user.Member.ID,
			"member_no": user.Member.MemberNo,
			"name":      user.Member.Name,
			"phone":     user.Member.Phone,
			"email":     user.Member.Email,
			"is_active": user.Member.IsActive,
		}
		responseUser["member_id"] = user.Member.ID
	}
	return responseUser
}
