// internal/models/member.go
package models

import (
	"gorm.io/gorm"
)

// Member is a contributing participant of the chama. Financial records
// (savings, loans, payments) reference members and are never owned by them.
type Member struct {
	gorm.Model
	MemberNo string `gorm:"uniqueIndex" json:"member_no"` // display id, assigned at registration
	Name     string `json:"name" binding:"required"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	Savings *Savings `gorm:"foreignKey:MemberID" json:"savings,omitempty"`
	Loans   []Loan   `gorm:"foreignKey:MemberID" json:"loans,omitempty"`
}
