// internal/models/loan.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LoanStatus string

const (
	LoanStatusActive    LoanStatus = "ACTIVE"
	LoanStatusCompleted LoanStatus = "COMPLETED"
	LoanStatusDefaulted LoanStatus = "DEFAULTED"
)

// Loan is a disbursed interest-free credit. Remaining only ever decreases
// through repayments; COMPLETED and DEFAULTED are terminal.
type Loan struct {
	gorm.Model
	MemberID           uint            `gorm:"index" json:"member_id"`
	CycleID            *uint           `gorm:"index" json:"cycle_id,omitempty"` // nil for standalone loans
	Principal          decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"principal"`
	Remaining          decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"remaining"`
	Months             int             `json:"months"`
	CurrentMonth       int             `json:"current_month"` // highest repaid month, 0 before first installment
	Status             LoanStatus      `gorm:"size:16;default:'ACTIVE'" json:"status"`
	DisbursedAt        time.Time       `json:"disbursed_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	DisbursementMethod PaymentMethod   `gorm:"size:16;default:'CASH'" json:"disbursement_method"`
	Guarantor1ID       *uint           `json:"guarantor1_id,omitempty"`
	Guarantor2ID       *uint           `json:"guarantor2_id,omitempty"`
	Reason             string          `gorm:"size:255" json:"reason"`

	Member       Member            `gorm:"foreignKey:MemberID" json:"member,omitempty"`
	Transactions []LoanTransaction `gorm:"foreignKey:LoanID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"transactions,omitempty"`
}

// LoanTransaction is one repayment installment. One row per repaid month;
// Remaining is the balance after this installment was applied.
type LoanTransaction struct {
	gorm.Model
	LoanID    uint            `gorm:"uniqueIndex:idx_loan_txn_month" json:"loan_id"`
	Month     int             `gorm:"uniqueIndex:idx_loan_txn_month" json:"month"` // 1-based
	Date      time.Time       `json:"date"`
	Amount    decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	Remaining decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"remaining"`
	Method    PaymentMethod   `gorm:"size:16;default:'CASH'" json:"method"`
	Reference string          `gorm:"size:64" json:"reference"`
}
