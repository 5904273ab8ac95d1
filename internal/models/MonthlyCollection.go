// internal/models/monthly_collection.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentMethod is how money physically arrived.
type PaymentMethod string

const (
	PaymentMethodCash  PaymentMethod = "CASH"
	PaymentMethodMpesa PaymentMethod = "MPESA"
	PaymentMethodBank  PaymentMethod = "BANK"
)

// PaymentStatus of a collection payment.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
)

// MonthlyCollection tracks one month's contribution drive for a cycle.
// IsCompleted and LoanDisbursed are separate bits: a collection completes
// when every active member has paid, and is marked disbursed only once a
// loan has actually been created from it.
type MonthlyCollection struct {
	gorm.Model
	CycleID        uint            `gorm:"uniqueIndex:idx_collection_cycle_month" json:"cycle_id"`
	Month          int             `gorm:"uniqueIndex:idx_collection_cycle_month" json:"month"` // 1-based
	CollectionDate time.Time       `json:"collection_date"`
	ExpectedAmount decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"expected_amount"`
	TotalCollected decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_collected"`
	IsCompleted    bool            `gorm:"default:false" json:"is_completed"`
	LoanDisbursed  bool            `gorm:"default:false" json:"loan_disbursed"`
	LoanMemberID   *uint           `json:"loan_member_id,omitempty"`
	LoanAmount     decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"loan_amount"`

	Payments []CollectionPayment `gorm:"foreignKey:CollectionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"payments,omitempty"`
}

// CollectionPayment is one member's contribution toward a monthly collection.
// The composite unique index is the authoritative guard against recording the
// same member twice for one month: at most one payment per collection/member
// pair, even under concurrent submissions.
type CollectionPayment struct {
	gorm.Model
	CollectionID  uint            `gorm:"uniqueIndex:idx_payment_collection_member" json:"collection_id"`
	MemberID      uint            `gorm:"uniqueIndex:idx_payment_collection_member" json:"member_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	PaymentDate   time.Time       `json:"payment_date"`
	PaymentMethod PaymentMethod   `gorm:"size:16;default:'CASH'" json:"payment_method"`
	Status        PaymentStatus   `gorm:"size:16;default:'PAID'" json:"status"`
	Reference     string          `gorm:"size:64" json:"reference"`

	Member Member `gorm:"foreignKey:MemberID" json:"member,omitempty"`
}
