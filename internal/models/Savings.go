// internal/models/savings.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Savings holds a member's running savings balance. TotalAmount is a cached
// sum of the positive transaction amounts and is recomputed from the
// transaction rows whenever it drifts.
type Savings struct {
	gorm.Model
	MemberID    uint            `gorm:"uniqueIndex" json:"member_id"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_amount"`

	Member       Member               `gorm:"foreignKey:MemberID" json:"-"`
	Transactions []SavingsTransaction `gorm:"foreignKey:SavingsID" json:"transactions,omitempty"`
}

// SavingsTransaction is one append-only ledger entry. Negative amounts only
// exist on legacy rows from the old deduct-to-fund-a-loan flow; they are
// excluded from every balance computation and purged by the startup migration.
type SavingsTransaction struct {
	gorm.Model
	SavingsID    uint            `gorm:"index" json:"savings_id"`
	Date         time.Time       `json:"date"`
	Amount       decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	RunningTotal decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"running_total"`
	Reference    string          `gorm:"size:64" json:"reference"`
}
