// internal/models/group_fund.go
package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GroupFund is an optional per-cycle pool tracker kept for cycles created
// with fund accounting. It is a side channel, not a source of truth: the
// authoritative totals always come from the payment and savings rows.
// TotalFunds may legitimately go negative when a payout exceeds what has
// been collected so far (the loan is fronted from future contributions).
type GroupFund struct {
	gorm.Model
	CycleID        uint            `gorm:"uniqueIndex" json:"cycle_id"`
	InvestmentPool decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"investment_pool"`
	TotalFunds     decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_funds"`
}
