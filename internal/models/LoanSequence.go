// internal/models/loan_sequence.go
package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SequenceStatus string

const (
	SequenceStatusPending   SequenceStatus = "PENDING"
	SequenceStatusDisbursed SequenceStatus = "DISBURSED"
	SequenceStatusCompleted SequenceStatus = "COMPLETED"
)

// LoanSequence is a member's slot in the rotation schedule: which month they
// are due the pooled payout and for how much. Amounts on PENDING sequences
// are rewritten when the member count changes; disbursed ones keep the amount
// they were actually paid.
type LoanSequence struct {
	gorm.Model
	CycleID    uint            `gorm:"uniqueIndex:idx_sequence_cycle_month;uniqueIndex:idx_sequence_cycle_member" json:"cycle_id"`
	Month      int             `gorm:"uniqueIndex:idx_sequence_cycle_month" json:"month"` // 1-based slot
	MemberID   uint            `gorm:"uniqueIndex:idx_sequence_cycle_member" json:"member_id"`
	LoanAmount decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"loan_amount"`
	Status     SequenceStatus  `gorm:"size:16;default:'PENDING'" json:"status"`
	LoanID     *uint           `json:"loan_id,omitempty"`

	Member Member `gorm:"foreignKey:MemberID" json:"member,omitempty"`
}
