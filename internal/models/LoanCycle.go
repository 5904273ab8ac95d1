// internal/models/loan_cycle.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LoanCycle is one full merry-go-round rotation: a fixed set of members
// contributing MonthlyAmount each month, with the pooled collection paid out
// to one member per month until everyone has received a payout.
type LoanCycle struct {
	gorm.Model
	CycleNumber   int             `gorm:"uniqueIndex" json:"cycle_number"`
	StartDate     time.Time       `json:"start_date"`
	MonthlyAmount decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"monthly_amount"`
	TotalMembers  int             `json:"total_members"`
	CurrentMonth  int             `json:"current_month"` // latest disbursed month, 0 before the first payout
	IsActive      bool            `gorm:"default:true" json:"is_active"`
	EndDate       *time.Time      `json:"end_date,omitempty"`

	Members     []CycleMember       `gorm:"foreignKey:CycleID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"members,omitempty"`
	Collections []MonthlyCollection `gorm:"foreignKey:CycleID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"collections,omitempty"`
	Sequences   []LoanSequence      `gorm:"foreignKey:CycleID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"sequences,omitempty"`
	Fund        *GroupFund          `gorm:"foreignKey:CycleID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"fund,omitempty"`
}

// CycleMember links a member into a cycle. Members leaving a running cycle
// are deactivated, never deleted, so their contribution history survives.
type CycleMember struct {
	gorm.Model
	CycleID          uint            `gorm:"uniqueIndex:idx_cycle_member" json:"cycle_id"`
	MemberID         uint            `gorm:"uniqueIndex:idx_cycle_member" json:"member_id"`
	JoinMonth        int             `json:"join_month"`
	IsActive         bool            `gorm:"default:true" json:"is_active"`
	TotalContributed decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_contributed"`
	TotalReceived    decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_received"`

	Member Member `gorm:"foreignKey:MemberID" json:"member,omitempty"`
}
