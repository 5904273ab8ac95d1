package database

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"chama_ledger/internal/models"
	"chama_ledger/internal/money"
)

// AutoMigrate runs database schema migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Member{},
		&models.Savings{},
		&models.SavingsTransaction{},
		&models.LoanCycle{},
		&models.CycleMember{},
		&models.MonthlyCollection{},
		&models.CollectionPayment{},
		&models.LoanSequence{},
		&models.Loan{},
		&models.LoanTransaction{},
		&models.GroupFund{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// CleanLegacySavings discards savings transactions carrying negative amounts.
// Those rows date from the retired deduct-from-savings loan funding flow and
// were being filtered out of every balance computation at read time; removing
// them once makes the positive-amount rule enforceable at the write boundary.
// Balances and running totals of the affected accounts are rebuilt from the
// surviving rows.
func CleanLegacySavings(db *gorm.DB) error {
	var savingsIDs []uint
	if err := db.Model(&models.SavingsTransaction{}).
		Where("amount < 0").
		Distinct().
		Pluck("savings_id", &savingsIDs).Error; err != nil {
		return fmt.Errorf("scan legacy rows: %w", err)
	}
	if len(savingsIDs) == 0 {
		return nil
	}

	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	if err := tx.Where("amount < 0").Delete(&models.SavingsTransaction{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("delete legacy rows: %w", err)
	}

	for _, id := range savingsIDs {
		if err := rebuildSavings(tx, id); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}

// rebuildSavings recomputes the running totals and cached balance of one
// savings account from its surviving transactions.
func rebuildSavings(tx *gorm.DB, savingsID uint) error {
	var txns []models.SavingsTransaction
	if err := tx.Where("savings_id = ?", savingsID).
		Order("date ASC, id ASC").
		Find(&txns).Error; err != nil {
		return fmt.Errorf("load savings %d transactions: %w", savingsID, err)
	}

	running := decimal.Zero
	for i := range txns {
		if txns[i].Amount.IsPositive() {
			running = running.Add(txns[i].Amount)
		}
		if !txns[i].RunningTotal.Equal(running) {
			if err := tx.Model(&txns[i]).Update("running_total", running).Error; err != nil {
				return fmt.Errorf("rewrite running total: %w", err)
			}
		}
	}

	total := money.ClampZero(running)
	if err := tx.Model(&models.Savings{}).
		Where("id = ?", savingsID).
		Update("total_amount", total).Error; err != nil {
		return fmt.Errorf("rewrite savings %d total: %w", savingsID, err)
	}
	return nil
}
