package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"chama_ledger/internal/database"
	"chama_ledger/internal/ledger"
	"chama_ledger/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedMembers(t *testing.T, db *gorm.DB, n int) []models.Member {
	t.Helper()
	members := make([]models.Member, 0, n)
	for i := 1; i <= n; i++ {
		m := models.Member{
			MemberNo: fmt.Sprintf("M-%03d", i),
			Name:     fmt.Sprintf("member %d", i),
			Phone:    fmt.Sprintf("07000000%02d", i),
			IsActive: true,
		}
		if err := db.Create(&m).Error; err != nil {
			t.Fatalf("seed member %d: %v", i, err)
		}
		members = append(members, m)
	}
	return members
}

func memberIDs(members []models.Member) []uint {
	ids := make([]uint, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}

func newCycle(t *testing.T, db *gorm.DB, members []models.Member, monthly string, withFund bool) *models.LoanCycle {
	t.Helper()
	cycle, err := NewCycleEngine(db, 0, 0).CreateCycle(CreateCycleRequest{
		MemberIDs:     memberIDs(members),
		MonthlyAmount: dec(monthly),
		StartDate:     time.Now(),
		WithFund:      withFund,
	})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	return cycle
}

func newCollection(t *testing.T, db *gorm.DB, cycleID uint, month int) *models.MonthlyCollection {
	t.Helper()
	collection, err := NewCollectionEngine(db).CreateCollection(cycleID, month, time.Now())
	if err != nil {
		t.Fatalf("create collection month %d: %v", month, err)
	}
	return collection
}

// payAll records one payment per member and returns the last result, which
// carries the completion state and any auto-disbursed loan.
func payAll(t *testing.T, db *gorm.DB, collectionID uint, members []models.Member, amount string) *PaymentResult {
	t.Helper()
	eng := NewCollectionEngine(db)
	var last *PaymentResult
	for _, m := range members {
		res, err := eng.RecordPayment(collectionID, m.ID, dec(amount), models.PaymentMethodCash, time.Now())
		if err != nil {
			t.Fatalf("record payment for member %d: %v", m.ID, err)
		}
		last = res
	}
	return last
}

func reloadCycle(t *testing.T, db *gorm.DB, id uint) models.LoanCycle {
	t.Helper()
	var cycle models.LoanCycle
	if err := db.First(&cycle, id).Error; err != nil {
		t.Fatalf("reload cycle %d: %v", id, err)
	}
	return cycle
}

func reloadCollection(t *testing.T, db *gorm.DB, id uint) models.MonthlyCollection {
	t.Helper()
	var collection models.MonthlyCollection
	if err := db.First(&collection, id).Error; err != nil {
		t.Fatalf("reload collection %d: %v", id, err)
	}
	return collection
}

func reloadLoan(t *testing.T, db *gorm.DB, id uint) models.Loan {
	t.Helper()
	var loan models.Loan
	if err := db.First(&loan, id).Error; err != nil {
		t.Fatalf("reload loan %d: %v", id, err)
	}
	return loan
}

func savingsTotal(t *testing.T, db *gorm.DB, memberID uint) decimal.Decimal {
	t.Helper()
	var savings models.Savings
	err := db.Where("member_id = ?", memberID).First(&savings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero
	}
	if err != nil {
		t.Fatalf("load savings for member %d: %v", memberID, err)
	}
	return savings.TotalAmount
}

func tableCount(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var count int64
	if err := db.Unscoped().Model(model).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}

func seedSavings(t *testing.T, db *gorm.DB, memberID uint, amount string) {
	t.Helper()
	if _, _, err := ledger.NewService(db).AppendContribution(memberID, dec(amount), time.Now()); err != nil {
		t.Fatalf("seed savings for member %d: %v", memberID, err)
	}
}
