package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"chama_ledger/internal/apperr"
	"chama_ledger/internal/database"
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

func seedMember(t *testing.T, db *gorm.DB, name string) models.Member {
	t.Helper()
	m := models.Member{MemberNo: "M-" + name, Name: name, Phone: "0700000000", IsActive: true}
	if err := db.Create(&m).Error; err != nil {
		t.Fatalf("seed member %s: %v", name, err)
	}
	return m
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAppendContribution(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	member := seedMember(t, db, "wanjiku")

	first, account, err := svc.AppendContribution(member.ID, dec("1000"), time.Now())
	if err != nil {
		t.Fatalf("first contribution: %v", err)
	}
	if !first.RunningTotal.Equal(dec("1000")) {
		t.Errorf("first running total = %s, want 1000", first.RunningTotal)
	}
	if first.Reference == "" {
		t.Error("expected a generated reference")
	}
	if account == nil || !account.TotalAmount.Equal(dec("1000")) {
		t.Errorf("returned account total = %v, want 1000", account)
	}

	second, account, err := svc.AppendContribution(member.ID, dec("500"), time.Now())
	if err != nil {
		t.Fatalf("second contribution: %v", err)
	}
	if !second.RunningTotal.Equal(dec("1500")) {
		t.Errorf("second running total = %s, want 1500", second.RunningTotal)
	}
	if !account.TotalAmount.Equal(dec("1500")) {
		t.Errorf("returned account total = %s, want 1500", account.TotalAmount)
	}

	var savings models.Savings
	if err := db.Where("member_id = ?", member.ID).First(&savings).Error; err != nil {
		t.Fatalf("reload savings: %v", err)
	}
	if !savings.TotalAmount.Equal(dec("1500")) {
		t.Errorf("cached total = %s, want 1500", savings.TotalAmount)
	}
}

func TestAppendContributionRejectsNonPositive(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	member := seedMember(t, db, "otieno")

	for _, amount := range []string{"0", "-250"} {
		_, _, err := svc.AppendContribution(member.ID, dec(amount), time.Now())
		var verr *apperr.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("amount %s: got %v, want ValidationError", amount, err)
		}
	}

	var count int64
	db.Model(&models.SavingsTransaction{}).Count(&count)
	if count != 0 {
		t.Errorf("rejected contributions must not write, found %d transactions", count)
	}
}

func TestAppendContributionUnknownMember(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)

	_, _, err := svc.AppendContribution(99, dec("100"), time.Now())
	var nferr *apperr.NotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
	if nferr.Resource != "member" {
		t.Errorf("resource = %q, want member", nferr.Resource)
	}
}

func TestRecomputeTotalHealsDrift(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	member := seedMember(t, db, "njeri")

	if _, _, err := svc.AppendContribution(member.ID, dec("2000"), time.Now()); err != nil {
		t.Fatalf("contribution: %v", err)
	}

	// Corrupt the cache the way a partial legacy write would have.
	if err := db.Model(&models.Savings{}).Where("member_id = ?", member.ID).
		Update("total_amount", dec("3500")).Error; err != nil {
		t.Fatalf("corrupt cache: %v", err)
	}

	total, err := svc.RecomputeTotal(member.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !total.Equal(dec("2000")) {
		t.Errorf("recomputed total = %s, want 2000", total)
	}

	var savings models.Savings
	db.Where("member_id = ?", member.ID).First(&savings)
	if !savings.TotalAmount.Equal(dec("2000")) {
		t.Errorf("persisted total = %s, want 2000", savings.TotalAmount)
	}
}

func TestRecomputeTotalSkipsWriteWhenClean(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	member := seedMember(t, db, "kamau")

	if _, _, err := svc.AppendContribution(member.ID, dec("750"), time.Now()); err != nil {
		t.Fatalf("contribution: %v", err)
	}

	var before models.Savings
	db.Where("member_id = ?", member.ID).First(&before)

	time.Sleep(20 * time.Millisecond)
	if _, err := svc.RecomputeTotal(member.ID); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	var after models.Savings
	db.Where("member_id = ?", member.ID).First(&after)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("clean recompute must not rewrite the savings row")
	}
}

func TestRecomputeTotalIgnoresNegativeRows(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	member := seedMember(t, db, "akinyi")

	if _, _, err := svc.AppendContribution(member.ID, dec("1200"), time.Now()); err != nil {
		t.Fatalf("contribution: %v", err)
	}

	var savings models.Savings
	db.Where("member_id = ?", member.ID).First(&savings)
	legacy := models.SavingsTransaction{
		SavingsID:    savings.ID,
		Date:         time.Now(),
		Amount:       dec("-400"),
		RunningTotal: dec("800"),
		Reference:    "legacy-deduction",
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}

	total, err := svc.RecomputeTotal(member.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !total.Equal(dec("1200")) {
		t.Errorf("total = %s, want 1200 (negative rows excluded)", total)
	}
}

func TestRecomputeTotalNoAccount(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	member := seedMember(t, db, "mwangi")

	total, err := svc.RecomputeTotal(member.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !total.IsZero() {
		t.Errorf("total = %s, want 0 for member without an account", total)
	}
}

func TestDeleteTransaction(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	member := seedMember(t, db, "chebet")

	first, _, err := svc.AppendContribution(member.ID, dec("1000"), time.Now())
	if err != nil {
		t.Fatalf("first contribution: %v", err)
	}
	if _, _, err := svc.AppendContribution(member.ID, dec("600"), time.Now()); err != nil {
		t.Fatalf("second contribution: %v", err)
	}

	// Corrupt the cached total; the correction must re-sum the surviving
	// rows, not subtract from the bad cache.
	if err := db.Model(&models.Savings{}).Where("member_id = ?", member.ID).
		Update("total_amount", dec("9999")).Error; err != nil {
		t.Fatalf("corrupt cache: %v", err)
	}

	account, err := svc.DeleteTransaction(first.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !account.TotalAmount.Equal(dec("600")) {
		t.Errorf("returned account total = %s, want 600", account.TotalAmount)
	}

	var savings models.Savings
	db.Where("member_id = ?", member.ID).First(&savings)
	if !savings.TotalAmount.Equal(dec("600")) {
		t.Errorf("total after delete = %s, want 600", savings.TotalAmount)
	}

	_, err = svc.DeleteTransaction(9999)
	var nferr *apperr.NotFoundError
	if !errors.As(err, &nferr) {
		t.Errorf("deleting unknown transaction: got %v, want NotFoundError", err)
	}
}

func TestAccountEmpty(t *testing.T) {
	db := testDB(t)
	svc := NewService(db)
	member := seedMember(t, db, "baraka")

	account, err := svc.Account(member.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !account.TotalAmount.IsZero() {
		t.Errorf("empty account total = %s, want 0", account.TotalAmount)
	}
	if len(account.Transactions) != 0 {
		t.Errorf("empty account has %d transactions", len(account.Transactions))
	}
}
