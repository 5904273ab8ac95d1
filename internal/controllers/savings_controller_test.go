package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"chama_ledger/internal/config"
	"chama_ledger/internal/database"
	"chama_ledger/internal/models"
)

func setupSavingsRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	config.DB = db

	r := gin.New()
	r.POST("/savings/contributions", RecordContribution)
	r.DELETE("/savings/transactions/:id", DeleteSavingsTransaction)
	return r
}

func seedMember(t *testing.T, name string) models.Member {
	t.Helper()
	m := models.Member{MemberNo: "M-" + name, Name: name, Phone: "0700000000", IsActive: true}
	if err := config.DB.Create(&m).Error; err != nil {
		t.Fatalf("seed member %s: %v", name, err)
	}
	return m
}

func postJSON(t *testing.T, r *gin.Engine, path string, payload gin.H) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRecordContributionReturnsTransactionAndSavings(t *testing.T) {
	r := setupSavingsRouter(t)
	member := seedMember(t, "wanjiru")

	w := postJSON(t, r, "/savings/contributions", gin.H{"member_id": member.ID, "amount": 1000})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", w.Code, w.Body.String())
	}

	var first struct {
		Transaction *models.SavingsTransaction `json:"transaction"`
		Savings     *models.Savings            `json:"savings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first.Transaction == nil {
		t.Fatal("response missing transaction")
	}
	if !first.Transaction.RunningTotal.Equal(dec("1000")) {
		t.Errorf("running total = %s, want 1000", first.Transaction.RunningTotal)
	}
	if first.Savings == nil {
		t.Fatal("response missing savings")
	}
	if !first.Savings.TotalAmount.Equal(dec("1000")) {
		t.Errorf("savings total = %s, want 1000", first.Savings.TotalAmount)
	}

	w = postJSON(t, r, "/savings/contributions", gin.H{"member_id": member.ID, "amount": 500})
	if w.Code != http.StatusCreated {
		t.Fatalf("second deposit: status = %d, body %s", w.Code, w.Body.String())
	}
	var second struct {
		Transaction *models.SavingsTransaction `json:"transaction"`
		Savings     *models.Savings            `json:"savings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if second.Savings == nil {
		t.Fatal("second response missing savings")
	}
	if !second.Savings.TotalAmount.Equal(dec("1500")) {
		t.Errorf("savings total after second deposit = %s, want 1500", second.Savings.TotalAmount)
	}
}

func TestRecordContributionUnknownMember(t *testing.T) {
	r := setupSavingsRouter(t)

	w := postJSON(t, r, "/savings/contributions", gin.H{"member_id": 42, "amount": 100})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404, body %s", w.Code, w.Body.String())
	}
}

func TestDeleteSavingsTransactionReturnsSavings(t *testing.T) {
	r := setupSavingsRouter(t)
	member := seedMember(t, "atieno")

	w := postJSON(t, r, "/savings/contributions", gin.H{"member_id": member.ID, "amount": 1000})
	if w.Code != http.StatusCreated {
		t.Fatalf("first deposit: status = %d, body %s", w.Code, w.Body.String())
	}
	var created struct {
		Transaction *models.SavingsTransaction `json:"transaction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Transaction == nil {
		t.Fatal("response missing transaction")
	}
	if w := postJSON(t, r, "/savings/contributions", gin.H{"member_id": member.ID, "amount": 600}); w.Code != http.StatusCreated {
		t.Fatalf("second deposit: status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodDelete,
		fmt.Sprintf("/savings/transactions/%d", created.Transaction.ID), nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Message string          `json:"message"`
		Savings *models.Savings `json:"savings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message == "" {
		t.Error("expected a confirmation message")
	}
	if resp.Savings == nil {
		t.Fatal("response missing savings")
	}
	if !resp.Savings.TotalAmount.Equal(dec("600")) {
		t.Errorf("savings total after delete = %s, want 600", resp.Savings.TotalAmount)
	}
}
