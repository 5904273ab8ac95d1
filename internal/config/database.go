package config

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"chama_ledger/internal/database"
)

var (
	// DB is the globally accessible database handle
	DB *gorm.DB
)

// InitDB opens the Postgres connection described by the loaded configuration
// and applies schema migrations, including the one-time cleanup of legacy
// negative savings rows.
func InitDB(cfg *Config) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode, cfg.Database.Timezone,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("auto-migration failed: %v", err)
	}

	if err := database.CleanLegacySavings(db); err != nil {
		log.Fatalf("legacy savings migration failed: %v", err)
	}

	DB = db
}

// GetDB returns the initialized DB handle
func GetDB() *gorm.DB {
	return DB
}
