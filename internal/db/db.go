package db

import (
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mesinsight/internal/errs"
)

// Connect opens a GORM connection to the business-record store (PostgreSQL URL)
// and migrates the schema.
func Connect(databaseURL string) (*gorm.DB, error) {
	dsn := strings.TrimSpace(databaseURL)
	if dsn == "" {
		return nil, errors.Join(errs.ErrMissingCredentials, errors.New("MES_DATABASE_URL is required (PostgreSQL URL)"))
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("MES_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate auto-migrates every business table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(All()...)
}

// EnsureBootstrapAPIKey makes sure the configured bootstrap key exists and is active.
func EnsureBootstrapAPIKey(db *gorm.DB, key string) error {
	if key == "" {
		return nil
	}

	// Use Find so "not found" doesn't log as error.
	var existing APIKey
	if err := db.Where(&APIKey{KeyHash: HashAPIKey(key)}).Limit(1).Find(&existing).Error; err != nil {
		return err
	}
	if existing.ID != 0 {
		if existing.Active {
			return nil
		}
		return db.Model(&existing).Update("active", true).Error
	}

	return db.Create(NewAPIKey("bootstrap", key)).Error
}
