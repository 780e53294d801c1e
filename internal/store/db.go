package store

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver selects the SQL dialect behind the store.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// Open connects to the database identified by driver/dsn and returns a
// *gorm.DB. Logging is silent by default — callers that want query logs
// should set one up via db.Logger after Open returns.
func Open(driver Driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return db, nil
}

// Migrate auto-migrates all persisted models. Safe to call on every process
// start — GORM's AutoMigrate only adds missing tables/columns/indexes, it
// never drops or alters existing data destructively.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&ProviderConfig{},
		&UsageRecord{},
		&CacheEntry{},
	); err != nil {
		return fmt.Errorf("store: auto migrate: %w", err)
	}
	return nil
}
