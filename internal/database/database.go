package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/wnt/memewars/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the postgres database named by dsn and migrates the schema
func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	return Open(postgres.Open(dsn), func(sqlDB *sql.DB) {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	})
}

// OpenSQLite opens a sqlite database at path (":memory:" for tests) and migrates the schema
func OpenSQLite(path string) (*gorm.DB, error) {
	// A single connection keeps an in-memory database shared across queries
	return Open(sqlite.Open(path), func(sqlDB *sql.DB) {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	})
}

// Open connects through the given dialector with the service's gorm settings,
// applies the pool settings and migrates the schema
func Open(dialector gorm.Dialector, pool func(*sql.DB)) (*gorm.DB, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true, // unique violations surface as gorm.ErrDuplicatedKey
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if pool != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}
		pool(sqlDB)
	}

	if err := migrateSchema(db); err != nil {
		return nil, err
	}

	return db, nil
}

func migrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.WalletActivity{},
		&models.Battle{},
		&models.Meme{},
		&models.MemeLike{},
		&models.Vote{},
		&models.Comment{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}
