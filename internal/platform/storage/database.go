package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cmail-server-go/internal/platform/errors"
	"cmail-server-go/internal/platform/storage/migrations"
)

// Open connects to the sqlite database at dsn, creating its directory when
// needed. It does not migrate; call Migrate for that.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New(errors.KindConfig, "storage.open", "database dsn is empty")
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(errors.KindStorage, "storage.open", "failed to create data directory", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "storage.open", "failed to open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "storage.open", "failed to access connection pool", err)
	}
	// sqlite allows a single writer; serialising connections keeps
	// transactions from failing with "database is locked".
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// OpenInMemory opens a private in-memory database and migrates it.
func OpenInMemory(ctx context.Context) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:cmail-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrations returns the schema migrations in application order.
func Migrations() []Migration {
	return []Migration{
		&migrations.Migration001Initial{},
		&migrations.Migration002EphemeralCodes{},
	}
}

// Migrate applies pending schema migrations.
func Migrate(ctx context.Context, db *gorm.DB) ([]string, error) {
	return NewMigrationManager(db, Migrations()...).RunMigrations(ctx)
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
