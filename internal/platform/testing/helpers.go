package testing

import (
	"context"
	"io"
	"testing"

	"gorm.io/gorm"

	"cmail-server-go/internal/platform/config"
	"cmail-server-go/internal/platform/logging"
	"cmail-server-go/internal/platform/storage"
)

// SetupTestConfig returns the default configuration adjusted for tests: logs
// go to a temp dir, the session secret is fixed and dev echo is on.
func SetupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.IP = "127.0.0.1"
	cfg.Log.Level = "INFO"
	cfg.Log.Dir = t.TempDir()
	cfg.Log.File = "test.log"
	cfg.Web.StaticDir = ""
	cfg.Database.DSN = ":memory:"
	cfg.Session.Secret = "test-session-secret"
	cfg.Verification.DevEcho = true
	return cfg
}

// SetupTestLogger writes the JSON log to a temp dir and discards console output.
func SetupTestLogger(t *testing.T) *logging.Logger {
	t.Helper()

	logger, err := logging.New(logging.Config{
		Level:    "DEBUG",
		Dir:      t.TempDir(),
		Filename: "test.log",
		Console:  io.Discard,
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

// SetupTestDB opens a migrated in-memory database private to the test.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := storage.OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}
