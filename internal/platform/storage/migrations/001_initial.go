package migrations

import (
	"gorm.io/gorm"
)

// Migration001Initial creates the durable OAuth tables.
type Migration001Initial struct{}

func (m *Migration001Initial) Version() string {
	return "001_initial"
}

func (m *Migration001Initial) Description() string {
	return "Create users, oauth_clients and oauth_tokens"
}

func (m *Migration001Initial) Up(db *gorm.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			email_verified BOOLEAN NOT NULL DEFAULT 0,
			phone VARCHAR(32),
			phone_verified BOOLEAN NOT NULL DEFAULT 0,
			name VARCHAR(255),
			given_name VARCHAR(255),
			family_name VARCHAR(255),
			picture VARCHAR(1024),
			locale VARCHAR(32),
			zoneinfo VARCHAR(64),
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_clients (
			id VARCHAR(36) PRIMARY KEY,
			client_id VARCHAR(128) NOT NULL UNIQUE,
			client_secret_hash VARCHAR(255) NOT NULL,
			owner_user_id VARCHAR(36) NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			website VARCHAR(1024),
			logo_url VARCHAR(1024),
			redirect_uris JSON NOT NULL,
			scopes JSON NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_clients_owner_user_id ON oauth_clients(owner_user_id)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			access_token VARCHAR(128) NOT NULL UNIQUE,
			refresh_token VARCHAR(128) NOT NULL UNIQUE,
			user_id VARCHAR(36) NOT NULL,
			client_id VARCHAR(128) NOT NULL,
			scopes JSON NOT NULL,
			expires_at DATETIME NOT NULL,
			refresh_expires_at DATETIME NOT NULL,
			is_revoked BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_tokens_user_id ON oauth_tokens(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_tokens_client_id ON oauth_tokens(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_tokens_refresh_expires_at ON oauth_tokens(refresh_expires_at)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (m *Migration001Initial) Down(db *gorm.DB) error {
	for _, table := range []string{"oauth_tokens", "oauth_clients", "users"} {
		if err := db.Exec("DROP TABLE IF EXISTS " + table).Error; err != nil {
			return err
		}
	}
	return nil
}
