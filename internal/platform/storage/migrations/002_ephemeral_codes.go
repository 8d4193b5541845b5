package migrations

import "gorm.io/gorm"

// Migration002EphemeralCodes adds the table used by the sqlite code store.
type Migration002EphemeralCodes struct{}

func (m *Migration002EphemeralCodes) Version() string {
	return "002_ephemeral_codes"
}

func (m *Migration002EphemeralCodes) Description() string {
	return "Create ephemeral_codes for authorization and verification codes"
}

func (m *Migration002EphemeralCodes) Up(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ephemeral_codes (
			namespace VARCHAR(64) NOT NULL,
			code_key VARCHAR(255) NOT NULL,
			payload JSON NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME,
			PRIMARY KEY (namespace, code_key)
		)
	`).Error; err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_ephemeral_codes_expires_at ON ephemeral_codes(expires_at)`).Error
}

func (m *Migration002EphemeralCodes) Down(db *gorm.DB) error {
	return db.Exec(`DROP TABLE IF EXISTS ephemeral_codes`).Error
}
