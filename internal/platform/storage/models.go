package storage

import (
	"time"

	"gorm.io/datatypes"
)

// ClientRecord is a registered third-party application.
type ClientRecord struct {
	ID               string                      `gorm:"column:id;primaryKey;type:varchar(36)"`
	ClientID         string                      `gorm:"column:client_id;type:varchar(128);uniqueIndex;not null"`
	ClientSecretHash string                      `gorm:"column:client_secret_hash;not null"`
	OwnerUserID      string                      `gorm:"column:owner_user_id;index;not null"`
	Name             string                      `gorm:"column:name;not null"`
	Description      string                      `gorm:"column:description"`
	Website          string                      `gorm:"column:website"`
	LogoURL          string                      `gorm:"column:logo_url"`
	RedirectURIs     datatypes.JSONSlice[string] `gorm:"column:redirect_uris;not null"`
	Scopes           datatypes.JSONSlice[string] `gorm:"column:scopes;not null"`
	IsActive         bool                        `gorm:"column:is_active;not null;default:true"`
	UsageCount       int64                       `gorm:"column:usage_count;not null;default:0"`
	CreatedAt        time.Time                   `gorm:"column:created_at"`
	UpdatedAt        time.Time                   `gorm:"column:updated_at"`
}

func (ClientRecord) TableName() string { return "oauth_clients" }

// TokenRecord is an issued access/refresh token pair.
type TokenRecord struct {
	ID               uint                        `gorm:"column:id;primaryKey;autoIncrement"`
	AccessToken      string                      `gorm:"column:access_token;type:varchar(128);uniqueIndex;not null"`
	RefreshToken     string                      `gorm:"column:refresh_token;type:varchar(128);uniqueIndex;not null"`
	UserID           string                      `gorm:"column:user_id;index;not null"`
	ClientID         string                      `gorm:"column:client_id;index;not null"`
	Scopes           datatypes.JSONSlice[string] `gorm:"column:scopes;not null"`
	ExpiresAt        time.Time                   `gorm:"column:expires_at;not null"`
	RefreshExpiresAt time.Time                   `gorm:"column:refresh_expires_at;index;not null"`
	IsRevoked        bool                        `gorm:"column:is_revoked;not null;default:false"`
	CreatedAt        time.Time                   `gorm:"column:created_at"`
	UpdatedAt        time.Time                   `gorm:"column:updated_at"`
}

func (TokenRecord) TableName() string { return "oauth_tokens" }

// UserRecord holds the profile attributes exposed through userinfo.
type UserRecord struct {
	ID            string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	Email         string    `gorm:"column:email;type:varchar(255);uniqueIndex;not null"`
	EmailVerified bool      `gorm:"column:email_verified;not null;default:false"`
	Phone         string    `gorm:"column:phone"`
	PhoneVerified bool      `gorm:"column:phone_verified;not null;default:false"`
	Name          string    `gorm:"column:name"`
	GivenName     string    `gorm:"column:given_name"`
	FamilyName    string    `gorm:"column:family_name"`
	Picture       string    `gorm:"column:picture"`
	Locale        string    `gorm:"column:locale"`
	Zoneinfo      string    `gorm:"column:zoneinfo"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (UserRecord) TableName() string { return "users" }

// CodeRecord backs the sqlite code store driver. Payload is the JSON encoded
// record; expiry is duplicated into its own column for sweeping.
type CodeRecord struct {
	Namespace string         `gorm:"column:namespace;primaryKey;type:varchar(64)"`
	Key       string         `gorm:"column:code_key;primaryKey;type:varchar(255)"`
	Payload   datatypes.JSON `gorm:"column:payload;not null"`
	ExpiresAt time.Time      `gorm:"column:expires_at;index;not null"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (CodeRecord) TableName() string { return "ephemeral_codes" }
