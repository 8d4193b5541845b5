package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scope is a named permission bucket a client may be granted.
type Scope string

const (
	ScopeEmail        Scope = "email"
	ScopeProfile      Scope = "profile"
	ScopeReadEmails   Scope = "read_emails"
	ScopeSendEmails   Scope = "send_emails"
	ScopeManageEmails Scope = "manage_emails"
)

// AllScopes lists every scope the server understands, in canonical order.
var AllScopes = []Scope{ScopeEmail, ScopeProfile, ScopeReadEmails, ScopeSendEmails, ScopeManageEmails}

// DefaultScopes are assigned to clients registered without explicit scopes.
var DefaultScopes = []Scope{ScopeEmail, ScopeProfile}

func (s Scope) Valid() bool {
	for _, known := range AllScopes {
		if s == known {
			return true
		}
	}
	return false
}

// ParseScopes splits a space (or comma) separated scope string, rejecting
// unknown values. Duplicates are dropped; order of first appearance is kept.
func ParseScopes(raw string) ([]Scope, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	return NormalizeScopes(fields)
}

// NormalizeScopes validates a list of scope strings.
func NormalizeScopes(values []string) ([]Scope, error) {
	out := make([]Scope, 0, len(values))
	seen := make(map[Scope]bool, len(values))
	for _, v := range values {
		s := Scope(strings.TrimSpace(v))
		if s == "" {
			continue
		}
		if !s.Valid() {
			return nil, fmt.Errorf("unsupported scope %q", v)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// JoinScopes renders scopes in the space separated wire form.
func JoinScopes(scopes []Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, " ")
}

// ScopeStrings converts scopes for storage.
func ScopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// HasScope reports whether want is in scopes.
func HasScope(scopes []Scope, want Scope) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// PublicClientID is the sentinel client that needs no registration.
const PublicClientID = "cmail_public_api"

// Client is a registered third-party application.
type Client struct {
	ID               string
	ClientID         string
	ClientSecretHash string
	OwnerUserID      string
	Name             string
	Description      string
	Website          string
	LogoURL          string
	RedirectURIs     []string
	Scopes           []Scope
	IsActive         bool
	UsageCount       int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsPublic reports whether c is the synthesised public client.
func (c *Client) IsPublic() bool {
	return c != nil && c.ClientID == PublicClientID
}

// AuthorizationCode binds a consented grant to a client and redirect URI
// until it is exchanged or expires.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	UserID      string    `json:"user_id"`
	ClientID    string    `json:"client_id"`
	Scopes      []Scope   `json:"scopes"`
	RedirectURI string    `json:"redirect_uri"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c AuthorizationCode) Expiry() time.Time { return c.ExpiresAt }

// TokenPair is an issued access/refresh credential pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	UserID           string
	ClientID         string
	Scopes           []Scope
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	IsRevoked        bool
	CreatedAt        time.Time
}

// AccessValid reports whether the access token may be used at now.
func (p *TokenPair) AccessValid(now time.Time) bool {
	return p != nil && !p.IsRevoked && !now.After(p.ExpiresAt)
}

// RefreshValid reports whether the refresh token may be used at now.
func (p *TokenPair) RefreshValid(now time.Time) bool {
	return p != nil && !p.IsRevoked && !now.After(p.RefreshExpiresAt)
}

// Channel is the delivery medium of a verification code.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// VerificationCode is a short numeric code sent to an email address or phone.
type VerificationCode struct {
	Code      string            `json:"code"`
	Target    string            `json:"target"`
	Channel   Channel           `json:"channel"`
	UserID    string            `json:"user_id"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Attempts counts rejected submissions against this code.
	Attempts int `json:"attempts,omitempty"`
}

func (c VerificationCode) Expiry() time.Time { return c.ExpiresAt }

// ErrUserNotFound is returned by user lookups that match nothing.
var ErrUserNotFound = errors.New("user not found")

// User carries the profile attributes the authorization server may release.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Phone         string
	PhoneVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
	Locale        string
	Zoneinfo      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Logger provides the minimal logging contract required by the auth domain.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}
