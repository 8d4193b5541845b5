package store

import (
	"context"
	"errors"
	"time"

	"cmail-server-go/internal/domain/auth/model"
)

// ErrNotFound is returned when a durable record does not exist, or a
// conditional update matched nothing.
var ErrNotFound = errors.New("store: record not found")

// Action tells Update what to do with the record it read.
type Action int

const (
	ActionKeep Action = iota
	ActionReplace
	ActionDelete
)

// Expirable is implemented by records kept in a CodeStore.
type Expirable interface {
	Expiry() time.Time
}

// CodeStore holds short-lived, single-use records keyed by a string. Records
// are returned regardless of expiry; callers classify expiry themselves
// against their own clock.
type CodeStore[T Expirable] interface {
	// Put stores rec under key, replacing any previous record.
	Put(ctx context.Context, key string, rec T) error
	Get(ctx context.Context, key string) (T, bool, error)
	// Take atomically fetches and deletes the record. Of several concurrent
	// callers at most one observes found == true.
	Take(ctx context.Context, key string) (T, bool, error)
	// Update atomically hands the record to fn and applies the Action it
	// returns. rec is the value fn returned; found reports whether a record
	// existed. A record removed underneath the call reports found == false.
	Update(ctx context.Context, key string, fn func(T) (T, Action)) (rec T, found bool, action Action, err error)
	Delete(ctx context.Context, key string) error
	// Sweep removes records that expired before now and reports how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
}

// ClientStore persists registered applications.
type ClientStore interface {
	Create(ctx context.Context, client *model.Client) error
	FindByClientID(ctx context.Context, clientID string) (*model.Client, error)
	ListByOwner(ctx context.Context, ownerUserID string) ([]*model.Client, error)
	IncrementUsage(ctx context.Context, clientID string) error
	SetActive(ctx context.Context, clientID string, active bool) error
}

// TokenStore persists access/refresh token pairs.
type TokenStore interface {
	Issue(ctx context.Context, userID, clientID string, scopes []model.Scope) (*model.TokenPair, error)
	FindByAccessToken(ctx context.Context, token string) (*model.TokenPair, error)
	FindByRefreshToken(ctx context.Context, token string) (*model.TokenPair, error)
	// RotateAccessToken replaces the access token of pair and its expiry. It
	// fails with ErrNotFound when pair was revoked or rotated concurrently.
	RotateAccessToken(ctx context.Context, pair *model.TokenPair) (*model.TokenPair, error)
	// RotateRefreshToken replaces both tokens and both expiries.
	RotateRefreshToken(ctx context.Context, pair *model.TokenPair) (*model.TokenPair, error)
	Revoke(ctx context.Context, token string, hint TokenHint) (int64, error)
	CleanupExpired(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (map[string]any, error)
}

// TokenHint narrows which column Revoke matches.
type TokenHint string

const (
	HintAny          TokenHint = ""
	HintAccessToken  TokenHint = "access_token"
	HintRefreshToken TokenHint = "refresh_token"
)

// ParseTokenHint accepts the RFC 7009 values plus the short forms used by
// the web client.
func ParseTokenHint(raw string) TokenHint {
	switch raw {
	case "access_token", "access":
		return HintAccessToken
	case "refresh_token", "refresh":
		return HintRefreshToken
	default:
		return HintAny
	}
}

// Config describes the code store selection parameters.
type Config struct {
	Driver    string
	Namespace string
	Redis     *RedisConfig
	Memory    *MemoryConfig
	// Grace keeps expired records around in redis so callers can still tell
	// "expired" from "unknown".
	Grace time.Duration
}

// MemoryConfig holds in-memory tuning knobs.
type MemoryConfig struct {
	GCInterval time.Duration
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// TokenConfig sets the lifetimes of issued token pairs.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}
