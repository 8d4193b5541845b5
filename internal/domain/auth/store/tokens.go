package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cmail-server-go/internal/domain/auth/model"
	"cmail-server-go/internal/domain/auth/secret"
	perrors "cmail-server-go/internal/platform/errors"
	"cmail-server-go/internal/platform/storage"
)

type sqliteTokenStore struct {
	db         *gorm.DB
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewSQLiteTokens builds the durable token store.
func NewSQLiteTokens(db *gorm.DB, cfg TokenConfig) (TokenStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	s := &sqliteTokenStore{
		db:         db,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = time.Hour
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = 30 * 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *sqliteTokenStore) Issue(ctx context.Context, userID, clientID string, scopes []model.Scope) (*model.TokenPair, error) {
	access, err := secret.Token(secret.PrefixAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := secret.Token(secret.PrefixRefresh)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record := &storage.TokenRecord{
		AccessToken:      access,
		RefreshToken:     refresh,
		UserID:           userID,
		ClientID:         clientID,
		Scopes:           model.ScopeStrings(scopes),
		ExpiresAt:        now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "tokens.issue", "failed to persist token pair", err)
	}
	return fromTokenRecord(record), nil
}

func (s *sqliteTokenStore) find(ctx context.Context, column, token string) (*model.TokenPair, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var record storage.TokenRecord
	err := s.db.WithContext(ctx).Where(column+" = ?", token).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "tokens.find", "failed to load token pair", err)
	}
	return fromTokenRecord(&record), nil
}

func (s *sqliteTokenStore) FindByAccessToken(ctx context.Context, token string) (*model.TokenPair, error) {
	return s.find(ctx, "access_token", token)
}

func (s *sqliteTokenStore) FindByRefreshToken(ctx context.Context, token string) (*model.TokenPair, error) {
	return s.find(ctx, "refresh_token", token)
}

func (s *sqliteTokenStore) RotateAccessToken(ctx context.Context, pair *model.TokenPair) (*model.TokenPair, error) {
	access, err := secret.Token(secret.PrefixAccess)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	expires := now.Add(s.accessTTL)

	// Matching on the current access token means only one of two concurrent
	// refreshes of the same snapshot updates the row.
	res := s.db.WithContext(ctx).Model(&storage.TokenRecord{}).
		Where("refresh_token = ? AND access_token = ? AND is_revoked = ?", pair.RefreshToken, pair.AccessToken, false).
		Updates(map[string]any{
			"access_token": access,
			"expires_at":   expires,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "tokens.rotate_access", "failed to rotate access token", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	rotated := *pair
	rotated.Scopes = append([]model.Scope(nil), pair.Scopes...)
	rotated.AccessToken = access
	rotated.ExpiresAt = expires
	return &rotated, nil
}

func (s *sqliteTokenStore) RotateRefreshToken(ctx context.Context, pair *model.TokenPair) (*model.TokenPair, error) {
	access, err := secret.Token(secret.PrefixAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := secret.Token(secret.PrefixRefresh)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	expires := now.Add(s.accessTTL)
	refreshExpires := now.Add(s.refreshTTL)

	res := s.db.WithContext(ctx).Model(&storage.TokenRecord{}).
		Where("refresh_token = ? AND is_revoked = ?", pair.RefreshToken, false).
		Updates(map[string]any{
			"access_token":       access,
			"refresh_token":      refresh,
			"expires_at":         expires,
			"refresh_expires_at": refreshExpires,
			"updated_at":         now,
		})
	if res.Error != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "tokens.rotate_refresh", "failed to rotate refresh token", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	rotated := *pair
	rotated.Scopes = append([]model.Scope(nil), pair.Scopes...)
	rotated.AccessToken = access
	rotated.RefreshToken = refresh
	rotated.ExpiresAt = expires
	rotated.RefreshExpiresAt = refreshExpires
	return &rotated, nil
}

// Revoke marks every pair holding token as revoked. Unknown tokens are not an
// error.
func (s *sqliteTokenStore) Revoke(ctx context.Context, token string, hint TokenHint) (int64, error) {
	if token == "" {
		return 0, nil
	}
	q := s.db.WithContext(ctx).Model(&storage.TokenRecord{})
	switch hint {
	case HintAccessToken:
		q = q.Where("access_token = ?", token)
	case HintRefreshToken:
		q = q.Where("refresh_token = ?", token)
	default:
		q = q.Where("access_token = ? OR refresh_token = ?", token, token)
	}
	res := q.Updates(map[string]any{"is_revoked": true, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return 0, perrors.Wrap(perrors.KindStorage, "tokens.revoke", "failed to revoke token", res.Error)
	}
	return res.RowsAffected, nil
}

// CleanupExpired deletes pairs whose refresh token can no longer be used.
func (s *sqliteTokenStore) CleanupExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("refresh_expires_at < ?", s.now().UTC()).
		Delete(&storage.TokenRecord{})
	if res.Error != nil {
		return 0, perrors.Wrap(perrors.KindStorage, "tokens.cleanup", "failed to delete expired tokens", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *sqliteTokenStore) Stats(ctx context.Context) (map[string]any, error) {
	var total, revoked int64
	db := s.db.WithContext(ctx)
	if err := db.Model(&storage.TokenRecord{}).Count(&total).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&storage.TokenRecord{}).Where("is_revoked = ?", true).Count(&revoked).Error; err != nil {
		return nil, err
	}
	return map[string]any{
		"type":    DriverSQLite,
		"total":   total,
		"revoked": revoked,
	}, nil
}

func fromTokenRecord(r *storage.TokenRecord) *model.TokenPair {
	scopes := make([]model.Scope, len(r.Scopes))
	for i, s := range r.Scopes {
		scopes[i] = model.Scope(s)
	}
	return &model.TokenPair{
		AccessToken:      r.AccessToken,
		RefreshToken:     r.RefreshToken,
		UserID:           r.UserID,
		ClientID:         r.ClientID,
		Scopes:           scopes,
		ExpiresAt:        r.ExpiresAt,
		RefreshExpiresAt: r.RefreshExpiresAt,
		IsRevoked:        r.IsRevoked,
		CreatedAt:        r.CreatedAt,
	}
}
