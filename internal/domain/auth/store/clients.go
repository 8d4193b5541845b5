package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"cmail-server-go/internal/domain/auth/model"
	perrors "cmail-server-go/internal/platform/errors"
	"cmail-server-go/internal/platform/storage"
)

type sqliteClientStore struct {
	db *gorm.DB
}

// NewSQLiteClients builds the durable client store.
func NewSQLiteClients(db *gorm.DB) (ClientStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	return &sqliteClientStore{db: db}, nil
}

func (s *sqliteClientStore) Create(ctx context.Context, client *model.Client) error {
	record := toClientRecord(client)
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return perrors.Wrap(perrors.KindStorage, "clients.create", "failed to create client", err)
	}
	client.CreatedAt = record.CreatedAt
	client.UpdatedAt = record.UpdatedAt
	return nil
}

func (s *sqliteClientStore) FindByClientID(ctx context.Context, clientID string) (*model.Client, error) {
	var record storage.ClientRecord
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "clients.find", "failed to load client", err)
	}
	return fromClientRecord(&record), nil
}

func (s *sqliteClientStore) ListByOwner(ctx context.Context, ownerUserID string) ([]*model.Client, error) {
	var records []storage.ClientRecord
	if err := s.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, perrors.Wrap(perrors.KindStorage, "clients.list", "failed to list clients", err)
	}
	clients := make([]*model.Client, len(records))
	for i := range records {
		clients[i] = fromClientRecord(&records[i])
	}
	return clients, nil
}

func (s *sqliteClientStore) IncrementUsage(ctx context.Context, clientID string) error {
	res := s.db.WithContext(ctx).Model(&storage.ClientRecord{}).
		Where("client_id = ?", clientID).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
	if res.Error != nil {
		return perrors.Wrap(perrors.KindStorage, "clients.usage", "failed to record client usage", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteClientStore) SetActive(ctx context.Context, clientID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&storage.ClientRecord{}).
		Where("client_id = ?", clientID).
		Update("is_active", active)
	if res.Error != nil {
		return perrors.Wrap(perrors.KindStorage, "clients.set_active", "failed to update client", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func toClientRecord(c *model.Client) *storage.ClientRecord {
	return &storage.ClientRecord{
		ID:               c.ID,
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		OwnerUserID:      c.OwnerUserID,
		Name:             c.Name,
		Description:      c.Description,
		Website:          c.Website,
		LogoURL:          c.LogoURL,
		RedirectURIs:     append([]string(nil), c.RedirectURIs...),
		Scopes:           model.ScopeStrings(c.Scopes),
		IsActive:         c.IsActive,
		UsageCount:       c.UsageCount,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func fromClientRecord(r *storage.ClientRecord) *model.Client {
	scopes := make([]model.Scope, len(r.Scopes))
	for i, s := range r.Scopes {
		scopes[i] = model.Scope(s)
	}
	return &model.Client{
		ID:               r.ID,
		ClientID:         r.ClientID,
		ClientSecretHash: r.ClientSecretHash,
		OwnerUserID:      r.OwnerUserID,
		Name:             r.Name,
		Description:      r.Description,
		Website:          r.Website,
		LogoURL:          r.LogoURL,
		RedirectURIs:     append([]string(nil), r.RedirectURIs...),
		Scopes:           scopes,
		IsActive:         r.IsActive,
		UsageCount:       r.UsageCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}
