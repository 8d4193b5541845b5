package storage

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"cmail-server-go/internal/domain/auth/model"
	"cmail-server-go/internal/platform/errors"
)

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = model.ErrUserNotFound

// UserRepository reads and updates the profile attributes the identity core
// needs. Account creation with passwords lives elsewhere.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	var record UserRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "users.find_by_id", "failed to load user", err)
	}
	return fromUserRecord(&record), nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var record UserRecord
	err := r.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "users.find_by_email", "failed to load user", err)
	}
	return fromUserRecord(&record), nil
}

// Create inserts a user, assigning an ID when none is set.
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Email = normalizeEmail(user.Email)
	record := toUserRecord(user)
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "users.create", "failed to create user", err)
	}
	user.CreatedAt = record.CreatedAt
	user.UpdatedAt = record.UpdatedAt
	return nil
}

// EnsureByEmail returns the user owning email, creating a bare record when
// none exists.
func (r *UserRepository) EnsureByEmail(ctx context.Context, email string) (*model.User, bool, error) {
	user, err := r.FindByEmail(ctx, email)
	if err == nil {
		return user, false, nil
	}
	if !stderrors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	id := uuid.NewString()
	record := &UserRecord{}
	// a concurrent request may have created the same address
	if err := r.db.WithContext(ctx).
		Where(UserRecord{Email: normalizeEmail(email)}).
		Attrs(UserRecord{ID: id}).
		FirstOrCreate(record).Error; err != nil {
		return nil, false, errors.Wrap(errors.KindStorage, "users.ensure", "failed to create user", err)
	}
	return fromUserRecord(record), record.ID == id, nil
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, userID string) error {
	return r.update(ctx, "users.mark_email_verified", userID, map[string]any{"email_verified": true})
}

func (r *UserRepository) MarkPhoneVerified(ctx context.Context, userID, phone string) error {
	return r.update(ctx, "users.mark_phone_verified", userID, map[string]any{
		"phone":          phone,
		"phone_verified": true,
	})
}

func (r *UserRepository) update(ctx context.Context, op, userID string, values map[string]any) error {
	values["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&UserRecord{}).Where("id = ?", userID).Updates(values)
	if res.Error != nil {
		return errors.Wrap(errors.KindStorage, op, "failed to update user", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func toUserRecord(u *model.User) *UserRecord {
	return &UserRecord{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Phone:         u.Phone,
		PhoneVerified: u.PhoneVerified,
		Name:          u.Name,
		GivenName:     u.GivenName,
		FamilyName:    u.FamilyName,
		Picture:       u.Picture,
		Locale:        u.Locale,
		Zoneinfo:      u.Zoneinfo,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func fromUserRecord(r *UserRecord) *model.User {
	return &model.User{
		ID:            r.ID,
		Email:         r.Email,
		EmailVerified: r.EmailVerified,
		Phone:         r.Phone,
		PhoneVerified: r.PhoneVerified,
		Name:          r.Name,
		GivenName:     r.GivenName,
		FamilyName:    r.FamilyName,
		Picture:       r.Picture,
		Locale:        r.Locale,
		Zoneinfo:      r.Zoneinfo,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
