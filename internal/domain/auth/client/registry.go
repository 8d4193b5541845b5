package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"cmail-server-go/internal/domain/auth/model"
	"cmail-server-go/internal/domain/auth/secret"
	"cmail-server-go/internal/domain/auth/store"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("client not found")
	ErrInvalidCredentials = errors.New("invalid client credentials")
)

// RegisterInput carries the fields an owner supplies when registering an app.
type RegisterInput struct {
	OwnerUserID  string
	Name         string
	Description  string
	Website      string
	LogoURL      string
	RedirectURIs []string
	Scopes       []string
}

// Registered is returned once at registration; ClientSecret is never
// retrievable again.
type Registered struct {
	Client       *model.Client
	ClientSecret string
}

type Options struct {
	Store  store.ClientStore
	Logger model.Logger
	Now    func() time.Time
	// RestrictPublicRedirects limits the public client to PublicRedirectURIs.
	RestrictPublicRedirects bool
	PublicRedirectURIs      []string
	BcryptCost              int
}

// Registry stores registered client apps and resolves the public client.
type Registry struct {
	store           store.ClientStore
	logger          model.Logger
	now             func() time.Time
	restrictPublic  bool
	publicRedirects []string
	bcryptCost      int
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("client registry requires a store")
	}
	r := &Registry{
		store:           opts.Store,
		logger:          opts.Logger,
		now:             opts.Now,
		restrictPublic:  opts.RestrictPublicRedirects,
		publicRedirects: append([]string(nil), opts.PublicRedirectURIs...),
		bcryptCost:      opts.BcryptCost,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.bcryptCost == 0 {
		r.bcryptCost = bcrypt.DefaultCost
	}
	return r, nil
}

// Register validates in and persists a new client with fresh credentials.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*Registered, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if in.OwnerUserID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if len(in.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect URI is required", ErrValidation)
	}
	redirects := make([]string, 0, len(in.RedirectURIs))
	for _, raw := range in.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return nil, err
		}
		redirects = append(redirects, raw)
	}

	scopes, err := model.NormalizeScopes(in.Scopes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(scopes) == 0 {
		scopes = append([]model.Scope(nil), model.DefaultScopes...)
	}

	clientID, err := secret.Token(secret.PrefixClientID)
	if err != nil {
		return nil, err
	}
	clientSecret, err := secret.ClientSecret()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash client secret: %w", err)
	}

	now := r.now().UTC()
	c := &model.Client{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		ClientSecretHash: string(hash),
		OwnerUserID:      in.OwnerUserID,
		Name:             name,
		Description:      strings.TrimSpace(in.Description),
		Website:          strings.TrimSpace(in.Website),
		LogoURL:          strings.TrimSpace(in.LogoURL),
		RedirectURIs:     redirects,
		Scopes:           scopes,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.Create(ctx, c); err != nil {
		return nil, err
	}
	r.logf("registered client %s for owner %s", c.ClientID, c.OwnerUserID)
	return &Registered{Client: c, ClientSecret: clientSecret}, nil
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: redirect URI %q must be absolute", ErrValidation, raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("%w: redirect URI %q must not contain a fragment", ErrValidation, raw)
	}
	return nil
}

// ListByOwner returns the owner's clients with secret hashes removed.
func (r *Registry) ListByOwner(ctx context.Context, ownerUserID string) ([]*model.Client, error) {
	clients, err := r.store.ListByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		c.ClientSecretHash = ""
	}
	return clients, nil
}

// SetActive enables or disables one of the owner's clients. A client owned by
// someone else is reported as ErrNotFound. Disabled clients stop resolving,
// so they can no longer start flows or exchange codes.
func (r *Registry) SetActive(ctx context.Context, ownerUserID, clientID string, active bool) (*model.Client, error) {
	c, err := r.store.FindByClientID(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ownerUserID == "" || c.OwnerUserID != ownerUserID {
		return nil, ErrNotFound
	}
	if c.IsActive != active {
		if err := r.store.SetActive(ctx, clientID, active); err != nil {
			return nil, err
		}
		c.IsActive = active
		r.logf("client %s active=%t", clientID, active)
	}
	c.ClientSecretHash = ""
	return c, nil
}

// Resolve returns the stored active client, or the synthesised public client
// for model.PublicClientID.
func (r *Registry) Resolve(ctx context.Context, clientID string) (*model.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrValidation)
	}
	if clientID == model.PublicClientID {
		return r.publicClient(), nil
	}
	c, err := r.store.FindByClientID(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *Registry) publicClient() *model.Client {
	return &model.Client{
		ClientID:     model.PublicClientID,
		Name:         "Cmail",
		Description:  "First-party Cmail sign in",
		RedirectURIs: append([]string(nil), r.publicRedirects...),
		Scopes:       append([]model.Scope(nil), model.AllScopes...),
		IsActive:     true,
	}
}

// ValidateRedirectURI reports whether uri exactly matches one of the client's
// registered redirect URIs. The public client accepts any URI unless
// restricted by configuration.
func (r *Registry) ValidateRedirectURI(c *model.Client, uri string) bool {
	if c == nil || uri == "" {
		return false
	}
	if c.IsPublic() && !r.restrictPublic {
		return true
	}
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// Authenticate checks clientSecret against the stored hash. The public client
// has no secret.
func (r *Registry) Authenticate(c *model.Client, clientSecret string) error {
	if c == nil {
		return ErrInvalidCredentials
	}
	if c.IsPublic() {
		return nil
	}
	if clientSecret == "" || c.ClientSecretHash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(clientSecret)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// RecordUsage bumps the client's usage counter. Failures are logged only.
func (r *Registry) RecordUsage(ctx context.Context, c *model.Client) {
	if c == nil || c.IsPublic() {
		return
	}
	if err := r.store.IncrementUsage(ctx, c.ClientID); err != nil && r.logger != nil {
		r.logger.Warn("record usage for client %s: %v", c.ClientID, err)
	}
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Info(format, args...)
	}
}
