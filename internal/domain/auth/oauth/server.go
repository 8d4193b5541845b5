package oauth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cmail-server-go/internal/domain/auth/client"
	"cmail-server-go/internal/domain/auth/model"
	"cmail-server-go/internal/domain/auth/secret"
	"cmail-server-go/internal/domain/auth/store"
	"cmail-server-go/internal/platform/observability"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
	TokenTypeBearer            = "Bearer"

	defaultCodeTTL = 10 * time.Minute
)

// UserReader loads the users whose claims userinfo releases. A missing user
// is reported as model.ErrUserNotFound.
type UserReader interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

type Options struct {
	Registry *client.Registry
	Codes    store.CodeStore[model.AuthorizationCode]
	Tokens   store.TokenStore
	Users    UserReader
	Logger   model.Logger
	Now      func() time.Time
	CodeTTL  time.Duration
	// RotateRefreshTokens issues a new refresh token on every refresh grant
	// and invalidates the old one.
	RotateRefreshTokens bool
}

// Server orchestrates the authorize, grant, token, userinfo and revoke flows.
type Server struct {
	registry      *client.Registry
	codes         store.CodeStore[model.AuthorizationCode]
	tokens        store.TokenStore
	users         UserReader
	logger        model.Logger
	now           func() time.Time
	codeTTL       time.Duration
	rotateRefresh bool
}

func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Registry == nil:
		return nil, fmt.Errorf("oauth server requires a client registry")
	case opts.Codes == nil:
		return nil, fmt.Errorf("oauth server requires a code store")
	case opts.Tokens == nil:
		return nil, fmt.Errorf("oauth server requires a token store")
	case opts.Users == nil:
		return nil, fmt.Errorf("oauth server requires a user reader")
	}
	s := &Server{
		registry:      opts.Registry,
		codes:         opts.Codes,
		tokens:        opts.Tokens,
		users:         opts.Users,
		logger:        opts.Logger,
		now:           opts.Now,
		codeTTL:       opts.CodeTTL,
		rotateRefresh: opts.RotateRefreshTokens,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.codeTTL <= 0 {
		s.codeTTL = defaultCodeTTL
	}
	return s, nil
}

// AuthorizeRequest mirrors the query of GET /oauth/authorize.
type AuthorizeRequest struct {
	ResponseType string `json:"response_type" form:"response_type"`
	ClientID     string `json:"client_id" form:"client_id"`
	RedirectURI  string `json:"redirect_uri" form:"redirect_uri"`
	Scope        string `json:"scope" form:"scope"`
	State        string `json:"state" form:"state"`
}

// Consent is what the consent screen renders.
type Consent struct {
	Client *model.Client
	Scopes []model.Scope
	Params AuthorizeRequest
}

// Authorize validates an authorization request and returns the data needed to
// ask the user for consent. The caller does not need to be signed in.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*Consent, error) {
	if req.ResponseType != ResponseTypeCode {
		return nil, newError(CodeUnsupportedResponseType, http.StatusBadRequest, "response_type must be code")
	}
	c, scopes, err := s.validateClientRequest(ctx, req.ClientID, req.RedirectURI, req.Scope)
	if err != nil {
		return nil, err
	}
	params := req
	params.Scope = model.JoinScopes(scopes)
	return &Consent{Client: c, Scopes: scopes, Params: params}, nil
}

// GrantRequest is the consent submitted by a signed-in user.
type GrantRequest struct {
	UserID      string
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
}

// Grant issues an authorization code for the consenting user and returns the
// redirect URL carrying it. The scopes bound here are final.
func (s *Server) Grant(ctx context.Context, req GrantRequest) (string, error) {
	if req.UserID == "" {
		return "", invalidRequest("user is required")
	}
	c, scopes, err := s.validateClientRequest(ctx, req.ClientID, req.RedirectURI, req.Scope)
	if err != nil {
		return "", err
	}

	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", newError(CodeInvalidRedirectURI, http.StatusBadRequest, "redirect_uri is malformed")
	}

	s.registry.RecordUsage(ctx, c)

	code, err := secret.Token(secret.PrefixCode)
	if err != nil {
		return "", serverError(err)
	}
	now := s.now()
	rec := model.AuthorizationCode{
		Code:        code,
		UserID:      req.UserID,
		ClientID:    c.ClientID,
		Scopes:      scopes,
		RedirectURI: req.RedirectURI,
		ExpiresAt:   now.Add(s.codeTTL),
		CreatedAt:   now,
	}
	if err := s.codes.Put(ctx, code, rec); err != nil {
		return "", serverError(err)
	}
	observability.RecordMetric(ctx, "oauth.codes.issued", 1, map[string]string{"client_id": c.ClientID})
	s.logf("authorization code issued for user %s client %s scopes %q", req.UserID, c.ClientID, model.JoinScopes(scopes))

	q := target.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	return target.String(), nil
}

func (s *Server) validateClientRequest(ctx context.Context, clientID, redirectURI, scope string) (*model.Client, []model.Scope, error) {
	if clientID == "" || redirectURI == "" {
		return nil, nil, invalidRequest("client_id and redirect_uri are required")
	}
	c, err := s.resolveClient(ctx, clientID, newError(CodeNotFound, http.StatusNotFound, "client not found"))
	if err != nil {
		return nil, nil, err
	}
	if !s.registry.ValidateRedirectURI(c, redirectURI) {
		return nil, nil, newError(CodeInvalidRedirectURI, http.StatusBadRequest, "redirect_uri is not registered for this client")
	}
	scopes, err := grantedScopes(c, scope)
	if err != nil {
		return nil, nil, err
	}
	return c, scopes, nil
}

// grantedScopes resolves the requested scope string against the client. An
// empty request falls back to the client's registered scopes, or the default
// set for the public client.
func grantedScopes(c *model.Client, raw string) ([]model.Scope, error) {
	requested, err := model.ParseScopes(raw)
	if err != nil {
		return nil, invalidScope(err.Error())
	}
	if len(requested) == 0 {
		if c.IsPublic() {
			return append([]model.Scope(nil), model.DefaultScopes...), nil
		}
		return append([]model.Scope(nil), c.Scopes...), nil
	}
	for _, sc := range requested {
		if !model.HasScope(c.Scopes, sc) {
			return nil, invalidScope(fmt.Sprintf("scope %q is not allowed for this client", sc))
		}
	}
	return requested, nil
}

// TokenRequest carries the fields of POST /oauth/token for both grant types.
type TokenRequest struct {
	GrantType    string `json:"grant_type" form:"grant_type"`
	Code         string `json:"code" form:"code"`
	RedirectURI  string `json:"redirect_uri" form:"redirect_uri"`
	ClientID     string `json:"client_id" form:"client_id"`
	ClientSecret string `json:"client_secret" form:"client_secret"`
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
}

// TokenResponse is the bearer token envelope.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// Token dispatches on grant_type.
func (s *Server) Token(ctx context.Context, req TokenRequest) (resp *TokenResponse, err error) {
	ctx, end := observability.StartSpan(ctx, "oauth", "token."+req.GrantType)
	defer func() { end(err) }()

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeCode(ctx, req)
	case GrantTypeRefreshToken:
		return s.refresh(ctx, req)
	case "":
		return nil, invalidRequest("grant_type is required")
	default:
		return nil, newError(CodeUnsupportedGrantType, http.StatusBadRequest, fmt.Sprintf("grant_type %q is not supported", req.GrantType))
	}
}

func (s *Server) exchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	// Take deletes the code whatever happens next; a failed exchange burns it.
	rec, found, err := s.codes.Take(ctx, req.Code)
	if err != nil {
		return nil, serverError(err)
	}
	if !found {
		return nil, invalidGrant("authorization code is invalid or has already been used")
	}
	if s.now().After(rec.ExpiresAt) {
		return nil, invalidGrant("authorization code has expired")
	}
	if err := s.authenticateOwner(ctx, rec.ClientID, req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}
	if req.RedirectURI != rec.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	for _, sc := range rec.Scopes {
		if !sc.Valid() {
			return nil, invalidScope(fmt.Sprintf("unsupported scope %q", sc))
		}
	}

	pair, err := s.tokens.Issue(ctx, rec.UserID, rec.ClientID, rec.Scopes)
	if err != nil {
		return nil, serverError(err)
	}
	observability.RecordMetric(ctx, "oauth.tokens.issued", 1, map[string]string{"grant_type": GrantTypeAuthorizationCode})
	s.logf("token pair issued for user %s client %s", rec.UserID, rec.ClientID)
	return s.envelope(pair, true), nil
}

func (s *Server) refresh(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}
	pair, err := s.tokens.FindByRefreshToken(ctx, req.RefreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidGrant("refresh token is invalid")
	}
	if err != nil {
		return nil, serverError(err)
	}
	if !pair.RefreshValid(s.now()) {
		return nil, invalidGrant("refresh token has expired or been revoked")
	}
	if err := s.authenticateOwner(ctx, pair.ClientID, req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	var rotated *model.TokenPair
	if s.rotateRefresh {
		rotated, err = s.tokens.RotateRefreshToken(ctx, pair)
	} else {
		rotated, err = s.tokens.RotateAccessToken(ctx, pair)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidGrant("refresh token is no longer valid")
	}
	if err != nil {
		return nil, serverError(err)
	}
	observability.RecordMetric(ctx, "oauth.tokens.issued", 1, map[string]string{"grant_type": GrantTypeRefreshToken})
	s.logf("access token refreshed for user %s client %s", rotated.UserID, rotated.ClientID)
	return s.envelope(rotated, s.rotateRefresh), nil
}

// authenticateOwner checks the caller is the client the credential was issued
// to. The public client is identified by id alone.
func (s *Server) authenticateOwner(ctx context.Context, ownerClientID, clientID, clientSecret string) error {
	if ownerClientID == model.PublicClientID {
		if clientID != "" && clientID != model.PublicClientID {
			return invalidClient("client does not match the grant")
		}
		return nil
	}
	if clientID != ownerClientID {
		return invalidClient("client does not match the grant")
	}
	c, err := s.resolveClient(ctx, clientID, invalidClient("client is unknown or inactive"))
	if err != nil {
		return err
	}
	if err := s.registry.Authenticate(c, clientSecret); err != nil {
		return invalidClient("client authentication failed")
	}
	return nil
}

func (s *Server) resolveClient(ctx context.Context, clientID string, notFound *Error) (*model.Client, error) {
	c, err := s.registry.Resolve(ctx, clientID)
	switch {
	case errors.Is(err, client.ErrNotFound):
		return nil, notFound
	case errors.Is(err, client.ErrValidation):
		return nil, invalidRequest("client_id is required")
	case err != nil:
		return nil, serverError(err)
	}
	return c, nil
}

func (s *Server) envelope(pair *model.TokenPair, withRefresh bool) *TokenResponse {
	resp := &TokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(math.Round(pair.ExpiresAt.Sub(s.now()).Seconds())),
		Scope:       model.JoinScopes(pair.Scopes),
	}
	if withRefresh {
		resp.RefreshToken = pair.RefreshToken
	}
	return resp
}

// DirectRequest asks for a token pair for a user who proved control of their
// address without going through the consent screen.
type DirectRequest struct {
	UserID       string
	ClientID     string
	ClientSecret string
}

// IssueDirect issues a token pair with the client's registered scopes, or the
// default scopes for the public client.
func (s *Server) IssueDirect(ctx context.Context, req DirectRequest) (*TokenResponse, error) {
	if req.UserID == "" {
		return nil, invalidRequest("user is required")
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = model.PublicClientID
	}
	c, err := s.resolveClient(ctx, clientID, invalidClient("client is unknown or inactive"))
	if err != nil {
		return nil, err
	}
	if err := s.registry.Authenticate(c, req.ClientSecret); err != nil {
		return nil, invalidClient("client authentication failed")
	}
	scopes, err := grantedScopes(c, "")
	if err != nil {
		return nil, err
	}
	s.registry.RecordUsage(ctx, c)

	pair, err := s.tokens.Issue(ctx, req.UserID, c.ClientID, scopes)
	if err != nil {
		return nil, serverError(err)
	}
	observability.RecordMetric(ctx, "oauth.tokens.issued", 1, map[string]string{"grant_type": "verification"})
	return s.envelope(pair, true), nil
}

// UserInfo returns the claims the bearer token's scopes allow.
func (s *Server) UserInfo(ctx context.Context, authorization string) (Claims, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, invalidToken("missing or malformed bearer token")
	}
	pair, err := s.tokens.FindByAccessToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidToken("access token is invalid")
	}
	if err != nil {
		return nil, serverError(err)
	}
	if !pair.AccessValid(s.now()) {
		return nil, invalidToken("access token has expired or been revoked")
	}
	user, err := s.users.FindByID(ctx, pair.UserID)
	if errors.Is(err, model.ErrUserNotFound) {
		return nil, invalidToken("access token subject no longer exists")
	}
	if err != nil {
		return nil, serverError(err)
	}
	return BuildClaims(user, pair.Scopes), nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Revoke marks the token revoked. Unknown and already revoked tokens succeed.
func (s *Server) Revoke(ctx context.Context, token, hint string) error {
	if token == "" {
		return invalidRequest("token is required")
	}
	n, err := s.tokens.Revoke(ctx, token, store.ParseTokenHint(hint))
	if err != nil {
		return serverError(err)
	}
	if n > 0 {
		s.logf("revoked %d token pair(s)", n)
	}
	return nil
}

// RunTokenCleanup deletes token pairs whose refresh expiry has passed, every
// interval, until ctx is cancelled.
func (s *Server) RunTokenCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.tokens.CleanupExpired(ctx)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("token cleanup failed: %v", err)
				}
				continue
			}
			if n > 0 {
				s.logf("token cleanup removed %d expired pair(s)", n)
			}
		}
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Info(format, args...)
	}
}
