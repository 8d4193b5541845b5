package oauth

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"cmail-server-go/internal/domain/auth/client"
	"cmail-server-go/internal/domain/auth/model"
	"cmail-server-go/internal/domain/auth/store"
	"cmail-server-go/internal/platform/storage"
)

const testRedirect = "https://app.example/cb"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type testEnv struct {
	srv      *Server
	registry *client.Registry
	tokens   store.TokenStore
	users    *storage.UserRepository
	clock    *testClock
	user     *model.User
}

func newTestEnv(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	clock := &testClock{t: time.Now().UTC().Truncate(time.Second)}

	clients, err := store.NewSQLiteClients(db)
	require.NoError(t, err)
	registry, err := client.NewRegistry(client.Options{Store: clients, Now: clock.Now, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	tokens, err := store.NewSQLiteTokens(db, store.TokenConfig{
		AccessTTL:  time.Hour,
		RefreshTTL: 30 * 24 * time.Hour,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	codes := store.NewMemory[model.AuthorizationCode](store.Config{Namespace: "oauth_codes"})
	t.Cleanup(func() { _ = codes.Close(ctx) })

	users := storage.NewUserRepository(db)
	user := &model.User{
		Email:         "ada@example.com",
		EmailVerified: true,
		Name:          "Ada Lovelace",
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
	}
	require.NoError(t, users.Create(ctx, user))

	opts := Options{
		Registry: registry,
		Codes:    codes,
		Tokens:   tokens,
		Users:    users,
		Now:      clock.Now,
	}
	if configure != nil {
		configure(&opts)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)

	return &testEnv{srv: srv, registry: registry, tokens: tokens, users: users, clock: clock, user: user}
}

func (e *testEnv) registerApp(t *testing.T, scopes ...string) *client.Registered {
	t.Helper()
	reg, err := e.registry.Register(context.Background(), client.RegisterInput{
		OwnerUserID:  "owner-1",
		Name:         "Demo App",
		RedirectURIs: []string{testRedirect},
		Scopes:       scopes,
	})
	require.NoError(t, err)
	return reg
}

func (e *testEnv) grant(t *testing.T, clientID, redirect, scope string) string {
	t.Helper()
	redirectURL, err := e.srv.Grant(context.Background(), GrantRequest{
		UserID:      e.user.ID,
		ClientID:    clientID,
		RedirectURI: redirect,
		Scope:       scope,
		State:       "xyz",
	})
	require.NoError(t, err)
	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, "xyz", u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, AsError(err).Code, "error: %v", err)
}

func TestEndToEndFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	reg := env.registerApp(t, "email", "profile")

	consent, err := env.srv.Authorize(ctx, AuthorizeRequest{
		ResponseType: "code",
		ClientID:     reg.Client.ClientID,
		RedirectURI:  testRedirect,
		State:        "xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, "Demo App", consent.Client.Name)
	assert.Equal(t, "email profile", consent.Params.Scope)

	code := env.grant(t, reg.Client.ClientID, testRedirect, "")

	resp, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     reg.Client.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  testRedirect,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "email profile", resp.Scope)
	assert.NotEmpty(t, resp.RefreshToken)

	claims, err := env.srv.UserInfo(ctx, "Bearer "+resp.AccessToken)
	require.NoError(t, err)
	for _, k := range []string{"sub", "email", "email_verified", "name", "given_name", "family_name", "picture"} {
		assert.Contains(t, claims, k)
	}
	assert.Equal(t, env.user.ID, claims["sub"])

	stored, err := env.registry.Resolve(ctx, reg.Client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsageCount)
}

func TestPublicClientFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	redirect := "https://anywhere.example/landing"

	consent, err := env.srv.Authorize(ctx, AuthorizeRequest{
		ResponseType: "code",
		ClientID:     model.PublicClientID,
		RedirectURI:  redirect,
	})
	require.NoError(t, err)
	assert.True(t, consent.Client.IsPublic())

	code := env.grant(t, model.PublicClientID, redirect, "email read_emails")
	resp, err := env.srv.Token(ctx, TokenRequest{
		GrantType:   GrantTypeAuthorizationCode,
		Code:        code,
		ClientID:    model.PublicClientID,
		RedirectURI: redirect,
	})
	require.NoError(t, err)
	assert.Equal(t, "email read_emails", resp.Scope)

	refreshed, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: resp.RefreshToken,
		ClientID:     model.PublicClientID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, resp.AccessToken, refreshed.AccessToken)
}

func TestAuthorizeValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	reg := env.registerApp(t, "email")

	tests := []struct {
		name   string
		req    AuthorizeRequest
		code   string
		status int
	}{
		{"wrong response type", AuthorizeRequest{ResponseType: "token", ClientID: reg.Client.ClientID, RedirectURI: testRedirect}, CodeUnsupportedResponseType, http.StatusBadRequest},
		{"missing client", AuthorizeRequest{ResponseType: "code", RedirectURI: testRedirect}, CodeInvalidRequest, http.StatusBadRequest},
		{"missing redirect", AuthorizeRequest{ResponseType: "code", ClientID: reg.Client.ClientID}, CodeInvalidRequest, http.StatusBadRequest},
		{"unknown client", AuthorizeRequest{ResponseType: "code", ClientID: "cmail_client_nope", RedirectURI: testRedirect}, CodeNotFound, http.StatusNotFound},
		{"unregistered redirect", AuthorizeRequest{ResponseType: "code", ClientID: reg.Client.ClientID, RedirectURI: testRedirect + "/"}, CodeInvalidRedirectURI, http.StatusBadRequest},
		{"scope beyond client", AuthorizeRequest{ResponseType: "code", ClientID: reg.Client.ClientID, RedirectURI: testRedirect, Scope: "email profile"}, CodeInvalidScope, http.StatusBadRequest},
		{"unknown scope", AuthorizeRequest{ResponseType: "code", ClientID: reg.Client.ClientID, RedirectURI: testRedirect, Scope: "admin"}, CodeInvalidScope, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Authorize(ctx, tt.req)
			requireCode(t, err, tt.code)
			assert.Equal(t, tt.status, AsError(err).Status)
		})
	}
}

func TestGrantPreservesRedirectQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	redirectURL, err := env.srv.Grant(context.Background(), GrantRequest{
		UserID:      env.user.ID,
		ClientID:    model.PublicClientID,
		RedirectURI: "https://app.example/cb?tab=mail",
	})
	require.NoError(t, err)
	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, "mail", u.Query().Get("tab"))
	assert.NotEmpty(t, u.Query().Get("code"))
	assert.False(t, u.Query().Has("state"))

	_, err = env.srv.Grant(context.Background(), GrantRequest{ClientID: model.PublicClientID, RedirectURI: testRedirect})
	requireCode(t, err, CodeInvalidRequest)
}

func TestCodeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	code := env.grant(t, model.PublicClientID, testRedirect, "")

	req := TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: testRedirect}
	_, err := env.srv.Token(ctx, req)
	require.NoError(t, err)

	_, err = env.srv.Token(ctx, req)
	requireCode(t, err, CodeInvalidGrant)
}

func TestConcurrentCodeExchange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	code := env.grant(t, model.PublicClientID, testRedirect, "")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: testRedirect})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if IsCode(err, CodeInvalidGrant) {
				failures++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, failures)
}

func TestCodeExpiryBoundary(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		advance time.Duration
		wantErr bool
	}{
		{"one millisecond before expiry", 10*time.Minute - time.Millisecond, false},
		{"exactly at expiry", 10 * time.Minute, false},
		{"one millisecond after expiry", 10*time.Minute + time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			code := env.grant(t, model.PublicClientID, testRedirect, "")
			env.clock.Advance(tt.advance)

			_, err := env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: testRedirect})
			if tt.wantErr {
				requireCode(t, err, CodeInvalidGrant)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRedirectBindingAtExchange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	reg := env.registerApp(t)

	code := env.grant(t, reg.Client.ClientID, testRedirect, "")
	_, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     reg.Client.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  testRedirect + "/",
	})
	requireCode(t, err, CodeInvalidGrant)

	// The failed exchange consumed the code.
	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     reg.Client.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  testRedirect,
	})
	requireCode(t, err, CodeInvalidGrant)
}

func TestClientAuthenticationAtExchange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	reg := env.registerApp(t)
	other := env.registerApp(t)

	tests := []struct {
		name     string
		clientID string
		secret   string
	}{
		{"wrong secret", reg.Client.ClientID, "cmail_secret_wrong"},
		{"missing secret", reg.Client.ClientID, ""},
		{"other client", other.Client.ClientID, other.ClientSecret},
		{"public id for registered code", model.PublicClientID, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := env.grant(t, reg.Client.ClientID, testRedirect, "")
			_, err := env.srv.Token(ctx, TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         code,
				ClientID:     tt.clientID,
				ClientSecret: tt.secret,
				RedirectURI:  testRedirect,
			})
			requireCode(t, err, CodeInvalidClient)
			assert.Equal(t, http.StatusUnauthorized, AsError(err).Status)
		})
	}
}

func TestRefreshKeepsRefreshTokenAndScopes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	reg := env.registerApp(t, "email", "profile")
	code := env.grant(t, reg.Client.ClientID, testRedirect, "email")

	first, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     reg.Client.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  testRedirect,
	})
	require.NoError(t, err)
	before, err := env.tokens.FindByRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	refreshed, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
		ClientID:     reg.Client.ClientID,
		ClientSecret: reg.ClientSecret,
	})
	require.NoError(t, err)
	assert.Empty(t, refreshed.RefreshToken)
	assert.Equal(t, "email", refreshed.Scope)
	assert.Equal(t, int64(3600), refreshed.ExpiresIn)

	_, err = env.srv.UserInfo(ctx, "Bearer "+first.AccessToken)
	requireCode(t, err, CodeInvalidToken)
	claims, err := env.srv.UserInfo(ctx, "Bearer "+refreshed.AccessToken)
	require.NoError(t, err)
	assert.NotContains(t, claims, "name")

	after, err := env.tokens.FindByRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.True(t, before.RefreshExpiresAt.Equal(after.RefreshExpiresAt))
	assert.Equal(t, before.Scopes, after.Scopes)

	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
		ClientID:     reg.Client.ClientID,
		ClientSecret: "cmail_secret_wrong",
	})
	requireCode(t, err, CodeInvalidClient)
}

func TestRefreshRotationPolicy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(o *Options) { o.RotateRefreshTokens = true })
	code := env.grant(t, model.PublicClientID, testRedirect, "")

	first, err := env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: testRedirect})
	require.NoError(t, err)

	second, err := env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken})
	require.NoError(t, err)
	require.NotEmpty(t, second.RefreshToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken})
	requireCode(t, err, CodeInvalidGrant)
}

func TestRefreshExpiry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	code := env.grant(t, model.PublicClientID, testRedirect, "")
	first, err := env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: testRedirect})
	require.NoError(t, err)

	env.clock.Advance(30*24*time.Hour + time.Millisecond)
	_, err = env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken})
	requireCode(t, err, CodeInvalidGrant)
}

func TestRevocationIsFinal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	issue := func() *TokenResponse {
		code := env.grant(t, model.PublicClientID, testRedirect, "")
		resp, err := env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: testRedirect})
		require.NoError(t, err)
		return resp
	}

	byAccess := issue()
	require.NoError(t, env.srv.Revoke(ctx, byAccess.AccessToken, "access_token"))
	_, err := env.srv.UserInfo(ctx, "Bearer "+byAccess.AccessToken)
	requireCode(t, err, CodeInvalidToken)
	require.NoError(t, env.srv.Revoke(ctx, byAccess.AccessToken, "access_token"))

	byRefresh := issue()
	require.NoError(t, env.srv.Revoke(ctx, byRefresh.RefreshToken, ""))
	_, err = env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: byRefresh.RefreshToken})
	requireCode(t, err, CodeInvalidGrant)

	require.NoError(t, env.srv.Revoke(ctx, "cmail_access_unknown", ""))
	requireCode(t, env.srv.Revoke(ctx, "", ""), CodeInvalidRequest)
}

func TestUserInfoRejectsBadBearer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	for _, header := range []string{"", "Bearer", "Bearer ", "Basic abc", "cmail_access_x", "Bearer cmail_access_unknown"} {
		_, err := env.srv.UserInfo(ctx, header)
		requireCode(t, err, CodeInvalidToken)
	}

	code := env.grant(t, model.PublicClientID, testRedirect, "")
	resp, err := env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: testRedirect})
	require.NoError(t, err)

	_, err = env.srv.UserInfo(ctx, "bearer "+resp.AccessToken)
	require.NoError(t, err)

	env.clock.Advance(time.Hour + time.Millisecond)
	_, err = env.srv.UserInfo(ctx, "Bearer "+resp.AccessToken)
	requireCode(t, err, CodeInvalidToken)
}

func TestTokenGrantTypes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	_, err := env.srv.Token(ctx, TokenRequest{GrantType: "password"})
	requireCode(t, err, CodeUnsupportedGrantType)
	_, err = env.srv.Token(ctx, TokenRequest{})
	requireCode(t, err, CodeInvalidRequest)
	_, err = env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode})
	requireCode(t, err, CodeInvalidRequest)
	_, err = env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeRefreshToken})
	requireCode(t, err, CodeInvalidRequest)
	_, err = env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: "cmail_refresh_unknown"})
	requireCode(t, err, CodeInvalidGrant)
}

func TestIssueDirect(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	resp, err := env.srv.IssueDirect(ctx, DirectRequest{UserID: env.user.ID})
	require.NoError(t, err)
	assert.Equal(t, "email profile", resp.Scope)
	assert.NotEmpty(t, resp.RefreshToken)

	reg := env.registerApp(t, "email", "read_emails")
	resp, err = env.srv.IssueDirect(ctx, DirectRequest{UserID: env.user.ID, ClientID: reg.Client.ClientID, ClientSecret: reg.ClientSecret})
	require.NoError(t, err)
	assert.Equal(t, "email read_emails", resp.Scope)

	_, err = env.srv.IssueDirect(ctx, DirectRequest{UserID: env.user.ID, ClientID: reg.Client.ClientID})
	requireCode(t, err, CodeInvalidClient)
}

func TestRunTokenCleanupStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.RunTokenCleanup(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
