package oauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cmail-server-go/internal/domain/auth/client"
	"cmail-server-go/internal/domain/auth/model"
	oauthsrv "cmail-server-go/internal/domain/auth/oauth"
	perrors "cmail-server-go/internal/platform/errors"
	"cmail-server-go/internal/platform/logging"
	httptransport "cmail-server-go/internal/transport/http"
)

// Handler exposes the authorization server and the app registry over HTTP.
type Handler struct {
	server   *oauthsrv.Server
	registry *client.Registry
	logger   *logging.Logger
}

func NewHandler(server *oauthsrv.Server, registry *client.Registry, logger *logging.Logger) (*Handler, error) {
	if server == nil || registry == nil {
		return nil, perrors.New(perrors.KindConfig, "oauth_http.new", "oauth server and client registry are required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{server: server, registry: registry, logger: logger}, nil
}

// Register mounts the OAuth routes. Consent and app management need a
// session; the protocol endpoints authenticate clients themselves.
func (h *Handler) Register(_ context.Context, public, secured *gin.RouterGroup) {
	secured.POST("/oauth/apps/register", h.handleRegisterApp)
	secured.GET("/oauth/apps", h.handleListApps)
	secured.POST("/oauth/apps/:clientId/deactivate", h.handleSetAppActive(false))
	secured.POST("/oauth/apps/:clientId/activate", h.handleSetAppActive(true))
	secured.POST("/oauth/authorize/grant", h.handleGrant)

	public.GET("/oauth/authorize", h.handleAuthorize)
	public.POST("/oauth/token", h.handleToken)
	public.GET("/oauth/userinfo", h.handleUserInfo)
	public.POST("/oauth/revoke", h.handleRevoke)

	h.logger.InfoTag("HTTP", "OAuth routes registered")
}

type registerAppRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Website      string   `json:"website"`
	LogoURL      string   `json:"logoUrl"`
	RedirectURIs []string `json:"redirectUris"`
	Scopes       []string `json:"scopes"`
}

type appView struct {
	ID           string     `json:"id,omitempty"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Website      string     `json:"website,omitempty"`
	LogoURL      string     `json:"logoUrl,omitempty"`
	ClientID     string     `json:"clientId"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	RedirectURIs []string   `json:"redirectUris,omitempty"`
	Scopes       []string   `json:"scopes"`
	IsActive     bool       `json:"isActive"`
	UsageCount   int64      `json:"usageCount"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
}

func newAppView(c *model.Client) appView {
	view := appView{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Website:      c.Website,
		LogoURL:      c.LogoURL,
		ClientID:     c.ClientID,
		RedirectURIs: c.RedirectURIs,
		Scopes:       model.ScopeStrings(c.Scopes),
		IsActive:     c.IsActive,
		UsageCount:   c.UsageCount,
	}
	if !c.CreatedAt.IsZero() {
		created := c.CreatedAt
		view.CreatedAt = &created
	}
	return view
}

func (h *Handler) handleRegisterApp(c *gin.Context) {
	var req registerAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, invalidRequest("request body must be JSON"))
		return
	}
	reg, err := h.registry.Register(c.Request.Context(), client.RegisterInput{
		OwnerUserID:  httptransport.UserID(c),
		Name:         req.Name,
		Description:  req.Description,
		Website:      req.Website,
		LogoURL:      req.LogoURL,
		RedirectURIs: req.RedirectURIs,
		Scopes:       req.Scopes,
	})
	if errors.Is(err, client.ErrValidation) {
		writeError(c, h.logger, invalidRequest(err.Error()))
		return
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	view := newAppView(reg.Client)
	view.ClientSecret = reg.ClientSecret
	c.JSON(http.StatusCreated, gin.H{"app": view})
}

func (h *Handler) handleListApps(c *gin.Context) {
	clients, err := h.registry.ListByOwner(c.Request.Context(), httptransport.UserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	apps := make([]appView, 0, len(clients))
	for _, cl := range clients {
		apps = append(apps, newAppView(cl))
	}
	c.JSON(http.StatusOK, gin.H{"apps": apps})
}

func (h *Handler) handleSetAppActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, err := h.registry.SetActive(c.Request.Context(), httptransport.UserID(c), c.Param("clientId"), active)
		if errors.Is(err, client.ErrNotFound) {
			writeError(c, h.logger, &oauthsrv.Error{Code: oauthsrv.CodeNotFound, Description: "app not found", Status: http.StatusNotFound})
			return
		}
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"app": newAppView(cl)})
	}
}

func (h *Handler) handleAuthorize(c *gin.Context) {
	var req oauthsrv.AuthorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, h.logger, invalidRequest("malformed query"))
		return
	}
	consent, err := h.server.Authorize(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	app := newAppView(consent.Client)
	app.ID = ""
	app.RedirectURIs = nil
	app.Scopes = model.ScopeStrings(consent.Scopes)
	c.JSON(http.StatusOK, gin.H{
		"app": app,
		"authParams": gin.H{
			"client_id":     consent.Params.ClientID,
			"redirect_uri":  consent.Params.RedirectURI,
			"scope":         consent.Params.Scope,
			"state":         consent.Params.State,
			"response_type": consent.Params.ResponseType,
		},
	})
}

type grantRequest struct {
	ClientID    string `json:"client_id" form:"client_id"`
	RedirectURI string `json:"redirect_uri" form:"redirect_uri"`
	Scope       string `json:"scope" form:"scope"`
	State       string `json:"state" form:"state"`
}

func (h *Handler) handleGrant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBind(&req); err != nil {
		writeError(c, h.logger, invalidRequest("malformed request body"))
		return
	}
	redirectURL, err := h.server.Grant(c.Request.Context(), oauthsrv.GrantRequest{
		UserID:      httptransport.UserID(c),
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Scope:       req.Scope,
		State:       req.State,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirectUrl": redirectURL})
}

func (h *Handler) handleToken(c *gin.Context) {
	var req oauthsrv.TokenRequest
	if err := c.ShouldBind(&req); err != nil {
		writeError(c, h.logger, invalidRequest("malformed request body"))
		return
	}
	if req.ClientID == "" {
		if id, secret, ok := c.Request.BasicAuth(); ok {
			req.ClientID, req.ClientSecret = id, secret
		}
	}

	resp, err := h.server.Token(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleUserInfo(c *gin.Context) {
	claims, err := h.server.UserInfo(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		if oauthsrv.IsCode(err, oauthsrv.CodeInvalidToken) {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
		}
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, claims)
}

type revokeRequest struct {
	Token         string `json:"token" form:"token"`
	TokenTypeHint string `json:"token_type_hint" form:"token_type_hint"`
}

func (h *Handler) handleRevoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBind(&req); err != nil {
		writeError(c, h.logger, invalidRequest("malformed request body"))
		return
	}
	if err := h.server.Revoke(c.Request.Context(), req.Token, req.TokenTypeHint); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, httptransport.StatusResponse{Success: true})
}
