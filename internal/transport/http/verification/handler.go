package verification

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cmail-server-go/internal/domain/auth/model"
	oauthsrv "cmail-server-go/internal/domain/auth/oauth"
	verifysvc "cmail-server-go/internal/domain/verification"
	perrors "cmail-server-go/internal/platform/errors"
	"cmail-server-go/internal/platform/logging"
	httptransport "cmail-server-go/internal/transport/http"
)

// UserStore persists the attributes confirmed by a verification code.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	EnsureByEmail(ctx context.Context, email string) (*model.User, bool, error)
	MarkEmailVerified(ctx context.Context, userID string) error
	MarkPhoneVerified(ctx context.Context, userID, phone string) error
}

// TokenIssuer issues a token pair once an email address is confirmed.
type TokenIssuer interface {
	IssueDirect(ctx context.Context, req oauthsrv.DirectRequest) (*oauthsrv.TokenResponse, error)
}

type Handler struct {
	service *verifysvc.Service
	users   UserStore
	tokens  TokenIssuer
	logger  *logging.Logger
}

func NewHandler(service *verifysvc.Service, users UserStore, tokens TokenIssuer, logger *logging.Logger) (*Handler, error) {
	if service == nil || users == nil || tokens == nil {
		return nil, perrors.New(perrors.KindConfig, "verification_http.new", "verification service, user store and token issuer are required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{service: service, users: users, tokens: tokens, logger: logger}, nil
}

// Register mounts the phone routes behind the session and the email routes
// in the open.
func (h *Handler) Register(_ context.Context, public, secured *gin.RouterGroup) {
	phone := secured.Group("/phone-verification")
	{
		phone.POST("/send-otp", h.handleSendOTP)
		phone.POST("/verify-otp", h.handleVerifyOTP)
		phone.POST("/resend-otp", h.handleResendOTP)
	}

	email := public.Group("/verification")
	{
		email.POST("/send-code", h.handleSendCode)
		email.POST("/verify-code", h.handleVerifyCode)
		email.POST("/resend-code", h.handleResendCode)
	}

	h.logger.InfoTag("HTTP", "verification routes registered")
}

type phoneRequest struct {
	Phone string `json:"phone" binding:"required"`
	OTP   string `json:"otp"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	DevOTP  string `json:"devOTP,omitempty"`
	DevCode string `json:"devCode,omitempty"`
}

func (h *Handler) handleSendOTP(c *gin.Context)   { h.sendOTP(c, false) }
func (h *Handler) handleResendOTP(c *gin.Context) { h.sendOTP(c, true) }

func (h *Handler) sendOTP(c *gin.Context, resend bool) {
	var req phoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "phone is required")
		return
	}
	send := h.service.Send
	if resend {
		send = h.service.Resend
	}
	res, err := send(c.Request.Context(), verifysvc.SendRequest{
		Channel: model.ChannelSMS,
		Target:  req.Phone,
		UserID:  httptransport.UserID(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, sendResponse{Success: true, Message: "Verification code sent", DevOTP: res.DevCode})
}

func (h *Handler) handleVerifyOTP(c *gin.Context) {
	var req phoneRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OTP == "" {
		httptransport.RespondError(c, http.StatusBadRequest, "phone and otp are required")
		return
	}
	ctx := c.Request.Context()
	userID := httptransport.UserID(c)
	rec, err := h.service.Verify(ctx, verifysvc.VerifyRequest{
		Channel: model.ChannelSMS,
		Target:  req.Phone,
		Code:    req.OTP,
		UserID:  userID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.users.MarkPhoneVerified(ctx, userID, rec.Target); err != nil {
		h.writeError(c, err)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, httptransport.StatusResponse{Success: true, Message: "Phone number verified"})
}

type emailSendRequest struct {
	Email       string `json:"email" binding:"required"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

func (h *Handler) handleSendCode(c *gin.Context)   { h.sendCode(c, false) }
func (h *Handler) handleResendCode(c *gin.Context) { h.sendCode(c, true) }

func (h *Handler) sendCode(c *gin.Context, resend bool) {
	var req emailSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "email is required")
		return
	}
	metadata := map[string]string{}
	if req.ClientID != "" {
		metadata["client_id"] = req.ClientID
	}
	if req.RedirectURI != "" {
		metadata["redirect_uri"] = req.RedirectURI
	}

	send := h.service.Send
	if resend {
		send = h.service.Resend
	}
	res, err := send(c.Request.Context(), verifysvc.SendRequest{
		Channel:  model.ChannelEmail,
		Target:   req.Email,
		Metadata: metadata,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, sendResponse{Success: true, Message: "Verification code sent", DevCode: res.DevCode})
}

type emailVerifyRequest struct {
	Email        string `json:"email" binding:"required"`
	Code         string `json:"code" binding:"required"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type userView struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
}

type verifyCodeResponse struct {
	*oauthsrv.TokenResponse
	User userView `json:"user"`
}

func (h *Handler) handleVerifyCode(c *gin.Context) {
	var req emailVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "email and code are required")
		return
	}
	ctx := c.Request.Context()
	rec, err := h.service.Verify(ctx, verifysvc.VerifyRequest{
		Channel: model.ChannelEmail,
		Target:  req.Email,
		Code:    req.Code,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	user, created, err := h.users.EnsureByEmail(ctx, rec.Target)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.users.MarkEmailVerified(ctx, user.ID); err != nil {
		h.writeError(c, err)
		return
	}
	user.EmailVerified = true
	if created {
		h.logger.InfoTag("Verification", "created user %s from verified email", user.ID)
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = rec.Metadata["client_id"]
	}
	tokens, err := h.tokens.IssueDirect(ctx, oauthsrv.DirectRequest{
		UserID:       user.ID,
		ClientID:     clientID,
		ClientSecret: req.ClientSecret,
	})
	if err != nil {
		oe := oauthsrv.AsError(err)
		if oe.Status >= http.StatusInternalServerError {
			h.logger.ErrorTag("Verification", "token issuance failed: %v", err)
		}
		httptransport.RespondError(c, oe.Status, oe.Description)
		return
	}

	c.Header("Cache-Control", "no-store")
	httptransport.RespondSuccess(c, http.StatusOK, verifyCodeResponse{
		TokenResponse: tokens,
		User: userView{
			ID:            user.ID,
			Email:         user.Email,
			EmailVerified: user.EmailVerified,
			Name:          user.Name,
		},
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, verifysvc.ErrInvalidTarget):
		httptransport.RespondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, verifysvc.ErrNotFound):
		httptransport.RespondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, verifysvc.ErrExpired):
		httptransport.RespondError(c, http.StatusBadRequest, "verification code has expired, request a new one")
	case errors.Is(err, verifysvc.ErrMismatch):
		httptransport.RespondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, verifysvc.ErrUnauthorized):
		httptransport.RespondError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, verifysvc.ErrTooManyAttempts):
		httptransport.RespondError(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, model.ErrUserNotFound):
		httptransport.RespondError(c, http.StatusNotFound, "user not found")
	default:
		h.logger.ErrorTag("Verification", "%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		httptransport.RespondError(c, http.StatusInternalServerError, "internal server error")
	}
}
