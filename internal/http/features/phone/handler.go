package phone

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/domosclub/clubauth/pkg/auth"
	"github.com/domosclub/clubauth/pkg/domain"
)

// Handler handles phone code login endpoints.
type Handler struct {
	logger         *slog.Logger
	codeService    *auth.CodeService
	sessionService *auth.SessionService
	cookieConfig   httputil.CookieConfig
}

// NewHandler creates a new phone login handler.
func NewHandler(
	logger *slog.Logger,
	codeService *auth.CodeService,
	sessionService *auth.SessionService,
	cookieConfig httputil.CookieConfig,
) *Handler {
	return &Handler{
		logger:         logger,
		codeService:    codeService,
		sessionService: sessionService,
		cookieConfig:   cookieConfig,
	}
}

// RequestCodeRequest asks for a code to be sent through the bot.
type RequestCodeRequest struct {
	// Identifier is a phone number or a Telegram @handle.
	Identifier string `json:"identifier"`
}

// RequestCodeResponse reports whether the code was delivered.
type RequestCodeResponse struct {
	Sent      bool `json:"sent"`
	Retry     bool `json:"retry,omitempty"`
	ExpiresIn int  `json:"expires_in,omitempty"`
}

// VerifyRequest submits a code. Phone may also hold the @handle the code
// was requested with.
type VerifyRequest struct {
	Phone      string `json:"phone"`
	Identifier string `json:"identifier,omitempty"`
	Code       string `json:"code"`
}

// VerifyResponse is returned on successful verification.
type VerifyResponse struct {
	Status      string `json:"status"`
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// RequestCode issues a verification code and sends it through the bot.
// POST /v1/auth/phone/request
func (h *Handler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req RequestCodeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.DecodeError(w, err)
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		httputil.Error(w, http.StatusBadRequest, "identifier is required")
		return
	}

	result, err := h.codeService.Request(r.Context(), req.Identifier)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMemberNotFound):
			httputil.Error(w, http.StatusNotFound, "member not found")
		case errors.Is(err, domain.ErrInvalidPhone):
			httputil.Error(w, http.StatusBadRequest, "invalid_phone")
		default:
			h.logger.Error("failed to request verification code", "error", err)
			httputil.Error(w, http.StatusServiceUnavailable, "failed to send code. please try again")
		}
		return
	}

	expiresIn := int(h.codeService.TTL().Seconds())
	if !result.Delivered {
		httputil.JSON(w, http.StatusBadGateway, RequestCodeResponse{Sent: false, Retry: true})
		return
	}
	httputil.JSON(w, http.StatusOK, RequestCodeResponse{Sent: true, ExpiresIn: expiresIn})
}

// Verify checks a submitted code and starts a session.
// POST /v1/auth/phone/verify
//
// For web clients: sets the session cookie.
// For mobile clients: returns the access token in the body.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.DecodeError(w, err)
		return
	}
	subject := req.Phone
	if subject == "" {
		subject = req.Identifier
	}
	req.Code = strings.TrimSpace(req.Code)
	if subject == "" || req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "phone and code are required")
		return
	}

	code, err := h.codeService.Verify(r.Context(), subject, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAuthCodeInvalid):
			httputil.Error(w, http.StatusBadRequest, "invalid_code")
		case errors.Is(err, domain.ErrAuthCodeExpired):
			httputil.Error(w, http.StatusGone, "code_expired")
		case errors.Is(err, domain.ErrAuthCodeAttemptsExhausted):
			httputil.Error(w, http.StatusTooManyRequests, "too_many_attempts")
		case errors.Is(err, domain.ErrInvalidPhone):
			httputil.Error(w, http.StatusBadRequest, "invalid_phone")
		default:
			h.logger.Error("failed to verify code", "error", err)
			httputil.Error(w, http.StatusServiceUnavailable, "failed to verify code. please try again")
		}
		return
	}

	if code.TelegramID == nil {
		h.logger.Warn("verified code has no telegram account", "code_id", code.ID)
		httputil.Error(w, http.StatusForbidden, "telegram account not linked")
		return
	}

	tokens, err := h.sessionService.IssueSession(r.Context(), domain.Identity{TelegramID: *code.TelegramID}, auth.IssueSessionOpts{
		Method:  auth.MethodPhone,
		Request: r,
	})
	if err != nil {
		h.logger.Error("failed to issue session", "telegram_id", *code.TelegramID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to complete login. please try again")
		return
	}

	resp := VerifyResponse{
		Status:    string(domain.CodeStatusVerified),
		TokenType: tokens.TokenType,
		ExpiresIn: tokens.ExpiresIn,
	}
	if httputil.IsMobileClient(r) {
		resp.AccessToken = tokens.AccessToken
	} else {
		httputil.SetSessionCookie(w, tokens.AccessToken, h.sessionService.TTL(), h.cookieConfig)
	}
	httputil.JSON(w, http.StatusOK, resp)
}
