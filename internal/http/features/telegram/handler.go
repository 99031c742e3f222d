package telegram

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/domosclub/clubauth/pkg/auth"
	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/gorilla/websocket"
)

// loginSessionTTL bounds how long a browser keeps its login-session key.
const loginSessionTTL = 24 * time.Hour

// Config holds the Telegram login settings used by the handler.
type Config struct {
	BotUsername     string
	SuccessRedirect string
	LoginRedirect   string
	Cookies         httputil.CookieConfig
	// CheckOrigin validates the Origin of watch upgrades; nil accepts same-host origins only.
	CheckOrigin func(r *http.Request) bool
}

// Handler handles the Telegram deep-link login flow.
type Handler struct {
	logger         *slog.Logger
	tokenService   *auth.TokenService
	sessionService *auth.SessionService
	config         Config
	upgrader       websocket.Upgrader
}

// NewHandler creates a new Telegram login handler.
func NewHandler(
	logger *slog.Logger,
	tokenService *auth.TokenService,
	sessionService *auth.SessionService,
	config Config,
) *Handler {
	if config.SuccessRedirect == "" {
		config.SuccessRedirect = "/"
	}
	if config.LoginRedirect == "" {
		config.LoginRedirect = "/login"
	}
	return &Handler{
		logger:         logger,
		tokenService:   tokenService,
		sessionService: sessionService,
		config:         config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
	}
}

// TokenResponse is returned when a login token is issued.
type TokenResponse struct {
	Token        string    `json:"token"`
	DeepLink     string    `json:"deep_link"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	PollInterval int       `json:"poll_interval"`
}

// StatusResponse reports a login token status to pollers.
type StatusResponse struct {
	Status domain.TokenStatus `json:"status"`
}

// ExchangeRequest redeems a confirmed token (for mobile clients).
type ExchangeRequest struct {
	Token string `json:"token"`
}

// SessionResponse describes an issued session.
type SessionResponse struct {
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// CreateToken issues a login token bound to the browser's login session.
// POST /v1/auth/telegram/token
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	sessionKey, ok := httputil.GetLoginSessionFromCookie(r)
	if !ok {
		key, err := auth.GenerateToken(16)
		if err != nil {
			h.logger.Error("failed to generate login session key", "error", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to create login token. please try again")
			return
		}
		sessionKey = key
	}

	raw, token, err := h.tokenService.CreateToken(r.Context(), sessionKey)
	if err != nil {
		h.logger.Error("failed to create login token", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to create login token. please try again")
		return
	}

	httputil.SetLoginSessionCookie(w, sessionKey, loginSessionTTL, h.config.Cookies)
	ttl := h.tokenService.TTL()
	httputil.JSON(w, http.StatusCreated, TokenResponse{
		Token:        raw,
		DeepLink:     DeepLink(h.config.BotUsername, raw),
		ExpiresIn:    int(ttl.Seconds()),
		ExpiresAt:    token.ExpiresAt(ttl),
		PollInterval: pollSeconds(h.tokenService.PollInterval()),
	})
}

// Status reports the current status of a login token.
// GET /v1/auth/telegram/status?token=
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.tokenService.Status(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Error("failed to read login token status", "error", err)
		httputil.JSON(w, http.StatusServiceUnavailable, StatusResponse{Status: domain.TokenStatusError})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.JSON(w, http.StatusOK, StatusResponse{Status: status})
}

// Callback redeems a confirmed token, sets the session cookie and redirects.
// Every failure redirects back to the login page. The token is single-use:
// it is marked used before the session is issued, so a session failure
// leaves it spent and the user starts a new login.
// GET /v1/auth/telegram/callback?token=
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	token, err := h.tokenService.Exchange(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.logExchangeFailure(err)
		http.Redirect(w, r, h.config.LoginRedirect, http.StatusFound)
		return
	}

	tokens, err := h.sessionService.IssueSession(r.Context(), domain.Identity{TelegramID: *token.TelegramID}, auth.IssueSessionOpts{
		Method:  auth.MethodTelegram,
		Request: r,
	})
	if err != nil {
		h.logSessionFailure(token, err)
		http.Redirect(w, r, h.config.LoginRedirect, http.StatusFound)
		return
	}

	httputil.SetSessionCookie(w, tokens.AccessToken, h.sessionService.TTL(), h.config.Cookies)
	http.Redirect(w, r, h.config.SuccessRedirect, http.StatusFound)
}

// Exchange redeems a confirmed token and returns the session.
// POST /v1/auth/telegram/exchange
//
// For web clients: sets the session cookie.
// For mobile clients: returns the access token in the body.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.DecodeError(w, err)
		return
	}
	if req.Token == "" {
		httputil.Error(w, http.StatusBadRequest, "token is required")
		return
	}

	token, err := h.tokenService.Exchange(r.Context(), req.Token)
	if err != nil {
		h.logExchangeFailure(err)
		switch {
		case errors.Is(err, domain.ErrAuthTokenNotProcessed):
			httputil.Error(w, http.StatusConflict, "token_not_confirmed")
		case errors.Is(err, domain.ErrAuthTokenExpired), errors.Is(err, domain.ErrAuthTokenUsed):
			httputil.Error(w, http.StatusGone, "token_expired")
		case errors.Is(err, domain.ErrAuthTokenInvalid):
			httputil.Error(w, http.StatusBadRequest, "invalid_token")
		default:
			httputil.Error(w, http.StatusServiceUnavailable, "failed to complete login. please try again")
		}
		return
	}

	tokens, err := h.sessionService.IssueSession(r.Context(), domain.Identity{TelegramID: *token.TelegramID}, auth.IssueSessionOpts{
		Method:  auth.MethodTelegram,
		Request: r,
	})
	if err != nil {
		h.logSessionFailure(token, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to complete login. please try again")
		return
	}

	if httputil.IsMobileClient(r) {
		httputil.JSON(w, http.StatusOK, SessionResponse{
			AccessToken: tokens.AccessToken,
			TokenType:   tokens.TokenType,
			ExpiresIn:   tokens.ExpiresIn,
		})
		return
	}

	httputil.SetSessionCookie(w, tokens.AccessToken, h.sessionService.TTL(), h.config.Cookies)
	httputil.JSON(w, http.StatusOK, SessionResponse{
		TokenType: tokens.TokenType,
		ExpiresIn: tokens.ExpiresIn,
	})
}

func (h *Handler) logSessionFailure(token *domain.AuthToken, err error) {
	h.logger.Warn("login token used but session not issued",
		"token_id", token.ID, "telegram_id", *token.TelegramID, "error", err)
}

func (h *Handler) logExchangeFailure(err error) {
	switch {
	case errors.Is(err, domain.ErrAuthTokenInvalid),
		errors.Is(err, domain.ErrAuthTokenExpired),
		errors.Is(err, domain.ErrAuthTokenUsed),
		errors.Is(err, domain.ErrAuthTokenNotProcessed):
		h.logger.Info("login token exchange refused", "reason", err)
	default:
		h.logger.Error("login token exchange failed", "error", err)
	}
}

// DeepLink returns the t.me link that opens the bot with the token as the
// /start payload.
func DeepLink(botUsername, token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", url.PathEscape(botUsername), url.QueryEscape(token))
}

func pollSeconds(d time.Duration) int {
	return int(math.Max(1, math.Round(d.Seconds())))
}
