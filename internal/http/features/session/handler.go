package session

import (
	"net/http"

	"github.com/domosclub/clubauth/internal/http/middleware"
	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/domosclub/clubauth/pkg/auth"
)

// Handler handles session endpoints.
type Handler struct {
	sessionService *auth.SessionService
	cookieConfig   httputil.CookieConfig
}

// NewHandler creates a new session handler.
func NewHandler(sessionService *auth.SessionService, cookieConfig httputil.CookieConfig) *Handler {
	return &Handler{
		sessionService: sessionService,
		cookieConfig:   cookieConfig,
	}
}

// TokenResponse represents a token response.
type TokenResponse struct {
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Refresh re-issues the session for the authenticated identity with a fresh
// expiry.
// POST /v1/auth/refresh
// Requires authentication
//
// For web clients: sets a new cookie.
// For mobile clients: returns the token in the response body.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tokens, err := h.sessionService.IssueSession(r.Context(), identity, auth.IssueSessionOpts{
		Method:  auth.MethodRefresh,
		Request: r,
	})
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}

	if httputil.IsMobileClient(r) {
		httputil.JSON(w, http.StatusOK, TokenResponse{
			AccessToken: tokens.AccessToken,
			TokenType:   tokens.TokenType,
			ExpiresIn:   tokens.ExpiresIn,
		})
		return
	}

	httputil.SetSessionCookie(w, tokens.AccessToken, h.sessionService.TTL(), h.cookieConfig)
	httputil.JSON(w, http.StatusOK, TokenResponse{
		TokenType: tokens.TokenType,
		ExpiresIn: tokens.ExpiresIn,
	})
}

// Logout ends the web session.
// POST /v1/auth/logout
//
// Sessions are stateless, so this only clears the cookie; mobile clients
// discard their token.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if !httputil.IsMobileClient(r) {
		httputil.ClearSessionCookie(w, h.cookieConfig)
	}
	w.WriteHeader(http.StatusNoContent)
}
