package me

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/domosclub/clubauth/internal/http/middleware"
	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
)

// Handler handles the signed-in member's profile.
type Handler struct {
	logger  *slog.Logger
	members repository.MemberDirectory
}

// NewHandler creates a new me handler.
func NewHandler(logger *slog.Logger, members repository.MemberDirectory) *Handler {
	return &Handler{
		logger:  logger,
		members: members,
	}
}

// MemberResponse is the directory entry of the signed-in account.
type MemberResponse struct {
	ID               string  `json:"id"`
	Phone            string  `json:"phone"`
	TelegramUsername *string `json:"telegram_username,omitempty"`
	Name             *string `json:"name,omitempty"`
}

// MeResponse describes the current session.
type MeResponse struct {
	TelegramID int64           `json:"telegram_id"`
	Member     *MemberResponse `json:"member,omitempty"`
}

// GetMe returns the session identity and, when the account is in the club
// directory, the member profile.
// GET /v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	resp := MeResponse{TelegramID: identity.TelegramID}
	if h.members != nil {
		member, err := h.members.GetByTelegramID(r.Context(), identity.TelegramID)
		switch {
		case err == nil:
			resp.Member = &MemberResponse{
				ID:               member.ID.String(),
				Phone:            member.Phone,
				TelegramUsername: member.TelegramUsername,
				Name:             member.Name,
			}
		case !errors.Is(err, domain.ErrMemberNotFound):
			h.logger.Error("failed to load member", "telegram_id", identity.TelegramID, "error", err)
			httputil.Error(w, http.StatusServiceUnavailable, "failed to load profile. please try again")
			return
		}
	}

	httputil.JSON(w, http.StatusOK, resp)
}
