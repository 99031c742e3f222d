package domain

import (
	"time"

	"github.com/google/uuid"
)

// Member is a club member known to the user directory.
type Member struct {
	ID               uuid.UUID
	Phone            string
	TelegramID       int64
	TelegramUsername *string
	Name             *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Identity is the authenticated principal carried through a web session.
// MemberID is uuid.Nil when the Telegram account has no directory entry yet.
type Identity struct {
	MemberID   uuid.UUID
	TelegramID int64
}

// TokenPair represents the issued web session token.
type TokenPair struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}
