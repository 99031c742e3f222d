package domain

import (
	"time"

	"github.com/google/uuid"
)

// TokenStatus is the lifecycle state of a Telegram login token.
type TokenStatus string

const (
	TokenStatusPending   TokenStatus = "pending"
	TokenStatusProcessed TokenStatus = "processed"
	TokenStatusUsed      TokenStatus = "used"
	TokenStatusExpired   TokenStatus = "expired"

	// TokenStatusInvalid and TokenStatusError are only reported to pollers;
	// they are never persisted.
	TokenStatusInvalid TokenStatus = "invalid"
	TokenStatusError   TokenStatus = "error"
)

// IsTerminal reports whether no further transition can leave the status.
func (s TokenStatus) IsTerminal() bool {
	return s == TokenStatusUsed || s == TokenStatusExpired
}

// CanTransition reports whether next is a legal successor of s.
// The only forward path is pending -> processed -> used; any non-terminal
// status may move to expired.
func (s TokenStatus) CanTransition(next TokenStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case TokenStatusExpired:
		return true
	case TokenStatusProcessed:
		return s == TokenStatusPending
	case TokenStatusUsed:
		return s == TokenStatusProcessed
	}
	return false
}

// AuthToken is a short-lived, single-use credential bridging a browser
// session to a Telegram identity.
type AuthToken struct {
	ID          uuid.UUID
	TokenHash   string
	SessionKey  string
	TelegramID  *int64
	Status      TokenStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
	UsedAt      *time.Time
	ExpiredAt   *time.Time
}

// ExpiresAt returns the wall-clock deadline for the token under ttl.
func (t *AuthToken) ExpiresAt(ttl time.Duration) time.Time {
	return t.CreatedAt.Add(ttl)
}

// TimedOut reports whether the expiry window has lapsed at now, regardless
// of the persisted status.
func (t *AuthToken) TimedOut(now time.Time, ttl time.Duration) bool {
	return now.After(t.ExpiresAt(ttl))
}

// TokenTransition describes a compare-and-swap on a single token row.
// The store applies it only if the current status equals From and, when
// NotBefore is set, the token was created at or after NotBefore.
type TokenTransition struct {
	TokenHash  string
	From       TokenStatus
	To         TokenStatus
	TelegramID *int64
	At         time.Time
	NotBefore  time.Time
}
