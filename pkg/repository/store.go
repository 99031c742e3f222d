package repository

import (
	"context"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/google/uuid"
)

// AuthTokenStore persists login tokens. Every mutation is atomic relative to
// reads of the same token.
type AuthTokenStore interface {
	// CreateToken inserts the token. When token.SessionKey is set, every
	// non-terminal token carrying the same key is expired in the same
	// atomic step.
	CreateToken(ctx context.Context, token *domain.AuthToken) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*domain.AuthToken, error)
	// TransitionToken applies tr only if the stored status equals tr.From.
	// Returns domain.ErrPreconditionFailed when the row exists but the
	// precondition does not hold.
	TransitionToken(ctx context.Context, tr domain.TokenTransition) (*domain.AuthToken, error)
	DeleteTokensBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuthCodeStore persists phone verification codes.
type AuthCodeStore interface {
	// CreateCode inserts the code and expires any other pending code for the
	// same phone in the same atomic step.
	CreateCode(ctx context.Context, code *domain.AuthCode) error
	// GetLatestCode returns the newest code issued for the phone, in any status.
	GetLatestCode(ctx context.Context, phone string) (*domain.AuthCode, error)
	GetCode(ctx context.Context, id uuid.UUID) (*domain.AuthCode, error)
	// IncrementCodeAttempts bumps attempts on a pending code and locks it
	// once attempts reach max_attempts.
	IncrementCodeAttempts(ctx context.Context, id uuid.UUID) (*domain.AuthCode, error)
	TransitionCode(ctx context.Context, tr domain.CodeTransition) (*domain.AuthCode, error)
	DeleteCodesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemberDirectory looks members up by the identifiers a user may type.
type MemberDirectory interface {
	GetByPhone(ctx context.Context, phone string) (*domain.Member, error)
	GetByTelegramUsername(ctx context.Context, username string) (*domain.Member, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*domain.Member, error)
}
