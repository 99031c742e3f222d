package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
)

// TokenClaimer is the bot-side capability: bind a Telegram account to a
// pending login token.
type TokenClaimer interface {
	MarkProcessed(ctx context.Context, token string, telegramID int64) (bool, error)
}

// CodeSender delivers a verification code to a Telegram account. It reports
// delivery success; a false result is retryable and never an error.
type CodeSender interface {
	SendCode(ctx context.Context, telegramID int64, code string) bool
}

// IdentityResolver maps a phone number or @handle to a Telegram account id.
// Unknown identifiers return false.
type IdentityResolver interface {
	FindTelegramID(ctx context.Context, identifier string) (int64, bool)
}

// Recorder receives lifecycle events for observability.
type Recorder interface {
	TokenTransition(to domain.TokenStatus)
	CodeOutcome(outcome string)
	CodeDelivery(delivered bool)
}

// Code outcomes reported to Recorder.CodeOutcome.
const (
	OutcomeVerified  = "verified"
	OutcomeInvalid   = "invalid"
	OutcomeExpired   = "expired"
	OutcomeExhausted = "exhausted"
)

type nopRecorder struct{}

func (nopRecorder) TokenTransition(domain.TokenStatus) {}
func (nopRecorder) CodeOutcome(string)                 {}
func (nopRecorder) CodeDelivery(bool)                  {}

// DirectoryResolver resolves identifiers against the member directory.
type DirectoryResolver struct {
	members repository.MemberDirectory
	logger  *slog.Logger
}

// NewDirectoryResolver creates a resolver over the member directory.
func NewDirectoryResolver(members repository.MemberDirectory, logger *slog.Logger) *DirectoryResolver {
	return &DirectoryResolver{members: members, logger: logger}
}

// FindTelegramID accepts "@handle", a bare handle, or a phone number in any
// common notation. Lookup failures are logged and reported as not found.
func (r *DirectoryResolver) FindTelegramID(ctx context.Context, identifier string) (int64, bool) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return 0, false
	}

	var (
		member *domain.Member
		err    error
	)
	if domain.IsPhoneNumber(identifier) {
		member, err = r.members.GetByPhone(ctx, domain.NormalizePhone(identifier))
	} else {
		member, err = r.members.GetByTelegramUsername(ctx, repository.NormalizeHandle(identifier))
	}
	if err != nil {
		if !errors.Is(err, domain.ErrMemberNotFound) {
			r.logger.Error("member lookup failed", "error", err)
		}
		return 0, false
	}
	if member.TelegramID == 0 {
		return 0, false
	}
	return member.TelegramID, true
}
