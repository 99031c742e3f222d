package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/google/uuid"
)

const (
	DefaultTokenTTL     = 5 * time.Minute
	DefaultPollInterval = 2 * time.Second

	// expireRetries bounds how often lazy expiry re-reads a token whose
	// status moved underneath it.
	expireRetries = 3
)

// TokenConfig holds login token configuration.
type TokenConfig struct {
	TTL          time.Duration
	PollInterval time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// TokenService manages the Telegram login token lifecycle:
// pending -> processed -> used, and any non-terminal status -> expired.
// The store is the only synchronization point; every mutation is a
// compare-and-swap on a single token.
type TokenService struct {
	config   TokenConfig
	store    repository.AuthTokenStore
	recorder Recorder
	logger   *slog.Logger
}

// NewTokenService creates a new token service. recorder may be nil.
func NewTokenService(config TokenConfig, store repository.AuthTokenStore, recorder Recorder, logger *slog.Logger) *TokenService {
	if config.TTL <= 0 {
		config.TTL = DefaultTokenTTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &TokenService{
		config:   config,
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
}

// TTL returns the token expiry window.
func (s *TokenService) TTL() time.Duration {
	return s.config.TTL
}

// PollInterval returns the suggested client polling cadence.
func (s *TokenService) PollInterval() time.Duration {
	return s.config.PollInterval
}

func (s *TokenService) now() time.Time {
	return s.config.Now().UTC()
}

// CreateToken issues a new pending token. Any outstanding token held by the
// same browser session is expired in the same store call. The raw token is
// returned once; only its hash is persisted.
func (s *TokenService) CreateToken(ctx context.Context, sessionKey string) (string, *domain.AuthToken, error) {
	raw, err := GenerateToken(loginTokenLen)
	if err != nil {
		return "", nil, err
	}
	token := &domain.AuthToken{
		ID:         uuid.New(),
		TokenHash:  HashToken(raw),
		SessionKey: sessionKey,
		Status:     domain.TokenStatusPending,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return "", nil, err
	}
	s.recorder.TokenTransition(domain.TokenStatusPending)
	return raw, token, nil
}

// IsExpired reports whether the token is used, expired, or past its window.
// This is a side-effecting read: a token found past its window is persisted
// as expired before returning. Unknown tokens report true.
func (s *TokenService) IsExpired(ctx context.Context, raw string) (bool, error) {
	token, err := s.load(ctx, raw)
	if errors.Is(err, domain.ErrAuthTokenNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return token.Status.IsTerminal(), nil
}

// MarkProcessed binds a pending, unexpired token to a Telegram account.
// It returns false without side effects on any violated precondition, so
// duplicate bot deliveries are harmless. Only storage faults are errors.
func (s *TokenService) MarkProcessed(ctx context.Context, raw string, telegramID int64) (bool, error) {
	if raw == "" {
		return false, nil
	}
	now := s.now()
	_, err := s.store.TransitionToken(ctx, domain.TokenTransition{
		TokenHash:  HashToken(raw),
		From:       domain.TokenStatusPending,
		To:         domain.TokenStatusProcessed,
		TelegramID: &telegramID,
		At:         now,
		NotBefore:  now.Add(-s.config.TTL),
	})
	if err != nil {
		if isSoftFailure(err) {
			s.logger.Debug("mark processed rejected", "reason", err)
			return false, nil
		}
		return false, err
	}
	s.recorder.TokenTransition(domain.TokenStatusProcessed)
	return true, nil
}

// MarkUsed moves a processed, unexpired token to used. It returns false
// without side effects when the token is in any other state.
func (s *TokenService) MarkUsed(ctx context.Context, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	now := s.now()
	_, err := s.store.TransitionToken(ctx, domain.TokenTransition{
		TokenHash: HashToken(raw),
		From:      domain.TokenStatusProcessed,
		To:        domain.TokenStatusUsed,
		At:        now,
		NotBefore: now.Add(-s.config.TTL),
	})
	if err != nil {
		if isSoftFailure(err) {
			s.logger.Debug("mark used rejected", "reason", err)
			return false, nil
		}
		return false, err
	}
	s.recorder.TokenTransition(domain.TokenStatusUsed)
	return true, nil
}

// Status returns the token status for pollers, applying lazy expiry first.
// Unknown tokens are reported as invalid. A storage fault is reported as
// TokenStatusError together with the underlying error.
func (s *TokenService) Status(ctx context.Context, raw string) (domain.TokenStatus, error) {
	if raw == "" {
		return domain.TokenStatusInvalid, nil
	}
	token, err := s.load(ctx, raw)
	if errors.Is(err, domain.ErrAuthTokenNotFound) {
		return domain.TokenStatusInvalid, nil
	}
	if err != nil {
		return domain.TokenStatusError, err
	}
	return token.Status, nil
}

// Exchange redeems a processed token for the bound identity, moving it to
// used. The error distinguishes why the exchange was refused.
func (s *TokenService) Exchange(ctx context.Context, raw string) (*domain.AuthToken, error) {
	if raw == "" {
		return nil, domain.ErrAuthTokenInvalid
	}
	ok, err := s.MarkUsed(ctx, raw)
	if err != nil {
		return nil, err
	}

	token, err := s.load(ctx, raw)
	if errors.Is(err, domain.ErrAuthTokenNotFound) {
		return nil, domain.ErrAuthTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	if ok && token.TelegramID != nil {
		return token, nil
	}

	switch token.Status {
	case domain.TokenStatusExpired:
		return nil, domain.ErrAuthTokenExpired
	case domain.TokenStatusUsed:
		return nil, domain.ErrAuthTokenUsed
	case domain.TokenStatusPending:
		return nil, domain.ErrAuthTokenNotProcessed
	}
	return nil, domain.ErrAuthTokenInvalid
}

// Sweep deletes tokens created before now minus retention. Retention must
// exceed the TTL so swept tokens are already terminal.
func (s *TokenService) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < s.config.TTL {
		retention = s.config.TTL
	}
	return s.store.DeleteTokensBefore(ctx, s.now().Add(-retention))
}

// load reads a token and persists expiry when its window has lapsed.
func (s *TokenService) load(ctx context.Context, raw string) (*domain.AuthToken, error) {
	hash := HashToken(raw)
	token, err := s.store.GetTokenByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	for i := 0; i < expireRetries; i++ {
		now := s.now()
		if token.Status.IsTerminal() || !token.TimedOut(now, s.config.TTL) {
			return token, nil
		}
		expired, err := s.store.TransitionToken(ctx, domain.TokenTransition{
			TokenHash: hash,
			From:      token.Status,
			To:        domain.TokenStatusExpired,
			At:        now,
		})
		if err == nil {
			s.recorder.TokenTransition(domain.TokenStatusExpired)
			return expired, nil
		}
		if !errors.Is(err, domain.ErrPreconditionFailed) {
			return nil, err
		}
		// Lost a race with another writer; re-read and re-evaluate.
		if token, err = s.store.GetTokenByHash(ctx, hash); err != nil {
			return nil, err
		}
	}
	return token, nil
}

func isSoftFailure(err error) bool {
	return errors.Is(err, domain.ErrPreconditionFailed) || errors.Is(err, domain.ErrAuthTokenNotFound)
}
