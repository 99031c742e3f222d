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
	DefaultCodeTTL         = 5 * time.Minute
	DefaultCodeMaxAttempts = 3
)

// CodeConfig holds phone verification code configuration.
type CodeConfig struct {
	TTL         time.Duration
	Digits      int
	MaxAttempts int
	// HashCost is the bcrypt cost; 0 selects the bcrypt default.
	HashCost int
	Now      func() time.Time
}

// CodeService manages numeric codes delivered through the bot to confirm a
// phone number. Issuing a code for a phone expires any pending code for the
// same phone, so at most one code per phone is ever pending.
type CodeService struct {
	config   CodeConfig
	store    repository.AuthCodeStore
	resolver IdentityResolver
	sender   CodeSender
	recorder Recorder
	logger   *slog.Logger
}

// NewCodeService creates a new code service. resolver and sender are only
// needed by Request; recorder may be nil.
func NewCodeService(
	config CodeConfig,
	store repository.AuthCodeStore,
	resolver IdentityResolver,
	sender CodeSender,
	recorder Recorder,
	logger *slog.Logger,
) *CodeService {
	if config.TTL <= 0 {
		config.TTL = DefaultCodeTTL
	}
	if config.Digits <= 0 {
		config.Digits = DefaultCodeDigits
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultCodeMaxAttempts
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &CodeService{
		config:   config,
		store:    store,
		resolver: resolver,
		sender:   sender,
		recorder: recorder,
		logger:   logger,
	}
}

// TTL returns the code expiry window.
func (s *CodeService) TTL() time.Duration {
	return s.config.TTL
}

func (s *CodeService) now() time.Time {
	return s.config.Now().UTC()
}

// CreateCode issues a pending code for the phone (or @handle) and returns it
// together with the plain code. telegramID may be zero when the account is
// not yet known.
func (s *CodeService) CreateCode(ctx context.Context, phone string, telegramID int64) (*domain.AuthCode, string, error) {
	phone = domain.NormalizeSubject(phone)
	if phone == "" {
		return nil, "", domain.ErrInvalidPhone
	}

	plain, err := GenerateCode(s.config.Digits)
	if err != nil {
		return nil, "", err
	}
	hash, err := HashCode(plain, s.config.HashCost)
	if err != nil {
		return nil, "", err
	}

	code := &domain.AuthCode{
		ID:          uuid.New(),
		Phone:       phone,
		CodeHash:    hash,
		Status:      domain.CodeStatusPending,
		MaxAttempts: s.config.MaxAttempts,
		CreatedAt:   s.now(),
	}
	if telegramID != 0 {
		code.TelegramID = &telegramID
	}
	if err := s.store.CreateCode(ctx, code); err != nil {
		return nil, "", err
	}
	return code, plain, nil
}

// GetValidCode returns the phone's pending code only if it is unexpired, has
// attempts left, and matches plain exactly. Otherwise it returns nil, nil.
// A mismatch never mutates state; a code found past its window is persisted
// as expired.
func (s *CodeService) GetValidCode(ctx context.Context, phone, plain string) (*domain.AuthCode, error) {
	code, err := s.latest(ctx, phone)
	if errors.Is(err, domain.ErrAuthCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if code.Status != domain.CodeStatusPending || code.AttemptsExhausted() {
		return nil, nil
	}
	if plain == "" || !CompareCode(code.CodeHash, plain) {
		return nil, nil
	}
	return code, nil
}

// IncrementAttempts records a failed attempt. The code is locked once
// attempts reach the maximum, regardless of the time remaining.
func (s *CodeService) IncrementAttempts(ctx context.Context, id uuid.UUID) (*domain.AuthCode, error) {
	return s.store.IncrementCodeAttempts(ctx, id)
}

// MarkVerified moves a pending code to verified and binds telegramID to it.
// It returns false when the code is no longer pending or its window lapsed.
func (s *CodeService) MarkVerified(ctx context.Context, id uuid.UUID, telegramID int64) (bool, error) {
	now := s.now()
	tr := domain.CodeTransition{
		ID:        id,
		From:      domain.CodeStatusPending,
		To:        domain.CodeStatusVerified,
		At:        now,
		NotBefore: now.Add(-s.config.TTL),
	}
	if telegramID != 0 {
		tr.TelegramID = &telegramID
	}
	_, err := s.store.TransitionCode(ctx, tr)
	if err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) || errors.Is(err, domain.ErrAuthCodeNotFound) {
			s.logger.Debug("mark verified rejected", "code_id", id, "reason", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Verify checks a submitted code. A mismatch counts as an attempt. The
// returned error is ErrAuthCodeInvalid, ErrAuthCodeExpired or
// ErrAuthCodeAttemptsExhausted so callers can tell the user why.
func (s *CodeService) Verify(ctx context.Context, phone, plain string) (*domain.AuthCode, error) {
	phone = domain.NormalizeSubject(phone)
	if phone == "" {
		return nil, domain.ErrInvalidPhone
	}

	match, err := s.GetValidCode(ctx, phone, plain)
	if err != nil {
		return nil, err
	}
	if match != nil {
		return s.confirm(ctx, match)
	}

	code, err := s.store.GetLatestCode(ctx, phone)
	if errors.Is(err, domain.ErrAuthCodeNotFound) {
		s.recorder.CodeOutcome(OutcomeInvalid)
		return nil, domain.ErrAuthCodeInvalid
	}
	if err != nil {
		return nil, err
	}
	if err := s.terminalError(code); err != nil {
		return nil, err
	}

	updated, err := s.store.IncrementCodeAttempts(ctx, code.ID)
	if err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			// Status changed concurrently; report what it changed to.
			if current, getErr := s.store.GetCode(ctx, code.ID); getErr == nil {
				if termErr := s.terminalError(current); termErr != nil {
					return nil, termErr
				}
			}
			s.recorder.CodeOutcome(OutcomeInvalid)
			return nil, domain.ErrAuthCodeInvalid
		}
		return nil, err
	}
	if updated.Status == domain.CodeStatusLocked {
		s.logger.Info("verification code locked", "code_id", updated.ID, "attempts", updated.Attempts)
		s.recorder.CodeOutcome(OutcomeExhausted)
		return nil, domain.ErrAuthCodeAttemptsExhausted
	}
	s.recorder.CodeOutcome(OutcomeInvalid)
	return nil, domain.ErrAuthCodeInvalid
}

// CodeRequestResult is the outcome of a code request. Delivered is false when
// the messaging channel failed; the code stays valid and the caller may offer
// a retry.
type CodeRequestResult struct {
	Code      *domain.AuthCode
	Delivered bool
	ExpiresAt time.Time
}

// Request resolves a phone number or @handle to a member, issues a code and
// sends it through the bot.
func (s *CodeService) Request(ctx context.Context, identifier string) (*CodeRequestResult, error) {
	if s.resolver == nil || s.sender == nil {
		return nil, errors.New("code delivery is not configured")
	}
	telegramID, ok := s.resolver.FindTelegramID(ctx, identifier)
	if !ok {
		return nil, domain.ErrMemberNotFound
	}

	code, plain, err := s.CreateCode(ctx, identifier, telegramID)
	if err != nil {
		return nil, err
	}
	delivered := s.sender.SendCode(ctx, telegramID, plain)
	s.recorder.CodeDelivery(delivered)
	if !delivered {
		s.logger.Warn("verification code delivery failed", "code_id", code.ID)
	}
	return &CodeRequestResult{
		Code:      code,
		Delivered: delivered,
		ExpiresAt: code.CreatedAt.Add(s.config.TTL),
	}, nil
}

// Sweep deletes codes created before now minus retention.
func (s *CodeService) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < s.config.TTL {
		retention = s.config.TTL
	}
	return s.store.DeleteCodesBefore(ctx, s.now().Add(-retention))
}

func (s *CodeService) confirm(ctx context.Context, code *domain.AuthCode) (*domain.AuthCode, error) {
	var telegramID int64
	if code.TelegramID != nil {
		telegramID = *code.TelegramID
	} else if s.resolver != nil {
		telegramID, _ = s.resolver.FindTelegramID(ctx, code.Phone)
	}

	ok, err := s.MarkVerified(ctx, code.ID, telegramID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with a reissue, a lock or a concurrent verify.
		s.recorder.CodeOutcome(OutcomeInvalid)
		return nil, domain.ErrAuthCodeInvalid
	}
	verified, err := s.store.GetCode(ctx, code.ID)
	if err != nil {
		return nil, err
	}
	s.recorder.CodeOutcome(OutcomeVerified)
	return verified, nil
}

// terminalError maps a code that can no longer be verified to its error.
func (s *CodeService) terminalError(code *domain.AuthCode) error {
	switch {
	case code.Status == domain.CodeStatusLocked || (code.Status == domain.CodeStatusPending && code.AttemptsExhausted()):
		s.recorder.CodeOutcome(OutcomeExhausted)
		return domain.ErrAuthCodeAttemptsExhausted
	case code.Status == domain.CodeStatusExpired:
		s.recorder.CodeOutcome(OutcomeExpired)
		return domain.ErrAuthCodeExpired
	case code.Status == domain.CodeStatusVerified:
		s.recorder.CodeOutcome(OutcomeInvalid)
		return domain.ErrAuthCodeInvalid
	}
	return nil
}

// latest reads the newest code for the phone and persists expiry when its
// window has lapsed.
func (s *CodeService) latest(ctx context.Context, phone string) (*domain.AuthCode, error) {
	phone = domain.NormalizeSubject(phone)
	if phone == "" {
		return nil, domain.ErrAuthCodeNotFound
	}
	code, err := s.store.GetLatestCode(ctx, phone)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if code.Status != domain.CodeStatusPending || !code.TimedOut(now, s.config.TTL) {
		return code, nil
	}
	expired, err := s.store.TransitionCode(ctx, domain.CodeTransition{
		ID:   code.ID,
		From: domain.CodeStatusPending,
		To:   domain.CodeStatusExpired,
		At:   now,
	})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return s.store.GetCode(ctx, code.ID)
	}
	return expired, err
}
