// Package memstore is an in-process implementation of the auth stores. A
// single mutex serializes every read and mutation, which gives the same
// per-record atomicity the Postgres and Redis stores provide. It is meant for
// tests and single-process development; state does not survive a restart and
// is not shared between the web and bot processes.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/google/uuid"
)

var (
	_ repository.AuthTokenStore  = (*Store)(nil)
	_ repository.AuthCodeStore   = (*Store)(nil)
	_ repository.MemberDirectory = (*Store)(nil)
)

// Store holds tokens, codes and members in memory.
type Store struct {
	mu      sync.Mutex
	tokens  map[string]*domain.AuthToken
	codes   map[uuid.UUID]*domain.AuthCode
	members []*domain.Member

	// codeSeq orders codes by insertion; CreatedAt can tie.
	codeSeq map[uuid.UUID]uint64
	nextSeq uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tokens:  make(map[string]*domain.AuthToken),
		codes:   make(map[uuid.UUID]*domain.AuthCode),
		codeSeq: make(map[uuid.UUID]uint64),
	}
}

func (s *Store) CreateToken(_ context.Context, token *domain.AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token.SessionKey != "" {
		for _, existing := range s.tokens {
			if existing.SessionKey == token.SessionKey && !existing.Status.IsTerminal() {
				at := token.CreatedAt
				existing.Status = domain.TokenStatusExpired
				existing.ExpiredAt = &at
			}
		}
	}
	s.tokens[token.TokenHash] = copyToken(token)
	return nil
}

func (s *Store) GetTokenByHash(_ context.Context, tokenHash string) (*domain.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenHash]
	if !ok {
		return nil, domain.ErrAuthTokenNotFound
	}
	return copyToken(token), nil
}

func (s *Store) TransitionToken(_ context.Context, tr domain.TokenTransition) (*domain.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tr.TokenHash]
	if !ok {
		return nil, domain.ErrAuthTokenNotFound
	}
	if token.Status != tr.From {
		return nil, domain.ErrPreconditionFailed
	}
	if !tr.NotBefore.IsZero() && token.CreatedAt.Before(tr.NotBefore) {
		return nil, domain.ErrPreconditionFailed
	}

	at := tr.At
	token.Status = tr.To
	if tr.TelegramID != nil {
		id := *tr.TelegramID
		token.TelegramID = &id
	}
	switch tr.To {
	case domain.TokenStatusProcessed:
		token.ProcessedAt = &at
	case domain.TokenStatusUsed:
		token.UsedAt = &at
	case domain.TokenStatusExpired:
		token.ExpiredAt = &at
	}
	return copyToken(token), nil
}

func (s *Store) DeleteTokensBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for hash, token := range s.tokens {
		if token.CreatedAt.Before(cutoff) {
			delete(s.tokens, hash)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateCode(_ context.Context, code *domain.AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.codes {
		if existing.Phone == code.Phone && existing.Status == domain.CodeStatusPending {
			existing.Status = domain.CodeStatusExpired
		}
	}
	s.codes[code.ID] = copyCode(code)
	s.nextSeq++
	s.codeSeq[code.ID] = s.nextSeq
	return nil
}

func (s *Store) GetLatestCode(_ context.Context, phone string) (*domain.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.AuthCode
	var latestSeq uint64
	for id, code := range s.codes {
		if code.Phone == phone && s.codeSeq[id] > latestSeq {
			latest, latestSeq = code, s.codeSeq[id]
		}
	}
	if latest == nil {
		return nil, domain.ErrAuthCodeNotFound
	}
	return copyCode(latest), nil
}

func (s *Store) GetCode(_ context.Context, id uuid.UUID) (*domain.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[id]
	if !ok {
		return nil, domain.ErrAuthCodeNotFound
	}
	return copyCode(code), nil
}

func (s *Store) IncrementCodeAttempts(_ context.Context, id uuid.UUID) (*domain.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[id]
	if !ok {
		return nil, domain.ErrAuthCodeNotFound
	}
	if code.Status != domain.CodeStatusPending {
		return nil, domain.ErrPreconditionFailed
	}
	code.Attempts++
	if code.AttemptsExhausted() {
		code.Status = domain.CodeStatusLocked
	}
	return copyCode(code), nil
}

func (s *Store) TransitionCode(_ context.Context, tr domain.CodeTransition) (*domain.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[tr.ID]
	if !ok {
		return nil, domain.ErrAuthCodeNotFound
	}
	if code.Status != tr.From {
		return nil, domain.ErrPreconditionFailed
	}
	if !tr.NotBefore.IsZero() && code.CreatedAt.Before(tr.NotBefore) {
		return nil, domain.ErrPreconditionFailed
	}

	code.Status = tr.To
	if tr.TelegramID != nil {
		id := *tr.TelegramID
		code.TelegramID = &id
	}
	if tr.To == domain.CodeStatusVerified {
		at := tr.At
		code.VerifiedAt = &at
	}
	return copyCode(code), nil
}

func (s *Store) DeleteCodesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, code := range s.codes {
		if code.CreatedAt.Before(cutoff) {
			delete(s.codes, id)
			delete(s.codeSeq, id)
			n++
		}
	}
	return n, nil
}

// AddMember registers a member in the directory.
func (s *Store) AddMember(member *domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := *member
	s.members = append(s.members, &m)
}

func (s *Store) GetByPhone(_ context.Context, phone string) (*domain.Member, error) {
	return s.findMember(func(m *domain.Member) bool { return m.Phone == phone })
}

func (s *Store) GetByTelegramUsername(_ context.Context, username string) (*domain.Member, error) {
	handle := repository.NormalizeHandle(username)
	return s.findMember(func(m *domain.Member) bool {
		return m.TelegramUsername != nil && repository.NormalizeHandle(*m.TelegramUsername) == handle
	})
}

func (s *Store) GetByTelegramID(_ context.Context, telegramID int64) (*domain.Member, error) {
	return s.findMember(func(m *domain.Member) bool { return m.TelegramID == telegramID })
}

func (s *Store) findMember(match func(*domain.Member) bool) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if match(m) {
			found := *m
			return &found, nil
		}
	}
	return nil, domain.ErrMemberNotFound
}

func copyToken(t *domain.AuthToken) *domain.AuthToken {
	c := *t
	c.TelegramID = copyInt64(t.TelegramID)
	c.ProcessedAt = copyTime(t.ProcessedAt)
	c.UsedAt = copyTime(t.UsedAt)
	c.ExpiredAt = copyTime(t.ExpiredAt)
	return &c
}

func copyCode(code *domain.AuthCode) *domain.AuthCode {
	c := *code
	c.TelegramID = copyInt64(code.TelegramID)
	c.VerifiedAt = copyTime(code.VerifiedAt)
	return &c
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	val := *v
	return &val
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	val := *v
	return &val
}
