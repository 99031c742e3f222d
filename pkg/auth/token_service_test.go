package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/domosclub/clubauth/pkg/repository/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingRecorder struct {
	mu          sync.Mutex
	transitions map[domain.TokenStatus]int
	outcomes    map[string]int
	deliveries  map[bool]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		transitions: make(map[domain.TokenStatus]int),
		outcomes:    make(map[string]int),
		deliveries:  make(map[bool]int),
	}
}

func (r *countingRecorder) TokenTransition(to domain.TokenStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[to]++
}

func (r *countingRecorder) CodeOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) CodeDelivery(delivered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[delivered]++
}

func newTokenService(t *testing.T) (*TokenService, *memstore.Store, *fakeClock) {
	t.Helper()
	store := memstore.New()
	clock := newFakeClock()
	svc := NewTokenService(TokenConfig{TTL: 5 * time.Minute, Now: clock.Now}, store, nil, discardLogger())
	return svc, store, clock
}

func mustCreateToken(t *testing.T, svc *TokenService, sessionKey string) string {
	t.Helper()
	raw, _, err := svc.CreateToken(context.Background(), sessionKey)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	return raw
}

func persistedToken(t *testing.T, store *memstore.Store, raw string) *domain.AuthToken {
	t.Helper()
	token, err := store.GetTokenByHash(context.Background(), HashToken(raw))
	if err != nil {
		t.Fatalf("GetTokenByHash failed: %v", err)
	}
	return token
}

func TestTokenService_CreateToken(t *testing.T) {
	svc, store, clock := newTokenService(t)
	raw, token, err := svc.CreateToken(context.Background(), "browser")
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	if len(raw) != 43 {
		t.Errorf("len(token) = %d, want 43", len(raw))
	}
	if token.TokenHash == raw {
		t.Error("token stored in clear")
	}
	got := persistedToken(t, store, raw)
	if got.Status != domain.TokenStatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if !got.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, clock.Now())
	}
	if got.TelegramID != nil {
		t.Errorf("TelegramID = %v, want nil", *got.TelegramID)
	}
}

// Scenario A: create, claim by the bot, exchange by the browser, poll.
func TestTokenService_ClaimAndExchange(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTokenService(t)
	raw := mustCreateToken(t, svc, "browser")

	ok, err := svc.MarkProcessed(ctx, raw, 42)
	if err != nil || !ok {
		t.Fatalf("MarkProcessed = %v, %v, want true, nil", ok, err)
	}
	status, _ := svc.Status(ctx, raw)
	if status != domain.TokenStatusProcessed {
		t.Errorf("status after claim = %s, want processed", status)
	}

	token, err := svc.Exchange(ctx, raw)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if token.TelegramID == nil || *token.TelegramID != 42 {
		t.Errorf("TelegramID = %v, want 42", token.TelegramID)
	}

	status, _ = svc.Status(ctx, raw)
	if status != domain.TokenStatusUsed {
		t.Errorf("status after exchange = %s, want used", status)
	}
	got := persistedToken(t, store, raw)
	if got.ProcessedAt == nil || got.UsedAt == nil {
		t.Errorf("timestamps not set: processed=%v used=%v", got.ProcessedAt, got.UsedAt)
	}

	if _, err := svc.Exchange(ctx, raw); !errors.Is(err, domain.ErrAuthTokenUsed) {
		t.Errorf("second Exchange err = %v, want %v", err, domain.ErrAuthTokenUsed)
	}
}

// Scenario B: a token past its window reads as expired with no explicit
// mutation, and the expiry is persisted by the read.
func TestTokenService_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTokenService(t)
	raw := mustCreateToken(t, svc, "browser")

	clock.Advance(5*time.Minute + time.Second)
	if got := persistedToken(t, store, raw); got.Status != domain.TokenStatusPending {
		t.Fatalf("persisted status before read = %s, want pending", got.Status)
	}

	status, err := svc.Status(ctx, raw)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != domain.TokenStatusExpired {
		t.Errorf("status = %s, want expired", status)
	}
	got := persistedToken(t, store, raw)
	if got.Status != domain.TokenStatusExpired {
		t.Errorf("persisted status = %s, want expired", got.Status)
	}
	if got.ExpiredAt == nil {
		t.Error("ExpiredAt not set")
	}
}

func TestTokenService_IsExpired(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTokenService(t)
	raw := mustCreateToken(t, svc, "")

	expired, err := svc.IsExpired(ctx, raw)
	if err != nil || expired {
		t.Fatalf("IsExpired = %v, %v, want false, nil", expired, err)
	}

	clock.Advance(6 * time.Minute)
	expired, err = svc.IsExpired(ctx, raw)
	if err != nil || !expired {
		t.Fatalf("IsExpired = %v, %v, want true, nil", expired, err)
	}
	if got := persistedToken(t, store, raw); got.Status != domain.TokenStatusExpired {
		t.Errorf("persisted status = %s, want expired", got.Status)
	}

	expired, _ = svc.IsExpired(ctx, "unknown")
	if !expired {
		t.Error("IsExpired(unknown) = false, want true")
	}
}

func TestTokenService_ProcessedTokenExpires(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTokenService(t)
	raw := mustCreateToken(t, svc, "")
	_, _ = svc.MarkProcessed(ctx, raw, 42)

	clock.Advance(6 * time.Minute)
	if _, err := svc.Exchange(ctx, raw); !errors.Is(err, domain.ErrAuthTokenExpired) {
		t.Errorf("Exchange err = %v, want %v", err, domain.ErrAuthTokenExpired)
	}
	if got := persistedToken(t, store, raw); got.Status != domain.TokenStatusExpired {
		t.Errorf("persisted status = %s, want expired", got.Status)
	}
}

func TestTokenService_SupersedesSessionToken(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTokenService(t)
	old := mustCreateToken(t, svc, "browser")
	other := mustCreateToken(t, svc, "another-browser")
	fresh := mustCreateToken(t, svc, "browser")

	tests := []struct {
		name  string
		token string
		want  domain.TokenStatus
	}{
		{name: "superseded", token: old, want: domain.TokenStatusExpired},
		{name: "other session", token: other, want: domain.TokenStatusPending},
		{name: "new token", token: fresh, want: domain.TokenStatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := svc.Status(ctx, tt.token)
			if err != nil {
				t.Fatalf("Status failed: %v", err)
			}
			if status != tt.want {
				t.Errorf("status = %s, want %s", status, tt.want)
			}
		})
	}

	ok, _ := svc.MarkProcessed(ctx, old, 42)
	if ok {
		t.Error("MarkProcessed on superseded token = true, want false")
	}
}

func TestTokenService_MarkProcessedIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTokenService(t)
	raw := mustCreateToken(t, svc, "")

	if ok, _ := svc.MarkProcessed(ctx, raw, 42); !ok {
		t.Fatal("first MarkProcessed = false, want true")
	}
	first := persistedToken(t, store, raw)

	for _, id := range []int64{42, 99} {
		ok, err := svc.MarkProcessed(ctx, raw, id)
		if err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
		if ok {
			t.Errorf("repeat MarkProcessed(%d) = true, want false", id)
		}
	}

	got := persistedToken(t, store, raw)
	if got.TelegramID == nil || *got.TelegramID != 42 {
		t.Errorf("TelegramID = %v, want 42", got.TelegramID)
	}
	if !got.ProcessedAt.Equal(*first.ProcessedAt) {
		t.Errorf("ProcessedAt changed: %v -> %v", first.ProcessedAt, got.ProcessedAt)
	}
}

func TestTokenService_MarkUsedRequiresProcessed(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTokenService(t)
	raw := mustCreateToken(t, svc, "")

	ok, err := svc.MarkUsed(ctx, raw)
	if err != nil || ok {
		t.Fatalf("MarkUsed on pending = %v, %v, want false, nil", ok, err)
	}
	got := persistedToken(t, store, raw)
	if got.Status != domain.TokenStatusPending || got.UsedAt != nil {
		t.Errorf("token mutated: status=%s used_at=%v", got.Status, got.UsedAt)
	}

	if _, err := svc.Exchange(ctx, raw); !errors.Is(err, domain.ErrAuthTokenNotProcessed) {
		t.Errorf("Exchange err = %v, want %v", err, domain.ErrAuthTokenNotProcessed)
	}
}

func TestTokenService_MarkProcessedAfterWindow(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTokenService(t)
	raw := mustCreateToken(t, svc, "")

	clock.Advance(5*time.Minute + time.Millisecond)
	ok, err := svc.MarkProcessed(ctx, raw, 42)
	if err != nil || ok {
		t.Fatalf("MarkProcessed = %v, %v, want false, nil", ok, err)
	}
	if got := persistedToken(t, store, raw); got.TelegramID != nil {
		t.Errorf("TelegramID = %v, want nil", *got.TelegramID)
	}
}

func TestTokenService_MarkProcessedAtWindowEdge(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTokenService(t)
	raw := mustCreateToken(t, svc, "")

	clock.Advance(5 * time.Minute)
	ok, err := svc.MarkProcessed(ctx, raw, 42)
	if err != nil || !ok {
		t.Fatalf("MarkProcessed = %v, %v, want true, nil", ok, err)
	}
}

func TestTokenService_UnknownTokens(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTokenService(t)

	for _, raw := range []string{"", "does-not-exist"} {
		status, err := svc.Status(ctx, raw)
		if err != nil || status != domain.TokenStatusInvalid {
			t.Errorf("Status(%q) = %s, %v, want invalid, nil", raw, status, err)
		}
		if ok, err := svc.MarkProcessed(ctx, raw, 1); ok || err != nil {
			t.Errorf("MarkProcessed(%q) = %v, %v, want false, nil", raw, ok, err)
		}
		if _, err := svc.Exchange(ctx, raw); !errors.Is(err, domain.ErrAuthTokenInvalid) {
			t.Errorf("Exchange(%q) err = %v, want %v", raw, err, domain.ErrAuthTokenInvalid)
		}
	}
}

func TestTokenService_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTokenService(t)
	raw := mustCreateToken(t, svc, "")

	var wins int32
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if ok, _ := svc.MarkProcessed(ctx, raw, id); ok {
				atomic.AddInt32(&wins, 1)
			}
		}(int64(i))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = svc.MarkUsed(ctx, raw)
	}()
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful claims = %d, want 1", wins)
	}
	got := persistedToken(t, store, raw)
	if got.Status != domain.TokenStatusProcessed && got.Status != domain.TokenStatusUsed {
		t.Errorf("status = %s, want processed or used", got.Status)
	}
}

type failingTokenStore struct {
	repository.AuthTokenStore
	err error
}

func (s failingTokenStore) GetTokenByHash(context.Context, string) (*domain.AuthToken, error) {
	return nil, s.err
}

func (s failingTokenStore) TransitionToken(context.Context, domain.TokenTransition) (*domain.AuthToken, error) {
	return nil, s.err
}

func TestTokenService_StorageFault(t *testing.T) {
	ctx := context.Background()
	fault := errors.New("connection refused")
	svc := NewTokenService(TokenConfig{}, failingTokenStore{err: fault}, nil, discardLogger())

	status, err := svc.Status(ctx, "token")
	if status != domain.TokenStatusError || !errors.Is(err, fault) {
		t.Errorf("Status = %s, %v, want error, %v", status, err, fault)
	}
	if ok, err := svc.MarkProcessed(ctx, "token", 42); ok || !errors.Is(err, fault) {
		t.Errorf("MarkProcessed = %v, %v, want false, %v", ok, err, fault)
	}
	if _, err := svc.Exchange(ctx, "token"); !errors.Is(err, fault) {
		t.Errorf("Exchange err = %v, want %v", err, fault)
	}
}

func TestTokenService_Sweep(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTokenService(t)
	old := mustCreateToken(t, svc, "")
	clock.Advance(2 * time.Hour)
	fresh := mustCreateToken(t, svc, "")

	n, err := svc.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, err := store.GetTokenByHash(ctx, HashToken(old)); !errors.Is(err, domain.ErrAuthTokenNotFound) {
		t.Errorf("old token err = %v, want not found", err)
	}
	if status, _ := svc.Status(ctx, fresh); status != domain.TokenStatusPending {
		t.Errorf("fresh status = %s, want pending", status)
	}
}

func TestTokenService_RecordsTransitions(t *testing.T) {
	ctx := context.Background()
	rec := newCountingRecorder()
	clock := newFakeClock()
	svc := NewTokenService(TokenConfig{Now: clock.Now}, memstore.New(), rec, discardLogger())

	raw := mustCreateToken(t, svc, "")
	_, _ = svc.MarkProcessed(ctx, raw, 7)
	_, _ = svc.MarkProcessed(ctx, raw, 7)
	_, _ = svc.Exchange(ctx, raw)

	want := map[domain.TokenStatus]int{
		domain.TokenStatusPending:   1,
		domain.TokenStatusProcessed: 1,
		domain.TokenStatusUsed:      1,
	}
	for status, n := range want {
		if rec.transitions[status] != n {
			t.Errorf("transitions[%s] = %d, want %d", status, rec.transitions[status], n)
		}
	}
}
