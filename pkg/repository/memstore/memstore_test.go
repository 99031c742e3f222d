package memstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/google/uuid"
)

func newToken(hash, session string, created time.Time) *domain.AuthToken {
	return &domain.AuthToken{
		ID:         uuid.New(),
		TokenHash:  hash,
		SessionKey: session,
		Status:     domain.TokenStatusPending,
		CreatedAt:  created,
	}
}

func TestStore_TransitionToken_OnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Now().UTC()
	if err := store.CreateToken(ctx, newToken("h1", "", now)); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := store.TransitionToken(ctx, domain.TokenTransition{
				TokenHash:  "h1",
				From:       domain.TokenStatusPending,
				To:         domain.TokenStatusProcessed,
				TelegramID: &id,
				At:         now,
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, domain.ErrPreconditionFailed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful transitions = %d, want 1", wins)
	}
}

func TestStore_TransitionToken_NotBefore(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		notBefore time.Time
		wantErr   error
	}{
		{name: "created at the cutoff", notBefore: created, wantErr: nil},
		{name: "created before the cutoff", notBefore: created.Add(time.Microsecond), wantErr: domain.ErrPreconditionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := New()
			_ = store.CreateToken(ctx, newToken("h1", "", created))

			_, err := store.TransitionToken(ctx, domain.TokenTransition{
				TokenHash: "h1",
				From:      domain.TokenStatusPending,
				To:        domain.TokenStatusProcessed,
				At:        created.Add(time.Minute),
				NotBefore: tt.notBefore,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStore_CreateToken_SupersedesSession(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Now().UTC()
	_ = store.CreateToken(ctx, newToken("old", "browser-1", now))
	_ = store.CreateToken(ctx, newToken("other", "browser-2", now))
	_ = store.CreateToken(ctx, newToken("new", "browser-1", now.Add(time.Second)))

	old, _ := store.GetTokenByHash(ctx, "old")
	if old.Status != domain.TokenStatusExpired {
		t.Errorf("old status = %s, want %s", old.Status, domain.TokenStatusExpired)
	}
	other, _ := store.GetTokenByHash(ctx, "other")
	if other.Status != domain.TokenStatusPending {
		t.Errorf("other session status = %s, want %s", other.Status, domain.TokenStatusPending)
	}
	fresh, _ := store.GetTokenByHash(ctx, "new")
	if fresh.Status != domain.TokenStatusPending {
		t.Errorf("new status = %s, want %s", fresh.Status, domain.TokenStatusPending)
	}
}

func TestStore_IncrementCodeAttempts_Locks(t *testing.T) {
	ctx := context.Background()
	store := New()
	code := &domain.AuthCode{
		ID:          uuid.New(),
		Phone:       "79991234567",
		Status:      domain.CodeStatusPending,
		MaxAttempts: 2,
		CreatedAt:   time.Now().UTC(),
	}
	_ = store.CreateCode(ctx, code)

	updated, err := store.IncrementCodeAttempts(ctx, code.ID)
	if err != nil {
		t.Fatalf("IncrementCodeAttempts failed: %v", err)
	}
	if updated.Status != domain.CodeStatusPending {
		t.Errorf("status after 1 attempt = %s, want pending", updated.Status)
	}

	updated, _ = store.IncrementCodeAttempts(ctx, code.ID)
	if updated.Status != domain.CodeStatusLocked {
		t.Errorf("status after 2 attempts = %s, want locked", updated.Status)
	}

	if _, err := store.IncrementCodeAttempts(ctx, code.ID); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Errorf("increment on locked code err = %v, want %v", err, domain.ErrPreconditionFailed)
	}
}

func TestStore_CreateCode_ExpiresPreviousPending(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Now().UTC()
	first := &domain.AuthCode{ID: uuid.New(), Phone: "79991234567", Status: domain.CodeStatusPending, CreatedAt: now}
	second := &domain.AuthCode{ID: uuid.New(), Phone: "79991234567", Status: domain.CodeStatusPending, CreatedAt: now.Add(time.Second)}
	_ = store.CreateCode(ctx, first)
	_ = store.CreateCode(ctx, second)

	got, _ := store.GetCode(ctx, first.ID)
	if got.Status != domain.CodeStatusExpired {
		t.Errorf("first status = %s, want expired", got.Status)
	}
	latest, err := store.GetLatestCode(ctx, "79991234567")
	if err != nil {
		t.Fatalf("GetLatestCode failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest ID = %s, want %s", latest.ID, second.ID)
	}
}

func TestStore_GetLatestCode_SameInstant(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// Map iteration order varies between runs; repeat to cover it.
	for i := 0; i < 50; i++ {
		store := New()
		var last *domain.AuthCode
		for j := 0; j < 3; j++ {
			last = &domain.AuthCode{ID: uuid.New(), Phone: "79991234567", Status: domain.CodeStatusPending, CreatedAt: now}
			_ = store.CreateCode(ctx, last)
		}

		latest, err := store.GetLatestCode(ctx, "79991234567")
		if err != nil {
			t.Fatalf("GetLatestCode failed: %v", err)
		}
		if latest.ID != last.ID || latest.Status != domain.CodeStatusPending {
			t.Fatalf("run %d: latest = %s (%s), want %s (pending)", i, latest.ID, latest.Status, last.ID)
		}
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := New()
	_ = store.CreateToken(ctx, newToken("h1", "", time.Now().UTC()))

	got, _ := store.GetTokenByHash(ctx, "h1")
	got.Status = domain.TokenStatusUsed

	again, _ := store.GetTokenByHash(ctx, "h1")
	if again.Status != domain.TokenStatusPending {
		t.Errorf("stored status mutated through returned pointer: %s", again.Status)
	}
}
