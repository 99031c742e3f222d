package domain

import (
	"testing"
	"time"
)

func TestTokenStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from TokenStatus
		to   TokenStatus
		want bool
	}{
		{TokenStatusPending, TokenStatusProcessed, true},
		{TokenStatusPending, TokenStatusUsed, false},
		{TokenStatusPending, TokenStatusExpired, true},
		{TokenStatusProcessed, TokenStatusUsed, true},
		{TokenStatusProcessed, TokenStatusPending, false},
		{TokenStatusProcessed, TokenStatusProcessed, false},
		{TokenStatusProcessed, TokenStatusExpired, true},
		{TokenStatusUsed, TokenStatusExpired, false},
		{TokenStatusUsed, TokenStatusProcessed, false},
		{TokenStatusExpired, TokenStatusPending, false},
		{TokenStatusExpired, TokenStatusExpired, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthToken_TimedOut(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	token := &AuthToken{CreatedAt: created, Status: TokenStatusPending}

	if token.TimedOut(created.Add(5*time.Minute), 5*time.Minute) {
		t.Error("TimedOut() at the deadline = true, want false")
	}
	if !token.TimedOut(created.Add(5*time.Minute+time.Second), 5*time.Minute) {
		t.Error("TimedOut() past the deadline = false, want true")
	}
}

func TestAuthCode_AttemptsExhausted(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		max      int
		want     bool
	}{
		{name: "fresh", attempts: 0, max: 3, want: false},
		{name: "one left", attempts: 2, max: 3, want: false},
		{name: "reached", attempts: 3, max: 3, want: true},
		{name: "unlimited", attempts: 10, max: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := &AuthCode{Attempts: tt.attempts, MaxAttempts: tt.max}
			if got := code.AttemptsExhausted(); got != tt.want {
				t.Errorf("AttemptsExhausted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"79991234567", "79991234567"},
		{"+7 (999) 123-45-67", "79991234567"},
		{"8 999 123 45 67", "79991234567"},
		{"", ""},
		{"abc", ""},
		{"+44 20 7946 0958", "442079460958"},
	}

	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "+7 (999) 123-45-67", want: "79991234567"},
		{in: "8 999 123 45 67", want: "79991234567"},
		{in: "@Alice", want: "@alice"},
		{in: "alice", want: "@alice"},
		{in: " @ ", want: ""},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		if got := NormalizeSubject(tt.in); got != tt.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
