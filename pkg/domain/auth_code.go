package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CodeStatus is the lifecycle state of a phone verification code.
type CodeStatus string

const (
	CodeStatusPending  CodeStatus = "pending"
	CodeStatusVerified CodeStatus = "verified"
	CodeStatusExpired  CodeStatus = "expired"
	// CodeStatusLocked is reached when attempts are exhausted.
	CodeStatusLocked CodeStatus = "locked"
)

// IsTerminal reports whether the code can no longer be verified.
func (s CodeStatus) IsTerminal() bool {
	return s != CodeStatusPending
}

// AuthCode is a numeric code delivered through the bot to confirm a phone
// number or Telegram handle. Only a hash of the code is stored.
type AuthCode struct {
	ID uuid.UUID
	// Phone is the subject the code was issued for, as returned by
	// NormalizeSubject: phone digits, or "@handle".
	Phone       string
	CodeHash    string
	TelegramID  *int64
	Status      CodeStatus
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	VerifiedAt  *time.Time
}

// TimedOut reports whether the code's time window has lapsed at now.
func (c *AuthCode) TimedOut(now time.Time, ttl time.Duration) bool {
	return now.After(c.CreatedAt.Add(ttl))
}

// AttemptsExhausted reports whether no more verification attempts remain.
func (c *AuthCode) AttemptsExhausted() bool {
	return c.MaxAttempts > 0 && c.Attempts >= c.MaxAttempts
}

// NormalizePhone strips everything except digits. A leading 8 on an
// 11-digit number is rewritten to 7 so local and international forms of
// the same number collide.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	phone := b.String()
	if len(phone) == 11 && phone[0] == '8' {
		phone = "7" + phone[1:]
	}
	return phone
}

// IsPhoneNumber reports whether raw holds at least one digit and otherwise
// only phone punctuation. Telegram handles always start with a letter, so
// they never qualify.
func IsPhoneNumber(raw string) bool {
	digits := 0
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits > 0
}

// NormalizeSubject maps a phone number to its digits and a handle to
// lowercase "@handle". Empty input yields "".
func NormalizeSubject(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if IsPhoneNumber(raw) {
		return NormalizePhone(raw)
	}
	handle := strings.ToLower(strings.TrimPrefix(raw, "@"))
	if handle == "" {
		return ""
	}
	return "@" + handle
}

// CodeTransition describes a compare-and-swap on a single code row.
type CodeTransition struct {
	ID         uuid.UUID
	From       CodeStatus
	To         CodeStatus
	TelegramID *int64
	At         time.Time
	NotBefore  time.Time
}
