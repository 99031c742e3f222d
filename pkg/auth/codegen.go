package auth

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCodeDigits is the length of a phone verification code.
	DefaultCodeDigits = 6
	codeSecretLen     = 20
)

// GenerateCode returns a numeric code of the given length. Each code is an
// HOTP value over a fresh random secret and counter, so codes are uniformly
// distributed and independent of each other.
func GenerateCode(digits int) (string, error) {
	if digits <= 0 {
		digits = DefaultCodeDigits
	}
	raw := make([]byte, codeSecretLen+8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random secret: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:codeSecretLen])
	counter := binary.BigEndian.Uint64(raw[codeSecretLen:])

	code, err := hotp.GenerateCodeCustom(secret, counter, hotp.ValidateOpts{
		Digits:    otp.Digits(digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return code, nil
}

// HashCode hashes a verification code with bcrypt at the given cost.
// A cost of 0 selects bcrypt.DefaultCost.
func HashCode(code string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareCode reports whether code matches the stored bcrypt hash.
func CompareCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
