package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// loginTokenLen is the number of random bytes behind a login token.
// 32 bytes encode to 43 base64url characters, inside Telegram's 64 character
// limit for the /start payload.
const loginTokenLen = 32

// GenerateToken returns n random bytes encoded as unpadded base64url, safe to
// embed in URLs and Telegram deep links.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken hashes a token using SHA-256. Stores only ever see the hash.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
