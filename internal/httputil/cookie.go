package httputil

import (
	"net/http"
	"time"
)

const (
	// SessionCookie carries the signed web session.
	SessionCookie = "access_token"
	// LoginSessionCookie identifies the browser while it waits for the bot,
	// so a fresh login token can supersede the previous one.
	LoginSessionCookie = "login_session"
)

// CookieConfig holds cookie configuration.
type CookieConfig struct {
	Domain   string
	Path     string
	Secure   bool // Set to true in production (HTTPS)
	SameSite http.SameSite
}

// DefaultCookieConfig returns default cookie configuration.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		Path:     "/",
		Secure:   false, // Set to true in production
		SameSite: http.SameSiteLaxMode,
	}
}

// SetSessionCookie sets the HttpOnly web session cookie.
func SetSessionCookie(w http.ResponseWriter, accessToken string, ttl time.Duration, cfg CookieConfig) {
	setCookie(w, SessionCookie, accessToken, int(ttl.Seconds()), cfg)
}

// ClearSessionCookie clears the web session cookie.
func ClearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	setCookie(w, SessionCookie, "", -1, cfg)
}

// GetSessionFromCookie extracts the web session token from its cookie.
func GetSessionFromCookie(r *http.Request) (string, bool) {
	return cookieValue(r, SessionCookie)
}

// SetLoginSessionCookie sets the browser login-session key.
func SetLoginSessionCookie(w http.ResponseWriter, key string, ttl time.Duration, cfg CookieConfig) {
	setCookie(w, LoginSessionCookie, key, int(ttl.Seconds()), cfg)
}

// GetLoginSessionFromCookie extracts the browser login-session key.
func GetLoginSessionFromCookie(r *http.Request) (string, bool) {
	return cookieValue(r, LoginSessionCookie)
}

// IsMobileClient checks if request is from a mobile client.
// Mobile clients should set header: X-Client-Type: mobile
func IsMobileClient(r *http.Request) bool {
	return r.Header.Get("X-Client-Type") == "mobile"
}

func setCookie(w http.ResponseWriter, name, value string, maxAge int, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	})
}

func cookieValue(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
