package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/domosclub/clubauth/internal/config"
)

// authPathPrefix covers every route that carries a login token or a session.
const authPathPrefix = "/v1/auth/"

// SecurityHeaders creates middleware that applies OWASP-recommended security
// headers. Login routes additionally get no-store and no-referrer, since the
// callback URL carries the login token in its query string.
func SecurityHeaders(cfg config.SecurityHeadersConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	var headers [][2]string
	add := func(name, value string) {
		if value != "" {
			headers = append(headers, [2]string{name, value})
		}
	}
	add("Content-Security-Policy", cfg.CSP)
	if cfg.HSTSMaxAge > 0 {
		add("Strict-Transport-Security", "max-age="+strconv.Itoa(cfg.HSTSMaxAge)+"; includeSubDomains")
	}
	add("X-Frame-Options", cfg.FrameOptions)
	add("X-Content-Type-Options", cfg.ContentTypeOptions)
	add("X-XSS-Protection", cfg.XSSProtection)
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Permissions-Policy", cfg.PermissionsPolicy)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range headers {
				h.Set(kv[0], kv[1])
			}
			if strings.HasPrefix(r.URL.Path, authPathPrefix) {
				h.Set("Cache-Control", "no-store")
				h.Set("Referrer-Policy", "no-referrer")
			}
			next.ServeHTTP(w, r)
		})
	}
}
