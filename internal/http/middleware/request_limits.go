package middleware

import (
	"net/http"

	"github.com/domosclub/clubauth/internal/httputil"
)

// RequestSizeLimit creates middleware that limits the maximum request body
// size. Bodies declared larger than maxBytes are rejected up front; the rest
// are capped so decoding fails with a 413 once the limit is crossed. A
// non-positive maxBytes disables the limit.
func RequestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				httputil.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
