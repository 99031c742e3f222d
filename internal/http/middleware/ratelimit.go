package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/domosclub/clubauth/internal/config"
	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/go-chi/httprate"
)

// Rate limiter groups returned by CreateRateLimiters.
const (
	LimitToken    = "token"
	LimitPoll     = "poll"
	LimitCode     = "code"
	LimitVerify   = "verify"
	LimitProfile  = "profile"
	LimitCallback = "callback"
)

// LimitObserver is notified when a request is rejected by a limiter.
type LimitObserver interface {
	RateLimitHit(group string)
}

// RateLimitConfig holds rate limiting configuration for a specific endpoint type.
type RateLimitConfig struct {
	Name     string
	Requests int
	Window   time.Duration
	Logger   *slog.Logger
	Observer LimitObserver
	// OnLimit replaces the JSON 429 response when set.
	OnLimit http.HandlerFunc
}

// RateLimit creates an IP-based rate limiter middleware with logging.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Logger != nil {
				cfg.Logger.Warn("rate limit exceeded",
					"limiter", cfg.Name,
					"ip", r.RemoteAddr,
					"path", r.URL.Path,
					"method", r.Method,
					"user_agent", r.UserAgent(),
				)
			}
			if cfg.Observer != nil {
				cfg.Observer.RateLimitHit(cfg.Name)
			}
			if cfg.OnLimit != nil {
				cfg.OnLimit(w, r)
				return
			}
			httputil.Error(w, http.StatusTooManyRequests, "rate limit exceeded. please try again later")
		}),
	)
}

// RedirectOnLimit creates a limiter for browser navigations such as the
// login callback: a rejected request is redirected to target instead of
// receiving a 429.
func RedirectOnLimit(cfg config.RateLimitConfig, target string, logger *slog.Logger, observer LimitObserver) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return NoRateLimit()
	}
	return RateLimit(RateLimitConfig{
		Name:     LimitCallback,
		Requests: cfg.CallbackRequestsPerMinute,
		Window:   time.Duration(cfg.CallbackWindowMinutes) * time.Minute,
		Logger:   logger,
		Observer: observer,
		OnLimit: func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, target, http.StatusFound)
		},
	})
}

// NoRateLimit returns a no-op middleware when rate limiting is disabled.
func NoRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// CreateRateLimiters creates rate limiting middleware functions based on
// configuration. observer may be nil.
func CreateRateLimiters(cfg config.RateLimitConfig, logger *slog.Logger, observer LimitObserver) map[string]func(http.Handler) http.Handler {
	if !cfg.Enabled {
		noOp := NoRateLimit()
		return map[string]func(http.Handler) http.Handler{
			LimitToken:   noOp,
			LimitPoll:    noOp,
			LimitCode:    noOp,
			LimitVerify:  noOp,
			LimitProfile: noOp,
		}
	}

	limiter := func(name string, requests, windowMinutes int) func(http.Handler) http.Handler {
		return RateLimit(RateLimitConfig{
			Name:     name,
			Requests: requests,
			Window:   time.Duration(windowMinutes) * time.Minute,
			Logger:   logger,
			Observer: observer,
		})
	}

	return map[string]func(http.Handler) http.Handler{
		LimitToken:   limiter(LimitToken, cfg.TokenRequestsPerMinute, cfg.TokenWindowMinutes),
		LimitPoll:    limiter(LimitPoll, cfg.PollRequestsPerMinute, cfg.PollWindowMinutes),
		LimitCode:    limiter(LimitCode, cfg.CodeRequestsPerWindow, cfg.CodeWindowMinutes),
		LimitVerify:  limiter(LimitVerify, cfg.VerifyRequestsPerWindow, cfg.VerifyWindowMinutes),
		LimitProfile: limiter(LimitProfile, cfg.ProfileRequestsPerMinute, cfg.ProfileWindowMinutes),
	}
}
