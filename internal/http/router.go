package http

import (
	"log/slog"
	"net/http"

	"github.com/domosclub/clubauth/internal/config"
	"github.com/domosclub/clubauth/internal/http/features/me"
	"github.com/domosclub/clubauth/internal/http/features/phone"
	"github.com/domosclub/clubauth/internal/http/features/session"
	"github.com/domosclub/clubauth/internal/http/features/telegram"
	"github.com/domosclub/clubauth/internal/http/middleware"
	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/domosclub/clubauth/internal/metrics"
	"github.com/domosclub/clubauth/pkg/auth"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/go-chi/chi/v5"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger         *slog.Logger
	TokenService   *auth.TokenService
	CodeService    *auth.CodeService // nil disables phone login
	SessionService *auth.SessionService
	Members        repository.MemberDirectory
	Metrics        *metrics.Recorder // nil disables /metrics
	// Health reports storage reachability; nil always reports ok.
	Health func(r *http.Request) error

	BotUsername     string
	SuccessRedirect string
	LoginRedirect   string
	Cookies         httputil.CookieConfig

	RateLimitConfig config.RateLimitConfig
	SecurityHeaders config.SecurityHeadersConfig
	Validation      config.ValidationConfig
}

// NewRouter creates a new HTTP router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	var requestObserver middleware.RequestObserver
	var limitObserver middleware.LimitObserver
	if cfg.Metrics != nil {
		requestObserver = cfg.Metrics
		limitObserver = cfg.Metrics
	}

	// Apply global middleware
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger, requestObserver))
	r.Use(middleware.SecurityHeaders(cfg.SecurityHeaders))
	r.Use(middleware.RequestSizeLimit(cfg.Validation.MaxRequestBodySize))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r); err != nil {
				cfg.Logger.Error("health check failed", "error", err)
				httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	// Create rate limiters for different endpoint types
	rateLimiters := middleware.CreateRateLimiters(cfg.RateLimitConfig, cfg.Logger, limitObserver)

	loginRedirect := cfg.LoginRedirect
	if loginRedirect == "" {
		loginRedirect = "/login"
	}

	// Telegram deep-link login
	telegramHandler := telegram.NewHandler(cfg.Logger, cfg.TokenService, cfg.SessionService, telegram.Config{
		BotUsername:     cfg.BotUsername,
		SuccessRedirect: cfg.SuccessRedirect,
		LoginRedirect:   loginRedirect,
		Cookies:         cfg.Cookies,
	})
	r.Group(func(r chi.Router) {
		r.Use(rateLimiters[middleware.LimitToken])
		r.Post("/v1/auth/telegram/token", telegramHandler.CreateToken)
		r.Post("/v1/auth/telegram/exchange", telegramHandler.Exchange)
	})
	// The callback only ever redirects, even when limited.
	r.With(middleware.RedirectOnLimit(cfg.RateLimitConfig, loginRedirect, cfg.Logger, limitObserver)).
		Get("/v1/auth/telegram/callback", telegramHandler.Callback)
	r.Group(func(r chi.Router) {
		r.Use(rateLimiters[middleware.LimitPoll])
		r.Get("/v1/auth/telegram/status", telegramHandler.Status)
		r.Get("/v1/auth/telegram/watch", telegramHandler.Watch)
	})

	// Phone code login (if code delivery is configured)
	if cfg.CodeService != nil {
		phoneHandler := phone.NewHandler(cfg.Logger, cfg.CodeService, cfg.SessionService, cfg.Cookies)
		r.With(rateLimiters[middleware.LimitCode]).Post("/v1/auth/phone/request", phoneHandler.RequestCode)
		r.With(rateLimiters[middleware.LimitVerify]).Post("/v1/auth/phone/verify", phoneHandler.Verify)
	}

	// Register session routes
	sessionHandler := session.NewHandler(cfg.SessionService, cfg.Cookies)
	r.Post("/v1/auth/logout", sessionHandler.Logout)

	// Register member profile routes
	meHandler := me.NewHandler(cfg.Logger, cfg.Members)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.SessionService))
		r.Use(rateLimiters[middleware.LimitProfile])
		r.Get("/v1/me", meHandler.GetMe)
		r.Post("/v1/auth/refresh", sessionHandler.Refresh)
	})

	return r
}
