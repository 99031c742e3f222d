// Package clubauth provides the club's Telegram login bridge as an
// embeddable library.
//
// Setup:
//
//  1. Run migrations (cmd/clubauth-migrate) when using Postgres
//  2. Create a Bridge and mount its handler
//
// Basic usage:
//
//	db, _ := repository.NewDB(repository.Config{Host: "localhost", DBName: "clubauth"})
//
//	bridge, err := clubauth.New(clubauth.Config{
//	    Tokens:      repository.NewAuthTokensRepository(db),
//	    Codes:       repository.NewAuthCodesRepository(db),
//	    Members:     repository.NewMembersRepository(db),
//	    JWTSecret:   "your-secret-key-at-least-32-chars",
//	    BotUsername: "domos_bot",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	r := chi.NewRouter()
//	r.Mount("/", bridge.Handler())
//	http.ListenAndServe(":8080", r)
//
// The bot side claims tokens through Claimer, and phone login is enabled by
// passing a Sender:
//
//	bridge, err := clubauth.New(clubauth.Config{
//	    // ...
//	    Sender: telegramClient,
//	})
package clubauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/domosclub/clubauth/internal/config"
	apphttp "github.com/domosclub/clubauth/internal/http"
	"github.com/domosclub/clubauth/internal/http/middleware"
	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/domosclub/clubauth/internal/metrics"
	"github.com/domosclub/clubauth/pkg/auth"
	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the configuration for the bridge.
type Config struct {
	// Tokens, Codes and Members are the storage backends (required).
	Tokens  repository.AuthTokenStore
	Codes   repository.AuthCodeStore
	Members repository.MemberDirectory

	// Sender delivers phone login codes. Nil disables phone login.
	Sender auth.CodeSender

	// JWTSecret signs session tokens (required, min 32 chars).
	JWTSecret string

	// JWTIssuer is the issuer claim in session tokens (default: "clubauth").
	JWTIssuer string

	// SessionTTL is the lifetime of a session (default: 24 hours).
	SessionTTL time.Duration

	// BotUsername is the bot's @username without the @ (required).
	BotUsername string

	// TokenTTL and PollInterval tune the deep-link login (defaults: 5m, 2s).
	TokenTTL     time.Duration
	PollInterval time.Duration

	// Phone code settings (defaults: 5m, 6 digits, 3 attempts).
	CodeTTL         time.Duration
	CodeDigits      int
	CodeMaxAttempts int
	CodeHashCost    int

	// Redirects after the Telegram callback (defaults: "/" and "/login").
	SuccessRedirect string
	LoginRedirect   string

	CookieDomain       string
	CookieSecure       bool
	FingerprintEnabled bool

	// Registerer enables Prometheus metrics and /metrics when set.
	Registerer prometheus.Registerer

	// Health reports storage reachability on /health; nil always reports ok.
	Health func(ctx context.Context) error

	RateLimit          config.RateLimitConfig
	SecurityHeaders    config.SecurityHeadersConfig
	MaxRequestBodySize int64

	// Logger is the structured logger (default: JSON to stdout).
	Logger *slog.Logger
}

// Bridge is the assembled login bridge.
type Bridge struct {
	config         Config
	tokenService   *auth.TokenService
	codeService    *auth.CodeService
	sessionService *auth.SessionService
	metrics        *metrics.Recorder
}

// New creates a bridge with the given configuration.
func New(cfg Config) (*Bridge, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	var recorder auth.Recorder
	var metricsRecorder *metrics.Recorder
	if cfg.Registerer != nil {
		metricsRecorder = metrics.New(cfg.Registerer)
		recorder = metricsRecorder
	}

	tokenService := auth.NewTokenService(auth.TokenConfig{
		TTL:          cfg.TokenTTL,
		PollInterval: cfg.PollInterval,
	}, cfg.Tokens, recorder, cfg.Logger)

	var codeService *auth.CodeService
	if cfg.Sender != nil {
		codeService = auth.NewCodeService(auth.CodeConfig{
			TTL:         cfg.CodeTTL,
			Digits:      cfg.CodeDigits,
			MaxAttempts: cfg.CodeMaxAttempts,
			HashCost:    cfg.CodeHashCost,
		}, cfg.Codes, auth.NewDirectoryResolver(cfg.Members, cfg.Logger), cfg.Sender, recorder, cfg.Logger)
	}

	sessionService := auth.NewSessionService(auth.SessionConfig{
		TTL:                cfg.SessionTTL,
		JWTSecret:          []byte(cfg.JWTSecret),
		Issuer:             cfg.JWTIssuer,
		FingerprintEnabled: cfg.FingerprintEnabled,
	}, cfg.Members, cfg.Logger)

	return &Bridge{
		config:         cfg,
		tokenService:   tokenService,
		codeService:    codeService,
		sessionService: sessionService,
		metrics:        metricsRecorder,
	}, nil
}

// Handler returns the HTTP handler serving every login route:
//
//	POST /v1/auth/telegram/token     - Issue a deep-link login token
//	GET  /v1/auth/telegram/status    - Poll a token's status
//	GET  /v1/auth/telegram/watch     - Watch a token over a websocket
//	GET  /v1/auth/telegram/callback  - Redeem a confirmed token (browser)
//	POST /v1/auth/telegram/exchange  - Redeem a confirmed token (JSON)
//	POST /v1/auth/phone/request      - Send a code through the bot (if Sender is set)
//	POST /v1/auth/phone/verify       - Verify a code
//	POST /v1/auth/refresh            - Reissue the session (protected)
//	POST /v1/auth/logout             - Clear the session cookie
//	GET  /v1/me                      - Current member (protected)
func (b *Bridge) Handler() http.Handler {
	cookies := httputil.DefaultCookieConfig()
	cookies.Domain = b.config.CookieDomain
	cookies.Secure = b.config.CookieSecure

	var health func(*http.Request) error
	if b.config.Health != nil {
		health = func(r *http.Request) error { return b.config.Health(r.Context()) }
	}

	return apphttp.NewRouter(apphttp.RouterConfig{
		Logger:          b.config.Logger,
		TokenService:    b.tokenService,
		CodeService:     b.codeService,
		SessionService:  b.sessionService,
		Members:         b.config.Members,
		Metrics:         b.metrics,
		Health:          health,
		BotUsername:     b.config.BotUsername,
		SuccessRedirect: b.config.SuccessRedirect,
		LoginRedirect:   b.config.LoginRedirect,
		Cookies:         cookies,
		RateLimitConfig: b.config.RateLimit,
		SecurityHeaders: b.config.SecurityHeaders,
		Validation:      config.ValidationConfig{MaxRequestBodySize: b.config.MaxRequestBodySize},
	})
}

// Claimer returns the bot-side hook that binds a Telegram account to a
// pending token.
func (b *Bridge) Claimer() auth.TokenClaimer {
	return b.tokenService
}

// SessionService returns the session service for advanced usage.
func (b *Bridge) SessionService() *auth.SessionService {
	return b.sessionService
}

// AuthMiddleware returns middleware that validates session tokens.
// Use this to protect your own routes:
//
//	r.Group(func(r chi.Router) {
//	    r.Use(bridge.AuthMiddleware())
//	    r.Get("/protected", handler)
//	})
func (b *Bridge) AuthMiddleware() func(http.Handler) http.Handler {
	return middleware.Auth(b.sessionService)
}

// GetIdentity extracts the signed-in identity from a request.
// Use after AuthMiddleware:
//
//	identity, ok := clubauth.GetIdentity(r)
func GetIdentity(r *http.Request) (domain.Identity, bool) {
	return middleware.GetIdentity(r.Context())
}

// Sweep deletes tokens and codes created more than retention ago.
func (b *Bridge) Sweep(ctx context.Context, retention time.Duration) (tokens, codes int64, err error) {
	tokens, err = b.tokenService.Sweep(ctx, retention)
	if err != nil {
		return 0, 0, err
	}
	if b.codeService == nil {
		return tokens, 0, nil
	}
	codes, err = b.codeService.Sweep(ctx, retention)
	return tokens, codes, err
}

// RunSweeper calls Sweep every interval until ctx is done.
func (b *Bridge) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens, codes, err := b.Sweep(ctx, retention)
			if err != nil {
				if ctx.Err() == nil {
					b.config.Logger.Error("sweep failed", "error", err)
				}
				continue
			}
			if tokens > 0 || codes > 0 {
				b.config.Logger.Info("swept login records", "tokens", tokens, "codes", codes)
			}
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tokens == nil || cfg.Codes == nil || cfg.Members == nil {
		return errors.New("clubauth: Tokens, Codes and Members are required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("clubauth: JWTSecret is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("clubauth: JWTSecret must be at least 32 characters")
	}
	if cfg.BotUsername == "" {
		return errors.New("clubauth: BotUsername is required")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "clubauth"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.SuccessRedirect == "" {
		cfg.SuccessRedirect = "/"
	}
	if cfg.LoginRedirect == "" {
		cfg.LoginRedirect = "/login"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
}
