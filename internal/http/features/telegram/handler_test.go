package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/domosclub/clubauth/pkg/auth"
	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/domosclub/clubauth/pkg/repository/memstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	handler  *Handler
	tokens   *auth.TokenService
	sessions *auth.SessionService
	clock    *testClock
}

func newTestEnv(t *testing.T, store repository.AuthTokenStore) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Now()}
	if store == nil {
		store = memstore.New()
	}
	tokens := auth.NewTokenService(auth.TokenConfig{
		TTL:          5 * time.Minute,
		PollInterval: 10 * time.Millisecond,
		Now:          clock.Now,
	}, store, nil, logger)
	sessions := auth.NewSessionService(auth.SessionConfig{JWTSecret: []byte("test-secret")}, nil, logger)
	h := NewHandler(logger, tokens, sessions, Config{
		BotUsername:     "domos_bot",
		SuccessRedirect: "/club",
		LoginRedirect:   "/login",
		Cookies:         httputil.DefaultCookieConfig(),
	})
	return &testEnv{handler: h, tokens: tokens, sessions: sessions, clock: clock}
}

func (e *testEnv) createToken(t *testing.T, cookies ...*http.Cookie) (TokenResponse, []*http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/telegram/token", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.handler.CreateToken(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("CreateToken status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var resp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp, rec.Result().Cookies()
}

func (e *testEnv) status(t *testing.T, token string) (int, domain.TokenStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.Status(rec, httptest.NewRequest(http.MethodGet, "/v1/auth/telegram/status?token="+token, nil))
	var resp StatusResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	return rec.Code, resp.Status
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCreateToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, cookies := env.createToken(t)

	if len(resp.Token) != 43 {
		t.Errorf("len(token) = %d, want 43", len(resp.Token))
	}
	if want := "https://t.me/domos_bot?start=" + resp.Token; resp.DeepLink != want {
		t.Errorf("DeepLink = %q, want %q", resp.DeepLink, want)
	}
	if resp.ExpiresIn != 300 {
		t.Errorf("ExpiresIn = %d, want 300", resp.ExpiresIn)
	}
	if resp.PollInterval != 1 {
		t.Errorf("PollInterval = %d, want 1", resp.PollInterval)
	}
	if c := findCookie(cookies, httputil.LoginSessionCookie); c == nil || c.Value == "" || !c.HttpOnly {
		t.Errorf("login session cookie = %+v, want HttpOnly value", c)
	}
	if code, status := env.status(t, resp.Token); code != http.StatusOK || status != domain.TokenStatusPending {
		t.Errorf("status = %d %s, want 200 pending", code, status)
	}
}

func TestCreateToken_SupersedesSameBrowser(t *testing.T) {
	env := newTestEnv(t, nil)

	first, cookies := env.createToken(t)
	session := findCookie(cookies, httputil.LoginSessionCookie)
	second, cookies := env.createToken(t, session)

	if c := findCookie(cookies, httputil.LoginSessionCookie); c == nil || c.Value != session.Value {
		t.Errorf("login session cookie = %+v, want value %q kept", c, session.Value)
	}
	if _, status := env.status(t, first.Token); status != domain.TokenStatusExpired {
		t.Errorf("first token status = %s, want expired", status)
	}
	if _, status := env.status(t, second.Token); status != domain.TokenStatusPending {
		t.Errorf("second token status = %s, want pending", status)
	}

	// Another browser is unaffected.
	other, _ := env.createToken(t)
	if _, status := env.status(t, second.Token); status != domain.TokenStatusPending {
		t.Errorf("second token status after other browser = %s, want pending", status)
	}
	if _, status := env.status(t, other.Token); status != domain.TokenStatusPending {
		t.Errorf("other token status = %s, want pending", status)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	resp, _ := env.createToken(t)

	tests := []struct {
		name  string
		setup func()
		token string
		want  domain.TokenStatus
	}{
		{name: "missing token", token: "", want: domain.TokenStatusInvalid},
		{name: "unknown token", token: "does-not-exist", want: domain.TokenStatusInvalid},
		{name: "pending", token: resp.Token, want: domain.TokenStatusPending},
		{
			name:  "processed",
			setup: func() { env.tokens.MarkProcessed(ctx, resp.Token, 42) },
			token: resp.Token,
			want:  domain.TokenStatusProcessed,
		},
		{
			name:  "expired after window",
			setup: func() { env.clock.Advance(6 * time.Minute) },
			token: resp.Token,
			want:  domain.TokenStatusExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			code, status := env.status(t, tt.token)
			if code != http.StatusOK {
				t.Errorf("status code = %d, want %d", code, http.StatusOK)
			}
			if status != tt.want {
				t.Errorf("status = %s, want %s", status, tt.want)
			}
		})
	}
}

type brokenTokenStore struct {
	repository.AuthTokenStore
}

func (brokenTokenStore) GetTokenByHash(context.Context, string) (*domain.AuthToken, error) {
	return nil, errors.New("connection refused")
}

func TestStatus_StorageFault(t *testing.T) {
	env := newTestEnv(t, brokenTokenStore{})

	code, status := env.status(t, "some-token")

	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if status != domain.TokenStatusError {
		t.Errorf("status = %s, want error", status)
	}
}

func callback(env *testEnv, token string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.Callback(rec, httptest.NewRequest(http.MethodGet, "/v1/auth/telegram/callback?token="+token, nil))
	return rec
}

func TestCallback(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.createToken(t)
	if ok, err := env.tokens.MarkProcessed(context.Background(), resp.Token, 42); !ok || err != nil {
		t.Fatalf("MarkProcessed = %v, %v, want true, nil", ok, err)
	}

	rec := callback(env, resp.Token)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "/club" {
		t.Errorf("Location = %q, want /club", loc)
	}
	session := findCookie(rec.Result().Cookies(), httputil.SessionCookie)
	if session == nil {
		t.Fatal("session cookie not set")
	}
	claims, err := env.sessions.ValidateAccessToken(session.Value)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if claims.TelegramID != 42 || claims.Method != auth.MethodTelegram {
		t.Errorf("claims = %d %s, want 42 %s", claims.TelegramID, claims.Method, auth.MethodTelegram)
	}
	if _, status := env.status(t, resp.Token); status != domain.TokenStatusUsed {
		t.Errorf("status after callback = %s, want used", status)
	}

	// Single use.
	again := callback(env, resp.Token)
	if loc := again.Header().Get("Location"); again.Code != http.StatusFound || loc != "/login" {
		t.Errorf("second callback = %d %q, want 302 /login", again.Code, loc)
	}
	if findCookie(again.Result().Cookies(), httputil.SessionCookie) != nil {
		t.Error("second callback should not set a session cookie")
	}
}

func TestCallback_Failures(t *testing.T) {
	env := newTestEnv(t, nil)
	pending, _ := env.createToken(t)
	late, _ := env.createToken(t)
	env.tokens.MarkProcessed(context.Background(), late.Token, 42)
	env.clock.Advance(6 * time.Minute)
	fresh, _ := env.createToken(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "unknown", token: "nope"},
		{name: "expired pending", token: pending.Token},
		{name: "processed past window", token: late.Token},
		{name: "not yet confirmed", token: fresh.Token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := callback(env, tt.token)
			if rec.Code != http.StatusFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusFound)
			}
			if loc := rec.Header().Get("Location"); loc != "/login" {
				t.Errorf("Location = %q, want /login", loc)
			}
		})
	}

	if _, status := env.status(t, fresh.Token); status != domain.TokenStatusPending {
		t.Errorf("unconfirmed token status = %s, want pending", status)
	}
}

type brokenMemberDirectory struct {
	repository.MemberDirectory
}

func (brokenMemberDirectory) GetByTelegramID(context.Context, int64) (*domain.Member, error) {
	return nil, errors.New("connection refused")
}

func TestCallback_SessionFailureSpendsToken(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	store := memstore.New()
	tokens := auth.NewTokenService(auth.TokenConfig{TTL: 5 * time.Minute}, store, nil, logger)
	sessions := auth.NewSessionService(auth.SessionConfig{JWTSecret: []byte("test-secret")}, brokenMemberDirectory{}, logger)
	h := NewHandler(logger, tokens, sessions, Config{
		BotUsername:     "domos_bot",
		SuccessRedirect: "/club",
		LoginRedirect:   "/login",
		Cookies:         httputil.DefaultCookieConfig(),
	})

	ctx := context.Background()
	raw, token, err := tokens.CreateToken(ctx, "")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if ok, err := tokens.MarkProcessed(ctx, raw, 42); !ok || err != nil {
		t.Fatalf("MarkProcessed = %v, %v, want true, nil", ok, err)
	}

	rec := httptest.NewRecorder()
	h.Callback(rec, httptest.NewRequest(http.MethodGet, "/v1/auth/telegram/callback?token="+raw, nil))

	if loc := rec.Header().Get("Location"); rec.Code != http.StatusFound || loc != "/login" {
		t.Errorf("callback = %d %q, want 302 /login", rec.Code, loc)
	}
	if findCookie(rec.Result().Cookies(), httputil.SessionCookie) != nil {
		t.Error("session cookie set without a session")
	}
	if status, err := tokens.Status(ctx, raw); err != nil || status != domain.TokenStatusUsed {
		t.Errorf("status = %s, %v, want used", status, err)
	}
	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "token_id="+token.ID.String()) {
		t.Errorf("log = %q, want a WARN line with token_id=%s", out, token.ID)
	}
}

func TestExchange(t *testing.T) {
	env := newTestEnv(t, nil)
	confirmed, _ := env.createToken(t)
	env.tokens.MarkProcessed(context.Background(), confirmed.Token, 42)
	pending, _ := env.createToken(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "not confirmed", body: `{"token":"` + pending.Token + `"}`, wantStatus: http.StatusConflict, wantError: "token_not_confirmed"},
		{name: "unknown", body: `{"token":"nope"}`, wantStatus: http.StatusBadRequest, wantError: "invalid_token"},
		{name: "empty", body: `{}`, wantStatus: http.StatusBadRequest, wantError: "token is required"},
		{name: "malformed", body: `{bad`, wantStatus: http.StatusBadRequest, wantError: "invalid request body"},
		{name: "confirmed", body: `{"token":"` + confirmed.Token + `"}`, wantStatus: http.StatusOK},
		{name: "reused", body: `{"token":"` + confirmed.Token + `"}`, wantStatus: http.StatusGone, wantError: "token_expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/auth/telegram/exchange", bytes.NewBufferString(tt.body))
			req.Header.Set("X-Client-Type", "mobile")
			rec := httptest.NewRecorder()
			env.handler.Exchange(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]any
			json.NewDecoder(rec.Body).Decode(&body)
			if tt.wantError != "" {
				if body["error"] != tt.wantError {
					t.Errorf("error = %v, want %q", body["error"], tt.wantError)
				}
				return
			}
			access, _ := body["access_token"].(string)
			if _, err := env.sessions.ValidateAccessToken(access); err != nil {
				t.Errorf("access_token does not validate: %v", err)
			}
		})
	}
}

func TestDeepLink(t *testing.T) {
	if got := DeepLink("domos_bot", "abc-_123"); got != "https://t.me/domos_bot?start=abc-_123" {
		t.Errorf("DeepLink = %q", got)
	}
	if got := pollSeconds(2500 * time.Millisecond); got != 3 {
		t.Errorf("pollSeconds(2.5s) = %d, want 3", got)
	}
	if !strings.HasPrefix(DeepLink("bot", "x"), "https://t.me/") {
		t.Error("DeepLink should point at t.me")
	}
}
