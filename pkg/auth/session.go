package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultSessionTTL is the lifetime of a web session.
const DefaultSessionTTL = 24 * time.Hour

// SessionConfig holds session configuration.
type SessionConfig struct {
	TTL                time.Duration
	JWTSecret          []byte
	Issuer             string
	FingerprintEnabled bool
}

// SessionService issues and validates web sessions. Sessions are signed
// JWTs carrying the typed identity; nothing is stored server side.
type SessionService struct {
	config  SessionConfig
	members repository.MemberDirectory
	logger  *slog.Logger
}

// NewSessionService creates a new session service. members may be nil, in
// which case sessions carry only the Telegram id.
func NewSessionService(config SessionConfig, members repository.MemberDirectory, logger *slog.Logger) *SessionService {
	if config.TTL == 0 {
		config.TTL = DefaultSessionTTL
	}
	return &SessionService{
		config:  config,
		members: members,
		logger:  logger,
	}
}

// TTL returns the session TTL.
func (s *SessionService) TTL() time.Duration {
	return s.config.TTL
}

// AccessTokenClaims represents the claims in a session token.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	TelegramID  int64  `json:"tg_id"`
	MemberID    string `json:"member_id,omitempty"`
	Method      string `json:"amr,omitempty"`
	Fingerprint string `json:"fph,omitempty"`
}

// Identity returns the typed identity carried by the claims.
func (c *AccessTokenClaims) Identity() domain.Identity {
	id := domain.Identity{TelegramID: c.TelegramID}
	if c.MemberID != "" {
		if memberID, err := uuid.Parse(c.MemberID); err == nil {
			id.MemberID = memberID
		}
	}
	return id
}

// Login methods recorded in the session.
const (
	MethodTelegram = "telegram"
	MethodPhone    = "phone"
	MethodRefresh  = "refresh"
)

// IssueSessionOpts holds options for session issuance.
type IssueSessionOpts struct {
	// Method is the login method that authenticated the identity.
	Method string
	// Request is the HTTP request (for fingerprinting)
	Request *http.Request
}

// IssueSession signs a session for the identity. When the identity has no
// member id yet it is looked up by Telegram id; a member that is not in the
// directory still gets a session.
func (s *SessionService) IssueSession(ctx context.Context, identity domain.Identity, opts IssueSessionOpts) (*domain.TokenPair, error) {
	if identity.TelegramID == 0 {
		return nil, domain.ErrInvalidToken
	}
	if identity.MemberID == uuid.Nil && s.members != nil {
		member, err := s.members.GetByTelegramID(ctx, identity.TelegramID)
		switch {
		case err == nil:
			identity.MemberID = member.ID
		case !errors.Is(err, domain.ErrMemberNotFound):
			return nil, err
		}
	}

	now := time.Now()
	expiresAt := now.Add(s.config.TTL)
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(identity.TelegramID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    s.config.Issuer,
			ID:        uuid.NewString(),
		},
		TelegramID: identity.TelegramID,
		Method:     opts.Method,
	}
	if identity.MemberID != uuid.Nil {
		claims.MemberID = identity.MemberID.String()
	}
	if s.config.FingerprintEnabled && opts.Request != nil {
		claims.Fingerprint = Fingerprint(opts.Request)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	accessToken, err := token.SignedString(s.config.JWTSecret)
	if err != nil {
		return nil, err
	}

	s.logger.Info("session issued", "telegram_id", identity.TelegramID, "method", opts.Method)
	return &domain.TokenPair{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.config.TTL.Seconds()),
		ExpiresAt:   expiresAt,
	}, nil
}

// ValidateAccessToken validates a session token and returns the claims.
func (s *SessionService) ValidateAccessToken(tokenString string) (*AccessTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return s.config.JWTSecret, nil
	})
	if err != nil {
		return nil, domain.ErrInvalidToken
	}

	claims, ok := token.Claims.(*AccessTokenClaims)
	if !ok || !token.Valid || claims.TelegramID == 0 {
		return nil, domain.ErrInvalidToken
	}

	return claims, nil
}

// Authenticate validates a session token presented with r and returns the
// identity it carries. Fingerprinted sessions must come from the same client.
func (s *SessionService) Authenticate(r *http.Request, tokenString string) (domain.Identity, error) {
	claims, err := s.ValidateAccessToken(tokenString)
	if err != nil {
		return domain.Identity{}, err
	}
	if s.config.FingerprintEnabled && claims.Fingerprint != "" && claims.Fingerprint != Fingerprint(r) {
		s.logger.Warn("session fingerprint mismatch", "telegram_id", claims.TelegramID)
		return domain.Identity{}, domain.ErrInvalidToken
	}
	return claims.Identity(), nil
}
