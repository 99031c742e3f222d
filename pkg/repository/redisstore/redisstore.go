// Package redisstore implements the auth token and code stores on Redis.
// Every mutation runs as a single Lua script, so the status precondition and
// the write it guards are atomic. Keys carry a TTL equal to the configured
// retention, which replaces the SQL sweeper.
//
// The scripts touch keys derived from stored values (session and phone
// indexes), so the store targets a standalone Redis, not Redis Cluster.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	_ repository.AuthTokenStore = (*Store)(nil)
	_ repository.AuthCodeStore  = (*Store)(nil)
)

const (
	resultMissing      = 0
	resultPrecondition = -1
)

var createTokenScript = redis.NewScript(`
	local session = ARGV[3]
	if session ~= '' then
		local members = redis.call('SMEMBERS', KEYS[2])
		for _, h in ipairs(members) do
			local k = ARGV[7] .. h
			local st = redis.call('HGET', k, 'status')
			if st == 'pending' or st == 'processed' then
				redis.call('HSET', k, 'status', 'expired', 'expired_at', ARGV[5])
			elseif not st then
				redis.call('SREM', KEYS[2], h)
			end
		end
		redis.call('SADD', KEYS[2], ARGV[2])
		redis.call('PEXPIRE', KEYS[2], ARGV[6])
	end
	redis.call('HSET', KEYS[1], 'id', ARGV[1], 'token_hash', ARGV[2], 'session_key', session,
		'status', ARGV[4], 'created_at', ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[6])
	return 1
`)

var transitionTokenScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
	if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then return -1 end
	if ARGV[5] ~= '' then
		local created = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
		if created < tonumber(ARGV[5]) then return -1 end
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[2])
	if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'telegram_id', ARGV[3]) end
	if ARGV[2] == 'processed' then
		redis.call('HSET', KEYS[1], 'processed_at', ARGV[4])
	elseif ARGV[2] == 'used' then
		redis.call('HSET', KEYS[1], 'used_at', ARGV[4])
	elseif ARGV[2] == 'expired' then
		redis.call('HSET', KEYS[1], 'expired_at', ARGV[4])
	end
	return redis.call('HGETALL', KEYS[1])
`)

var createCodeScript = redis.NewScript(`
	local prev = redis.call('GET', KEYS[2])
	if prev then
		local pk = ARGV[10] .. prev
		if redis.call('HGET', pk, 'status') == 'pending' then
			redis.call('HSET', pk, 'status', 'expired')
		end
	end
	redis.call('HSET', KEYS[1], 'id', ARGV[1], 'phone', ARGV[2], 'code_hash', ARGV[3],
		'telegram_id', ARGV[4], 'status', ARGV[5], 'attempts', ARGV[6],
		'max_attempts', ARGV[7], 'created_at', ARGV[8])
	redis.call('PEXPIRE', KEYS[1], ARGV[9])
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[9])
	return 1
`)

var incrementCodeScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
	if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then return -1 end
	local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
	local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
	if max > 0 and attempts >= max then
		redis.call('HSET', KEYS[1], 'status', 'locked')
	end
	return redis.call('HGETALL', KEYS[1])
`)

var transitionCodeScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
	if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then return -1 end
	if ARGV[5] ~= '' then
		local created = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
		if created < tonumber(ARGV[5]) then return -1 end
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[2])
	if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'telegram_id', ARGV[3]) end
	if ARGV[2] == 'verified' then
		redis.call('HSET', KEYS[1], 'verified_at', ARGV[4])
	end
	return redis.call('HGETALL', KEYS[1])
`)

// Store persists tokens and codes in Redis hashes.
type Store struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// New creates a Redis store. Keys are namespaced by prefix and expire after
// retention.
func New(client *redis.Client, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "clubauth:"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{client: client, prefix: prefix, retention: retention}
}

func (s *Store) tokenPrefix() string { return s.prefix + "token:" }

func (s *Store) tokenKey(hash string) string { return s.tokenPrefix() + hash }

func (s *Store) sessionKey(key string) string { return s.prefix + "session:" + key }

func (s *Store) codePrefix() string { return s.prefix + "code:" }

func (s *Store) codeKey(id uuid.UUID) string { return s.codePrefix() + id.String() }

func (s *Store) phoneKey(phone string) string { return s.prefix + "phone:" + phone }

func (s *Store) CreateToken(ctx context.Context, token *domain.AuthToken) error {
	keys := []string{s.tokenKey(token.TokenHash), s.sessionKey(token.SessionKey)}
	err := createTokenScript.Run(ctx, s.client, keys,
		token.ID.String(),
		token.TokenHash,
		token.SessionKey,
		string(token.Status),
		micros(token.CreatedAt),
		s.retention.Milliseconds(),
		s.tokenPrefix(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis store: create token: %w", err)
	}
	return nil
}

func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*domain.AuthToken, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: get token: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrAuthTokenNotFound
	}
	return parseToken(fields)
}

func (s *Store) TransitionToken(ctx context.Context, tr domain.TokenTransition) (*domain.AuthToken, error) {
	notBefore := ""
	if !tr.NotBefore.IsZero() {
		notBefore = strconv.FormatInt(tr.NotBefore.UnixMicro(), 10)
	}
	res, err := transitionTokenScript.Run(ctx, s.client, []string{s.tokenKey(tr.TokenHash)},
		string(tr.From),
		string(tr.To),
		optionalInt(tr.TelegramID),
		micros(tr.At),
		notBefore,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: transition token: %w", err)
	}
	fields, err := scriptResult(res, domain.ErrAuthTokenNotFound)
	if err != nil {
		return nil, err
	}
	return parseToken(fields)
}

// DeleteTokensBefore is a no-op: token keys expire on their own.
func (s *Store) DeleteTokensBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *Store) CreateCode(ctx context.Context, code *domain.AuthCode) error {
	keys := []string{s.codeKey(code.ID), s.phoneKey(code.Phone)}
	err := createCodeScript.Run(ctx, s.client, keys,
		code.ID.String(),
		code.Phone,
		code.CodeHash,
		optionalInt(code.TelegramID),
		string(code.Status),
		code.Attempts,
		code.MaxAttempts,
		micros(code.CreatedAt),
		s.retention.Milliseconds(),
		s.codePrefix(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis store: create code: %w", err)
	}
	return nil
}

// GetLatestCode follows the phone index, which always points at the newest
// code issued for the phone.
func (s *Store) GetLatestCode(ctx context.Context, phone string) (*domain.AuthCode, error) {
	id, err := s.client.Get(ctx, s.phoneKey(phone)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrAuthCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: get latest code: %w", err)
	}
	codeID, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ErrAuthCodeNotFound
	}
	return s.GetCode(ctx, codeID)
}

func (s *Store) GetCode(ctx context.Context, id uuid.UUID) (*domain.AuthCode, error) {
	fields, err := s.client.HGetAll(ctx, s.codeKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: get code: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrAuthCodeNotFound
	}
	return parseCode(fields)
}

func (s *Store) IncrementCodeAttempts(ctx context.Context, id uuid.UUID) (*domain.AuthCode, error) {
	res, err := incrementCodeScript.Run(ctx, s.client, []string{s.codeKey(id)}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: increment attempts: %w", err)
	}
	fields, err := scriptResult(res, domain.ErrAuthCodeNotFound)
	if err != nil {
		return nil, err
	}
	return parseCode(fields)
}

func (s *Store) TransitionCode(ctx context.Context, tr domain.CodeTransition) (*domain.AuthCode, error) {
	notBefore := ""
	if !tr.NotBefore.IsZero() {
		notBefore = strconv.FormatInt(tr.NotBefore.UnixMicro(), 10)
	}
	res, err := transitionCodeScript.Run(ctx, s.client, []string{s.codeKey(tr.ID)},
		string(tr.From),
		string(tr.To),
		optionalInt(tr.TelegramID),
		micros(tr.At),
		notBefore,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: transition code: %w", err)
	}
	fields, err := scriptResult(res, domain.ErrAuthCodeNotFound)
	if err != nil {
		return nil, err
	}
	return parseCode(fields)
}

// DeleteCodesBefore is a no-op: code keys expire on their own.
func (s *Store) DeleteCodesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// scriptResult converts a script reply into hash fields. Integer replies
// signal a missing key or a failed precondition.
func scriptResult(res any, notFound error) (map[string]string, error) {
	switch v := res.(type) {
	case int64:
		if v == resultMissing {
			return nil, notFound
		}
		if v == resultPrecondition {
			return nil, domain.ErrPreconditionFailed
		}
		return nil, fmt.Errorf("redis store: unexpected script result %d", v)
	case []any:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			key, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[key] = val
		}
		return fields, nil
	}
	return nil, fmt.Errorf("redis store: unexpected script result type %T", res)
}

func parseToken(fields map[string]string) (*domain.AuthToken, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("redis store: parse token id: %w", err)
	}
	token := &domain.AuthToken{
		ID:          id,
		TokenHash:   fields["token_hash"],
		SessionKey:  fields["session_key"],
		Status:      domain.TokenStatus(fields["status"]),
		TelegramID:  parseOptionalInt(fields["telegram_id"]),
		ProcessedAt: parseOptionalTime(fields["processed_at"]),
		UsedAt:      parseOptionalTime(fields["used_at"]),
		ExpiredAt:   parseOptionalTime(fields["expired_at"]),
	}
	if created := parseOptionalTime(fields["created_at"]); created != nil {
		token.CreatedAt = *created
	}
	return token, nil
}

func parseCode(fields map[string]string) (*domain.AuthCode, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("redis store: parse code id: %w", err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	code := &domain.AuthCode{
		ID:          id,
		Phone:       fields["phone"],
		CodeHash:    fields["code_hash"],
		TelegramID:  parseOptionalInt(fields["telegram_id"]),
		Status:      domain.CodeStatus(fields["status"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		VerifiedAt:  parseOptionalTime(fields["verified_at"]),
	}
	if created := parseOptionalTime(fields["created_at"]); created != nil {
		code.CreatedAt = *created
	}
	return code, nil
}

// micros encodes timestamps as Unix microseconds so Lua can compare them
// without losing precision.
func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func optionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func parseOptionalInt(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMicro(v).UTC()
	return &t
}
