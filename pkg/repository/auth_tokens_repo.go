package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
)

const authTokenColumns = `id, token_hash, session_key, telegram_id, status, created_at, processed_at, used_at, expired_at`

// AuthTokensRepository handles login token persistence.
type AuthTokensRepository struct {
	db *sql.DB
}

// NewAuthTokensRepository creates a new auth tokens repository.
func NewAuthTokensRepository(db *sql.DB) *AuthTokensRepository {
	return &AuthTokensRepository{db: db}
}

// CreateToken expires the session's outstanding tokens and inserts the new one
// in a single transaction.
func (r *AuthTokensRepository) CreateToken(ctx context.Context, token *domain.AuthToken) error {
	return Tx(ctx, r.db, func(tx *sql.Tx) error {
		if token.SessionKey != "" {
			if err := r.supersedeTx(ctx, tx, token.SessionKey, token.CreatedAt); err != nil {
				return err
			}
		}
		query := `
			INSERT INTO auth_tokens (id, token_hash, session_key, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		_, err := tx.ExecContext(ctx, query,
			token.ID, token.TokenHash, token.SessionKey, string(token.Status), token.CreatedAt,
		)
		return err
	})
}

func (r *AuthTokensRepository) supersedeTx(ctx context.Context, q Querier, sessionKey string, at time.Time) error {
	query := `
		UPDATE auth_tokens
		SET status = 'expired', expired_at = $2
		WHERE session_key = $1 AND status IN ('pending', 'processed')
	`
	_, err := q.ExecContext(ctx, query, sessionKey, at)
	return err
}

// GetTokenByHash retrieves a token by its hash.
func (r *AuthTokensRepository) GetTokenByHash(ctx context.Context, tokenHash string) (*domain.AuthToken, error) {
	query := `SELECT ` + authTokenColumns + ` FROM auth_tokens WHERE token_hash = $1`
	return scanAuthToken(r.db.QueryRowContext(ctx, query, tokenHash))
}

// TransitionToken performs a conditional single-row update. The status
// equality and creation-window checks are part of the UPDATE itself, so two
// concurrent transitions from the same status cannot both succeed.
func (r *AuthTokensRepository) TransitionToken(ctx context.Context, tr domain.TokenTransition) (*domain.AuthToken, error) {
	query := `
		UPDATE auth_tokens
		SET status = $3::text,
		    telegram_id = COALESCE($4, telegram_id),
		    processed_at = CASE WHEN $3::text = 'processed' THEN $5 ELSE processed_at END,
		    used_at = CASE WHEN $3::text = 'used' THEN $5 ELSE used_at END,
		    expired_at = CASE WHEN $3::text = 'expired' THEN $5 ELSE expired_at END
		WHERE token_hash = $1
		  AND status = $2::text
		  AND ($6::timestamptz IS NULL OR created_at >= $6::timestamptz)
		RETURNING ` + authTokenColumns
	token, err := scanAuthToken(r.db.QueryRowContext(ctx, query,
		tr.TokenHash, string(tr.From), string(tr.To), nullInt64(tr.TelegramID), tr.At, nullTime(tr.NotBefore),
	))
	if errors.Is(err, domain.ErrAuthTokenNotFound) {
		if _, getErr := r.GetTokenByHash(ctx, tr.TokenHash); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrPreconditionFailed
	}
	return token, err
}

// DeleteTokensBefore deletes tokens created before cutoff.
func (r *AuthTokensRepository) DeleteTokensBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanAuthToken(row *sql.Row) (*domain.AuthToken, error) {
	var (
		token       domain.AuthToken
		status      string
		telegramID  sql.NullInt64
		processedAt sql.NullTime
		usedAt      sql.NullTime
		expiredAt   sql.NullTime
	)
	err := row.Scan(
		&token.ID, &token.TokenHash, &token.SessionKey, &telegramID, &status,
		&token.CreatedAt, &processedAt, &usedAt, &expiredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAuthTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	token.Status = domain.TokenStatus(status)
	token.TelegramID = int64Ptr(telegramID)
	token.CreatedAt = token.CreatedAt.UTC()
	token.ProcessedAt = timePtr(processedAt)
	token.UsedAt = timePtr(usedAt)
	token.ExpiredAt = timePtr(expiredAt)
	return &token, nil
}
