package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/google/uuid"
)

const authCodeColumns = `id, phone, code_hash, telegram_id, status, attempts, max_attempts, created_at, verified_at`

// AuthCodesRepository handles phone verification code persistence.
type AuthCodesRepository struct {
	db *sql.DB
}

// NewAuthCodesRepository creates a new auth codes repository.
func NewAuthCodesRepository(db *sql.DB) *AuthCodesRepository {
	return &AuthCodesRepository{db: db}
}

// CreateCode expires pending codes for the phone and inserts the new code.
func (r *AuthCodesRepository) CreateCode(ctx context.Context, code *domain.AuthCode) error {
	return Tx(ctx, r.db, func(tx *sql.Tx) error {
		revoke := `
			UPDATE auth_codes
			SET status = 'expired'
			WHERE phone = $1 AND status = 'pending'
		`
		if _, err := tx.ExecContext(ctx, revoke, code.Phone); err != nil {
			return err
		}
		insert := `
			INSERT INTO auth_codes (id, phone, code_hash, telegram_id, status, attempts, max_attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err := tx.ExecContext(ctx, insert,
			code.ID, code.Phone, code.CodeHash, nullInt64(code.TelegramID), string(code.Status),
			code.Attempts, code.MaxAttempts, code.CreatedAt,
		)
		return err
	})
}

// GetLatestCode retrieves the most recently issued code for a phone, whatever
// its status. Issue order comes from the seq identity column, since two codes
// can share a created_at.
func (r *AuthCodesRepository) GetLatestCode(ctx context.Context, phone string) (*domain.AuthCode, error) {
	query := `
		SELECT ` + authCodeColumns + `
		FROM auth_codes
		WHERE phone = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	return scanAuthCode(r.db.QueryRowContext(ctx, query, phone))
}

// GetCode retrieves a code by ID.
func (r *AuthCodesRepository) GetCode(ctx context.Context, id uuid.UUID) (*domain.AuthCode, error) {
	query := `SELECT ` + authCodeColumns + ` FROM auth_codes WHERE id = $1`
	return scanAuthCode(r.db.QueryRowContext(ctx, query, id))
}

// IncrementCodeAttempts increments attempts on a pending code, locking it once
// the limit is reached.
func (r *AuthCodesRepository) IncrementCodeAttempts(ctx context.Context, id uuid.UUID) (*domain.AuthCode, error) {
	query := `
		UPDATE auth_codes
		SET attempts = attempts + 1,
		    status = CASE
		        WHEN max_attempts > 0 AND attempts + 1 >= max_attempts THEN 'locked'
		        ELSE status
		    END
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + authCodeColumns
	code, err := scanAuthCode(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, domain.ErrAuthCodeNotFound) {
		return nil, r.preconditionOrNotFound(ctx, id)
	}
	return code, err
}

// TransitionCode performs a conditional single-row status update.
func (r *AuthCodesRepository) TransitionCode(ctx context.Context, tr domain.CodeTransition) (*domain.AuthCode, error) {
	query := `
		UPDATE auth_codes
		SET status = $3::text,
		    telegram_id = COALESCE($4, telegram_id),
		    verified_at = CASE WHEN $3::text = 'verified' THEN $5 ELSE verified_at END
		WHERE id = $1
		  AND status = $2::text
		  AND ($6::timestamptz IS NULL OR created_at >= $6::timestamptz)
		RETURNING ` + authCodeColumns
	code, err := scanAuthCode(r.db.QueryRowContext(ctx, query,
		tr.ID, string(tr.From), string(tr.To), nullInt64(tr.TelegramID), tr.At, nullTime(tr.NotBefore),
	))
	if errors.Is(err, domain.ErrAuthCodeNotFound) {
		return nil, r.preconditionOrNotFound(ctx, tr.ID)
	}
	return code, err
}

// DeleteCodesBefore deletes codes created before cutoff.
func (r *AuthCodesRepository) DeleteCodesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *AuthCodesRepository) preconditionOrNotFound(ctx context.Context, id uuid.UUID) error {
	if _, err := r.GetCode(ctx, id); err != nil {
		return err
	}
	return domain.ErrPreconditionFailed
}

func scanAuthCode(row *sql.Row) (*domain.AuthCode, error) {
	var (
		code       domain.AuthCode
		status     string
		telegramID sql.NullInt64
		verifiedAt sql.NullTime
	)
	err := row.Scan(
		&code.ID, &code.Phone, &code.CodeHash, &telegramID, &status,
		&code.Attempts, &code.MaxAttempts, &code.CreatedAt, &verifiedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAuthCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	code.Status = domain.CodeStatus(status)
	code.TelegramID = int64Ptr(telegramID)
	code.CreatedAt = code.CreatedAt.UTC()
	code.VerifiedAt = timePtr(verifiedAt)
	return &code, nil
}
