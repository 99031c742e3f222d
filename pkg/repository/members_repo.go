package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/domosclub/clubauth/pkg/domain"
)

const memberColumns = `id, phone, telegram_id, telegram_username, name, created_at, updated_at`

// MembersRepository reads the club member directory.
type MembersRepository struct {
	db *sql.DB
}

// NewMembersRepository creates a new members repository.
func NewMembersRepository(db *sql.DB) *MembersRepository {
	return &MembersRepository{db: db}
}

// Create inserts a member.
func (r *MembersRepository) Create(ctx context.Context, member *domain.Member) error {
	query := `
		INSERT INTO members (id, phone, telegram_id, telegram_username, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		member.ID, member.Phone, nullTelegramID(member.TelegramID), member.TelegramUsername, member.Name,
		member.CreatedAt, member.UpdatedAt,
	)
	return err
}

// GetByPhone retrieves a member by normalized phone.
func (r *MembersRepository) GetByPhone(ctx context.Context, phone string) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE phone = $1`
	return scanMember(r.db.QueryRowContext(ctx, query, phone))
}

// GetByTelegramUsername retrieves a member by Telegram handle, case-insensitively
// and with or without the leading @.
func (r *MembersRepository) GetByTelegramUsername(ctx context.Context, username string) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE lower(telegram_username) = $1`
	return scanMember(r.db.QueryRowContext(ctx, query, NormalizeHandle(username)))
}

// GetByTelegramID retrieves a member by Telegram user id.
func (r *MembersRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE telegram_id = $1`
	return scanMember(r.db.QueryRowContext(ctx, query, telegramID))
}

// NormalizeHandle lowercases a Telegram handle and strips the leading @.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func scanMember(row *sql.Row) (*domain.Member, error) {
	var telegramID sql.NullInt64
	member := &domain.Member{}
	err := row.Scan(
		&member.ID, &member.Phone, &telegramID, &member.TelegramUsername, &member.Name,
		&member.CreatedAt, &member.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	member.TelegramID = telegramID.Int64
	return member, nil
}

// nullTelegramID stores members without a linked Telegram account as NULL.
func nullTelegramID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
