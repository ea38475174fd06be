package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.AccountLinkRepository = (*Repository)(nil)
	_ repository.JobRepository         = (*Repository)(nil)
)

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.PasswordHash, user.CreatedAt)
	return mapWriteError(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email)))
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UpsertAccountLink stores an external account link, replacing any previous one.
func (r *Repository) UpsertAccountLink(ctx context.Context, link *domain.AccountLink) error {
	if link == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO account_links (user_id, provider, login, token, status, linked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			login = EXCLUDED.login,
			token = EXCLUDED.token,
			status = EXCLUDED.status,
			linked_at = EXCLUDED.linked_at,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, link.UserID, strings.ToLower(link.Provider), link.Login, link.Token, link.Status, link.LinkedAt)
	return mapWriteError(err)
}

// GetAccountLink returns the link for a user and provider.
func (r *Repository) GetAccountLink(ctx context.Context, userID, provider string) (*domain.AccountLink, error) {
	const query = `SELECT user_id, provider, login, token, status, linked_at, updated_at
		FROM account_links WHERE user_id = $1 AND provider = $2`
	row := r.pool.QueryRow(ctx, query, userID, strings.ToLower(provider))
	var link domain.AccountLink
	if err := row.Scan(&link.UserID, &link.Provider, &link.Login, &link.Token, &link.Status, &link.LinkedAt, &link.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &link, nil
}

// RevokeAccountLink marks a link revoked and clears the stored token.
func (r *Repository) RevokeAccountLink(ctx context.Context, userID, provider string) error {
	const query = `UPDATE account_links SET status = $3, token = NULL, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2`
	tag, err := r.pool.Exec(ctx, query, userID, strings.ToLower(provider), domain.AccountLinkStatusRevoked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23502", "23514":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
