package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/42yash/pyk8s-labs/internal/domain"
)

const userColumns = `id, email, password_hash, created_at`

// CreateUser inserts a user. A taken email surfaces as ErrConflict.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	return mapError(err)
}

// GetUserByEmail expects email already lower-cased.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return r.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *Repository) queryUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, mapError(err)
	}
	user, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByPos[domain.User])
	if err != nil {
		return nil, mapError(err)
	}
	return user, nil
}
