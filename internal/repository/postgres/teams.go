package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/42yash/pyk8s-labs/internal/domain"
)

// CreateTeam inserts the team row. The owner membership is added separately.
func (r *Repository) CreateTeam(ctx context.Context, team *domain.Team) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO teams (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
		team.ID, team.Name, team.OwnerID, team.CreatedAt)
	return mapError(err)
}

// UpsertMember adds a member or changes the role of an existing one.
func (r *Repository) UpsertMember(ctx context.Context, member *domain.TeamMember) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO team_members (team_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		member.TeamID, member.UserID, member.Role, member.CreatedAt)
	return mapError(err)
}

func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, owner_id, created_at FROM teams WHERE id = $1`, teamID)
	if err != nil {
		return nil, mapError(err)
	}
	team, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByPos[domain.Team])
	if err != nil {
		return nil, mapError(err)
	}
	return team, nil
}

// GetMember returns ErrNotFound when userID is not in teamID.
func (r *Repository) GetMember(ctx context.Context, teamID, userID string) (*domain.TeamMember, error) {
	rows, err := r.pool.Query(ctx, `SELECT team_id, user_id, role, created_at
		FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return nil, mapError(err)
	}
	member, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByPos[domain.TeamMember])
	if err != nil {
		return nil, mapError(err)
	}
	return member, nil
}

// ListTeamsByUser returns the user's teams, newest first.
func (r *Repository) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error) {
	rows, err := r.pool.Query(ctx, `SELECT t.id, t.name, t.owner_id, t.created_at
		FROM teams t
		JOIN team_members tm ON tm.team_id = t.id
		WHERE tm.user_id = $1
		ORDER BY t.created_at DESC`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[domain.Team])
}
