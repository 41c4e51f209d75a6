package team

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/repository"
)

var (
	// ErrInvalidTeamName is returned for an empty team name.
	ErrInvalidTeamName = errors.New("team name is required")
	// ErrInvalidRole is returned for an unknown member role.
	ErrInvalidRole = errors.New("invalid team role")
	// ErrNameTaken is returned when the team name exists.
	ErrNameTaken = errors.New("team name already taken")
)

// Service handles team workflows.
type Service struct {
	repo   repository.TeamRepository
	users  repository.UserRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(repo repository.TeamRepository, users repository.UserRepository, logger *slog.Logger) Service {
	return Service{repo: repo, users: users, logger: logger}
}

// Create registers a team for the owner.
func (s Service) Create(ctx context.Context, ownerID, name string) (*domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidTeamName
	}
	now := time.Now().UTC()
	team := &domain.Team{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
	}
	if err := s.repo.CreateTeam(ctx, team); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrNameTaken
		}
		return nil, err
	}
	member := &domain.TeamMember{
		TeamID:    team.ID,
		UserID:    ownerID,
		Role:      domain.RoleOwner,
		CreatedAt: now,
	}
	if err := s.repo.UpsertMember(ctx, member); err != nil {
		return nil, err
	}
	s.logger.Info("team created", "team_id", team.ID, "owner_id", ownerID)
	return team, nil
}

// AddMember adds or updates the membership of the user registered as
// email. Only team owners and admins may do so.
func (s Service) AddMember(ctx context.Context, actorID, teamID, email, role string) (*domain.TeamMember, error) {
	if role == "" {
		role = domain.RoleMember
	}
	if !domain.ValidRole(role) || role == domain.RoleOwner {
		return nil, ErrInvalidRole
	}
	actorRole, err := s.Role(ctx, teamID, actorID)
	if err != nil {
		return nil, err
	}
	if !domain.CanManage(actorRole) {
		return nil, domain.ErrAccessDenied
	}
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	member := &domain.TeamMember{
		TeamID:    teamID,
		UserID:    user.ID,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.UpsertMember(ctx, member); err != nil {
		return nil, err
	}
	s.logger.Info("team member added", "team_id", teamID, "user_id", user.ID, "role", role)
	return member, nil
}

// List returns the teams userID belongs to.
func (s Service) List(ctx context.Context, userID string) ([]domain.Team, error) {
	return s.repo.ListTeamsByUser(ctx, userID)
}

// Role returns the role of userID in teamID, or domain.ErrAccessDenied
// when the user is not a member.
func (s Service) Role(ctx context.Context, teamID, userID string) (string, error) {
	member, err := s.repo.GetMember(ctx, teamID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", domain.ErrAccessDenied
		}
		return "", err
	}
	return member.Role, nil
}
