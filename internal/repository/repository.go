package repository

import (
	"context"
	"time"

	"github.com/42yash/pyk8s-labs/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// TeamRepository manages teams and memberships.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	UpsertMember(ctx context.Context, member *domain.TeamMember) error
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
	GetMember(ctx context.Context, teamID, userID string) (*domain.TeamMember, error)
	ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error)
}

// ClusterRepository persists cluster records. Status changes are guarded by
// the lifecycle rules in domain.Status.CanTransition.
type ClusterRepository interface {
	// CreateCluster inserts a PROVISIONING record. Returns ErrConflict when
	// the name is taken within the owner scope.
	CreateCluster(ctx context.Context, cluster *domain.Cluster) error
	GetCluster(ctx context.Context, id string) (*domain.Cluster, error)
	// ListClustersForUser returns personal clusters of userID and clusters
	// of every team userID belongs to.
	ListClustersForUser(ctx context.Context, userID string) ([]domain.Cluster, error)
	ListExpiredClusters(ctx context.Context, now time.Time) ([]domain.Cluster, error)
	ListClustersByStatus(ctx context.Context, status domain.Status) ([]domain.Cluster, error)
	// CompleteProvisioning moves a PROVISIONING record to RUNNING or ERROR
	// and stores the sealed credential. Any other current status yields
	// domain.ErrInvalidTransition.
	CompleteProvisioning(ctx context.Context, id string, status domain.Status, kubeconfig []byte) (*domain.Cluster, error)
	// MarkDeleting sets DELETING unless the record already is DELETING, in
	// which case domain.ErrAlreadyDeleting is returned.
	MarkDeleting(ctx context.Context, id string) (*domain.Cluster, error)
	// DeleteCluster removes a DELETING record.
	DeleteCluster(ctx context.Context, id string) error
}
