// Package memory is an in-process implementation of the repository
// interfaces, used for STORAGE_DRIVER=memory and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/repository"
)

// Store keeps users, teams and clusters in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	users    map[string]domain.User
	teams    map[string]domain.Team
	members  map[string]map[string]domain.TeamMember
	clusters map[string]domain.Cluster
	now      func() time.Time
}

var (
	_ repository.UserRepository    = (*Store)(nil)
	_ repository.TeamRepository    = (*Store)(nil)
	_ repository.ClusterRepository = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]domain.User),
		teams:    make(map[string]domain.Team),
		members:  make(map[string]map[string]domain.TeamMember),
		clusters: make(map[string]domain.Cluster),
		now:      time.Now,
	}
}

func cloneCluster(c domain.Cluster) domain.Cluster {
	if c.EncryptedKubeconfig != nil {
		c.EncryptedKubeconfig = append([]byte(nil), c.EncryptedKubeconfig...)
	}
	if c.TeamID != nil {
		team := *c.TeamID
		c.TeamID = &team
	}
	return c
}

// CreateUser inserts a user.
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return repository.ErrConflict
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrConflict
		}
	}
	s.users[user.ID] = *user
	return nil
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetUserByID retrieves a user by identifier.
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

// CreateTeam creates a team record.
func (s *Store) CreateTeam(_ context.Context, team *domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[team.OwnerID]; !ok {
		return repository.ErrNotFound
	}
	for _, existing := range s.teams {
		if existing.Name == team.Name {
			return repository.ErrConflict
		}
	}
	s.teams[team.ID] = *team
	return nil
}

// UpsertMember adds or updates a team member.
func (s *Store) UpsertMember(_ context.Context, member *domain.TeamMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[member.TeamID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.users[member.UserID]; !ok {
		return repository.ErrNotFound
	}
	set, ok := s.members[member.TeamID]
	if !ok {
		set = make(map[string]domain.TeamMember)
		s.members[member.TeamID] = set
	}
	if existing, ok := set[member.UserID]; ok {
		existing.Role = member.Role
		set[member.UserID] = existing
		return nil
	}
	set[member.UserID] = *member
	return nil
}

// GetTeamByID returns a team by identifier.
func (s *Store) GetTeamByID(_ context.Context, teamID string) (*domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

// GetMember returns the membership of userID in teamID.
func (s *Store) GetMember(_ context.Context, teamID, userID string) (*domain.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[teamID][userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

// ListTeamsByUser returns teams the user belongs to.
func (s *Store) ListTeamsByUser(_ context.Context, userID string) ([]domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	teams := make([]domain.Team, 0)
	for teamID, set := range s.members {
		if _, ok := set[userID]; ok {
			teams = append(teams, s.teams[teamID])
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].CreatedAt.After(teams[j].CreatedAt) })
	return teams, nil
}

func sameScope(a, b domain.Cluster) bool {
	if a.TeamID != nil || b.TeamID != nil {
		return a.TeamID != nil && b.TeamID != nil && *a.TeamID == *b.TeamID
	}
	return a.UserID == b.UserID
}

// CreateCluster inserts a new cluster record.
func (s *Store) CreateCluster(_ context.Context, cluster *domain.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[cluster.ID]; ok {
		return repository.ErrConflict
	}
	for _, existing := range s.clusters {
		if existing.Name == cluster.Name && sameScope(existing, *cluster) {
			return repository.ErrConflict
		}
		if cluster.BackingName != "" && existing.BackingName == cluster.BackingName && existing.Provider == cluster.Provider {
			return repository.ErrConflict
		}
	}
	cluster.UpdatedAt = cluster.CreatedAt
	s.clusters[cluster.ID] = cloneCluster(*cluster)
	return nil
}

// GetCluster fetches a cluster by id.
func (s *Store) GetCluster(_ context.Context, id string) (*domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneCluster(c)
	return &out, nil
}

func (s *Store) filter(keep func(domain.Cluster) bool, less func(a, b domain.Cluster) bool) []domain.Cluster {
	out := make([]domain.Cluster, 0)
	for _, c := range s.clusters {
		if keep(c) {
			out = append(out, cloneCluster(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// ListClustersForUser returns personal and team clusters visible to userID.
func (s *Store) ListClustersForUser(_ context.Context, userID string) ([]domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(c domain.Cluster) bool {
		if c.TeamID == nil {
			return c.UserID == userID
		}
		_, member := s.members[*c.TeamID][userID]
		return member
	}, func(a, b domain.Cluster) bool { return a.CreatedAt.After(b.CreatedAt) }), nil
}

// ListExpiredClusters returns clusters whose lease deadline is at or before now.
func (s *Store) ListExpiredClusters(_ context.Context, now time.Time) ([]domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(c domain.Cluster) bool { return c.Expired(now) },
		func(a, b domain.Cluster) bool { return a.LeaseExpiresAt.Before(b.LeaseExpiresAt) }), nil
}

// ListClustersByStatus returns every cluster in status.
func (s *Store) ListClustersByStatus(_ context.Context, status domain.Status) ([]domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(c domain.Cluster) bool { return c.Status == status },
		func(a, b domain.Cluster) bool { return a.UpdatedAt.Before(b.UpdatedAt) }), nil
}

// CompleteProvisioning records the outcome of a provisioning workflow.
func (s *Store) CompleteProvisioning(_ context.Context, id string, status domain.Status, kubeconfig []byte) (*domain.Cluster, error) {
	if status != domain.StatusRunning && status != domain.StatusError {
		return nil, fmt.Errorf("%w: provisioning cannot end in %s", domain.ErrInvalidTransition, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.Status != domain.StatusProvisioning {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, status)
	}
	c.Status = status
	c.EncryptedKubeconfig = nil
	if status == domain.StatusRunning {
		c.EncryptedKubeconfig = append([]byte(nil), kubeconfig...)
	}
	c.UpdatedAt = s.now().UTC()
	s.clusters[id] = c
	out := cloneCluster(c)
	return &out, nil
}

// MarkDeleting atomically moves a cluster into DELETING.
func (s *Store) MarkDeleting(_ context.Context, id string) (*domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.Status == domain.StatusDeleting {
		return nil, domain.ErrAlreadyDeleting
	}
	c.Status = domain.StatusDeleting
	c.UpdatedAt = s.now().UTC()
	s.clusters[id] = c
	out := cloneCluster(c)
	return &out, nil
}

// DeleteCluster removes a DELETING cluster record.
func (s *Store) DeleteCluster(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !c.Status.CanTransition(domain.StatusDeleted) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, domain.StatusDeleted)
	}
	delete(s.clusters, id)
	return nil
}
