package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/notify"
	"github.com/42yash/pyk8s-labs/internal/provider"
	"github.com/42yash/pyk8s-labs/internal/repository"
)

var (
	// ErrNameTaken is returned when the name is in use within the owner scope.
	ErrNameTaken = errors.New("cluster name already exists")
	// ErrInvalidTTL is returned for a lease outside the allowed range.
	ErrInvalidTTL = errors.New("invalid ttl_hours")
)

// Scheduler hands workflows to the background workers.
type Scheduler interface {
	SubmitProvisioning(id string) error
	SubmitTeardown(id string) error
}

// Opener decrypts credential blobs.
type Opener interface {
	Open(payload []byte) (string, error)
}

// Options tunes cluster defaults.
type Options struct {
	DefaultProvider string
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
}

// Service handles cluster requests: it validates, persists, announces and
// schedules. It never calls a provider itself.
type Service struct {
	clusters  repository.ClusterRepository
	teams     repository.TeamRepository
	providers provider.Resolver
	scheduler Scheduler
	publisher notify.Publisher
	opener    Opener
	logger    *slog.Logger
	opts      Options

	now func() time.Time
}

// New constructs a Service.
func New(clusters repository.ClusterRepository, teams repository.TeamRepository, providers provider.Resolver, scheduler Scheduler, publisher notify.Publisher, opener Opener, logger *slog.Logger, opts Options) *Service {
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = "kind"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.MaxTTL < opts.DefaultTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	return &Service{
		clusters:  clusters,
		teams:     teams,
		providers: providers,
		scheduler: scheduler,
		publisher: publisher,
		opener:    opener,
		logger:    logger.With("component", "cluster_service"),
		opts:      opts,
		now:       time.Now,
	}
}

// CreateInput is a cluster creation request.
type CreateInput struct {
	Name     string
	Provider string
	TTLHours int
	TeamID   string
}

// Create records a PROVISIONING cluster and schedules its provisioning.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*domain.Cluster, error) {
	name, err := domain.NormalizeName(in.Name)
	if err != nil {
		return nil, err
	}
	providerName := strings.ToLower(strings.TrimSpace(in.Provider))
	if providerName == "" {
		providerName = s.opts.DefaultProvider
	}
	if _, err := s.providers.Get(providerName); err != nil {
		return nil, err
	}
	ttl := s.opts.DefaultTTL
	if in.TTLHours != 0 {
		ttl = time.Duration(in.TTLHours) * time.Hour
		if in.TTLHours < 0 || ttl > s.opts.MaxTTL {
			return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidTTL, int(s.opts.MaxTTL/time.Hour))
		}
	}

	var teamID *string
	if id := strings.TrimSpace(in.TeamID); id != "" {
		if _, err := s.memberRole(ctx, id, userID); err != nil {
			return nil, err
		}
		teamID = &id
	}

	now := s.now().UTC()
	id := uuid.NewString()
	c := &domain.Cluster{
		ID:             id,
		Name:           name,
		BackingName:    domain.BackingNameFor(id),
		Status:         domain.StatusProvisioning,
		Provider:       providerName,
		LeaseExpiresAt: now.Add(ttl),
		UserID:         userID,
		TeamID:         teamID,
		CreatedAt:      now,
	}
	if err := s.clusters.CreateCluster(ctx, c); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %q", ErrNameTaken, name)
		}
		return nil, err
	}
	log := s.logger.With("cluster_id", c.ID, "cluster", c.Name, "user_id", userID)
	log.Info("cluster requested", "provider", providerName, "lease_expires_at", c.LeaseExpiresAt)
	s.publish(ctx, c, domain.StatusProvisioning)

	if err := s.scheduler.SubmitProvisioning(c.ID); err != nil {
		log.Error("failed to schedule provisioning", "error", err)
		if failed, ferr := s.clusters.CompleteProvisioning(context.WithoutCancel(ctx), c.ID, domain.StatusError, nil); ferr == nil {
			s.publish(ctx, failed, domain.StatusError)
		}
		return nil, fmt.Errorf("schedule provisioning: %w", err)
	}
	return c, nil
}

// List returns clusters visible to userID.
func (s *Service) List(ctx context.Context, userID string) ([]domain.Cluster, error) {
	return s.clusters.ListClustersForUser(ctx, userID)
}

// Get returns a cluster userID may see.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.Cluster, error) {
	return s.AuthorizeRead(ctx, userID, id)
}

// AuthorizeRead loads a cluster and checks userID may see it: the owner of a
// personal cluster, or any member of the owning team.
func (s *Service) AuthorizeRead(ctx context.Context, userID, id string) (*domain.Cluster, error) {
	c, err := s.clusters.GetCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TeamID == nil {
		if c.UserID != userID {
			return nil, domain.ErrAccessDenied
		}
		return c, nil
	}
	if _, err := s.memberRole(ctx, *c.TeamID, userID); err != nil {
		return nil, err
	}
	return c, nil
}

// authorizeManage checks userID may delete c: the creator, or a team owner
// or admin.
func (s *Service) authorizeManage(ctx context.Context, userID string, c *domain.Cluster) error {
	if c.UserID == userID {
		return nil
	}
	if c.TeamID == nil {
		return domain.ErrAccessDenied
	}
	role, err := s.memberRole(ctx, *c.TeamID, userID)
	if err != nil {
		return err
	}
	if !domain.CanManage(role) {
		return domain.ErrAccessDenied
	}
	return nil
}

func (s *Service) memberRole(ctx context.Context, teamID, userID string) (string, error) {
	member, err := s.teams.GetMember(ctx, teamID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", domain.ErrAccessDenied
		}
		return "", err
	}
	return member.Role, nil
}

// Delete marks the cluster DELETING and schedules teardown. A second
// request for the same cluster returns domain.ErrAlreadyDeleting.
func (s *Service) Delete(ctx context.Context, userID, id string) (*domain.Cluster, error) {
	c, err := s.AuthorizeRead(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(ctx, userID, c); err != nil {
		return nil, err
	}
	marked, err := s.clusters.MarkDeleting(ctx, id)
	if err != nil {
		return nil, err
	}
	log := s.logger.With("cluster_id", marked.ID, "cluster", marked.Name, "user_id", userID)
	log.Info("cluster deletion requested")
	s.publish(ctx, marked, domain.StatusDeleting)
	if err := s.scheduler.SubmitTeardown(marked.ID); err != nil {
		// The record stays DELETING; the reaper resumes it once stale.
		log.Error("failed to schedule teardown", "error", err)
	}
	return marked, nil
}

// Kubeconfig returns the decrypted kubeconfig of a RUNNING cluster.
func (s *Service) Kubeconfig(ctx context.Context, userID, id string) (string, error) {
	c, err := s.AuthorizeRead(ctx, userID, id)
	if err != nil {
		return "", err
	}
	if !c.HasCredentials() {
		return "", fmt.Errorf("%w: status %s", domain.ErrNotRunning, c.Status)
	}
	kubeconfig, err := s.opener.Open(c.EncryptedKubeconfig)
	if err != nil {
		return "", fmt.Errorf("decrypt kubeconfig: %w", err)
	}
	return kubeconfig, nil
}

func (s *Service) publish(ctx context.Context, c *domain.Cluster, status domain.Status) {
	if err := notify.PublishStatus(ctx, s.publisher, c, status); err != nil {
		s.logger.Warn("status publish failed", "cluster_id", c.ID, "status", status, "error", err)
	}
}
