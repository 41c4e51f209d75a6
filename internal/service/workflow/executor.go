package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/notify"
	"github.com/42yash/pyk8s-labs/internal/provider"
	"github.com/42yash/pyk8s-labs/internal/repository"
)

// persistTimeout bounds the final record write, which must outlive a
// workflow whose own deadline has passed.
const persistTimeout = 10 * time.Second

// Sealer encrypts credential documents.
type Sealer interface {
	Seal(plaintext string) ([]byte, error)
}

// Executor runs the provisioning and teardown workflows of one record.
// It holds no per-invocation state.
type Executor struct {
	clusters  repository.ClusterRepository
	providers provider.Resolver
	sealer    Sealer
	publisher notify.Publisher
	logger    *slog.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(clusters repository.ClusterRepository, providers provider.Resolver, sealer Sealer, publisher notify.Publisher, logger *slog.Logger) *Executor {
	return &Executor{
		clusters:  clusters,
		providers: providers,
		sealer:    sealer,
		publisher: publisher,
		logger:    logger.With("component", "workflow_executor"),
	}
}

// Provision creates the cluster behind record id, stores its sealed
// kubeconfig and moves the record to RUNNING, or to ERROR on any failure.
func (e *Executor) Provision(ctx context.Context, id string) error {
	cluster, err := e.clusters.GetCluster(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("provisioning skipped, record gone", "cluster_id", id)
			return nil
		}
		return fmt.Errorf("load cluster %s: %w", id, err)
	}
	log := e.logger.With("cluster_id", cluster.ID, "cluster", cluster.Name, "backing_name", cluster.BackingName, "provider", cluster.Provider)
	if cluster.Status != domain.StatusProvisioning {
		log.Info("provisioning skipped", "status", cluster.Status)
		return nil
	}

	p, err := e.providers.Get(cluster.Provider)
	if err != nil {
		log.Error("provider unavailable", "error", err)
		return e.completeProvisioning(ctx, cluster, domain.StatusError, nil, err)
	}

	log.Info("creating cluster")
	if err := p.Create(ctx, cluster.BackingName); err != nil {
		log.Error("provider create failed", "error", err)
		return e.completeProvisioning(ctx, cluster, domain.StatusError, nil, err)
	}

	kubeconfig, err := p.Credentials(ctx, cluster.BackingName)
	if err != nil {
		log.Error("credential fetch failed", "error", err)
		return e.completeProvisioning(ctx, cluster, domain.StatusError, nil, err)
	}
	sealed, err := e.sealer.Seal(kubeconfig)
	if err != nil {
		log.Error("credential encryption failed", "error", err)
		return e.completeProvisioning(ctx, cluster, domain.StatusError, nil, err)
	}
	return e.completeProvisioning(ctx, cluster, domain.StatusRunning, sealed, nil)
}

// completeProvisioning persists the outcome, then announces it. cause is
// the failure that led to ERROR and is returned for the pool to log.
func (e *Executor) completeProvisioning(ctx context.Context, cluster *domain.Cluster, status domain.Status, sealed []byte, cause error) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	updated, err := e.clusters.CompleteProvisioning(persistCtx, cluster.ID, status, sealed)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
			// Teardown took over while the provider was working.
			e.logger.Info("provisioning result discarded", "cluster_id", cluster.ID, "result", status, "reason", err)
			return nil
		}
		return fmt.Errorf("record %s for %s: %w", status, cluster.ID, err)
	}
	e.publish(persistCtx, updated, status)
	if cause != nil {
		return fmt.Errorf("provision %s: %w", cluster.Name, cause)
	}
	return nil
}

// Teardown destroys the cluster behind a DELETING record and removes the
// record. A failed destroy is logged and does not keep the record.
func (e *Executor) Teardown(ctx context.Context, id string) error {
	cluster, err := e.clusters.GetCluster(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.logger.Info("teardown skipped, record gone", "cluster_id", id)
			return nil
		}
		return fmt.Errorf("load cluster %s: %w", id, err)
	}
	log := e.logger.With("cluster_id", cluster.ID, "cluster", cluster.Name, "backing_name", cluster.BackingName, "provider", cluster.Provider)
	if cluster.Status != domain.StatusDeleting {
		return fmt.Errorf("%w: teardown of %s cluster %s", domain.ErrInvalidTransition, cluster.Status, cluster.ID)
	}

	p, err := e.providers.Get(cluster.Provider)
	if err != nil {
		log.Error("provider unavailable, cluster may be orphaned", "error", err)
	} else {
		log.Info("destroying cluster")
		if err := p.Destroy(ctx, cluster.BackingName); err != nil {
			log.Error("provider destroy failed, cluster may be orphaned", "error", err)
		}
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.clusters.DeleteCluster(persistCtx, cluster.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("remove cluster %s: %w", cluster.ID, err)
	}
	e.publish(persistCtx, cluster, domain.StatusDeleted)
	return nil
}

func (e *Executor) publish(ctx context.Context, cluster *domain.Cluster, status domain.Status) {
	if err := notify.PublishStatus(ctx, e.publisher, cluster, status); err != nil {
		e.logger.Warn("status publish failed", "cluster_id", cluster.ID, "status", status, "error", err)
	}
}
