package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/metrics"
	"github.com/42yash/pyk8s-labs/internal/notify"
	"github.com/42yash/pyk8s-labs/internal/repository"
	"github.com/42yash/pyk8s-labs/internal/service/workflow"
)

const (
	defaultInterval = 5 * time.Minute
	scanTimeout     = 30 * time.Second

	defaultProvisionTimeout = 10 * time.Minute
	defaultTeardownTimeout  = 5 * time.Minute
	// staleMargin covers the final record write a workflow makes after its
	// own deadline, plus clock skew between API processes.
	staleMargin = 2 * time.Minute
)

// Timeouts are the workflow deadlines the scheduler enforces. A record that
// has not changed for longer than its deadline plus a margin has no live
// workflow in any process.
type Timeouts struct {
	Provision time.Duration
	Teardown  time.Duration
}

// TeardownSubmitter hands a DELETING record to the background workers.
type TeardownSubmitter interface {
	SubmitTeardown(id string) error
}

// Report summarizes one reaper pass.
type Report struct {
	Expired int
	Reaped  int
	Skipped int
	Failed  int
	Stale   RecoveryReport
}

// RecoveryReport summarizes Recover.
type RecoveryReport struct {
	Resumed   int
	Abandoned int
	Failed    int
}

// Reaper tears down clusters whose lease has run out.
type Reaper struct {
	clusters  repository.ClusterRepository
	publisher notify.Publisher
	teardown  TeardownSubmitter
	logger    *slog.Logger
	interval  time.Duration
	timeouts  Timeouts

	now func() time.Time
}

// New constructs a Reaper.
func New(clusters repository.ClusterRepository, publisher notify.Publisher, teardown TeardownSubmitter, logger *slog.Logger, interval time.Duration, timeouts Timeouts) *Reaper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if timeouts.Provision <= 0 {
		timeouts.Provision = defaultProvisionTimeout
	}
	if timeouts.Teardown <= 0 {
		timeouts.Teardown = defaultTeardownTimeout
	}
	return &Reaper{
		clusters:  clusters,
		publisher: publisher,
		teardown:  teardown,
		logger:    logger.With("component", "reaper"),
		interval:  interval,
		timeouts:  timeouts,
		now:       time.Now,
	}
}

// Run reaps on every tick until ctx is cancelled. The first pass runs
// immediately.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval)
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reaper) runIteration(parent context.Context) Report {
	if parent.Err() != nil {
		return Report{}
	}
	opCtx, cancel := context.WithTimeout(parent, scanTimeout)
	defer cancel()

	now := r.now().UTC()
	expired, err := r.clusters.ListExpiredClusters(opCtx, now)
	if err != nil {
		r.logger.Error("failed to list expired clusters", "error", err)
		return Report{}
	}

	report := Report{Expired: len(expired)}
	for i := range expired {
		cluster := &expired[i]
		log := r.logger.With("cluster_id", cluster.ID, "cluster", cluster.Name, "lease_expires_at", cluster.LeaseExpiresAt)
		if cluster.Status == domain.StatusDeleting {
			report.Skipped++
			continue
		}
		marked, err := r.clusters.MarkDeleting(opCtx, cluster.ID)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyDeleting) || errors.Is(err, repository.ErrNotFound) {
				report.Skipped++
				continue
			}
			report.Failed++
			metrics.ReaperClusters.WithLabelValues("failed").Inc()
			log.Warn("failed to mark expired cluster deleting", "error", err)
			continue
		}
		if err := notify.PublishStatus(opCtx, r.publisher, marked, domain.StatusDeleting); err != nil {
			log.Warn("status publish failed", "error", err)
		}
		if err := r.teardown.SubmitTeardown(marked.ID); err != nil {
			report.Failed++
			metrics.ReaperClusters.WithLabelValues("failed").Inc()
			log.Warn("failed to hand off teardown", "error", err)
			continue
		}
		report.Reaped++
		metrics.ReaperClusters.WithLabelValues("reaped").Inc()
		log.Info("expired cluster scheduled for teardown")
	}

	stale, err := r.recoverStale(opCtx, now)
	if err != nil {
		r.logger.Error("failed to scan for stale workflows", "error", err)
	}
	report.Stale = stale

	if report.Expired > 0 {
		r.logger.Info("reaper pass complete", "expired", report.Expired, "reaped", report.Reaped, "skipped", report.Skipped, "failed", report.Failed)
	}
	return report
}

// Recover picks up work whose workflow died with its process. It runs at
// startup, before this process schedules anything, and every reaper pass
// repeats it.
func (r *Reaper) Recover(ctx context.Context) (RecoveryReport, error) {
	return r.recoverStale(ctx, r.now().UTC())
}

// recoverStale hands stale DELETING records to teardown again and marks
// stale PROVISIONING records ERROR. Records another process may still be
// working on are left alone.
func (r *Reaper) recoverStale(ctx context.Context, now time.Time) (RecoveryReport, error) {
	var report RecoveryReport

	deleting, err := r.clusters.ListClustersByStatus(ctx, domain.StatusDeleting)
	if err != nil {
		return report, err
	}
	teardownCutoff := now.Add(-(r.timeouts.Teardown + staleMargin))
	for _, cluster := range deleting {
		if cluster.UpdatedAt.After(teardownCutoff) {
			continue
		}
		if err := r.teardown.SubmitTeardown(cluster.ID); err != nil {
			if errors.Is(err, workflow.ErrWorkflowInFlight) {
				continue
			}
			report.Failed++
			r.logger.Warn("failed to resume teardown", "cluster_id", cluster.ID, "error", err)
			continue
		}
		report.Resumed++
		metrics.ReaperClusters.WithLabelValues("resumed").Inc()
		r.logger.Info("stale teardown resumed", "cluster_id", cluster.ID, "updated_at", cluster.UpdatedAt)
	}

	provisioning, err := r.clusters.ListClustersByStatus(ctx, domain.StatusProvisioning)
	if err != nil {
		return report, err
	}
	provisionCutoff := now.Add(-(r.timeouts.Provision + staleMargin))
	for _, cluster := range provisioning {
		if cluster.UpdatedAt.After(provisionCutoff) {
			continue
		}
		updated, err := r.clusters.CompleteProvisioning(ctx, cluster.ID, domain.StatusError, nil)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
				continue
			}
			report.Failed++
			r.logger.Warn("failed to close abandoned provisioning", "cluster_id", cluster.ID, "error", err)
			continue
		}
		report.Abandoned++
		metrics.ReaperClusters.WithLabelValues("abandoned").Inc()
		r.logger.Warn("abandoned provisioning marked failed", "cluster_id", cluster.ID, "updated_at", cluster.UpdatedAt)
		if err := notify.PublishStatus(ctx, r.publisher, updated, domain.StatusError); err != nil {
			r.logger.Warn("status publish failed", "cluster_id", cluster.ID, "error", err)
		}
	}

	if report.Resumed > 0 || report.Abandoned > 0 {
		r.logger.Info("recovered stale workflows", "resumed", report.Resumed, "abandoned", report.Abandoned, "failed", report.Failed)
	}
	return report, nil
}
