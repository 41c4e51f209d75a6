package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/repository"
)

const clusterColumns = `id, name, backing_name, status, provider, lease_expires_at, encrypted_kubeconfig, user_id, team_id, created_at, updated_at`

func scanCluster(row pgx.Row) (*domain.Cluster, error) {
	var (
		c      domain.Cluster
		status string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.BackingName, &status, &c.Provider, &c.LeaseExpiresAt, &c.EncryptedKubeconfig, &c.UserID, &c.TeamID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = domain.Status(status)
	return &c, nil
}

func collectClusters(rows pgx.Rows) ([]domain.Cluster, error) {
	defer rows.Close()
	clusters := make([]domain.Cluster, 0)
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, *c)
	}
	return clusters, rows.Err()
}

// CreateCluster inserts a new cluster record.
func (r *Repository) CreateCluster(ctx context.Context, cluster *domain.Cluster) error {
	const query = `INSERT INTO clusters (id, name, backing_name, status, provider, lease_expires_at, user_id, team_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := r.pool.Exec(ctx, query,
		cluster.ID,
		cluster.Name,
		cluster.BackingName,
		string(cluster.Status),
		cluster.Provider,
		cluster.LeaseExpiresAt.UTC(),
		cluster.UserID,
		cluster.TeamID,
		cluster.CreatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	cluster.UpdatedAt = cluster.CreatedAt
	return nil
}

// GetCluster fetches a cluster by id.
func (r *Repository) GetCluster(ctx context.Context, id string) (*domain.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE id = $1`
	c, err := scanCluster(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

// ListClustersForUser returns personal and team clusters visible to userID.
func (r *Repository) ListClustersForUser(ctx context.Context, userID string) ([]domain.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters
		WHERE (team_id IS NULL AND user_id = $1)
		   OR team_id IN (SELECT team_id FROM team_members WHERE user_id = $1)
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return collectClusters(rows)
}

// ListExpiredClusters returns clusters whose lease deadline is at or before now.
func (r *Repository) ListExpiredClusters(ctx context.Context, now time.Time) ([]domain.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE lease_expires_at <= $1 ORDER BY lease_expires_at`
	rows, err := r.pool.Query(ctx, query, now.UTC())
	if err != nil {
		return nil, err
	}
	return collectClusters(rows)
}

// ListClustersByStatus returns every cluster in status.
func (r *Repository) ListClustersByStatus(ctx context.Context, status domain.Status) ([]domain.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE status = $1 ORDER BY updated_at`
	rows, err := r.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, err
	}
	return collectClusters(rows)
}

// lockCluster reads a cluster row with FOR UPDATE inside tx.
func lockCluster(ctx context.Context, tx pgx.Tx, id string) (*domain.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE id = $1 FOR UPDATE`
	c, err := scanCluster(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

// CompleteProvisioning records the outcome of a provisioning workflow.
func (r *Repository) CompleteProvisioning(ctx context.Context, id string, status domain.Status, kubeconfig []byte) (*domain.Cluster, error) {
	if status != domain.StatusRunning && status != domain.StatusError {
		return nil, fmt.Errorf("%w: provisioning cannot end in %s", domain.ErrInvalidTransition, status)
	}
	if status == domain.StatusError {
		kubeconfig = nil
	}
	var updated *domain.Cluster
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := lockCluster(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusProvisioning {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, status)
		}
		query := `UPDATE clusters SET status = $2, encrypted_kubeconfig = $3, updated_at = NOW()
			WHERE id = $1 RETURNING ` + clusterColumns
		updated, err = scanCluster(tx.QueryRow(ctx, query, id, string(status), kubeconfig))
		return mapError(err)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkDeleting atomically moves a cluster into DELETING.
func (r *Repository) MarkDeleting(ctx context.Context, id string) (*domain.Cluster, error) {
	query := `UPDATE clusters SET status = 'DELETING', updated_at = NOW()
		WHERE id = $1 AND status <> 'DELETING' RETURNING ` + clusterColumns
	c, err := scanCluster(r.pool.QueryRow(ctx, query, id))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err)
	}
	// No row updated: either absent or already DELETING.
	if _, err := r.GetCluster(ctx, id); err != nil {
		return nil, err
	}
	return nil, domain.ErrAlreadyDeleting
}

// DeleteCluster removes a DELETING cluster record.
func (r *Repository) DeleteCluster(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := lockCluster(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanTransition(domain.StatusDeleted) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, domain.StatusDeleted)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM clusters WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}
