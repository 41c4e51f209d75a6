// Package migrate applies the schema migrations with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/42yash/pyk8s-labs/db"
)

const runTimeout = time.Minute

// Runner owns the pool it was built with and releases it on Close.
type Runner struct {
	pool     *pgxpool.Pool
	provider *goose.Provider
	log      *slog.Logger
}

// Source returns the migration files in dir, or the set embedded in the
// binary when dir is empty.
func Source(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(db.Migrations, db.MigrationsDir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrations path %s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

// New builds a Runner on pool. goose talks database/sql, so it gets a
// handle that borrows connections from pool.
func New(pool *pgxpool.Pool, migrationsDir string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("migrate: nil pool")
	}
	if log == nil {
		log = slog.Default()
	}
	fsys, err := Source(migrationsDir)
	if err != nil {
		return nil, err
	}
	provider, err := newProvider(stdlib.OpenDBFromPool(pool), fsys)
	if err != nil {
		return nil, err
	}
	return &Runner{pool: pool, provider: provider, log: log}, nil
}

func newProvider(sqlDB *sql.DB, fsys fs.FS) (*goose.Provider, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return provider, nil
}

// Ensure applies pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	results, err := r.provider.Up(ctx)
	for _, res := range results {
		r.logResult(res)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(results) == 0 {
		r.log.Info("schema up to date")
	}
	return nil
}

// Status logs every known migration with its state and returns them.
func (r *Runner) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		attrs := []any{"version", st.Source.Version, "file", st.Source.Path, "state", st.State}
		if st.State == goose.StateApplied {
			attrs = append(attrs, "applied_at", st.AppliedAt)
		}
		r.log.Info("migration", attrs...)
	}
	return statuses, nil
}

// Down rolls back the latest migration, or every migration above target
// when target is positive.
func (r *Runner) Down(ctx context.Context, target int64) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if target > 0 {
		results, err := r.provider.DownTo(ctx, target)
		for _, res := range results {
			r.logResult(res)
		}
		if err != nil {
			return fmt.Errorf("rollback to version %d: %w", target, err)
		}
		return nil
	}
	res, err := r.provider.Down(ctx)
	if res != nil {
		r.logResult(res)
	}
	if err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	return nil
}

func (r *Runner) logResult(res *goose.MigrationResult) {
	if res == nil || res.Source == nil {
		return
	}
	if res.Error != nil {
		r.log.Error("migration failed", "version", res.Source.Version, "direction", res.Direction, "error", res.Error)
		return
	}
	r.log.Info("migration applied", "version", res.Source.Version, "direction", res.Direction, "duration", res.Duration)
}

// Ping checks the database answers within five seconds.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the goose handle and the pool.
func (r *Runner) Close() {
	if err := r.provider.Close(); err != nil {
		r.log.Warn("close migration handle", "error", err)
	}
	r.pool.Close()
}
