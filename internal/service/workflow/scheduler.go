package workflow

import (
	"context"
	"time"
)

const (
	provisionWorkflow = "provision"
	teardownWorkflow  = "teardown"
)

// Scheduler hands workflows to the pool keyed by record id.
type Scheduler struct {
	pool             *Pool
	executor         *Executor
	provisionTimeout time.Duration
	teardownTimeout  time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(pool *Pool, executor *Executor, provisionTimeout, teardownTimeout time.Duration) *Scheduler {
	return &Scheduler{
		pool:             pool,
		executor:         executor,
		provisionTimeout: provisionTimeout,
		teardownTimeout:  teardownTimeout,
	}
}

// SubmitProvisioning schedules provisioning of record id.
func (s *Scheduler) SubmitProvisioning(id string) error {
	return s.pool.Submit(Job{
		Key:     id,
		Name:    provisionWorkflow,
		Timeout: s.provisionTimeout,
		Run:     func(ctx context.Context) error { return s.executor.Provision(ctx, id) },
	})
}

// SubmitTeardown schedules teardown of record id.
func (s *Scheduler) SubmitTeardown(id string) error {
	return s.pool.Submit(Job{
		Key:     id,
		Name:    teardownWorkflow,
		Timeout: s.teardownTimeout,
		Run:     func(ctx context.Context) error { return s.executor.Teardown(ctx, id) },
	})
}
