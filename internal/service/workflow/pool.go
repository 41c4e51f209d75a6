package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/42yash/pyk8s-labs/internal/metrics"
)

var (
	// ErrWorkflowInFlight is returned when a record already has a running
	// workflow and a queued follow-up.
	ErrWorkflowInFlight = errors.New("workflow: already in flight")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("workflow: pool closed")
)

// Job is one unit of background work bound to a record.
type Job struct {
	Key     string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type slot struct {
	pending *Job
}

// Pool runs jobs on a bounded number of goroutines. Jobs with the same key
// never overlap: while one runs, a single follow-up may wait behind it.
type Pool struct {
	sem    *semaphore.Weighted
	base   context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*slot
	closed bool
	wg     sync.WaitGroup
}

// NewPool constructs a pool running at most size jobs at once.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		base:   base,
		cancel: cancel,
		logger: logger.With("component", "workflow_pool"),
		active: make(map[string]*slot),
	}
}

// Submit schedules job without waiting for it to run.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("workflow %s: nil run func", job.Name)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if s, ok := p.active[job.Key]; ok {
		defer p.mu.Unlock()
		if s.pending != nil {
			return fmt.Errorf("%w: %s for %s", ErrWorkflowInFlight, job.Name, job.Key)
		}
		s.pending = &job
		p.logger.Debug("workflow queued", "workflow", job.Name, "key", job.Key)
		return nil
	}
	p.active[job.Key] = &slot{}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.drain(job)
	return nil
}

// InFlight reports whether key has a running or queued job.
func (p *Pool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[key]
	return ok
}

// drain runs job and then any follow-up queued for the same key.
func (p *Pool) drain(job Job) {
	defer p.wg.Done()
	for {
		p.execute(job)

		p.mu.Lock()
		s := p.active[job.Key]
		if s.pending == nil {
			delete(p.active, job.Key)
			p.mu.Unlock()
			return
		}
		job = *s.pending
		s.pending = nil
		p.mu.Unlock()
	}
}

func (p *Pool) execute(job Job) {
	log := p.logger.With("workflow", job.Name, "key", job.Key)
	if err := p.sem.Acquire(p.base, 1); err != nil {
		log.Warn("workflow dropped during shutdown")
		metrics.WorkflowRuns.WithLabelValues(job.Name, "cancelled").Inc()
		return
	}
	defer p.sem.Release(1)

	ctx := p.base
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	metrics.WorkflowsInFlight.Inc()
	defer metrics.WorkflowsInFlight.Dec()
	start := time.Now()
	err := p.safeRun(ctx, job)
	elapsed := time.Since(start)
	metrics.WorkflowDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.WorkflowRuns.WithLabelValues(job.Name, "failed").Inc()
		log.Error("workflow failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return
	}
	metrics.WorkflowRuns.WithLabelValues(job.Name, "succeeded").Inc()
	log.Info("workflow finished", "duration_ms", elapsed.Milliseconds())
}

func (p *Pool) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("workflow panicked", "workflow", job.Name, "key", job.Key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}

// Close stops accepting jobs and waits for running ones. When ctx expires
// first, running jobs are cancelled and Close returns ctx.Err() once they
// have returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("cancelling running workflows")
		p.cancel()
		<-done
		return ctx.Err()
	}
}
