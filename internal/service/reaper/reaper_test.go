package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/notify"
	"github.com/42yash/pyk8s-labs/internal/provider"
	"github.com/42yash/pyk8s-labs/internal/repository/memory"
	"github.com/42yash/pyk8s-labs/internal/service/workflow"
	"github.com/42yash/pyk8s-labs/pkg/crypto"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	failFor   map[string]bool
	submitted []string
}

func (f *fakeSubmitter) SubmitTeardown(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[id] {
		return errors.New("pool closed")
	}
	f.submitted = append(f.submitted, id)
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (r *recordingPublisher) Publish(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

func seed(t *testing.T, store *memory.Store, id string, expires time.Time, status domain.Status) {
	t.Helper()
	ctx := context.Background()
	c := &domain.Cluster{
		ID:             id,
		Name:           "lab-" + id,
		Status:         domain.StatusProvisioning,
		Provider:       "kind",
		LeaseExpiresAt: expires,
		UserID:         "u1",
		CreatedAt:      expires.Add(-time.Hour),
	}
	if err := store.CreateCluster(ctx, c); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	switch status {
	case domain.StatusRunning, domain.StatusError:
		if _, err := store.CompleteProvisioning(ctx, id, status, nil); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	case domain.StatusDeleting:
		if _, err := store.MarkDeleting(ctx, id); err != nil {
			t.Fatalf("mark %s: %v", id, err)
		}
	}
}

var testTimeouts = Timeouts{Provision: 10 * time.Minute, Teardown: 5 * time.Minute}

func newReaper(store *memory.Store, pub notify.Publisher, sub TeardownSubmitter, now time.Time) *Reaper {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	r := New(store, pub, sub, logger, time.Minute, testTimeouts)
	r.now = func() time.Time { return now }
	return r
}

func TestRunIterationReapsExpiredCluster(t *testing.T) {
	store := memory.New()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	seed(t, store, "c3", t0, domain.StatusRunning)
	seed(t, store, "fresh", t0.Add(time.Hour), domain.StatusRunning)

	pub := &recordingPublisher{}
	sub := &fakeSubmitter{}
	r := newReaper(store, pub, sub, t0.Add(time.Second))

	report := r.runIteration(context.Background())
	if report.Expired != 1 || report.Reaped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	c, _ := store.GetCluster(context.Background(), "c3")
	if c.Status != domain.StatusDeleting {
		t.Fatalf("expected DELETING, got %s", c.Status)
	}
	if len(pub.messages) != 1 || pub.messages[0].Status != domain.StatusDeleting || pub.messages[0].RecordID != "c3" {
		t.Fatalf("unexpected notifications %+v", pub.messages)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != "c3" {
		t.Fatalf("expected teardown for c3, got %v", sub.submitted)
	}
	fresh, _ := store.GetCluster(context.Background(), "fresh")
	if fresh.Status != domain.StatusRunning {
		t.Fatalf("unexpired cluster must not be touched")
	}
}

func TestRunIterationIsolatesHandOffFailures(t *testing.T) {
	store := memory.New()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	seed(t, store, "a", now.Add(-3*time.Minute), domain.StatusRunning)
	seed(t, store, "b", now.Add(-2*time.Minute), domain.StatusError)
	seed(t, store, "c", now.Add(-1*time.Minute), domain.StatusProvisioning)

	sub := &fakeSubmitter{failFor: map[string]bool{"b": true}}
	r := newReaper(store, &recordingPublisher{}, sub, now)

	report := r.runIteration(context.Background())
	if report.Reaped != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(sub.submitted) != 2 || sub.submitted[0] != "a" || sub.submitted[1] != "c" {
		t.Fatalf("expected a and c handed off, got %v", sub.submitted)
	}
}

func TestRunIterationSkipsDeleting(t *testing.T) {
	store := memory.New()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	seed(t, store, "gone", now.Add(-time.Minute), domain.StatusDeleting)

	pub := &recordingPublisher{}
	sub := &fakeSubmitter{}
	report := newReaper(store, pub, sub, now).runIteration(context.Background())
	if report.Skipped != 1 || report.Stale.Resumed != 0 || len(sub.submitted) != 0 || len(pub.messages) != 0 {
		t.Fatalf("DELETING record must be skipped: %+v", report)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memory.New()
	r := newReaper(store, &recordingPublisher{}, &fakeSubmitter{}, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reaper did not stop")
	}
}

func TestRunIterationResumesStaleTeardown(t *testing.T) {
	store := memory.New()
	base := time.Now()
	seed(t, store, "stuck", base.Add(48*time.Hour), domain.StatusDeleting)

	sub := &fakeSubmitter{}
	r := newReaper(store, &recordingPublisher{}, sub, base.Add(time.Hour))

	report := r.runIteration(context.Background())
	if report.Expired != 0 || report.Stale.Resumed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != "stuck" {
		t.Fatalf("expected teardown resumed for stuck, got %v", sub.submitted)
	}
}

func TestRecoverHandlesOnlyStaleWork(t *testing.T) {
	store := memory.New()
	base := time.Now()
	seed(t, store, "del", base.Add(time.Hour), domain.StatusDeleting)
	seed(t, store, "prov", base.Add(time.Hour), domain.StatusProvisioning)
	seed(t, store, "young", base.Add(2*time.Hour), domain.StatusProvisioning)
	seed(t, store, "ok", base.Add(time.Hour), domain.StatusRunning)

	pub := &recordingPublisher{}
	sub := &fakeSubmitter{}
	report, err := newReaper(store, pub, sub, base.Add(time.Hour)).Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Resumed != 1 || report.Abandoned != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != "del" {
		t.Fatalf("expected teardown resumed for del, got %v", sub.submitted)
	}
	c, _ := store.GetCluster(context.Background(), "prov")
	if c.Status != domain.StatusError {
		t.Fatalf("abandoned provisioning should be ERROR, got %s", c.Status)
	}
	young, _ := store.GetCluster(context.Background(), "young")
	if young.Status != domain.StatusProvisioning {
		t.Fatalf("recent provisioning must be left alone, got %s", young.Status)
	}
	if len(pub.messages) != 1 || pub.messages[0].Status != domain.StatusError || pub.messages[0].RecordID != "prov" {
		t.Fatalf("unexpected notifications %+v", pub.messages)
	}
}

type gatedProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Name() string { return "kind" }

func (p *gatedProvider) Create(ctx context.Context, name string) error {
	close(p.entered)
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *gatedProvider) Credentials(context.Context, string) (string, error) {
	return "apiVersion: v1\nkind: Config\n", nil
}

func (p *gatedProvider) Destroy(context.Context, string) error { return nil }

func (p *gatedProvider) Exec(context.Context, string, []string) (provider.Stream, error) {
	return nil, provider.ErrNotFound
}

func TestRecoverLeavesAnotherProcessWorkflowAlone(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seed(t, store, "c1", time.Now().Add(time.Hour), domain.StatusProvisioning)

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	sealer, err := crypto.NewSealer("test-key")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	gate := &gatedProvider{entered: make(chan struct{}), release: make(chan struct{})}
	busy := workflow.NewPool(1, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = busy.Close(closeCtx)
	}()
	executor := workflow.NewExecutor(store, provider.NewRegistry(gate), sealer, &recordingPublisher{}, logger)
	scheduler := workflow.NewScheduler(busy, executor, testTimeouts.Provision, testTimeouts.Teardown)
	if err := scheduler.SubmitProvisioning("c1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("provisioning never reached the provider")
	}

	// A second process starting up while c1 is still being created.
	other := &fakeSubmitter{}
	report, err := newReaper(store, &recordingPublisher{}, other, time.Now()).Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Abandoned != 0 || report.Resumed != 0 {
		t.Fatalf("in-flight work must not be recovered: %+v", report)
	}
	c, _ := store.GetCluster(ctx, "c1")
	if c.Status != domain.StatusProvisioning {
		t.Fatalf("expected PROVISIONING while create runs, got %s", c.Status)
	}

	close(gate.release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, _ = store.GetCluster(ctx, "c1")
		if c.Status == domain.StatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected RUNNING after create finished, got %s", c.Status)
}
