package cluster

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
	"github.com/42yash/pyk8s-labs/internal/repository"
	"github.com/42yash/pyk8s-labs/internal/repository/memory"
	"github.com/42yash/pyk8s-labs/pkg/crypto"
)

type stubProvider struct{ name string }

func (p stubProvider) Name() string { return p.name }

func (stubProvider) Create(context.Context, string) error { return nil }

func (stubProvider) Credentials(context.Context, string) (string, error) { return "", nil }

func (stubProvider) Destroy(context.Context, string) error { return nil }

func (stubProvider) Exec(context.Context, string, []string) (provider.Stream, error) {
	return nil, provider.ErrNotFound
}

type fakeScheduler struct {
	mu            sync.Mutex
	provisioning  []string
	teardowns     []string
	failProvision error
}

func (f *fakeScheduler) SubmitProvisioning(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProvision != nil {
		return f.failProvision
	}
	f.provisioning = append(f.provisioning, id)
	return nil
}

func (f *fakeScheduler) SubmitTeardown(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, id)
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

type fixture struct {
	store     *memory.Store
	scheduler *fakeScheduler
	publisher *recordingPublisher
	sealer    *crypto.Sealer
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, _ := crypto.NewSealer("key")
	f := &fixture{
		store:     memory.New(),
		scheduler: &fakeScheduler{},
		publisher: &recordingPublisher{},
		sealer:    sealer,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	registry := provider.NewRegistry(stubProvider{"kind"}, stubProvider{"k3d"})
	f.svc = New(f.store, f.store, registry, f.scheduler, f.publisher, sealer, logger, Options{DefaultTTL: time.Hour, MaxTTL: 72 * time.Hour})
	ctx := context.Background()
	for _, u := range []domain.User{{ID: "alice", Email: "alice@x.io"}, {ID: "bob", Email: "bob@x.io"}, {ID: "carol", Email: "carol@x.io"}} {
		u := u
		_ = f.store.CreateUser(ctx, &u)
	}
	return f
}

func TestCreateSchedulesProvisioning(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	c, err := f.svc.Create(context.Background(), "alice", CreateInput{Name: " Lab-1 "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Name != "lab-1" || c.Status != domain.StatusProvisioning || c.Provider != "kind" {
		t.Fatalf("unexpected cluster %+v", c)
	}
	if !c.LeaseExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected default 1h lease, got %s", c.LeaseExpiresAt)
	}
	if len(f.scheduler.provisioning) != 1 || f.scheduler.provisioning[0] != c.ID {
		t.Fatalf("provisioning not scheduled: %v", f.scheduler.provisioning)
	}
	if len(f.publisher.messages) != 1 || f.publisher.messages[0].Status != domain.StatusProvisioning {
		t.Fatalf("unexpected notifications %+v", f.publisher.messages)
	}

	if _, err := f.svc.Create(context.Background(), "alice", CreateInput{Name: "lab-1"}); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestSameNameForTwoOwnersGetsDistinctBackingNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Create(ctx, "alice", CreateInput{Name: "lab-1"})
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	b, err := f.svc.Create(ctx, "bob", CreateInput{Name: "lab-1"})
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if a.Name != b.Name {
		t.Fatalf("display names should both be lab-1, got %q and %q", a.Name, b.Name)
	}
	if a.BackingName == "" || a.BackingName == b.BackingName {
		t.Fatalf("backing names must differ across owners, got %q and %q", a.BackingName, b.BackingName)
	}
	if a.BackingName != domain.BackingNameFor(a.ID) {
		t.Fatalf("backing name %q not derived from id %s", a.BackingName, a.ID)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, "alice", CreateInput{Name: "x"}); !errors.Is(err, domain.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "alice", CreateInput{Name: "lab", Provider: "minikube"}); !errors.Is(err, provider.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "alice", CreateInput{Name: "lab", TTLHours: 100}); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "alice", CreateInput{Name: "lab", TeamID: "nope"}); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for foreign team, got %v", err)
	}
}

func TestCreateScheduleFailureMarksError(t *testing.T) {
	f := newFixture(t)
	f.scheduler.failProvision = errors.New("pool closed")
	if _, err := f.svc.Create(context.Background(), "alice", CreateInput{Name: "lab"}); err == nil {
		t.Fatalf("expected error")
	}
	list, _ := f.store.ListClustersForUser(context.Background(), "alice")
	if len(list) != 1 || list[0].Status != domain.StatusError {
		t.Fatalf("expected record in ERROR, got %+v", list)
	}
}

func TestConcurrentDeleteSchedulesOneTeardown(t *testing.T) {
	f := newFixture(t)
	c, _ := f.svc.Create(context.Background(), "alice", CreateInput{Name: "lab"})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		duplicate int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Delete(context.Background(), "alice", c.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrAlreadyDeleting):
				duplicate++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 || duplicate != 9 {
		t.Fatalf("expected 1 accepted and 9 duplicates, got %d/%d", accepted, duplicate)
	}
	if len(f.scheduler.teardowns) != 1 {
		t.Fatalf("expected exactly one teardown, got %d", len(f.scheduler.teardowns))
	}
}

func TestKubeconfigOnlyWhenRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.svc.Create(ctx, "alice", CreateInput{Name: "lab"})

	if _, err := f.svc.Kubeconfig(ctx, "alice", c.ID); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning while provisioning, got %v", err)
	}
	sealed, _ := f.sealer.Seal("kubeconfig-data")
	if _, err := f.store.CompleteProvisioning(ctx, c.ID, domain.StatusRunning, sealed); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := f.svc.Kubeconfig(ctx, "alice", c.ID)
	if err != nil || got != "kubeconfig-data" {
		t.Fatalf("kubeconfig: %q (%v)", got, err)
	}
	if _, err := f.svc.Kubeconfig(ctx, "bob", c.ID); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for other user, got %v", err)
	}
	if _, err := f.svc.Delete(ctx, "alice", c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Kubeconfig(ctx, "alice", c.ID); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("credential must not be served while DELETING, got %v", err)
	}
}

func TestTeamClusterAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.CreateTeam(ctx, &domain.Team{ID: "t1", Name: "platform", OwnerID: "alice"})
	_ = f.store.UpsertMember(ctx, &domain.TeamMember{TeamID: "t1", UserID: "alice", Role: domain.RoleOwner})
	_ = f.store.UpsertMember(ctx, &domain.TeamMember{TeamID: "t1", UserID: "bob", Role: domain.RoleMember})

	c, err := f.svc.Create(ctx, "alice", CreateInput{Name: "shared", TeamID: "t1"})
	if err != nil {
		t.Fatalf("create team cluster: %v", err)
	}
	if _, err := f.svc.Get(ctx, "bob", c.ID); err != nil {
		t.Fatalf("team member should read: %v", err)
	}
	if _, err := f.svc.Get(ctx, "carol", c.ID); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("outsider should be denied, got %v", err)
	}
	if _, err := f.svc.Delete(ctx, "bob", c.ID); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("plain member must not delete others' clusters, got %v", err)
	}
	if _, err := f.svc.Delete(ctx, "alice", c.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, "alice", "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
