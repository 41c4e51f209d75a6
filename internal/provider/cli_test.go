package provider

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/42yash/pyk8s-labs/internal/docker"
)

type recordedCall struct {
	name string
	args []string
}

type fakeRunner struct {
	calls  []recordedCall
	output map[string]string
	fail   map[string]error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	key := name + " " + strings.Join(args, " ")
	if err, ok := f.fail[key]; ok {
		return nil, err
	}
	return []byte(f.output[key]), nil
}

type fakeExecer struct {
	container string
	err       error
}

func (f *fakeExecer) Exec(_ context.Context, container string, _ []string) (*docker.ExecSession, error) {
	f.container = container
	if f.err != nil {
		return nil, f.err
	}
	return &docker.ExecSession{}, nil
}

func TestKindCommands(t *testing.T) {
	runner := &fakeRunner{output: map[string]string{"kind get kubeconfig --name lab": "apiVersion: v1\n"}}
	p := NewKind(runner, nil)
	ctx := context.Background()

	if err := p.Create(ctx, "lab"); err != nil {
		t.Fatalf("create: %v", err)
	}
	cfg, err := p.Credentials(ctx, "lab")
	if err != nil || cfg != "apiVersion: v1\n" {
		t.Fatalf("credentials: %q (%v)", cfg, err)
	}
	if err := p.Destroy(ctx, "lab"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	want := []recordedCall{
		{"kind", []string{"create", "cluster", "--name", "lab"}},
		{"kind", []string{"get", "kubeconfig", "--name", "lab"}},
		{"kind", []string{"delete", "cluster", "--name", "lab"}},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("unexpected calls %+v", runner.calls)
	}
}

func TestK3dNodeContainerAndEmptyKubeconfig(t *testing.T) {
	runner := &fakeRunner{}
	execer := &fakeExecer{}
	p := NewK3d(runner, execer)
	if _, err := p.Credentials(context.Background(), "lab"); err == nil {
		t.Fatalf("expected error for empty kubeconfig")
	}
	if _, err := p.Exec(context.Background(), "lab", []string{"sh"}); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if execer.container != "k3d-lab-server-0" {
		t.Fatalf("unexpected container %q", execer.container)
	}
}

func TestCreateFailureWrapsRunnerError(t *testing.T) {
	boom := errors.New("exit status 1")
	runner := &fakeRunner{fail: map[string]error{"kind create cluster --name lab": boom}}
	err := NewKind(runner, nil).Create(context.Background(), "lab")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped runner error, got %v", err)
	}
}

func TestExecMapsMissingContainer(t *testing.T) {
	execer := &fakeExecer{err: fmt.Errorf("%w: container lab-control-plane", docker.ErrNotFound)}
	p := NewKind(&fakeRunner{}, execer)
	if _, err := p.Exec(context.Background(), "lab", []string{"bash"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if execer.container != "lab-control-plane" {
		t.Fatalf("unexpected container %q", execer.container)
	}
	execer.err = fmt.Errorf("%w: container lab-control-plane", docker.ErrNotRunning)
	if _, err := p.Exec(context.Background(), "lab", []string{"bash"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stopped container, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewKind(&fakeRunner{}, nil), NewK3d(&fakeRunner{}, nil))
	if _, err := r.Get("kind"); err != nil {
		t.Fatalf("get kind: %v", err)
	}
	if _, err := r.Get("minikube"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"k3d", "kind"}) {
		t.Fatalf("unexpected names %v", got)
	}
}
