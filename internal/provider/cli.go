package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/42yash/pyk8s-labs/internal/docker"
)

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct{}

// Run executes name with args. A failing command reports its stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return stdout.Bytes(), nil
}

// ContainerExecer starts interactive processes in node containers.
type ContainerExecer interface {
	Exec(ctx context.Context, container string, cmd []string) (*docker.ExecSession, error)
}

// commandSet describes how one CLI tool spells the lifecycle operations.
type commandSet struct {
	binary      string
	create      func(name string) []string
	credentials func(name string) []string
	destroy     func(name string) []string
	node        func(name string) string
}

// CLIProvider drives a cluster tool through its command line and reaches
// node containers through the Docker API.
type CLIProvider struct {
	name     string
	commands commandSet
	runner   Runner
	execer   ContainerExecer
}

var _ Provider = (*CLIProvider)(nil)

// NewKind returns the kind provider.
func NewKind(runner Runner, execer ContainerExecer) *CLIProvider {
	return &CLIProvider{
		name: "kind",
		commands: commandSet{
			binary:      "kind",
			create:      func(n string) []string { return []string{"create", "cluster", "--name", n} },
			credentials: func(n string) []string { return []string{"get", "kubeconfig", "--name", n} },
			destroy:     func(n string) []string { return []string{"delete", "cluster", "--name", n} },
			node:        func(n string) string { return n + "-control-plane" },
		},
		runner: runner,
		execer: execer,
	}
}

// NewK3d returns the k3d provider.
func NewK3d(runner Runner, execer ContainerExecer) *CLIProvider {
	return &CLIProvider{
		name: "k3d",
		commands: commandSet{
			binary:      "k3d",
			create:      func(n string) []string { return []string{"cluster", "create", n, "--wait"} },
			credentials: func(n string) []string { return []string{"kubeconfig", "get", n} },
			destroy:     func(n string) []string { return []string{"cluster", "delete", n} },
			node:        func(n string) string { return "k3d-" + n + "-server-0" },
		},
		runner: runner,
		execer: execer,
	}
}

// Name returns the provider identifier stored on cluster records.
func (p *CLIProvider) Name() string { return p.name }

// NodeContainer returns the container that hosts the control plane of name.
func (p *CLIProvider) NodeContainer(name string) string { return p.commands.node(name) }

// Create provisions a cluster and blocks until the tool returns.
func (p *CLIProvider) Create(ctx context.Context, name string) error {
	if _, err := p.runner.Run(ctx, p.commands.binary, p.commands.create(name)...); err != nil {
		return fmt.Errorf("%s create %s: %w", p.name, name, err)
	}
	return nil
}

// Credentials returns the kubeconfig document for name.
func (p *CLIProvider) Credentials(ctx context.Context, name string) (string, error) {
	out, err := p.runner.Run(ctx, p.commands.binary, p.commands.credentials(name)...)
	if err != nil {
		return "", fmt.Errorf("%s kubeconfig %s: %w", p.name, name, err)
	}
	kubeconfig := string(out)
	if strings.TrimSpace(kubeconfig) == "" {
		return "", fmt.Errorf("%s kubeconfig %s: empty output", p.name, name)
	}
	return kubeconfig, nil
}

// Destroy deletes the cluster.
func (p *CLIProvider) Destroy(ctx context.Context, name string) error {
	if _, err := p.runner.Run(ctx, p.commands.binary, p.commands.destroy(name)...); err != nil {
		return fmt.Errorf("%s delete %s: %w", p.name, name, err)
	}
	return nil
}

// Exec starts command with a TTY in the control-plane container.
func (p *CLIProvider) Exec(ctx context.Context, name string, command []string) (Stream, error) {
	if p.execer == nil {
		return nil, fmt.Errorf("%s exec: docker unavailable", p.name)
	}
	session, err := p.execer.Exec(ctx, p.commands.node(name), command)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) || errors.Is(err, docker.ErrNotRunning) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, err
	}
	return session, nil
}
