// Package docker reaches cluster node containers through the Docker
// Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

var (
	// ErrNotFound is returned when no container has the requested name.
	ErrNotFound = errors.New("docker: container not found")
	// ErrNotRunning is returned for a container that exists but is stopped.
	ErrNotRunning = errors.New("docker: container not running")

	errNoClient = errors.New("docker: client not initialized")
)

// Client is a connection to one Docker daemon.
type Client struct {
	api *client.Client
}

// New connects to host, or to the daemon named by the DOCKER_* environment
// when host is empty. The API version is negotiated on first use.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: configure client: %w", err)
	}
	return &Client{api: api}, nil
}

// Ping fails unless the daemon answers with an API version.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.api == nil {
		return errNoClient
	}
	ping, err := c.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker: ping: %w", err)
	}
	if ping.APIVersion == "" {
		return errors.New("docker: ping returned no api version")
	}
	return nil
}

// requireRunning returns ErrNotFound or ErrNotRunning unless the named
// container is up.
func (c *Client) requireRunning(ctx context.Context, name string) error {
	info, err := c.api.ContainerInspect(ctx, name)
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case err != nil:
		return fmt.Errorf("docker: inspect %s: %w", name, err)
	case info.State == nil || !info.State.Running:
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	return nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}
