package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
)

// ExecSession is an interactive TTY process inside a container. Reads
// return process output, writes go to its stdin.
type ExecSession struct {
	resp types.HijackedResponse
}

// Exec starts cmd with a TTY inside the running container name.
func (c *Client) Exec(ctx context.Context, name string, cmd []string) (*ExecSession, error) {
	if c == nil || c.api == nil {
		return nil, errNoClient
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("docker: container name cannot be empty")
	}
	if len(cmd) == 0 {
		return nil, errors.New("docker: exec command cannot be empty")
	}
	if err := c.requireRunning(ctx, name); err != nil {
		return nil, err
	}

	created, err := c.api.ContainerExecCreate(ctx, name, types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: create exec in %s: %w", name, err)
	}
	resp, err := c.api.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("docker: attach exec in %s: %w", name, err)
	}
	return &ExecSession{resp: resp}, nil
}

// Read reads process output.
func (s *ExecSession) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

// Write sends input to the process.
func (s *ExecSession) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

// Close tears down the attached connection, which unblocks pending reads.
func (s *ExecSession) Close() error {
	s.resp.Close()
	return nil
}
