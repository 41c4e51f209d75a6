// Package provider adapts local cluster tools (kind, k3d) to the lifecycle
// operations the workflows need.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

var (
	// ErrNotFound indicates the cluster or its node container does not exist
	// or is not running.
	ErrNotFound = errors.New("provider: not found")
	// ErrUnsupported indicates an unknown provider name.
	ErrUnsupported = errors.New("provider: unsupported")
)

// Stream is a duplex byte stream to a process running inside a cluster
// node. Close unblocks pending reads.
type Stream interface {
	io.ReadWriteCloser
}

// Provider creates, inspects and destroys clusters. Every call blocks until
// the underlying tool returns and is run off the request path.
type Provider interface {
	Name() string
	Create(ctx context.Context, name string) error
	Credentials(ctx context.Context, name string) (string, error)
	Destroy(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, command []string) (Stream, error)
}

// Resolver looks up a provider by name.
type Resolver interface {
	Get(name string) (Provider, error)
}

// Registry is a fixed set of providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

var _ Resolver = (*Registry)(nil)

// NewRegistry indexes providers by Name.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered as name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
