package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a cluster record. A deleted cluster has
// no record at all; StatusDeleted only appears in notifications.
type Status string

const (
	StatusProvisioning Status = "PROVISIONING"
	StatusRunning      Status = "RUNNING"
	StatusError        Status = "ERROR"
	StatusDeleting     Status = "DELETING"
	StatusDeleted      Status = "DELETED"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("domain: invalid status transition")
	// ErrAlreadyDeleting is returned when teardown was already requested.
	ErrAlreadyDeleting = errors.New("domain: cluster already deleting")
	// ErrAccessDenied is returned when an identity may not act on a cluster.
	ErrAccessDenied = errors.New("domain: access denied")
	// ErrNotRunning is returned for operations that need a RUNNING cluster.
	ErrNotRunning = errors.New("domain: cluster not running")
	// ErrInvalidName is returned for names outside the DNS label rules.
	ErrInvalidName = errors.New("domain: invalid cluster name")
)

// Valid reports whether s is a persisted status.
func (s Status) Valid() bool {
	switch s {
	case StatusProvisioning, StatusRunning, StatusError, StatusDeleting:
		return true
	}
	return false
}

// Terminal reports whether the provisioning workflow has finished for s.
func (s Status) Terminal() bool {
	return s == StatusRunning || s == StatusError
}

// CanTransition reports whether a record in status s may move to next.
// StatusDeleted stands for removal of the record.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusProvisioning:
		return next == StatusRunning || next == StatusError || next == StatusDeleting
	case StatusRunning, StatusError:
		return next == StatusDeleting
	case StatusDeleting:
		return next == StatusDeleted
	}
	return false
}

// Cluster is a leased environment record.
type Cluster struct {
	ID   string
	Name string
	// BackingName is the cluster name at the provider. Name is unique only
	// within its owner scope; BackingName is unique across all owners.
	BackingName         string
	Status              Status
	Provider            string
	LeaseExpiresAt      time.Time
	EncryptedKubeconfig []byte
	UserID              string
	TeamID              *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Expired reports whether the lease deadline has passed at now.
func (c *Cluster) Expired(now time.Time) bool {
	return !c.LeaseExpiresAt.After(now)
}

// HasCredentials reports whether a credential blob may be served.
func (c *Cluster) HasCredentials() bool {
	return c.Status == StatusRunning && len(c.EncryptedKubeconfig) > 0
}

const (
	minNameLen = 3
	maxNameLen = 50

	backingPrefix = "lab-"
	backingIDLen  = 16
)

// BackingNameFor derives the provider-side cluster name of record id.
// The result stays within the kind and k3d name limits.
func BackingNameFor(id string) string {
	compact := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if len(compact) > backingIDLen {
		compact = compact[:backingIDLen]
	}
	return backingPrefix + compact
}

var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// NormalizeName trims and lower-cases name and checks it is a usable
// cluster name.
func NormalizeName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if len(n) < minNameLen || len(n) > maxNameLen {
		return "", fmt.Errorf("%w: must be %d-%d characters", ErrInvalidName, minNameLen, maxNameLen)
	}
	if !namePattern.MatchString(n) {
		return "", fmt.Errorf("%w: lowercase letters, digits and '-' only, starting and ending alphanumeric", ErrInvalidName)
	}
	return n, nil
}
