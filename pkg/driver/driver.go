// Package driver abstracts the container engine that hosts bot containers:
// create+start, stop, list-by-label, and inspect.
package driver

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors mapped from engine failures.
var (
	// ErrUnavailable means the engine endpoint cannot be reached.
	ErrUnavailable = errors.New("container engine unavailable")

	// ErrImageMissing means the requested image is not present on the host.
	ErrImageMissing = errors.New("container image missing")

	// ErrConflict means the engine rejected the request due to a resource
	// conflict (e.g. duplicate container name).
	ErrConflict = errors.New("container resource conflict")
)

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	Image      string
	Name       string
	Env        []string
	Labels     map[string]string
	Network    string
	AutoRemove bool
}

// Container is a descriptor of a running container.
type Container struct {
	ID        string
	Name      string
	Labels    map[string]string
	CreatedAt time.Time
	Status    string
}

// ContainerDriver is the engine adapter. Stop is idempotent: stopping a
// container that is already stopped or gone succeeds.
type ContainerDriver interface {
	// CreateAndStart creates a container from the spec, starts it, and
	// returns its id.
	CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error)

	// Stop stops a container, allowing it timeout to exit gracefully.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// ListRunning returns running containers carrying every given label.
	ListRunning(ctx context.Context, filterLabels map[string]string) ([]Container, error)

	// IsRunning reports whether the container exists and is running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// Close releases the engine connection.
	Close() error
}
