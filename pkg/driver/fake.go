package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeDriver is an in-memory ContainerDriver for tests. Failure modes are
// injected through the exported error fields.
type FakeDriver struct {
	mu sync.Mutex

	containers map[string]*fakeContainer
	nextID     int

	// CreateErr, StopErr, ListErr, and InspectErr, when set, are returned
	// by the corresponding operation.
	CreateErr  error
	StopErr    error
	ListErr    error
	InspectErr error

	// StopCalls records the container ids passed to Stop, in order.
	StopCalls []string
}

type fakeContainer struct {
	Container
	env     []string
	running bool
}

// NewFakeDriver creates an empty fake engine.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{containers: make(map[string]*fakeContainer)}
}

func (d *FakeDriver) CreateAndStart(_ context.Context, spec ContainerSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateErr != nil {
		return "", d.CreateErr
	}
	d.nextID++
	id := fmt.Sprintf("container-%d", d.nextID)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	d.containers[id] = &fakeContainer{
		Container: Container{
			ID:        id,
			Name:      spec.Name,
			Labels:    labels,
			CreatedAt: time.Now().UTC(),
			Status:    "Up 1 second",
		},
		env:     append([]string(nil), spec.Env...),
		running: true,
	}
	return id, nil
}

// EnvOf returns the environment the container was created with.
func (d *FakeDriver) EnvOf(containerID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[containerID]; ok {
		return append([]string(nil), c.env...)
	}
	return nil
}

func (d *FakeDriver) Stop(_ context.Context, containerID string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StopErr != nil {
		return d.StopErr
	}
	d.StopCalls = append(d.StopCalls, containerID)
	if c, ok := d.containers[containerID]; ok {
		c.running = false
	}
	return nil
}

func (d *FakeDriver) ListRunning(_ context.Context, filterLabels map[string]string) ([]Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	var out []Container
	for _, c := range d.containers {
		if !c.running {
			continue
		}
		match := true
		for k, v := range filterLabels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, c.Container)
		}
	}
	return out, nil
}

func (d *FakeDriver) IsRunning(_ context.Context, containerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InspectErr != nil {
		return false, d.InspectErr
	}
	c, ok := d.containers[containerID]
	return ok && c.running, nil
}

// Kill marks a container as not running without recording a Stop call,
// simulating an out-of-band death.
func (d *FakeDriver) Kill(containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[containerID]; ok {
		c.running = false
	}
}

func (d *FakeDriver) Close() error { return nil }

var _ ContainerDriver = (*FakeDriver)(nil)
