package container

import (
	"fmt"
	"sync"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

type ContainerType string

const (
	ContainerTypeMongoDB ContainerType = "mongodb"
)

type ContainerInfo struct {
	Name string
	Type ContainerType
}

// ContainerBuilder manages throwaway containers for integration tests and
// remembers everything it started so PruneAll can clean up.
type ContainerBuilder struct {
	pool *dockertest.Pool

	mu       sync.Mutex
	tracked  map[string]ContainerInfo
	disposed bool
}

// NewContainerBuilder connects to the docker daemon. An empty endpoint uses
// the environment defaults.
func NewContainerBuilder(endpoint string) (*ContainerBuilder, error) {
	pool, err := dockertest.NewPool(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect docker: %w", err)
	}
	if err := pool.Client.Ping(); err != nil {
		return nil, fmt.Errorf("ping docker: %w", err)
	}
	return &ContainerBuilder{
		pool:    pool,
		tracked: make(map[string]ContainerInfo),
	}, nil
}

// FindContainer returns the container with the given name, or nil when no
// such container exists.
func (b *ContainerBuilder) FindContainer(name string) (*docker.APIContainers, error) {
	containers, err := b.pool.Client.ListContainers(docker.ListContainersOptions{
		All: true,
		Filters: map[string][]string{
			"name": {name},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

// AddContainer registers an already-running container so PruneAll covers it.
func (b *ContainerBuilder) AddContainer(id string, info ContainerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracked[id] = info
}

func (b *ContainerBuilder) RunWithOptions(options *dockertest.RunOptions) (*dockertest.Resource, error) {
	resource, err := b.pool.RunWithOptions(options, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, fmt.Errorf("run container %s: %w", options.Name, err)
	}
	return resource, nil
}

// Retry runs op until it succeeds or the pool's max wait elapses.
func (b *ContainerBuilder) Retry(op func() error) error {
	return b.pool.Retry(op)
}

// PruneAll force-removes every container the builder knows about.
func (b *ContainerBuilder) PruneAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil
	}
	for id := range b.tracked {
		err := b.pool.Client.RemoveContainer(docker.RemoveContainerOptions{
			ID:            id,
			Force:         true,
			RemoveVolumes: true,
		})
		if err != nil {
			if _, gone := err.(*docker.NoSuchContainer); !gone {
				return fmt.Errorf("remove container %s: %w", id, err)
			}
		}
		delete(b.tracked, id)
	}
	b.disposed = true
	return nil
}
