package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gthulhu/fleet/domain"
)

// NewMemoryRepository returns an in-memory Repository used by unit tests and
// by deployments that run without a durable store.
func NewMemoryRepository() *MemoryRepo {
	return &MemoryRepo{
		containers: make(map[string]*domain.ContainerRecord),
		agents:     make(map[string]*domain.AgentRecord),
	}
}

type MemoryRepo struct {
	mu         sync.RWMutex
	containers map[string]*domain.ContainerRecord
	agents     map[string]*domain.AgentRecord
	events     []domain.Event
}

func (r *MemoryRepo) UpsertContainer(ctx context.Context, c *domain.ContainerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[c.ID] = c.Clone()
	return nil
}

func (r *MemoryRepo) GetContainer(ctx context.Context, id string) (*domain.ContainerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownContainer, id)
	}
	return c.Clone(), nil
}

func (r *MemoryRepo) ListContainers(ctx context.Context) ([]*domain.ContainerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.ContainerRecord, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (r *MemoryRepo) DeleteContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	return nil
}

func (r *MemoryRepo) UpsertAgent(ctx context.Context, a *domain.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a.Clone()
	return nil
}

func (r *MemoryRepo) GetAgent(ctx context.Context, id string) (*domain.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, id)
	}
	return a.Clone(), nil
}

func (r *MemoryRepo) ListAgents(ctx context.Context) ([]*domain.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AgentRecord, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (r *MemoryRepo) PublishEvent(ctx context.Context, ev domain.Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a snapshot of published events, oldest first.
func (r *MemoryRepo) Events() []domain.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Event(nil), r.events...)
}
