package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/pkg/logger"
	"github.com/rs/xid"
	"go.uber.org/fx"
)

const eventBufferSize = 128

type Params struct {
	fx.In
	Repo   domain.Repository
	Config config.RegistryConfig
}

// NewRegistry builds the container registry. The registry is constructed
// once at startup and injected into discovery and placement; there is no
// package-level instance.
func NewRegistry(params Params) (*Registry, error) {
	reg := &Registry{
		cfg:        params.Config,
		repo:       params.Repo,
		table:      make(map[string]*entry),
		byEndpoint: make(map[string]string),
		now:        time.Now,
	}
	return reg, nil
}

// entry pairs a container record with its own mutex so heartbeats for
// different containers never contend while two for the same container are
// serialized.
type entry struct {
	mu  sync.Mutex
	rec *domain.ContainerRecord
}

// Registry is the authoritative table of known containers. All mutations go
// through registration, heartbeat processing and the failure-detection
// sweep.
type Registry struct {
	cfg  config.RegistryConfig
	repo domain.Repository

	mu         sync.RWMutex
	table      map[string]*entry
	byEndpoint map[string]string

	subMu  sync.Mutex
	subs   []chan domain.Event
	closed bool

	// now is swappable so sweep timing is testable.
	now func() time.Time
}

func endpointKey(address string, port int) string {
	return address + ":" + strconv.Itoa(port)
}

// Load seeds the in-memory table from the persistent store. Containers that
// went silent while the coordinator was down are caught by the first sweep.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.repo.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("load containers: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.table[rec.ID] = &entry{rec: rec}
		r.byEndpoint[endpointKey(rec.NetworkAddress, rec.APIPort)] = rec.ID
	}
	logger.Logger(ctx).Info().Int("containers", len(records)).Msg("registry loaded from store")
	return nil
}

func (r *Registry) Register(ctx context.Context, info domain.ContainerInfo) (string, error) {
	if info.NetworkAddress == "" || info.APIPort <= 0 || len(info.Capabilities) == 0 {
		return "", fmt.Errorf("%w: network_address, api_port and capabilities are required", domain.ErrInvalidRegistration)
	}
	if info.MaxAgents <= 0 {
		info.MaxAgents = r.cfg.DefaultMaxAgents
	}

	key := endpointKey(info.NetworkAddress, info.APIPort)
	now := r.now()

	r.mu.Lock()
	if id, ok := r.byEndpoint[key]; ok {
		ent := r.table[id]
		r.mu.Unlock()
		return r.refresh(ctx, ent, info, now)
	}

	rec := &domain.ContainerRecord{
		ID:              xid.New().String(),
		NetworkAddress:  info.NetworkAddress,
		APIPort:         info.APIPort,
		Capabilities:    append([]string(nil), info.Capabilities...),
		Resources:       info.Resources,
		MaxAgents:       info.MaxAgents,
		State:           domain.ContainerRegistering,
		HealthScore:     100,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}
	// Admission: registration passed validation, so the container moves
	// straight through Registering to Active.
	rec.State = domain.ContainerActive
	r.table[rec.ID] = &entry{rec: rec}
	r.byEndpoint[key] = rec.ID
	r.mu.Unlock()

	if err := r.repo.UpsertContainer(ctx, rec.Clone()); err != nil {
		return "", fmt.Errorf("persist container %s: %w", rec.ID, err)
	}
	r.publish(ctx, domain.Event{
		Type:        domain.EventContainerRegistered,
		ContainerID: rec.ID,
		OccurredAt:  now,
	})
	logger.Logger(ctx).Info().
		Str("container_id", rec.ID).
		Str("endpoint", key).
		Strs("capabilities", rec.Capabilities).
		Msg("container registered")
	return rec.ID, nil
}

// refresh handles duplicate registration of a known endpoint: the existing
// record is updated in place and the same id is returned.
func (r *Registry) refresh(ctx context.Context, ent *entry, info domain.ContainerInfo, now time.Time) (string, error) {
	ent.mu.Lock()
	rec := ent.rec
	wasInactive := rec.State == domain.ContainerInactive
	rec.Capabilities = append([]string(nil), info.Capabilities...)
	rec.Resources = info.Resources
	rec.MaxAgents = info.MaxAgents
	rec.State = domain.ContainerActive
	rec.HealthScore = 100
	rec.LastHeartbeatAt = now
	rec.UpdatedAt = now
	snapshot := rec.Clone()
	ent.mu.Unlock()

	if err := r.repo.UpsertContainer(ctx, snapshot); err != nil {
		return "", fmt.Errorf("persist container %s: %w", snapshot.ID, err)
	}
	evType := domain.EventContainerRegistered
	if wasInactive {
		evType = domain.EventContainerRecovered
	}
	r.publish(ctx, domain.Event{Type: evType, ContainerID: snapshot.ID, OccurredAt: now})
	return snapshot.ID, nil
}

func (r *Registry) Heartbeat(ctx context.Context, containerID string, hb domain.HeartbeatRecord) error {
	r.mu.RLock()
	ent, ok := r.table[containerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownContainer, containerID)
	}

	now := r.now()
	ent.mu.Lock()
	rec := ent.rec
	if rec.State == domain.ContainerInactive {
		// Terminal until a fresh registration restarts the cycle.
		ent.mu.Unlock()
		return fmt.Errorf("%w: %s is inactive, re-register", domain.ErrUnknownContainer, containerID)
	}
	if !hb.ObservedAt.IsZero() && hb.ObservedAt.Before(rec.LastHeartbeatAt) {
		// A later heartbeat already won.
		ent.mu.Unlock()
		return nil
	}
	recovered := rec.State == domain.ContainerDegraded
	rec.State = domain.ContainerActive
	rec.LastHeartbeatAt = now
	rec.HealthScore = hb.HealthScore
	rec.Resources = hb.Resources
	// The placement manager's reservations are a floor here: a report taken
	// while a deploy command is still in flight must not erase the reserved
	// slot, or concurrent deploys could push the container past MaxAgents.
	// Counts come back down through the manager's explicit releases.
	if len(hb.ActiveAgentIDs) > rec.AgentCount {
		rec.AgentCount = len(hb.ActiveAgentIDs)
	}
	rec.UpdatedAt = now
	snapshot := rec.Clone()
	ent.mu.Unlock()

	if err := r.repo.UpsertContainer(ctx, snapshot); err != nil {
		return fmt.Errorf("persist heartbeat for %s: %w", containerID, err)
	}
	if recovered {
		r.publish(ctx, domain.Event{
			Type:        domain.EventContainerRecovered,
			ContainerID: containerID,
			OccurredAt:  now,
		})
		logger.Logger(ctx).Info().Str("container_id", containerID).Msg("container recovered")
	}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, containerID string) error {
	r.mu.Lock()
	ent, ok := r.table[containerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownContainer, containerID)
	}
	delete(r.table, containerID)
	delete(r.byEndpoint, endpointKey(ent.rec.NetworkAddress, ent.rec.APIPort))
	r.mu.Unlock()

	if err := r.repo.DeleteContainer(ctx, containerID); err != nil {
		return fmt.Errorf("delete container %s: %w", containerID, err)
	}
	r.publish(ctx, domain.Event{
		Type:        domain.EventContainerDeregistered,
		ContainerID: containerID,
		OccurredAt:  r.now(),
	})
	return nil
}

func (r *Registry) ListActive(ctx context.Context) []*domain.ContainerRecord {
	return r.list(func(rec *domain.ContainerRecord) bool {
		return rec.State == domain.ContainerActive
	})
}

func (r *Registry) List(ctx context.Context) []*domain.ContainerRecord {
	return r.list(func(*domain.ContainerRecord) bool { return true })
}

func (r *Registry) list(keep func(*domain.ContainerRecord) bool) []*domain.ContainerRecord {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.table))
	for _, ent := range r.table {
		entries = append(entries, ent)
	}
	r.mu.RUnlock()

	out := make([]*domain.ContainerRecord, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		if keep(ent.rec) {
			out = append(out, ent.rec.Clone())
		}
		ent.mu.Unlock()
	}
	// Stable order keeps strategy selection deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(ctx context.Context, containerID string) (*domain.ContainerRecord, error) {
	r.mu.RLock()
	ent, ok := r.table[containerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownContainer, containerID)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.rec.Clone(), nil
}

func (r *Registry) AdjustAgentCount(ctx context.Context, containerID string, delta int) error {
	r.mu.RLock()
	ent, ok := r.table[containerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownContainer, containerID)
	}
	ent.mu.Lock()
	ent.rec.AgentCount += delta
	if ent.rec.AgentCount < 0 {
		ent.rec.AgentCount = 0
	}
	ent.rec.UpdatedAt = r.now()
	snapshot := ent.rec.Clone()
	ent.mu.Unlock()

	return r.repo.UpsertContainer(ctx, snapshot)
}

// Subscribe returns a buffered channel of lifecycle events. Subscribers that
// fall behind lose events rather than stalling registry operations.
func (r *Registry) Subscribe() <-chan domain.Event {
	ch := make(chan domain.Event, eventBufferSize)
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		close(ch)
		return ch
	}
	r.subs = append(r.subs, ch)
	return ch
}

// Close shuts down event fan-out.
func (r *Registry) Close() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

func (r *Registry) publish(ctx context.Context, ev domain.Event) {
	if err := r.repo.PublishEvent(ctx, ev); err != nil {
		logger.Logger(ctx).Warn().Err(err).Str("event", string(ev.Type)).Msg("persist event failed")
	}
	r.subMu.Lock()
	subs := append([]chan domain.Event(nil), r.subs...)
	r.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			logger.Logger(ctx).Warn().Str("event", string(ev.Type)).Msg("subscriber behind, event dropped")
		}
	}
}
