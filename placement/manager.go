package placement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/hub"
	"github.com/Gthulhu/fleet/metrics"
	"github.com/Gthulhu/fleet/pkg/logger"
	"github.com/Gthulhu/fleet/pkg/util"
	"github.com/rs/xid"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
)

type Params struct {
	fx.In
	Registry  domain.Registry
	Repo      domain.Repository
	Driver    domain.RuntimeDriver
	Hub       domain.Hub
	Config    config.PlacementConfig
	Collector *metrics.FleetCollector
}

// NewManager builds the agent placement manager.
func NewManager(params Params) (*Manager, error) {
	return &Manager{
		cfg:          params.Config,
		registry:     params.Registry,
		repo:         params.Repo,
		driver:       params.Driver,
		hub:          params.Hub,
		metrics:      params.Collector,
		agents:       make(map[string]*domain.AgentRecord),
		agentLocks:   util.NewGenericMap[string, *sync.Mutex](),
		reserveLocks: util.NewGenericMap[string, *sync.Mutex](),
	}, nil
}

// Manager owns all AgentRecords and drives deploy, migrate and rebalance.
// Placement for a single agent is serialized through a per-agent lock so the
// single-owner invariant holds under concurrent requests; different agents
// place in parallel.
type Manager struct {
	cfg      config.PlacementConfig
	registry domain.Registry
	repo     domain.Repository
	driver   domain.RuntimeDriver
	hub      domain.Hub
	metrics  *metrics.FleetCollector

	mu     sync.RWMutex
	agents map[string]*domain.AgentRecord

	agentLocks   *util.GenericMap[string, *sync.Mutex]
	reserveLocks *util.GenericMap[string, *sync.Mutex]
	rr           atomic.Uint64
}

// Load seeds the agent table from the persistent store.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.repo.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.agents[rec.ID] = rec
	}
	logger.Logger(ctx).Info().Int("agents", len(records)).Msg("placement manager loaded from store")
	return nil
}

// swap installs a fresh snapshot of an agent record. Records in the table
// are never mutated in place: every transition builds its own copy and
// publishes it here, so GetAgent, ListAgents and the strategy scans read a
// consistent record under m.mu even while a migration is in flight.
func (m *Manager) swap(rec *domain.AgentRecord) {
	m.mu.Lock()
	m.agents[rec.ID] = rec
	m.mu.Unlock()
}

func (m *Manager) lockAgent(agentID string) *sync.Mutex {
	lk, _ := m.agentLocks.LoadOrStore(agentID, &sync.Mutex{})
	return lk
}

func (m *Manager) reserveLock(containerID string) *sync.Mutex {
	lk, _ := m.reserveLocks.LoadOrStore(containerID, &sync.Mutex{})
	return lk
}

func (m *Manager) Deploy(ctx context.Context, spec domain.AgentSpec, strategy domain.StrategyKind) (string, error) {
	if !domain.ValidStrategy(strategy) {
		return "", fmt.Errorf("unknown placement strategy %q", strategy)
	}
	if spec.Type == "" {
		return "", fmt.Errorf("agent spec has no type")
	}

	now := time.Now()
	agent := &domain.AgentRecord{
		ID:                   xid.New().String(),
		Type:                 spec.Type,
		Config:               spec.Config,
		RequiredCapabilities: spec.RequiredCapabilities,
		Requirements:         spec.Requirements,
		AffinityTag:          spec.AffinityTag,
		Strategy:             strategy,
		DesiredState:         domain.AgentPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	lk := m.lockAgent(agent.ID)
	lk.Lock()
	defer lk.Unlock()

	// The record enters the table only once placement succeeded, so a failed
	// deploy leaves no ghost and readers never see a half-placed record.
	if err := m.place(ctx, agent, ""); err != nil {
		return "", err
	}

	if err := m.repo.UpsertAgent(ctx, agent.Clone()); err != nil {
		return "", fmt.Errorf("persist agent %s: %w", agent.ID, err)
	}
	m.swap(agent)
	m.publish(ctx, domain.Event{
		Type:        domain.EventAgentPlaced,
		AgentID:     agent.ID,
		ContainerID: agent.OwningContainerID,
		OccurredAt:  time.Now(),
	})
	m.metrics.AgentsPlaced.Inc()
	logger.Logger(ctx).Info().
		Str("agent_id", agent.ID).
		Str("container_id", agent.OwningContainerID).
		Str("strategy", string(strategy)).
		Msg("agent deployed")
	return agent.ID, nil
}

// place selects a target using the agent's strategy and commits the
// placement. Callers hold the agent's lock.
func (m *Manager) place(ctx context.Context, agent *domain.AgentRecord, exclude string) error {
	target, err := m.selectAndReserve(ctx, agent, exclude)
	if err != nil {
		return err
	}

	if err := m.sendDeploy(ctx, agent, target); err != nil {
		m.release(ctx, target.ID)
		return err
	}

	agent.OwningContainerID = target.ID
	agent.DesiredState = domain.AgentPlaced
	agent.UpdatedAt = time.Now()
	return nil
}

// selectAndReserve runs the strategy over the active pool and re-validates
// capacity under the target's reservation lock. A candidate that loses the
// capacity race is excluded and selection reruns, so two concurrent deploys
// never overcommit a container between scoring and assignment.
func (m *Manager) selectAndReserve(ctx context.Context, agent *domain.AgentRecord, exclude string) (*domain.ContainerRecord, error) {
	excluded := map[string]bool{}
	if exclude != "" {
		excluded[exclude] = true
	}

	for {
		candidates := m.candidatePool(ctx, excluded)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: no active container satisfies strategy %s", domain.ErrNoCapacity, agent.Strategy)
		}

		chosen := choose(agent.Strategy, selection{
			candidates: candidates,
			spec:       specOf(agent),
			affinity:   m.hostsAffinity,
			rrCursor:   m.rr.Add(1) - 1,
		})
		if chosen == nil {
			return nil, fmt.Errorf("%w: no active container satisfies strategy %s", domain.ErrNoCapacity, agent.Strategy)
		}

		if m.reserve(ctx, chosen.ID) {
			return chosen, nil
		}
		excluded[chosen.ID] = true
	}
}

func (m *Manager) candidatePool(ctx context.Context, excluded map[string]bool) []*domain.ContainerRecord {
	active := m.registry.ListActive(ctx)
	out := make([]*domain.ContainerRecord, 0, len(active))
	for _, c := range active {
		if excluded[c.ID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// reserve is the commit half of check-then-commit: the container's current
// state and headroom are re-read under its reservation lock before the agent
// count is bumped.
func (m *Manager) reserve(ctx context.Context, containerID string) bool {
	lk := m.reserveLock(containerID)
	lk.Lock()
	defer lk.Unlock()

	cur, err := m.registry.Get(ctx, containerID)
	if err != nil || cur.State != domain.ContainerActive {
		return false
	}
	if cur.MaxAgents > 0 && cur.AgentCount >= cur.MaxAgents {
		return false
	}
	if err := m.registry.AdjustAgentCount(ctx, containerID, 1); err != nil {
		logger.Logger(ctx).Warn().Err(err).Str("container_id", containerID).Msg("reserve capacity failed")
		return false
	}
	return true
}

func (m *Manager) release(ctx context.Context, containerID string) {
	if err := m.registry.AdjustAgentCount(ctx, containerID, -1); err != nil {
		logger.Logger(ctx).Warn().Err(err).Str("container_id", containerID).Msg("release capacity failed")
	}
}

func (m *Manager) sendDeploy(ctx context.Context, agent *domain.AgentRecord, target *domain.ContainerRecord) error {
	payload, err := hub.EncodeCommand(hub.Command{
		Verb:      hub.VerbDeploy,
		AgentID:   agent.ID,
		AgentType: agent.Type,
		Config:    agent.Config,
	})
	if err != nil {
		return err
	}
	res, err := m.hub.Send(ctx, &domain.Message{
		Recipient:  target.ID,
		Payload:    payload,
		TTLSeconds: int(m.cfg.MigrationTimeout / time.Second),
		Priority:   domain.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("send deploy command for agent %s: %w", agent.ID, err)
	}
	if res.Status != domain.DeliveryDelivered {
		return fmt.Errorf("deploy command for agent %s not delivered to %s: %s", agent.ID, target.ID, res.Error)
	}
	return nil
}

// sendStop tells the source container to stop an agent. Best effort: the
// source may already be gone.
func (m *Manager) sendStop(ctx context.Context, agentID, containerID string) {
	payload, err := hub.EncodeCommand(hub.Command{Verb: hub.VerbStop, AgentID: agentID})
	if err != nil {
		logger.Logger(ctx).Warn().Err(err).Str("agent_id", agentID).Msg("encode stop command failed")
		return
	}
	res, err := m.hub.Send(ctx, &domain.Message{
		Recipient:  containerID,
		Payload:    payload,
		TTLSeconds: int(m.cfg.MigrationTimeout / time.Second),
		Priority:   domain.PriorityHigh,
	})
	if err != nil || res.Status != domain.DeliveryDelivered {
		logger.Logger(ctx).Debug().
			Str("agent_id", agentID).
			Str("container_id", containerID).
			Msg("stop command not delivered, container presumed gone")
	}
}

func (m *Manager) Migrate(ctx context.Context, agentID, targetContainerID string, preserveState bool) error {
	lk := m.lockAgent(agentID)
	lk.Lock()
	defer lk.Unlock()

	m.mu.RLock()
	cur, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}

	// Transitions happen on a private copy. Readers only ever see whole
	// snapshots installed by swap, never a record mid-mutation.
	agent := cur.Clone()
	source := agent.OwningContainerID
	agent.DesiredState = domain.AgentMigrating
	agent.UpdatedAt = time.Now()
	// Persist Migrating up front: a migration cut short by timeout stays
	// Migrating and is retried by the next pass instead of reverting.
	if err := m.repo.UpsertAgent(ctx, agent.Clone()); err != nil {
		return fmt.Errorf("persist agent %s: %w", agentID, err)
	}
	m.swap(agent.Clone())

	// State export happens before the stop command so a healthy source can
	// hand its state over.
	var state []byte
	degraded := false
	if preserveState && source != "" {
		state = m.exportState(ctx, agentID, source)
		if state == nil {
			degraded = true
		}
	}

	var target *domain.ContainerRecord
	var err error
	if targetContainerID != "" {
		target, err = m.registry.Get(ctx, targetContainerID)
		if err != nil {
			return err
		}
		if target.State != domain.ContainerActive {
			return fmt.Errorf("%w: target %s is %s", domain.ErrNoCapacity, targetContainerID, target.State)
		}
		if !m.reserve(ctx, target.ID) {
			return fmt.Errorf("%w: target %s is full", domain.ErrNoCapacity, targetContainerID)
		}
	} else {
		target, err = m.selectAndReserve(ctx, agent, source)
		if err != nil {
			return err
		}
	}

	if source != "" {
		m.sendStop(ctx, agentID, source)
		m.release(ctx, source)
	}

	if state != nil {
		importCtx, cancel := context.WithTimeout(ctx, m.cfg.MigrationTimeout)
		err = m.driver.ImportState(importCtx, target, agentID, state)
		cancel()
		if err != nil {
			m.release(ctx, target.ID)
			return fmt.Errorf("import state for agent %s on %s: %w", agentID, target.ID, err)
		}
	}

	if err := m.sendDeploy(ctx, agent, target); err != nil {
		m.release(ctx, target.ID)
		return err
	}

	// Only now does the agent count as Placed on the new container.
	agent.OwningContainerID = target.ID
	agent.DesiredState = domain.AgentPlaced
	agent.UpdatedAt = time.Now()
	if err := m.repo.UpsertAgent(ctx, agent.Clone()); err != nil {
		return fmt.Errorf("persist agent %s: %w", agentID, err)
	}
	m.swap(agent)

	evType := domain.EventAgentMigrated
	detail := ""
	if degraded {
		detail = "state export failed, migrated without state"
	}
	m.publish(ctx, domain.Event{
		Type:        evType,
		AgentID:     agentID,
		ContainerID: target.ID,
		Detail:      detail,
		OccurredAt:  time.Now(),
	})
	m.metrics.MigrationsTotal.Inc()
	logger.Logger(ctx).Info().
		Str("agent_id", agentID).
		Str("source", source).
		Str("target", target.ID).
		Bool("degraded", degraded).
		Msg("agent migrated")
	return nil
}

// exportState tries to capture the agent's state from its source container.
// Failure is not fatal: the migration proceeds without state and the event
// is marked degraded rather than silently dropped.
func (m *Manager) exportState(ctx context.Context, agentID, source string) []byte {
	srcRec, err := m.registry.Get(ctx, source)
	if err == nil {
		exportCtx, cancel := context.WithTimeout(ctx, m.cfg.MigrationTimeout)
		defer cancel()
		var state []byte
		state, err = m.driver.ExportState(exportCtx, srcRec, agentID)
		if err == nil {
			return state
		}
	}
	logger.Logger(ctx).Warn().Err(err).
		Str("agent_id", agentID).
		Str("source", source).
		Msg("state export failed, migration proceeds without state")
	m.publish(ctx, domain.Event{
		Type:        domain.EventMigrationDegraded,
		AgentID:     agentID,
		ContainerID: source,
		Detail:      domain.ErrMigrationDegraded.Error(),
		OccurredAt:  time.Now(),
	})
	m.metrics.MigrationsDegraded.Inc()
	return nil
}

func (m *Manager) GetAgent(ctx context.Context, agentID string) (*domain.AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID)
	}
	return agent.Clone(), nil
}

func (m *Manager) ListAgents(ctx context.Context) []*domain.AgentRecord {
	m.mu.RLock()
	out := make([]*domain.AgentRecord, 0, len(m.agents))
	for _, agent := range m.agents {
		out = append(out, agent.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// hostsAffinity reports whether containerID hosts a placed agent sharing tag.
func (m *Manager) hostsAffinity(containerID, tag string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, agent := range m.agents {
		if agent.OwningContainerID == containerID &&
			agent.AffinityTag == tag &&
			agent.DesiredState == domain.AgentPlaced {
			return true
		}
	}
	return false
}

// RunEventLoop consumes registry lifecycle events and migrates agents off
// lost containers until stop is closed.
func (m *Manager) RunEventLoop(ctx context.Context, stop <-chan struct{}) {
	events := m.registry.Subscribe()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == domain.EventContainerLost {
				m.handleContainerLost(ctx, ev.ContainerID)
			}
		case <-stop:
			return
		}
	}
}

// handleContainerLost re-places every agent owned by the lost container.
// Migrations run concurrently; one agent's failure does not block the
// others.
func (m *Manager) handleContainerLost(ctx context.Context, containerID string) {
	m.mu.RLock()
	var affected []string
	for id, agent := range m.agents {
		if agent.OwningContainerID == containerID {
			affected = append(affected, id)
		}
	}
	m.mu.RUnlock()
	if len(affected) == 0 {
		return
	}
	sort.Strings(affected)

	logger.Logger(ctx).Warn().
		Str("container_id", containerID).
		Int("agents", len(affected)).
		Msg("container lost, migrating its agents")

	var g errgroup.Group
	g.SetLimit(m.cfg.ConcurrentMigrations)
	for _, agentID := range affected {
		g.Go(func() error {
			if err := m.Migrate(ctx, agentID, "", true); err != nil {
				logger.Logger(ctx).Error().Err(err).
					Str("agent_id", agentID).
					Msg("migration off lost container failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func specOf(agent *domain.AgentRecord) domain.AgentSpec {
	return domain.AgentSpec{
		Type:                 agent.Type,
		Config:               agent.Config,
		RequiredCapabilities: agent.RequiredCapabilities,
		Requirements:         agent.Requirements,
		AffinityTag:          agent.AffinityTag,
	}
}

func (m *Manager) publish(ctx context.Context, ev domain.Event) {
	if err := m.repo.PublishEvent(ctx, ev); err != nil {
		logger.Logger(ctx).Warn().Err(err).Str("event", string(ev.Type)).Msg("persist event failed")
	}
}
