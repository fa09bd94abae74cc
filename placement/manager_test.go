package placement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/hub"
	"github.com/Gthulhu/fleet/metrics"
	"github.com/Gthulhu/fleet/registry"
	"github.com/Gthulhu/fleet/repository"
	rt "github.com/Gthulhu/fleet/runtime"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mgr    *Manager
	reg    *registry.Registry
	repo   *repository.MemoryRepo
	driver *rt.MockDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	reg, err := registry.NewRegistry(registry.Params{
		Repo: repo,
		Config: config.RegistryConfig{
			HeartbeatPeriod:  30 * time.Second,
			HeartbeatTimeout: 90 * time.Second,
			DefaultMaxAgents: 4,
		},
	})
	require.NoError(t, err)

	driver := rt.NewMockDriver()
	collector := metrics.NewUnregisteredCollector(reg)

	h, err := hub.NewHub(hub.Params{
		Registry: reg,
		Driver:   driver,
		Config: config.HubConfig{
			ClusterName:      "fleet-test",
			SharedSecret:     "test-secret",
			DispatchInterval: 5 * time.Millisecond,
			SendTimeout:      500 * time.Millisecond,
		},
		Collector: collector,
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	go h.RunDispatcher(context.Background(), stop)
	t.Cleanup(func() { close(stop) })

	mgr, err := NewManager(Params{
		Registry: reg,
		Repo:     repo,
		Driver:   driver,
		Hub:      h,
		Config: config.PlacementConfig{
			VarianceThreshold:    0.01,
			MaxMigrationsPerPass: 4,
			MigrationTimeout:     2 * time.Second,
			ConcurrentMigrations: 4,
		},
		Collector: collector,
	})
	require.NoError(t, err)

	return &fixture{mgr: mgr, reg: reg, repo: repo, driver: driver}
}

func (f *fixture) addContainer(t *testing.T, address string, maxAgents int, caps ...string) string {
	t.Helper()
	if len(caps) == 0 {
		caps = []string{"general"}
	}
	id, err := f.reg.Register(context.Background(), domain.ContainerInfo{
		NetworkAddress: address,
		APIPort:        9090,
		Capabilities:   caps,
		Resources: domain.Resources{
			CPUCount:    8,
			MemoryBytes: 16 << 30,
		},
		MaxAgents: maxAgents,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) allowDelivery() {
	f.driver.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

func (f *fixture) agentCount(t *testing.T, containerID string) int {
	t.Helper()
	rec, err := f.reg.Get(context.Background(), containerID)
	require.NoError(t, err)
	return rec.AgentCount
}

func TestDeployPlacesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.addContainer(t, "10.0.0.5", 4)
	f.allowDelivery()

	id, err := f.mgr.Deploy(ctx, domain.AgentSpec{
		Type:   "indexer",
		Config: map[string]string{"shard": "7"},
	}, domain.StrategyLeastLoaded)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	agent, err := f.mgr.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, target, agent.OwningContainerID)
	require.Equal(t, domain.AgentPlaced, agent.DesiredState)
	require.Equal(t, domain.StrategyLeastLoaded, agent.Strategy)
	require.Equal(t, 1, f.agentCount(t, target))

	// Persisted for restart recovery.
	stored, err := f.repo.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, target, stored.OwningContainerID)
}

func TestDeployValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "indexer"}, "best-effort")
	require.Error(t, err)

	_, err = f.mgr.Deploy(ctx, domain.AgentSpec{}, domain.StrategyRoundRobin)
	require.Error(t, err)
}

func TestDeployNoActiveContainers(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Deploy(context.Background(), domain.AgentSpec{Type: "indexer"}, domain.StrategyLeastLoaded)
	require.ErrorIs(t, err, domain.ErrNoCapacity)
	require.Empty(t, f.mgr.ListAgents(context.Background()))
}

func TestDeployRollsBackOnDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.addContainer(t, "10.0.0.5", 4)
	f.driver.On("Deliver", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))

	_, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "indexer"}, domain.StrategyLeastLoaded)
	require.Error(t, err)

	// Reservation is released and no ghost agent is left behind.
	require.Equal(t, 0, f.agentCount(t, target))
	require.Empty(t, f.mgr.ListAgents(ctx))
}

func TestDeployCapabilityMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addContainer(t, "10.0.0.5", 4, "general")
	gpu := f.addContainer(t, "10.0.0.6", 4, "general", "gpu")
	f.allowDelivery()

	id, err := f.mgr.Deploy(ctx, domain.AgentSpec{
		Type:                 "trainer",
		RequiredCapabilities: []string{"gpu"},
	}, domain.StrategyCapabilityMatch)
	require.NoError(t, err)

	agent, err := f.mgr.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, gpu, agent.OwningContainerID)

	// No container offers the capability: refused, not misplaced.
	_, err = f.mgr.Deploy(ctx, domain.AgentSpec{
		Type:                 "trainer",
		RequiredCapabilities: []string{"quantum"},
	}, domain.StrategyCapabilityMatch)
	require.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestConcurrentDeploysNeverOvercommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addContainer(t, "10.0.0.5", 2)
	b := f.addContainer(t, "10.0.0.6", 2)
	f.allowDelivery()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.Deploy(ctx, domain.AgentSpec{
				Type: fmt.Sprintf("worker-%d", i),
			}, domain.StrategyLeastLoaded)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "deploy %d", i)
	}
	require.Equal(t, 2, f.agentCount(t, a))
	require.Equal(t, 2, f.agentCount(t, b))

	// The fleet is at capacity now.
	_, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "one-too-many"}, domain.StrategyLeastLoaded)
	require.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestHeartbeatDuringDeployDoesNotOvercommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.addContainer(t, "10.0.0.5", 2)
	f.allowDelivery()

	for i := 0; i < 2; i++ {
		_, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "worker"}, domain.StrategyLeastLoaded)
		require.NoError(t, err)
	}

	// The container reports before it has started either agent. The report
	// must not reopen the reserved slots.
	require.NoError(t, f.reg.Heartbeat(ctx, target, domain.HeartbeatRecord{
		ObservedAt:     time.Now(),
		HealthScore:    100,
		Resources:      domain.Resources{CPUCount: 8},
		ActiveAgentIDs: []string{},
	}))
	require.Equal(t, 2, f.agentCount(t, target))

	_, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "one-too-many"}, domain.StrategyLeastLoaded)
	require.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestMigratePreservesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.addContainer(t, "10.0.0.5", 4)
	f.allowDelivery()

	id, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "indexer"}, domain.StrategyLeastLoaded)
	require.NoError(t, err)

	target := f.addContainer(t, "10.0.0.6", 4)

	state := []byte("opaque-agent-checkpoint")
	f.driver.On("ExportState", mock.Anything, mock.MatchedBy(func(c *domain.ContainerRecord) bool {
		return c.ID == source
	}), id).Return(state, nil)
	// The exact exported bytes must arrive at the target.
	f.driver.On("ImportState", mock.Anything, mock.MatchedBy(func(c *domain.ContainerRecord) bool {
		return c.ID == target
	}), id, state).Return(nil)

	require.NoError(t, f.mgr.Migrate(ctx, id, target, true))

	agent, err := f.mgr.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, target, agent.OwningContainerID)
	require.Equal(t, domain.AgentPlaced, agent.DesiredState)
	require.Equal(t, 0, f.agentCount(t, source))
	require.Equal(t, 1, f.agentCount(t, target))

	f.driver.AssertCalled(t, "ImportState", mock.Anything, mock.Anything, id, state)
}

func TestMigrateDegradedWhenExportFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addContainer(t, "10.0.0.5", 4)
	f.allowDelivery()

	id, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "indexer"}, domain.StrategyLeastLoaded)
	require.NoError(t, err)

	target := f.addContainer(t, "10.0.0.6", 4)
	f.driver.On("ExportState", mock.Anything, mock.Anything, id).
		Return(nil, errors.New("source hung up"))

	// Export failure degrades the migration instead of aborting it.
	require.NoError(t, f.mgr.Migrate(ctx, id, target, true))

	agent, err := f.mgr.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, target, agent.OwningContainerID)
	f.driver.AssertNotCalled(t, "ImportState", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	var sawDegraded, sawMigrated bool
	for _, ev := range f.repo.Events() {
		switch ev.Type {
		case domain.EventMigrationDegraded:
			sawDegraded = true
		case domain.EventAgentMigrated:
			sawMigrated = true
			require.NotEmpty(t, ev.Detail)
		}
	}
	require.True(t, sawDegraded)
	require.True(t, sawMigrated)
}

func TestMigrateUnknownAgent(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Migrate(context.Background(), "ghost", "", false)
	require.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestMigrateRejectsFullTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addContainer(t, "10.0.0.5", 4)
	full := f.addContainer(t, "10.0.0.6", 1)
	f.allowDelivery()

	// Fill the target.
	_, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "squatter"}, domain.StrategyRoundRobin)
	require.NoError(t, err)
	for f.agentCount(t, full) == 0 {
		_, err = f.mgr.Deploy(ctx, domain.AgentSpec{Type: "squatter"}, domain.StrategyRoundRobin)
		require.NoError(t, err)
	}

	id, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "mover"}, domain.StrategyLeastLoaded)
	require.NoError(t, err)
	agent, err := f.mgr.GetAgent(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, full, agent.OwningContainerID)

	err = f.mgr.Migrate(ctx, id, full, false)
	require.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestMigrateAutoTargetExcludesSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.addContainer(t, "10.0.0.5", 4)
	f.allowDelivery()

	id, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "indexer"}, domain.StrategyLeastLoaded)
	require.NoError(t, err)

	// The source is the only container: auto-selection must refuse rather
	// than "migrate" in place.
	err = f.mgr.Migrate(ctx, id, "", false)
	require.ErrorIs(t, err, domain.ErrNoCapacity)

	other := f.addContainer(t, "10.0.0.6", 4)
	require.NoError(t, f.mgr.Migrate(ctx, id, "", false))

	agent, err := f.mgr.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, other, agent.OwningContainerID)
	require.Equal(t, 0, f.agentCount(t, source))
}

func TestReadsDuringMigrationSeeConsistentRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addContainer(t, "10.0.0.5", 8)
	f.addContainer(t, "10.0.0.6", 8)
	f.allowDelivery()

	id, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "indexer"}, domain.StrategyLeastLoaded)
	require.NoError(t, err)

	// Readers hammer the agent table while migrations bounce the agent
	// between the two containers. Run under -race this catches any in-place
	// mutation of a record the readers can see.
	done := make(chan struct{})
	var sawEmptyOwner atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if agent, err := f.mgr.GetAgent(ctx, id); err == nil && agent.OwningContainerID == "" {
					sawEmptyOwner.Store(true)
				}
				f.mgr.ListAgents(ctx)
			}
		}()
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, f.mgr.Migrate(ctx, id, "", false))
	}
	close(done)
	wg.Wait()

	require.False(t, sawEmptyOwner.Load(), "readers must never see an agent without an owner")
	agent, err := f.mgr.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.AgentPlaced, agent.DesiredState)
}

func TestContainerLostMigratesItsAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doomed := f.addContainer(t, "10.0.0.5", 4)
	f.allowDelivery()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.mgr.Deploy(ctx, domain.AgentSpec{
			Type: fmt.Sprintf("worker-%d", i),
		}, domain.StrategyLeastLoaded)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	refuge := f.addContainer(t, "10.0.0.6", 4)
	// The lost container cannot serve state exports.
	f.driver.On("ExportState", mock.Anything, mock.MatchedBy(func(c *domain.ContainerRecord) bool {
		return c.ID == doomed
	}), mock.Anything).Return(nil, errors.New("no route to host"))

	f.mgr.handleContainerLost(ctx, doomed)

	for _, id := range ids {
		agent, err := f.mgr.GetAgent(ctx, id)
		require.NoError(t, err)
		require.Equal(t, refuge, agent.OwningContainerID, "agent %s should land on the refuge", id)
		require.Equal(t, domain.AgentPlaced, agent.DesiredState)
	}
	require.Equal(t, 3, f.agentCount(t, refuge))
}

// TestEventLoopMigratesOffLostContainer drives the full wiring: the sweeper
// detects the silent container, publishes ContainerLost through the
// subscription, and the event loop re-homes its agent.
func TestEventLoopMigratesOffLostContainer(t *testing.T) {
	repo := repository.NewMemoryRepository()
	reg, err := registry.NewRegistry(registry.Params{
		Repo: repo,
		Config: config.RegistryConfig{
			HeartbeatPeriod:  100 * time.Millisecond,
			HeartbeatTimeout: 200 * time.Millisecond,
			SweepInterval:    25 * time.Millisecond,
			DefaultMaxAgents: 4,
		},
	})
	require.NoError(t, err)

	driver := rt.NewMockDriver()
	collector := metrics.NewUnregisteredCollector(reg)
	h, err := hub.NewHub(hub.Params{
		Registry: reg,
		Driver:   driver,
		Config: config.HubConfig{
			ClusterName:      "fleet-test",
			SharedSecret:     "test-secret",
			DispatchInterval: 5 * time.Millisecond,
			SendTimeout:      500 * time.Millisecond,
		},
		Collector: collector,
	})
	require.NoError(t, err)

	mgr, err := NewManager(Params{
		Registry: reg,
		Repo:     repo,
		Driver:   driver,
		Hub:      h,
		Config: config.PlacementConfig{
			VarianceThreshold:    0.01,
			MaxMigrationsPerPass: 4,
			MigrationTimeout:     2 * time.Second,
			ConcurrentMigrations: 4,
		},
		Collector: collector,
	})
	require.NoError(t, err)

	ctx := context.Background()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go h.RunDispatcher(ctx, stop)

	driver.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	// The lost container cannot serve state exports.
	driver.On("ExportState", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("no route to host"))

	register := func(address string) string {
		id, err := reg.Register(ctx, domain.ContainerInfo{
			NetworkAddress: address,
			APIPort:        9090,
			Capabilities:   []string{"general"},
			Resources:      domain.Resources{CPUCount: 8, MemoryBytes: 16 << 30},
			MaxAgents:      4,
		})
		require.NoError(t, err)
		return id
	}

	doomed := register("10.0.0.5")
	agentID, err := mgr.Deploy(ctx, domain.AgentSpec{Type: "indexer"}, domain.StrategyLeastLoaded)
	require.NoError(t, err)
	refuge := register("10.0.0.6")

	go mgr.RunEventLoop(ctx, stop)
	go reg.RunSweeper(ctx, stop)

	// The refuge keeps heartbeating; the doomed container goes silent.
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = reg.Heartbeat(ctx, refuge, domain.HeartbeatRecord{
					ObservedAt:  time.Now(),
					HealthScore: 100,
					Resources:   domain.Resources{CPUCount: 8},
				})
			}
		}
	}()

	require.Eventually(t, func() bool {
		agent, err := mgr.GetAgent(ctx, agentID)
		return err == nil &&
			agent.OwningContainerID == refuge &&
			agent.DesiredState == domain.AgentPlaced
	}, 5*time.Second, 10*time.Millisecond, "agent should be re-homed off the lost container")

	rec, err := reg.Get(ctx, doomed)
	require.NoError(t, err)
	require.Equal(t, domain.ContainerInactive, rec.State)
}

func TestListAgentsSorted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addContainer(t, "10.0.0.5", 8)
	f.allowDelivery()

	for i := 0; i < 4; i++ {
		_, err := f.mgr.Deploy(ctx, domain.AgentSpec{Type: "w"}, domain.StrategyRoundRobin)
		require.NoError(t, err)
	}

	agents := f.mgr.ListAgents(ctx)
	require.Len(t, agents, 4)
	for i := 1; i < len(agents); i++ {
		require.Less(t, agents[i-1].ID, agents[i].ID)
	}
}
