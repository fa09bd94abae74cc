package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/registry"
	"github.com/Gthulhu/fleet/repository"
	rt "github.com/Gthulhu/fleet/runtime"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestDiscovery(t *testing.T, driver domain.RuntimeDriver, cfg config.DiscoveryConfig) (*Discovery, *registry.Registry) {
	t.Helper()
	reg, err := registry.NewRegistry(registry.Params{
		Repo: repository.NewMemoryRepository(),
		Config: config.RegistryConfig{
			HeartbeatPeriod:  30 * time.Second,
			HeartbeatTimeout: 90 * time.Second,
			DefaultMaxAgents: 4,
		},
	})
	require.NoError(t, err)

	d, err := NewDiscovery(Params{Registry: reg, Driver: driver, Config: cfg})
	require.NoError(t, err)
	return d, reg
}

func collect(ch <-chan Candidate) []Candidate {
	var out []Candidate
	for cand := range ch {
		out = append(out, cand)
	}
	return out
}

func TestScanEnumeratesCIDR(t *testing.T) {
	d, _ := newTestDiscovery(t, rt.NewMockDriver(), config.DiscoveryConfig{ProbePort: 9090})

	got := collect(d.Scan(context.Background(), []string{"192.168.1.0/30"}))
	require.Len(t, got, 4)
	require.Equal(t, "192.168.1.0", got[0].Address)
	require.Equal(t, "192.168.1.3", got[3].Address)
	for _, cand := range got {
		require.Equal(t, 9090, cand.Port)
	}
}

func TestScanSkipsMalformedRange(t *testing.T) {
	d, _ := newTestDiscovery(t, rt.NewMockDriver(), config.DiscoveryConfig{ProbePort: 9090})

	got := collect(d.Scan(context.Background(), []string{"not-a-cidr", "10.0.0.0/31"}))
	require.Len(t, got, 2, "malformed range skipped, valid range still scanned")

	require.Empty(t, collect(d.Scan(context.Background(), nil)))
}

func TestScanStopsOnContextCancel(t *testing.T) {
	d, _ := newTestDiscovery(t, rt.NewMockDriver(), config.DiscoveryConfig{ProbePort: 9090})

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Scan(ctx, []string{"10.0.0.0/8"})
	<-ch
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("scan did not stop after cancel")
		}
	}
}

func TestProbeRetriesThenReports(t *testing.T) {
	driver := rt.NewMockDriver()
	d, _ := newTestDiscovery(t, driver, config.DiscoveryConfig{
		ProbePort:    9090,
		ProbeTimeout: 100 * time.Millisecond,
		MaxRetries:   2,
	})

	driver.On("Probe", mock.Anything, "10.0.0.5", 9090).
		Return(nil, errors.New("connection refused"))

	_, err := d.Probe(context.Background(), Candidate{Address: "10.0.0.5", Port: 9090})
	require.ErrorIs(t, err, domain.ErrNotReachable)
	// Initial attempt plus MaxRetries.
	driver.AssertNumberOfCalls(t, "Probe", 3)
}

func TestProbeSucceedsAfterTransientFailure(t *testing.T) {
	driver := rt.NewMockDriver()
	d, _ := newTestDiscovery(t, driver, config.DiscoveryConfig{
		ProbePort:    9090,
		ProbeTimeout: 100 * time.Millisecond,
		MaxRetries:   2,
	})

	want := &domain.ProbeResult{Capabilities: []string{"general"}, MaxAgents: 4}
	driver.On("Probe", mock.Anything, "10.0.0.5", 9090).
		Return(nil, errors.New("timeout")).Once()
	driver.On("Probe", mock.Anything, "10.0.0.5", 9090).
		Return(want, nil)

	got, err := d.Probe(context.Background(), Candidate{Address: "10.0.0.5", Port: 9090})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCycleRegistersReachableSkipsRest(t *testing.T) {
	driver := rt.NewMockDriver()
	d, reg := newTestDiscovery(t, driver, config.DiscoveryConfig{
		Enabled:       true,
		NetworkRanges: []string{"10.0.0.0/30"},
		ProbePort:     9090,
		ProbeTimeout:  50 * time.Millisecond,
		MaxRetries:    0,
		ScanInterval:  time.Minute,
	})

	// One live endpoint in the range; the rest refuse.
	driver.On("Probe", mock.Anything, "10.0.0.2", 9090).Return(&domain.ProbeResult{
		Capabilities: []string{"general", "gpu"},
		Resources:    domain.Resources{CPUCount: 8, MemoryBytes: 16 << 30},
		MaxAgents:    4,
	}, nil)
	driver.On("Probe", mock.Anything, mock.Anything, 9090).
		Return(nil, errors.New("connection refused"))

	d.Cycle(context.Background())

	containers := reg.ListActive(context.Background())
	require.Len(t, containers, 1)
	require.Equal(t, "10.0.0.2", containers[0].NetworkAddress)
	require.Equal(t, []string{"general", "gpu"}, containers[0].Capabilities)

	// A second cycle re-registers the live endpoint idempotently and skips
	// cached-unreachable endpoints without probing them again.
	calls := len(driver.Calls)
	d.Cycle(context.Background())
	require.Len(t, reg.ListActive(context.Background()), 1)
	require.Equal(t, calls+1, len(driver.Calls), "only the live endpoint is re-probed")
}

func TestCycleRediscoversAfterCacheExpiry(t *testing.T) {
	driver := rt.NewMockDriver()
	d, reg := newTestDiscovery(t, driver, config.DiscoveryConfig{
		Enabled:       true,
		NetworkRanges: []string{"10.0.0.0/31"},
		ProbePort:     9090,
		ProbeTimeout:  50 * time.Millisecond,
		MaxRetries:    0,
		ScanInterval:  10 * time.Millisecond,
	})

	driver.On("Probe", mock.Anything, mock.Anything, 9090).
		Return(nil, errors.New("connection refused")).Twice()
	driver.On("Probe", mock.Anything, mock.Anything, 9090).Return(&domain.ProbeResult{
		Capabilities: []string{"general"},
		MaxAgents:    4,
	}, nil)

	d.Cycle(context.Background())
	require.Empty(t, reg.ListActive(context.Background()))

	// After the negative cache expires the endpoints are probed again.
	time.Sleep(30 * time.Millisecond)
	d.Cycle(context.Background())
	require.Len(t, reg.ListActive(context.Background()), 2)
}
