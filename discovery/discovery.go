package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/pkg/logger"
	"go.uber.org/fx"
)

const probeBackoffBase = 200 * time.Millisecond

type Params struct {
	fx.In
	Registry domain.Registry
	Driver   domain.RuntimeDriver
	Config   config.DiscoveryConfig
}

// NewDiscovery builds the discovery service. Endpoints that were unreachable
// this cycle are remembered in a TTL cache so a dead address is not probed
// again until the next scan window.
func NewDiscovery(params Params) (*Discovery, error) {
	return &Discovery{
		cfg:         params.Config,
		registry:    params.Registry,
		driver:      params.Driver,
		unreachable: cache.New[string, time.Time](),
	}, nil
}

// Discovery locates containers advertising fleet membership on the
// configured network ranges and feeds them into the registry.
type Discovery struct {
	cfg         config.DiscoveryConfig
	registry    domain.Registry
	driver      domain.RuntimeDriver
	unreachable *cache.Cache[string, time.Time]
}

// Candidate is one reachable-looking endpoint produced by a scan.
type Candidate struct {
	Address string
	Port    int
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Scan lazily enumerates candidate endpoints across the given CIDR ranges.
// The sequence is finite and restartable; a malformed range is skipped, and
// an empty result is not an error. The channel closes when enumeration
// finishes or ctx is done.
func (d *Discovery) Scan(ctx context.Context, ranges []string) <-chan Candidate {
	out := make(chan Candidate)
	go func() {
		defer close(out)
		for _, cidr := range ranges {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				logger.Logger(ctx).Warn().Err(err).Str("range", cidr).Msg("skipping malformed network range")
				continue
			}
			for addr := prefix.Masked().Addr(); prefix.Contains(addr); addr = addr.Next() {
				select {
				case out <- Candidate{Address: addr.String(), Port: d.cfg.ProbePort}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Probe issues a bounded-timeout health probe against the candidate,
// retrying a bounded number of times with exponential backoff. Timeout or
// refusal yields ErrNotReachable so callers skip without failing the batch.
func (d *Discovery) Probe(ctx context.Context, cand Candidate) (*domain.ProbeResult, error) {
	var lastErr error
	backoff := probeBackoffBase
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrNotReachable, cand, ctx.Err())
			}
			backoff *= 2
		}

		probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
		result, err := d.driver.Probe(probeCtx, cand.Address, cand.Port)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s: %v", domain.ErrNotReachable, cand, lastErr)
}

// Cycle runs one discovery pass: scan the configured ranges, probe each
// candidate and register the reachable ones. Per-candidate failures are
// absorbed; the pass itself never fails on a single endpoint.
func (d *Discovery) Cycle(ctx context.Context) {
	found := 0
	for cand := range d.Scan(ctx, d.cfg.NetworkRanges) {
		key := cand.String()
		if _, skip := d.unreachable.Get(key); skip {
			continue
		}

		probe, err := d.Probe(ctx, cand)
		if err != nil {
			d.unreachable.Set(key, time.Now(), cache.WithExpiration(d.cfg.ScanInterval))
			continue
		}

		// Register is idempotent on (address, port); rediscovered
		// containers just refresh their record.
		_, err = d.registry.Register(ctx, domain.ContainerInfo{
			NetworkAddress: cand.Address,
			APIPort:        cand.Port,
			Capabilities:   probe.Capabilities,
			Resources:      probe.Resources,
			MaxAgents:      probe.MaxAgents,
		})
		if err != nil {
			logger.Logger(ctx).Warn().Err(err).Str("candidate", key).Msg("admitting discovered container failed")
			continue
		}
		found++
	}
	if found > 0 {
		logger.Logger(ctx).Info().Int("admitted", found).Msg("discovery cycle complete")
	}
}

// RunScanner runs discovery cycles on a fixed interval until stop is closed.
func (d *Discovery) RunScanner(ctx context.Context, stop <-chan struct{}) {
	if !d.cfg.Enabled || len(d.cfg.NetworkRanges) == 0 {
		logger.Logger(ctx).Info().Msg("discovery disabled")
		return
	}
	logger.Logger(ctx).Info().
		Strs("ranges", d.cfg.NetworkRanges).
		Dur("interval", d.cfg.ScanInterval).
		Msg("discovery scanner starting")

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Cycle(ctx)
		case <-stop:
			logger.Logger(ctx).Info().Msg("discovery scanner stopped")
			return
		}
	}
}
