package registry

import (
	"context"
	"time"

	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/pkg/logger"
)

// Sweep runs one failure-detection pass over the container table. It reads
// only locally-held heartbeat timestamps and never touches the network, so a
// slow container cannot stall detection. Two-stage detection: one missed
// heartbeat period degrades (early warning, no eviction); only the hard
// timeout marks the container inactive and emits ContainerLost.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.table))
	for _, ent := range r.table {
		entries = append(entries, ent)
	}
	r.mu.RUnlock()

	type transition struct {
		snapshot *domain.ContainerRecord
		event    domain.EventType
	}
	var transitions []transition

	for _, ent := range entries {
		ent.mu.Lock()
		rec := ent.rec
		silent := now.Sub(rec.LastHeartbeatAt)
		switch {
		case silent > r.cfg.HeartbeatTimeout &&
			(rec.State == domain.ContainerActive || rec.State == domain.ContainerDegraded):
			rec.State = domain.ContainerInactive
			rec.UpdatedAt = now
			transitions = append(transitions, transition{rec.Clone(), domain.EventContainerLost})
		case silent > r.cfg.HeartbeatPeriod && rec.State == domain.ContainerActive:
			rec.State = domain.ContainerDegraded
			rec.UpdatedAt = now
			transitions = append(transitions, transition{rec.Clone(), domain.EventContainerDegraded})
		}
		ent.mu.Unlock()
	}

	for _, tr := range transitions {
		lg := logger.Logger(ctx).With().
			Str("container_id", tr.snapshot.ID).
			Time("last_heartbeat_at", tr.snapshot.LastHeartbeatAt).
			Logger()
		switch tr.event {
		case domain.EventContainerLost:
			lg.Warn().Msg("container lost: heartbeat timeout")
		case domain.EventContainerDegraded:
			lg.Info().Msg("container degraded: missed heartbeat")
		}
		r.publish(ctx, domain.Event{
			Type:        tr.event,
			ContainerID: tr.snapshot.ID,
			OccurredAt:  now,
		})
	}

	if len(transitions) > 0 {
		// Persistence is detached so the sweep itself stays I/O free.
		go func(trs []transition) {
			persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, tr := range trs {
				if err := r.repo.UpsertContainer(persistCtx, tr.snapshot); err != nil {
					logger.Logger(persistCtx).Warn().Err(err).
						Str("container_id", tr.snapshot.ID).
						Msg("persist sweep transition failed")
				}
			}
		}(transitions)
	}
}

// RunSweeper runs the failure-detection sweep on a fixed interval until stop
// is closed.
func (r *Registry) RunSweeper(ctx context.Context, stop <-chan struct{}) {
	logger.Logger(ctx).Info().
		Dur("interval", r.cfg.SweepInterval).
		Dur("heartbeat_timeout", r.cfg.HeartbeatTimeout).
		Msg("failure-detection sweeper starting")

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-stop:
			logger.Logger(ctx).Info().Msg("failure-detection sweeper stopped")
			return
		}
	}
}
