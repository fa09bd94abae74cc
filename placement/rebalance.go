package placement

import (
	"context"
	"sort"
	"time"

	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/pkg/logger"
)

// Rebalance computes the load-score variance across active containers and,
// when it exceeds the configured threshold, migrates agents from the most
// loaded to the least loaded container until the variance is back under
// threshold or the per-pass migration cap is hit. Returns the number of
// migrations performed.
func (m *Manager) Rebalance(ctx context.Context) (int, error) {
	migrated := 0
	for migrated < m.cfg.MaxMigrationsPerPass {
		active := m.registry.ListActive(ctx)
		if len(active) < 2 {
			break
		}

		v := scoreVariance(active)
		if v <= m.cfg.VarianceThreshold {
			break
		}

		most, least := loadExtremes(active)
		if most.ID == least.ID {
			break
		}

		agentID := m.pickAgentOn(most.ID)
		if agentID == "" {
			// Nothing movable on the hottest container.
			break
		}

		if err := m.Migrate(ctx, agentID, least.ID, true); err != nil {
			logger.Logger(ctx).Warn().Err(err).
				Str("agent_id", agentID).
				Str("source", most.ID).
				Str("target", least.ID).
				Msg("rebalance migration failed")
			break
		}
		migrated++
	}

	if migrated > 0 {
		logger.Logger(ctx).Info().Int("migrations", migrated).Msg("rebalance pass complete")
	}
	return migrated, nil
}

// RunRebalancer runs periodic rebalance passes until stop is closed. Manual
// passes through the API share the same code path.
func (m *Manager) RunRebalancer(ctx context.Context, stop <-chan struct{}) {
	if m.cfg.RebalanceInterval <= 0 {
		return
	}
	logger.Logger(ctx).Info().
		Dur("interval", m.cfg.RebalanceInterval).
		Float64("variance_threshold", m.cfg.VarianceThreshold).
		Msg("rebalancer starting")

	ticker := time.NewTicker(m.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.Rebalance(ctx); err != nil {
				logger.Logger(ctx).Warn().Err(err).Msg("periodic rebalance failed")
			}
		case <-stop:
			logger.Logger(ctx).Info().Msg("rebalancer stopped")
			return
		}
	}
}

// pickAgentOn returns one placed agent owned by containerID, smallest id
// first for determinism, or "" if none.
func (m *Manager) pickAgentOn(containerID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, agent := range m.agents {
		if agent.OwningContainerID == containerID && agent.DesiredState == domain.AgentPlaced {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

func scoreVariance(containers []*domain.ContainerRecord) float64 {
	if len(containers) == 0 {
		return 0
	}
	mean := 0.0
	scores := make([]float64, len(containers))
	for i, c := range containers {
		scores[i] = loadScore(c)
		mean += scores[i]
	}
	mean /= float64(len(scores))

	v := 0.0
	for _, s := range scores {
		d := s - mean
		v += d * d
	}
	return v / float64(len(scores))
}

func loadExtremes(containers []*domain.ContainerRecord) (most, least *domain.ContainerRecord) {
	most, least = containers[0], containers[0]
	mostScore, leastScore := loadScore(most), loadScore(least)
	for _, c := range containers[1:] {
		s := loadScore(c)
		if s > mostScore {
			most, mostScore = c, s
		}
		if s < leastScore {
			least, leastScore = c, s
		}
	}
	return most, least
}
