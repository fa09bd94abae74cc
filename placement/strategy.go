package placement

import (
	"math"

	"github.com/Gthulhu/fleet/domain"
)

// Load score weights. Agent count is weighted lighter than the resource
// dimensions because declared max_agents is a soft limit.
const (
	weightCPU    = 0.4
	weightMemory = 0.4
	weightAgents = 0.2
)

// loadScore maps a container's utilization onto [0, ~1]; lower is better.
func loadScore(c *domain.ContainerRecord) float64 {
	cpu := c.Resources.CPUUsedPercent / 100.0
	var mem float64
	if c.Resources.MemoryBytes > 0 {
		mem = float64(c.Resources.MemoryUsedBytes) / float64(c.Resources.MemoryBytes)
	}
	var agents float64
	if c.MaxAgents > 0 {
		agents = float64(c.AgentCount) / float64(c.MaxAgents)
	}
	return weightCPU*cpu + weightMemory*mem + weightAgents*agents
}

// freeCPU returns the unused CPU capacity in core units.
func freeCPU(c *domain.ContainerRecord) float64 {
	return float64(c.Resources.CPUCount) * (100.0 - c.Resources.CPUUsedPercent) / 100.0
}

func freeMemory(c *domain.ContainerRecord) uint64 {
	if c.Resources.MemoryUsedBytes >= c.Resources.MemoryBytes {
		return 0
	}
	return c.Resources.MemoryBytes - c.Resources.MemoryUsedBytes
}

func fits(c *domain.ContainerRecord, req domain.Resources) bool {
	if req.CPUCount > 0 && freeCPU(c) < float64(req.CPUCount) {
		return false
	}
	if req.MemoryBytes > 0 && freeMemory(c) < req.MemoryBytes {
		return false
	}
	return true
}

// hostsAffinity reports whether containerID already hosts an agent sharing
// the given affinity tag.
type hostsAffinity func(containerID, tag string) bool

// selection is the immutable input to one placement decision. Candidates
// arrive sorted by container id so ties break deterministically.
type selection struct {
	candidates []*domain.ContainerRecord
	spec       domain.AgentSpec
	affinity   hostsAffinity
	rrCursor   uint64
}

// choose runs the selection algorithm for kind over the candidate pool.
// Returns nil when no candidate satisfies the strategy's constraints; the
// caller surfaces that as NoCapacity.
func choose(kind domain.StrategyKind, sel selection) *domain.ContainerRecord {
	pool := withHeadroom(sel.candidates)
	if len(pool) == 0 {
		return nil
	}
	switch kind {
	case domain.StrategyRoundRobin:
		return pool[sel.rrCursor%uint64(len(pool))]
	case domain.StrategyLeastLoaded:
		return leastLoaded(pool)
	case domain.StrategyCapabilityMatch:
		return capabilityMatch(pool, sel.spec)
	case domain.StrategyResourceOptimal:
		return resourceOptimal(pool, sel.spec)
	case domain.StrategyAffinityBased:
		return affinityBased(pool, sel.spec, sel.affinity)
	}
	return nil
}

// withHeadroom drops containers already at their declared agent limit. The
// decision is re-validated under the per-container reservation lock at
// assignment time.
func withHeadroom(candidates []*domain.ContainerRecord) []*domain.ContainerRecord {
	out := make([]*domain.ContainerRecord, 0, len(candidates))
	for _, c := range candidates {
		if c.MaxAgents > 0 && c.AgentCount >= c.MaxAgents {
			continue
		}
		out = append(out, c)
	}
	return out
}

func leastLoaded(pool []*domain.ContainerRecord) *domain.ContainerRecord {
	var best *domain.ContainerRecord
	bestScore := math.Inf(1)
	for _, c := range pool {
		score := loadScore(c)
		// Strict < keeps the smallest id on ties since the pool is sorted.
		if score < bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

func capabilityMatch(pool []*domain.ContainerRecord, spec domain.AgentSpec) *domain.ContainerRecord {
	matched := make([]*domain.ContainerRecord, 0, len(pool))
	for _, c := range pool {
		if c.HasCapabilities(spec.RequiredCapabilities) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return leastLoaded(matched)
}

// resourceOptimal is best-fit bin packing: among candidates with enough free
// resources, pick the one leaving the least slack.
func resourceOptimal(pool []*domain.ContainerRecord, spec domain.AgentSpec) *domain.ContainerRecord {
	var best *domain.ContainerRecord
	bestSlack := math.Inf(1)
	for _, c := range pool {
		if !fits(c, spec.Requirements) {
			continue
		}
		slack := 0.0
		if c.Resources.CPUCount > 0 {
			slack += (freeCPU(c) - float64(spec.Requirements.CPUCount)) / float64(c.Resources.CPUCount)
		}
		if c.Resources.MemoryBytes > 0 {
			slack += float64(freeMemory(c)-spec.Requirements.MemoryBytes) / float64(c.Resources.MemoryBytes)
		}
		if slack < bestSlack {
			bestSlack = slack
			best = c
		}
	}
	return best
}

func affinityBased(pool []*domain.ContainerRecord, spec domain.AgentSpec, hosts hostsAffinity) *domain.ContainerRecord {
	if spec.AffinityTag != "" && hosts != nil {
		preferred := make([]*domain.ContainerRecord, 0, len(pool))
		for _, c := range pool {
			if hosts(c.ID, spec.AffinityTag) {
				preferred = append(preferred, c)
			}
		}
		if len(preferred) > 0 {
			return leastLoaded(preferred)
		}
	}
	return leastLoaded(pool)
}
