package domain

import "time"

// AgentState is the desired lifecycle state of an agent workload.
type AgentState string

const (
	AgentPending   AgentState = "pending"
	AgentPlaced    AgentState = "placed"
	AgentMigrating AgentState = "migrating"
	AgentStopped   AgentState = "stopped"
)

// StrategyKind selects the placement algorithm used for an agent. The set
// of kinds is closed; unknown values are rejected at the API boundary.
type StrategyKind string

const (
	StrategyRoundRobin      StrategyKind = "round-robin"
	StrategyLeastLoaded     StrategyKind = "least-loaded"
	StrategyCapabilityMatch StrategyKind = "capability-match"
	StrategyResourceOptimal StrategyKind = "resource-optimal"
	StrategyAffinityBased   StrategyKind = "affinity-based"
)

// ValidStrategy reports whether kind names a known placement strategy.
func ValidStrategy(kind StrategyKind) bool {
	switch kind {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyCapabilityMatch,
		StrategyResourceOptimal, StrategyAffinityBased:
		return true
	}
	return false
}

// AgentSpec describes an agent workload to be placed on the fleet. Config is
// an opaque blob the core passes through without interpreting.
type AgentSpec struct {
	Type                 string            `json:"type"`
	Config               map[string]string `json:"config"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Requirements         Resources         `json:"requirements"`
	AffinityTag          string            `json:"affinity_tag"`
}

// AgentRecord is the placement manager's view of one agent workload.
// Invariant: OwningContainerID is non-empty for at most one container at any
// instant; while pending or stopped it is empty.
type AgentRecord struct {
	ID                   string            `json:"id" bson:"_id"`
	Type                 string            `json:"type" bson:"type"`
	Config               map[string]string `json:"config" bson:"config"`
	RequiredCapabilities []string          `json:"required_capabilities" bson:"requiredCapabilities"`
	Requirements         Resources         `json:"requirements" bson:"requirements"`
	AffinityTag          string            `json:"affinity_tag,omitempty" bson:"affinityTag,omitempty"`
	OwningContainerID    string            `json:"owning_container_id,omitempty" bson:"owningContainerID,omitempty"`
	Strategy             StrategyKind      `json:"strategy" bson:"strategy"`
	DesiredState         AgentState        `json:"desired_state" bson:"desiredState"`
	CreatedAt            time.Time         `json:"created_at" bson:"createdAt"`
	UpdatedAt            time.Time         `json:"updated_at" bson:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (a *AgentRecord) Clone() *AgentRecord {
	cp := *a
	if a.Config != nil {
		cp.Config = make(map[string]string, len(a.Config))
		for k, v := range a.Config {
			cp.Config[k] = v
		}
	}
	cp.RequiredCapabilities = append([]string(nil), a.RequiredCapabilities...)
	return &cp
}
