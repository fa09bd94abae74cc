package domain

import "time"

// ContainerState is the lifecycle state of a fleet container.
type ContainerState string

const (
	ContainerRegistering ContainerState = "registering"
	ContainerActive      ContainerState = "active"
	ContainerDegraded    ContainerState = "degraded"
	ContainerInactive    ContainerState = "inactive"
)

// Resources is a point-in-time resource snapshot for a container.
type Resources struct {
	CPUCount        int     `json:"cpu_count" bson:"cpuCount"`
	CPUUsedPercent  float64 `json:"cpu_used_percent" bson:"cpuUsedPercent"`
	MemoryBytes     uint64  `json:"memory_bytes" bson:"memoryBytes"`
	MemoryUsedBytes uint64  `json:"memory_used_bytes" bson:"memoryUsedBytes"`
}

// ContainerRecord is the registry's authoritative view of one container.
// It is mutated only through registration, heartbeat processing and the
// failure-detection sweep.
type ContainerRecord struct {
	ID              string         `json:"id" bson:"_id"`
	NetworkAddress  string         `json:"network_address" bson:"networkAddress"`
	APIPort         int            `json:"api_port" bson:"apiPort"`
	Capabilities    []string       `json:"capabilities" bson:"capabilities"`
	Resources       Resources      `json:"resources" bson:"resources"`
	MaxAgents       int            `json:"max_agents" bson:"maxAgents"`
	State           ContainerState `json:"state" bson:"state"`
	HealthScore     int            `json:"health_score" bson:"healthScore"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at" bson:"lastHeartbeatAt"`
	AgentCount      int            `json:"agent_count" bson:"agentCount"`
	RegisteredAt    time.Time      `json:"registered_at" bson:"registeredAt"`
	UpdatedAt       time.Time      `json:"updated_at" bson:"updatedAt"`
}

// HasCapabilities reports whether the container declares every capability
// in required.
func (c *ContainerRecord) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range c.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers never alias registry-owned state.
func (c *ContainerRecord) Clone() *ContainerRecord {
	cp := *c
	cp.Capabilities = append([]string(nil), c.Capabilities...)
	return &cp
}

// HeartbeatRecord is the ephemeral liveness report a container sends to the
// registry. It is not persisted beyond updating the owning ContainerRecord.
type HeartbeatRecord struct {
	ContainerID    string    `json:"container_id"`
	ObservedAt     time.Time `json:"observed_at"`
	HealthScore    int       `json:"health_score"`
	Resources      Resources `json:"resources"`
	ActiveAgentIDs []string  `json:"active_agent_ids"`
}

// ProbeResult is what a reachable candidate reports about itself.
type ProbeResult struct {
	Capabilities []string  `json:"capabilities"`
	Resources    Resources `json:"resources"`
	MaxAgents    int       `json:"max_agents"`
}

// ContainerInfo is the registration payload a container submits.
type ContainerInfo struct {
	NetworkAddress string    `json:"network_address"`
	APIPort        int       `json:"api_port"`
	Capabilities   []string  `json:"capabilities"`
	Resources      Resources `json:"resources"`
	MaxAgents      int       `json:"max_agents"`
}
