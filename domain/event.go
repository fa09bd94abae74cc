package domain

import "time"

// EventType identifies a fleet lifecycle event.
type EventType string

const (
	EventContainerRegistered   EventType = "container.registered"
	EventContainerRecovered    EventType = "container.recovered"
	EventContainerDegraded     EventType = "container.degraded"
	EventContainerLost         EventType = "container.lost"
	EventContainerDeregistered EventType = "container.deregistered"
	EventAgentPlaced           EventType = "agent.placed"
	EventAgentMigrated         EventType = "agent.migrated"
	EventMigrationDegraded     EventType = "agent.migration_degraded"
)

// Event is published on every registry state transition and every placement
// outcome. Persisted to the events channel for external subscribers and
// fanned out in-process to the placement manager.
type Event struct {
	Type        EventType `json:"type" bson:"type"`
	ContainerID string    `json:"container_id,omitempty" bson:"containerID,omitempty"`
	AgentID     string    `json:"agent_id,omitempty" bson:"agentID,omitempty"`
	Detail      string    `json:"detail,omitempty" bson:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at" bson:"occurredAt"`
}
