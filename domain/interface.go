package domain

import (
	"context"
	"time"
)

// Registry is the single authoritative source of container health and state.
type Registry interface {
	// Register admits a container, idempotent on (network_address, api_port).
	Register(ctx context.Context, info ContainerInfo) (string, error)
	// Heartbeat applies a liveness report to a registered container.
	Heartbeat(ctx context.Context, containerID string, hb HeartbeatRecord) error
	// Deregister removes a container explicitly.
	Deregister(ctx context.Context, containerID string) error
	// ListActive returns containers in the active state only.
	ListActive(ctx context.Context) []*ContainerRecord
	// List returns all known containers regardless of state.
	List(ctx context.Context) []*ContainerRecord
	// Get returns one container by id.
	Get(ctx context.Context, containerID string) (*ContainerRecord, error)
	// Subscribe returns a channel of lifecycle events. The channel is closed
	// when the registry shuts down.
	Subscribe() <-chan Event
	// AdjustAgentCount tracks placements against a container's capacity.
	AdjustAgentCount(ctx context.Context, containerID string, delta int) error
}

// Placement decides which container runs each agent and reacts to container
// loss by migrating affected agents.
type Placement interface {
	Deploy(ctx context.Context, spec AgentSpec, strategy StrategyKind) (string, error)
	Migrate(ctx context.Context, agentID, targetContainerID string, preserveState bool) error
	Rebalance(ctx context.Context) (int, error)
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	ListAgents(ctx context.Context) []*AgentRecord
}

// Hub delivers encrypted control messages between the coordinator and
// containers. Delivery is at-most-once; retry policy belongs to the caller.
type Hub interface {
	Send(ctx context.Context, msg *Message) (DeliveryResult, error)
	Broadcast(ctx context.Context, payload []byte, ttl time.Duration, priority MessagePriority) ([]DeliveryResult, error)
}

// Repository is the durable key-value backing store for registry records and
// lifecycle event fan-out.
type Repository interface {
	UpsertContainer(ctx context.Context, c *ContainerRecord) error
	GetContainer(ctx context.Context, id string) (*ContainerRecord, error)
	ListContainers(ctx context.Context) ([]*ContainerRecord, error)
	DeleteContainer(ctx context.Context, id string) error

	UpsertAgent(ctx context.Context, a *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)

	PublishEvent(ctx context.Context, ev Event) error
}

// RuntimeDriver is the narrow interface to the container runtime's control
// endpoint. The core never depends on a specific container engine; tests
// substitute a fake. Deploy/stop commands travel through the Hub instead.
type RuntimeDriver interface {
	// Probe issues a bounded health probe against a candidate endpoint and
	// returns its declared capabilities.
	Probe(ctx context.Context, address string, port int) (*ProbeResult, error)
	// ExportState captures an agent's state from its current container.
	ExportState(ctx context.Context, source *ContainerRecord, agentID string) ([]byte, error)
	// ImportState restores previously exported state on the new container.
	ImportState(ctx context.Context, target *ContainerRecord, agentID string, state []byte) error
	// Deliver posts an opaque sealed message to a container's control
	// endpoint. Used by the hub dispatch loop.
	Deliver(ctx context.Context, target *ContainerRecord, sealed []byte) error
}
