package domain

import "time"

// MessagePriority orders hub dispatch. Higher values dispatch first.
type MessagePriority int

const (
	PriorityLow MessagePriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p MessagePriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority maps the wire name of a priority to its value. Unknown names
// fall back to normal.
func ParsePriority(s string) MessagePriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// BroadcastRecipient addresses a message to every active container.
const BroadcastRecipient = "*"

// Message is a control message owned by the hub for its in-flight lifetime.
// Payload is opaque to the hub and encrypted before leaving the process.
type Message struct {
	ID         string          `json:"id"`
	Sender     string          `json:"sender"`
	Recipient  string          `json:"recipient"`
	Payload    []byte          `json:"payload"`
	TTLSeconds int             `json:"ttl_seconds"`
	Priority   MessagePriority `json:"priority"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Expired reports whether the message TTL elapsed before now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(time.Duration(m.TTLSeconds) * time.Second))
}

// DeliveryStatus is the terminal outcome of one delivery attempt.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExpired   DeliveryStatus = "expired"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryResult reports the outcome of delivering one message to one
// recipient. Broadcasts yield one result per recipient.
type DeliveryResult struct {
	MessageID   string         `json:"message_id"`
	Recipient   string         `json:"recipient"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}
