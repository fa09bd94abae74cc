package hub

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Command verbs understood by containers. Commands are idempotent: duplicate
// delivery is absorbed by the container's own bookkeeping, which is why the
// hub does not retry.
const (
	VerbDeploy = "deploy"
	VerbStop   = "stop"
)

// Command is the coordinator-to-container control payload carried inside a
// hub message.
type Command struct {
	Verb      string            `cbor:"verb"`
	AgentID   string            `cbor:"agent_id"`
	AgentType string            `cbor:"agent_type,omitempty"`
	Config    map[string]string `cbor:"config,omitempty"`
}

// EncodeCommand serializes a command for use as a message payload.
func EncodeCommand(cmd Command) ([]byte, error) {
	b, err := cbor.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s command for agent %s: %w", cmd.Verb, cmd.AgentID, err)
	}
	return b, nil
}

// DecodeCommand parses a command payload.
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := cbor.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}
