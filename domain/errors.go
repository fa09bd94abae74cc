package domain

import "errors"

var (
	// ErrInvalidRegistration rejects a registration missing required fields.
	// Never retried automatically.
	ErrInvalidRegistration = errors.New("invalid registration")
	// ErrUnknownContainer means the container id is not registered; the
	// caller must re-register rather than retry the heartbeat.
	ErrUnknownContainer = errors.New("unknown container")
	// ErrUnknownAgent means the agent id is not known to the placement
	// manager.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrNoCapacity means no active container satisfies the strategy's
	// constraints. The caller may retry later or relax constraints.
	ErrNoCapacity = errors.New("no capacity")
	// ErrExpired means a message TTL elapsed before dispatch.
	ErrExpired = errors.New("message expired")
	// ErrNotReachable means a probe timed out or was refused; the candidate
	// is skipped for this cycle.
	ErrNotReachable = errors.New("not reachable")
	// ErrMigrationDegraded means state export failed and the migration
	// proceeded without state.
	ErrMigrationDegraded = errors.New("migration degraded")
)
