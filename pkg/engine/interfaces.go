package engine

import (
	"context"
	"time"
)

// ConfigProvider resolves config-mapped parameter values. It is the second
// rung of the resolution priority: user value, then config value, then the
// schema default.
type ConfigProvider interface {
	// Lookup returns the configured value for a key and whether it exists.
	Lookup(key string) (any, bool)
}

// ConfigMap is a plain map ConfigProvider, used in tests and for inline
// overrides.
type ConfigMap map[string]any

// Lookup implements ConfigProvider.
func (m ConfigMap) Lookup(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// ProbeResult is the outcome of an idempotency probe command.
type ProbeResult struct {
	// Satisfied reports whether the probe found the target already in the
	// desired state (exit 0).
	Satisfied bool

	// Output is the probe's combined output.
	Output string
}

// ProbeRunner executes idempotency probe commands. The default implementation
// shells out; tests substitute a canned one.
type ProbeRunner interface {
	Probe(ctx context.Context, command string) (*ProbeResult, error)
}

// DispatchState is the dispatcher's own view of asynchronously dispatched
// remote work.
type DispatchState string

const (
	DispatchRunning   DispatchState = "running"
	DispatchSucceeded DispatchState = "succeeded"
	DispatchFailed    DispatchState = "failed"
	DispatchUnknown   DispatchState = "unknown"
)

// DispatchHandle identifies one asynchronous remote dispatch.
type DispatchHandle struct {
	// ID is the dispatcher-assigned identifier.
	ID string `json:"id"`

	// Target is the remote target the work runs on.
	Target string `json:"target"`

	// HeartbeatRef locates the liveness artifact the remote process is
	// expected to refresh.
	HeartbeatRef string `json:"heartbeat_ref,omitempty"`
}

// HeartbeatStatus is one read of the in-target liveness artifact.
type HeartbeatStatus struct {
	// LastUpdate is when the remote process last refreshed the artifact.
	LastUpdate time.Time `json:"last_update"`

	// Message is the artifact's last free-form status line, if any.
	Message string `json:"message,omitempty"`
}

// Dispatcher issues fire-and-forget remote executions and exposes the two
// independent signals the monitor polls: the dispatcher's own execution
// state and the in-target heartbeat artifact. Cancel is always an explicit
// request; dispatchers never cancel on their own.
type Dispatcher interface {
	// Dispatch starts the command on the target without waiting for it.
	Dispatch(ctx context.Context, target, command string) (*DispatchHandle, error)

	// State reports the dispatcher's execution-state field for the handle.
	State(ctx context.Context, h *DispatchHandle) (DispatchState, error)

	// Heartbeat reads the in-target liveness artifact.
	Heartbeat(ctx context.Context, h *DispatchHandle) (*HeartbeatStatus, error)

	// Cancel explicitly requests termination of the dispatched work.
	Cancel(ctx context.Context, h *DispatchHandle) error
}
