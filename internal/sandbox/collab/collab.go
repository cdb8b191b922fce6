// Package collab defines the sandbox's boundary collaborators: the
// settings store, the permission-scoped API gateway, the diagnostics
// collector, and the analytics sink. The sandbox consumes these via
// contract only; their production services live elsewhere in the
// platform. Reference implementations here cover HTTP, Postgres, and
// in-memory (tests and local runs).
package collab

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gridsite/platform/internal/sandbox/capability"
)

// Common errors
var (
	ErrSettingsNotFound = errors.New("settings not found")
)

// SettingsStore persists per-installation module settings. Writes for the
// same installation must not interleave partially; last write wins.
type SettingsStore interface {
	// Get returns the stored settings for a module installation, or
	// ErrSettingsNotFound.
	Get(ctx context.Context, installID string) (json.RawMessage, error)

	// Put stores the settings for a module installation.
	Put(ctx context.Context, installID string, settings json.RawMessage) error
}

// APIGateway performs privileged operations on behalf of modules. It
// enforces any backend-side authorization beyond the capability grant set
// the broker already checked.
type APIGateway interface {
	Invoke(ctx context.Context, moduleID string, cap capability.Capability, endpoint, method string, data json.RawMessage) (json.RawMessage, error)
}

// DiagnosticsCollector receives module failure reports. Calls are
// fire-and-forget from the sandbox's point of view: the fault boundary
// discards any error it returns.
type DiagnosticsCollector interface {
	Report(ctx context.Context, moduleID, errorKind, message string, details map[string]string) error
}

// AnalyticsSink records module telemetry. Fire-and-forget, like
// diagnostics.
type AnalyticsSink interface {
	Record(ctx context.Context, moduleID, event string, metadata map[string]string) error
}

// Set bundles the collaborators a broker needs.
type Set struct {
	Settings    SettingsStore
	Gateway     APIGateway
	Diagnostics DiagnosticsCollector
	Analytics   AnalyticsSink
}
