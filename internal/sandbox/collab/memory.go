package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gridsite/platform/internal/sandbox/capability"
)

// MemorySettingsStore is an in-memory SettingsStore for tests and local
// runs.
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]json.RawMessage
}

// NewMemorySettingsStore creates an empty in-memory settings store.
func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[string]json.RawMessage)}
}

// Get returns the stored settings for an installation.
func (s *MemorySettingsStore) Get(_ context.Context, installID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[installID]
	if !ok {
		return nil, fmt.Errorf("install %s: %w", installID, ErrSettingsNotFound)
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

// Put stores the settings for an installation.
func (s *MemorySettingsStore) Put(_ context.Context, installID string, settings json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make(json.RawMessage, len(settings))
	copy(v, settings)
	s.settings[installID] = v
	return nil
}

// GatewayCall records one invocation seen by the memory gateway.
type GatewayCall struct {
	ModuleID   string
	Capability capability.Capability
	Endpoint   string
	Method     string
	Data       json.RawMessage
}

// MemoryGateway is an APIGateway that records calls and returns canned
// responses.
type MemoryGateway struct {
	mu       sync.Mutex
	calls    []GatewayCall
	response json.RawMessage
	err      error
}

// NewMemoryGateway creates a memory gateway returning the given response.
func NewMemoryGateway(response json.RawMessage) *MemoryGateway {
	return &MemoryGateway{response: response}
}

// Fail makes subsequent invocations return err.
func (g *MemoryGateway) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// Invoke records the call and returns the canned response.
func (g *MemoryGateway) Invoke(_ context.Context, moduleID string, cap capability.Capability, endpoint, method string, data json.RawMessage) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, GatewayCall{
		ModuleID:   moduleID,
		Capability: cap,
		Endpoint:   endpoint,
		Method:     method,
		Data:       data,
	})
	if g.err != nil {
		return nil, g.err
	}
	return g.response, nil
}

// Calls returns a copy of the recorded calls.
func (g *MemoryGateway) Calls() []GatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GatewayCall, len(g.calls))
	copy(out, g.calls)
	return out
}

// DiagnosticsReport records one report seen by the memory collector.
type DiagnosticsReport struct {
	ModuleID  string
	ErrorKind string
	Message   string
	Details   map[string]string
}

// MemoryDiagnostics is a DiagnosticsCollector that records reports.
type MemoryDiagnostics struct {
	mu      sync.Mutex
	reports []DiagnosticsReport
	err     error
}

// NewMemoryDiagnostics creates an empty memory diagnostics collector.
func NewMemoryDiagnostics() *MemoryDiagnostics {
	return &MemoryDiagnostics{}
}

// Fail makes subsequent reports return err; the fault boundary must
// swallow it.
func (d *MemoryDiagnostics) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Report records a failure report.
func (d *MemoryDiagnostics) Report(_ context.Context, moduleID, errorKind, message string, details map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reports = append(d.reports, DiagnosticsReport{
		ModuleID:  moduleID,
		ErrorKind: errorKind,
		Message:   message,
		Details:   details,
	})
	return d.err
}

// Reports returns a copy of the recorded reports.
func (d *MemoryDiagnostics) Reports() []DiagnosticsReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DiagnosticsReport, len(d.reports))
	copy(out, d.reports)
	return out
}

// AnalyticsRecord is one event seen by the memory sink.
type AnalyticsRecord struct {
	ModuleID string
	Event    string
	Metadata map[string]string
}

// MemoryAnalytics is an AnalyticsSink that records events.
type MemoryAnalytics struct {
	mu      sync.Mutex
	records []AnalyticsRecord
}

// NewMemoryAnalytics creates an empty memory analytics sink.
func NewMemoryAnalytics() *MemoryAnalytics {
	return &MemoryAnalytics{}
}

// Record stores a telemetry event.
func (a *MemoryAnalytics) Record(_ context.Context, moduleID, event string, metadata map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, AnalyticsRecord{ModuleID: moduleID, Event: event, Metadata: metadata})
	return nil
}

// Records returns a copy of the recorded events.
func (a *MemoryAnalytics) Records() []AnalyticsRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AnalyticsRecord, len(a.records))
	copy(out, a.records)
	return out
}

// NewMemorySet bundles fresh memory collaborators.
func NewMemorySet() Set {
	return Set{
		Settings:    NewMemorySettingsStore(),
		Gateway:     NewMemoryGateway(json.RawMessage(`{"ok":true}`)),
		Diagnostics: NewMemoryDiagnostics(),
		Analytics:   NewMemoryAnalytics(),
	}
}

// Compile-time interface checks.
var (
	_ SettingsStore        = (*MemorySettingsStore)(nil)
	_ APIGateway           = (*MemoryGateway)(nil)
	_ DiagnosticsCollector = (*MemoryDiagnostics)(nil)
	_ AnalyticsSink        = (*MemoryAnalytics)(nil)
)
