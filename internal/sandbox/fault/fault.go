// Package fault contains module failures. A Boundary watches one mounted
// installation: when its execution context fails, the boundary reports
// the failure to diagnostics and leaves the rest of the page untouched.
// Recovery actions (retry, disable, uninstall) are serialized per
// installation; a retry never reuses a failed context.
package fault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gridsite/platform/internal/sandbox/broker"
	"github.com/gridsite/platform/internal/sandbox/collab"
	"github.com/gridsite/platform/internal/sandbox/events"
	"github.com/gridsite/platform/internal/sandbox/lifecycle"
	"github.com/gridsite/platform/internal/sandbox/metrics"
	"github.com/gridsite/platform/internal/sandbox/origin"
	"github.com/gridsite/platform/pkg/logger"
)

// Common errors
var (
	ErrActionInProgress = errors.New("recovery action already in progress")
	ErrNotFailed        = errors.New("module is not in a failed state")
	ErrUninstalled      = errors.New("module is uninstalled")
)

// reportTimeout bounds the fire-and-forget diagnostics call.
const reportTimeout = 5 * time.Second

// Boundary guards one installation's mounts. It owns the mount spec so a
// retry can create a fresh execution context with the same identity.
type Boundary struct {
	broker    *broker.Broker
	spec      broker.MountSpec
	originCfg origin.Config

	diagnostics collab.DiagnosticsCollector
	events      events.Logger
	metrics     metrics.SandboxCollector
	log         *logger.Logger

	mu          sync.Mutex
	handle      *broker.Handle
	inProgress  bool
	uninstalled bool
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithEvents sets the diagnostic event logger.
func WithEvents(el events.Logger) Option {
	return func(b *Boundary) { b.events = el }
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc metrics.SandboxCollector) Option {
	return func(b *Boundary) { b.metrics = mc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Boundary) { b.log = l }
}

// Manage mounts the spec through the broker and returns a boundary
// watching the resulting handle.
func Manage(bk *broker.Broker, spec broker.MountSpec, originCfg origin.Config, diagnostics collab.DiagnosticsCollector, opts ...Option) (*Boundary, error) {
	b := &Boundary{
		broker:      bk,
		spec:        spec,
		originCfg:   originCfg,
		diagnostics: diagnostics,
		events:      events.NoOpLogger{},
		metrics:     metrics.NewNoOpCollector(),
		log:         logger.NewDefault("sandbox-fault"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithField("module", spec.Install.Descriptor.ID)

	h, err := bk.Mount(spec, originCfg)
	if err != nil {
		return nil, err
	}
	b.adopt(h)
	return b, nil
}

// Handle returns the current handle for this installation.
func (b *Boundary) Handle() *broker.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

// State returns the current lifecycle state.
func (b *Boundary) State() lifecycle.State {
	return b.Handle().State()
}

// adopt watches a freshly mounted handle.
func (b *Boundary) adopt(h *broker.Handle) {
	b.mu.Lock()
	b.handle = h
	b.mu.Unlock()
	h.OnFault(func(kind broker.FaultKind, cause error) {
		b.report(h, kind, cause)
	})
}

// report forwards a failure to the diagnostics collector. The call is
// fire-and-forget: a collector outage never worsens the module's fate.
func (b *Boundary) report(h *broker.Handle, kind broker.FaultKind, cause error) {
	if b.diagnostics == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()

		details := map[string]string{"instanceId": h.InstanceID()}
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		if err := b.diagnostics.Report(ctx, h.ModuleID(), string(kind), msg, details); err != nil {
			b.log.WithError(err).Debug("diagnostics report failed")
		}
	}()
}

// Retry destroys the failed execution context and mounts a fresh one.
// The new context starts at loading with no pending requests. Only one
// recovery action runs at a time.
func (b *Boundary) Retry() (*broker.Handle, error) {
	b.mu.Lock()
	if b.uninstalled {
		b.mu.Unlock()
		return nil, ErrUninstalled
	}
	if b.inProgress {
		b.mu.Unlock()
		return nil, ErrActionInProgress
	}
	old := b.handle
	if old.State() != lifecycle.StateError {
		b.mu.Unlock()
		return nil, ErrNotFailed
	}
	b.inProgress = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inProgress = false
		b.mu.Unlock()
	}()

	moduleID := b.spec.Install.Descriptor.ID
	b.events.Log(events.Event{
		Type:       events.EventRetryStarted,
		Severity:   events.SeverityInfo,
		ModuleID:   moduleID,
		InstanceID: old.InstanceID(),
		Message:    "retrying with a fresh execution context",
	})

	if err := b.broker.Unmount(old.InstanceID()); err != nil && !errors.Is(err, broker.ErrHandleNotFound) {
		b.metrics.RecordRetry(moduleID, err)
		return nil, err
	}

	h, err := b.broker.Mount(b.spec, b.originCfg)
	b.metrics.RecordRetry(moduleID, err)
	if err != nil {
		b.events.Log(events.Event{
			Type:     events.EventRetryFailed,
			Severity: events.SeverityError,
			ModuleID: moduleID,
			Error:    err.Error(),
		})
		return nil, err
	}

	b.adopt(h)
	b.events.Log(events.Event{
		Type:       events.EventRetrySucceeded,
		Severity:   events.SeverityInfo,
		ModuleID:   moduleID,
		InstanceID: h.InstanceID(),
		Message:    "fresh execution context mounted",
	})
	return h, nil
}

// Disable marks the installation inactive without uninstalling it.
func (b *Boundary) Disable() error {
	b.mu.Lock()
	if b.uninstalled {
		b.mu.Unlock()
		return ErrUninstalled
	}
	if b.inProgress {
		b.mu.Unlock()
		return ErrActionInProgress
	}
	b.inProgress = true
	h := b.handle
	b.mu.Unlock()

	err := h.Disable()

	b.mu.Lock()
	b.inProgress = false
	b.mu.Unlock()
	return err
}

// Uninstall tears the installation down for good. Further actions on the
// boundary fail with ErrUninstalled.
func (b *Boundary) Uninstall() error {
	b.mu.Lock()
	if b.uninstalled {
		b.mu.Unlock()
		return ErrUninstalled
	}
	if b.inProgress {
		b.mu.Unlock()
		return ErrActionInProgress
	}
	b.inProgress = true
	h := b.handle
	b.mu.Unlock()

	err := b.broker.Unmount(h.InstanceID())
	if errors.Is(err, broker.ErrHandleNotFound) {
		err = nil
	}

	b.mu.Lock()
	b.inProgress = false
	b.uninstalled = err == nil
	b.mu.Unlock()

	if err == nil {
		b.events.Log(events.Event{
			Type:       events.EventUninstalled,
			Severity:   events.SeverityInfo,
			ModuleID:   b.spec.Install.Descriptor.ID,
			InstanceID: h.InstanceID(),
			Message:    "module uninstalled",
		})
	}
	return err
}
