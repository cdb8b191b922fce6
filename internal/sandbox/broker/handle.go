package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gridsite/platform/internal/sandbox/capability"
	"github.com/gridsite/platform/internal/sandbox/collab"
	"github.com/gridsite/platform/internal/sandbox/envelope"
	"github.com/gridsite/platform/internal/sandbox/events"
	"github.com/gridsite/platform/internal/sandbox/host"
	"github.com/gridsite/platform/internal/sandbox/lifecycle"
	"github.com/gridsite/platform/internal/sandbox/metrics"
	"github.com/gridsite/platform/internal/sandbox/module"
	"github.com/gridsite/platform/internal/sandbox/origin"
	"github.com/gridsite/platform/pkg/logger"
)

// FaultKind classifies why a handle failed.
type FaultKind string

const (
	// FaultLoadFailure covers bundle fetch or boot failures.
	FaultLoadFailure FaultKind = "load_failure"

	// FaultReadyTimeout means the module never signalled MODULE_READY
	// within the startup window.
	FaultReadyTimeout FaultKind = "ready_timeout"

	// FaultModuleError is a MODULE_ERROR envelope the module sent itself.
	FaultModuleError FaultKind = "module_error"

	// FaultRuntime is a fault the execution context detected, such as a
	// throwing message handler.
	FaultRuntime FaultKind = "runtime_fault"
)

// Drop reasons, used as the metrics label and event metadata.
const (
	dropOrigin      = "origin"
	dropModuleID    = "module_id"
	dropDirection   = "direction"
	dropState       = "state"
	dropCorrelation = "correlation"
	dropPayload     = "payload"
	dropDuplicate   = "duplicate_correlation"
	dropRateLimit   = "analytics_rate"
	dropUngranted   = "capability"
)

// handleDeps is everything a handle needs, supplied by the broker.
type handleDeps struct {
	install   module.InstallRecord
	transport host.Transport
	allow     *origin.AllowList
	cfg       Config
	collab    collab.Set
	events    events.Logger
	metrics   metrics.SandboxCollector
	log       *logger.Logger
}

// Handle is the trusted side of one mounted module instance. All inbound
// traffic passes its verification chain: channel origin first, then module
// identity, then lifecycle state, and only then kind-specific handling.
// Anything failing verification is dropped without a reply.
type Handle struct {
	deps       handleDeps
	instanceID string

	mu      sync.Mutex
	state   lifecycle.State
	pending map[string]struct{}
	height  int

	// settingsMu serializes persistence so writes for this installation
	// never interleave.
	settingsMu sync.Mutex

	readyTimer *time.Timer
	limiter    *rate.Limiter

	onFault  func(FaultKind, error)
	onResize func(height int)

	log *logger.Logger
}

// faultReporter is implemented by transports that can detect terminal
// runtime faults themselves, such as the in-process VM host.
type faultReporter interface {
	OnFault(fn func(error))
}

// starter is implemented by transports that defer execution until the
// handle is wired up.
type starter interface {
	Start()
}

func newHandle(deps handleDeps) *Handle {
	instanceID := module.NewInstanceID()
	return &Handle{
		deps:       deps,
		instanceID: instanceID,
		state:      lifecycle.StateLoading,
		pending:    make(map[string]struct{}),
		limiter:    analyticsLimiter(deps.cfg),
		log: deps.log.WithFields(map[string]interface{}{
			"module":   deps.install.Descriptor.ID,
			"instance": instanceID,
		}),
	}
}

// start wires the transport and opens the startup window.
func (h *Handle) start() {
	h.deps.transport.OnMessage(h.dispatch)
	if fr, ok := h.deps.transport.(faultReporter); ok {
		fr.OnFault(func(err error) { h.Fail(FaultRuntime, err) })
	}

	h.deps.metrics.RecordHandleState(h.moduleID(), h.instanceID, int(lifecycle.StateLoading))
	h.event(events.EventMounted, events.SeverityInfo, "execution context created", nil)

	if h.deps.cfg.ReadyTimeout > 0 {
		h.mu.Lock()
		h.readyTimer = time.AfterFunc(h.deps.cfg.ReadyTimeout, func() {
			h.Fail(FaultReadyTimeout, fmt.Errorf("module not ready after %s", h.deps.cfg.ReadyTimeout))
		})
		h.mu.Unlock()
	}

	if s, ok := h.deps.transport.(starter); ok {
		s.Start()
	}
}

// InstanceID returns the execution instance id.
func (h *Handle) InstanceID() string { return h.instanceID }

// ModuleID returns the module identity this handle is bound to.
func (h *Handle) ModuleID() string { return h.moduleID() }

// Install returns the install record the handle was mounted from.
func (h *Handle) Install() module.InstallRecord { return h.deps.install }

// State returns the current lifecycle state.
func (h *Handle) State() lifecycle.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PendingCount returns the number of outstanding API requests.
func (h *Handle) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Height returns the last applied mount height, 0 if never resized.
func (h *Handle) Height() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.height
}

// OnFault registers the fault escalation callback. The fault boundary
// installs this at mount time.
func (h *Handle) OnFault(fn func(FaultKind, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFault = fn
}

// OnResize registers the layout callback invoked with clamped heights.
func (h *Handle) OnResize(fn func(height int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResize = fn
}

// Fail moves the handle to the error state and escalates. Pending
// requests are discarded: the execution context is gone, so nothing can
// be answered. Calling Fail on an already failed or finished handle is a
// no-op.
func (h *Handle) Fail(kind FaultKind, cause error) {
	h.mu.Lock()
	if !lifecycle.CanTransition(h.state, lifecycle.StateError) {
		h.mu.Unlock()
		return
	}
	h.state = lifecycle.StateError
	h.stopReadyTimerLocked()
	h.clearPendingLocked()
	fn := h.onFault
	h.mu.Unlock()

	h.deps.metrics.RecordHandleState(h.moduleID(), h.instanceID, int(lifecycle.StateError))
	h.deps.metrics.RecordFault(h.moduleID(), string(kind))
	h.log.WithError(cause).WithField("fault", string(kind)).Warn("module fault")
	h.event(events.EventFailed, events.SeverityError, "module fault", map[string]string{
		"fault": string(kind),
		"cause": errString(cause),
	})

	h.deps.transport.Destroy()

	if fn != nil {
		fn(kind, cause)
	}
}

// Disable marks the handle administratively inactive and destroys its
// execution context. Valid from ready and error only.
func (h *Handle) Disable() error {
	h.mu.Lock()
	if !lifecycle.CanTransition(h.state, lifecycle.StateDisabled) {
		from := h.state
		h.mu.Unlock()
		return lifecycle.NewTransitionError(from, lifecycle.StateDisabled)
	}
	h.state = lifecycle.StateDisabled
	h.stopReadyTimerLocked()
	h.clearPendingLocked()
	h.mu.Unlock()

	h.deps.metrics.RecordHandleState(h.moduleID(), h.instanceID, int(lifecycle.StateDisabled))
	h.event(events.EventDisabled, events.SeverityInfo, "module disabled", nil)
	h.deps.transport.Destroy()
	return nil
}

// Teardown destroys the execution context unconditionally. After it
// returns no envelope is dispatched and no response is sent.
func (h *Handle) Teardown() {
	h.mu.Lock()
	if h.state == lifecycle.StateTornDown {
		h.mu.Unlock()
		return
	}
	h.state = lifecycle.StateTornDown
	h.stopReadyTimerLocked()
	h.clearPendingLocked()
	h.mu.Unlock()

	h.deps.transport.Destroy()
	h.deps.metrics.RemoveHandle(h.moduleID(), h.instanceID)
	h.event(events.EventTornDown, events.SeverityInfo, "execution context destroyed", nil)
}

// dispatch is the single entry point for module-to-host envelopes.
func (h *Handle) dispatch(in host.Inbound) {
	env := in.Envelope

	// Origin first. A mismatch tells us nothing about the envelope and
	// the envelope gets no reply.
	if !h.deps.allow.Allows(in.Origin) {
		h.drop(env, dropOrigin, map[string]string{"origin": in.Origin})
		return
	}
	if env.ModuleID != h.moduleID() {
		h.drop(env, dropModuleID, map[string]string{"claimed": env.ModuleID})
		return
	}
	if dir, err := envelope.DirectionOf(env.Kind); err != nil || dir != envelope.ModuleToHost {
		h.drop(env, dropDirection, nil)
		return
	}

	h.deps.metrics.RecordEnvelope(h.moduleID(), string(env.Kind))

	switch env.Kind {
	case envelope.KindModuleReady:
		h.handleReady()
	case envelope.KindModuleError:
		h.handleModuleError(env)
	default:
		h.mu.Lock()
		dispatchable := h.state.Dispatchable()
		h.mu.Unlock()
		if !dispatchable {
			h.drop(env, dropState, nil)
			return
		}

		switch env.Kind {
		case envelope.KindAPIRequest:
			h.handleAPIRequest(env)
		case envelope.KindSettingsUpdate:
			h.handleSettingsUpdate(env)
		case envelope.KindResize:
			h.handleResize(env)
		case envelope.KindAnalyticsEvent:
			h.handleAnalytics(env)
		}
	}
}

// handleReady completes the handshake: loading -> ready, then INIT with
// settings, the grant set, and the instance id.
func (h *Handle) handleReady() {
	h.mu.Lock()
	if h.state != lifecycle.StateLoading {
		h.mu.Unlock()
		h.drop(envelope.Envelope{Kind: envelope.KindModuleReady, ModuleID: h.moduleID()}, dropState, nil)
		return
	}
	h.state = lifecycle.StateReady
	h.stopReadyTimerLocked()
	h.mu.Unlock()

	h.deps.metrics.RecordHandleState(h.moduleID(), h.instanceID, int(lifecycle.StateReady))
	h.event(events.EventReady, events.SeverityInfo, "module ready", nil)

	ctx, cancel := background(h.deps.cfg.RequestTimeout)
	defer cancel()
	settings, err := h.deps.collab.Settings.Get(ctx, h.moduleID())
	if err != nil && !errors.Is(err, collab.ErrSettingsNotFound) {
		h.log.WithError(err).Warn("loading settings for init")
		settings = nil
	}

	grants := make([]string, 0, h.deps.install.Grants.Len())
	for _, c := range h.deps.install.Grants.List() {
		grants = append(grants, string(c))
	}

	init, err := envelope.New(envelope.KindInit, h.moduleID(), envelope.InitPayload{
		Settings:     settings,
		Capabilities: grants,
		InstanceID:   h.instanceID,
	})
	if err != nil {
		h.log.WithError(err).Error("building init envelope")
		return
	}
	if err := h.deps.transport.Send(init); err != nil {
		h.log.WithError(err).Debug("init not delivered")
	}
}

func (h *Handle) handleModuleError(env envelope.Envelope) {
	var p envelope.ModuleErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Message == "" {
		p.Message = "module reported an unspecified error"
	}
	h.Fail(FaultModuleError, errors.New(p.Message))
}

// handleAPIRequest runs the capability check and, if granted, invokes the
// gateway on its own goroutine so one slow backend call never blocks the
// channel. Exactly one response is sent per correlation id, in completion
// order.
func (h *Handle) handleAPIRequest(env envelope.Envelope) {
	if env.CorrelationID == "" {
		h.drop(env, dropCorrelation, nil)
		return
	}
	var p envelope.APIRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.drop(env, dropPayload, nil)
		return
	}

	cap := capability.Capability(p.Permission)
	if !capability.IsGranted(h.deps.install.Grants, cap) {
		reason := fmt.Sprintf("capability %q not granted", p.Permission)
		if !capability.Known(cap) {
			reason = fmt.Sprintf("unknown capability %q", p.Permission)
		}
		h.deps.metrics.RecordDenial(h.moduleID(), p.Permission)
		h.event(events.EventDenied, events.SeverityWarning, reason, map[string]string{
			"capability": p.Permission,
			"endpoint":   p.Endpoint,
		})
		h.send(envelope.KindAPIDenied, env.CorrelationID, envelope.DeniedPayload{
			Permission: p.Permission,
			Reason:     reason,
		})
		return
	}

	h.mu.Lock()
	if _, dup := h.pending[env.CorrelationID]; dup {
		h.mu.Unlock()
		h.drop(env, dropDuplicate, map[string]string{"correlationId": env.CorrelationID})
		return
	}
	h.pending[env.CorrelationID] = struct{}{}
	count := len(h.pending)
	h.mu.Unlock()
	h.deps.metrics.RecordPending(h.moduleID(), h.instanceID, count)

	h.event(events.EventDispatched, events.SeverityDebug, "api request accepted", map[string]string{
		"capability":    p.Permission,
		"endpoint":      p.Endpoint,
		"correlationId": env.CorrelationID,
	})

	go h.invoke(env.CorrelationID, p)
}

// invoke performs one gateway call and resolves its correlation id.
func (h *Handle) invoke(correlationID string, p envelope.APIRequestPayload) {
	start := time.Now()
	ctx, cancel := background(h.deps.cfg.RequestTimeout)
	defer cancel()

	data, err := h.deps.collab.Gateway.Invoke(ctx, h.moduleID(), capability.Capability(p.Permission), p.Endpoint, p.Method, p.Data)

	if !h.resolve(correlationID) {
		// Already discarded: the handle failed or was torn down while the
		// call was in flight. First resolution wins; nothing more to send.
		return
	}
	h.deps.metrics.RecordDispatch(h.moduleID(), time.Since(start), err)

	resp := envelope.APIResponsePayload{Success: err == nil, Data: data}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			resp.Error = "request timed out"
			h.event(events.EventRequestTimeout, events.SeverityWarning, "api request timed out", map[string]string{
				"endpoint":      p.Endpoint,
				"correlationId": correlationID,
			})
		} else {
			resp.Error = err.Error()
		}
	}

	h.send(envelope.KindAPIResponse, correlationID, resp)
	h.event(events.EventResponded, events.SeverityDebug, "api request completed", map[string]string{
		"correlationId": correlationID,
		"success":       fmt.Sprintf("%t", err == nil),
	})
}

// resolve claims a pending correlation id. It returns false when the id
// is no longer pending, which means a response must not be sent.
func (h *Handle) resolve(correlationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[correlationID]; !ok {
		return false
	}
	delete(h.pending, correlationID)
	h.deps.metrics.RecordPending(h.moduleID(), h.instanceID, len(h.pending))
	return true
}

// handleSettingsUpdate persists settings serially and always answers with
// SETTINGS_SAVED carrying the outcome.
func (h *Handle) handleSettingsUpdate(env envelope.Envelope) {
	var p envelope.SettingsUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.drop(env, dropPayload, nil)
		return
	}

	go func() {
		h.settingsMu.Lock()
		ctx, cancel := background(h.deps.cfg.RequestTimeout)
		err := h.deps.collab.Settings.Put(ctx, h.moduleID(), p.Settings)
		cancel()
		h.settingsMu.Unlock()

		saved := envelope.SettingsSavedPayload{Success: err == nil}
		if err != nil {
			saved.Error = "settings could not be saved"
			h.log.WithError(err).Warn("settings write failed")
		}
		h.send(envelope.KindSettingsSaved, "", saved)
		h.event(events.EventSettingsSaved, events.SeverityDebug, "settings write", map[string]string{
			"success": fmt.Sprintf("%t", err == nil),
		})
	}()
}

// handleResize clamps the requested height into the configured bounds and
// applies it. Resize has no reply kind, so an ungranted request is
// dropped rather than denied.
func (h *Handle) handleResize(env envelope.Envelope) {
	if !h.fireAndForgetGranted(env, capability.Resize) {
		return
	}
	var p envelope.ResizePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.drop(env, dropPayload, nil)
		return
	}

	clamped := p.Height
	if clamped < h.deps.cfg.MinHeight {
		clamped = h.deps.cfg.MinHeight
	}
	if h.deps.cfg.MaxHeight > 0 && clamped > h.deps.cfg.MaxHeight {
		clamped = h.deps.cfg.MaxHeight
	}
	if clamped != p.Height {
		h.event(events.EventResizeClamped, events.SeverityDebug, "resize clamped", map[string]string{
			"requested": fmt.Sprintf("%d", p.Height),
			"applied":   fmt.Sprintf("%d", clamped),
		})
	}

	h.mu.Lock()
	h.height = clamped
	fn := h.onResize
	h.mu.Unlock()

	if fn != nil {
		fn(clamped)
	}
}

// handleAnalytics forwards telemetry without answering. Ungranted and
// over-budget events are dropped.
func (h *Handle) handleAnalytics(env envelope.Envelope) {
	if !h.fireAndForgetGranted(env, capability.Analytics) {
		return
	}
	if !h.limiter.Allow() {
		h.drop(env, dropRateLimit, nil)
		return
	}
	var p envelope.AnalyticsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Event == "" {
		h.drop(env, dropPayload, nil)
		return
	}

	go func() {
		ctx, cancel := background(h.deps.cfg.RequestTimeout)
		defer cancel()
		if err := h.deps.collab.Analytics.Record(ctx, h.moduleID(), p.Event, p.Metadata); err != nil {
			h.log.WithError(err).Debug("analytics record failed")
		}
	}()
}

// fireAndForgetGranted checks the grant for an uncorrelated kind. There
// is no denial envelope for these; failing the check records the denial
// and drops the envelope.
func (h *Handle) fireAndForgetGranted(env envelope.Envelope, cap capability.Capability) bool {
	if capability.IsGranted(h.deps.install.Grants, cap) {
		return true
	}
	h.deps.metrics.RecordDenial(h.moduleID(), string(cap))
	h.drop(env, dropUngranted, map[string]string{"capability": string(cap)})
	return false
}

// send builds and delivers a host-to-module envelope. Delivery failures
// after teardown are expected and ignored.
func (h *Handle) send(kind envelope.Kind, correlationID string, payload interface{}) {
	var (
		env envelope.Envelope
		err error
	)
	if correlationID != "" {
		env, err = envelope.NewCorrelated(kind, h.moduleID(), correlationID, payload)
	} else {
		env, err = envelope.New(kind, h.moduleID(), payload)
	}
	if err != nil {
		h.log.WithError(err).Error("building outbound envelope")
		return
	}
	if err := h.deps.transport.Send(env); err != nil {
		h.log.WithError(err).Debug("outbound envelope not delivered")
	}
}

// drop records a silently discarded envelope. The sender is never told.
func (h *Handle) drop(env envelope.Envelope, reason string, meta map[string]string) {
	h.deps.metrics.RecordDrop(h.moduleID(), reason)
	if meta == nil {
		meta = map[string]string{}
	}
	meta["reason"] = reason
	meta["kind"] = string(env.Kind)
	h.event(events.EventEnvelopeDropped, events.SeverityDebug, "envelope dropped", meta)
	h.log.WithFields(map[string]interface{}{"reason": reason, "kind": string(env.Kind)}).Debug("envelope dropped")
}

func (h *Handle) event(t events.EventType, sev events.Severity, msg string, meta map[string]string) {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	h.deps.events.Log(events.Event{
		Type:       t,
		Severity:   sev,
		ModuleID:   h.moduleID(),
		InstanceID: h.instanceID,
		State:      state,
		Message:    msg,
		Metadata:   meta,
	})
}

func (h *Handle) moduleID() string { return h.deps.install.Descriptor.ID }

func (h *Handle) stopReadyTimerLocked() {
	if h.readyTimer != nil {
		h.readyTimer.Stop()
		h.readyTimer = nil
	}
}

func (h *Handle) clearPendingLocked() {
	if len(h.pending) > 0 {
		h.pending = make(map[string]struct{})
		h.deps.metrics.RecordPending(h.moduleID(), h.instanceID, 0)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
