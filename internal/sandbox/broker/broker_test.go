package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gridsite/platform/internal/sandbox/capability"
	"github.com/gridsite/platform/internal/sandbox/collab"
	"github.com/gridsite/platform/internal/sandbox/envelope"
	"github.com/gridsite/platform/internal/sandbox/host"
	"github.com/gridsite/platform/internal/sandbox/lifecycle"
	"github.com/gridsite/platform/internal/sandbox/module"
	"github.com/gridsite/platform/internal/sandbox/origin"
)

const (
	testModuleID = "mod-1"
	testOrigin   = "https://modules.example.com"
)

type rig struct {
	broker    *Broker
	handle    *Handle
	end       *host.ModuleEnd
	gateway   *collab.MemoryGateway
	settings  *collab.MemorySettingsStore
	analytics *collab.MemoryAnalytics
}

func testDescriptor(grants ...capability.Capability) module.Descriptor {
	return module.Descriptor{
		ID:        testModuleID,
		Name:      "Test Widget",
		Slug:      "test-widget",
		SourceURL: testOrigin + "/widget.js",
		Manifest: module.Manifest{
			Version:      "1.0.0",
			Capabilities: grants,
		},
	}
}

func mountRig(t *testing.T, cfg Config, grants ...capability.Capability) *rig {
	t.Helper()

	install, err := module.NewInstallRecord(testDescriptor(grants...), grants...)
	if err != nil {
		t.Fatalf("NewInstallRecord failed: %v", err)
	}

	r := &rig{
		gateway:   collab.NewMemoryGateway(json.RawMessage(`{"ok":true}`)),
		settings:  collab.NewMemorySettingsStore(),
		analytics: collab.NewMemoryAnalytics(),
	}
	set := collab.Set{
		Settings:    r.settings,
		Gateway:     r.gateway,
		Diagnostics: collab.NewMemoryDiagnostics(),
		Analytics:   r.analytics,
	}
	r.broker = New(cfg, set)

	spec := MountSpec{
		Install: install,
		NewTransport: func() (host.Transport, error) {
			pipe, end := host.NewPipe(testOrigin, 16)
			r.end = end
			return pipe, nil
		},
	}
	h, err := r.broker.Mount(spec, origin.Config{})
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	r.handle = h
	t.Cleanup(r.broker.Shutdown)
	return r
}

func sendReady(t *testing.T, r *rig) envelope.InitPayload {
	t.Helper()
	env, err := envelope.New(envelope.KindModuleReady, testModuleID, nil)
	if err != nil {
		t.Fatalf("building MODULE_READY: %v", err)
	}
	if err := r.end.Send(env); err != nil {
		t.Fatalf("sending MODULE_READY: %v", err)
	}

	init := recv(t, r.end)
	if init.Kind != envelope.KindInit {
		t.Fatalf("after ready got %q, want INIT", init.Kind)
	}
	var p envelope.InitPayload
	if err := json.Unmarshal(init.Payload, &p); err != nil {
		t.Fatalf("init payload unmarshal: %v", err)
	}
	return p
}

func recv(t *testing.T, end *host.ModuleEnd) envelope.Envelope {
	t.Helper()
	select {
	case env, ok := <-end.Receive():
		if !ok {
			t.Fatal("module channel closed while waiting for envelope")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return envelope.Envelope{}
	}
}

func expectSilence(t *testing.T, end *host.ModuleEnd, d time.Duration) {
	t.Helper()
	select {
	case env, ok := <-end.Receive():
		if ok {
			t.Fatalf("unexpected envelope %q", env.Kind)
		}
	case <-time.After(d):
	}
}

// gateFunc adapts a function to collab.APIGateway.
type gateFunc func(ctx context.Context, moduleID string, cap capability.Capability, endpoint, method string, data json.RawMessage) (json.RawMessage, error)

func (f gateFunc) Invoke(ctx context.Context, moduleID string, cap capability.Capability, endpoint, method string, data json.RawMessage) (json.RawMessage, error) {
	return f(ctx, moduleID, cap, endpoint, method, data)
}

func apiRequest(t *testing.T, corr, permission, endpoint string) envelope.Envelope {
	t.Helper()
	env, err := envelope.NewCorrelated(envelope.KindAPIRequest, testModuleID, corr, envelope.APIRequestPayload{
		Permission: permission,
		Endpoint:   endpoint,
		Method:     "GET",
	})
	if err != nil {
		t.Fatalf("building API_REQUEST: %v", err)
	}
	return env
}

func TestHandshake(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage, capability.Analytics)

	if got := r.handle.State(); got != lifecycle.StateLoading {
		t.Fatalf("state before ready = %s, want loading", got)
	}

	init := sendReady(t, r)

	if got := r.handle.State(); got != lifecycle.StateReady {
		t.Errorf("state after ready = %s, want ready", got)
	}
	if init.InstanceID != r.handle.InstanceID() {
		t.Errorf("init instance id = %q, want %q", init.InstanceID, r.handle.InstanceID())
	}
	if len(init.Capabilities) != 2 {
		t.Errorf("init capabilities = %v, want the two granted", init.Capabilities)
	}
}

func TestHandshakeDeliversStoredSettings(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadSettings)

	stored := json.RawMessage(`{"theme":"dark"}`)
	if err := r.settings.Put(context.Background(), testModuleID, stored); err != nil {
		t.Fatalf("seeding settings: %v", err)
	}

	init := sendReady(t, r)
	if string(init.Settings) != string(stored) {
		t.Errorf("init settings = %s, want %s", init.Settings, stored)
	}
}

func TestSecondReadyDropped(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	sendReady(t, r)

	env, _ := envelope.New(envelope.KindModuleReady, testModuleID, nil)
	if err := r.end.Send(env); err != nil {
		t.Fatalf("second MODULE_READY send: %v", err)
	}
	expectSilence(t, r.end, 100*time.Millisecond)
	if got := r.handle.State(); got != lifecycle.StateReady {
		t.Errorf("state = %s, want ready", got)
	}
}

func TestForeignOriginDroppedSilently(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)

	env, _ := envelope.New(envelope.KindModuleReady, testModuleID, nil)
	if err := r.end.SendFromOrigin(env, "https://evil.example.net"); err != nil {
		t.Fatalf("SendFromOrigin: %v", err)
	}

	expectSilence(t, r.end, 100*time.Millisecond)
	if got := r.handle.State(); got != lifecycle.StateLoading {
		t.Errorf("state = %s, want loading: foreign origin must not complete the handshake", got)
	}
}

func TestForeignModuleIDDroppedSilently(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)

	env, _ := envelope.New(envelope.KindModuleReady, "other-module", nil)
	if err := r.end.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	expectSilence(t, r.end, 100*time.Millisecond)
	if got := r.handle.State(); got != lifecycle.StateLoading {
		t.Errorf("state = %s, want loading", got)
	}
}

func TestHostKindFromModuleDropped(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	sendReady(t, r)

	// A module must not be able to inject host-originated kinds.
	env := envelope.Envelope{Kind: envelope.KindInit, ModuleID: testModuleID}
	if err := r.end.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	expectSilence(t, r.end, 100*time.Millisecond)
}

func TestAPIRequestGranted(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	sendReady(t, r)

	if err := r.end.Send(apiRequest(t, "c1", "read-storage", "/records")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp := recv(t, r.end)
	if resp.Kind != envelope.KindAPIResponse {
		t.Fatalf("kind = %q, want API_RESPONSE", resp.Kind)
	}
	if resp.CorrelationID != "c1" {
		t.Errorf("correlation id = %q, want c1", resp.CorrelationID)
	}
	var p envelope.APIResponsePayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if !p.Success {
		t.Errorf("success = false, error = %q", p.Error)
	}
	if string(p.Data) != `{"ok":true}` {
		t.Errorf("data = %s, want gateway response", p.Data)
	}

	calls := r.gateway.Calls()
	if len(calls) != 1 {
		t.Fatalf("gateway saw %d calls, want 1", len(calls))
	}
	if calls[0].Capability != capability.ReadStorage || calls[0].Endpoint != "/records" {
		t.Errorf("gateway call = %+v", calls[0])
	}
}

func TestAPIRequestUngrantedDenied(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	sendReady(t, r)

	if err := r.end.Send(apiRequest(t, "c1", "network-fetch", "/proxy")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp := recv(t, r.end)
	if resp.Kind != envelope.KindAPIDenied {
		t.Fatalf("kind = %q, want API_DENIED", resp.Kind)
	}
	if resp.CorrelationID != "c1" {
		t.Errorf("correlation id = %q, want c1", resp.CorrelationID)
	}
	var p envelope.DeniedPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.Permission != "network-fetch" {
		t.Errorf("denied permission = %q", p.Permission)
	}
	if p.Reason == "" {
		t.Error("denial carries no reason")
	}

	if calls := r.gateway.Calls(); len(calls) != 0 {
		t.Errorf("gateway saw %d calls for a denied request, want 0", len(calls))
	}
}

func TestAPIRequestUnknownCapabilityDenied(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	sendReady(t, r)

	if err := r.end.Send(apiRequest(t, "c1", "root-access", "/anything")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp := recv(t, r.end)
	if resp.Kind != envelope.KindAPIDenied {
		t.Fatalf("kind = %q, want API_DENIED", resp.Kind)
	}
	if calls := r.gateway.Calls(); len(calls) != 0 {
		t.Errorf("gateway saw %d calls, want 0", len(calls))
	}
}

func TestAPIRequestBeforeReadyDropped(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)

	if err := r.end.Send(apiRequest(t, "c1", "read-storage", "/records")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	expectSilence(t, r.end, 100*time.Millisecond)
	if calls := r.gateway.Calls(); len(calls) != 0 {
		t.Errorf("gateway saw %d calls before ready, want 0", len(calls))
	}
}

func TestResponsesArriveInCompletionOrder(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)

	unblock := make(chan struct{})
	r.handle.deps.collab.Gateway = gateFunc(func(ctx context.Context, _ string, _ capability.Capability, endpoint, _ string, _ json.RawMessage) (json.RawMessage, error) {
		if endpoint == "/slow" {
			<-unblock
		}
		return json.RawMessage(`{}`), nil
	})

	sendReady(t, r)

	if err := r.end.Send(apiRequest(t, "c-slow", "read-storage", "/slow")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := r.end.Send(apiRequest(t, "c-fast", "read-storage", "/fast")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The fast request completes while the slow one is still in flight.
	first := recv(t, r.end)
	if first.CorrelationID != "c-fast" {
		t.Fatalf("first response correlation = %q, want c-fast", first.CorrelationID)
	}

	close(unblock)
	second := recv(t, r.end)
	if second.CorrelationID != "c-slow" {
		t.Fatalf("second response correlation = %q, want c-slow", second.CorrelationID)
	}
}

func TestDuplicateCorrelationDropped(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)

	unblock := make(chan struct{})
	r.handle.deps.collab.Gateway = gateFunc(func(context.Context, string, capability.Capability, string, string, json.RawMessage) (json.RawMessage, error) {
		<-unblock
		return json.RawMessage(`{}`), nil
	})

	sendReady(t, r)

	if err := r.end.Send(apiRequest(t, "c1", "read-storage", "/a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := r.end.Send(apiRequest(t, "c1", "read-storage", "/b")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := r.handle.PendingCount(); got != 1 {
		t.Errorf("pending = %d, want 1: duplicate correlation must not register", got)
	}

	close(unblock)
	resp := recv(t, r.end)
	if resp.CorrelationID != "c1" {
		t.Fatalf("correlation = %q, want c1", resp.CorrelationID)
	}
	expectSilence(t, r.end, 100*time.Millisecond)
}

func TestRequestTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	r := mountRig(t, cfg, capability.ReadStorage)

	r.handle.deps.collab.Gateway = gateFunc(func(ctx context.Context, _ string, _ capability.Capability, _, _ string, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sendReady(t, r)

	if err := r.end.Send(apiRequest(t, "c1", "read-storage", "/hang")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp := recv(t, r.end)
	if resp.Kind != envelope.KindAPIResponse {
		t.Fatalf("kind = %q, want API_RESPONSE", resp.Kind)
	}
	var p envelope.APIResponsePayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.Success {
		t.Error("timed-out request reported success")
	}
	if p.Error != "request timed out" {
		t.Errorf("error = %q, want %q", p.Error, "request timed out")
	}
	if got := r.handle.PendingCount(); got != 0 {
		t.Errorf("pending = %d after timeout, want 0", got)
	}
}

func TestTeardownDiscardsInFlightRequests(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)

	unblock := make(chan struct{})
	invoked := make(chan struct{})
	r.handle.deps.collab.Gateway = gateFunc(func(context.Context, string, capability.Capability, string, string, json.RawMessage) (json.RawMessage, error) {
		close(invoked)
		<-unblock
		return json.RawMessage(`{}`), nil
	})

	sendReady(t, r)

	if err := r.end.Send(apiRequest(t, "c1", "read-storage", "/a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-invoked

	r.handle.Teardown()
	close(unblock)

	time.Sleep(50 * time.Millisecond)
	if got := r.handle.PendingCount(); got != 0 {
		t.Errorf("pending = %d after teardown, want 0", got)
	}
	if got := r.handle.State(); got != lifecycle.StateTornDown {
		t.Errorf("state = %s, want torn_down", got)
	}
}

func TestModuleErrorFailsHandle(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	sendReady(t, r)

	faults := make(chan FaultKind, 1)
	r.handle.OnFault(func(kind FaultKind, err error) { faults <- kind })

	env, _ := envelope.New(envelope.KindModuleError, testModuleID, envelope.ModuleErrorPayload{Message: "widget crashed"})
	if err := r.end.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case kind := <-faults:
		if kind != FaultModuleError {
			t.Errorf("fault kind = %q, want %q", kind, FaultModuleError)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fault callback never fired")
	}

	if got := r.handle.State(); got != lifecycle.StateError {
		t.Errorf("state = %s, want error", got)
	}

	// The execution context is gone.
	env2, _ := envelope.New(envelope.KindModuleReady, testModuleID, nil)
	if err := r.end.Send(env2); !errors.Is(err, host.ErrDestroyed) {
		t.Errorf("Send after fault = %v, want ErrDestroyed", err)
	}
}

func TestReadyTimeoutFailsHandle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 30 * time.Millisecond
	r := mountRig(t, cfg, capability.ReadStorage)

	faults := make(chan FaultKind, 1)
	r.handle.OnFault(func(kind FaultKind, err error) { faults <- kind })

	select {
	case kind := <-faults:
		if kind != FaultReadyTimeout {
			t.Errorf("fault kind = %q, want %q", kind, FaultReadyTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("startup window never expired")
	}
	if got := r.handle.State(); got != lifecycle.StateError {
		t.Errorf("state = %s, want error", got)
	}
}

func TestSettingsUpdatePersistedAndAcknowledged(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.WriteSettings)
	sendReady(t, r)

	env, err := envelope.NewCorrelated(envelope.KindSettingsUpdate, testModuleID, "s1", envelope.SettingsUpdatePayload{
		Settings: json.RawMessage(`{"theme":"dark"}`),
	})
	if err != nil {
		t.Fatalf("building SETTINGS_UPDATE: %v", err)
	}
	if err := r.end.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	saved := recv(t, r.end)
	if saved.Kind != envelope.KindSettingsSaved {
		t.Fatalf("kind = %q, want SETTINGS_SAVED", saved.Kind)
	}
	var p envelope.SettingsSavedPayload
	if err := json.Unmarshal(saved.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if !p.Success {
		t.Errorf("save reported failure: %q", p.Error)
	}

	got, err := r.settings.Get(context.Background(), testModuleID)
	if err != nil {
		t.Fatalf("settings Get: %v", err)
	}
	if string(got) != `{"theme":"dark"}` {
		t.Errorf("stored settings = %s", got)
	}
}

func TestResizeClamped(t *testing.T) {
	cfg := DefaultConfig()
	r := mountRig(t, cfg, capability.Resize)
	sendReady(t, r)

	heights := make(chan int, 4)
	r.handle.OnResize(func(h int) { heights <- h })

	send := func(h int) {
		env, _ := envelope.New(envelope.KindResize, testModuleID, envelope.ResizePayload{Height: h})
		if err := r.end.Send(env); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	send(50)
	if got := <-heights; got != cfg.MinHeight {
		t.Errorf("height = %d, want clamped to %d", got, cfg.MinHeight)
	}
	send(9000)
	if got := <-heights; got != cfg.MaxHeight {
		t.Errorf("height = %d, want clamped to %d", got, cfg.MaxHeight)
	}
	send(500)
	if got := <-heights; got != 500 {
		t.Errorf("height = %d, want 500 unclamped", got)
	}
	if got := r.handle.Height(); got != 500 {
		t.Errorf("Height() = %d, want 500", got)
	}
}

func TestResizeRequiresGrant(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	sendReady(t, r)

	applied := make(chan int, 1)
	r.handle.OnResize(func(h int) { applied <- h })

	env, _ := envelope.New(envelope.KindResize, testModuleID, envelope.ResizePayload{Height: 500})
	if err := r.end.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	expectSilence(t, r.end, 100*time.Millisecond)
	select {
	case h := <-applied:
		t.Errorf("ungranted resize applied height %d", h)
	default:
	}
	if got := r.handle.Height(); got != 0 {
		t.Errorf("Height() = %d, want 0", got)
	}
}

func TestAnalyticsRequiresGrant(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	sendReady(t, r)

	env, _ := envelope.New(envelope.KindAnalyticsEvent, testModuleID, envelope.AnalyticsPayload{Event: "clicked"})
	if err := r.end.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if records := r.analytics.Records(); len(records) != 0 {
		t.Errorf("sink saw %d events from an ungranted module, want 0", len(records))
	}
}

func TestAnalyticsForwardedAndRateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnalyticsPerSecond = 0.001
	cfg.AnalyticsBurst = 1
	r := mountRig(t, cfg, capability.Analytics)
	sendReady(t, r)

	send := func(name string) {
		env, _ := envelope.New(envelope.KindAnalyticsEvent, testModuleID, envelope.AnalyticsPayload{Event: name})
		if err := r.end.Send(env); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	send("clicked")
	send("flood-1")
	send("flood-2")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.analytics.Records()) >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	records := r.analytics.Records()
	if len(records) != 1 {
		t.Fatalf("sink saw %d events, want 1 (burst) with the rest rate-limited", len(records))
	}
	if records[0].Event != "clicked" {
		t.Errorf("event = %q, want clicked", records[0].Event)
	}
}

func TestDisable(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)

	if err := r.handle.Disable(); err == nil {
		t.Error("Disable from loading succeeded, want transition error")
	}

	sendReady(t, r)
	if err := r.handle.Disable(); err != nil {
		t.Fatalf("Disable from ready: %v", err)
	}
	if got := r.handle.State(); got != lifecycle.StateDisabled {
		t.Errorf("state = %s, want disabled", got)
	}

	env, _ := envelope.New(envelope.KindModuleReady, testModuleID, nil)
	if err := r.end.Send(env); !errors.Is(err, host.ErrDestroyed) {
		t.Errorf("Send after disable = %v, want ErrDestroyed", err)
	}
}

func TestMountRejectsDisabledInstall(t *testing.T) {
	install, err := module.NewInstallRecord(testDescriptor(capability.ReadStorage), capability.ReadStorage)
	if err != nil {
		t.Fatalf("NewInstallRecord: %v", err)
	}
	install.Enabled = false

	b := New(DefaultConfig(), collab.NewMemorySet())
	_, err = b.Mount(MountSpec{
		Install: install,
		NewTransport: func() (host.Transport, error) {
			pipe, _ := host.NewPipe(testOrigin, 4)
			return pipe, nil
		},
	}, origin.Config{})
	if err == nil {
		t.Fatal("Mount accepted a disabled install")
	}
}

func TestMountRejectsUnparseableSource(t *testing.T) {
	install, err := module.NewInstallRecord(module.Descriptor{
		ID:        testModuleID,
		Name:      "Broken",
		Slug:      "broken",
		SourceURL: "not a url",
		Manifest:  module.Manifest{Version: "1.0.0"},
	})
	if err != nil {
		t.Fatalf("NewInstallRecord: %v", err)
	}

	b := New(DefaultConfig(), collab.NewMemorySet())
	_, err = b.Mount(MountSpec{
		Install: install,
		NewTransport: func() (host.Transport, error) {
			pipe, _ := host.NewPipe(testOrigin, 4)
			return pipe, nil
		},
	}, origin.Config{})
	if err == nil {
		t.Fatal("Mount accepted a module with an unparseable source URL")
	}
}

func TestUnmount(t *testing.T) {
	r := mountRig(t, DefaultConfig(), capability.ReadStorage)
	id := r.handle.InstanceID()

	if _, err := r.broker.Get(id); err != nil {
		t.Fatalf("Get before unmount: %v", err)
	}
	if err := r.broker.Unmount(id); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if _, err := r.broker.Get(id); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("Get after unmount = %v, want ErrHandleNotFound", err)
	}
	if err := r.broker.Unmount(id); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("second Unmount = %v, want ErrHandleNotFound", err)
	}
	if got := r.handle.State(); got != lifecycle.StateTornDown {
		t.Errorf("state = %s, want torn_down", got)
	}
}
