// Package envelope defines the wire format exchanged across the sandbox
// isolation boundary. Every message is an Envelope: a kind from a closed
// set, the sending module's id, an opaque payload, and an optional
// correlation id pairing a request to its eventual response.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrUnknownKind   = errors.New("unknown envelope kind")
	ErrMissingModule = errors.New("envelope missing module id")
	ErrNotCorrelated = errors.New("envelope kind does not carry a correlation id")
)

// Kind classifies an envelope. The set is closed: decoding rejects
// anything outside it.
type Kind string

const (
	// KindInit delivers settings, the capability grant set, and mount
	// context to a freshly booted module. Host to module.
	KindInit Kind = "INIT"

	// KindModuleReady signals a successful module boot. Module to host.
	KindModuleReady Kind = "MODULE_READY"

	// KindModuleError reports an unrecoverable module fault. Module to host.
	KindModuleError Kind = "MODULE_ERROR"

	// KindAPIRequest asks the host to perform a privileged operation.
	// Module to host, correlated.
	KindAPIRequest Kind = "API_REQUEST"

	// KindAPIResponse carries the result or error for a prior API request.
	// Host to module, correlated.
	KindAPIResponse Kind = "API_RESPONSE"

	// KindAPIDenied rejects an API request that failed the capability
	// check. Host to module, correlated.
	KindAPIDenied Kind = "API_DENIED"

	// KindSettingsUpdate persists module configuration. Module to host.
	KindSettingsUpdate Kind = "SETTINGS_UPDATE"

	// KindSettingsSaved acknowledges a settings write. Host to module.
	KindSettingsSaved Kind = "SETTINGS_SAVED"

	// KindResize requests a layout size change. Module to host.
	KindResize Kind = "RESIZE"

	// KindAnalyticsEvent fires telemetry. Module to host, never answered.
	KindAnalyticsEvent Kind = "ANALYTICS_EVENT"
)

// Direction indicates which side of the boundary originates a kind.
type Direction int

const (
	// HostToModule envelopes originate from the trusted host.
	HostToModule Direction = iota

	// ModuleToHost envelopes originate from untrusted module code.
	ModuleToHost
)

// kindSpec captures per-kind protocol metadata.
type kindSpec struct {
	direction  Direction
	correlated bool
}

// kinds is the closed protocol table. Correlated means the kind carries a
// correlation id pairing it with a response (or with the request it
// answers). SETTINGS_UPDATE may carry one but does not have to.
var kinds = map[Kind]kindSpec{
	KindInit:           {HostToModule, false},
	KindModuleReady:    {ModuleToHost, false},
	KindModuleError:    {ModuleToHost, false},
	KindAPIRequest:     {ModuleToHost, true},
	KindAPIResponse:    {HostToModule, true},
	KindAPIDenied:      {HostToModule, true},
	KindSettingsUpdate: {ModuleToHost, true},
	KindSettingsSaved:  {HostToModule, false},
	KindResize:         {ModuleToHost, false},
	KindAnalyticsEvent: {ModuleToHost, false},
}

// Known returns true if k is a kind the protocol understands.
func Known(k Kind) bool {
	_, ok := kinds[k]
	return ok
}

// DirectionOf returns the originating side for a kind.
func DirectionOf(k Kind) (Direction, error) {
	spec, ok := kinds[k]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	return spec.direction, nil
}

// Correlated returns true if the kind may carry a correlation id.
func Correlated(k Kind) bool {
	spec, ok := kinds[k]
	return ok && spec.correlated
}

// Envelope is one message crossing the isolation boundary.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	ModuleID      string          `json:"moduleId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope against the protocol table. It does NOT
// verify origin or module identity; that is the broker's first step and
// happens against the execution context, not the wire shape.
func (e Envelope) Validate() error {
	if !Known(e.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.ModuleID == "" {
		return ErrMissingModule
	}
	if e.CorrelationID != "" && !Correlated(e.Kind) {
		return fmt.Errorf("%w: %q", ErrNotCorrelated, e.Kind)
	}
	return nil
}

// Encode marshals the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a wire envelope. Malformed or unknown input
// yields an error; callers on the inbound path drop such envelopes
// silently rather than answering them.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// New builds an envelope with a marshalled payload.
func New(kind Kind, moduleID string, payload interface{}) (Envelope, error) {
	e := Envelope{Kind: kind, ModuleID: moduleID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		e.Payload = data
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// NewCorrelated builds an envelope carrying a correlation id.
func NewCorrelated(kind Kind, moduleID, correlationID string, payload interface{}) (Envelope, error) {
	e, err := New(kind, moduleID, payload)
	if err != nil {
		return Envelope{}, err
	}
	e.CorrelationID = correlationID
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// InitPayload is delivered with KindInit.
type InitPayload struct {
	Settings     json.RawMessage `json:"settings,omitempty"`
	Capabilities []string        `json:"capabilities"`
	InstanceID   string          `json:"instanceId"`
}

// APIRequestPayload is carried by KindAPIRequest.
type APIRequestPayload struct {
	Permission string          `json:"permission"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// APIResponsePayload is carried by KindAPIResponse.
type APIResponsePayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DeniedPayload is carried by KindAPIDenied.
type DeniedPayload struct {
	Permission string `json:"permission"`
	Reason     string `json:"reason"`
}

// ModuleErrorPayload is carried by KindModuleError.
type ModuleErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// SettingsUpdatePayload is carried by KindSettingsUpdate.
type SettingsUpdatePayload struct {
	Settings json.RawMessage `json:"settings"`
}

// SettingsSavedPayload is carried by KindSettingsSaved.
type SettingsSavedPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResizePayload is carried by KindResize. Height is in pixels.
type ResizePayload struct {
	Height int `json:"height"`
}

// AnalyticsPayload is carried by KindAnalyticsEvent.
type AnalyticsPayload struct {
	Event    string            `json:"event"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
