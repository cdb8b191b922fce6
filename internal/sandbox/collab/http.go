package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gridsite/platform/internal/httputil"
	"github.com/gridsite/platform/internal/sandbox/capability"
)

// ServiceTokenSource mints short-lived HMAC service tokens identifying
// the sandbox host to collaborator services.
type ServiceTokenSource struct {
	secret    []byte
	serviceID string
	ttl       time.Duration
}

// NewServiceTokenSource creates a token source. TTL defaults to one hour.
func NewServiceTokenSource(secret []byte, serviceID string, ttl time.Duration) *ServiceTokenSource {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &ServiceTokenSource{secret: secret, serviceID: serviceID, ttl: ttl}
}

// Token returns a signed service token.
func (s *ServiceTokenSource) Token() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": s.serviceID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

var _ httputil.TokenSource = (*ServiceTokenSource)(nil)

// HTTPSettingsStore talks to the platform settings service.
type HTTPSettingsStore struct {
	client *httputil.ServiceClient
}

// NewHTTPSettingsStore creates a settings store over the given client.
func NewHTTPSettingsStore(client *httputil.ServiceClient) *HTTPSettingsStore {
	return &HTTPSettingsStore{client: client}
}

// Get fetches settings for an installation.
func (s *HTTPSettingsStore) Get(ctx context.Context, installID string) (json.RawMessage, error) {
	resp, err := s.client.Get(ctx, "/v1/module-settings/"+url.PathEscape(installID))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("install %s: %w", installID, ErrSettingsNotFound)
	}

	var body struct {
		Settings json.RawMessage `json:"settings"`
	}
	if err := httputil.DecodeResponse(resp, &body); err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return body.Settings, nil
}

// Put stores settings for an installation.
func (s *HTTPSettingsStore) Put(ctx context.Context, installID string, settings json.RawMessage) error {
	resp, err := s.client.Put(ctx, "/v1/module-settings/"+url.PathEscape(installID), map[string]json.RawMessage{
		"settings": settings,
	})
	if err != nil {
		return err
	}
	if err := httputil.DecodeResponse(resp, nil); err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

// HTTPGateway forwards privileged module operations to the platform API
// gateway. The gateway re-checks authorization server-side; the broker's
// capability check is necessary but not sufficient.
type HTTPGateway struct {
	client *httputil.ServiceClient
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(client *httputil.ServiceClient) *HTTPGateway {
	return &HTTPGateway{client: client}
}

type gatewayRequest struct {
	ModuleID   string          `json:"moduleId"`
	Capability string          `json:"capability"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type gatewayResponse struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Invoke forwards one privileged operation.
func (g *HTTPGateway) Invoke(ctx context.Context, moduleID string, cap capability.Capability, endpoint, method string, data json.RawMessage) (json.RawMessage, error) {
	resp, err := g.client.Post(ctx, "/v1/module-proxy/invoke", gatewayRequest{
		ModuleID:   moduleID,
		Capability: string(cap),
		Endpoint:   endpoint,
		Method:     method,
		Data:       data,
	})
	if err != nil {
		return nil, err
	}

	var body gatewayResponse
	if err := httputil.DecodeResponse(resp, &body); err != nil {
		return nil, fmt.Errorf("gateway invoke: %w", err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("gateway: %s", body.Error)
	}
	return body.Data, nil
}

// HTTPDiagnostics posts failure reports to the diagnostics service.
type HTTPDiagnostics struct {
	client *httputil.ServiceClient
}

// NewHTTPDiagnostics creates a diagnostics client.
func NewHTTPDiagnostics(client *httputil.ServiceClient) *HTTPDiagnostics {
	return &HTTPDiagnostics{client: client}
}

// Report posts one failure report.
func (d *HTTPDiagnostics) Report(ctx context.Context, moduleID, errorKind, message string, details map[string]string) error {
	resp, err := d.client.Post(ctx, "/v1/diagnostics/module-errors", map[string]interface{}{
		"moduleId":  moduleID,
		"errorKind": errorKind,
		"message":   message,
		"details":   details,
	})
	if err != nil {
		return err
	}
	return httputil.DecodeResponse(resp, nil)
}

// HTTPAnalytics posts telemetry events to the analytics service.
type HTTPAnalytics struct {
	client *httputil.ServiceClient
}

// NewHTTPAnalytics creates an analytics client.
func NewHTTPAnalytics(client *httputil.ServiceClient) *HTTPAnalytics {
	return &HTTPAnalytics{client: client}
}

// Record posts one telemetry event.
func (a *HTTPAnalytics) Record(ctx context.Context, moduleID, event string, metadata map[string]string) error {
	resp, err := a.client.Post(ctx, "/v1/analytics/module-events", map[string]interface{}{
		"moduleId": moduleID,
		"event":    event,
		"metadata": metadata,
	})
	if err != nil {
		return err
	}
	return httputil.DecodeResponse(resp, nil)
}

// Compile-time interface checks.
var (
	_ SettingsStore        = (*HTTPSettingsStore)(nil)
	_ APIGateway           = (*HTTPGateway)(nil)
	_ DiagnosticsCollector = (*HTTPDiagnostics)(nil)
	_ AnalyticsSink        = (*HTTPAnalytics)(nil)
)
