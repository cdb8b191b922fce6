// Package httputil provides HTTP client utilities for calls to the
// sandbox's boundary collaborators (settings store, API gateway,
// diagnostics, analytics).
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServiceTokenHeader carries the caller's service identity token.
const ServiceTokenHeader = "X-Service-Token"

// TokenSource supplies a fresh service token per request.
type TokenSource interface {
	Token() (string, error)
}

// ServiceClient is an authenticated JSON HTTP client for
// service-to-service calls. It attaches a service token to every request
// and retries transient auth failures.
type ServiceClient struct {
	httpClient *http.Client
	tokens     TokenSource
	baseURL    string
	maxRetries int
}

// ServiceClientConfig configures the service client.
type ServiceClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	Timeout    time.Duration
	MaxRetries int
}

// NewServiceClient creates a new service client.
func NewServiceClient(cfg ServiceClientConfig) *ServiceClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	return &ServiceClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens:     cfg.Tokens,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: maxRetries,
	}
}

// Do executes an HTTP request with automatic service authentication.
func (c *ServiceClient) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	return c.doWithRetry(ctx, method, path, body, 0)
}

// doWithRetry executes a request, retrying transient auth failures.
func (c *ServiceClient) doWithRetry(ctx context.Context, method, path string, body interface{}, attempt int) (*http.Response, error) {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, tokenErr := c.tokens.Token()
		if tokenErr != nil {
			return nil, fmt.Errorf("generate service token: %w", tokenErr)
		}
		req.Header.Set(ServiceTokenHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && attempt < c.maxRetries {
		resp.Body.Close()
		return c.doWithRetry(ctx, method, path, body, attempt+1)
	}

	return resp, nil
}

// Get performs a GET request.
func (c *ServiceClient) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with JSON body.
func (c *ServiceClient) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put performs a PUT request with JSON body.
func (c *ServiceClient) Put(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete performs a DELETE request.
func (c *ServiceClient) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// DecodeResponse decodes a JSON response into the target struct.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
