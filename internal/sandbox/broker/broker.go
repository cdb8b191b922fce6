// Package broker owns the trusted side of the sandbox channel. It
// verifies message origin, correlates responses to pending requests,
// gates privileged calls through the capability grant set, and escalates
// module faults. One Handle exists per mounted module instance; handles
// run concurrently and independently, so a hung module never blocks
// delivery to another.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gridsite/platform/internal/sandbox/collab"
	"github.com/gridsite/platform/internal/sandbox/events"
	"github.com/gridsite/platform/internal/sandbox/host"
	"github.com/gridsite/platform/internal/sandbox/metrics"
	"github.com/gridsite/platform/internal/sandbox/module"
	"github.com/gridsite/platform/internal/sandbox/origin"
	"github.com/gridsite/platform/pkg/logger"
)

// Common errors
var (
	ErrHandleNotFound = errors.New("handle not found")
	ErrAlreadyMounted = errors.New("instance already mounted")
)

// Config holds broker tuning shared by all handles.
type Config struct {
	// ReadyTimeout bounds how long a module may take to send
	// MODULE_READY after boot. Expiry is a load failure.
	ReadyTimeout time.Duration

	// RequestTimeout bounds an accepted API request's gateway call.
	// 0 disables the timeout.
	RequestTimeout time.Duration

	// MinHeight and MaxHeight clamp RESIZE requests.
	MinHeight int
	MaxHeight int

	// AnalyticsPerSecond and AnalyticsBurst bound the telemetry a module
	// may emit. Events over budget are dropped, never errored.
	AnalyticsPerSecond float64
	AnalyticsBurst     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:       15 * time.Second,
		RequestTimeout:     30 * time.Second,
		MinHeight:          100,
		MaxHeight:          3000,
		AnalyticsPerSecond: 5,
		AnalyticsBurst:     20,
	}
}

// MountSpec describes one mount request.
type MountSpec struct {
	Install module.InstallRecord

	// NewTransport creates a fresh execution context. It is called once
	// per mount and once more per retry; contexts are never reused.
	NewTransport func() (host.Transport, error)
}

// Broker manages all mounted handles.
type Broker struct {
	mu      sync.RWMutex
	handles map[string]*Handle

	cfg     Config
	collab  collab.Set
	events  events.Logger
	metrics metrics.SandboxCollector
	log     *logger.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithEvents sets the diagnostic event logger.
func WithEvents(el events.Logger) Option {
	return func(b *Broker) { b.events = el }
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc metrics.SandboxCollector) Option {
	return func(b *Broker) { b.metrics = mc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// New creates a Broker.
func New(cfg Config, collaborators collab.Set, opts ...Option) *Broker {
	b := &Broker{
		handles: make(map[string]*Handle),
		cfg:     cfg,
		collab:  collaborators,
		events:  events.NoOpLogger{},
		metrics: metrics.NewNoOpCollector(),
		log:     logger.NewDefault("sandbox-broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Mount creates and boots a handle for the given spec. The returned
// instance id names the execution context.
func (b *Broker) Mount(spec MountSpec, originCfg origin.Config) (*Handle, error) {
	if !spec.Install.Enabled {
		return nil, fmt.Errorf("module %s is disabled", spec.Install.Descriptor.ID)
	}

	allow, err := origin.Derive(spec.Install.Descriptor.SourceURL, originCfg)
	if err != nil {
		return nil, fmt.Errorf("derive allow-list: %w", err)
	}

	transport, err := spec.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("create execution context: %w", err)
	}

	h := newHandle(handleDeps{
		install:   spec.Install,
		transport: transport,
		allow:     allow,
		cfg:       b.cfg,
		collab:    b.collab,
		events:    b.events,
		metrics:   b.metrics,
		log:       b.log,
	})

	b.mu.Lock()
	if _, dup := b.handles[h.InstanceID()]; dup {
		b.mu.Unlock()
		transport.Destroy()
		return nil, ErrAlreadyMounted
	}
	b.handles[h.InstanceID()] = h
	b.mu.Unlock()

	h.start()
	return h, nil
}

// Get returns a mounted handle.
func (b *Broker) Get(instanceID string) (*Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handles[instanceID]
	if !ok {
		return nil, ErrHandleNotFound
	}
	return h, nil
}

// Unmount tears down a handle and removes it from the broker.
func (b *Broker) Unmount(instanceID string) error {
	b.mu.Lock()
	h, ok := b.handles[instanceID]
	if ok {
		delete(b.handles, instanceID)
	}
	b.mu.Unlock()

	if !ok {
		return ErrHandleNotFound
	}
	h.Teardown()
	return nil
}

// List returns the mounted instance ids.
func (b *Broker) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handles))
	for id := range b.handles {
		out = append(out, id)
	}
	return out
}

// Shutdown tears down every handle.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	handles := make([]*Handle, 0, len(b.handles))
	for _, h := range b.handles {
		handles = append(handles, h)
	}
	b.handles = make(map[string]*Handle)
	b.mu.Unlock()

	for _, h := range handles {
		h.Teardown()
	}
}

// analyticsLimiter builds the per-handle telemetry limiter.
func analyticsLimiter(cfg Config) *rate.Limiter {
	if cfg.AnalyticsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.AnalyticsBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.AnalyticsPerSecond), burst)
}

// background returns the context gateway calls run under.
func background(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
