// Package api exposes the sandbox daemon's management surface: mounting
// and unmounting modules, recovery actions, status with recent events,
// the websocket channel endpoint for frame-hosted modules, health, and
// metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridsite/platform/internal/sandbox/broker"
	"github.com/gridsite/platform/internal/sandbox/capability"
	"github.com/gridsite/platform/internal/sandbox/collab"
	"github.com/gridsite/platform/internal/sandbox/events"
	"github.com/gridsite/platform/internal/sandbox/fault"
	"github.com/gridsite/platform/internal/sandbox/host"
	"github.com/gridsite/platform/internal/sandbox/lifecycle"
	"github.com/gridsite/platform/internal/sandbox/metrics"
	"github.com/gridsite/platform/internal/sandbox/module"
	"github.com/gridsite/platform/internal/sandbox/origin"
	"github.com/gridsite/platform/pkg/logger"
)

// Mount runtimes.
const (
	RuntimeGoja    = "goja"
	RuntimeChannel = "channel"
)

// recentEventCount is how many events a status response carries.
const recentEventCount = 20

// ServerConfig wires a Server.
type ServerConfig struct {
	Broker      *broker.Broker
	OriginCfg   origin.Config
	Events      events.Logger
	Metrics     *metrics.Collector
	Logger      *logger.Logger
	Diagnostics collab.DiagnosticsCollector
}

// Server is the daemon's HTTP surface.
type Server struct {
	broker    *broker.Broker
	originCfg origin.Config
	events    events.Logger
	metrics   *metrics.Collector
	log       *logger.Logger

	diagnostics collab.DiagnosticsCollector

	mu     sync.RWMutex
	mounts map[string]*mountEntry

	upgrader websocket.Upgrader
}

// mountEntry tracks one installation's boundary and, for channel mounts,
// the bridge a frame attaches to. Retry replaces the bridge; the entry's
// mount id stays stable.
type mountEntry struct {
	mu       sync.Mutex
	runtime  string
	boundary *fault.Boundary
	bridge   *host.Bridge
}

func (e *mountEntry) currentBridge() *host.Bridge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bridge
}

func (e *mountEntry) setBridge(b *host.Bridge) {
	e.mu.Lock()
	e.bridge = b
	e.mu.Unlock()
}

// NewServer creates the daemon API server.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("sandboxd")
	}
	ev := cfg.Events
	if ev == nil {
		ev = events.NoOpLogger{}
	}
	return &Server{
		broker:      cfg.Broker,
		originCfg:   cfg.OriginCfg,
		events:      ev,
		metrics:     cfg.Metrics,
		log:         log,
		diagnostics: cfg.Diagnostics,
		mounts:      make(map[string]*mountEntry),
		upgrader: websocket.Upgrader{
			// The broker verifies origin per message against the module's
			// allow-list; the upgrade itself accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the daemon's route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/mounts", s.handleMount).Methods(http.MethodPost)
	r.HandleFunc("/v1/mounts", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v1/mounts/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/mounts/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/v1/mounts/{id}/actions/{action}", s.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/v1/mounts/{id}/channel", s.handleChannel).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

// Shutdown uninstalls every mount.
func (s *Server) Shutdown() {
	s.mu.Lock()
	entries := make([]*mountEntry, 0, len(s.mounts))
	for _, e := range s.mounts {
		entries = append(entries, e)
	}
	s.mounts = make(map[string]*mountEntry)
	s.mu.Unlock()

	for _, e := range entries {
		if err := e.boundary.Uninstall(); err != nil {
			s.log.WithError(err).Debug("shutdown uninstall")
		}
	}
}

type mountRequest struct {
	Descriptor module.Descriptor `json:"descriptor"`
	Grants     []string          `json:"grants"`
	Runtime    string            `json:"runtime"`
	Bundle     string            `json:"bundle,omitempty"`
}

type mountResponse struct {
	MountID    string `json:"mountId"`
	InstanceID string `json:"instanceId"`
	State      string `json:"state"`
}

type statusResponse struct {
	MountID    string         `json:"mountId"`
	ModuleID   string         `json:"moduleId"`
	InstanceID string         `json:"instanceId"`
	State      string         `json:"state"`
	Height     int            `json:"height"`
	Pending    int            `json:"pending"`
	Events     []events.Event `json:"events,omitempty"`
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	var req mountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	grants := make([]capability.Capability, 0, len(req.Grants))
	for _, g := range req.Grants {
		grants = append(grants, capability.Capability(g))
	}
	install, err := module.NewInstallRecord(req.Descriptor, grants...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := &mountEntry{runtime: req.Runtime}
	var newTransport func() (host.Transport, error)
	switch req.Runtime {
	case RuntimeGoja:
		if req.Bundle == "" {
			writeError(w, http.StatusBadRequest, "goja runtime requires a bundle")
			return
		}
		moduleOrigin, err := origin.Of(req.Descriptor.SourceURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		newTransport = func() (host.Transport, error) {
			return host.NewGojaHost(host.GojaConfig{
				ModuleID: req.Descriptor.ID,
				Origin:   moduleOrigin,
				Bundle:   req.Bundle,
				Logger:   s.log,
			})
		}
	case RuntimeChannel, "":
		entry.runtime = RuntimeChannel
		newTransport = func() (host.Transport, error) {
			b := host.NewBridge(s.log)
			entry.setBridge(b)
			return b, nil
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown runtime %q", req.Runtime))
		return
	}

	boundary, err := fault.Manage(s.broker, broker.MountSpec{
		Install:      install,
		NewTransport: newTransport,
	}, s.originCfg, s.diagnostics,
		fault.WithEvents(s.events),
		fault.WithMetrics(s.collector()),
		fault.WithLogger(s.log),
	)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	entry.boundary = boundary

	mountID := uuid.NewString()
	s.mu.Lock()
	s.mounts[mountID] = entry
	s.mu.Unlock()

	h := boundary.Handle()
	writeJSON(w, http.StatusCreated, mountResponse{
		MountID:    mountID,
		InstanceID: h.InstanceID(),
		State:      h.State().String(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]statusResponse, 0, len(s.mounts))
	for id, e := range s.mounts {
		h := e.boundary.Handle()
		out = append(out, statusResponse{
			MountID:    id,
			ModuleID:   h.ModuleID(),
			InstanceID: h.InstanceID(),
			State:      h.State().String(),
			Height:     h.Height(),
			Pending:    h.PendingCount(),
		})
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.entry(id)
	if !ok {
		writeError(w, http.StatusNotFound, "mount not found")
		return
	}

	h := entry.boundary.Handle()
	writeJSON(w, http.StatusOK, statusResponse{
		MountID:    id,
		ModuleID:   h.ModuleID(),
		InstanceID: h.InstanceID(),
		State:      h.State().String(),
		Height:     h.Height(),
		Pending:    h.PendingCount(),
		Events:     s.events.RecentByInstance(h.InstanceID(), recentEventCount),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.entry(id)
	if !ok {
		writeError(w, http.StatusNotFound, "mount not found")
		return
	}

	if err := entry.boundary.Uninstall(); err != nil {
		writeError(w, actionStatus(err), err.Error())
		return
	}
	s.mu.Lock()
	delete(s.mounts, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entry, ok := s.entry(vars["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "mount not found")
		return
	}

	switch vars["action"] {
	case "retry":
		h, err := entry.boundary.Retry()
		if err != nil {
			writeError(w, actionStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, mountResponse{
			MountID:    vars["id"],
			InstanceID: h.InstanceID(),
			State:      h.State().String(),
		})
	case "disable":
		if err := entry.boundary.Disable(); err != nil {
			writeError(w, actionStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "uninstall":
		if err := entry.boundary.Uninstall(); err != nil {
			writeError(w, actionStatus(err), err.Error())
			return
		}
		s.mu.Lock()
		delete(s.mounts, vars["id"])
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", vars["action"]))
	}
}

// handleChannel upgrades the request and attaches it to the mount's
// bridge. The Origin header rides along on every inbound envelope; the
// broker, not this endpoint, decides whether it is trusted.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.entry(id)
	if !ok {
		writeError(w, http.StatusNotFound, "mount not found")
		return
	}
	if entry.runtime != RuntimeChannel {
		writeError(w, http.StatusConflict, "mount does not use a channel transport")
		return
	}
	bridge := entry.currentBridge()
	if bridge == nil {
		writeError(w, http.StatusConflict, "mount has no active transport")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := bridge.Attach(conn, r.Header.Get("Origin")); err != nil {
		s.log.WithError(err).Debug("channel attach rejected")
		conn.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) entry(id string) (*mountEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.mounts[id]
	return e, ok
}

func (s *Server) collector() metrics.SandboxCollector {
	if s.metrics != nil {
		return s.metrics
	}
	return metrics.NewNoOpCollector()
}

// actionStatus maps recovery errors to HTTP statuses.
func actionStatus(err error) int {
	switch {
	case errors.Is(err, fault.ErrActionInProgress), errors.Is(err, fault.ErrNotFailed):
		return http.StatusConflict
	case errors.Is(err, fault.ErrUninstalled):
		return http.StatusGone
	}
	var te lifecycle.TransitionError
	if errors.As(err, &te) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
