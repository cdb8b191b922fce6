// Package main implements sandboxd, the daemon hosting third-party
// module execution contexts for the platform. It mounts modules behind
// the capability broker, exposes the management API and the websocket
// channel endpoint, and reports health and metrics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gridsite/platform/internal/api"
	"github.com/gridsite/platform/internal/config"
	"github.com/gridsite/platform/internal/httputil"
	"github.com/gridsite/platform/internal/sandbox/broker"
	"github.com/gridsite/platform/internal/sandbox/collab"
	"github.com/gridsite/platform/internal/sandbox/events"
	"github.com/gridsite/platform/internal/sandbox/metrics"
	"github.com/gridsite/platform/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to sandbox.yaml (default: config/sandbox.yaml)")
	flag.Parse()

	// Secrets arrive via the environment; .env is a local convenience.
	_ = godotenv.Load()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadFromPath(*configPath)
		if err != nil {
			logger.NewDefault("sandboxd").WithError(err).Error("loading config")
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.LoadOrDefault()
	}

	log := logger.New(logger.Config{
		Service: "sandboxd",
		Level:   cfg.Logging.Level,
		JSON:    cfg.Logging.JSON,
	})

	set, err := buildCollaborators(cfg)
	if err != nil {
		log.WithError(err).Error("building collaborators")
		os.Exit(1)
	}

	collector := metrics.NewCollector("sandbox")
	eventLog := events.NewRingBuffer(cfg.Sandbox.EventBufferSize)

	bk := broker.New(cfg.BrokerConfig(), set,
		broker.WithEvents(eventLog),
		broker.WithMetrics(collector),
		broker.WithLogger(log),
	)

	server := api.NewServer(api.ServerConfig{
		Broker:      bk,
		OriginCfg:   cfg.OriginConfig(),
		Events:      eventLog,
		Metrics:     collector,
		Logger:      log,
		Diagnostics: set.Diagnostics,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("sandboxd listening")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	server.Shutdown()
	bk.Shutdown()
}

// buildCollaborators wires the settings store, gateway, diagnostics, and
// analytics backends selected by config.
func buildCollaborators(cfg *config.Config) (collab.Set, error) {
	switch cfg.Collab.Mode {
	case config.CollabHTTP:
		tokens := collab.NewServiceTokenSource([]byte(cfg.Collab.ServiceTokenSecret), "sandboxd", time.Hour)
		client := httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL: cfg.Collab.BaseURL,
			Tokens:  tokens,
		})
		return collab.Set{
			Settings:    collab.NewHTTPSettingsStore(client),
			Gateway:     collab.NewHTTPGateway(client),
			Diagnostics: collab.NewHTTPDiagnostics(client),
			Analytics:   collab.NewHTTPAnalytics(client),
		}, nil

	case config.CollabPostgres:
		store, err := collab.OpenPostgresSettingsStore(cfg.Collab.PostgresDSN)
		if err != nil {
			return collab.Set{}, err
		}
		set := collab.NewMemorySet()
		set.Settings = store
		return set, nil

	default:
		return collab.NewMemorySet(), nil
	}
}
