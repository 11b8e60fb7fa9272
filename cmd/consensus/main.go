package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/api"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/config"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/consensus"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/credibility"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/indicators"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/persist"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/scheduler"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/sign"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/store"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/transport"
)

func main() {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(getEnv("CONSENSUS_LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting AegisFlux Consensus Service")

	cfg, err := config.Load(getEnv("CONSENSUS_CONFIG", ""))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Configuration loaded",
		"agent_id", cfg.AgentID,
		"http_addr", cfg.HTTP.Addr,
		"nats_url", cfg.Transport.NATSURL,
		"config_api_url", cfg.ConfigAPIURL,
		"min_verifiers", cfg.Consensus.MinVerifiers,
		"consensus_threshold", cfg.Consensus.ConsensusThreshold,
		"indicators_dir", cfg.Indicators.Dir,
		"db_path", cfg.Persist.Path)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to NATS
	nc, err := nats.Connect(cfg.Transport.NATSURL,
		nats.Name("consensus-"+cfg.AgentID),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}))
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	logger.Info("Connected to NATS")

	// Initialize configuration manager with the local configuration as fallback
	configManager := config.NewManager(cfg.ConfigAPIURL, nc, logger)
	if err := configManager.Initialize(ctx, cfg); err != nil {
		logger.Warn("Failed to initialize configuration manager, using local configuration", "error", err)
	}
	defer configManager.Close()
	current := configManager.GetCurrentConfig()

	prometheusMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	signer, err := sign.NewEd25519Signer(current.AgentID, current.Signing.PrivateKey, logger)
	if err != nil {
		logger.Error("Failed to create signer", "error", err)
		os.Exit(1)
	}
	keyring, err := sign.NewKeyring(current.Signing.PeerKeys)
	if err != nil {
		logger.Error("Failed to load peer keys", "error", err)
		os.Exit(1)
	}
	if keyring.Len() == 0 {
		logger.Warn("No peer keys configured, peer signatures are not checked")
	}

	// Load indicators and start watching for changes
	indicatorLoader := indicators.NewLoader(current.Indicators.Dir, current.Indicators.HotReload,
		current.Indicators.DebounceMs, indicators.Defaults(), logger)
	if _, err := indicatorLoader.LoadSnapshot(); err != nil {
		logger.Error("Failed to load indicators", "error", err)
		os.Exit(1)
	}
	go followIndicatorReloads(ctx, indicatorLoader, prometheusMetrics, logger)
	if err := indicatorLoader.WatchForChanges(ctx); err != nil {
		logger.Error("Failed to start indicator watcher", "error", err)
		os.Exit(1)
	}

	// Restore trust statistics
	trustStore := credibility.NewStore()
	var trustDB *persist.Store
	if current.Persist.Path != "" {
		trustDB, err = persist.Open(current.Persist.Path, logger)
		if err != nil {
			logger.Error("Failed to open trust database", "error", err)
			os.Exit(1)
		}
		defer trustDB.Close()

		if err := trustDB.Restore(ctx, trustStore); err != nil {
			logger.Warn("Failed to restore trust snapshot, starting fresh", "error", err)
		}
	}

	credibilityEngine, err := credibility.NewEngine(current.Credibility, trustStore, indicatorLoader, prometheusMetrics, logger)
	if err != nil {
		logger.Error("Failed to create credibility engine", "error", err)
		os.Exit(1)
	}

	consensusEngine, err := consensus.NewEngine(current.Consensus, signer, indicatorLoader, prometheusMetrics, logger)
	if err != nil {
		logger.Error("Failed to create consensus engine", "error", err)
		os.Exit(1)
	}
	consensusEngine.SetPeerVerifier(keyring)
	consensusEngine.SetReputationSource(credibilityEngine)

	codec, err := transport.NewCodec(current.Transport.Compress)
	if err != nil {
		logger.Error("Failed to create wire codec", "error", err)
		os.Exit(1)
	}
	defer codec.Close()

	buffer := pipeline.NewBuffer(time.Duration(current.Pipeline.WindowSeconds)*time.Second, current.Pipeline.MaxBuffered)
	buffer.StartGC(30 * time.Second)
	defer buffer.StopGC()

	peer := transport.NewPeer(nc, codec, consensusEngine, buffer, prometheusMetrics, logger)

	evidenceStore := store.NewMemoryStore(current.Store.MaxEvidence, current.Store.DedupeCap)
	logger.Info("Evidence store initialized", "max_evidence", current.Store.MaxEvidence, "dedupe_cap", current.Store.DedupeCap)

	processor := pipeline.NewProcessor(buffer, consensusEngine, credibilityEngine, evidenceStore, peer, logger)

	// Apply live configuration changes
	configManager.Subscribe(func(c *config.Config) {
		if err := consensusEngine.SetConfig(c.Consensus); err != nil {
			logger.Warn("Consensus configuration not applied", "error", err)
		}
		if err := credibilityEngine.SetConfig(c.Credibility); err != nil {
			logger.Warn("Credibility configuration not applied", "error", err)
		}
		buffer.SetMaxAge(time.Duration(c.Pipeline.WindowSeconds) * time.Second)
	})

	// Schedule periodic jobs
	jobs := scheduler.New(logger)
	mustSchedule(logger, jobs, "cleanup", current.Schedule.Cleanup, func(context.Context) error {
		if removed := consensusEngine.CleanupOldRequests(); removed > 0 {
			logger.Info("Expired verification requests removed", "removed", removed)
		}
		return nil
	})
	mustSchedule(logger, jobs, "flush", current.Schedule.Flush, func(ctx context.Context) error {
		_, err := processor.Flush(ctx)
		return err
	})
	if trustDB != nil && current.Schedule.Snapshot != "" {
		mustSchedule(logger, jobs, "snapshot", current.Schedule.Snapshot, func(ctx context.Context) error {
			return trustDB.Snapshot(ctx, trustStore)
		})
	}
	jobs.Start()

	// Create HTTP API
	httpAPI := api.NewHTTPAPI(api.Deps{
		Consensus:   consensusEngine,
		Credibility: credibilityEngine,
		Buffer:      buffer,
		Store:       evidenceStore,
		Publisher:   peer,
		Ready:       nc.IsConnected,
	}, logger)

	httpServer := &http.Server{
		Addr:              current.HTTP.Addr,
		Handler:           httpAPI.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", "addr", current.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Start peer transport
	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		logger.Info("Starting peer transport")
		if err := peer.Run(ctx, nc); err != nil {
			logger.Error("Peer transport error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Consensus service started successfully", "agent_id", current.AgentID)
	<-sigChan

	logger.Info("Shutting down consensus service...")

	// Cancel context to stop the transport and the indicator watcher
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler shutdown error", "error", err)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	select {
	case <-peerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Peer transport did not drain in time")
	}

	if trustDB != nil {
		if err := trustDB.Snapshot(shutdownCtx, trustStore); err != nil {
			logger.Error("Failed to save trust snapshot", "error", err)
		} else {
			logger.Info("Trust snapshot saved")
		}
	}

	logger.Info("Consensus service stopped")
}

func mustSchedule(logger *slog.Logger, s *scheduler.Scheduler, name, spec string, fn func(context.Context) error) {
	if err := s.Add(name, spec, fn); err != nil {
		logger.Error("Failed to schedule job", "job", name, "error", err)
		os.Exit(1)
	}
}

// followIndicatorReloads records every indicator snapshot the loader applies until ctx ends
func followIndicatorReloads(ctx context.Context, loader *indicators.Loader, m *metrics.Metrics, logger *slog.Logger) {
	reloaded := loader.Subscribe()
	m.RecordIndicatorReload(len(loader.GetSnapshot().KnownThreatIPs))

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloaded:
			snapshot := loader.GetSnapshot()
			m.RecordIndicatorReload(len(snapshot.KnownThreatIPs))
			logger.Info("Indicators reloaded",
				"known_threat_ips", len(snapshot.KnownThreatIPs),
				"upstream_prefixes", len(snapshot.UpstreamPrefixes),
				"version", snapshot.Version)
		}
	}
}

// parseLevel maps CONSENSUS_LOG_LEVEL to a slog level
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
