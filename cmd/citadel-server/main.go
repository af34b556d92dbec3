// Command citadel-server runs the scoring pipeline behind an HTTP listener:
// every request passes through ProtectRoute before reaching the protected
// handler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/citadel-fw/citadel/internal/analyzer"
	"github.com/citadel-fw/citadel/internal/config"
	"github.com/citadel-fw/citadel/internal/datastore"
	"github.com/citadel-fw/citadel/internal/matcher"
	"github.com/citadel-fw/citadel/internal/middleware"
	"github.com/citadel-fw/citadel/internal/storage"
	"github.com/citadel-fw/citadel/internal/telemetry"
)

func main() {
	configPath := "configs/citadel.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.ApplyPatternPreset()

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting citadel",
		"listen", cfg.Listen,
		"datastore_backend", cfg.DataStore.Backend,
		"preset", cfg.Preset,
	)

	store, err := newDataStore(cfg.DataStore)
	if err != nil {
		slog.Error("failed to initialize datastore", "error", err)
		os.Exit(1)
	}

	patterns, err := loadPatterns(cfg)
	if err != nil {
		slog.Error("failed to load patterns", "error", err)
		os.Exit(1)
	}

	m, err := matcher.Build(patterns, cfg.PatternsPath, cfg.Matcher)
	if err != nil {
		slog.Error("failed to build matcher", "error", err)
		os.Exit(1)
	}
	slog.Info("matcher built", "backend", cfg.Matcher.Backend, "patterns", len(patterns))

	analyzers := buildAnalyzers(cfg, store, m)

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	var auditStore *storage.SQLiteStore
	if cfg.Storage.Enabled {
		dataDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}
		auditStore, err = storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to initialize audit log", "error", err)
			os.Exit(1)
		}
		slog.Info("audit log enabled", "path", cfg.Storage.Path, "retention_days", cfg.Storage.RetentionDays)
		defer auditStore.Close()
		go runRetentionSweep(auditStore, cfg.Storage.RetentionDays)
	}

	route := middleware.NewProtectRoute(cfg.Protect, cfg.Fingerprint, store, analyzers)
	if tp != nil {
		route.WithTelemetry(tp)
	}
	if auditStore != nil {
		route.WithAuditLog(auditStore)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      route.Wrap(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("citadel server starting", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Error("datastore close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("citadel stopped")
}

func newDataStore(cfg config.DataStoreConfig) (datastore.DataStore, error) {
	switch cfg.Backend {
	case "redis":
		store, err := datastore.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("using redis datastore", "addr", cfg.Redis.Addr)
		return store, nil
	default:
		slog.Info("using in-memory datastore")
		return datastore.NewMemoryStore(), nil
	}
}

// loadPatterns reads patterns from cfg.PatternsPath when set, falling back
// to the inline Patterns list seeded by ApplyPatternPreset.
func loadPatterns(cfg *config.Config) ([]string, error) {
	if cfg.PatternsPath != "" {
		patterns, err := matcher.ReadPatternsFile(cfg.PatternsPath)
		if err != nil {
			return nil, err
		}
		return patterns, nil
	}
	return cfg.Patterns, nil
}

func buildAnalyzers(cfg *config.Config, store datastore.DataStore, m *matcher.MultiPatternMatcher) []analyzer.Analyzer {
	limiter := rate.NewLimiter(rate.Limit(cfg.IpReputation.RateLimitPerSecond), cfg.IpReputation.RateLimitBurst)

	reputationProvider := analyzer.HTTPIpReputationProvider{BaseURL: cfg.IpReputation.BaseURL}

	return []analyzer.Analyzer{
		analyzer.NewBurstinessAnalyzer(cfg.Burstiness, store),
		analyzer.NewSpamminessAnalyzer(cfg.Spamminess, store),
		analyzer.NewPayloadAnalyzer(cfg.Payload, store, m),
		analyzer.NewDeviceAnalyzer(cfg.Device, store, analyzer.HeuristicDeviceClassifier{}),
		analyzer.NewIpAnalyzer(cfg.Ip, store, reputationProvider, limiter),
	}
}

func runRetentionSweep(store *storage.SQLiteStore, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := store.Cleanup(retentionDays); err != nil {
			slog.Warn("audit log retention sweep failed", "error", err)
		}
	}
}
