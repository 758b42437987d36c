// Command heartline serves the companion conversation engine over HTTP and
// websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heartline/heartline/config"
	"github.com/heartline/heartline/pkg/api"
	"github.com/heartline/heartline/pkg/api/events"
	"github.com/heartline/heartline/pkg/api/handlers"
	"github.com/heartline/heartline/pkg/api/middleware"
	"github.com/heartline/heartline/pkg/conversation"
	"github.com/heartline/heartline/pkg/index"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/metrics"
	"github.com/heartline/heartline/pkg/relationship"
	"github.com/heartline/heartline/pkg/telemetry/tracing"
	"github.com/heartline/heartline/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	watchFlag   = flag.Bool("watch", true, "Reload hot settings when the config file changes")

	// CLI overrides
	serverPort   = flag.Int("port", 0, "Override server port")
	logLevel     = flag.String("log-level", "", "Override log level")
	storageType  = flag.String("storage", "", "Override storage type (memory, badger, sqlite)")
	providerType = flag.String("provider", "", "Override provider type (openai, anthropic, echo)")
	debugMode    = flag.Bool("debug", false, "Enable debug mode")
)

// rateLimiterIdle is how long an unused rate limit bucket is kept.
const rateLimiterIdle = 10 * time.Minute

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)
	defer log.Close()

	if err := run(cfg, loader.Source(), log); err != nil {
		log.Error("Heartline stopped with error", "error", err)
		os.Exit(1)
	}
}

// run wires the engine from cfg and serves until a signal arrives. source is
// the config file that was loaded, if any, and is watched for hot settings.
func run(cfg *config.Config, source string, log logger.Logger) error {
	build := version.Get()
	log.Info("Starting Heartline",
		"version", build.Version,
		"commit", build.Commit,
		"build_time", build.BuildTime,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
		"config", source,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     build.Version,
		Environment: cfg.App.Environment,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metricsManager := metrics.NewManager(metrics.Config{
		Enabled:                   cfg.Metrics.Enabled,
		Port:                      cfg.Metrics.Port,
		Path:                      cfg.Metrics.Path,
		GenerationDurationBuckets: metrics.DefaultConfig().GenerationDurationBuckets,
		HTTPDurationBuckets:       metrics.DefaultConfig().HTTPDurationBuckets,
	})
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	store, err := openStorage(cfg.Storage, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing storage", "error", err)
		}
	}()

	c, err := openCache(ctx, cfg.Cache, log)
	if err != nil {
		return err
	}
	if c != nil {
		defer func() {
			if err := c.Close(); err != nil {
				log.Error("Error closing cache", "error", err)
			}
		}()
	}

	generator, err := newGenerator(cfg.Provider)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	embedder, err := newEmbedder(cfg.Provider, cfg.Index.Dimension)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	log.Info("Initialized provider", "type", cfg.Provider.Type, "embedder", cfg.Provider.Embedder)

	deps := conversation.Deps{
		Store:     store,
		Cache:     c,
		Generator: generator,
		Logger:    log,
		Metrics:   metricsManager,
	}

	scheduler := cron.New(cron.WithParser(index.ScheduleParser))

	var snapshotter *index.Snapshotter
	if embedder != nil {
		vectors := index.NewVectorIndex(embedder.Dimension())
		deps.Embedder = embedder
		deps.Index = vectors
		if cfg.Index.SnapshotPath != "" {
			snapshotter = index.NewSnapshotter(vectors, cfg.Index.SnapshotPath, log, metricsManager)
			if err := snapshotter.Restore(); err != nil {
				log.Warn("Index snapshot unreadable, starting empty", "path", cfg.Index.SnapshotPath, "error", err)
			}
			if cfg.Index.SnapshotSchedule != "" {
				if _, err := snapshotter.Schedule(scheduler, cfg.Index.SnapshotSchedule); err != nil {
					return err
				}
			}
		}
	}

	rels := relationship.New(store, c,
		relationship.WithCacheTTL(cfg.Cache.TTL),
		relationship.WithDeltaBound(cfg.Engine.DeltaBound),
		relationship.WithLogger(log),
		relationship.WithMetrics(metricsManager),
	)
	deps.Relationships = rels

	orch, err := conversation.New(deps, orchestratorOptions(cfg))
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	broadcaster := events.NewBroadcaster()
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit)
	ws := handlers.NewWebSocketHandler(orch, rels, broadcaster, log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
		MaxConnections: cfg.Server.MaxWebSocketConnections,
		MessageTimeout: cfg.Server.HTTP.RequestTimeout,
	})

	checks := []handlers.Check{{Name: "storage", Critical: true, Ping: store.Ping}}
	if c != nil {
		checks = append(checks, handlers.Check{Name: "cache", Ping: c.Ping})
	}
	health := handlers.NewHealthHandler(checks...).WithStats(func() map[string]any {
		return map[string]any{
			"active_sessions":       orch.Sessions().Len(),
			"websocket_connections": ws.Count(),
			"rate_limit_buckets":    limiter.Len(),
		}
	})

	apiHandlers := &api.Handlers{
		Health:        health,
		Conversations: handlers.NewConversationHandler(orch, rels, broadcaster, log),
		Relationships: handlers.NewRelationshipHandler(rels, broadcaster, log),
		WebSocket:     ws,
		RateLimiter:   limiter,
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}
	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	if expr := cfg.Engine.SessionSweepSchedule; expr != "" {
		idle := cfg.Engine.SessionIdleTimeout
		if _, err := scheduler.AddFunc(expr, func() {
			if n := orch.Sessions().Sweep(idle); n > 0 {
				log.Debug("Evicted idle sessions", "count", n)
			}
			metricsManager.SetActiveSessions(orch.Sessions().Len())
			limiter.Sweep(rateLimiterIdle)
		}); err != nil {
			return fmt.Errorf("invalid session sweep schedule %q: %w", expr, err)
		}
	}
	scheduler.Start()

	if source != "" && *watchFlag {
		watcher, err := config.NewWatcher(source, config.WithWatcherLogger(log))
		if err != nil {
			log.Warn("Config watcher unavailable", "error", err)
		} else {
			reload := newHotReloader(cfg, log, orch, limiter)
			watcher.OnChange(reload.Apply)
			go func() {
				if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
					log.Warn("Config watcher stopped", "error", err)
				}
			}()
			defer watcher.Stop()
		}
	}

	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("Heartline is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
		"cache", cfg.Cache.Type,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErrChan:
		log.Error("HTTP server error", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}
	<-scheduler.Stop().Done()
	broadcaster.Close()

	log.Info("Draining indexer")
	if err := orch.Close(); err != nil {
		log.Error("Error closing orchestrator", "error", err)
	}
	if snapshotter != nil {
		if err := snapshotter.Save(); err != nil {
			log.Error("Final index snapshot failed", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("Heartline stopped gracefully")
	return runErr
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *providerType != "" {
		overrides["provider.type"] = *providerType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	build := version.Get()
	fmt.Printf("Heartline - Companion Conversation Engine\n")
	fmt.Printf("Version:    %s\n", build.Version)
	fmt.Printf("Commit:     %s\n", build.Commit)
	fmt.Printf("Build Time: %s\n", build.BuildTime)
	fmt.Printf("Go Version: %s\n", build.GoVersion)
}

func printHelp() {
	fmt.Printf("Heartline - Companion conversation context and relationship engine\n\n")
	fmt.Printf("Usage: heartline [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  heartline                                 # Run with default config\n")
	fmt.Printf("  heartline -config config.yaml             # Use specific config file\n")
	fmt.Printf("  heartline -storage sqlite -port 9090      # Override specific options\n")
	fmt.Printf("  heartline -version                        # Print version info\n")
}
