// Somniad is the somnia daemon: it watches the dream journal backend for
// analyses in flight and serves their state over a local HTTP API.
//
// Configuration is loaded from ~/.config/somnia/config.yaml and SOMNIA_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	somniad
//
//	# Configure via environment
//	SOMNIA_BACKEND_BASE_URL=https://journal.example.com/api SOMNIA_EVENTS_EMBEDDED=true somniad
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/somnialabs/somnia/internal/backend"
	"github.com/somnialabs/somnia/internal/config"
	"github.com/somnialabs/somnia/internal/events"
	httpapi "github.com/somnialabs/somnia/internal/http"
	"github.com/somnialabs/somnia/internal/logging"
	"github.com/somnialabs/somnia/internal/monitor"
	"github.com/somnialabs/somnia/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/somnia/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  somniad           Start the somnia daemon\n")
			fmt.Fprintf(os.Stderr, "  somniad version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("somniad\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Connects the event bus (embedded or external NATS)
//  4. Creates the backend client, listing cache and pending-set monitor
//  5. Starts the HTTP server and the config watcher
//  6. Shuts everything down in reverse on cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	zl.Info("starting somniad",
		zap.String("version", version),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	deps, err := initDependencies(cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	client, err := backend.New(cfg.Backend, zl.Named("backend"), backend.WithTracer(tel.Tracer("somnia.backend")))
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	cache := httpapi.NewListingCache(cfg.Cache.Size, cfg.Cache.ListingTTL.Duration())

	opts := []monitor.Option{monitor.WithConfig(cfg.Monitor)}
	if deps.bus != nil {
		opts = append(opts, monitor.WithBus(deps.bus))
	}
	mon, err := monitor.New(client, cache, zl.Named("monitor"), opts...)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	defer mon.Close()

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	var bus events.Bus
	if deps.bus != nil {
		bus = deps.bus
	}
	srv, err := httpapi.NewServer(httpapi.Dependencies{
		Backend:        client,
		Monitor:        mon,
		Bus:            bus,
		Cache:          cache,
		Telemetry:      tel,
		Metrics:        httpapi.NewHTTPMetrics(nil, zl),
		MetricsHandler: promhttp.Handler(),
		Version:        version,
	}, zl.Named("http"), &httpapi.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	watchConfig(ctx, configPath, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zl.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// dependencies holds the infrastructure the daemon owns.
type dependencies struct {
	bus  *events.NATSBus
	nats interface{ Shutdown() }
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.nats != nil {
		d.nats.Shutdown()
	}
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// initDependencies connects the event bus. An unreachable external NATS
// server is not fatal: the daemon runs without events and relies on
// discovery after each analyze call.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	url := cfg.Events.NATSURL
	if cfg.Events.Embedded {
		ns, err := events.StartEmbedded(events.EmbeddedOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		deps.nats = ns
		url = ns.ClientURL()
		logger.Info("embedded NATS started", zap.String("url", url))
	}

	bus, err := events.Connect(url, cfg.Events.SubjectPrefix, logger.Named("events"))
	if err != nil {
		if cfg.Events.Embedded {
			deps.Close()
			return nil, err
		}
		logger.Warn("event bus unavailable, continuing without events", zap.String("url", url), zap.Error(err))
		return deps, nil
	}
	deps.bus = bus
	logger.Info("connected to NATS", zap.String("url", url))
	return deps, nil
}

// watchConfig applies log level changes from the config file without a
// restart. Other settings need one.
func watchConfig(ctx context.Context, configPath string, logger *logging.Logger) {
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return
		}
		configPath = p
	}

	w, err := config.NewWatcher(configPath,
		func(cfg *config.Config) {
			lvl, err := logging.LevelFromString(cfg.Logging.Level)
			if err != nil {
				logger.Warn(ctx, "ignoring invalid log level", zap.String("level", cfg.Logging.Level))
				return
			}
			logger.SetLevel(lvl)
			logger.Info(ctx, "config reloaded", zap.String("level", lvl.String()))
		},
		func(err error) {
			logger.Warn(ctx, "config reload failed", zap.Error(err))
		},
	)
	if err != nil {
		logger.Debug(ctx, "config watcher disabled", zap.Error(err))
		return
	}
	go func() {
		w.Run(ctx)
		w.Stop()
	}()
}
