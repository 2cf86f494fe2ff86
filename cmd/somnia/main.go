// Package main implements the somnia CLI: one-shot analysis commands
// against the journal backend, queries against a running somniad, and the
// interactive watch view.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/somnialabs/somnia/internal/backend"
	"github.com/somnialabs/somnia/internal/config"
	httpapi "github.com/somnialabs/somnia/internal/http"
	"github.com/somnialabs/somnia/internal/logging"
)

var (
	// serverURL is the base URL of the somniad HTTP API
	serverURL string
	// configPath overrides ~/.config/somnia/config.yaml
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "somnia",
	Short: "Dream analysis status from the command line",
	Long: `somnia starts and follows dream analyses.

Commands that talk to the journal backend directly (status, analyze, watch)
read the backend section of the config file. Commands that query the
daemon (health, pending, notify-created) use --server.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "somniad server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/somnia/config.yaml)")
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks daemon health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check somniad health",
	Long: `Check the health status of the somniad HTTP API.

Examples:
  # Check health
  somnia health

  # Check health on a different server
  somnia health --server http://localhost:8080`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	health, err := daemonClient().Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", serverURL, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", health.Status)
	fmt.Fprintf(out, "Server URL: %s\n", serverURL)
	if health.Version != "" {
		fmt.Fprintf(out, "Version: %s\n", health.Version)
	}
	fmt.Fprintf(out, "Events: %s\n", health.Events)
	if health.Telemetry != nil && !health.Telemetry.Healthy {
		fmt.Fprintln(out, "Telemetry: degraded")
	}
	return nil
}

func daemonClient() *httpapi.Client {
	return httpapi.NewClient(serverURL, 10*time.Second)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger writes to stderr so command output on stdout stays clean.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lc.Format = "console"
	logger, err := logging.NewLogger(lc, nil, logging.WithSink(zapcore.Lock(os.Stderr)))
	if err != nil {
		return nil, err
	}
	return logger.Underlying(), nil
}

// newBackend loads config and builds the backend client.
func newBackend() (*config.Config, *backend.Client, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	client, err := backend.New(cfg.Backend, logger.Named("backend"))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, client, logger, nil
}
