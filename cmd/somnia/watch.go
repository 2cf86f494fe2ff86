package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/backend"
	"github.com/somnialabs/somnia/internal/config"
	"github.com/somnialabs/somnia/internal/events"
	"github.com/somnialabs/somnia/internal/logging"
	"github.com/somnialabs/somnia/internal/monitor"
)

var (
	// watchInterval is the redraw interval
	watchInterval time.Duration
	// watchEvents subscribes to EntityCreated over NATS
	watchEvents bool
	// watchLogFile receives logs while the TUI owns the terminal
	watchLogFile string
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "redraw interval")
	watchCmd.Flags().BoolVar(&watchEvents, "events", false, "rediscover on EntityCreated events from NATS")
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "write logs to this file")
}

var watchCmd = &cobra.Command{
	Use:   "watch [dream-id...]",
	Short: "Watch pending analyses in an interactive view",
	Long: `Run a pending-set monitor against the backend and show it live.

Dream ids given as arguments get their own analysis pollers and appear in
the Dreams section. Polling pauses while the terminal is unfocused.

Keys:
  r  rediscover the pending set
  q  quit

Examples:
  somnia watch
  somnia watch 42 43 --events`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := watchLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	client, err := backend.New(cfg.Backend, logger.Named("backend"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pollers, err := startPollers(ctx, client, args, cfg.Poller.Interval.Duration(), logger)
	if err != nil {
		return err
	}
	defer pollers.Close()

	visibility := monitor.NewVisibilityFlag(true)
	opts := []monitor.Option{
		monitor.WithConfig(cfg.Monitor),
		monitor.WithVisibility(visibility),
	}
	if watchEvents {
		bus, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events"))
		if err != nil {
			return err
		}
		defer bus.Close()
		opts = append(opts, monitor.WithBus(bus))
	}

	mon, err := monitor.New(client, pollers, logger.Named("monitor"), opts...)
	if err != nil {
		return err
	}
	defer mon.Close()
	if err := mon.Start(ctx); err != nil {
		return err
	}

	model := monitor.NewModel(mon, visibility, pollers.Sources(), watchInterval)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// dreamPollers tracks the dreams named on the command line. As the
// monitor's refresher it re-seeds a dream's poller once the batch poll sees
// that dream finish.
type dreamPollers struct {
	mu     sync.Mutex
	byID   map[string]*analysis.Poller
	order  []*analysis.Poller
	logger *zap.Logger
}

func startPollers(ctx context.Context, svc analysis.Service, ids []string, interval time.Duration, logger *zap.Logger) (*dreamPollers, error) {
	d := &dreamPollers{byID: make(map[string]*analysis.Poller), logger: logger}
	for _, id := range ids {
		if _, dup := d.byID[id]; dup {
			continue
		}
		p, err := analysis.NewPoller(svc, id, logger.Named("poller"), analysis.WithInterval(interval))
		if err != nil {
			d.Close()
			return nil, err
		}
		d.byID[id] = p
		d.order = append(d.order, p)
		if err := p.Start(ctx, nil); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// Refresh implements monitor.Refresher.
func (d *dreamPollers) Refresh(ctx context.Context, completed []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range completed {
		p, ok := d.byID[id]
		if !ok {
			continue
		}
		// a poll failure is local and worth re-reading, a settled result is not
		if v := p.View(); v.Status == analysis.StatusDone || v.Failure == analysis.FailureServer {
			continue
		}
		if err := p.Start(ctx, nil); err != nil {
			return err
		}
		d.logger.Debug("poller refreshed", zap.String("dream.id", id))
	}
	return nil
}

func (d *dreamPollers) Sources() []monitor.DreamSource {
	out := make([]monitor.DreamSource, len(d.order))
	for i, p := range d.order {
		out[i] = p
	}
	return out
}

func (d *dreamPollers) Close() {
	for _, p := range d.order {
		_ = p.Close()
	}
}

// watchLogger logs to --log-file, or nowhere: the TUI owns the terminal.
func watchLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	if watchLogFile == "" {
		return zap.NewNop(), func() {}, nil
	}
	f, err := os.OpenFile(watchLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	lc, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	logger, err := logging.NewLogger(lc, nil, logging.WithSink(zapcore.AddSync(f)))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger.Underlying(), func() {
		_ = logger.Sync()
		f.Close()
	}, nil
}
