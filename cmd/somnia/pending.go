package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/events"
	"github.com/somnialabs/somnia/internal/monitor"
)

var (
	// pendingDirect lists from the backend instead of asking somniad
	pendingDirect bool
	// notifyNATS publishes straight to NATS instead of through somniad
	notifyNATS bool
)

func init() {
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(notifyCreatedCmd)

	pendingCmd.Flags().BoolVar(&pendingDirect, "direct", false, "list from the backend (no somniad needed)")
	notifyCreatedCmd.Flags().BoolVar(&notifyNATS, "nats", false, "publish to NATS directly (no somniad needed)")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show dreams whose analysis is pending",
	Long: `Show the pending set tracked by somniad: which dreams are still being
analyzed, the current batch poll interval and any backoff.

With --direct the backend listing is read once instead and no daemon is
needed.

Examples:
  somnia pending
  somnia pending --direct`,
	RunE: runPending,
}

var notifyCreatedCmd = &cobra.Command{
	Use:   "notify-created <dream-id>",
	Short: "Announce a newly created dream",
	Long: `Publish an EntityCreated event so running monitors rediscover the
pending set right away instead of waiting for their next tick.

Examples:
  somnia notify-created 42
  somnia notify-created 42 --nats`,
	Args: cobra.ExactArgs(1),
	RunE: runNotifyCreated,
}

func runPending(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	if pendingDirect {
		_, client, _, err := newBackend()
		if err != nil {
			return err
		}
		entities, err := client.ListEntities(ctx)
		if err != nil {
			return fmt.Errorf("listing dreams: %w", err)
		}
		printPendingEntities(out, entities)
		return nil
	}

	snap, err := daemonClient().Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", serverURL, err)
	}
	printSnapshot(out, snap, time.Now())
	return nil
}

func runNotifyCreated(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	id := strings.TrimSpace(args[0])

	if !notifyNATS {
		eventID, err := daemonClient().NotifyCreated(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to notify %s: %w", serverURL, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s\n", eventID)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	bus, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events"))
	if err != nil {
		return err
	}
	defer bus.Close()

	ev := events.EntityCreated{EntityID: id}
	if err := bus.PublishEntityCreated(ctx, ev); err != nil {
		return err
	}
	if err := bus.Flush(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published to %s\n", bus.EntityCreatedSubject())
	return nil
}

func printSnapshot(w io.Writer, s monitor.Snapshot, now time.Time) {
	state := "idle"
	switch {
	case s.Unauthorized:
		state = "signed out"
	case s.Polling && !s.Visible:
		state = "paused"
	case s.Polling:
		state = "polling"
	}

	fmt.Fprintf(w, "Pending:   %d\n", len(s.Pending))
	fmt.Fprintf(w, "State:     %s\n", state)
	if s.Polling {
		fmt.Fprintf(w, "Interval:  %s (max %s)\n", monitor.FormatInterval(s.Interval), monitor.FormatInterval(s.MaxInterval))
	}
	if s.Failures > 0 {
		fmt.Fprintf(w, "Failures:  %d\n", s.Failures)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Error:     %s\n", s.LastError)
	}
	if !s.LastTick.IsZero() {
		fmt.Fprintf(w, "Last tick: %s\n", monitor.FormatAge(s.LastTick, now))
	}
	if s.RefreshesQueued > 0 {
		fmt.Fprintf(w, "Refreshes: %d queued\n", s.RefreshesQueued)
	}
	for _, id := range s.Pending {
		fmt.Fprintf(w, "  %s\n", id)
	}
}

func printPendingEntities(w io.Writer, entities []analysis.Entity) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE")
	n := 0
	for _, e := range entities {
		if e.Status != analysis.StatusPending {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", e.ID, monitor.Truncate(e.Title, 48))
		n++
	}
	tw.Flush()
	fmt.Fprintf(w, "%d pending\n", n)
}
