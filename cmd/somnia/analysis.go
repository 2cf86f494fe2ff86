package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/monitor"
)

var (
	// statusJSON prints the raw view instead of text
	statusJSON bool
	// analyzeWait follows the job until it finishes
	analyzeWait bool
	// analyzeTimeout bounds --wait
	analyzeTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(analyzeCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	analyzeCmd.Flags().BoolVarP(&analyzeWait, "wait", "w", false, "wait for the analysis to finish")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 5*time.Minute, "how long --wait waits")
	analyzeCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status <dream-id>",
	Short: "Show a dream's analysis",
	Long: `Fetch the analysis status and result for one dream from the backend.

Examples:
  somnia status 42
  somnia status 42 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <dream-id>",
	Short: "Start a dream analysis",
	Long: `Ask the backend to analyze a dream. With --wait the command polls
until the analysis is done or failed and prints the result.

An analysis that is already running is not started again; with --wait the
command follows it instead.

Examples:
  somnia analyze 42
  somnia analyze 42 --wait --timeout 2m`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, client, _, err := newBackend()
	if err != nil {
		return err
	}

	snap, err := client.GetAnalysis(cmd.Context(), args[0])
	if err != nil {
		if errors.Is(err, analysis.ErrUnauthorized) {
			return errors.New(analysis.MsgUnauthorized)
		}
		return fmt.Errorf("%s: %w", analysis.MsgPollFailed, err)
	}

	view := analysis.View{
		ID:         args[0],
		Status:     snap.Status,
		Result:     snap.Result,
		AnalyzedAt: snap.AnalyzedAt,
	}
	if snap.Status == analysis.StatusFailed {
		view.Failure = analysis.FailureServer
		view.Message = analysis.MsgAnalysisFail
		if snap.Result != nil && snap.Result.Error != "" {
			view.Message = snap.Result.Error
		}
	}
	return printView(cmd.OutOrStdout(), view, statusJSON, time.Now())
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, client, logger, err := newBackend()
	if err != nil {
		return err
	}

	p, err := analysis.NewPoller(client, args[0], logger.Named("poller"),
		analysis.WithInterval(cfg.Poller.Interval.Duration()))
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := cmd.Context()
	if err := p.Start(ctx, nil); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	err = p.Trigger(ctx)
	switch {
	case errors.Is(err, analysis.ErrAlreadyPending):
		fmt.Fprintf(out, "Analysis of %s is already running.\n", args[0])
	case err != nil:
		return errors.New(analysis.UserMessage(err, analysis.MsgTriggerFailed))
	default:
		fmt.Fprintf(out, "Analysis of %s started.\n", args[0])
	}

	if !analyzeWait {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()
	view, err := waitForResult(ctx, p, func(v analysis.View) {
		fmt.Fprintf(out, "  %s %s\n", time.Now().Format(time.TimeOnly), monitor.FormatStatus(v.Status))
	})
	if err != nil {
		return fmt.Errorf("gave up waiting after %s: %w", analyzeTimeout, err)
	}
	if err := printView(out, view, statusJSON, time.Now()); err != nil {
		return err
	}
	if view.Status == analysis.StatusFailed {
		return errors.New(view.Message)
	}
	return nil
}

// waitForResult blocks until the poller settles: a terminal status with no
// loop running, or a 401. onChange sees every status transition.
func waitForResult(ctx context.Context, p *analysis.Poller, onChange func(analysis.View)) (analysis.View, error) {
	view := p.View()
	last := view.Status
	for !settled(view) {
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case next, ok := <-p.Updates():
			if !ok {
				return p.View(), nil
			}
			view = next
			if view.Status != last && view.Status != analysis.StatusUnknown && onChange != nil {
				onChange(view)
			}
			last = view.Status
		}
	}
	return view, nil
}

func settled(v analysis.View) bool {
	if v.Unauthorized && !v.Polling {
		return true
	}
	return v.Status.Terminal() && !v.Polling
}

func printView(w io.Writer, v analysis.View, asJSON bool, now time.Time) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	fmt.Fprintf(w, "Dream:    %s\n", v.ID)
	fmt.Fprintf(w, "Status:   %s\n", monitor.FormatStatus(v.Status))
	if v.AnalyzedAt != nil {
		fmt.Fprintf(w, "Analyzed: %s (%s)\n", v.AnalyzedAt.Local().Format(time.RFC1123), monitor.FormatAge(*v.AnalyzedAt, now))
	}
	if v.Unauthorized {
		fmt.Fprintln(w, analysis.MsgUnauthorized)
	}
	if text := v.Text(); text != "" {
		fmt.Fprintf(w, "\n%s\n", text)
	}
	return nil
}
