package monitor

import (
	"fmt"
	"time"

	"github.com/somnialabs/somnia/internal/analysis"
)

// FormatInterval formats a tick interval as "250ms", "16.9s" or "1m30s".
func FormatInterval(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

// FormatAge formats how long ago t was, relative to now.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	return FormatDuration(int64(d.Seconds())) + " ago"
}

// FormatDuration formats seconds as "Xh Ym" or "Xm".
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatStatus renders an analysis status for display.
func FormatStatus(s analysis.Status) string {
	switch s {
	case analysis.StatusPending:
		return "pending"
	case analysis.StatusDone:
		return "done"
	case analysis.StatusFailed:
		return "failed"
	default:
		return "not analyzed"
	}
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 {
		return ""
	}
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
