package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/somnialabs/somnia/internal/analysis"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	textWidth       = 48
)

// Source is what the watch view reads the pending set from. *Monitor
// satisfies it.
type Source interface {
	Snapshot() Snapshot
	Discover(ctx context.Context) error
}

// DreamSource is a per-dream view, normally an *analysis.Poller.
type DreamSource interface {
	View() analysis.View
}

// Model is the bubbletea model behind `somnia watch`. Terminal focus drives
// the visibility flag, so an unfocused terminal pauses batch ticks.
type Model struct {
	source     Source
	visibility *VisibilityFlag
	dreams     []DreamSource
	interval   time.Duration

	snapshot   Snapshot
	views      []analysis.View
	history    []float64
	lastUpdate time.Time
	err        error
	quitting   bool

	backoffProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates the watch model. visibility may be nil, in which case
// focus changes are ignored.
func NewModel(source Source, visibility *VisibilityFlag, dreams []DreamSource, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		source:     source,
		visibility: visibility,
		dreams:     dreams,
		interval:   interval,
		history:    make([]float64, 0, historySize),
		backoffProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(30),
		),
	}
}

// getStatusBadge summarizes the monitor state.
func getStatusBadge(s Snapshot) string {
	switch {
	case s.Unauthorized:
		return errorStyle.Render("✗ SIGNED OUT")
	case s.Failures > 0:
		return warningStyle.Render("⚠ BACKING OFF")
	case !s.Visible:
		return dimStyle.Render("◌ PAUSED")
	default:
		return healthyStyle.Render("✓ OK")
	}
}

// getDreamBadge returns a colored marker for one dream's view.
func getDreamBadge(v analysis.View) string {
	switch v.Status {
	case analysis.StatusDone:
		return healthyStyle.Render("[✓]")
	case analysis.StatusFailed:
		return errorStyle.Render("[✗]")
	case analysis.StatusPending:
		return warningStyle.Render("[…]")
	default:
		return dimStyle.Render("[ ]")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time

type snapshotMsg struct {
	snapshot Snapshot
	views    []analysis.View
}

type discoveredMsg struct{ err error }

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		m.collect(),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// collect reads the monitor and every dream view.
func (m Model) collect() tea.Cmd {
	source, dreams := m.source, m.dreams
	return func() tea.Msg {
		msg := snapshotMsg{views: make([]analysis.View, 0, len(dreams))}
		if source != nil {
			msg.snapshot = source.Snapshot()
		}
		for _, d := range dreams {
			msg.views = append(msg.views, d.View())
		}
		return msg
	}
}

func (m Model) discover() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		if source == nil {
			return discoveredMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return discoveredMsg{err: source.Discover(ctx)}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.discover()
		}

	case tea.FocusMsg:
		if m.visibility != nil {
			m.visibility.Set(true)
		}
		return m, m.collect()

	case tea.BlurMsg:
		if m.visibility != nil {
			m.visibility.Set(false)
		}
		return m, m.collect()

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			m.collect(),
		)

	case snapshotMsg:
		m.snapshot = msg.snapshot
		m.views = msg.views
		m.history = appendToHistory(m.history, float64(len(msg.snapshot.Pending)))
		m.lastUpdate = time.Now()
		return m, nil

	case discoveredMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		return m, m.collect()
	}

	return m, nil
}

// View renders the watch view
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	s := m.snapshot

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" somnia watch ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s\n",
		getStatusBadge(s),
		dimStyle.Render("Last tick: "+FormatAge(s.LastTick, time.Now())),
		dimStyle.Render(lastUpdateStr))

	b.WriteString("\n" + sectionStyle.Render("┃ Pending Analyses") + "\n")
	b.WriteString(labelStyle.Render("  Pending: ") +
		valueStyle.Render(fmt.Sprintf("%d", len(s.Pending))) +
		"   " + labelStyle.Render("Completed: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.Handled)) +
		"   " + createSparkline(m.history) + "\n")
	if len(s.Pending) > 0 {
		b.WriteString(labelStyle.Render("  Dreams: ") +
			dimStyle.Render(Truncate(strings.Join(s.Pending, ", "), textWidth)) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Polling") + "\n")
	state := "idle"
	if s.Polling {
		state = "running"
	}
	b.WriteString(labelStyle.Render("  Loop: ") + valueStyle.Render(state) +
		"   " + labelStyle.Render("Next tick in: ") + valueStyle.Render(FormatInterval(s.Interval)) +
		"   " + labelStyle.Render("Failures: ") + valueStyle.Render(fmt.Sprintf("%d", s.Failures)) + "\n")

	ratio := 0.0
	if s.MaxInterval > 0 {
		ratio = float64(s.Interval) / float64(s.MaxInterval)
		if ratio > 1.0 {
			ratio = 1.0
		}
	}
	b.WriteString(labelStyle.Render("  Backoff: ") + m.backoffProgress.ViewAs(ratio) +
		" " + dimStyle.Render("max "+FormatInterval(s.MaxInterval)) + "\n")
	if s.LastError != "" {
		b.WriteString(labelStyle.Render("  Last error: ") + errorStyle.Render(Truncate(s.LastError, textWidth)) + "\n")
	}

	if len(m.views) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Dreams") + "\n")
		for _, v := range m.views {
			line := "  " + getDreamBadge(v) + " " + valueStyle.Render(v.ID) + " " + dimStyle.Render(FormatStatus(v.Status))
			if v.Polling {
				line += dimStyle.Render(" (polling)")
			}
			if text := v.Text(); text != "" {
				line += "  " + Truncate(text, textWidth)
			}
			b.WriteString(line + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("⚠ "+analysis.UserMessage(m.err, m.err.Error())) + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" rediscover  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
