package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	snap      Snapshot
	err       error
	discovers int
}

func (s *stubSource) Snapshot() Snapshot { return s.snap }

func (s *stubSource) Discover(context.Context) error {
	s.discovers++
	return s.err
}

type stubDream analysis.View

func (d stubDream) View() analysis.View { return analysis.View(d) }

func TestNewModel(t *testing.T) {
	model := NewModel(&stubSource{}, nil, nil, 0)
	assert.Equal(t, time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := NewModel(&stubSource{}, nil, nil, time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RediscoverKey(t *testing.T) {
	src := &stubSource{}
	model := NewModel(src, nil, nil, time.Second)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	require.NotNil(t, cmd)

	msg := cmd()
	assert.Equal(t, discoveredMsg{}, msg)
	assert.Equal(t, 1, src.discovers)
}

func TestModel_Update_DiscoverError(t *testing.T) {
	model := NewModel(&stubSource{}, nil, nil, time.Second)

	updated, cmd := model.Update(discoveredMsg{err: errors.New("listing failed")})
	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "listing failed")

	updated, cmd = m.Update(discoveredMsg{})
	assert.Nil(t, updated.(Model).err)
	assert.NotNil(t, cmd)
}

func TestModel_Update_FocusDrivesVisibility(t *testing.T) {
	vis := NewVisibilityFlag(true)
	model := NewModel(&stubSource{}, vis, nil, time.Second)

	updated, cmd := model.Update(tea.BlurMsg{})
	assert.False(t, vis.Visible())
	assert.NotNil(t, cmd)

	_, _ = updated.Update(tea.FocusMsg{})
	assert.True(t, vis.Visible())
}

func TestModel_Update_Snapshot(t *testing.T) {
	src := &stubSource{snap: Snapshot{Pending: []string{"1", "2"}, Handled: 3, Polling: true}}
	dreams := []DreamSource{stubDream{ID: "7", Status: analysis.StatusDone, Result: &analysis.Result{Text: "X"}}}
	model := NewModel(src, nil, dreams, time.Second)

	msg := model.collect()()
	updated, cmd := model.Update(msg)
	m := updated.(Model)

	assert.Nil(t, cmd)
	assert.Equal(t, []string{"1", "2"}, m.snapshot.Pending)
	require.Len(t, m.views, 1)
	assert.Equal(t, "X", m.views[0].Text())
	assert.Equal(t, []float64{2}, m.history)
	assert.False(t, m.lastUpdate.IsZero())
}

func TestModel_Update_Tick(t *testing.T) {
	model := NewModel(&stubSource{}, nil, nil, time.Second)
	_, cmd := model.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestAppendToHistory_Bounded(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}

func TestModel_View(t *testing.T) {
	model := NewModel(&stubSource{}, nil, []DreamSource{
		stubDream{ID: "7", Status: analysis.StatusDone},
		stubDream{ID: "8", Status: analysis.StatusFailed, Message: "model offline"},
		stubDream{ID: "9", Status: analysis.StatusPending, Polling: true},
	}, time.Second)
	model.snapshot = Snapshot{
		Pending:     []string{"9"},
		Handled:     2,
		Polling:     true,
		Visible:     true,
		Failures:    3,
		Interval:    16875 * time.Millisecond,
		MaxInterval: time.Minute,
		LastError:   "Could not check analysis status.",
	}
	model.views = []analysis.View{
		{ID: "7", Status: analysis.StatusDone},
		{ID: "8", Status: analysis.StatusFailed, Message: "model offline"},
		{ID: "9", Status: analysis.StatusPending, Polling: true},
	}

	view := model.View()
	assert.Contains(t, view, "somnia watch")
	assert.Contains(t, view, "BACKING OFF")
	assert.Contains(t, view, "Pending Analyses")
	assert.Contains(t, view, "16.9s")
	assert.Contains(t, view, analysis.PlaceholderText)
	assert.Contains(t, view, "model offline")
	assert.Contains(t, view, "(polling)")
	assert.Contains(t, view, "Could not check analysis status.")
	assert.Contains(t, view, "[q]")
	assert.Contains(t, view, "[r]")
}

func TestGetStatusBadge(t *testing.T) {
	assert.Contains(t, getStatusBadge(Snapshot{Unauthorized: true, Failures: 1}), "SIGNED OUT")
	assert.Contains(t, getStatusBadge(Snapshot{Failures: 1, Visible: true}), "BACKING OFF")
	assert.Contains(t, getStatusBadge(Snapshot{}), "PAUSED")
	assert.Contains(t, getStatusBadge(Snapshot{Visible: true}), "OK")
}

func TestModel_WatchesMonitor(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	m := newManualMonitor(t, svc, nil)
	require.NoError(t, m.Discover(context.Background()))

	model := NewModel(m, m.Visibility(), nil, time.Second)
	updated, _ := model.Update(model.collect()())
	assert.Equal(t, []string{"1"}, updated.(Model).snapshot.Pending)
}
