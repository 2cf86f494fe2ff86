package monitor

import "sync/atomic"

// VisibilityFlag reports whether the user can currently see the app. While
// hidden, monitor ticks are skipped without a request and without touching
// the backoff.
type VisibilityFlag struct {
	hidden atomic.Bool
}

// NewVisibilityFlag creates a flag with the given initial state.
func NewVisibilityFlag(visible bool) *VisibilityFlag {
	v := &VisibilityFlag{}
	v.hidden.Store(!visible)
	return v
}

// Set records the current visibility.
func (v *VisibilityFlag) Set(visible bool) {
	v.hidden.Store(!visible)
}

// Visible reports the current visibility.
func (v *VisibilityFlag) Visible() bool {
	return !v.hidden.Load()
}

// Open implements poll.Gate.
func (v *VisibilityFlag) Open() bool {
	return v.Visible()
}
