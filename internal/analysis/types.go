// Package analysis models a dream's analysis job and tracks one job to
// completion with Poller.
package analysis

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status of an analysis job as reported by the backend. The zero value is
// "never analyzed / unknown" and is what a JSON null decodes to.
type Status string

const (
	StatusUnknown Status = ""
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ParseStatus normalizes a wire status. Unrecognized values are Unknown.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending
	case StatusDone:
		return StatusDone
	case StatusFailed:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// Terminal reports whether no further transition is expected without a new
// trigger.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// String returns "unknown" for the zero value.
func (s Status) String() string {
	if s == StatusUnknown {
		return "unknown"
	}
	return string(s)
}

// UnmarshalJSON accepts null, any casing, and unknown values.
func (s *Status) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = StatusUnknown
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}

// MarshalJSON writes the zero value as null.
func (s Status) MarshalJSON() ([]byte, error) {
	if s == StatusUnknown {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// PlaceholderText is shown when a finished analysis carries no text.
const PlaceholderText = "No analysis text available."

// Result is the backend's opaque result payload. Known fields are decoded;
// Raw keeps the original bytes for pass-through.
type Result struct {
	Analysis    string          `json:"analysis,omitempty"`
	Text        string          `json:"text,omitempty"`
	EmotionTags []string        `json:"emotion_tags,omitempty"`
	Error       string          `json:"error,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw payload alongside the decoded fields. A bare
// string is taken as the text; other non-object payloads are kept raw only.
func (r *Result) UnmarshalJSON(data []byte) error {
	raw := append(json.RawMessage(nil), data...)
	trimmed := strings.TrimSpace(string(data))

	switch {
	case strings.HasPrefix(trimmed, "{"):
		type plain Result
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*r = Result(p)
	case strings.HasPrefix(trimmed, `"`):
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*r = Result{Text: text}
	default:
		*r = Result{}
	}
	r.Raw = raw
	return nil
}

// MarshalJSON passes the original payload through when there is one.
func (r Result) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type plain Result
	return json.Marshal(plain(r))
}

// Body returns the analysis text, preferring "analysis" over "text".
func (r *Result) Body() string {
	if r == nil {
		return ""
	}
	if r.Analysis != "" {
		return r.Analysis
	}
	return r.Text
}

// Snapshot is one read of GET /entities/{id}/analysis.
type Snapshot struct {
	Status     Status     `json:"status"`
	Result     *Result    `json:"result"`
	AnalyzedAt *time.Time `json:"analyzed_at"`
}

// Entity is one item of the full listing. Only id and status are trusted.
type Entity struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Title  string `json:"title,omitempty"`
}

// FailureOrigin tells a backend-confirmed failure apart from one the client
// inferred.
type FailureOrigin int

const (
	// FailureNone means the view is not failed.
	FailureNone FailureOrigin = iota
	// FailureServer means the backend reported status=failed.
	FailureServer
	// FailureLocal means a status poll failed. The job may still be running.
	FailureLocal
	// FailureTrigger means the backend rejected the start request.
	FailureTrigger
)

func (o FailureOrigin) String() string {
	switch o {
	case FailureServer:
		return "server"
	case FailureLocal:
		return "local"
	case FailureTrigger:
		return "trigger"
	default:
		return "none"
	}
}

// MarshalText lets views carry the origin as a string in JSON.
func (o FailureOrigin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

var (
	// ErrUnauthorized marks a 401 from the backend, usually an expired session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAnalysisInProgress marks a start request the backend refused because
	// a job is already running. Callers treat it as accepted.
	ErrAnalysisInProgress = errors.New("analysis already in progress")

	// ErrAlreadyPending is returned by Trigger while a job is being tracked.
	ErrAlreadyPending = errors.New("analysis already pending")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("poller closed")
)

// UserMessage returns the backend-provided message carried by err, or
// fallback when there is none.
func UserMessage(err error, fallback string) string {
	var m interface{ UserMessage() string }
	if errors.As(err, &m) {
		if msg := strings.TrimSpace(m.UserMessage()); msg != "" {
			return msg
		}
	}
	return fallback
}
