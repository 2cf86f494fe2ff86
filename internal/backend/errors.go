package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/somnialabs/somnia/internal/analysis"
)

var (
	// ErrUnauthorized is matched by any 401 response.
	ErrUnauthorized = analysis.ErrUnauthorized

	// ErrAnalysisInProgress is matched by a 409 from the analyze endpoint that
	// says a job is already running.
	ErrAnalysisInProgress = analysis.ErrAnalysisInProgress
)

// Kind is the error taxonomy callers branch on.
type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindUnauthorized
	KindServer
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUnauthorized:
		return "unauthorized"
	case KindServer:
		return "server"
	case KindMalformed:
		return "malformed"
	default:
		return "none"
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Op         string
	StatusCode int
	// Message is the backend's error/message/detail field, if any.
	Message string

	inProgress bool
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: backend returned %d", e.Op, e.StatusCode)
}

// UserMessage returns the backend-provided message for display.
func (e *APIError) UserMessage() string {
	return e.Message
}

// Is lets errors.Is match ErrUnauthorized and ErrAnalysisInProgress.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrAnalysisInProgress:
		return e.inProgress
	}
	return false
}

// TransportError means no usable response arrived: DNS, connect, timeout,
// reset.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedError means a 2xx response whose body could not be read as the
// expected shape.
type MalformedError struct {
	Op  string
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Classify maps err onto the taxonomy. Unknown errors count as transport.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrUnauthorized) {
		return KindUnauthorized
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return KindServer
	}
	var malformed *MalformedError
	if errors.As(err, &malformed) {
		return KindMalformed
	}
	return KindTransport
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func looksInProgress(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already") || strings.Contains(m, "in progress")
}
