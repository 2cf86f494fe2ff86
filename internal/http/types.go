package http

import (
	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Events    string                  `json:"events"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// AnalyzeResponse is the response body for POST /api/v1/dreams/:id/analyze.
type AnalyzeResponse struct {
	ID         string          `json:"id"`
	Status     analysis.Status `json:"status"`
	InProgress bool            `json:"in_progress,omitempty"`
}

// CreatedRequest is the request body for POST /api/v1/dreams/created.
type CreatedRequest struct {
	ID string `json:"id"`
}

// CreatedResponse is the response body for POST /api/v1/dreams/created.
type CreatedResponse struct {
	EventID string `json:"event_id"`
}

// VisibilityRequest is the request body for PUT /api/v1/visibility.
type VisibilityRequest struct {
	Visible *bool `json:"visible"`
}

// VisibilityResponse is the response body for PUT /api/v1/visibility.
type VisibilityResponse struct {
	Visible bool `json:"visible"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}
