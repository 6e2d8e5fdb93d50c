package client

import (
	"fmt"
	"time"
)

// Ports are the four ports of a sidecar launch.
type Ports struct {
	CDP       int `json:"cdp"`
	Proxy     int `json:"proxy"`
	Backend   int `json:"backend"`
	Extension int `json:"extension"`
}

// Status is the supervisor snapshot served by GET /status.
type Status struct {
	State           string    `json:"state"`
	Started         bool      `json:"started"`
	Running         bool      `json:"running"`
	Restarting      bool      `json:"restarting"`
	Updating        bool      `json:"updating"`
	PID             int       `json:"pid,omitempty"`
	Ports           Ports     `json:"ports"`
	LaunchedAt      time.Time `json:"launched_at,omitempty"`
	Launches        uint32    `json:"launches"`
	Restarts        uint32    `json:"restarts"`
	HealthFailures  int       `json:"health_failures"`
	StartupFailures int       `json:"startup_failures"`
}

// Event is one lifecycle event served by GET /history.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Ports      Ports     `json:"ports"`
	Detail     string    `json:"detail,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
