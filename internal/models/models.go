package models

import (
	"time"

	"github.com/peterje/consolehost/internal/console"
)

// Process statuses persisted in history.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusExited  = "exited"
	// StatusLost marks a process that was running when a previous server stopped.
	StatusLost = "lost"
)

// ProcessRecord is one row of process history.
type ProcessRecord struct {
	ID        int64      `json:"id"`
	Handle    string     `json:"handle"`
	Command   string     `json:"command"`
	Status    string     `json:"status"`
	ExitCode  *int       `json:"exit_code"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at"`
}

// CreateProcessRequest is the body of POST /api/processes.
type CreateProcessRequest struct {
	Command string       `json:"command"`
	WorkDir string       `json:"work_dir"`
	Env     []string     `json:"env"`
	Mode    console.Mode `json:"mode"`
	Rows    uint16       `json:"rows"`
	Cols    uint16       `json:"cols"`
	// Start launches the process immediately; defaults to true.
	Start *bool `json:"start"`
}

type InputRequest struct {
	Data string `json:"data"`
}

type ResizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Shell   string `json:"shell"`
	Running int    `json:"running"`
	Total   int    `json:"total"`
}
