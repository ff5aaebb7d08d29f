package client

import "time"

// ProcessStatus mirrors the status document served by a running guardian.
type ProcessStatus struct {
	Name         string    `json:"name" yaml:"name"`
	State        string    `json:"state" yaml:"state"`
	PID          int       `json:"pid" yaml:"pid"`
	Managed      bool      `json:"managed" yaml:"managed"`
	StartedAt    time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Uptime       string    `json:"uptime" yaml:"uptime"`
	Restarts     int       `json:"restarts" yaml:"restarts"`
	LastExitCode *int      `json:"last_exit_code,omitempty" yaml:"last_exit_code,omitempty"`
	Exited       bool      `json:"exited,omitempty" yaml:"exited,omitempty"`
}

// RecoveryStats are the recovery engine counters.
type RecoveryStats struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	ByScenario map[string]int `json:"by_scenario"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
