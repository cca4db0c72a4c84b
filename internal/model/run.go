package model

import "time"

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a run in the given status will not change again.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Run is one execution of the request engine against a target: its
// configuration, the raw request it repeats, and the resulting report.
type Run struct {
	ID                    string `json:"id"`
	Status                string `json:"status"`
	Target                string `json:"target"`
	Workers               int    `json:"workers"`
	ReadFreq              int    `json:"read_freq"`
	RequestsPerConnection int    `json:"requests_per_connection"`
	Count                 int    `json:"count"`
	Request               []byte `json:"-"`
	StartTimeoutS         int    `json:"start_timeout_s"`
	DrainTimeoutS         int    `json:"drain_timeout_s"`
	Insecure              bool   `json:"insecure"`

	Succeeded          int64   `json:"succeeded"`
	Sent               int64   `json:"sent"`
	Retried            int64   `json:"retried"`
	Reconnects         int64   `json:"reconnects"`
	ConnectionFailures int64   `json:"connection_failures"`
	FramingFailures    int64   `json:"framing_failures"`
	Rejected           int64   `json:"rejected"`
	ElapsedMS          *int64  `json:"elapsed_ms,omitempty"`
	RPS                float64 `json:"rps"`
	Drained            bool    `json:"drained"`
	Error              string  `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StatusCount is the number of responses a run received with one HTTP status code.
type StatusCount struct {
	RunID      string `json:"run_id"`
	StatusCode int    `json:"status_code"`
	Count      int64  `json:"count"`
}
