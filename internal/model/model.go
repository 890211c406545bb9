package model

import (
	"encoding/json"
	"time"
)

// Worker state constants.
const (
	StateStarting   = "starting"
	StateReady      = "ready"
	StateProcessing = "processing"
	StateTerminated = "terminated"
)

// Command outcome constants, matching the protocol's response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusBye   = "bye"
)

// validTransitions maps each worker state to the set of states it may move to.
var validTransitions = map[string]map[string]bool{
	StateStarting: {
		StateReady:      true,
		StateTerminated: true,
	},
	StateReady: {
		StateProcessing: true,
		StateTerminated: true,
	},
	StateProcessing: {
		StateReady:      true,
		StateTerminated: true,
	},
}

// ValidTransition reports whether moving from one worker state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// CommandRecord is one processed request as kept in the journal.
type CommandRecord struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Cmd        string          `json:"cmd"`
	RequestID  json.RawMessage `json:"request_id,omitempty"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CommandStats aggregates the journal.
type CommandStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByCmd    map[string]int `json:"by_cmd"`
	// AvgDurationMS is nil when the journal is empty.
	AvgDurationMS *float64 `json:"avg_duration_ms,omitempty"`
}
