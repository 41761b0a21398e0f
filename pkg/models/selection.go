package models

import "time"

// Verdict is the outcome recorded for one candidate in a selection round.
type Verdict string

const (
	VerdictHealthy    Verdict = "healthy"
	VerdictUnhealthy  Verdict = "unhealthy"
	VerdictBackup     Verdict = "backup"
	VerdictProbeError Verdict = "probe_error"
	VerdictSkipped    Verdict = "skipped"
)

// DecisionEntry is one line of a round's decision trace.
type DecisionEntry struct {
	Endpoint string  `json:"endpoint"`
	Verdict  Verdict `json:"verdict"`
	Reason   string  `json:"reason,omitempty"`
}

// BackupRecord is a same-generation candidate rejected for staleness.
type BackupRecord struct {
	Endpoint        string    `json:"endpoint"`
	Version         string    `json:"version"`
	BlockDifference int64     `json:"block_difference"`
	Telemetry       Telemetry `json:"telemetry"`
}

// Selection is the result of one selection round. Endpoint is empty when
// nothing could be selected.
type Selection struct {
	RoundID    string          `json:"round_id"`
	Endpoint   string          `json:"endpoint,omitempty"`
	Backup     bool            `json:"backup"`
	Trace      []DecisionEntry `json:"trace"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
}

// Found reports whether the round produced an endpoint.
func (s Selection) Found() bool {
	return s.Endpoint != ""
}
