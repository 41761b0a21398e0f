package models

import "time"

// HealthCheckMetrics is what a monitoring sink receives for every classified probe.
type HealthCheckMetrics struct {
	Endpoint        string    `json:"endpoint"`
	ProbeURL        string    `json:"probe_url"`
	Status          int       `json:"status"`
	Service         string    `json:"service,omitempty"`
	Version         string    `json:"version,omitempty"`
	BlockDifference *int64    `json:"block_difference,omitempty"`
	SlotDifference  *int64    `json:"slot_difference,omitempty"`
	Telemetry       Telemetry `json:"telemetry"`
}

// RequestMetrics describes one probe request.
type RequestMetrics struct {
	Endpoint string        `json:"endpoint"`
	ProbeURL string        `json:"probe_url"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
