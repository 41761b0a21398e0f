// Package monitor receives per-probe telemetry from the selector. Sinks are
// best-effort: the selector ignores their errors.
package monitor

import (
	"context"
	"errors"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"

	"github.com/dustin/go-humanize"
)

// Sink is a monitoring destination.
type Sink interface {
	HealthCheck(ctx context.Context, metrics models.HealthCheckMetrics) error
	Request(ctx context.Context, metrics models.RequestMetrics) error
}

// Multi fans every record out to all sinks and joins their errors.
type Multi []Sink

func (m Multi) HealthCheck(ctx context.Context, metrics models.HealthCheckMetrics) error {
	var errs []error
	for _, sink := range m {
		if err := sink.HealthCheck(ctx, metrics); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Request(ctx context.Context, metrics models.RequestMetrics) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Request(ctx, metrics); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every record at debug level.
type LogSink struct{}

func (LogSink) HealthCheck(_ context.Context, m models.HealthCheckMetrics) error {
	event := log.Debug().
		Str("endpoint", m.Endpoint).
		Int("status", m.Status).
		Str("service", m.Service).
		Str("version", m.Version).
		Str("git", m.Telemetry.Git).
		Str("database_size", humanize.Bytes(uint64(max(m.Telemetry.DatabaseSize, 0)))).
		Str("used_memory", humanize.Bytes(m.Telemetry.UsedMemory))
	if m.BlockDifference != nil {
		event = event.Int64("block_difference", *m.BlockDifference)
	}
	if m.SlotDifference != nil {
		event = event.Int64("slot_difference", *m.SlotDifference)
	}
	event.Msg("Health check")
	return nil
}

func (LogSink) Request(_ context.Context, m models.RequestMetrics) error {
	log.Debug().
		Str("endpoint", m.Endpoint).
		Str("probe_url", m.ProbeURL).
		Int("status", m.Status).
		Dur("duration", m.Duration).
		Str("error", m.Error).
		Msg("Health check request")
	return nil
}
