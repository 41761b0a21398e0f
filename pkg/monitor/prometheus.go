package monitor

import (
	"context"
	"strconv"

	"nodeselector/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "nodeselector"
	subsystem = "selection"
)

// Prometheus exports probe and selection metrics.
type Prometheus struct {
	blockDifference *prometheus.GaugeVec
	slotDifference  *prometheus.GaugeVec
	nodeInfo        *prometheus.GaugeVec
	healthChecks    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	selections      *prometheus.CounterVec
	regressed       prometheus.Gauge
}

// NewPrometheus registers the collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)

	return &Prometheus{
		blockDifference: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "block_difference",
			Help:      "Block lag reported by a node's last health check",
		}, []string{"endpoint"}),
		slotDifference: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slot_difference",
			Help:      "Plays slot lag reported by a node's last health check",
		}, []string{"endpoint"}),
		nodeInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "node_info",
			Help:      "Service, version and git revision reported by a node (always 1)",
		}, []string{"endpoint", "service", "version", "git"}),
		healthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "health_checks_total",
			Help:      "Classified health checks by HTTP status",
		}, []string{"endpoint", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probe_duration_seconds",
			Help:      "Health check request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "outcome"}),
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rounds_total",
			Help:      "Selection rounds by result (healthy, backup, none, error)",
		}, []string{"result"}),
		regressed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "regressed_mode",
			Help:      "1 while a fallback endpoint is in use",
		}),
	}
}

func (p *Prometheus) HealthCheck(_ context.Context, m models.HealthCheckMetrics) error {
	p.healthChecks.WithLabelValues(m.Endpoint, strconv.Itoa(m.Status)).Inc()
	if m.BlockDifference != nil {
		p.blockDifference.WithLabelValues(m.Endpoint).Set(float64(*m.BlockDifference))
	}
	if m.SlotDifference != nil {
		p.slotDifference.WithLabelValues(m.Endpoint).Set(float64(*m.SlotDifference))
	}
	if m.Version != "" {
		p.nodeInfo.WithLabelValues(m.Endpoint, m.Service, m.Version, m.Telemetry.Git).Set(1)
	}
	return nil
}

func (p *Prometheus) Request(_ context.Context, m models.RequestMetrics) error {
	outcome := "ok"
	if m.Error != "" {
		outcome = "error"
	}
	p.requestDuration.WithLabelValues(m.Endpoint, outcome).Observe(m.Duration.Seconds())
	return nil
}

// ObserveSelection counts a finished round.
func (p *Prometheus) ObserveSelection(sel models.Selection, err error) {
	switch {
	case err != nil:
		p.selections.WithLabelValues("error").Inc()
	case !sel.Found():
		p.selections.WithLabelValues("none").Inc()
	case sel.Backup:
		p.selections.WithLabelValues("backup").Inc()
	default:
		p.selections.WithLabelValues("healthy").Inc()
	}
}

// SetRegressed mirrors the regressed mode flag.
func (p *Prometheus) SetRegressed(regressed bool) {
	if regressed {
		p.regressed.Set(1)
		return
	}
	p.regressed.Set(0)
}
