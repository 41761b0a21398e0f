// Package selector picks the best endpoint for a service out of a roster of
// candidates. Every candidate is probed at once; the first healthy answer
// wins. When none is healthy, a stale but same-generation candidate is used
// and the selector enters regressed mode for a while.
package selector

import (
	"context"
	"sync"
	"time"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"
	"nodeselector/pkg/monitor"
	"nodeselector/pkg/regressed"
	"nodeselector/pkg/registry"

	"github.com/Masterminds/semver/v3"
)

const (
	// DefaultUnhealthyBlockDiff is the block lag above which a node is stale.
	DefaultUnhealthyBlockDiff = 15
	// DefaultValidVersions is how many prior registered versions stay acceptable as fallbacks.
	DefaultValidVersions = 5
)

// Config holds the selection thresholds.
type Config struct {
	// Service is the name nodes must report and the registry key.
	Service string
	// UnhealthyBlockDiff is the largest acceptable block lag.
	UnhealthyBlockDiff int64
	// UnhealthySlotDiff is the largest acceptable plays slot lag. Zero disables the check.
	UnhealthySlotDiff int64
	// RegressedModeTimeout is how long regressed mode lasts after a fallback selection.
	RegressedModeTimeout time.Duration
	// ValidVersions is the number of prior registered versions accepted for fallback.
	ValidVersions int
	// ProbeTimeout bounds each health check.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.UnhealthyBlockDiff <= 0 {
		c.UnhealthyBlockDiff = DefaultUnhealthyBlockDiff
	}
	if c.ValidVersions <= 0 {
		c.ValidVersions = DefaultValidVersions
	}
	if c.RegressedModeTimeout <= 0 {
		c.RegressedModeTimeout = regressed.DefaultTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

// Prober is the health check transport.
type Prober interface {
	HealthCheckURL(endpoint string) string
	Probe(ctx context.Context, probeURL string) (*models.HealthResponse, error)
}

// Option customises a Selector.
type Option func(*Selector)

// WithRoster replaces the default roster (the registry's provider list).
func WithRoster(roster RosterFunc) Option {
	return func(s *Selector) { s.roster = roster }
}

// WithMonitor sends per-probe telemetry to sink.
func WithMonitor(sink monitor.Sink) Option {
	return func(s *Selector) { s.monitor = sink }
}

// WithSelectionCallback is told about every finished round.
func WithSelectionCallback(cb SelectionCallback) Option {
	return func(s *Selector) { s.callback = cb }
}

// WithRegressedState shares a regressed mode state between selectors.
func WithRegressedState(state *regressed.State) Option {
	return func(s *Selector) { s.regressed = state }
}

// Selector chooses an endpoint for one service.
type Selector struct {
	cfg       Config
	registry  registry.Registry
	prober    Prober
	roster    RosterFunc
	monitor   monitor.Sink
	callback  SelectionCallback
	regressed *regressed.State

	// Built on first fallback and kept for the life of the selector.
	versionsMu    sync.Mutex
	validVersions []*semver.Version
}

// New creates a Selector.
func New(cfg Config, reg registry.Registry, prober Prober, opts ...Option) (*Selector, error) {
	if cfg.Service == "" {
		return nil, ErrNoService
	}
	cfg = cfg.withDefaults()

	s := &Selector{
		cfg:      cfg,
		registry: reg,
		prober:   prober,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.roster == nil {
		s.roster = ProviderRoster(reg, cfg.Service)
	}
	if s.regressed == nil {
		s.regressed = regressed.New(cfg.RegressedModeTimeout, nil)
	}

	return s, nil
}

// Select runs one selection round. An empty Selection.Endpoint means no
// endpoint is usable right now.
func (s *Selector) Select(ctx context.Context) (models.Selection, error) {
	rc := &roundContext{selector: s}

	engine := &Engine{
		Roster:       s.roster,
		Probe:        s.prober.Probe,
		ProbeURL:     s.prober.HealthCheckURL,
		ProbeTimeout: s.cfg.ProbeTimeout,
		Classify:     rc.isHealthy,
		Fallback:     rc.fallback,
		OnSelection:  s.callback,
	}
	if s.monitor != nil {
		engine.OnRequest = func(ctx context.Context, metrics models.RequestMetrics) {
			if err := s.monitor.Request(ctx, metrics); err != nil {
				log.Warn().Err(err).Str("endpoint", metrics.Endpoint).Msg("Monitoring request hook failed")
			}
		}
	}

	sel, err := engine.Run(ctx)
	if err != nil {
		log.Error().Err(err).Str("service", s.cfg.Service).Str("round", sel.RoundID).Msg("Selection round failed")
		return sel, err
	}

	switch {
	case !sel.Found():
		log.Warn().Str("service", s.cfg.Service).Int("candidates", len(sel.Trace)).Msg("No usable endpoint found")
	case sel.Backup:
		log.Warn().Str("service", s.cfg.Service).Str("endpoint", sel.Endpoint).Msg("Selected backup endpoint, entering regressed mode")
	default:
		log.Info().Str("service", s.cfg.Service).Str("endpoint", sel.Endpoint).Msg("Selected healthy endpoint")
	}

	return sel, nil
}

// IsInRegressedMode reports whether a fallback endpoint was selected recently.
func (s *Selector) IsInRegressedMode() bool {
	return s.regressed.IsRegressed()
}

// Regressed exposes the regressed mode state.
func (s *Selector) Regressed() *regressed.State {
	return s.regressed
}

// Config returns the effective configuration.
func (s *Selector) Config() Config {
	return s.cfg
}

// roundContext carries what one round learns from the registry, so the
// current version is read at most once per round.
type roundContext struct {
	selector *Selector

	once       sync.Once
	current    *semver.Version
	currentErr error
}

func (rc *roundContext) currentVersion(ctx context.Context) (*semver.Version, error) {
	rc.once.Do(func() {
		rc.current, rc.currentErr = rc.selector.currentVersion(ctx)
	})
	return rc.current, rc.currentErr
}

func (rc *roundContext) fallback(ctx context.Context, round *Round) (string, error) {
	// Classification could not read the current version; every candidate was
	// rejected for it and the registry problem belongs to the caller.
	if rc.currentErr != nil {
		return "", rc.currentErr
	}

	endpoint, err := rc.selector.selectFromBackups(ctx, rc.current, round.Backups())
	if err != nil {
		return "", err
	}
	if endpoint != "" {
		rc.selector.regressed.Enter()
	}
	return endpoint, nil
}
