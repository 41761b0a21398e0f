// Package manager keeps a current endpoint for a service and replaces it
// periodically or when a caller reports it broken.
package manager

import (
	"context"
	"sync"
	"time"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"

	"golang.org/x/time/rate"
)

const (
	defaultReselectInterval    = 30 * time.Second
	defaultRoundTimeout        = 15 * time.Second
	defaultMinReselectInterval = 2 * time.Second
)

// Selector runs selection rounds.
type Selector interface {
	Select(ctx context.Context) (models.Selection, error)
	IsInRegressedMode() bool
}

// Options configures a Manager.
type Options struct {
	// ReselectInterval is the period of background rounds.
	ReselectInterval time.Duration
	// RoundTimeout bounds each round.
	RoundTimeout time.Duration
	// MinReselectInterval throttles rounds triggered by MarkUnhealthy.
	MinReselectInterval time.Duration
}

// Status is a point-in-time view of the manager.
type Status struct {
	Endpoint  string           `json:"endpoint,omitempty"`
	Regressed bool             `json:"regressed"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	Last      models.Selection `json:"last_round"`
}

// Manager owns the current selection.
type Manager struct {
	selector     Selector
	interval     time.Duration
	roundTimeout time.Duration
	limiter      *rate.Limiter

	mu        sync.RWMutex
	current   string
	updatedAt time.Time
	last      models.Selection
	lastErr   error

	// Rounds run one at a time.
	roundMu sync.Mutex

	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Manager.
func New(selector Selector, opts Options) *Manager {
	if opts.ReselectInterval <= 0 {
		opts.ReselectInterval = defaultReselectInterval
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = defaultRoundTimeout
	}
	if opts.MinReselectInterval <= 0 {
		opts.MinReselectInterval = defaultMinReselectInterval
	}

	return &Manager{
		selector:     selector,
		interval:     opts.ReselectInterval,
		roundTimeout: opts.RoundTimeout,
		limiter:      rate.NewLimiter(rate.Every(opts.MinReselectInterval), 1),
		trigger:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Start runs a first round synchronously, then reselects in the background
// until Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if _, err := m.Reselect(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial selection failed")
	}

	m.wg.Add(1)
	go m.reselectLoop(ctx)

	log.Info().
		Str("endpoint", m.Current()).
		Dur("interval", m.interval).
		Msg("Selection manager started")
}

// Stop ends the background loop and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	log.Info().Msg("Selection manager stopped")
}

// Reselect runs one round now. A round that finds nothing clears the current
// endpoint; a round that fails keeps it, since nothing was judged.
func (m *Manager) Reselect(ctx context.Context) (models.Selection, error) {
	select {
	case <-m.stopCh:
		return models.Selection{}, ErrStopped
	default:
	}

	m.roundMu.Lock()
	defer m.roundMu.Unlock()

	roundCtx, cancel := context.WithTimeout(ctx, m.roundTimeout)
	defer cancel()

	sel, err := m.selector.Select(roundCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = sel
	m.lastErr = err
	if err != nil {
		return sel, err
	}
	if !sel.Found() {
		if m.current != "" {
			log.Warn().
				Str("previous", m.current).
				Str("round", sel.RoundID).
				Msg("No usable endpoint, clearing current selection")
		}
		m.current = ""
		m.updatedAt = time.Now()
		return sel, nil
	}

	if sel.Endpoint != m.current {
		log.Info().
			Str("previous", m.current).
			Str("endpoint", sel.Endpoint).
			Bool("backup", sel.Backup).
			Msg("Current endpoint changed")
	}
	m.current = sel.Endpoint
	m.updatedAt = time.Now()

	return sel, nil
}

// Current returns the selected endpoint, or "" when none is usable.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Endpoint returns the selected endpoint or ErrNoSelection.
func (m *Manager) Endpoint() (string, error) {
	if endpoint := m.Current(); endpoint != "" {
		return endpoint, nil
	}
	return "", ErrNoSelection
}

// Last returns the most recent round, successful or not.
func (m *Manager) Last() models.Selection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Status returns the manager's state for reporting.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		Endpoint:  m.current,
		Regressed: m.selector.IsInRegressedMode(),
		UpdatedAt: m.updatedAt,
		Last:      m.last,
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	return status
}

// MarkUnhealthy reports a request failure against endpoint. When it is the
// current endpoint, it is dropped and a round is scheduled, at most once per
// MinReselectInterval. It reports whether a round was scheduled.
func (m *Manager) MarkUnhealthy(endpoint string, err error) bool {
	m.mu.Lock()
	if endpoint == "" || endpoint != m.current {
		m.mu.Unlock()
		return false
	}
	m.current = ""
	m.mu.Unlock()

	log.Warn().
		Str("endpoint", endpoint).
		Err(err).
		Msg("Current endpoint marked unhealthy")

	if !m.limiter.Allow() {
		log.Debug().Str("endpoint", endpoint).Msg("Reselection throttled")
		return false
	}

	select {
	case m.trigger <- struct{}{}:
	default:
	}
	return true
}

// reselectLoop runs rounds on the interval and on demand.
func (m *Manager) reselectLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.trigger:
		}

		if _, err := m.Reselect(ctx); err != nil {
			log.Warn().Err(err).Msg("Background selection failed")
		}
	}
}
