package selector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"

	"github.com/google/uuid"
)

const defaultProbeTimeout = 5 * time.Second

// RosterFunc returns the current candidate endpoints.
type RosterFunc func(ctx context.Context) ([]string, error)

// ProbeFunc performs one health check against a probe URL.
type ProbeFunc func(ctx context.Context, probeURL string) (*models.HealthResponse, error)

// Classification is a strategy's verdict on one health response.
type Classification struct {
	Verdict models.Verdict
	Reason  string
	// Backup is retained for fallback selection when set.
	Backup *models.BackupRecord
}

// ClassifyFunc judges one health response. It runs on the round's goroutine.
type ClassifyFunc func(ctx context.Context, resp *models.HealthResponse, round *Round) Classification

// FallbackFunc picks an endpoint when no candidate was healthy. An empty
// endpoint means nothing usable.
type FallbackFunc func(ctx context.Context, round *Round) (string, error)

// SelectionCallback is told about every finished round.
type SelectionCallback func(endpoint string, trace []models.DecisionEntry)

// Engine runs selection rounds: fetch the roster, probe everything at once,
// take the first healthy answer, otherwise ask the fallback.
type Engine struct {
	Roster   RosterFunc
	Probe    ProbeFunc
	Classify ClassifyFunc
	Fallback FallbackFunc

	// ProbeURL derives the health check URL from an endpoint. Nil probes the endpoint itself.
	ProbeURL     func(endpoint string) string
	ProbeTimeout time.Duration

	OnRequest   func(ctx context.Context, metrics models.RequestMetrics)
	OnSelection SelectionCallback
}

// Round is the state of one selection round. It is owned by the goroutine
// running the round and discarded afterwards.
type Round struct {
	ID string

	endpoints   map[string]string
	trace       []models.DecisionEntry
	backups     []models.BackupRecord
	backupIndex map[string]int
}

func newRound() *Round {
	return &Round{
		ID:          uuid.NewString(),
		endpoints:   make(map[string]string),
		backupIndex: make(map[string]int),
	}
}

// Endpoint maps a probe URL back to the endpoint it was derived from.
func (r *Round) Endpoint(probeURL string) string {
	if endpoint, ok := r.endpoints[probeURL]; ok {
		return endpoint
	}
	return probeURL
}

// Trace returns a copy of the decision trace so far.
func (r *Round) Trace() []models.DecisionEntry {
	return append([]models.DecisionEntry{}, r.trace...)
}

// Backups returns the retained backups in evaluation order.
func (r *Round) Backups() []models.BackupRecord {
	return append([]models.BackupRecord{}, r.backups...)
}

func (r *Round) record(endpoint string, verdict models.Verdict, reason string) {
	r.trace = append(r.trace, models.DecisionEntry{Endpoint: endpoint, Verdict: verdict, Reason: reason})
}

func (r *Round) addBackup(rec models.BackupRecord) {
	if i, ok := r.backupIndex[rec.Endpoint]; ok {
		r.backups[i] = rec
		return
	}
	r.backupIndex[rec.Endpoint] = len(r.backups)
	r.backups = append(r.backups, rec)
}

// Run executes one selection round.
func (e *Engine) Run(ctx context.Context) (models.Selection, error) {
	round := newRound()
	start := time.Now()
	sel := models.Selection{RoundID: round.ID, StartedAt: start}

	endpoints, err := e.Roster(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRosterUnavailable, err)
		e.finish(&sel, round, start)
		return sel, err
	}

	endpoints = uniqueEndpoints(endpoints)
	if len(endpoints) == 0 {
		log.Debug().Str("round", round.ID).Msg("Empty roster, nothing to probe")
		e.finish(&sel, round, start)
		return sel, nil
	}

	probeURLs := make([]string, len(endpoints))
	for i, endpoint := range endpoints {
		probeURL := endpoint
		if e.ProbeURL != nil {
			probeURL = e.ProbeURL(endpoint)
		}
		probeURLs[i] = probeURL
		round.endpoints[probeURL] = endpoint
	}

	results, cancel := executeProbes(ctx, probeURLs, e.probeTimeout(), e.Probe)
	defer cancel()

	for result := range results {
		e.reportRequest(ctx, round, result)
		endpoint := round.Endpoint(result.ProbeURL)

		if sel.Found() {
			round.record(endpoint, models.VerdictSkipped, "selection already made")
			continue
		}

		if result.Error != nil || result.Data == nil {
			reason := "empty health response"
			if result.Error != nil {
				reason = result.Error.Error()
			}
			round.record(endpoint, models.VerdictProbeError, reason)
			continue
		}

		cls := e.Classify(ctx, result.Data, round)
		round.record(endpoint, cls.Verdict, cls.Reason)
		if cls.Backup != nil {
			round.addBackup(*cls.Backup)
		}

		if cls.Verdict == models.VerdictHealthy {
			sel.Endpoint = endpoint
			// Stop outstanding probes; the loop drains them as skipped.
			cancel()
		}
	}

	if !sel.Found() && e.Fallback != nil {
		endpoint, err := e.Fallback(ctx, round)
		if err != nil {
			e.finish(&sel, round, start)
			return sel, err
		}
		sel.Endpoint = endpoint
		sel.Backup = endpoint != ""
	}

	e.finish(&sel, round, start)

	log.Debug().
		Str("round", round.ID).
		Str("endpoint", sel.Endpoint).
		Bool("backup", sel.Backup).
		Int("candidates", len(endpoints)).
		Int64("duration_ms", sel.DurationMs).
		Msg("Selection round finished")

	return sel, nil
}

func (e *Engine) probeTimeout() time.Duration {
	if e.ProbeTimeout <= 0 {
		return defaultProbeTimeout
	}
	return e.ProbeTimeout
}

func (e *Engine) reportRequest(ctx context.Context, round *Round, result probeResult[*models.HealthResponse]) {
	if e.OnRequest == nil {
		return
	}
	metrics := models.RequestMetrics{
		Endpoint: round.Endpoint(result.ProbeURL),
		ProbeURL: result.ProbeURL,
		Duration: result.Duration,
	}
	if result.Data != nil {
		metrics.Status = result.Data.Status
	}
	if result.Error != nil {
		metrics.Error = result.Error.Error()
	}
	safeCall("request monitor", func() { e.OnRequest(ctx, metrics) })
}

func (e *Engine) finish(sel *models.Selection, round *Round, start time.Time) {
	sel.Trace = round.Trace()
	sel.DurationMs = time.Since(start).Milliseconds()

	if e.OnSelection == nil {
		return
	}
	trace := round.Trace()
	safeCall("selection callback", func() { e.OnSelection(sel.Endpoint, trace) })
}

// safeCall runs an observer hook; nothing it does reaches the selection result.
func safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("hook", name).Msg("Observer hook panicked")
		}
	}()
	fn()
}

func uniqueEndpoints(endpoints []string) []string {
	seen := make(map[string]struct{}, len(endpoints))
	out := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		if _, ok := seen[endpoint]; ok {
			continue
		}
		seen[endpoint] = struct{}{}
		out = append(out, endpoint)
	}
	return out
}

// probeResult is the outcome of one probe.
type probeResult[T any] struct {
	ProbeURL string
	Data     T
	Error    error
	Duration time.Duration
}

// executeProbes probes every URL concurrently, each under its own timeout.
// Results arrive in completion order and the channel closes once every probe
// has returned. cancel aborts the probes still in flight.
func executeProbes[T any](
	ctx context.Context,
	probeURLs []string,
	timeout time.Duration,
	probe func(ctx context.Context, probeURL string) (T, error),
) (<-chan probeResult[T], context.CancelFunc) {
	results := make(chan probeResult[T], len(probeURLs))
	cancelCtx, cancel := context.WithCancel(ctx)

	var waitGroup sync.WaitGroup
	for _, probeURL := range probeURLs {
		waitGroup.Add(1)
		go func(url string) {
			defer waitGroup.Done()

			reqCtx, reqCancel := context.WithTimeout(cancelCtx, timeout)
			defer reqCancel()

			start := time.Now()
			data, err := probe(reqCtx, url)
			// Buffered to len(probeURLs); never blocks.
			results <- probeResult[T]{
				ProbeURL: url,
				Data:     data,
				Error:    err,
				Duration: time.Since(start),
			}
		}(probeURL)
	}

	go func() {
		waitGroup.Wait()
		close(results)
	}()

	return results, cancel
}
