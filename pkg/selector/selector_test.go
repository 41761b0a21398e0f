package selector

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"nodeselector/pkg/models"
	"nodeselector/pkg/registry"

	"github.com/stretchr/testify/suite"
)

// SelectorTestSuite tests selection rounds end to end over a fake transport
type SelectorTestSuite struct {
	suite.Suite
	selectors []*Selector
}

func (s *SelectorTestSuite) TearDownTest() {
	for _, sel := range s.selectors {
		sel.Regressed().Stop()
	}
	s.selectors = nil
}

func (s *SelectorTestSuite) newSelector(cfg Config, reg registry.Registry, prober Prober, endpoints []string, opts ...Option) *Selector {
	cfg.Service = testService
	opts = append([]Option{WithRoster(StaticRoster(endpoints...))}, opts...)
	sel, err := New(cfg, reg, prober, opts...)
	s.Require().NoError(err)
	s.selectors = append(s.selectors, sel)
	return sel
}

func verdicts(trace []models.DecisionEntry) map[string]models.Verdict {
	out := make(map[string]models.Verdict, len(trace))
	for _, entry := range trace {
		out[entry.Endpoint] = entry.Verdict
	}
	return out
}

func (s *SelectorTestSuite) TestHealthyCandidateWinsOverBackup() {
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.3", 5).after(50 * time.Millisecond),
		"https://b.example": node("1.2.2", 3),
	})
	sel := s.newSelector(Config{UnhealthyBlockDiff: 100}, mustRegistry("1.2.2", "1.2.3"), prober,
		[]string{"https://a.example", "https://b.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)

	s.Equal("https://a.example", result.Endpoint)
	s.False(result.Backup)
	s.NotEmpty(result.RoundID)
	s.Equal([]models.DecisionEntry{
		{Endpoint: "https://b.example", Verdict: models.VerdictBackup, Reason: "version 1.2.2 behind 1.2.3"},
		{Endpoint: "https://a.example", Verdict: models.VerdictHealthy},
	}, result.Trace)
	s.False(sel.IsInRegressedMode())
}

func (s *SelectorTestSuite) TestBackupOfRegisteredGenerationEntersRegressedMode() {
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": {status: http.StatusInternalServerError},
		"https://b.example": node("1.1.9", 50),
	})
	sel := s.newSelector(Config{}, mustRegistry("1.1.9", "1.2.3"), prober,
		[]string{"https://a.example", "https://b.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)

	s.Equal("https://b.example", result.Endpoint)
	s.True(result.Backup)
	s.True(sel.IsInRegressedMode())

	v := verdicts(result.Trace)
	s.Equal(models.VerdictUnhealthy, v["https://a.example"])
	s.Equal(models.VerdictUnhealthy, v["https://b.example"])
	s.Len(result.Trace, 2)
}

func (s *SelectorTestSuite) TestEmptyRosterProbesNothing() {
	prober := newFakeProber(nil)
	callbackEndpoint := "unset"
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober, nil,
		WithSelectionCallback(func(endpoint string, trace []models.DecisionEntry) {
			callbackEndpoint = endpoint
		}))

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)

	s.False(result.Found())
	s.Empty(result.Trace)
	s.Equal(int32(0), prober.calls.Load())
	s.Equal("", callbackEndpoint)
	s.False(sel.IsInRegressedMode())
}

func (s *SelectorTestSuite) TestNoValidGenerationLeavesRegressedModeAlone() {
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.0.5", 0),
		"https://b.example": node("2.2.3", 0),
		"https://c.example": {err: errors.New("connection refused")},
	})
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober,
		[]string{"https://a.example", "https://b.example", "https://c.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)

	s.False(result.Found())
	s.False(result.Backup)
	s.False(sel.IsInRegressedMode())
	s.Len(result.Trace, 3)
	s.Equal(models.VerdictProbeError, verdicts(result.Trace)["https://c.example"])
}

func (s *SelectorTestSuite) TestUnregisteredGenerationNeverSelected() {
	prober := newFakeProber(map[string]fakeNode{
		"https://old.example":   node("1.0.0", 0),
		"https://stale.example": node("1.2.1", 500),
	})
	sel := s.newSelector(Config{}, mustRegistry("1.2.0", "1.2.3"), prober,
		[]string{"https://old.example", "https://stale.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://stale.example", result.Endpoint)
	s.True(result.Backup)
}

func (s *SelectorTestSuite) TestNewestVersionUnderThresholdWins() {
	prober := newFakeProber(map[string]fakeNode{
		"https://v121.example": node("1.2.1", 2),
		"https://v122.example": node("1.2.2", 10).after(20 * time.Millisecond),
		"https://v119.example": node("1.1.9", 1),
	})
	sel := s.newSelector(Config{UnhealthyBlockDiff: 15}, mustRegistry("1.1.9", "1.2.1", "1.2.2", "1.2.3"), prober,
		[]string{"https://v121.example", "https://v122.example", "https://v119.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://v122.example", result.Endpoint)
	s.True(sel.IsInRegressedMode())
}

func (s *SelectorTestSuite) TestSkipsNewerVersionOverThreshold() {
	prober := newFakeProber(map[string]fakeNode{
		"https://v122.example": node("1.2.2", 40),
		"https://v121.example": node("1.2.1", 4),
	})
	sel := s.newSelector(Config{UnhealthyBlockDiff: 15}, mustRegistry("1.2.3"), prober,
		[]string{"https://v122.example", "https://v121.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://v121.example", result.Endpoint)
}

func (s *SelectorTestSuite) TestLastResortUsesNumericLag() {
	// Lexical ordering would prefer "100" over "20" and "9".
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.2", 100),
		"https://b.example": node("1.2.2", 20).after(10 * time.Millisecond),
		"https://c.example": node("1.2.1", 9).after(20 * time.Millisecond),
	})
	sel := s.newSelector(Config{UnhealthyBlockDiff: 5}, mustRegistry("1.2.3"), prober,
		[]string{"https://a.example", "https://b.example", "https://c.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://c.example", result.Endpoint)
	s.True(result.Backup)
}

func (s *SelectorTestSuite) TestSlowProbesAreSkippedAfterHealthyPick() {
	prober := newFakeProber(map[string]fakeNode{
		"https://fast.example": node("1.2.3", 1),
		"https://bad.example":  {status: http.StatusServiceUnavailable, delay: 0},
		"https://slow.example": node("1.2.3", 1).after(5 * time.Second),
	})
	sel := s.newSelector(Config{ProbeTimeout: 10 * time.Second}, mustRegistry("1.2.3"), prober,
		[]string{"https://slow.example", "https://fast.example", "https://bad.example"})

	start := time.Now()
	result, err := sel.Select(context.Background())
	s.Require().NoError(err)

	s.Less(time.Since(start), 2*time.Second, "a healthy pick must not wait for slow probes")
	s.Equal("https://fast.example", result.Endpoint)
	s.Len(result.Trace, 3)
	s.Equal(models.VerdictSkipped, verdicts(result.Trace)["https://slow.example"])
}

func (s *SelectorTestSuite) TestProbeTimeoutIsPerProbe() {
	prober := newFakeProber(map[string]fakeNode{
		"https://slow.example": node("1.2.3", 1).after(time.Second),
		"https://ok.example":   node("1.2.0", 1).after(50 * time.Millisecond),
	})
	sel := s.newSelector(Config{ProbeTimeout: 100 * time.Millisecond}, mustRegistry("1.2.3"), prober,
		[]string{"https://slow.example", "https://ok.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)

	s.Equal("https://ok.example", result.Endpoint)
	s.True(result.Backup)
	v := verdicts(result.Trace)
	s.Equal(models.VerdictProbeError, v["https://slow.example"])
	s.Equal(models.VerdictBackup, v["https://ok.example"])
}

func (s *SelectorTestSuite) TestTraceFollowsEvaluationOrder() {
	prober := newFakeProber(map[string]fakeNode{
		"https://third.example":  {status: http.StatusNotFound, delay: 80 * time.Millisecond},
		"https://first.example":  {status: http.StatusOK, service: "content-node", version: "1.2.3", lag: models.Int64(0)},
		"https://second.example": {status: http.StatusOK, service: testService, version: "banana", lag: models.Int64(0), delay: 40 * time.Millisecond},
	})
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober,
		[]string{"https://third.example", "https://first.example", "https://second.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)

	s.False(result.Found())
	s.Equal([]models.DecisionEntry{
		{Endpoint: "https://first.example", Verdict: models.VerdictUnhealthy, Reason: `service "content-node", want "discovery-node"`},
		{Endpoint: "https://second.example", Verdict: models.VerdictUnhealthy, Reason: `invalid version "banana"`},
		{Endpoint: "https://third.example", Verdict: models.VerdictUnhealthy, Reason: "status 404"},
	}, result.Trace)
}

func (s *SelectorTestSuite) TestDuplicateEndpointsProbedOnce() {
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.3", 1),
	})
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober,
		[]string{"https://a.example", " https://a.example ", ""})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://a.example", result.Endpoint)
	s.Equal(int32(1), prober.calls.Load())
	s.Len(result.Trace, 1)
}

func (s *SelectorTestSuite) TestRosterFailure() {
	prober := newFakeProber(nil)
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober, nil,
		WithRoster(func(context.Context) ([]string, error) { return nil, errRegistryDown }))

	result, err := sel.Select(context.Background())
	s.ErrorIs(err, ErrRosterUnavailable)
	s.ErrorIs(err, errRegistryDown)
	s.False(result.Found())
	s.Equal(int32(0), prober.calls.Load())
}

func (s *SelectorTestSuite) TestDefaultRosterComesFromRegistry() {
	reg, err := registry.NewStatic(map[string]registry.ServiceEntry{
		testService: {
			Versions:  []string{"1.2.3"},
			Providers: []registry.Provider{{Endpoint: "https://a.example"}},
		},
	})
	s.Require().NoError(err)

	sel, err := New(Config{Service: testService}, reg, newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.3", 0),
	}))
	s.Require().NoError(err)
	s.selectors = append(s.selectors, sel)

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://a.example", result.Endpoint)
}

func (s *SelectorTestSuite) TestRegistryFailurePropagates() {
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.3", 1),
	})
	sel := s.newSelector(Config{}, brokenRegistry{}, prober, []string{"https://a.example"})

	result, err := sel.Select(context.Background())
	s.ErrorIs(err, ErrVersionRegistry)
	s.ErrorIs(err, errRegistryDown)
	s.False(result.Found())
	s.Len(result.Trace, 1)
	s.False(sel.IsInRegressedMode())
}

func (s *SelectorTestSuite) TestValidVersionSetIsMemoized() {
	reg := &countingRegistry{Registry: mustRegistry("1.2.0", "1.2.3"), failAfter: 1, failErr: errRegistryDown}
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.0", 1),
	})
	sel := s.newSelector(Config{}, reg, prober, []string{"https://a.example"})

	for i := 0; i < 3; i++ {
		result, err := sel.Select(context.Background())
		s.Require().NoError(err)
		s.Equal("https://a.example", result.Endpoint)
	}
	s.Equal(int32(1), reg.countCalls.Load())
}

func (s *SelectorTestSuite) TestReloadedRegistryAcceptsCurrentGeneration() {
	reg := mustRegistry("1.2.2", "1.2.3")
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.2", 1),
	})
	sel := s.newSelector(Config{}, reg, prober, []string{"https://a.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://a.example", result.Endpoint)

	// The history memoized above predates the 1.3 generation.
	reg.Replace(mustRegistry("1.2.3", "1.3.1"))
	prober.set("https://a.example", node("1.3.0", 1))

	result, err = sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://a.example", result.Endpoint)
	s.True(result.Backup)
	s.Equal([]models.DecisionEntry{
		{Endpoint: "https://a.example", Verdict: models.VerdictBackup, Reason: "version 1.3.0 behind 1.3.1"},
	}, result.Trace)
}

func (s *SelectorTestSuite) TestGenerationCheckUsesRegistryPredicate() {
	reg := &majorOnlyRegistry{Registry: mustRegistry("1.2.3")}
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.1.9", 1),
	})
	sel := s.newSelector(Config{}, reg, prober, []string{"https://a.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://a.example", result.Endpoint)
	s.False(result.Backup)
	s.Positive(reg.checks.Load())
}

func (s *SelectorTestSuite) TestBackupFilterUsesRegistryPredicate() {
	reg := &majorOnlyRegistry{Registry: mustRegistry("1.2.3")}
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.0.1", 40),
	})
	sel := s.newSelector(Config{}, reg, prober, []string{"https://a.example"})

	result, err := sel.Select(context.Background())
	s.Require().NoError(err)
	// 1.0 shares a major with the only registered version, so the predicate admits it.
	s.Equal("https://a.example", result.Endpoint)
	s.True(result.Backup)
}

func (s *SelectorTestSuite) TestValidVersionSetWindow() {
	reg := mustRegistry("1.0.0", "1.1.0", "1.2.0", "1.3.0", "1.3.1", "1.4.0")
	sel := s.newSelector(Config{ValidVersions: 2}, reg, newFakeProber(nil), nil)

	versions, err := sel.validVersionSet(context.Background())
	s.Require().NoError(err)

	got := make([]string, 0, len(versions))
	for _, v := range versions {
		got = append(got, v.String())
	}
	s.Equal([]string{"1.4.0", "1.3.1", "1.3.0"}, got)
}

func (s *SelectorTestSuite) TestValidVersionSetRejectsBadHistory() {
	reg := &badHistoryRegistry{Registry: mustRegistry("1.2.3")}
	sel := s.newSelector(Config{}, reg, newFakeProber(nil), nil)

	_, err := sel.validVersionSet(context.Background())
	s.ErrorIs(err, ErrVersionRegistry)

	// Failures are not memoized.
	reg.fixed = true
	versions, err := sel.validVersionSet(context.Background())
	s.Require().NoError(err)
	s.Len(versions, 1)
}

func (s *SelectorTestSuite) TestMonitorAndCallbackFailuresAreContained() {
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.3", 1),
	})
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober, []string{"https://a.example"},
		WithMonitor(&recordingSink{panics: true}),
		WithSelectionCallback(func(string, []models.DecisionEntry) { panic("callback exploded") }))

	var result models.Selection
	var err error
	s.NotPanics(func() { result, err = sel.Select(context.Background()) })
	s.Require().NoError(err)
	s.Equal("https://a.example", result.Endpoint)

	failing := &recordingSink{fail: true}
	sel = s.newSelector(Config{}, mustRegistry("1.2.3"), prober, []string{"https://a.example"}, WithMonitor(failing))
	result, err = sel.Select(context.Background())
	s.Require().NoError(err)
	s.Equal("https://a.example", result.Endpoint)
	s.Len(failing.checks, 1)
	s.Len(failing.requests, 1)
}

func (s *SelectorTestSuite) TestMonitorSeesCanonicalEndpoints() {
	sink := &recordingSink{}
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.3", 3),
		"https://b.example": {status: http.StatusBadGateway},
	})
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober,
		[]string{"https://a.example", "https://b.example"}, WithMonitor(sink))

	_, err := sel.Select(context.Background())
	s.Require().NoError(err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	s.NotEmpty(sink.checks)
	for _, check := range sink.checks {
		s.Contains([]string{"https://a.example", "https://b.example"}, check.Endpoint)
		s.Equal(check.Endpoint+"/health_check", check.ProbeURL)
	}
	s.Len(sink.requests, 2)
}

func (s *SelectorTestSuite) TestCallbackGetsEveryRound() {
	var mu sync.Mutex
	var calls []string
	var traces [][]models.DecisionEntry
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.2", 1),
	})
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober, []string{"https://a.example"},
		WithSelectionCallback(func(endpoint string, trace []models.DecisionEntry) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, endpoint)
			traces = append(traces, trace)
		}))

	_, err := sel.Select(context.Background())
	s.Require().NoError(err)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"https://a.example"}, calls)
	s.Len(traces[0], 1)
	s.Equal(models.VerdictBackup, traces[0][0].Verdict)
}

func (s *SelectorTestSuite) TestConcurrentRoundsAreIndependent() {
	prober := newFakeProber(map[string]fakeNode{
		"https://a.example": node("1.2.2", 1).after(10 * time.Millisecond),
		"https://b.example": node("1.2.3", 40),
	})
	sel := s.newSelector(Config{}, mustRegistry("1.2.3"), prober,
		[]string{"https://a.example", "https://b.example"})

	const rounds = 8
	var wg sync.WaitGroup
	results := make(chan models.Selection, rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := sel.Select(context.Background())
			s.NoError(err)
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	ids := make(map[string]struct{})
	for result := range results {
		s.Equal("https://a.example", result.Endpoint)
		s.Len(result.Trace, 2)
		ids[result.RoundID] = struct{}{}
	}
	s.Len(ids, rounds)
	s.True(sel.IsInRegressedMode())
}

func (s *SelectorTestSuite) TestNewRequiresService() {
	_, err := New(Config{}, mustRegistry("1.2.3"), newFakeProber(nil))
	s.ErrorIs(err, ErrNoService)
}

func TestSelectorTestSuite(t *testing.T) {
	suite.Run(t, new(SelectorTestSuite))
}

// badHistoryRegistry serves an unparseable historical version until fixed.
type badHistoryRegistry struct {
	registry.Registry
	fixed bool
}

func (r *badHistoryRegistry) GetNumberOfVersions(context.Context, string) (int, error) {
	return 2, nil
}

func (r *badHistoryRegistry) GetVersion(_ context.Context, _ string, index int) (string, error) {
	if index == 0 && !r.fixed {
		return "one-point-oh", nil
	}
	return "1.2.3", nil
}
