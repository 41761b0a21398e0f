package selector

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nodeselector/pkg/models"
	"nodeselector/pkg/registry"
)

const testService = "discovery-node"

// fakeNode is what one endpoint answers to a probe.
type fakeNode struct {
	status  int
	service string
	version string
	lag     *int64
	slot    *int64
	delay   time.Duration
	err     error
}

func node(version string, lag int64) fakeNode {
	return fakeNode{status: http.StatusOK, service: testService, version: version, lag: models.Int64(lag)}
}

func (n fakeNode) after(d time.Duration) fakeNode {
	n.delay = d
	return n
}

// fakeProber answers probes from a table keyed by endpoint.
type fakeProber struct {
	mu    sync.Mutex
	nodes map[string]fakeNode
	calls atomic.Int32
}

func newFakeProber(nodes map[string]fakeNode) *fakeProber {
	return &fakeProber{nodes: nodes}
}

func (p *fakeProber) set(endpoint string, n fakeNode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[endpoint] = n
}

func (p *fakeProber) HealthCheckURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/health_check"
}

func (p *fakeProber) Probe(ctx context.Context, probeURL string) (*models.HealthResponse, error) {
	p.calls.Add(1)

	p.mu.Lock()
	n, ok := p.nodes[strings.TrimSuffix(probeURL, "/health_check")]
	p.mu.Unlock()
	if !ok {
		return nil, errors.New("no such host")
	}

	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n.err != nil {
		return nil, n.err
	}

	return &models.HealthResponse{
		ProbeURL:        probeURL,
		Status:          n.status,
		Service:         n.service,
		Version:         n.version,
		BlockDifference: n.lag,
		SlotDifference:  n.slot,
	}, nil
}

// countingRegistry wraps a registry and counts history reads.
type countingRegistry struct {
	registry.Registry
	countCalls atomic.Int32
	failAfter  int32
	failErr    error
}

func (r *countingRegistry) GetNumberOfVersions(ctx context.Context, service string) (int, error) {
	n := r.countCalls.Add(1)
	if r.failErr != nil && n > r.failAfter {
		return 0, r.failErr
	}
	return r.Registry.GetNumberOfVersions(ctx, service)
}

// brokenRegistry fails every call.
type brokenRegistry struct{}

var errRegistryDown = errors.New("registry down")

func (brokenRegistry) GetCurrentVersion(context.Context, string) (string, error) {
	return "", errRegistryDown
}

func (brokenRegistry) GetServiceProviderList(context.Context, string) ([]registry.Provider, error) {
	return nil, errRegistryDown
}

func (brokenRegistry) GetNumberOfVersions(context.Context, string) (int, error) {
	return 0, errRegistryDown
}

func (brokenRegistry) GetVersion(context.Context, string, int) (string, error) {
	return "", errRegistryDown
}

func (brokenRegistry) HasSameMajorAndMinorVersion(a, b string) bool {
	return registry.SameMajorMinor(a, b)
}

func mustRegistry(versions ...string) *registry.Static {
	reg, err := registry.NewStatic(map[string]registry.ServiceEntry{
		testService: {Versions: versions},
	})
	if err != nil {
		panic(err)
	}
	return reg
}

// majorOnlyRegistry treats any two versions with the same major as one generation.
type majorOnlyRegistry struct {
	registry.Registry
	checks atomic.Int32
}

func (r *majorOnlyRegistry) HasSameMajorAndMinorVersion(a, b string) bool {
	r.checks.Add(1)
	return strings.SplitN(a, ".", 2)[0] == strings.SplitN(b, ".", 2)[0]
}

// recordingSink is a monitoring sink that remembers what it saw.
type recordingSink struct {
	mu       sync.Mutex
	checks   []models.HealthCheckMetrics
	requests []models.RequestMetrics
	fail     bool
	panics   bool
}

func (r *recordingSink) HealthCheck(_ context.Context, m models.HealthCheckMetrics) error {
	if r.panics {
		panic("monitor exploded")
	}
	r.mu.Lock()
	r.checks = append(r.checks, m)
	r.mu.Unlock()
	if r.fail {
		return errors.New("monitor down")
	}
	return nil
}

func (r *recordingSink) Request(_ context.Context, m models.RequestMetrics) error {
	if r.panics {
		panic("monitor exploded")
	}
	r.mu.Lock()
	r.requests = append(r.requests, m)
	r.mu.Unlock()
	if r.fail {
		return errors.New("monitor down")
	}
	return nil
}
