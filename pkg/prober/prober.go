// Package prober performs health check requests against candidate nodes and
// decodes what they report. It does not judge the result.
package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultHealthCheckPath is appended to an endpoint to build its probe URL.
	DefaultHealthCheckPath = "/health_check"

	defaultRetryMax     = 1
	defaultRetryWaitMin = 50 * time.Millisecond
	defaultRetryWaitMax = 250 * time.Millisecond

	// Health payloads are small; anything larger is not one.
	maxBodyBytes = 1 << 20
)

// Options configures an HTTPProber.
type Options struct {
	Path         string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// HTTPClient replaces the underlying client, mainly for tests.
	HTTPClient *http.Client
}

// HTTPProber probes nodes over HTTP. The per-probe deadline comes from the
// context the caller passes in.
type HTTPProber struct {
	client *retryablehttp.Client
	path   string
}

// New creates an HTTPProber.
func New(opts Options) *HTTPProber {
	if opts.Path == "" {
		opts.Path = DefaultHealthCheckPath
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	} else if opts.RetryMax == 0 {
		opts.RetryMax = defaultRetryMax
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = defaultRetryWaitMin
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = defaultRetryWaitMax
	}

	client := CreateRetryableClient(opts.RetryMax, opts.RetryWaitMin, opts.RetryWaitMax)
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}

	return &HTTPProber{
		client: client,
		path:   "/" + strings.TrimLeft(opts.Path, "/"),
	}
}

// HealthCheckURL derives the probe URL for an endpoint.
func (p *HTTPProber) HealthCheckURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + p.path
}

// Probe requests probeURL and decodes the health payload. A non-200 answer is
// not an error: the response carries the status and nothing else.
func (p *HTTPProber) Probe(ctx context.Context, probeURL string) (*models.HealthResponse, error) {
	if probeURL == "" {
		return nil, ErrEmptyEndpoint
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("probe_url", probeURL).Msg("Failed to close health check response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return models.NewHealthResponse(probeURL, resp.StatusCode, nil), nil
	}

	var payload models.HealthCheckPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, probeURL, err)
	}

	return models.NewHealthResponse(probeURL, resp.StatusCode, &payload), nil
}

// CreateRetryableClient creates a retryable HTTP client for health checks.
func CreateRetryableClient(retryMax int, retryWaitMin, retryWaitMax time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = nil
	client.CheckRetry = connectionOnlyRetryPolicy
	// Hand back the last response/error instead of retryablehttp's generic "giving up" error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// connectionOnlyRetryPolicy retries only when no response came back. A node
// that answers 500 has answered; retrying it only delays the round.
func connectionOnlyRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil {
		return false, nil
	}
	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp reports the final error
	}
	return false, nil
}
