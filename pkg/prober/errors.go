package prober

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
)

var (
	// ErrMalformedResponse is returned when a 200 response body is not a health check payload.
	ErrMalformedResponse = errors.New("malformed health check response")

	// ErrEmptyEndpoint is returned when asked to probe an empty endpoint.
	ErrEmptyEndpoint = errors.New("empty endpoint")
)

// IsTimeoutOrConnectionError reports whether err means the node could not be
// reached at all, as opposed to answering with a bad status or body.
func IsTimeoutOrConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr) && !errors.Is(err, ErrMalformedResponse)
}
