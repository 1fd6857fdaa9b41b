package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/quarrydata/quarry/internal/pipeline"
)

// ClassifyStatus maps an HTTP response status to the fetch error taxonomy.
// 2xx returns nil. 429 and 5xx are transient; 429 additionally carries any
// Retry-After hint. Remaining 4xx are permanent.
func ClassifyStatus(statusCode int, header http.Header) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		fe := pipeline.NewTransientError(statusCode, fmt.Errorf("server throttled request (status %d)", statusCode))
		fe.RetryAfter = parseRetryAfter(header)
		return fe
	case statusCode >= 500:
		return pipeline.NewTransientError(statusCode, fmt.Errorf("server error (status %d)", statusCode))
	default:
		return pipeline.NewPermanentError(statusCode, fmt.Errorf("client error (status %d)", statusCode))
	}
}

// ClassifyNetError maps a transport-level failure to the taxonomy. Timeouts
// and connection resets are transient; context cancellation passes through
// untouched so the retry loop stops.
func ClassifyNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.NewTransientError(0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.NewTransientError(0, err)
	}
	// A host that does not resolve will not start resolving on retry.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return pipeline.NewPermanentError(0, err)
	}
	// Connection resets and refused connections surface as *net.OpError.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return pipeline.NewTransientError(0, err)
	}
	return pipeline.NewTransientError(0, err)
}

func parseRetryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
