// Package api implements the REST fetch variant with rate limiting applied
// before every attempt, retries included.
package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/fetcher"
	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/telemetry"
)

// Config controls HTTP client behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   map[string]string
}

// Client fetches API sources.
type Client struct {
	cfg     Config
	retry   *fetcher.RetryPolicy
	limiter pipeline.Limiter
	hasher  pipeline.Hasher
	clock   pipeline.Clock
	httpc   *http.Client
	logger  *zap.Logger
}

// New builds a Client.
func New(
	cfg Config,
	retry *fetcher.RetryPolicy,
	limiter pipeline.Limiter,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		retry:   retry,
		limiter: limiter,
		hasher:  hasher,
		clock:   clock,
		httpc: &http.Client{
			Transport: newHTTPTransport(),
		},
		logger: logger,
	}
}

// Fetch issues a parameterized GET with retry/backoff. The shared limiter is
// acquired before every attempt, including retries.
func (c *Client) Fetch(ctx context.Context, source pipeline.Source) (pipeline.RawPayload, error) {
	endpoint, err := buildURL(source)
	if err != nil {
		return pipeline.RawPayload{}, pipeline.NewPermanentError(0, err)
	}

	return c.retry.Do(ctx, func(ctx context.Context) (pipeline.RawPayload, error) {
		if err := c.limiter.Acquire(ctx, source.Key()); err != nil {
			return pipeline.RawPayload{}, err
		}
		body, err := c.attempt(ctx, endpoint)
		if err != nil {
			telemetry.IncFetchAttempt(string(pipeline.SourceKindAPI), "error")
			return pipeline.RawPayload{}, err
		}
		telemetry.IncFetchAttempt(string(pipeline.SourceKindAPI), "ok")

		hash, err := c.hasher.Hash(body)
		if err != nil {
			return pipeline.RawPayload{}, fmt.Errorf("hash payload: %w", err)
		}
		return pipeline.RawPayload{
			Source:      source,
			Body:        body,
			FetchedAt:   c.clock.Now(),
			ContentHash: hash,
		}, nil
	})
}

func (c *Client) attempt(ctx context.Context, endpoint string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, pipeline.NewPermanentError(0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fetcher.ClassifyNetError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := fetcher.ClassifyStatus(resp.StatusCode, resp.Header); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeline.NewTransientError(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

func buildURL(source pipeline.Source) (string, error) {
	u, err := url.ParseRequestURI(source.Locator)
	if err != nil {
		return "", fmt.Errorf("malformed url %q: %w", source.Locator, err)
	}
	if len(source.Params) > 0 {
		q := u.Query()
		for key, value := range source.Params {
			q.Set(key, value)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
