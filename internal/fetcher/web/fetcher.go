// Package web implements the website fetch variant using gocolly, with a
// self-healing extraction chain that tolerates markup drift.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/fetcher"
	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/telemetry"
)

// Renderer re-renders a page with JavaScript executed. Used as the final
// fallback when static HTML yields none of the expected targets.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher fetches and extracts website sources.
type Fetcher struct {
	cfg           Config
	retry         *fetcher.RetryPolicy
	limiter       pipeline.Limiter
	hasher        pipeline.Hasher
	clock         pipeline.Clock
	renderer      Renderer
	strategies    []Strategy
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Fetcher. renderer may be nil when headless fallback is
// disabled.
func New(
	cfg Config,
	retry *fetcher.RetryPolicy,
	limiter pipeline.Limiter,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	renderer Renderer,
	logger *zap.Logger,
) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Clones share the visited-URL store; retries and later runs refetch the
	// same locator, so revisits must be allowed.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		retry:         retry,
		limiter:       limiter,
		hasher:        hasher,
		clock:         clock,
		renderer:      renderer,
		strategies:    DefaultStrategies(),
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch retrieves the page with retry/backoff, runs the extraction chain and
// returns the extracted fields as a JSON payload.
func (f *Fetcher) Fetch(ctx context.Context, source pipeline.Source) (pipeline.RawPayload, error) {
	if _, err := url.ParseRequestURI(source.Locator); err != nil {
		return pipeline.RawPayload{}, pipeline.NewPermanentError(0, fmt.Errorf("malformed url %q: %w", source.Locator, err))
	}

	return f.retry.Do(ctx, func(ctx context.Context) (pipeline.RawPayload, error) {
		if err := f.limiter.Acquire(ctx, source.Key()); err != nil {
			return pipeline.RawPayload{}, err
		}
		body, err := f.attempt(ctx, source.Locator)
		if err != nil {
			telemetry.IncFetchAttempt(string(pipeline.SourceKindWebsite), "error")
			return pipeline.RawPayload{}, err
		}
		telemetry.IncFetchAttempt(string(pipeline.SourceKindWebsite), "ok")

		extracted, err := f.extract(ctx, source, body)
		if err != nil {
			return pipeline.RawPayload{}, err
		}
		return f.buildPayload(source, extracted)
	})
}

func (f *Fetcher) attempt(ctx context.Context, target string) ([]byte, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body      []byte
		status    int
		header    http.Header
		visitErr  error
		responded bool
	)
	collector.OnResponse(func(r *colly.Response) {
		responded = true
		status = r.StatusCode
		header = r.Headers.Clone()
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		visitErr = err
		if r != nil {
			status = r.StatusCode
			header = r.Headers.Clone()
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("web fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil && visitErr != nil {
			err = visitErr
		}
		if err != nil {
			if status != 0 {
				return nil, fetcher.ClassifyStatus(status, header)
			}
			return nil, fetcher.ClassifyNetError(err)
		}
	}
	if !responded {
		return nil, pipeline.NewTransientError(0, fmt.Errorf("no response received from %s", target))
	}
	if err := fetcher.ClassifyStatus(status, header); err != nil {
		return nil, err
	}
	return body, nil
}

// extract runs the self-healing chain over the static HTML; if every target
// misses and a renderer is configured, the page is rendered once with
// JavaScript and the chain re-runs on the result.
func (f *Fetcher) extract(ctx context.Context, source pipeline.Source, body []byte) (map[string]any, error) {
	extracted, matched, err := f.extractOnce(source, body)
	if err != nil {
		return nil, err
	}
	if matched > 0 || len(source.Selectors) == 0 || f.renderer == nil {
		return extracted, nil
	}

	f.logger.Info("static extraction found no targets, retrying with renderer",
		zap.String("source", source.Locator),
	)
	rendered, renderErr := f.renderer.Render(ctx, source.Locator)
	if renderErr != nil {
		f.logger.Warn("headless render failed, keeping static result",
			zap.String("source", source.Locator),
			zap.Error(renderErr),
		)
		return extracted, nil
	}
	renderedExtract, _, err := f.extractOnce(source, rendered)
	if err != nil {
		return extracted, nil
	}
	return renderedExtract, nil
}

func (f *Fetcher) extractOnce(source pipeline.Source, body []byte) (map[string]any, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, pipeline.NewPermanentError(0, fmt.Errorf("parse html: %w", err))
	}

	if len(source.Selectors) == 0 {
		return defaultExtraction(doc), 1, nil
	}

	extracted := make(map[string]any, len(source.Selectors))
	matched := 0
	for target, selector := range source.Selectors {
		values, strategy := extractTarget(doc, target, selector, f.strategies)
		if len(values) == 0 {
			// Absent rather than failed; the cleaner records it as null.
			continue
		}
		matched++
		if strategy != "selector" {
			f.logger.Debug("extraction healed via fallback",
				zap.String("source", source.Locator),
				zap.String("target", target),
				zap.String("strategy", strategy),
			)
		}
		if len(values) == 1 {
			extracted[target] = values[0]
		} else {
			extracted[target] = values
		}
	}
	return extracted, matched, nil
}

func defaultExtraction(doc *goquery.Document) map[string]any {
	return map[string]any{
		"title":      firstText(doc, "title"),
		"headings":   collectText(doc.Find("h1, h2, h3")),
		"paragraphs": collectText(doc.Find("p")),
		"main_text":  firstText(doc, "body"),
	}
}

func firstText(doc *goquery.Document, selector string) string {
	values := collectText(doc.Find(selector).First())
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (f *Fetcher) buildPayload(source pipeline.Source, extracted map[string]any) (pipeline.RawPayload, error) {
	data, err := json.Marshal(extracted)
	if err != nil {
		return pipeline.RawPayload{}, fmt.Errorf("marshal extraction: %w", err)
	}
	hash, err := f.hasher.Hash(data)
	if err != nil {
		return pipeline.RawPayload{}, fmt.Errorf("hash payload: %w", err)
	}
	return pipeline.RawPayload{
		Source:      source,
		Body:        data,
		FetchedAt:   f.clock.Now(),
		ContentHash: hash,
	}, nil
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
