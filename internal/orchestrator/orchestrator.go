// Package orchestrator sequences the ingestion pipeline per source and fans
// out across sources under a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/anomaly"
	"github.com/quarrydata/quarry/internal/changedetect"
	"github.com/quarrydata/quarry/internal/cleaner"
	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/quality"
	"github.com/quarrydata/quarry/internal/review"
	"github.com/quarrydata/quarry/internal/telemetry"
)

// Config controls orchestrator behavior.
type Config struct {
	// Concurrency bounds how many source pipelines run at once.
	Concurrency int
	// Topic names the event topic; empty disables publishing.
	Topic string
	// BlobPrefix prefixes raw payload archive paths.
	BlobPrefix string
	// BlobContentType is recorded on archived payloads.
	BlobContentType string
}

// Orchestrator runs Fetch -> ChangeDetect -> Clean -> Score -> Detect ->
// Route -> Store for each source. Stages within one source are strictly
// ordered; sources run concurrently.
type Orchestrator struct {
	webFetcher pipeline.Fetcher
	apiFetcher pipeline.Fetcher
	detector   *changedetect.Detector
	cleaner    *cleaner.Cleaner
	scorer     *quality.Scorer
	anomalies  *anomaly.Detector
	gate       *review.Gate
	store      pipeline.Store
	blobs      pipeline.BlobStore
	publisher  pipeline.Publisher
	clock      pipeline.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Orchestrator. blobs and publisher may be nil to disable
// raw archiving and event publishing.
func New(
	webFetcher pipeline.Fetcher,
	apiFetcher pipeline.Fetcher,
	detector *changedetect.Detector,
	cl *cleaner.Cleaner,
	scorer *quality.Scorer,
	anomalies *anomaly.Detector,
	gate *review.Gate,
	store pipeline.Store,
	blobs pipeline.BlobStore,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BlobContentType == "" {
		cfg.BlobContentType = "application/json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		webFetcher: webFetcher,
		apiFetcher: apiFetcher,
		detector:   detector,
		cleaner:    cl,
		scorer:     scorer,
		anomalies:  anomalies,
		gate:       gate,
		store:      store,
		blobs:      blobs,
		publisher:  publisher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run processes all sources and returns one result per source in input
// order. A failing source never aborts its siblings.
func (o *Orchestrator) Run(ctx context.Context, sources []pipeline.Source) []pipeline.PipelineResult {
	results := make([]pipeline.PipelineResult, len(sources))
	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, source := range sources {
		wg.Add(1)
		go func(idx int, src pipeline.Source) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			telemetry.WorkerStarted()
			defer telemetry.WorkerFinished()

			results[idx] = o.processSource(ctx, src)
			telemetry.IncSource(string(results[idx].Status))
		}(i, source)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) processSource(ctx context.Context, source pipeline.Source) pipeline.PipelineResult {
	payload, err := o.fetch(ctx, source)
	if err != nil {
		return o.errorResult(source, err)
	}
	o.archive(ctx, payload)

	process, err := o.detector.ShouldProcess(ctx, source, payload.ContentHash)
	if err != nil {
		return o.errorResult(source, err)
	}
	if !process {
		o.logger.Info("source unchanged, skipping",
			zap.String("source", source.Locator),
			zap.String("hash", payload.ContentHash),
		)
		return pipeline.PipelineResult{Source: source, Status: pipeline.StatusSkipped}
	}

	records, err := o.cleaner.Clean(payload)
	if err != nil {
		return o.errorResult(source, err)
	}

	metrics := o.scorer.Score(source, records)
	flags, err := o.anomalies.Detect(records)
	if err != nil {
		if !errors.Is(err, pipeline.ErrInsufficientData) {
			return o.errorResult(source, err)
		}
		o.logger.Debug("anomaly detection skipped",
			zap.String("source", source.Locator),
			zap.Int("batch", len(records)),
		)
	}

	result := pipeline.PipelineResult{
		Source:  source,
		Status:  pipeline.StatusSuccess,
		Records: records,
		Metrics: metrics,
		Flags:   flags,
	}
	for i, record := range records {
		flagged := i < len(flags) && flags[i]
		status := pipeline.ReviewApproved
		if !o.gate.AutoApprove(record, metrics, flagged) {
			status = pipeline.ReviewPending
			result.NeedsReview = true
		}

		entryID, err := o.store.Put(ctx, record, metrics, status)
		if err != nil {
			// Hash stays uncommitted so the content reprocesses next run.
			return o.errorResult(source, fmt.Errorf("store record: %w", err))
		}
		telemetry.IncRecordStored(string(status))
		result.EntryIDs = append(result.EntryIDs, entryID)

		if status == pipeline.ReviewPending {
			if _, err := o.gate.Enqueue(ctx, entryID, source, metrics, flagged); err != nil {
				return o.errorResult(source, err)
			}
		}
	}

	if err := o.detector.Commit(ctx, source, payload.ContentHash); err != nil {
		return o.errorResult(source, err)
	}

	o.publish(ctx, source, payload.ContentHash, result)
	return result
}

func (o *Orchestrator) fetch(ctx context.Context, source pipeline.Source) (pipeline.RawPayload, error) {
	switch source.Kind {
	case pipeline.SourceKindWebsite:
		return o.webFetcher.Fetch(ctx, source)
	case pipeline.SourceKindAPI:
		return o.apiFetcher.Fetch(ctx, source)
	default:
		return pipeline.RawPayload{}, fmt.Errorf("unsupported source kind %q", source.Kind)
	}
}

// archive is best-effort: a blob failure must not block the pipeline.
func (o *Orchestrator) archive(ctx context.Context, payload pipeline.RawPayload) {
	if o.blobs == nil || len(payload.ContentHash) < 2 {
		return
	}
	path := fmt.Sprintf("%s/%s.json", payload.ContentHash[:2], payload.ContentHash)
	if o.cfg.BlobPrefix != "" {
		path = fmt.Sprintf("%s/%s", o.cfg.BlobPrefix, path)
	}
	if _, err := o.blobs.PutObject(ctx, path, o.cfg.BlobContentType, payload.Body); err != nil {
		o.logger.Warn("raw payload archive failed",
			zap.String("source", payload.Source.Locator),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, source pipeline.Source, hash string, result pipeline.PipelineResult) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"source":       source.Locator,
		"status":       string(result.Status),
		"entry_ids":    result.EntryIDs,
		"needs_review": result.NeedsReview,
		"hash":         hash,
		"timestamp":    o.clock.Now().Format(time.RFC3339),
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, payload); err != nil {
		o.logger.Warn("event publish failed",
			zap.String("source", source.Locator),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) errorResult(source pipeline.Source, err error) pipeline.PipelineResult {
	o.logger.Error("source pipeline failed",
		zap.String("source", source.Locator),
		zap.Error(err),
	)
	return pipeline.PipelineResult{
		Source:  source,
		Status:  pipeline.StatusError,
		Err:     err,
		ErrText: err.Error(),
	}
}
