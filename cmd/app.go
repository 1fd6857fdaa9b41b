package cmd

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/anomaly"
	"github.com/quarrydata/quarry/internal/changedetect"
	"github.com/quarrydata/quarry/internal/cleaner"
	"github.com/quarrydata/quarry/internal/clock/system"
	"github.com/quarrydata/quarry/internal/config"
	"github.com/quarrydata/quarry/internal/entities"
	"github.com/quarrydata/quarry/internal/fetcher"
	apifetch "github.com/quarrydata/quarry/internal/fetcher/api"
	"github.com/quarrydata/quarry/internal/fetcher/headless"
	"github.com/quarrydata/quarry/internal/fetcher/web"
	"github.com/quarrydata/quarry/internal/id/uuid"
	"github.com/quarrydata/quarry/internal/logging"
	"github.com/quarrydata/quarry/internal/orchestrator"
	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/policy/ratelimit"
	pubpublisher "github.com/quarrydata/quarry/internal/publisher/pubsub"
	"github.com/quarrydata/quarry/internal/quality"
	"github.com/quarrydata/quarry/internal/review"
	"github.com/quarrydata/quarry/internal/storage/gcs"
	"github.com/quarrydata/quarry/internal/storage/local"
	"github.com/quarrydata/quarry/internal/storage/memory"
	"github.com/quarrydata/quarry/internal/storage/postgres"
)

// application holds every wired service the commands need.
type application struct {
	cfg          config.Config
	logger       *zap.Logger
	store        pipeline.Store
	gate         *review.Gate
	orchestrator *orchestrator.Orchestrator

	pgStore      *postgres.Store
	renderer     *headless.Renderer
	gcsClient    *gstorage.Client
	pubsubClient *pubsub.Client
}

// buildApplication loads config and wires the full pipeline stack.
func buildApplication(ctx context.Context, cfgPath string) (*application, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	app := &application{cfg: cfg, logger: logger}

	clk := system.New()
	idGen := uuid.NewUUIDGenerator()

	if cfg.DB.DSN != "" {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		}, idGen)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		app.pgStore = pg
		app.store = pg
	} else {
		logger.Warn("no database configured, using in-memory store")
		app.store = memory.New(idGen, clk)
	}

	blobs, err := app.buildBlobStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	var publisher pipeline.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		app.pubsubClient = client
		publisher = pubpublisher.New(client)
	}

	limiter := ratelimit.New(ratelimit.Config{
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.Window(),
		PerKey:   cfg.RateLimit.PerKey,
	})
	retry := fetcher.NewRetryPolicy(cfg.HTTP.MaxRetries, cfg.RetryBase(), cfg.RetryMax())
	hasher := changedetect.NewHasher()

	// The noop renderer keeps the fallback seam wired when headless
	// rendering is turned off; it reports rendering as unavailable and the
	// web fetcher keeps its static extraction.
	var renderer web.Renderer = headless.NewNoop()
	if cfg.Headless.Enabled {
		r, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Pipeline.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init renderer: %w", err)
		}
		app.renderer = r
		renderer = r
	}

	webFetcher := web.New(web.Config{
		UserAgent: cfg.Pipeline.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	}, retry, limiter, hasher, clk, renderer, logger)
	apiFetcher := apifetch.New(apifetch.Config{
		UserAgent: cfg.Pipeline.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	}, retry, limiter, hasher, clk, logger)

	app.gate = review.New(app.store, idGen, clk, review.Config{
		Threshold: cfg.Review.AutoApproveThreshold,
		TTL:       cfg.ReviewTTL(),
	}, logger)

	app.orchestrator = orchestrator.New(
		webFetcher,
		apiFetcher,
		changedetect.New(app.store),
		cleaner.New(entities.NewPattern()),
		quality.New(),
		anomaly.New(anomaly.Config{
			Contamination: cfg.Anomaly.Contamination,
			Seed:          cfg.Anomaly.Seed,
			MinBatch:      cfg.Anomaly.MinBatch,
			Trees:         cfg.Anomaly.Trees,
		}),
		app.gate,
		app.store,
		blobs,
		publisher,
		clk,
		orchestrator.Config{
			Concurrency:     cfg.Pipeline.Concurrency,
			Topic:           cfg.PubSub.TopicName,
			BlobPrefix:      cfg.Storage.Prefix,
			BlobContentType: cfg.Storage.ContentType,
		},
		logger,
	)

	return app, nil
}

func (a *application) buildBlobStore(ctx context.Context) (pipeline.BlobStore, error) {
	switch {
	case a.cfg.Storage.GCSBucket != "":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		a.gcsClient = client
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
	case a.cfg.Storage.LocalDir != "":
		return local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
	default:
		return nil, nil
	}
}

// Close releases external clients. Safe on a partially built application.
func (a *application) Close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("close gcs client", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
