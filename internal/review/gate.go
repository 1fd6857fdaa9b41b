// Package review implements the human-review gate: routing decisions at
// ingestion and the review item lifecycle with time-based auto-resolution.
package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/telemetry"
)

// Config controls routing and expiry.
type Config struct {
	// Threshold is the minimum value every quality metric must reach for
	// auto-approval.
	Threshold float64
	// TTL is how long an item may stay pending before expiring. Expired
	// items count as approved for storage.
	TTL time.Duration
}

// Gate owns review items. All transitions are serialized under the gate's
// mutex so no two concurrent transitions on the same item can both succeed.
type Gate struct {
	mu     sync.Mutex
	items  map[string]*pipeline.ReviewItem
	store  pipeline.Store
	idGen  pipeline.IDGenerator
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
}

// New builds a Gate, substituting defaults for zero config values.
func New(store pipeline.Store, idGen pipeline.IDGenerator, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Gate {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 48 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		items:  make(map[string]*pipeline.ReviewItem),
		store:  store,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// AutoApprove decides routing at ingestion: no validation failures, every
// quality metric at or above the threshold, and no anomaly flag. A record
// with validation failures is never auto-approved, whatever its metrics.
func (g *Gate) AutoApprove(record pipeline.StructuredRecord, metrics pipeline.QualityMetrics, anomalyFlagged bool) bool {
	if record.HasFailures() {
		return false
	}
	if !metrics.MeetsThreshold(g.cfg.Threshold) {
		return false
	}
	return !anomalyFlagged
}

// Enqueue creates a pending review item for a stored entry.
func (g *Gate) Enqueue(ctx context.Context, entryID string, source pipeline.Source, metrics pipeline.QualityMetrics, anomalyFlagged bool) (pipeline.ReviewItem, error) {
	id, err := g.idGen.NewID()
	if err != nil {
		return pipeline.ReviewItem{}, fmt.Errorf("new review id: %w", err)
	}
	item := pipeline.ReviewItem{
		ID:             id,
		EntryID:        entryID,
		SourceLocator:  source.Locator,
		Metrics:        metrics,
		AnomalyFlagged: anomalyFlagged,
		CreatedAt:      g.clock.Now(),
		Status:         pipeline.ReviewPending,
	}

	g.mu.Lock()
	g.items[id] = &item
	telemetry.SetReviewQueueDepth(g.pendingCountLocked())
	g.mu.Unlock()

	g.logger.Info("record queued for review",
		zap.String("review_id", id),
		zap.String("entry_id", entryID),
		zap.String("source", source.Locator),
		zap.Bool("anomaly", anomalyFlagged),
	)
	return item, nil
}

// Approve transitions a pending item to approved. Approving an already
// approved item is a no-op; any other terminal state is an invalid
// transition.
func (g *Gate) Approve(ctx context.Context, id, reviewer string) error {
	return g.transition(ctx, id, pipeline.ReviewApproved, reviewer, "")
}

// Reject transitions a pending item to rejected with a reason.
func (g *Gate) Reject(ctx context.Context, id, reviewer, reason string) error {
	return g.transition(ctx, id, pipeline.ReviewRejected, reviewer, reason)
}

func (g *Gate) transition(ctx context.Context, id string, target pipeline.ReviewStatus, reviewer, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.items[id]
	if !ok {
		return fmt.Errorf("review item %s: %w", id, pipeline.ErrNotFound)
	}
	g.expireLocked(ctx, item)

	if item.Status.Terminal() {
		if item.Status == target {
			return nil
		}
		return fmt.Errorf("review item %s is %s: %w", id, item.Status, pipeline.ErrInvalidTransition)
	}

	// The store write happens before the item leaves Pending; a failed write
	// keeps the item pending so the caller can retry the transition.
	if err := g.store.UpdateReviewStatus(ctx, item.EntryID, target, reviewer); err != nil {
		return fmt.Errorf("update review status: %w", err)
	}
	item.Status = target
	item.Reviewer = reviewer
	item.Reason = reason
	telemetry.SetReviewQueueDepth(g.pendingCountLocked())
	g.logger.Info("review resolved",
		zap.String("review_id", id),
		zap.String("status", string(target)),
		zap.String("reviewer", reviewer),
	)
	return nil
}

// Get returns the item with expiry evaluated lazily.
func (g *Gate) Get(ctx context.Context, id string) (pipeline.ReviewItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	item, ok := g.items[id]
	if !ok {
		return pipeline.ReviewItem{}, fmt.Errorf("review item %s: %w", id, pipeline.ErrNotFound)
	}
	g.expireLocked(ctx, item)
	return *item, nil
}

// Pending lists items still awaiting review, oldest first, after lazily
// expiring overdue ones.
func (g *Gate) Pending(ctx context.Context) []pipeline.ReviewItem {
	g.mu.Lock()
	defer g.mu.Unlock()

	var pending []pipeline.ReviewItem
	for _, item := range g.items {
		g.expireLocked(ctx, item)
		if item.Status == pipeline.ReviewPending {
			pending = append(pending, *item)
		}
	}
	sortByCreation(pending)
	telemetry.SetReviewQueueDepth(len(pending))
	return pending
}

// SweepExpired proactively expires overdue pending items and returns how
// many were expired. Store-persisted pending entries the gate does not track
// (left over from a previous process) are swept as well.
func (g *Gate) SweepExpired(ctx context.Context) int {
	g.mu.Lock()
	expired := 0
	tracked := make(map[string]bool, len(g.items))
	for _, item := range g.items {
		tracked[item.EntryID] = true
		if item.Status == pipeline.ReviewPending && g.overdue(item) {
			g.expireLocked(ctx, item)
			if item.Status == pipeline.ReviewExpired {
				expired++
			}
		}
	}
	telemetry.SetReviewQueueDepth(g.pendingCountLocked())
	cutoff := g.clock.Now().Add(-g.cfg.TTL)
	g.mu.Unlock()

	stored, err := g.store.ListPending(ctx, &cutoff)
	if err != nil {
		g.logger.Error("list pending for sweep failed", zap.Error(err))
		return expired
	}
	for _, item := range stored {
		if tracked[item.EntryID] {
			continue
		}
		if err := g.store.UpdateReviewStatus(ctx, item.EntryID, pipeline.ReviewExpired, ""); err != nil {
			g.logger.Error("expiry status update failed",
				zap.String("entry_id", item.EntryID),
				zap.Error(err),
			)
			continue
		}
		g.logger.Warn("stored review entry expired, treated as approved",
			zap.String("entry_id", item.EntryID),
		)
		expired++
	}
	return expired
}

// expireLocked applies the timer-driven transition. Expired items count as
// approved for downstream storage, so the store status is updated too.
func (g *Gate) expireLocked(ctx context.Context, item *pipeline.ReviewItem) {
	if item.Status != pipeline.ReviewPending || !g.overdue(item) {
		return
	}
	if err := g.store.UpdateReviewStatus(ctx, item.EntryID, pipeline.ReviewExpired, ""); err != nil {
		// Still pending; the next read or sweep retries the expiry.
		g.logger.Error("expiry status update failed",
			zap.String("review_id", item.ID),
			zap.Error(err),
		)
		return
	}
	item.Status = pipeline.ReviewExpired
	g.logger.Warn("review item expired, treated as approved",
		zap.String("review_id", item.ID),
		zap.String("entry_id", item.EntryID),
	)
}

func (g *Gate) overdue(item *pipeline.ReviewItem) bool {
	return g.clock.Now().Sub(item.CreatedAt) > g.cfg.TTL
}

func (g *Gate) pendingCountLocked() int {
	count := 0
	for _, item := range g.items {
		if item.Status == pipeline.ReviewPending {
			count++
		}
	}
	return count
}

func sortByCreation(items []pipeline.ReviewItem) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
