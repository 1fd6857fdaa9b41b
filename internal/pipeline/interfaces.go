package pipeline

import (
	"context"
	"time"
)

// Store persists cleaned records and review state.
type Store interface {
	GetLastHash(ctx context.Context, sourceKey string) (string, error)
	SetLastHash(ctx context.Context, sourceKey string, hash string) error
	Put(ctx context.Context, record StructuredRecord, metrics QualityMetrics, reviewStatus ReviewStatus) (string, error)
	GetByID(ctx context.Context, entryID string) (StructuredRecord, error)
	// UpdateReviewStatus resolves a pending entry. Repeating the same
	// resolution is a no-op; any other change to a resolved entry is
	// ErrInvalidTransition.
	UpdateReviewStatus(ctx context.Context, entryID string, status ReviewStatus, reviewer string) error
	ListPending(ctx context.Context, olderThan *time.Time) ([]ReviewItem, error)
}

// BlobStore archives raw payload bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves one source's payload, retrying internally.
type Fetcher interface {
	Fetch(ctx context.Context, source Source) (RawPayload, error)
}

// Extractor is the external entity-extraction capability. Implementations
// must be side-effect free; an absent capability returns an empty list.
type Extractor interface {
	Extract(text string) []Entity
}

// Limiter throttles outbound fetches per key.
type Limiter interface {
	Acquire(ctx context.Context, key string) error
}

// Hasher computes content fingerprints for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces review item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
