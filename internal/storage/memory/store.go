// Package memory provides an in-memory Store for development and testing.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarrydata/quarry/internal/pipeline"
)

type entry struct {
	record   pipeline.StructuredRecord
	metrics  pipeline.QualityMetrics
	status   pipeline.ReviewStatus
	reviewer string
	storedAt time.Time
}

// Store keeps records, hashes and review statuses in maps guarded by a
// read-write mutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	hashes  map[string]string
	idGen   pipeline.IDGenerator
	clock   pipeline.Clock
}

// New constructs a Store.
func New(idGen pipeline.IDGenerator, clock pipeline.Clock) *Store {
	return &Store{
		entries: make(map[string]entry),
		hashes:  make(map[string]string),
		idGen:   idGen,
		clock:   clock,
	}
}

// GetLastHash returns the last committed hash for the source, empty when the
// source has never been processed.
func (s *Store) GetLastHash(_ context.Context, sourceKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hashes[sourceKey], nil
}

// SetLastHash commits the hash for the source.
func (s *Store) SetLastHash(_ context.Context, sourceKey string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[sourceKey] = hash
	return nil
}

// Put stores the record atomically and returns its unique entry ID.
func (s *Store) Put(_ context.Context, record pipeline.StructuredRecord, metrics pipeline.QualityMetrics, reviewStatus pipeline.ReviewStatus) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("new entry id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry{
		record:   record,
		metrics:  metrics,
		status:   reviewStatus,
		storedAt: s.clock.Now(),
	}
	return id, nil
}

// GetByID fetches a stored record.
func (s *Store) GetByID(_ context.Context, entryID string) (pipeline.StructuredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	if !ok {
		return pipeline.StructuredRecord{}, fmt.Errorf("entry %s: %w", entryID, pipeline.ErrNotFound)
	}
	return e.record, nil
}

// UpdateReviewStatus resolves a pending entry. Repeating the same resolution
// is a no-op; resolving an entry that already left pending with a different
// status is an invalid transition.
func (s *Store) UpdateReviewStatus(_ context.Context, entryID string, status pipeline.ReviewStatus, reviewer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %s: %w", entryID, pipeline.ErrNotFound)
	}
	if e.status == status {
		return nil
	}
	if e.status != pipeline.ReviewPending {
		return fmt.Errorf("entry %s is %s: %w", entryID, e.status, pipeline.ErrInvalidTransition)
	}
	e.status = status
	e.reviewer = reviewer
	s.entries[entryID] = e
	return nil
}

// ListPending returns review items for entries still pending, optionally
// restricted to those stored before olderThan.
func (s *Store) ListPending(_ context.Context, olderThan *time.Time) ([]pipeline.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []pipeline.ReviewItem
	for id, e := range s.entries {
		if e.status != pipeline.ReviewPending {
			continue
		}
		if olderThan != nil && !e.storedAt.Before(*olderThan) {
			continue
		}
		items = append(items, pipeline.ReviewItem{
			ID:        id,
			EntryID:   id,
			Metrics:   e.metrics,
			CreatedAt: e.storedAt,
			Status:    e.status,
		})
	}
	return items, nil
}

// ReviewStatusOf reports the stored review status (test helper).
func (s *Store) ReviewStatusOf(entryID string) (pipeline.ReviewStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	return e.status, ok
}

// Len reports the number of stored entries (test helper).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
