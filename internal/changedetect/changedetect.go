// Package changedetect decides whether a source's payload changed since the
// last run, keyed by a content fingerprint.
package changedetect

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/quarrydata/quarry/internal/pipeline"
)

// Hasher computes SHA-256 fingerprints over normalized payload bytes.
type Hasher struct{}

// NewHasher returns a SHA-256 hasher.
func NewHasher() *Hasher {
	return &Hasher{}
}

// Hash normalizes line endings and surrounding whitespace, then returns the
// hex digest. Identical logical content hashes identically.
func (h *Hasher) Hash(data []byte) (string, error) {
	normalized := bytes.TrimSpace(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n")))
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// Detector compares fingerprints against the store's last-seen hash. The new
// hash is committed only after downstream processing succeeds, so a failed
// run reprocesses the same content next time.
type Detector struct {
	store pipeline.Store
}

// New creates a Detector backed by the given store.
func New(store pipeline.Store) *Detector {
	return &Detector{store: store}
}

// ShouldProcess reports whether the payload is new or changed. Equal hashes
// mean skip.
func (d *Detector) ShouldProcess(ctx context.Context, source pipeline.Source, newHash string) (bool, error) {
	last, err := d.store.GetLastHash(ctx, source.Key())
	if err != nil {
		return false, fmt.Errorf("get last hash: %w", err)
	}
	return last == "" || last != newHash, nil
}

// Commit records the hash as the source's last processed fingerprint. Call
// only after the run's records are durably stored.
func (d *Detector) Commit(ctx context.Context, source pipeline.Source, hash string) error {
	if err := d.store.SetLastHash(ctx, source.Key(), hash); err != nil {
		return fmt.Errorf("commit hash: %w", err)
	}
	return nil
}
