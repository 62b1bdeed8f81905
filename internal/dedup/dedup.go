// Package dedup tracks which invoice identifiers a run has already materialized.
package dedup

import (
	"sync"
)

// Verdict says what to do with an extracted document
type Verdict int

const (
	// New documents are written and reported
	New Verdict = iota
	// SeenInRun documents were already handled earlier in this run
	SeenInRun
	// OnDisk documents exist from a prior run; they are marked seen but not reported
	OnDisk
)

func (v Verdict) String() string {
	switch v {
	case New:
		return "new"
	case SeenInRun:
		return "seen"
	case OnDisk:
		return "on_disk"
	default:
		return "unknown"
	}
}

// Store answers whether a document name is already stored
type Store interface {
	Exists(name string) (bool, error)
}

// Deduplicator combines an in-memory seen-set with a destination existence check.
// Identity is the invoice identifier; the file name is only used for the disk check.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduplicator creates an empty deduplicator; one is shared by all subject-roles of a run
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Seen reports whether id was marked in this run
func (d *Deduplicator) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Mark records id as materialized
func (d *Deduplicator) Mark(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = struct{}{}
}

// Len returns the number of identifiers seen
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Classify decides the fate of document id stored under name. OnDisk marks id
// seen; New does not, the caller marks it after a successful write.
func (d *Deduplicator) Classify(id, name string, store Store) (Verdict, error) {
	if d.Seen(id) {
		return SeenInRun, nil
	}
	exists, err := store.Exists(name)
	if err != nil {
		return New, err
	}
	if exists {
		d.Mark(id)
		return OnDisk, nil
	}
	return New, nil
}
