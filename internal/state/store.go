// Package state keeps the per subject-role continuation point that makes runs incremental.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/model"
)

// Backend persists continuation points
type Backend interface {
	Load() (map[model.SubjectRole]time.Time, error)
	Save(role model.SubjectRole, cursor time.Time) error
	Delete(role model.SubjectRole) error
	Close() error
}

// DefaultCursor is the first instant of the month containing now, in UTC
func DefaultCursor(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Store holds the cursors of a run in memory and writes them through a backend
type Store struct {
	backend Backend
	now     func() time.Time

	mu      sync.Mutex
	cursors map[model.SubjectRole]time.Time
}

// StoreOption configures a store
type StoreOption func(*Store)

// WithClock overrides the clock used for default cursors
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Open loads all cursors from the backend
func Open(backend Backend, opts ...StoreOption) (*Store, error) {
	s := &Store{
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	cursors, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if cursors == nil {
		cursors = make(map[model.SubjectRole]time.Time)
	}
	s.cursors = cursors
	return s, nil
}

// Get returns the stored cursor of role
func (s *Store) Get(role model.SubjectRole) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cursors[role]
	return t, ok
}

// Cursor returns the stored cursor of role, or the default when none is stored
func (s *Store) Cursor(role model.SubjectRole) time.Time {
	if t, ok := s.Get(role); ok {
		return t
	}
	return DefaultCursor(s.now())
}

// Advance moves the cursor of role to the point pkg implies. The cursor never
// moves backwards; a package without dates leaves it unchanged. It reports the
// resulting cursor and whether it changed. Call Save to persist.
func (s *Store) Advance(role model.SubjectRole, pkg *model.Package) (time.Time, bool) {
	current := s.Cursor(role)

	next, ok := pkg.NextCursor()
	if !ok {
		return current, false
	}
	next = next.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.cursors[role]; ok && !next.After(stored) {
		return stored, false
	}
	s.cursors[role] = next
	return next, true
}

// Save persists the in-memory cursor of role, if it has one
func (s *Store) Save(role model.SubjectRole) error {
	t, ok := s.Get(role)
	if !ok {
		return nil
	}
	return s.backend.Save(role, t)
}

// Set overrides the cursor of role and persists it, moving backwards if asked to
func (s *Store) Set(role model.SubjectRole, cursor time.Time) error {
	cursor = cursor.UTC()
	if err := s.backend.Save(role, cursor); err != nil {
		return err
	}
	s.mu.Lock()
	s.cursors[role] = cursor
	s.mu.Unlock()
	return nil
}

// Reset forgets the cursor of role so the next run starts from the default
func (s *Store) Reset(role model.SubjectRole) error {
	if err := s.backend.Delete(role); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cursors, role)
	s.mu.Unlock()
	return nil
}

// Entry is one stored cursor
type Entry struct {
	SubjectRole model.SubjectRole `json:"subjectRole"`
	Cursor      time.Time         `json:"cursor"`
}

// All returns the stored cursors ordered by role
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.cursors))
	for role, t := range s.cursors {
		out = append(out, Entry{SubjectRole: role, Cursor: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectRole < out[j].SubjectRole })
	return out
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

// Backend kinds
const (
	BackendJSON  = "json"
	BackendBBolt = "bbolt"
)

// NewBackend opens the backend of the given kind at path
func NewBackend(kind, path string) (Backend, error) {
	switch kind {
	case "", BackendJSON:
		return NewJSONFile(path), nil
	case BackendBBolt:
		return OpenBolt(path, nil)
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}
}
