// Package memory provides in-process store implementations for tests and
// dev environments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/store"
)

// AccessEventStore is an in-memory append-only log of access decisions.
type AccessEventStore struct {
	mu     sync.Mutex
	events []store.AccessEventRecord
}

func NewAccessEventStore() *AccessEventStore {
	return &AccessEventStore{}
}

func (s *AccessEventStore) RecordEvent(_ context.Context, rec store.AccessEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = rec.DecidedAt
	}
	s.events = append(s.events, rec)
	return nil
}

func (s *AccessEventStore) ListRecent(_ context.Context, limit int) ([]store.AccessEventRecord, error) {
	limit = store.ClampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AccessEventRecord, 0, min(limit, len(s.events)))
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *AccessEventStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.DecidedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

// Events returns a copy of all recorded events.  Test-only helper.
func (s *AccessEventStore) Events() []store.AccessEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AccessEventRecord, len(s.events))
	copy(out, s.events)
	return out
}
