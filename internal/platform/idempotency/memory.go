package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps claims in process. Expired entries are overwritten on the next claim.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}}
}

func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := documentID(key)
	existing, found := s.entries[id]
	outcome, err := decide(existing, found, fingerprint, now)
	if err != nil {
		return 0, Entry{}, err
	}
	if outcome == OutcomeClaimed {
		existing = Entry{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
		s.entries[id] = existing
	}
	return outcome, existing, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[documentID(key)] = entry
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, documentID(key))
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = len(s.entries)
	}
	removed := 0
	for id, entry := range s.entries {
		if removed >= limit {
			break
		}
		if entry.expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
