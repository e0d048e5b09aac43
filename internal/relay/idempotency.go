package relay

import (
	"sync"
	"time"
)

const (
	// idempotencyRetention is how long a key→publish_id record satisfies
	// duplicate lookups.
	idempotencyRetention = 6 * time.Hour

	idempotencySweepEvery = 30 * time.Minute
)

type publishRecord struct {
	publishID  string
	recordedAt time.Time
}

// IdempotencyStore maps idempotency keys to publish ids so a retried post
// returns the original id instead of publishing twice. Records expire after
// a fixed retention window; a background sweeper purges them.
type IdempotencyStore struct {
	mu        sync.Mutex
	records   map[string]publishRecord
	retention time.Duration
	now       func() time.Time
	done      chan struct{}
	stop      sync.Once
}

// NewIdempotencyStore returns a store with the default retention window and
// starts its sweeper. Call Close to stop the sweeper.
func NewIdempotencyStore() *IdempotencyStore {
	s := &IdempotencyStore{
		records:   make(map[string]publishRecord),
		retention: idempotencyRetention,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	go s.sweepLoop(idempotencySweepEvery)
	return s
}

// Lookup returns the publish id recorded for key, if any unexpired record
// exists. Expired records are treated as absent even before the sweeper runs.
func (s *IdempotencyStore) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return "", false
	}
	if s.now().Sub(rec.recordedAt) > s.retention {
		delete(s.records, key)
		return "", false
	}
	return rec.publishID, true
}

// Record stores key→publishID. A key is written at most once; later calls
// with the same key are ignored so the first recorded id always wins.
func (s *IdempotencyStore) Record(key, publishID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return
	}
	s.records[key] = publishRecord{publishID: publishID, recordedAt: s.now()}
}

// Close stops the background sweeper. Safe to call more than once.
func (s *IdempotencyStore) Close() {
	s.stop.Do(func() { close(s.done) })
}

func (s *IdempotencyStore) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *IdempotencyStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	for key, rec := range s.records {
		if rec.recordedAt.Before(cutoff) {
			delete(s.records, key)
		}
	}
}
