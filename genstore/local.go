package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type counter struct {
	value   uint64
	touched time.Time
}

// LocalGenStore keeps counters in-process. With a cleanup interval it
// periodically forgets scope counters older than the retention.
type LocalGenStore struct {
	clock     clockwork.Clock
	retention time.Duration

	mu       sync.RWMutex
	counters map[string]counter

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	return NewLocalGenStoreWithClock(clockwork.NewRealClock(), cleanupInterval, retention)
}

// NewLocalGenStoreWithClock ages counters and schedules cleanup on clock.
// Cleanup only runs when both cleanupInterval and retention are positive.
func NewLocalGenStoreWithClock(clock clockwork.Clock, cleanupInterval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{
		clock:     clock,
		retention: retention,
		counters:  make(map[string]counter),
	}
	if cleanupInterval > 0 && retention > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.pruneLoop(clock.NewTicker(cleanupInterval))
	}
	return s
}

func (s *LocalGenStore) pruneLoop(t clockwork.Ticker) {
	defer close(s.done)
	defer t.Stop()
	for {
		select {
		case <-t.Chan():
			s.Cleanup(s.retention)
		case <-s.stop:
			return
		}
	}
}

func (s *LocalGenStore) Snapshot(_ context.Context, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[key].value, nil
}

func (s *LocalGenStore) SnapshotMany(_ context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		out[k] = s.counters[k].value
	}
	return out, nil
}

func (s *LocalGenStore) Bump(_ context.Context, key string) (uint64, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[key]
	c.value++
	c.touched = now
	s.counters[key] = c
	return c.value, nil
}

// Cleanup forgets scope counters not bumped within retention. A forgotten
// scope reads as 0 again; the coordinator never lets a scope's in-memory
// generation go backwards, so old payloads stay invalid.
func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.counters {
		if !IsEpochKey(k) && c.touched.Before(cutoff) {
			delete(s.counters, k)
		}
	}
}

func (s *LocalGenStore) Close(context.Context) error {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
	})
	return nil
}
