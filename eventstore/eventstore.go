// Package eventstore keeps a bounded, time-indexed history of recent
// actions per identifier. The rate limiter and the indicator extractors
// read from it; only the engine appends.
package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

const (
	DefaultRetention       = 24 * time.Hour
	maxEventsPerIdentifier = 1000
)

type Store interface {
	// Append records ev. Within one identifier, history stays
	// timestamp-monotonic: an event older than the newest stored one is
	// stamped with the newest timestamp instead of being reordered.
	Append(ctx context.Context, ev models.ActionEvent) (models.ActionEvent, error)
	// Recent returns the identifier's events at or after since, oldest first.
	Recent(ctx context.Context, identifier string, since time.Time) ([]models.ActionEvent, error)
	// Since returns every identifier's events at or after since.
	Since(ctx context.Context, since time.Time) ([]models.ActionEvent, error)
	// Evict drops events older than before and reports how many went.
	Evict(ctx context.Context, before time.Time) (int, error)
}

type series struct {
	mu     sync.Mutex
	events []models.ActionEvent
	// evicted marks a series already removed from the map; writers that
	// raced the eviction must look the identifier up again.
	evicted bool
}

// MemoryStore is the in-process Store. Writers to different identifiers
// never contend; each identifier's list has its own lock.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string]*series
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[string]*series)}
}

func (s *MemoryStore) get(identifier string, create bool) *series {
	s.mu.RLock()
	sr, ok := s.series[identifier]
	s.mu.RUnlock()
	if ok || !create {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[identifier]; !ok {
		sr = &series{}
		s.series[identifier] = sr
	}
	return sr
}

func (s *MemoryStore) Append(ctx context.Context, ev models.ActionEvent) (models.ActionEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	var sr *series
	for {
		sr = s.get(ev.Identifier, true)
		sr.mu.Lock()
		if !sr.evicted {
			break
		}
		sr.mu.Unlock()
	}
	defer sr.mu.Unlock()

	if n := len(sr.events); n > 0 && ev.Timestamp.Before(sr.events[n-1].Timestamp) {
		ev.Timestamp = sr.events[n-1].Timestamp
	}
	sr.events = append(sr.events, ev)
	if len(sr.events) > maxEventsPerIdentifier {
		sr.events = append([]models.ActionEvent(nil), sr.events[len(sr.events)-maxEventsPerIdentifier:]...)
	}
	return ev, nil
}

func (s *MemoryStore) Recent(ctx context.Context, identifier string, since time.Time) ([]models.ActionEvent, error) {
	sr := s.get(identifier, false)
	if sr == nil {
		return nil, nil
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	i := sort.Search(len(sr.events), func(i int) bool {
		return !sr.events[i].Timestamp.Before(since)
	})
	out := make([]models.ActionEvent, len(sr.events)-i)
	copy(out, sr.events[i:])
	return out, nil
}

func (s *MemoryStore) Since(ctx context.Context, since time.Time) ([]models.ActionEvent, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var out []models.ActionEvent
	for _, id := range ids {
		evs, err := s.Recent(ctx, id, since)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) Evict(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sr := range s.series {
		sr.mu.Lock()
		i := sort.Search(len(sr.events), func(i int) bool {
			return !sr.events[i].Timestamp.Before(before)
		})
		removed += i
		if i == len(sr.events) {
			sr.evicted = true
			delete(s.series, id)
		} else if i > 0 {
			sr.events = append([]models.ActionEvent(nil), sr.events[i:]...)
		}
		sr.mu.Unlock()
	}
	return removed, nil
}
