package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openbib/recsync/pkg/recsync/store"
)

// Store is an in-memory implementation of store.Store for tests.
type Store struct {
	mu         sync.RWMutex
	records    map[string]store.Record
	state      map[string]time.Time
	locations  map[string][]store.Location
	aggregates map[string]map[string]int64

	// FailAggregate forces BuildDedupAggregate to fail, for abort tests.
	FailAggregate error
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records:    make(map[string]store.Record),
		state:      make(map[string]time.Time),
		locations:  make(map[string][]store.Location),
		aggregates: make(map[string]map[string]int64),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// UpsertRecord inserts or replaces a record.
func (s *Store) UpsertRecord(ctx context.Context, r store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	return nil
}

// AddLocation adds a geocoding entry.
func (s *Store) AddLocation(l store.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.Place] = append(s.locations[l.Place], l)
}

// Records returns a cursor over matching records ordered by update instant.
func (s *Store) Records(ctx context.Context, q store.RecordQuery) (store.RecordCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []store.Record
	for _, r := range s.records {
		if q.Matches(r) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Updated.Equal(matched[j].Updated) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Updated.Before(matched[j].Updated)
	})
	return &sliceCursor{records: matched}, nil
}

// CountRecords counts matching records.
func (s *Store) CountRecords(ctx context.Context, q store.RecordQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, r := range s.records {
		if q.Matches(r) {
			count++
		}
	}
	return count, nil
}

// GetRecord retrieves a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (store.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	return r, ok, nil
}

// LatestUpdate returns the update instant of the newest record.
func (s *Store) LatestUpdate(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for _, r := range s.records {
		if r.Updated.After(latest) {
			latest = r.Updated
		}
	}
	return latest, nil
}

// BuildDedupAggregate groups matching records by dedup key.
func (s *Store) BuildDedupAggregate(ctx context.Context, name string, q store.RecordQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAggregate != nil {
		return s.FailAggregate
	}

	agg := make(map[string]int64)
	for _, r := range s.records {
		if q.Matches(r) {
			agg[r.DedupKey]++
		}
	}
	s.aggregates[name] = agg
	return nil
}

// HasAggregate reports whether a named aggregate exists.
func (s *Store) HasAggregate(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.aggregates[name]
	return ok, nil
}

// ListAggregates lists every dedup aggregate.
func (s *Store) ListAggregates(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for name := range s.aggregates {
		if strings.HasPrefix(name, "mr_record_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DropAggregate removes a dedup aggregate.
func (s *Store) DropAggregate(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.aggregates, name)
	return nil
}

// DedupKeys returns a cursor over an aggregate's keys.
func (s *Store) DedupKeys(ctx context.Context, name string) (store.KeyCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := s.aggregates[name]
	keys := make([]string, 0, len(agg))
	for k := range agg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	counts := make([]int64, len(keys))
	for i, k := range keys {
		counts[i] = agg[k]
	}
	return &keySliceCursor{keys: keys, counts: counts}, nil
}

// ReadState reads a watermark instant.
func (s *Store) ReadState(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.state[key]
	return t, ok, nil
}

// WriteState upserts a watermark instant.
func (s *Store) WriteState(ctx context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state[key] = t
	return nil
}

// LookupLocations returns geocoding entries ordered by importance.
func (s *Store) LookupLocations(ctx context.Context, place string) ([]store.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := append([]store.Location(nil), s.locations[place]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Importance < entries[j].Importance
	})
	return entries, nil
}

type sliceCursor struct {
	records []store.Record
	pos     int
}

func (c *sliceCursor) Next() bool {
	if c.pos >= len(c.records) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Record() store.Record { return c.records[c.pos-1] }
func (c *sliceCursor) Err() error           { return nil }
func (c *sliceCursor) Close() error         { return nil }

type keySliceCursor struct {
	keys   []string
	counts []int64
	pos    int
}

func (c *keySliceCursor) Next() bool {
	if c.pos >= len(c.keys) {
		return false
	}
	c.pos++
	return true
}

func (c *keySliceCursor) Key() string  { return c.keys[c.pos-1] }
func (c *keySliceCursor) Count() int64 { return c.counts[c.pos-1] }
func (c *keySliceCursor) Err() error   { return nil }
func (c *keySliceCursor) Close() error { return nil }
