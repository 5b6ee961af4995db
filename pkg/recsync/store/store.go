package store

import (
	"context"
	"time"
)

// Record is a stored bibliographic record together with the linkage and
// bookkeeping attributes the pipeline consumes.
type Record struct {
	ID           string
	SourceID     string
	Format       string
	OAIID        string
	LinkingID    string
	HostRecordID string
	DedupKey     string
	Key          string
	Created      time.Time
	Updated      time.Time
	Date         time.Time
	Deleted      bool
	UpdateNeeded bool
	Payload      []byte
}

// RecordQuery selects records by equality on the indexed attributes,
// existence of the dedup key and a lower bound on the update instant.
// The zero query selects every record.
type RecordQuery struct {
	ID               string
	SourceID         string
	DedupKey         string
	HostRecordID     string
	LinkingID        string
	HasDedupKey      *bool
	UpdatedSince     time.Time
	ExcludeDeleted   bool
	SkipUpdateNeeded bool
}

// RecordCursor streams records from a query. Cursors must survive long
// traversals; implementations may not impose idle timeouts.
type RecordCursor interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// KeyCursor streams dedup keys from an aggregate table.
type KeyCursor interface {
	Next() bool
	Key() string
	Count() int64
	Err() error
	Close() error
}

// Location is a geocoding entry. Importance zero marks a definite match.
type Location struct {
	Place      string
	Lon        float64
	Lat        float64
	Importance int
}

// Store is the record store consumed by the indexing pipeline.
type Store interface {
	Close() error

	// Records returns a cursor over records matching the query,
	// ordered by update instant.
	Records(ctx context.Context, q RecordQuery) (RecordCursor, error)
	CountRecords(ctx context.Context, q RecordQuery) (int64, error)
	GetRecord(ctx context.Context, id string) (Record, bool, error)

	// LatestUpdate returns the update instant of the newest record.
	LatestUpdate(ctx context.Context) (time.Time, error)

	// Dedup aggregates: named tables of (dedup_key, member count) built
	// server-side from a record filter.
	BuildDedupAggregate(ctx context.Context, name string, q RecordQuery) error
	HasAggregate(ctx context.Context, name string) (bool, error)
	ListAggregates(ctx context.Context) ([]string, error)
	DropAggregate(ctx context.Context, name string) error
	DedupKeys(ctx context.Context, name string) (KeyCursor, error)

	// Watermark state.
	ReadState(ctx context.Context, key string) (time.Time, bool, error)
	WriteState(ctx context.Context, key string, t time.Time) error

	// LookupLocations returns geocoding entries for an uppercased place,
	// ordered by importance ascending.
	LookupLocations(ctx context.Context, place string) ([]Location, error)
}

// Matches reports whether a record satisfies the query. Shared by the
// in-memory store and by tests.
func (q RecordQuery) Matches(r Record) bool {
	if q.ID != "" && r.ID != q.ID {
		return false
	}
	// A targeted id lookup ignores the update_needed flag.
	if q.ID == "" && q.SkipUpdateNeeded && r.UpdateNeeded {
		return false
	}
	if q.SourceID != "" && r.SourceID != q.SourceID {
		return false
	}
	if q.DedupKey != "" && r.DedupKey != q.DedupKey {
		return false
	}
	if q.HostRecordID != "" && r.HostRecordID != q.HostRecordID {
		return false
	}
	if q.LinkingID != "" && r.LinkingID != q.LinkingID {
		return false
	}
	if q.HasDedupKey != nil {
		if *q.HasDedupKey != (r.DedupKey != "") {
			return false
		}
	}
	if !q.UpdatedSince.IsZero() && r.Updated.Before(q.UpdatedSince) {
		return false
	}
	if q.ExcludeDeleted && r.Deleted {
		return false
	}
	return true
}
