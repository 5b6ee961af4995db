package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"

	"github.com/openbib/recsync/pkg/recsync/store"
)

// Dedup aggregate tables share this prefix so stale ones can be listed
// and dropped between passes.
const aggregatePrefix = "mr_record_"

// Store implements the record store interface using SQLite.
type Store struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite-backed record store with WAL mode enabled.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS record (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	format TEXT,
	oai_id TEXT,
	linking_id TEXT,
	host_record_id TEXT,
	dedup_key TEXT,
	key TEXT,
	created TEXT,
	updated TEXT,
	date TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	update_needed INTEGER NOT NULL DEFAULT 0,
	payload BLOB
);

CREATE INDEX IF NOT EXISTS idx_record_source_updated ON record(source_id, updated);
CREATE INDEX IF NOT EXISTS idx_record_updated ON record(updated);
CREATE INDEX IF NOT EXISTS idx_record_dedup_key ON record(dedup_key);
CREATE INDEX IF NOT EXISTS idx_record_host ON record(source_id, host_record_id);
CREATE INDEX IF NOT EXISTS idx_record_linking ON record(source_id, linking_id);

CREATE TABLE IF NOT EXISTS state (
	id TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS location (
	place TEXT NOT NULL,
	lon REAL NOT NULL,
	lat REAL NOT NULL,
	importance INTEGER NOT NULL DEFAULT 999
);

CREATE INDEX IF NOT EXISTS idx_location_place ON location(place, importance);
`

	_, err := db.ExecContext(ctx, schema)
	return err
}

// UpsertRecord inserts or replaces a record. Payloads are stored
// snappy-compressed.
func (s *Store) UpsertRecord(ctx context.Context, r store.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO record (id, source_id, format, oai_id, linking_id, host_record_id,
	dedup_key, key, created, updated, date, deleted, update_needed, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	source_id=excluded.source_id,
	format=excluded.format,
	oai_id=excluded.oai_id,
	linking_id=excluded.linking_id,
	host_record_id=excluded.host_record_id,
	dedup_key=excluded.dedup_key,
	key=excluded.key,
	created=excluded.created,
	updated=excluded.updated,
	date=excluded.date,
	deleted=excluded.deleted,
	update_needed=excluded.update_needed,
	payload=excluded.payload;
`,
		r.ID, r.SourceID, r.Format, r.OAIID, r.LinkingID, r.HostRecordID,
		r.DedupKey, r.Key,
		formatInstant(r.Created), formatInstant(r.Updated), formatInstant(r.Date),
		boolInt(r.Deleted), boolInt(r.UpdateNeeded),
		snappy.Encode(nil, r.Payload),
	)
	return err
}

// UpsertLocation adds a geocoding entry.
func (s *Store) UpsertLocation(ctx context.Context, l store.Location) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO location (place, lon, lat, importance) VALUES (?, ?, ?, ?);
`, l.Place, l.Lon, l.Lat, l.Importance)
	return err
}

const recordColumns = `id, source_id, format, oai_id, linking_id, host_record_id,
	dedup_key, key, created, updated, date, deleted, update_needed, payload`

// whereClause translates a RecordQuery to SQL. An empty query selects
// every record.
func whereClause(q store.RecordQuery) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if q.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, q.ID)
	} else if q.SkipUpdateNeeded {
		// A targeted id lookup ignores the update_needed flag.
		conds = append(conds, "update_needed = 0")
	}
	if q.SourceID != "" {
		conds = append(conds, "source_id = ?")
		args = append(args, q.SourceID)
	}
	if q.DedupKey != "" {
		conds = append(conds, "dedup_key = ?")
		args = append(args, q.DedupKey)
	}
	if q.HostRecordID != "" {
		conds = append(conds, "host_record_id = ?")
		args = append(args, q.HostRecordID)
	}
	if q.LinkingID != "" {
		conds = append(conds, "linking_id = ?")
		args = append(args, q.LinkingID)
	}
	if q.HasDedupKey != nil {
		if *q.HasDedupKey {
			conds = append(conds, "dedup_key IS NOT NULL AND dedup_key != ''")
		} else {
			conds = append(conds, "(dedup_key IS NULL OR dedup_key = '')")
		}
	}
	if !q.UpdatedSince.IsZero() {
		conds = append(conds, "updated >= ?")
		args = append(args, formatInstant(q.UpdatedSince))
	}
	if q.ExcludeDeleted {
		conds = append(conds, "deleted = 0")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Records returns a cursor over matching records ordered by update instant.
func (s *Store) Records(ctx context.Context, q store.RecordQuery) (store.RecordCursor, error) {
	where, args := whereClause(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM record`+where+` ORDER BY updated;`, args...)
	if err != nil {
		return nil, err
	}
	return &recordCursor{rows: rows}, nil
}

// CountRecords counts matching records.
func (s *Store) CountRecords(ctx context.Context, q store.RecordQuery) (int64, error) {
	where, args := whereClause(q)
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM record`+where+`;`, args...).Scan(&count)
	return count, err
}

// GetRecord retrieves a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (store.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM record WHERE id = ?;`, id)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, err
	}
	return rec, true, nil
}

// LatestUpdate returns the update instant of the newest record.
func (s *Store) LatestUpdate(ctx context.Context) (time.Time, error) {
	var updated sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(updated) FROM record;`).Scan(&updated)
	if err != nil {
		return time.Time{}, err
	}
	if !updated.Valid || updated.String == "" {
		return time.Time{}, nil
	}
	return parseInstant(updated.String), nil
}

// BuildDedupAggregate groups matching records by dedup key into a named
// table of (dedup_key, member count). Any previous content is replaced.
func (s *Store) BuildDedupAggregate(ctx context.Context, name string, q store.RecordQuery) error {
	if err := validAggregateName(name); err != nil {
		return err
	}
	where, args := whereClause(q)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS "`+name+`";`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
CREATE TABLE "`+name+`" (
	dedup_key TEXT PRIMARY KEY,
	members INTEGER NOT NULL
);`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO "`+name+`" (dedup_key, members)
SELECT dedup_key, COUNT(*) FROM record`+where+`
GROUP BY dedup_key;`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// HasAggregate reports whether a named aggregate table exists.
func (s *Store) HasAggregate(ctx context.Context, name string) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?;`, name).Scan(&count)
	return count > 0, err
}

// ListAggregates lists every dedup aggregate table.
func (s *Store) ListAggregates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name LIKE ? ORDER BY name;`,
		aggregatePrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropAggregate removes a dedup aggregate table.
func (s *Store) DropAggregate(ctx context.Context, name string) error {
	if err := validAggregateName(name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS "`+name+`";`)
	return err
}

// DedupKeys returns a cursor over an aggregate's keys.
func (s *Store) DedupKeys(ctx context.Context, name string) (store.KeyCursor, error) {
	if err := validAggregateName(name); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT dedup_key, members FROM "`+name+`" ORDER BY dedup_key;`)
	if err != nil {
		return nil, err
	}
	return &keyCursor{rows: rows}, nil
}

// ReadState reads a watermark instant.
func (s *Store) ReadState(ctx context.Context, key string) (time.Time, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE id = ?;`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseInstant(value), true, nil
}

// WriteState upserts a watermark instant.
func (s *Store) WriteState(ctx context.Context, key string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO state (id, value) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET value=excluded.value;
`, key, formatInstant(t))
	return err
}

// LookupLocations returns geocoding entries for a place ordered by
// importance ascending.
func (s *Store) LookupLocations(ctx context.Context, place string) ([]store.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT place, lon, lat, importance FROM location
WHERE place = ?
ORDER BY importance;
`, place)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []store.Location
	for rows.Next() {
		var l store.Location
		if err := rows.Scan(&l.Place, &l.Lon, &l.Lat, &l.Importance); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func validAggregateName(name string) error {
	if !strings.HasPrefix(name, aggregatePrefix) {
		return fmt.Errorf("invalid aggregate table name %q", name)
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return fmt.Errorf("invalid aggregate table name %q", name)
	}
	return nil
}

type recordCursor struct {
	rows *sql.Rows
	cur  store.Record
	err  error
}

func (c *recordCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	rec, err := scanRecord(c.rows.Scan)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = rec
	return true
}

func (c *recordCursor) Record() store.Record { return c.cur }

func (c *recordCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *recordCursor) Close() error { return c.rows.Close() }

type keyCursor struct {
	rows  *sql.Rows
	key   string
	count int64
	err   error
}

func (c *keyCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	if err := c.rows.Scan(&c.key, &c.count); err != nil {
		c.err = err
		return false
	}
	return true
}

func (c *keyCursor) Key() string  { return c.key }
func (c *keyCursor) Count() int64 { return c.count }

func (c *keyCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *keyCursor) Close() error { return c.rows.Close() }

func scanRecord(scan func(dest ...interface{}) error) (store.Record, error) {
	var (
		r                      store.Record
		created, updated, date sql.NullString
		deleted, updateNeeded  int
		payload                []byte
	)
	err := scan(&r.ID, &r.SourceID, &r.Format, &r.OAIID, &r.LinkingID,
		&r.HostRecordID, &r.DedupKey, &r.Key, &created, &updated, &date,
		&deleted, &updateNeeded, &payload)
	if err != nil {
		return store.Record{}, err
	}
	r.Created = parseInstant(created.String)
	r.Updated = parseInstant(updated.String)
	r.Date = parseInstant(date.String)
	r.Deleted = deleted != 0
	r.UpdateNeeded = updateNeeded != 0
	if len(payload) > 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return store.Record{}, fmt.Errorf("decode payload for %s: %w", r.ID, err)
		}
		r.Payload = decoded
	}
	return r, nil
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseInstant(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
