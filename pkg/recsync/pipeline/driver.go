// Package pipeline orchestrates the indexing passes: per-source
// individual records, dedup-group merging and residual cleanup, bounded
// by persisted watermarks.
package pipeline

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openbib/recsync/pkg/recsync/config"
	"github.com/openbib/recsync/pkg/recsync/merge"
	"github.com/openbib/recsync/pkg/recsync/metadata"
	"github.com/openbib/recsync/pkg/recsync/projector"
	"github.com/openbib/recsync/pkg/recsync/solr"
	"github.com/openbib/recsync/pkg/recsync/store"
)

// Watermark state keys.
const (
	stateKeyMerged       = "Last Index Update"
	stateKeySourcePrefix = "Last Index Update "
)

const progressInterval = 1000

// Options configures a Driver.
type Options struct {
	Config  *config.Config
	Store   store.Store
	Client  *solr.Client
	Factory metadata.Factory
	Logger  *slog.Logger
	Out     io.Writer
}

// Driver walks the record store and streams index updates to the
// search backend.
type Driver struct {
	cfg     *config.Config
	store   store.Store
	client  *solr.Client
	buffer  *solr.Buffer
	factory metadata.Factory
	logger  *slog.Logger
	out     io.Writer
	runID   string

	projectors map[string]*projector.Projector
	meter      *Meter
}

// New creates a Driver.
func New(opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	factory := opts.Factory
	if factory == nil {
		factory = metadata.NewFieldParser
	}
	return &Driver{
		cfg:    opts.Config,
		store:  opts.Store,
		client: opts.Client,
		buffer: solr.NewBuffer(opts.Client, solr.BufferOptions{
			MaxUpdateRecords: opts.Config.Solr.MaxUpdateRecords,
			MaxUpdateSize:    opts.Config.Solr.MaxUpdateSize * 1024,
			CommitInterval:   opts.Config.Solr.MaxCommitInterval,
		}),
		factory:    factory,
		logger:     logger,
		out:        out,
		runID:      ulid.Make().String(),
		projectors: make(map[string]*projector.Projector),
		meter:      NewMeter(),
	}
}

// UpdateIndividualRecords runs the per-source individual pass. A failure
// in one source is logged and the remaining sources still run; their
// watermarks advance independently.
func (d *Driver) UpdateIndividualRecords(ctx context.Context, fromDate, sourceID, singleID string, noCommit bool) error {
	written := false
	for _, src := range d.selectedSources(sourceID) {
		if err := d.updateSourceRecords(ctx, src, fromDate, singleID, noCommit, &written); err != nil {
			d.logger.Error("source indexing failed", "run", d.runID, "source", src, "error", err)
		}
	}

	if written && !noCommit {
		if err := d.client.Commit(ctx); err != nil {
			return err
		}
	}
	return d.client.Wait()
}

func (d *Driver) updateSourceRecords(ctx context.Context, src, fromDate, singleID string, noCommit bool, written *bool) error {
	start := time.Now()
	stateKey := stateKeySourcePrefix + src

	from, err := d.resolveFrom(ctx, fromDate, stateKey)
	if err != nil {
		return err
	}

	q := store.RecordQuery{SourceID: src, SkipUpdateNeeded: true, UpdatedSince: from}
	if singleID != "" {
		// Targeted lookups drop the update_needed and updated clauses
		// but stay bound to the source being indexed.
		q = store.RecordQuery{SourceID: src, ID: singleID}
	}

	if d.cfg.Database.Counts {
		if total, err := d.store.CountRecords(ctx, q); err == nil {
			d.logger.Info("indexing source", "run", d.runID, "source", src, "records", total)
		}
	}

	cursor, err := d.store.Records(ctx, q)
	if err != nil {
		return fmt.Errorf("open record cursor for %s: %w", src, err)
	}
	defer cursor.Close()

	proj, err := d.projectorFor(src)
	if err != nil {
		return err
	}

	counters := &Counters{}
	var seq int64
	for cursor.Next() {
		rec := cursor.Record()
		seq++

		if rec.Deleted {
			key := rec.Key
			if key == "" {
				key = rec.ID
			}
			if err := d.buffer.Delete(ctx, key); err != nil {
				return err
			}
			counters.Deleted++
			*written = true
		} else {
			doc, err := proj.Project(ctx, rec)
			if errors.Is(err, projector.ErrSkip) {
				continue
			}
			if err != nil {
				return err
			}
			if err := d.buffer.Add(ctx, doc, seq, noCommit); err != nil {
				return err
			}
			counters.Processed++
			*written = true
		}

		d.meter.Add(1)
		if seq%progressInterval == 0 {
			d.logger.Info("indexing progress", "run", d.runID, "source", src,
				"records", seq, "speed", d.meter.Speed())
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("record cursor for %s: %w", src, err)
	}

	if err := d.buffer.Flush(ctx); err != nil {
		return err
	}

	if singleID == "" {
		if err := d.store.WriteState(ctx, stateKey, start); err != nil {
			return fmt.Errorf("persist watermark for %s: %w", src, err)
		}
	}

	counters.MergedComponents = proj.MergedComponents()
	counters.Log(d.logger, "individual "+src, d.runID)
	return nil
}

// UpdateMergedRecords runs the dedup-group pass, the residual individual
// pass and the final commit.
func (d *Driver) UpdateMergedRecords(ctx context.Context, fromDate, sourceID, singleID string, noCommit, del bool) error {
	start := time.Now()
	srcFilter := sourceID
	if srcFilter == "*" {
		srcFilter = ""
	}

	from, err := d.resolveFrom(ctx, fromDate, stateKeyMerged)
	if err != nil {
		return err
	}

	counters := &Counters{}
	written := false

	// Phase A: dedup groups.
	if err := d.mergedGroupPass(ctx, from, fromDate, srcFilter, singleID, noCommit, del, counters, &written); err != nil {
		return err
	}

	// Phase B: residual individuals.
	if !del {
		if err := d.residualPass(ctx, from, srcFilter, singleID, noCommit, counters, &written); err != nil {
			return err
		}
	}

	// Phase C: finalize.
	if err := d.buffer.Flush(ctx); err != nil {
		return err
	}
	if singleID == "" {
		if err := d.store.WriteState(ctx, stateKeyMerged, start); err != nil {
			return fmt.Errorf("persist merged watermark: %w", err)
		}
	}
	if written && !noCommit {
		if err := d.client.Commit(ctx); err != nil {
			return err
		}
	}
	if err := d.client.Wait(); err != nil {
		return err
	}

	counters.Log(d.logger, "merged", d.runID)
	return nil
}

func (d *Driver) mergedGroupPass(ctx context.Context, from time.Time, fromDate, srcFilter, singleID string, noCommit, del bool, counters *Counters, written *bool) error {
	hasKey := true
	q := store.RecordQuery{
		HasDedupKey:      &hasKey,
		UpdatedSince:     from,
		SourceID:         srcFilter,
		SkipUpdateNeeded: !del,
	}

	var seq int64

	if singleID != "" {
		rec, found, err := d.store.GetRecord(ctx, singleID)
		if err != nil {
			return err
		}
		if !found || rec.DedupKey == "" {
			return nil
		}
		return d.processGroup(ctx, rec.DedupKey, srcFilter, noCommit, del, counters, written, &seq)
	}

	latest, err := d.store.LatestUpdate(ctx)
	if err != nil {
		return fmt.Errorf("resolve newest record: %w", err)
	}
	name := aggregateName(q, fromDate, latest)

	// Garbage-collect aggregates left over from passes with a different
	// filter or store freshness.
	existing, err := d.store.ListAggregates(ctx)
	if err != nil {
		return err
	}
	for _, agg := range existing {
		if agg == name {
			continue
		}
		d.logger.Info("dropping stale dedup aggregate", "run", d.runID, "table", agg)
		if err := d.store.DropAggregate(ctx, agg); err != nil {
			return err
		}
	}

	ok, err := d.store.HasAggregate(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		if err := d.store.BuildDedupAggregate(ctx, name, q); err != nil {
			d.logger.Error("dedup aggregation failed", "run", d.runID, "table", name, "error", err)
			return fmt.Errorf("build dedup aggregate: %w", err)
		}
	}

	keys, err := d.store.DedupKeys(ctx, name)
	if err != nil {
		return err
	}
	defer keys.Close()

	for keys.Next() {
		if err := d.processGroup(ctx, keys.Key(), srcFilter, noCommit, del, counters, written, &seq); err != nil {
			return err
		}
	}
	if err := keys.Err(); err != nil {
		return err
	}

	return d.buffer.Flush(ctx)
}

type groupChild struct {
	rec store.Record
	doc map[string]interface{}
}

func (d *Driver) processGroup(ctx context.Context, dedupKey, srcFilter string, noCommit, del bool, counters *Counters, written *bool, seq *int64) error {
	cursor, err := d.store.Records(ctx, store.RecordQuery{DedupKey: dedupKey})
	if err != nil {
		return fmt.Errorf("fetch dedup group %s: %w", dedupKey, err)
	}
	defer cursor.Close()

	var children []groupChild
	for cursor.Next() {
		rec := cursor.Record()
		d.meter.Add(1)

		if rec.Deleted || (del && srcFilter != "" && rec.SourceID == srcFilter) {
			if err := d.buffer.Delete(ctx, rec.ID); err != nil {
				return err
			}
			counters.Deleted++
			*written = true
			continue
		}

		proj, err := d.projectorFor(rec.SourceID)
		if err != nil {
			return err
		}
		doc, err := proj.Project(ctx, rec)
		if errors.Is(err, projector.ErrSkip) {
			continue
		}
		if err != nil {
			return err
		}
		children = append(children, groupChild{rec: rec, doc: doc})
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("dedup group %s: %w", dedupKey, err)
	}

	mergedFields := d.cfg.MergedFieldSet()

	switch len(children) {
	case 0:
		d.logger.Warn("dedup group has no live members", "run", d.runID, "dedup_key", dedupKey)

	case 1:
		// A stale merged document may still carry this key.
		if err := d.buffer.Delete(ctx, dedupKey); err != nil {
			return err
		}
		if !del {
			d.logger.Warn("single record with a dedup key",
				"run", d.runID, "dedup_key", dedupKey, "record", children[0].rec.ID)
		}
		*seq++
		if err := d.buffer.Add(ctx, children[0].doc, *seq, noCommit); err != nil {
			return err
		}
		counters.Processed++
		*written = true

	default:
		var merged map[string]interface{}
		for _, child := range children {
			merged = merge.Merge(merged, child.doc, mergedFields)

			child.doc["merged_child_boolean"] = true
			*seq++
			if err := d.buffer.Add(ctx, child.doc, *seq, noCommit); err != nil {
				return err
			}
			counters.Processed++
			*written = true

			// The child's own former merged-representative id is
			// obsolete once it belongs to another group.
			if child.rec.Key != "" && child.rec.Key != child.rec.DedupKey {
				if err := d.buffer.Delete(ctx, child.rec.Key); err != nil {
					return err
				}
			}
		}

		merge.Finalize(merged, mergedFields)
		if len(merged) == 0 {
			if err := d.buffer.Delete(ctx, dedupKey); err != nil {
				return err
			}
			return nil
		}
		if _, ok := merged["allfields"]; !ok {
			d.logger.Warn("merged document missing allfields", "run", d.runID, "dedup_key", dedupKey)
		}
		merged["id"] = dedupKey
		merged["recordtype"] = "merged"
		merged["merged_boolean"] = true
		*seq++
		if err := d.buffer.Add(ctx, merged, *seq, noCommit); err != nil {
			return err
		}
		counters.MergedDocs++
		*written = true
	}
	return nil
}

func (d *Driver) residualPass(ctx context.Context, from time.Time, srcFilter, singleID string, noCommit bool, counters *Counters, written *bool) error {
	noKey := false
	q := store.RecordQuery{
		HasDedupKey:      &noKey,
		UpdatedSince:     from,
		SourceID:         srcFilter,
		SkipUpdateNeeded: true,
	}
	if singleID != "" {
		q = store.RecordQuery{SourceID: srcFilter, ID: singleID, HasDedupKey: &noKey}
	}

	cursor, err := d.store.Records(ctx, q)
	if err != nil {
		return fmt.Errorf("open residual cursor: %w", err)
	}
	defer cursor.Close()

	var seq int64
	for cursor.Next() {
		rec := cursor.Record()
		seq++
		d.meter.Add(1)

		if rec.Deleted {
			if err := d.buffer.Delete(ctx, rec.ID); err != nil {
				return err
			}
			counters.Deleted++
			*written = true
			if err := d.cleanupOrphanedMerged(ctx, rec); err != nil {
				return err
			}
			continue
		}

		if err := d.cleanupOrphanedMerged(ctx, rec); err != nil {
			return err
		}

		proj, err := d.projectorFor(rec.SourceID)
		if err != nil {
			return err
		}
		doc, err := proj.Project(ctx, rec)
		if errors.Is(err, projector.ErrSkip) {
			continue
		}
		if err != nil {
			return err
		}
		if err := d.buffer.Add(ctx, doc, seq, noCommit); err != nil {
			return err
		}
		counters.Processed++
		*written = true
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("residual cursor: %w", err)
	}

	return d.buffer.Flush(ctx)
}

// cleanupOrphanedMerged removes a merged document whose key no longer
// has any live dedup-group member.
func (d *Driver) cleanupOrphanedMerged(ctx context.Context, rec store.Record) error {
	if rec.Key == "" {
		return nil
	}
	count, err := d.store.CountRecords(ctx, store.RecordQuery{
		DedupKey:       rec.Key,
		ExcludeDeleted: true,
	})
	if err != nil {
		return err
	}
	if count == 0 {
		return d.buffer.Delete(ctx, rec.Key)
	}
	return nil
}

// DeleteDataSource removes every document of a source from the index.
func (d *Driver) DeleteDataSource(ctx context.Context, sourceID string) error {
	if err := d.client.DeleteByQuery(ctx, "id:"+sourceID+".*"); err != nil {
		return err
	}
	return d.client.CommitLong(ctx)
}

// OptimizeIndex issues an optimize request.
func (d *Driver) OptimizeIndex(ctx context.Context) error {
	return d.client.Optimize(ctx)
}

// CountValues tallies the values of one projected field across a
// source's live records and prints them sorted by descending count. No
// backend calls are made.
func (d *Driver) CountValues(ctx context.Context, sourceID, field string) error {
	cursor, err := d.store.Records(ctx, store.RecordQuery{
		SourceID:         sourceID,
		ExcludeDeleted:   true,
		SkipUpdateNeeded: true,
	})
	if err != nil {
		return err
	}
	defer cursor.Close()

	proj, err := d.projectorFor(sourceID)
	if err != nil {
		return err
	}

	tally := make(map[string]int64)
	for cursor.Next() {
		doc, err := proj.Project(ctx, cursor.Record())
		if errors.Is(err, projector.ErrSkip) {
			continue
		}
		if err != nil {
			return err
		}
		for _, v := range valueStrings(doc[field]) {
			tally[v]++
		}
	}
	if err := cursor.Err(); err != nil {
		return err
	}

	type entry struct {
		value string
		count int64
	}
	entries := make([]entry, 0, len(tally))
	for v, c := range tally {
		entries = append(entries, entry{value: v, count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count == entries[j].count {
			return entries[i].value < entries[j].value
		}
		return entries[i].count > entries[j].count
	})
	for _, e := range entries {
		fmt.Fprintf(d.out, "%s: %d\n", e.value, e.count)
	}
	return nil
}

func (d *Driver) projectorFor(sourceID string) (*projector.Projector, error) {
	if proj, ok := d.projectors[sourceID]; ok {
		return proj, nil
	}
	proj, err := projector.New(d.cfg, sourceID, d.store, d.factory, d.logger)
	if err != nil {
		return nil, err
	}
	d.projectors[sourceID] = proj
	return proj, nil
}

// selectedSources returns the configured source ids filtered by an
// optional selector, sorted for a stable pass order.
func (d *Driver) selectedSources(sourceID string) []string {
	var out []string
	for id := range d.cfg.Sources {
		if sourceID != "" && sourceID != "*" && sourceID != id {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// resolveFrom computes a pass's incremental window start: an explicit
// date wins, then the persisted watermark, else unbounded.
func (d *Driver) resolveFrom(ctx context.Context, fromDate, stateKey string) (time.Time, error) {
	if fromDate != "" {
		t, err := parseFromDate(fromDate)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	}
	t, ok, err := d.store.ReadState(ctx, stateKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark %q: %w", stateKey, err)
	}
	if !ok {
		return time.Time{}, nil
	}
	return t, nil
}

func parseFromDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// aggregateName binds the dedup aggregate to the pass filter and to the
// store's freshness so stale aggregates can be garbage-collected.
func aggregateName(q store.RecordQuery, fromDate string, latest time.Time) string {
	repr := filterRepr(q)
	name := fmt.Sprintf("mr_record_%x", md5.Sum([]byte(repr)))
	if fromDate != "" {
		name += "_" + sanitizeNamePart(fromDate)
	}
	epoch := int64(0)
	if !latest.IsZero() {
		epoch = latest.Unix()
	}
	return fmt.Sprintf("%s_%d", name, epoch)
}

// filterRepr is a canonical representation of the Phase A filter. An
// empty filter selects every record.
func filterRepr(q store.RecordQuery) string {
	parts := []string{`"dedup_key":{"$exists":true}`}
	if !q.UpdatedSince.IsZero() {
		parts = append(parts, fmt.Sprintf(`"updated":{"$gte":%q}`, q.UpdatedSince.UTC().Format(time.RFC3339)))
	}
	if q.SourceID != "" {
		parts = append(parts, fmt.Sprintf(`"source_id":%q`, q.SourceID))
	}
	if q.SkipUpdateNeeded {
		parts = append(parts, `"update_needed":false`)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func sanitizeNamePart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func valueStrings(v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(val)}
	}
}
