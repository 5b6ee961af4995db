package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openbib/recsync/pkg/recsync/config"
	"github.com/openbib/recsync/pkg/recsync/solr"
	"github.com/openbib/recsync/pkg/recsync/store"
	"github.com/openbib/recsync/pkg/recsync/store/memstore"
)

type recorder struct {
	mu     sync.Mutex
	bodies []string
}

func (r *recorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(body))
		r.mu.Unlock()
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = nil
}

// docs decodes every add batch into a flat list of documents.
func (r *recorder) docs(t *testing.T) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, body := range r.all() {
		if !strings.HasPrefix(body, "[") {
			continue
		}
		var batch []map[string]interface{}
		if err := json.Unmarshal([]byte(body), &batch); err != nil {
			t.Fatalf("decode add batch %q: %v", body, err)
		}
		out = append(out, batch...)
	}
	return out
}

func (r *recorder) deletes() []string {
	var out []string
	for _, body := range r.all() {
		if !strings.HasPrefix(body, `{"delete":{"id"`) {
			continue
		}
		for _, part := range strings.Split(body, `"delete":{"id":`) {
			if i := strings.Index(part, `"`); i == 0 {
				end := strings.Index(part[1:], `"`)
				out = append(out, part[1:1+end])
			}
		}
	}
	return out
}

func (r *recorder) commits() int {
	n := 0
	for _, body := range r.all() {
		if body == `{"commit":{}}` {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		Solr: config.SolrConfig{
			MaxCommitInterval: 50000,
			MaxUpdateRecords:  5000,
			MaxUpdateSize:     1024,
			JournalFormats:    []string{"Journal"},
			EJournalFormats:   []string{"eJournal"},
			ArticleFormats:    []string{"Article"},
			EArticleFormats:   []string{"eArticle"},
			MergedFields:      []string{"institution", "building", "topic"},
		},
		Sources: map[string]*config.SourceSettings{
			"s1": {
				Institution:      "INST",
				Format:           "Book",
				IDPrefix:         "s1",
				ComponentParts:   config.ComponentPartsAsIs,
				IndexMergedParts: true,
			},
		},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config) (*Driver, *memstore.Store, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	st := memstore.New()
	client := solr.New(solr.Options{UpdateURL: srv.URL})
	driver := New(Options{Config: cfg, Store: st, Client: client})
	return driver, st, rec
}

func TestIndividualPassPlainRecord(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	created := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", Key: "s1.1",
		Created: created, Updated: created, Date: created,
		Payload: []byte(`{"title":"T"}`),
	})

	if err := driver.UpdateIndividualRecords(ctx, "", "", "", false); err != nil {
		t.Fatal(err)
	}

	docs := rec.docs(t)
	if len(docs) != 1 {
		t.Fatalf("expected one add, got %d", len(docs))
	}
	doc := docs[0]
	if doc["id"] != "s1.1" || doc["title"] != "T" || doc["institution"] != "INST" {
		t.Errorf("doc = %v", doc)
	}
	if doc["recordtype"] != "Book" {
		t.Errorf("recordtype = %v", doc["recordtype"])
	}
	if doc["allfields"] != "T" {
		t.Errorf("allfields = %v", doc["allfields"])
	}
	if !reflect.DeepEqual(doc["format"], []interface{}{"Book"}) {
		t.Errorf("format = %v", doc["format"])
	}
	if doc["first_indexed"] != "2024-01-01T08:00:00Z" {
		t.Errorf("first_indexed = %v", doc["first_indexed"])
	}
	if rec.commits() != 1 {
		t.Errorf("expected one final commit, got %d", rec.commits())
	}

	// The per-source watermark advanced.
	if _, ok, _ := st.ReadState(ctx, "Last Index Update s1"); !ok {
		t.Error("per-source watermark not written")
	}
}

func TestIndividualPassDeletesByKey(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", Key: "k1", Deleted: true,
	})

	if err := driver.UpdateIndividualRecords(ctx, "", "", "", false); err != nil {
		t.Fatal(err)
	}
	if got := rec.deletes(); len(got) != 1 || got[0] != "k1" {
		t.Errorf("deletes = %v", got)
	}
}

func TestIndividualPassSingleIDSkipsWatermark(t *testing.T) {
	driver, st, _ := newTestEnv(t, testConfig())
	ctx := context.Background()

	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", Payload: []byte(`{"title":"T"}`),
	})

	if err := driver.UpdateIndividualRecords(ctx, "", "s1", "s1.1", false); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.ReadState(ctx, "Last Index Update s1"); ok {
		t.Error("watermark must not advance for a single-id run")
	}
}

func TestIndividualPassSingleIDMultiSource(t *testing.T) {
	cfg := testConfig()
	cfg.Sources["s2"] = &config.SourceSettings{
		Institution: "INST2", Format: "Serial", IDPrefix: "s2",
		ComponentParts: config.ComponentPartsAsIs, IndexMergedParts: true,
	}
	driver, st, rec := newTestEnv(t, cfg)
	ctx := context.Background()

	st.UpsertRecord(ctx, store.Record{
		ID: "s2.7", SourceID: "s2", Format: "Serial", Payload: []byte(`{"title":"T"}`),
	})

	// Without --source the per-source loop visits every configured
	// source; the targeted record must only surface under its own
	// source, projected with that source's settings.
	if err := driver.UpdateIndividualRecords(ctx, "", "", "s2.7", false); err != nil {
		t.Fatal(err)
	}

	docs := rec.docs(t)
	if len(docs) != 1 {
		t.Fatalf("expected exactly one add, got %v", docs)
	}
	if docs[0]["id"] != "s2.7" || docs[0]["institution"] != "INST2" {
		t.Errorf("doc = %v", docs[0])
	}
	if _, ok, _ := st.ReadState(ctx, "Last Index Update s1"); ok {
		t.Error("watermark must not advance for a single-id run")
	}
	if _, ok, _ := st.ReadState(ctx, "Last Index Update s2"); ok {
		t.Error("watermark must not advance for a single-id run")
	}
}

func TestIndividualPassSourceFailureIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.Sources["sbad"] = &config.SourceSettings{
		Institution: "B", Format: "Book", IDPrefix: "sbad",
		ComponentParts: config.ComponentPartsAsIs, IndexMergedParts: true,
		Transformation: "no-such-transformer",
	}
	driver, st, rec := newTestEnv(t, cfg)
	ctx := context.Background()

	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", Payload: []byte(`{"title":"T"}`),
	})
	st.UpsertRecord(ctx, store.Record{
		ID: "sbad.1", SourceID: "sbad", Format: "Book", Payload: []byte(`{"title":"X"}`),
	})

	// One failing source does not fail the run; the healthy source is
	// indexed and only its watermark advances.
	if err := driver.UpdateIndividualRecords(ctx, "", "", "", false); err != nil {
		t.Fatal(err)
	}
	if len(rec.docs(t)) != 1 {
		t.Errorf("adds = %v", rec.docs(t))
	}
	if _, ok, _ := st.ReadState(ctx, "Last Index Update s1"); !ok {
		t.Error("healthy source watermark missing")
	}
	if _, ok, _ := st.ReadState(ctx, "Last Index Update sbad"); ok {
		t.Error("failed source watermark must not advance")
	}
}

func TestIndividualPassIncrementalWindow(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.old", SourceID: "s1", Format: "Book", Updated: old, Payload: []byte(`{"title":"Old"}`),
	})
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.new", SourceID: "s1", Format: "Book", Updated: fresh, Payload: []byte(`{"title":"New"}`),
	})
	st.WriteState(ctx, "Last Index Update s1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	if err := driver.UpdateIndividualRecords(ctx, "", "", "", false); err != nil {
		t.Fatal(err)
	}
	docs := rec.docs(t)
	if len(docs) != 1 || docs[0]["id"] != "s1.new" {
		t.Errorf("incremental window: %v", docs)
	}
}

func TestMergedPassSingletonAfterDeletion(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", DedupKey: "D", Key: "s1.1",
		Updated: updated, Deleted: true,
	})
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.2", SourceID: "s1", Format: "Book", DedupKey: "D", Key: "s1.2",
		Updated: updated, Payload: []byte(`{"title":"B"}`),
	})

	if err := driver.UpdateMergedRecords(ctx, "", "", "", false, false); err != nil {
		t.Fatal(err)
	}

	deletes := rec.deletes()
	if !contains(deletes, "s1.1") {
		t.Errorf("tombstone id not deleted: %v", deletes)
	}
	if !contains(deletes, "D") {
		t.Errorf("singleton group must delete the stale merged doc: %v", deletes)
	}

	docs := rec.docs(t)
	if len(docs) != 1 || docs[0]["id"] != "s1.2" {
		t.Fatalf("adds = %v", docs)
	}
	if _, ok := docs[0]["merged_child_boolean"]; ok {
		t.Error("singleton member must not carry merged_child_boolean")
	}
	for _, d := range docs {
		if d["recordtype"] == "merged" {
			t.Error("no merged doc for a singleton group")
		}
	}
}

func TestMergedPassTwoMembers(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.UpsertRecord(ctx, store.Record{
		ID: "a", SourceID: "s1", Format: "Book", DedupKey: "D", Key: "a",
		Updated: updated, Payload: []byte(`{"title":"T","author":"A","topic":["t1"]}`),
	})
	st.UpsertRecord(ctx, store.Record{
		ID: "b", SourceID: "s1", Format: "Book", DedupKey: "D", Key: "b",
		Updated: updated.Add(time.Minute), Payload: []byte(`{"title":"T2","author":"A2","topic":["t1","t2"]}`),
	})

	if err := driver.UpdateMergedRecords(ctx, "", "", "", false, false); err != nil {
		t.Fatal(err)
	}

	docs := rec.docs(t)
	if len(docs) != 3 {
		t.Fatalf("expected two children and one merged doc, got %v", docs)
	}

	var merged map[string]interface{}
	children := 0
	for _, d := range docs {
		if d["recordtype"] == "merged" {
			merged = d
			continue
		}
		if d["merged_child_boolean"] != true {
			t.Errorf("child without merged_child_boolean: %v", d)
		}
		children++
	}
	if children != 2 {
		t.Errorf("children = %d", children)
	}
	if merged == nil {
		t.Fatal("merged doc missing")
	}

	if merged["id"] != "D" || merged["merged_boolean"] != true {
		t.Errorf("merged doc = %v", merged)
	}
	if merged["title"] != "T" || merged["author"] != "A" {
		t.Errorf("checked fields must come from the first member: %v", merged)
	}
	if !reflect.DeepEqual(merged["topic"], []interface{}{"t1", "t2"}) {
		t.Errorf("topic = %v", merged["topic"])
	}
	if !reflect.DeepEqual(merged["local_ids_str_mv"], []interface{}{"a", "b"}) {
		t.Errorf("local_ids_str_mv = %v", merged["local_ids_str_mv"])
	}
	if _, ok := merged["merged_child_boolean"]; ok {
		t.Error("merged doc must not carry merged_child_boolean")
	}

	// Each member's own key differs from the dedup key, so its former
	// merged-representative id is deleted.
	deletes := rec.deletes()
	if !contains(deletes, "a") || !contains(deletes, "b") {
		t.Errorf("obsolete member keys not deleted: %v", deletes)
	}

	// The global watermark advanced.
	if _, ok, _ := st.ReadState(ctx, "Last Index Update"); !ok {
		t.Error("merged watermark not written")
	}
}

func TestMergedPassResidualCleanup(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// A record without a dedup key whose own key has no live group
	// members: the orphaned merged doc is removed.
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", Key: "K1",
		Updated: updated, Payload: []byte(`{"title":"T"}`),
	})

	if err := driver.UpdateMergedRecords(ctx, "", "", "", false, false); err != nil {
		t.Fatal(err)
	}

	if got := rec.deletes(); !contains(got, "K1") {
		t.Errorf("orphaned merged doc not cleaned up: %v", got)
	}
	docs := rec.docs(t)
	if len(docs) != 1 || docs[0]["id"] != "s1.1" {
		t.Errorf("residual add: %v", docs)
	}
}

func TestMergedPassDeletedResidual(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", Key: "K1", Deleted: true,
		Updated: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	if err := driver.UpdateMergedRecords(ctx, "", "", "", false, false); err != nil {
		t.Fatal(err)
	}

	deletes := rec.deletes()
	if !contains(deletes, "s1.1") || !contains(deletes, "K1") {
		t.Errorf("deleted residual must remove id and orphaned key: %v", deletes)
	}
	if len(rec.docs(t)) != 0 {
		t.Errorf("no adds expected: %v", rec.docs(t))
	}
}

func TestMergedPassIdempotent(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.UpsertRecord(ctx, store.Record{
		ID: "a", SourceID: "s1", Format: "Book", DedupKey: "D", Key: "a",
		Updated: updated, Payload: []byte(`{"title":"T"}`),
	})
	st.UpsertRecord(ctx, store.Record{
		ID: "b", SourceID: "s1", Format: "Book", DedupKey: "D", Key: "b",
		Updated: updated, Payload: []byte(`{"title":"T2"}`),
	})

	if err := driver.UpdateMergedRecords(ctx, "2000-01-01", "", "", false, false); err != nil {
		t.Fatal(err)
	}
	first := rec.all()
	rec.reset()

	driver2 := New(Options{Config: testConfig(), Store: st, Client: driver.client})
	if err := driver2.UpdateMergedRecords(ctx, "2000-01-01", "", "", false, false); err != nil {
		t.Fatal(err)
	}
	second := rec.all()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("merged pass not idempotent:\nfirst:  %v\nsecond: %v", first, second)
	}
}

func TestMergedPassAggregateGC(t *testing.T) {
	driver, st, _ := newTestEnv(t, testConfig())
	ctx := context.Background()

	st.UpsertRecord(ctx, store.Record{
		ID: "a", SourceID: "s1", Format: "Book", DedupKey: "D", Key: "a",
		Updated: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Payload: []byte(`{"title":"T"}`),
	})

	// A leftover aggregate from an earlier pass with different inputs.
	if err := st.BuildDedupAggregate(ctx, "mr_record_stale_0", store.RecordQuery{}); err != nil {
		t.Fatal(err)
	}

	if err := driver.UpdateMergedRecords(ctx, "", "", "", false, false); err != nil {
		t.Fatal(err)
	}

	names, err := st.ListAggregates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 {
		t.Fatalf("stale aggregates not collected: %v", names)
	}
	if names[0] == "mr_record_stale_0" {
		t.Error("stale aggregate survived")
	}
}

func TestMergedPassAggregateFailureKeepsWatermark(t *testing.T) {
	driver, st, _ := newTestEnv(t, testConfig())
	ctx := context.Background()

	prior := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	st.WriteState(ctx, "Last Index Update", prior)
	st.UpsertRecord(ctx, store.Record{
		ID: "a", SourceID: "s1", Format: "Book", DedupKey: "D",
		Updated: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	st.FailAggregate = context.DeadlineExceeded

	if err := driver.UpdateMergedRecords(ctx, "2000-01-01", "", "", false, false); err == nil {
		t.Fatal("aggregate failure must abort the pass")
	}

	got, ok, _ := st.ReadState(ctx, "Last Index Update")
	if !ok || !got.Equal(prior) {
		t.Errorf("watermark must not advance on a failed pass, got %v", got)
	}
}

func TestMergedPassDeleteMode(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", DedupKey: "D", Key: "s1.1",
		Updated: updated, Payload: []byte(`{"title":"T"}`),
	})
	st.UpsertRecord(ctx, store.Record{
		ID: "s2.1", SourceID: "s2", Format: "Book", DedupKey: "D", Key: "s2.1",
		Updated: updated, Payload: []byte(`{"title":"T2"}`),
	})
	cfg := driver.cfg
	cfg.Sources["s2"] = &config.SourceSettings{
		Institution: "I2", Format: "Book", IDPrefix: "s2",
		ComponentParts: config.ComponentPartsAsIs, IndexMergedParts: true,
	}

	// Delete mode removes the selected source's members and reindexes
	// the remainder of each touched group.
	if err := driver.UpdateMergedRecords(ctx, "", "s1", "", false, true); err != nil {
		t.Fatal(err)
	}

	deletes := rec.deletes()
	if !contains(deletes, "s1.1") {
		t.Errorf("selected source member not deleted: %v", deletes)
	}
	docs := rec.docs(t)
	if len(docs) != 1 || docs[0]["id"] != "s2.1" {
		t.Errorf("remaining member should be reindexed alone: %v", docs)
	}
}

func TestMergedPassNoCommit(t *testing.T) {
	driver, st, rec := newTestEnv(t, testConfig())
	ctx := context.Background()

	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", Key: "s1.1",
		Updated: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload: []byte(`{"title":"T"}`),
	})

	if err := driver.UpdateMergedRecords(ctx, "", "", "", true, false); err != nil {
		t.Fatal(err)
	}
	if rec.commits() != 0 {
		t.Errorf("noCommit must suppress the final commit, got %d", rec.commits())
	}
}

func TestDeleteDataSource(t *testing.T) {
	driver, _, rec := newTestEnv(t, testConfig())

	if err := driver.DeleteDataSource(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	bodies := rec.all()
	if len(bodies) != 2 {
		t.Fatalf("bodies = %v", bodies)
	}
	if bodies[0] != `{"delete":{"query":"id:s1.*"}}` {
		t.Errorf("delete-by-query body = %q", bodies[0])
	}
	if bodies[1] != `{"commit":{}}` {
		t.Errorf("commit body = %q", bodies[1])
	}
}

func TestOptimizeIndex(t *testing.T) {
	driver, _, rec := newTestEnv(t, testConfig())

	if err := driver.OptimizeIndex(context.Background()); err != nil {
		t.Fatal(err)
	}
	bodies := rec.all()
	if len(bodies) != 1 || bodies[0] != `{"optimize":{}}` {
		t.Errorf("bodies = %v", bodies)
	}
}

func TestCountValues(t *testing.T) {
	cfg := testConfig()
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	st := memstore.New()
	ctx := context.Background()
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.1", SourceID: "s1", Format: "Book", Payload: []byte(`{"genre":["fiction"]}`),
	})
	st.UpsertRecord(ctx, store.Record{
		ID: "s1.2", SourceID: "s1", Format: "Book", Payload: []byte(`{"genre":["fiction","poetry"]}`),
	})

	var out strings.Builder
	driver := New(Options{
		Config: cfg,
		Store:  st,
		Client: solr.New(solr.Options{UpdateURL: srv.URL}),
		Out:    &out,
	})

	if err := driver.CountValues(ctx, "s1", "genre"); err != nil {
		t.Fatal(err)
	}

	want := "fiction: 2\npoetry: 1\n"
	if out.String() != want {
		t.Errorf("CountValues output = %q, want %q", out.String(), want)
	}
	if len(rec.all()) != 0 {
		t.Error("CountValues must not call the backend")
	}
}

func TestAggregateName(t *testing.T) {
	hasKey := true
	q := store.RecordQuery{HasDedupKey: &hasKey, SourceID: "s1", SkipUpdateNeeded: true}
	latest := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	name := aggregateName(q, "", latest)
	if !strings.HasPrefix(name, "mr_record_") || !strings.HasSuffix(name, "_1704067200") {
		t.Errorf("aggregateName = %q", name)
	}

	// Same filter, same freshness: the name is stable.
	if name != aggregateName(q, "", latest) {
		t.Error("aggregate names must be deterministic")
	}

	// A different filter or freshness changes the name.
	q2 := q
	q2.SourceID = "s2"
	if name == aggregateName(q2, "", latest) {
		t.Error("filter change must change the name")
	}
	if name == aggregateName(q, "", latest.Add(time.Hour)) {
		t.Error("freshness change must change the name")
	}

	// An explicit from date is embedded in the name.
	dated := aggregateName(q, "2024-01-02", latest)
	if !strings.Contains(dated, "2024_01_02") {
		t.Errorf("from date missing in %q", dated)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
