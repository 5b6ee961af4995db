// Package projector materializes one index document per stored record:
// format parsing, component-part policy, host linkage, mapping tables,
// hierarchical facets, allfields and geocoding.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openbib/recsync/pkg/recsync/config"
	"github.com/openbib/recsync/pkg/recsync/metadata"
	"github.com/openbib/recsync/pkg/recsync/store"
)

// ErrSkip marks a record that produces no index document.
var ErrSkip = errors.New("record skipped")

const indexTimeFormat = "2006-01-02T15:04:05Z"

// Fields excluded from the allfields backfill.
var allfieldsExcluded = map[string]bool{
	"fullrecord": true,
	"thumbnail":  true,
	"id":         true,
	"recordtype": true,
	"ctrlnum":    true,
}

// Projector builds index documents for one data source.
type Projector struct {
	cfg         *config.Config
	settings    *config.SourceSettings
	sourceID    string
	store       store.Store
	factory     metadata.Factory
	transformer metadata.Transformer
	facets      map[string]bool
	logger      *slog.Logger

	mergedComponents int64
}

// New creates a Projector for a configured data source.
func New(cfg *config.Config, sourceID string, st store.Store, factory metadata.Factory, logger *slog.Logger) (*Projector, error) {
	settings, ok := cfg.Sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("unknown data source %q", sourceID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = metadata.NewFieldParser
	}

	var transformer metadata.Transformer
	if settings.Transformation != "" {
		t, err := metadata.LookupTransformer(settings.Transformation)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sourceID, err)
		}
		transformer = t
	}

	return &Projector{
		cfg:         cfg,
		settings:    settings,
		sourceID:    sourceID,
		store:       st,
		factory:     factory,
		transformer: transformer,
		facets:      cfg.HierarchicalFacetSet(),
		logger:      logger,
	}, nil
}

// MergedComponents returns the number of component parts folded into
// host records so far.
func (p *Projector) MergedComponents() int64 { return p.mergedComponents }

// Project builds the index document for a record, or ErrSkip when the
// record is a hidden component of an unindexed merge.
func (p *Projector) Project(ctx context.Context, rec store.Record) (map[string]interface{}, error) {
	format := rec.Format
	if format == "" {
		format = p.settings.Format
	}

	parser, err := p.factory(format, rec.Payload, rec.OAIID, rec.SourceID)
	if err != nil {
		return nil, fmt.Errorf("parse record %s: %w", rec.ID, err)
	}

	hidden := p.hiddenComponent(rec, format)
	if hidden && !p.settings.IndexMergedParts {
		return nil, ErrSkip
	}

	components, err := p.gatherComponents(ctx, rec, format, parser)
	if err != nil {
		return nil, err
	}

	doc, err := p.baseProjection(rec, format, parser)
	if err != nil {
		return nil, err
	}
	// Snapshot of the record's own fields; allfields is backfilled from
	// these, not from the linkage and default fields attached below.
	base := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		base[k] = v
	}
	doc["id"] = rec.ID

	if err := p.linkHierarchy(ctx, rec, parser, doc, len(components) > 0); err != nil {
		return nil, err
	}

	if isEmpty(doc["institution"]) {
		doc["institution"] = p.settings.Institution
	}

	p.applyMappings(doc)
	p.buildingHierarchy(rec, doc)
	p.expandFacets(doc)
	fillAllfields(doc, base)

	if !rec.Created.IsZero() {
		doc["first_indexed"] = rec.Created.UTC().Format(indexTimeFormat)
	}
	if !rec.Date.IsZero() {
		doc["last_indexed"] = rec.Date.UTC().Format(indexTimeFormat)
	}
	doc["recordtype"] = rec.Format
	if isEmpty(doc["fullrecord"]) {
		xml, err := parser.XML()
		if err != nil {
			return nil, fmt.Errorf("serialize record %s: %w", rec.ID, err)
		}
		doc["fullrecord"] = xml
	}
	if isEmpty(doc["format"]) {
		doc["format"] = []interface{}{format}
	} else {
		doc["format"] = toList(doc["format"])
	}

	if hidden {
		doc["hidden_component_boolean"] = true
	}

	p.geocode(ctx, doc)
	normalize(doc)

	return doc, nil
}

// hiddenComponent applies the component-part policy to a record that is
// itself a component.
func (p *Projector) hiddenComponent(rec store.Record, format string) bool {
	if rec.HostRecordID == "" {
		return false
	}
	allArticle := p.cfg.AllArticleFormats()
	switch p.settings.ComponentParts {
	case config.ComponentPartsMergeAll:
		return true
	case config.ComponentPartsMergeNonArticles:
		return !allArticle[format]
	case config.ComponentPartsMergeNonEArticle:
		if !allArticle[format] {
			return true
		}
		return articleButNotEArticle(format, p.cfg)
	}
	return false
}

func articleButNotEArticle(format string, cfg *config.Config) bool {
	article := false
	for _, f := range cfg.Solr.ArticleFormats {
		if f == format {
			article = true
			break
		}
	}
	if !article {
		return false
	}
	for _, f := range cfg.Solr.EArticleFormats {
		if f == format {
			return false
		}
	}
	return true
}

// gatherComponents fetches a host's live component parts and, when the
// policy calls for it, folds them into the host projection.
func (p *Projector) gatherComponents(ctx context.Context, rec store.Record, format string, parser metadata.Parser) ([]store.Record, error) {
	if rec.HostRecordID != "" || rec.LinkingID == "" {
		return nil, nil
	}

	cursor, err := p.store.Records(ctx, store.RecordQuery{
		SourceID:       rec.SourceID,
		HostRecordID:   rec.LinkingID,
		ExcludeDeleted: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch components of %s: %w", rec.ID, err)
	}
	defer cursor.Close()

	var parts []store.Record
	for cursor.Next() {
		parts = append(parts, cursor.Record())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, nil
	}

	allJournal := p.cfg.AllJournalFormats()
	journal := false
	for _, f := range p.cfg.Solr.JournalFormats {
		if f == format {
			journal = true
			break
		}
	}

	mergeParts := false
	switch p.settings.ComponentParts {
	case config.ComponentPartsMergeAll:
		mergeParts = true
	case config.ComponentPartsMergeNonArticles:
		mergeParts = !allJournal[format]
	case config.ComponentPartsMergeNonEArticle:
		mergeParts = !allJournal[format] || journal
	}

	if mergeParts {
		n, err := parser.MergeComponentParts(parts)
		if err != nil {
			return nil, fmt.Errorf("merge components of %s: %w", rec.ID, err)
		}
		p.mergedComponents += int64(n)
	}
	return parts, nil
}

func (p *Projector) baseProjection(rec store.Record, format string, parser metadata.Parser) (map[string]interface{}, error) {
	if p.transformer == nil {
		doc, err := parser.Project()
		if err != nil {
			return nil, fmt.Errorf("project record %s: %w", rec.ID, err)
		}
		return doc, nil
	}

	xml, err := parser.XML()
	if err != nil {
		return nil, fmt.Errorf("serialize record %s: %w", rec.ID, err)
	}
	doc, err := p.transformer.Transform(xml, map[string]string{
		"source_id":   rec.SourceID,
		"institution": p.settings.Institution,
		"format":      format,
		"id_prefix":   p.settings.IDPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("transform record %s: %w", rec.ID, err)
	}
	return doc, nil
}

// linkHierarchy attaches host/component linkage fields.
func (p *Projector) linkHierarchy(ctx context.Context, rec store.Record, parser metadata.Parser, doc map[string]interface{}, hasComponents bool) error {
	if rec.HostRecordID != "" {
		host, found, err := p.findHost(ctx, rec)
		if err != nil {
			return err
		}
		if found {
			doc["hierarchy_parent_id"] = host.ID
			title := p.hostTitle(host)
			if title != "" {
				doc["container_title"] = title
				doc["hierarchy_parent_title"] = title
			}
		} else {
			p.logger.Warn("host record not found",
				"record", rec.ID, "host_record_id", rec.HostRecordID)
			doc["container_title"] = parser.ContainerTitle()
		}
		doc["container_volume"] = parser.ContainerVolume()
		doc["container_issue"] = parser.ContainerIssue()
		doc["container_start_page"] = parser.ContainerStartPage()
		doc["container_reference"] = parser.ContainerReference()
	} else {
		for _, field := range []string{"hierarchy_top_id", "hierarchy_parent_id", "is_hierarchy_id"} {
			if isEmpty(doc[field]) {
				continue
			}
			doc[field] = prefixValues(doc[field], rec.SourceID+".")
		}
	}

	if hasComponents {
		doc["is_hierarchy_id"] = rec.ID
		if title := parser.Title(); title != "" {
			doc["is_hierarchy_title"] = title
		}
	}
	return nil
}

func (p *Projector) findHost(ctx context.Context, rec store.Record) (store.Record, bool, error) {
	cursor, err := p.store.Records(ctx, store.RecordQuery{
		SourceID:       rec.SourceID,
		LinkingID:      rec.HostRecordID,
		ExcludeDeleted: true,
	})
	if err != nil {
		return store.Record{}, false, fmt.Errorf("fetch host of %s: %w", rec.ID, err)
	}
	defer cursor.Close()

	if cursor.Next() {
		return cursor.Record(), true, nil
	}
	return store.Record{}, false, cursor.Err()
}

func (p *Projector) hostTitle(host store.Record) string {
	parser, err := p.factory(host.Format, host.Payload, host.OAIID, host.SourceID)
	if err != nil {
		p.logger.Warn("cannot parse host record", "record", host.ID, "error", err)
		return ""
	}
	return parser.Title()
}

// applyMappings runs every configured field mapping table.
func (p *Projector) applyMappings(doc map[string]interface{}) {
	fields := make([]string, 0, len(p.settings.Mappings))
	for field := range p.settings.Mappings {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		m := p.settings.Mappings[field]
		value, ok := doc[field]

		if !ok || isEmpty(value) {
			if _, isList := value.([]interface{}); isList {
				if ev, has := m.EmptyArrayValue(); has {
					doc[field] = []interface{}{ev}
				}
				continue
			}
			if ev, has := m.EmptyValue(); has {
				doc[field] = ev
			} else if ev, has := m.EmptyArrayValue(); has {
				doc[field] = []interface{}{ev}
			}
			continue
		}

		if list, isList := value.([]interface{}); isList {
			mapped := m.ApplyList(stringsOf(list))
			out := make([]interface{}, len(mapped))
			for i, v := range mapped {
				out[i] = v
			}
			doc[field] = out
			continue
		}

		if mapped, ok := m.Apply(stringOf(value)); ok {
			doc[field] = mapped
		} else {
			delete(doc, field)
		}
	}
}

// buildingHierarchy prefixes building values with the institution code
// when building is a hierarchical facet.
func (p *Projector) buildingHierarchy(rec store.Record, doc map[string]interface{}) {
	if !p.facets["building"] {
		return
	}

	var code string
	switch p.settings.InstitutionInBuilding {
	case "driver":
		code = stringOf(firstValue(doc["institution"]))
	case "none":
		code = ""
	case "source":
		code = rec.SourceID
	default:
		code = p.settings.Institution
	}
	if code == "" {
		return
	}

	if isEmpty(doc["building"]) {
		doc["building"] = []interface{}{code}
		return
	}
	doc["building"] = prefixValues(doc["building"], code+"/")
}

// expandFacets replaces every hierarchical facet value "a/b/c" by the
// level-prefixed sequence "0/a", "1/a/b", "2/a/b/c".
func (p *Projector) expandFacets(doc map[string]interface{}) {
	for facet := range p.facets {
		value, ok := doc[facet]
		if !ok || isEmpty(value) {
			continue
		}
		doc[facet] = ExpandHierarchical(stringsOf(toList(value)))
	}
}

// ExpandHierarchical expands slash-separated facet values into their
// level-prefixed rungs. Duplicates are retained; the projector's final
// normalization removes them.
func ExpandHierarchical(values []string) []interface{} {
	var out []interface{}
	for _, value := range values {
		parts := strings.Split(value, "/")
		for i := range parts {
			out = append(out, fmt.Sprintf("%d/%s", i, strings.Join(parts[:i+1], "/")))
		}
	}
	return out
}

// fillAllfields backfills allfields from the record's own projected
// fields, case-insensitively deduplicated.
func fillAllfields(doc, base map[string]interface{}) {
	if !isEmpty(doc["allfields"]) {
		return
	}

	keys := make([]string, 0, len(base))
	for k := range base {
		if allfieldsExcluded[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var all []interface{}
	seen := make(map[string]struct{})
	for _, k := range keys {
		entry := strings.Join(stringsOf(toList(base[k])), " ")
		if entry == "" {
			continue
		}
		fold := strings.ToLower(entry)
		if _, ok := seen[fold]; ok {
			continue
		}
		seen[fold] = struct{}{}
		all = append(all, entry)
	}
	if len(all) > 0 {
		doc["allfields"] = all
	}
}

// geocode resolves geographic facet values to "lon lat" entries via the
// location table. Lookup failures are tolerated with a warning.
func (p *Projector) geocode(ctx context.Context, doc map[string]interface{}) {
	geoField := p.cfg.Solr.Geocoding
	if geoField == "" || isEmpty(doc["geographic_facet"]) || !isEmpty(doc[geoField]) {
		return
	}

	var coords []interface{}
places:
	for _, place := range stringsOf(toList(doc["geographic_facet"])) {
		candidates := []string{place}
		if strings.Contains(place, ",") {
			for _, part := range strings.Split(place, ",") {
				candidates = append(candidates, part)
			}
		}
		for _, cand := range candidates {
			locations, err := p.store.LookupLocations(ctx, strings.ToUpper(strings.TrimSpace(cand)))
			if err != nil {
				p.logger.Warn("geocoding lookup failed", "place", cand, "error", err)
				continue
			}
			if len(locations) == 0 {
				continue
			}
			if locations[0].Importance == 0 {
				for _, l := range locations {
					if l.Importance != 0 {
						break
					}
					coords = append(coords, formatCoord(l))
				}
				break places
			}
			for _, l := range locations {
				coords = append(coords, formatCoord(l))
			}
			continue places
		}
	}
	if len(coords) > 0 {
		doc[geoField] = coords
	}
}

func formatCoord(l store.Location) string {
	return strconv.FormatFloat(l.Lon, 'f', -1, 64) + " " +
		strconv.FormatFloat(l.Lat, 'f', -1, 64)
}

// normalize deduplicates list values and drops empty fields, retaining
// literal zeros.
func normalize(doc map[string]interface{}) {
	for key, value := range doc {
		if list, ok := value.([]interface{}); ok {
			deduped := dedupeIdentity(list)
			if len(deduped) == 0 {
				delete(doc, key)
				continue
			}
			doc[key] = deduped
			continue
		}
		if isEmpty(value) {
			delete(doc, key)
		}
	}
}

func dedupeIdentity(list []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(list))
	var out []interface{}
	for _, v := range list {
		if isEmpty(v) {
			continue
		}
		key := stringOf(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// isEmpty reports whether a value should be dropped. Numeric zero and
// the literal string "0" are retained.
func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case []string:
		return len(val) == 0
	default:
		return false
	}
}

func toList(v interface{}) []interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return val
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	default:
		return []interface{}{val}
	}
}

func firstValue(v interface{}) interface{} {
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

func prefixValues(v interface{}, prefix string) interface{} {
	if list, ok := v.([]interface{}); ok {
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i] = prefix + stringOf(item)
		}
		return out
	}
	return prefix + stringOf(v)
}

func stringOf(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format(indexTimeFormat)
	default:
		return fmt.Sprint(val)
	}
}

func stringsOf(list []interface{}) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s := stringOf(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
