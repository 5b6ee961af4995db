package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openbib/recsync/pkg/recsync/internalerr"
)

// Component-part handling modes for a data source.
const (
	ComponentPartsAsIs             = "as_is"
	ComponentPartsMergeAll         = "merge_all"
	ComponentPartsMergeNonArticles = "merge_non_articles"
	ComponentPartsMergeNonEArticle = "merge_non_earticles"
)

// Default field list whose values carry multiplicity across merged members.
var defaultMergedFields = []string{
	"institution", "collection", "building", "language", "physical",
	"publisher", "publishDate", "contents", "url", "ctrlnum", "author2",
	"author_additional", "title_alt", "title_old", "title_new", "dateSpan",
	"series", "series2", "topic", "genre", "geographic", "era", "long_lat",
}

// SolrConfig holds the search backend section.
type SolrConfig struct {
	UpdateURL          string   `yaml:"update_url"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	BackgroundUpdate   bool     `yaml:"background_update"`
	MaxCommitInterval  int      `yaml:"max_commit_interval"`
	MaxUpdateRecords   int      `yaml:"max_update_records"`
	MaxUpdateSize      int      `yaml:"max_update_size"` // KiB
	Timeout            int      `yaml:"timeout"`         // seconds, 0 = none
	DisableCertCheck   bool     `yaml:"disable_cert_check"`
	JournalFormats     []string `yaml:"journal_formats"`
	EJournalFormats    []string `yaml:"ejournal_formats"`
	ArticleFormats     []string `yaml:"article_formats"`
	EArticleFormats    []string `yaml:"earticle_formats"`
	MergedFields       []string `yaml:"merged_fields"`
	HierarchicalFacets []string `yaml:"hierarchical_facets"`
	Geocoding          string   `yaml:"geocoding"`
}

// DatabaseConfig holds the record store section.
type DatabaseConfig struct {
	Path   string `yaml:"path"`
	Counts bool   `yaml:"counts"`
}

// SourceSettings holds the per-data-source configuration.
type SourceSettings struct {
	Institution           string
	Format                string
	IDPrefix              string
	ComponentParts        string
	IndexMergedParts      bool
	Transformation        string
	InstitutionInBuilding string

	// MappingFiles maps a document field name to the mapping file
	// configured via a "<field>_mapping" key.
	MappingFiles map[string]string

	// Mappings holds the loaded tables, keyed like MappingFiles.
	Mappings map[string]*Mapping
}

// sourceYAML is the raw shape of a source entry; *_mapping keys are
// collected separately in UnmarshalYAML.
type sourceYAML struct {
	Institution           string `yaml:"institution"`
	Format                string `yaml:"format"`
	IDPrefix              string `yaml:"idPrefix"`
	ComponentParts        string `yaml:"componentParts"`
	IndexMergedParts      *bool  `yaml:"indexMergedParts"`
	Transformation        string `yaml:"transformation"`
	InstitutionInBuilding string `yaml:"institutionInBuilding"`
}

// UnmarshalYAML decodes the fixed keys and gathers every "<field>_mapping"
// key into MappingFiles.
func (s *SourceSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw sourceYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Institution = raw.Institution
	s.Format = raw.Format
	s.IDPrefix = raw.IDPrefix
	s.ComponentParts = raw.ComponentParts
	s.IndexMergedParts = raw.IndexMergedParts == nil || *raw.IndexMergedParts
	s.Transformation = raw.Transformation
	s.InstitutionInBuilding = raw.InstitutionInBuilding

	if value.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		if !strings.HasSuffix(key, "_mapping") {
			continue
		}
		field := strings.TrimSuffix(key, "_mapping")
		if field == "" {
			continue
		}
		if s.MappingFiles == nil {
			s.MappingFiles = make(map[string]string)
		}
		s.MappingFiles[field] = value.Content[i+1].Value
	}
	return nil
}

// Config is the full, immutable configuration threaded through the
// pipeline constructors.
type Config struct {
	Solr        SolrConfig                 `yaml:"solr"`
	Database    DatabaseConfig             `yaml:"database"`
	MappingsDir string                     `yaml:"mappings_dir"`
	Sources     map[string]*SourceSettings `yaml:"sources"`
}

// Load reads and validates a YAML configuration file, applies defaults
// and loads every referenced mapping table.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.loadMappings(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Solr.MaxCommitInterval == 0 {
		c.Solr.MaxCommitInterval = 50000
	}
	if c.Solr.MaxUpdateRecords == 0 {
		c.Solr.MaxUpdateRecords = 5000
	}
	if c.Solr.MaxUpdateSize == 0 {
		c.Solr.MaxUpdateSize = 1024
	}
	if c.Solr.JournalFormats == nil {
		c.Solr.JournalFormats = []string{"Journal"}
	}
	if c.Solr.EJournalFormats == nil {
		c.Solr.EJournalFormats = []string{"eJournal"}
	}
	if c.Solr.ArticleFormats == nil {
		c.Solr.ArticleFormats = []string{"Article"}
	}
	if c.Solr.EArticleFormats == nil {
		c.Solr.EArticleFormats = []string{"eArticle"}
	}
	if c.Solr.MergedFields == nil {
		c.Solr.MergedFields = append([]string(nil), defaultMergedFields...)
	}

	for id, src := range c.Sources {
		if src.IDPrefix == "" {
			src.IDPrefix = id
		}
		if src.ComponentParts == "" {
			src.ComponentParts = ComponentPartsAsIs
		}
	}
}

// Validate checks the required per-source fields.
func (c *Config) Validate() error {
	for id, src := range c.Sources {
		if src.Institution == "" {
			return fmt.Errorf("%w: source %q: institution is required", internalerr.ErrInvalidConfig, id)
		}
		if src.Format == "" {
			return fmt.Errorf("%w: source %q: format is required", internalerr.ErrInvalidConfig, id)
		}
		switch src.ComponentParts {
		case ComponentPartsAsIs, ComponentPartsMergeAll,
			ComponentPartsMergeNonArticles, ComponentPartsMergeNonEArticle:
		default:
			return fmt.Errorf("%w: source %q: unknown componentParts %q", internalerr.ErrInvalidConfig, id, src.ComponentParts)
		}
	}
	return nil
}

func (c *Config) loadMappings() error {
	for id, src := range c.Sources {
		for field, file := range src.MappingFiles {
			path := file
			if c.MappingsDir != "" {
				path = c.MappingsDir + "/" + file
			}
			m, err := LoadMappingTable(path)
			if err != nil {
				return fmt.Errorf("source %q: %s_mapping: %w", id, field, err)
			}
			if src.Mappings == nil {
				src.Mappings = make(map[string]*Mapping)
			}
			src.Mappings[field] = m
		}
	}
	return nil
}

// MergedFieldSet returns the multiplicity field list as a set.
func (c *Config) MergedFieldSet() map[string]bool {
	set := make(map[string]bool, len(c.Solr.MergedFields))
	for _, f := range c.Solr.MergedFields {
		set[f] = true
	}
	return set
}

// HierarchicalFacetSet returns the configured hierarchical facets as a set.
func (c *Config) HierarchicalFacetSet() map[string]bool {
	set := make(map[string]bool, len(c.Solr.HierarchicalFacets))
	for _, f := range c.Solr.HierarchicalFacets {
		set[f] = true
	}
	return set
}

// AllJournalFormats is the union of journal and e-journal formats.
func (c *Config) AllJournalFormats() map[string]bool {
	return unionSet(c.Solr.JournalFormats, c.Solr.EJournalFormats)
}

// AllArticleFormats is the union of article and e-article formats.
func (c *Config) AllArticleFormats() map[string]bool {
	return unionSet(c.Solr.ArticleFormats, c.Solr.EArticleFormats)
}

func unionSet(lists ...[]string) map[string]bool {
	set := make(map[string]bool)
	for _, list := range lists {
		for _, v := range list {
			set[v] = true
		}
	}
	return set
}
