// Package metadata defines the record format parser surface consumed by
// the projector, together with a built-in parser for field-map payloads.
package metadata

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openbib/recsync/pkg/recsync/store"
)

// Parser exposes one record's metadata to the projector.
type Parser interface {
	// Project returns the parser's native field-map projection.
	Project() (map[string]interface{}, error)

	// XML returns the record's XML serialization, used for fullrecord
	// and as transformer input.
	XML() (string, error)

	Title() string
	ContainerTitle() string
	ContainerVolume() string
	ContainerIssue() string
	ContainerStartPage() string
	ContainerReference() string

	// MergeComponentParts folds component part records into the host's
	// projection and returns the number of merged parts.
	MergeComponentParts(parts []store.Record) (int, error)
}

// Factory constructs a format-specific parser for one record.
type Factory func(format string, payload []byte, oaiID, sourceID string) (Parser, error)

// Transformer post-processes a record's XML into a projection, standing
// in for a stylesheet transformation. Context parameters carry the
// source id, institution, format and id prefix.
type Transformer interface {
	Transform(xml string, params map[string]string) (map[string]interface{}, error)
}

var (
	transformerMu sync.RWMutex
	transformers  = make(map[string]Transformer)
)

// RegisterTransformer makes a named transformer available to data-source
// configuration.
func RegisterTransformer(name string, t Transformer) {
	transformerMu.Lock()
	defer transformerMu.Unlock()
	transformers[name] = t
}

// LookupTransformer resolves a configured transformer name.
func LookupTransformer(name string) (Transformer, error) {
	transformerMu.RLock()
	defer transformerMu.RUnlock()
	if t, ok := transformers[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown transformer %q", name)
}

// Transformers lists the registered transformer names.
func Transformers() []string {
	transformerMu.RLock()
	defer transformerMu.RUnlock()
	names := make([]string, 0, len(transformers))
	for name := range transformers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
