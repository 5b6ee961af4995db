package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/openbib/recsync/pkg/recsync/internalerr"
)

// Reserved mapping keys.
const (
	mappingDefault    = "##default"
	mappingEmpty      = "##empty"
	mappingEmptyArray = "##emptyarray"
)

// Mapping is a key-to-value substitution table with reserved sentinels
// for misses and empty source fields.
type Mapping struct {
	values map[string]string

	hasDefault    bool
	defaultValue  string
	hasEmpty      bool
	emptyValue    string
	hasEmptyArray bool
	emptyArray    string
}

// LoadMappingTable parses a "KEY = VALUE" file. Lines starting with ';'
// and blank lines are skipped; a line without '=' is a parse error.
func LoadMappingTable(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	defer f.Close()

	m := &Mapping{values: make(map[string]string)}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("%w: %s:%d: missing '='", internalerr.ErrParse, path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case mappingDefault:
			m.hasDefault = true
			m.defaultValue = value
		case mappingEmpty:
			m.hasEmpty = true
			m.emptyValue = value
		case mappingEmptyArray:
			m.hasEmptyArray = true
			m.emptyArray = value
		default:
			m.values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return m, nil
}

// Apply maps a single value. The second return is false when the value has
// no mapping and no ##default is defined; such values are dropped.
func (m *Mapping) Apply(value string) (string, bool) {
	if mapped, ok := m.values[value]; ok {
		return mapped, true
	}
	if m.hasDefault {
		return m.defaultValue, true
	}
	return "", false
}

// ApplyList maps every element, dropping unmapped values when no
// ##default exists. The result is deduplicated preserving order.
func (m *Mapping) ApplyList(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		mapped, ok := m.Apply(v)
		if !ok {
			continue
		}
		if _, dup := seen[mapped]; dup {
			continue
		}
		seen[mapped] = struct{}{}
		out = append(out, mapped)
	}
	return out
}

// EmptyValue returns the ##empty substitution for an absent scalar field.
func (m *Mapping) EmptyValue() (string, bool) {
	return m.emptyValue, m.hasEmpty
}

// EmptyArrayValue returns the ##emptyarray substitution for an absent
// list field.
func (m *Mapping) EmptyArrayValue() (string, bool) {
	return m.emptyArray, m.hasEmptyArray
}
