// Package merge composes projections of a dedup group into one merged
// document under a per-field policy.
package merge

import (
	"fmt"
	"strings"
)

// Checked fields are taken from the first child that supplies them;
// later children never overwrite.
var checkedFields = map[string]bool{
	"title_auth":  true,
	"title":       true,
	"title_short": true,
	"title_full":  true,
	"title_sort":  true,
	"author":      true,
}

// Merge folds a child projection into the accumulator and returns it.
// A nil accumulator starts a new group. mergedFields lists the field
// names whose values carry multiplicity across members; any field whose
// name ends in "_mv" is treated the same way.
func Merge(acc, child map[string]interface{}, mergedFields map[string]bool) map[string]interface{} {
	first := len(acc) == 0
	if acc == nil {
		acc = make(map[string]interface{})
	}

	for key, value := range child {
		switch {
		case key == "id" || key == "fullrecord":
			// Never inherited into the merged document.
		case key == "allfields":
			acc[key] = appendValues(acc[key], value)
		case mergedFields[key] || strings.HasSuffix(key, "_mv"):
			acc[key] = unionValues(acc[key], value)
		case checkedFields[key]:
			if _, ok := acc[key]; !ok {
				acc[key] = value
			}
		default:
			if first {
				acc[key] = value
			}
		}
	}

	if id := stringOf(child["id"]); id != "" {
		acc["local_ids_str_mv"] = appendValues(acc["local_ids_str_mv"], id)
	}
	return acc
}

// Finalize applies the end-of-group case-insensitive deduplication to
// every multiplicity field and to allfields.
func Finalize(doc map[string]interface{}, mergedFields map[string]bool) {
	for key, value := range doc {
		if key != "allfields" && !mergedFields[key] && !strings.HasSuffix(key, "_mv") {
			continue
		}
		list, ok := value.([]interface{})
		if !ok {
			continue
		}
		doc[key] = dedupeFold(list)
	}
}

// unionValues unions child values into the accumulator preserving order
// of first appearance.
func unionValues(acc, value interface{}) interface{} {
	out := toList(acc)
	seen := make(map[string]struct{}, len(out))
	for _, v := range out {
		seen[stringOf(v)] = struct{}{}
	}
	for _, v := range toList(value) {
		key := stringOf(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// appendValues appends child values preserving enqueue order.
func appendValues(acc, value interface{}) interface{} {
	return append(toList(acc), toList(value)...)
}

func dedupeFold(list []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(list))
	out := list[:0]
	for _, v := range list {
		key := strings.ToLower(stringOf(v))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
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

func stringOf(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
