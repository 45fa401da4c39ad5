// Package labels loads the index-to-name mapping that defines a classifier's
// output vocabulary.
//
// Accepted side-car formats:
//
//   - Keras class_indices JSON: {"Healthy": 0, "Blast": 1}
//   - JSON array: ["Healthy", "Blast"]
//   - model metadata JSON with a "classes" array
//   - Ultralytics YAML/JSON with a "names" map or list: names: {0: healthy, 1: blast}
//
// Indices must be dense and 0-based.
package labels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/paddy-inspector/pkg/types"
)

// LabelSet is an ordered, dense, 0-based mapping from class index to name
type LabelSet struct {
	names []string
}

// New builds a LabelSet from names ordered by index.
func New(names []string) (*LabelSet, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("label set is empty")
	}
	for i, n := range names {
		if strings.TrimSpace(n) == "" {
			return nil, fmt.Errorf("label %d is blank", i)
		}
	}
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return nil, fmt.Errorf("duplicate labels: %v", dups)
	}
	return &LabelSet{names: append([]string(nil), names...)}, nil
}

// FromIndexMap builds a LabelSet from a name->index mapping (Keras class_indices).
func FromIndexMap(indices map[string]int) (*LabelSet, error) {
	byIndex := make(map[int]string, len(indices))
	for name, idx := range indices {
		if prev, ok := byIndex[idx]; ok {
			return nil, fmt.Errorf("labels %q and %q share index %d", prev, name, idx)
		}
		byIndex[idx] = name
	}
	return fromSparse(byIndex)
}

func fromSparse(byIndex map[int]string) (*LabelSet, error) {
	keys := lo.Keys(byIndex)
	sort.Ints(keys)
	for i, k := range keys {
		if k != i {
			return nil, fmt.Errorf("label indices are not dense and 0-based: missing index %d", i)
		}
	}
	names := make([]string, len(keys))
	for _, k := range keys {
		names[k] = byIndex[k]
	}
	return New(names)
}

// Len returns the number of classes
func (s *LabelSet) Len() int {
	return len(s.names)
}

// Names returns a copy of the labels in index order
func (s *LabelSet) Names() []string {
	return append([]string(nil), s.names...)
}

// Name resolves an index; indices outside the set resolve to types.UnknownLabel.
func (s *LabelSet) Name(index int) string {
	if s == nil || index < 0 || index >= len(s.names) {
		return types.UnknownLabel
	}
	return s.names[index]
}

// Index finds a label by name, ignoring case, spaces and underscores.
// Returns -1 when absent.
func (s *LabelSet) Index(name string) int {
	target := normalize(name)
	for i, n := range s.names {
		if normalize(n) == target {
			return i
		}
	}
	return -1
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

// Load reads a label file. YAML is chosen by extension, everything else is parsed as JSON.
func Load(path string) (*LabelSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read label file: %w", err)
	}

	var raw any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse label file %s: %w", path, err)
	}

	set, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid label file %s: %w", path, err)
	}
	return set, nil
}

func parse(raw any) (*LabelSet, error) {
	switch v := raw.(type) {
	case []any:
		return parseList(v)
	case map[string]any:
		if classes, ok := v["classes"]; ok {
			return parse(classes)
		}
		if names, ok := v["names"]; ok {
			return parse(names)
		}
		return parseStringKeyed(v)
	case map[any]any:
		return parseAnyKeyed(v)
	default:
		return nil, fmt.Errorf("unsupported label layout %T", raw)
	}
}

func parseList(items []any) (*LabelSet, error) {
	names := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("label %d is not a string", i)
		}
		names[i] = s
	}
	return New(names)
}

// parseStringKeyed handles {"name": index} as well as {"0": "name"}.
func parseStringKeyed(m map[string]any) (*LabelSet, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("label set is empty")
	}

	indices := make(map[string]int, len(m))
	byIndex := make(map[int]string, len(m))
	for k, val := range m {
		switch tv := val.(type) {
		case float64:
			indices[k] = int(tv)
		case int:
			indices[k] = tv
		case string:
			idx, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("key %q is not an index", k)
			}
			byIndex[idx] = tv
		default:
			return nil, fmt.Errorf("unsupported value %T for %q", val, k)
		}
	}

	switch {
	case len(indices) > 0 && len(byIndex) > 0:
		return nil, fmt.Errorf("mixed label layouts")
	case len(indices) > 0:
		return FromIndexMap(indices)
	default:
		return fromSparse(byIndex)
	}
}

// parseAnyKeyed handles YAML maps with integer keys.
func parseAnyKeyed(m map[any]any) (*LabelSet, error) {
	conv := make(map[string]any, len(m))
	for k, v := range m {
		conv[fmt.Sprint(k)] = v
	}
	return parseStringKeyed(conv)
}
