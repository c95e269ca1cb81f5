package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"agora/internal/schema"
)

// Doc is one proposal as seen by the executor: a flat field bag.
// Sort and filter blocks reference fields by name.
type Doc = map[string]any

// Run executes the pipeline blocks strictly left to right over the proposal
// set. It is pure and deterministic: identical inputs always yield an
// identical ordered slice. Variables resolve limit blocks; a limit variable
// missing from vars is a configuration error, never a silent no-op.
func Run(p schema.Pipeline, proposals []Doc, vars map[string]any) ([]Doc, error) {
	out := append([]Doc(nil), proposals...)
	for i, b := range p.Blocks {
		var err error
		switch b.Type {
		case schema.BlockSort:
			out = runSort(b.Sort, out)
		case schema.BlockFilter:
			out = runFilter(*b.Filter, out)
		case schema.BlockLimit:
			out, err = runLimit(*b.Limit, out, vars)
		default:
			err = fmt.Errorf("unknown pipeline block type %q", b.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return out, nil
}

// runSort is a stable multi-key sort: keys are tie-breakers in array order
// and desc reverses the comparison, not the final slice, so equal keys keep
// their input order.
func runSort(keys []schema.SortKey, docs []Doc) []Doc {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(docs[i][k.Field], docs[j][k.Field])
			if c == 0 {
				continue
			}
			if k.Order == schema.OrderDesc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return docs
}

func runFilter(spec schema.FilterSpec, docs []Doc) []Doc {
	out := docs[:0:0]
	for _, d := range docs {
		if matches(spec, d) {
			out = append(out, d)
		}
	}
	return out
}

// matches treats a missing field as "does not match" rather than an error.
func matches(spec schema.FilterSpec, d Doc) bool {
	v, ok := d[spec.Field]
	if !ok || v == nil {
		return false
	}
	switch spec.Operator {
	case schema.FilterEquals:
		return compareValues(v, spec.Value) == 0
	case schema.FilterNotEquals:
		return compareValues(v, spec.Value) != 0
	case schema.FilterGreaterThan:
		return compareValues(v, spec.Value) > 0
	case schema.FilterLessThan:
		return compareValues(v, spec.Value) < 0
	case schema.FilterContains:
		s, sok := v.(string)
		sub, subok := spec.Value.(string)
		return sok && subok && strings.Contains(s, sub)
	default:
		return false
	}
}

func runLimit(spec schema.LimitSpec, docs []Doc, vars map[string]any) ([]Doc, error) {
	count := spec.Count
	if spec.Variable != "" {
		raw, ok := vars[spec.Variable]
		if !ok {
			return nil, fmt.Errorf("limit variable %q is not defined", spec.Variable)
		}
		n, ok := asNumber(raw)
		if !ok {
			return nil, fmt.Errorf("limit variable %q is not numeric", spec.Variable)
		}
		count = int(n)
	}
	if count < 0 {
		return nil, fmt.Errorf("limit count %d is negative", count)
	}
	if count >= len(docs) {
		return docs, nil
	}
	return docs[:count], nil
}

// ResolveVariables merges phase settings defaults with instance field
// values. Precedence is explicit: instance values override phase defaults.
func ResolveVariables(phaseSettings, fieldValues map[string]any) map[string]any {
	out := make(map[string]any, len(phaseSettings)+len(fieldValues))
	for k, v := range phaseSettings {
		out[k] = v
	}
	for k, v := range fieldValues {
		out[k] = v
	}
	return out
}

// compareValues orders mixed JSON values deterministically: nil first, then
// numbers, then strings, then booleans, falling back to formatted text.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0
		case bb:
			return -1
		default:
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
