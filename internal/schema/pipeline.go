package schema

import (
	"encoding/json"
	"fmt"
)

const (
	BlockSort   = "sort"
	BlockFilter = "filter"
	BlockLimit  = "limit"
)

// Pipeline is an ordered list of sort/filter/limit blocks applied to the
// proposal set when a phase is left. Blocks execute strictly in array order.
type Pipeline struct {
	Version int     `json:"version"`
	Blocks  []Block `json:"blocks"`
}

// Block is a tagged union keyed by Type. Exactly one of Sort, Filter or
// Limit is populated; decoding rejects unknown block types outright.
type Block struct {
	Type   string      `json:"type" enum:"sort,filter,limit"`
	Sort   []SortKey   `json:"sortBy,omitempty"`
	Filter *FilterSpec `json:"where,omitempty"`
	Limit  *LimitSpec  `json:"count,omitempty"`
}

const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

type SortKey struct {
	Field string `json:"field"`
	Order string `json:"order" enum:"asc,desc"`
}

const (
	FilterEquals      = "equals"
	FilterNotEquals   = "notEquals"
	FilterGreaterThan = "greaterThan"
	FilterLessThan    = "lessThan"
	FilterContains    = "contains"
)

type FilterSpec struct {
	Field    string `json:"field"`
	Operator string `json:"operator" enum:"equals,notEquals,greaterThan,lessThan,contains"`
	Value    any    `json:"value,omitempty"`
}

// LimitSpec truncates to a fixed count or to a named variable resolved at
// execution time against phase settings and instance field values.
type LimitSpec struct {
	Count    int    `json:"-"`
	Variable string `json:"-"`
}

func (l LimitSpec) MarshalJSON() ([]byte, error) {
	if l.Variable != "" {
		return json.Marshal(map[string]string{"variable": l.Variable})
	}
	return json.Marshal(l.Count)
}

func (l *LimitSpec) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		l.Count = n
		l.Variable = ""
		return nil
	}
	var ref struct {
		Variable string `json:"variable"`
	}
	if err := json.Unmarshal(data, &ref); err != nil || ref.Variable == "" {
		return fmt.Errorf("limit count must be a number or {\"variable\": name}")
	}
	l.Variable = ref.Variable
	return nil
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   string          `json:"type"`
		Sort   []SortKey       `json:"sortBy"`
		Filter *FilterSpec     `json:"where"`
		Limit  json.RawMessage `json:"count"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Type = raw.Type
	b.Sort = nil
	b.Filter = nil
	b.Limit = nil
	switch raw.Type {
	case BlockSort:
		if len(raw.Sort) == 0 {
			return fmt.Errorf("sort block requires sortBy keys")
		}
		b.Sort = raw.Sort
	case BlockFilter:
		if raw.Filter == nil {
			return fmt.Errorf("filter block requires where")
		}
		b.Filter = raw.Filter
	case BlockLimit:
		if raw.Limit == nil {
			return fmt.Errorf("limit block requires count")
		}
		var l LimitSpec
		if err := json.Unmarshal(raw.Limit, &l); err != nil {
			return err
		}
		b.Limit = &l
	default:
		return fmt.Errorf("unknown pipeline block type %q", raw.Type)
	}
	return nil
}
