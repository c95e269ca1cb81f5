package rubric

import (
	"encoding/json"
	"fmt"
)

// Template stores review criteria as a generic JSON-Schema-like object.
// The x-field-order extension is the sole source of iteration order;
// property key order is never trusted.
type Template struct {
	Type       string               `json:"type"`
	Properties map[string]Criterion `json:"properties"`
	Required   []string             `json:"required,omitempty"`
	FieldOrder []string             `json:"x-field-order"`
}

// Criterion is one per-criterion JSON Schema fragment. Its kind is encoded
// by type + x-format + the shape of oneOf (see InferCriterionType).
type Criterion struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Format      string   `json:"x-format,omitempty"`
	Minimum     *int     `json:"minimum,omitempty"`
	Maximum     *int     `json:"maximum,omitempty"`
	OneOf       []Choice `json:"oneOf,omitempty"`
}

type Choice struct {
	Const any    `json:"const"`
	Title string `json:"title,omitempty"`
}

const (
	FormatDropdown = "dropdown"
	FormatLongText = "long-text"
)

type CriterionType string

const (
	TypeScored   CriterionType = "scored"
	TypeYesNo    CriterionType = "yes_no"
	TypeDropdown CriterionType = "dropdown"
	TypeLongText CriterionType = "long_text"
)

// CriterionView is the decoded, ergonomic projection used by editors.
// Always derivable from the template; never the source of truth.
type CriterionView struct {
	ID            string        `json:"id"`
	CriterionType CriterionType `json:"criterion_type"`
	Label         string        `json:"label"`
	Description   string        `json:"description,omitempty"`
	Required      bool          `json:"required"`
	MaxPoints     int           `json:"max_points,omitempty"`
	ScoreLabels   []string      `json:"score_labels,omitempty"`
	Options       []Option      `json:"options,omitempty"`
}

type Option struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// NewTemplate returns an empty rubric template.
func NewTemplate() Template {
	return Template{
		Type:       "object",
		Properties: map[string]Criterion{},
		FieldOrder: []string{},
	}
}

// DecodeTemplate parses and validates a persisted template document.
func DecodeTemplate(data []byte) (Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("invalid rubric template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

// Validate enforces the template invariants: every id in x-field-order has
// a matching property and no id appears twice.
func (t Template) Validate() error {
	seen := map[string]bool{}
	for _, id := range t.FieldOrder {
		if seen[id] {
			return fmt.Errorf("duplicate criterion id %s in x-field-order", id)
		}
		seen[id] = true
		if _, ok := t.Properties[id]; !ok {
			return fmt.Errorf("criterion id %s in x-field-order has no schema", id)
		}
	}
	return nil
}

func (t Template) isRequired(id string) bool {
	for _, r := range t.Required {
		if r == id {
			return true
		}
	}
	return false
}

// clone returns a deep copy so mutators never touch the input template.
func (t Template) clone() Template {
	out := Template{
		Type:       t.Type,
		Properties: make(map[string]Criterion, len(t.Properties)),
		Required:   append([]string(nil), t.Required...),
		FieldOrder: append([]string(nil), t.FieldOrder...),
	}
	for id, c := range t.Properties {
		out.Properties[id] = c.clone()
	}
	return out
}

func (c Criterion) clone() Criterion {
	out := c
	if c.Minimum != nil {
		v := *c.Minimum
		out.Minimum = &v
	}
	if c.Maximum != nil {
		v := *c.Maximum
		out.Maximum = &v
	}
	out.OneOf = append([]Choice(nil), c.OneOf...)
	return out
}
