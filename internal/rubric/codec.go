package rubric

import (
	"fmt"
	"strconv"
)

const (
	minScoredPoints = 2
	maxScoredPoints = 10
)

var defaultScoreLabels = []string{"Poor", "Fair", "Good", "Very Good", "Excellent"}

// InferCriterionType classifies a criterion schema fragment by shape.
// Unrecognized shapes yield ok=false rather than an error so callers can
// skip corrupt entries without failing the whole template.
func InferCriterionType(c Criterion) (CriterionType, bool) {
	switch c.Type {
	case "integer":
		if c.Format == FormatDropdown && c.Minimum != nil && c.Maximum != nil && len(c.OneOf) > 0 {
			return TypeScored, true
		}
	case "string":
		switch c.Format {
		case FormatLongText:
			return TypeLongText, true
		case FormatDropdown:
			if isYesNo(c.OneOf) {
				return TypeYesNo, true
			}
			return TypeDropdown, true
		}
	}
	return "", false
}

func isYesNo(choices []Choice) bool {
	if len(choices) != 2 {
		return false
	}
	a, _ := choices[0].Const.(string)
	b, _ := choices[1].Const.(string)
	return a == "yes" && b == "no"
}

// Criteria decodes the template into editor views, iterating x-field-order.
// Ids with a missing or unclassifiable schema are silently dropped.
func Criteria(t Template) []CriterionView {
	var out []CriterionView
	for _, id := range t.FieldOrder {
		c, ok := t.Properties[id]
		if !ok {
			continue
		}
		kind, ok := InferCriterionType(c)
		if !ok {
			continue
		}
		view := CriterionView{
			ID:            id,
			CriterionType: kind,
			Label:         c.Title,
			Description:   c.Description,
			Required:      t.isRequired(id),
		}
		switch kind {
		case TypeScored:
			view.MaxPoints = len(c.OneOf)
			for _, choice := range c.OneOf {
				view.ScoreLabels = append(view.ScoreLabels, choice.Title)
			}
		case TypeDropdown:
			for _, choice := range c.OneOf {
				id, _ := choice.Const.(string)
				view.Options = append(view.Options, Option{ID: id, Value: choice.Title})
			}
		}
		out = append(out, view)
	}
	return out
}

func defaultScoreLabel(index int) string {
	if index < len(defaultScoreLabels) {
		return defaultScoreLabels[index]
	}
	return strconv.Itoa(index + 1)
}

func buildCriterion(kind CriterionType, title, description string, maxPoints int, scoreLabels []string, options []Option) Criterion {
	c := Criterion{Title: title, Description: description}
	switch kind {
	case TypeScored:
		if maxPoints < minScoredPoints {
			maxPoints = 5
		}
		one := 1
		c.Type = "integer"
		c.Format = FormatDropdown
		c.Minimum = &one
		max := maxPoints
		c.Maximum = &max
		for i := 0; i < maxPoints; i++ {
			label := ""
			if i < len(scoreLabels) {
				label = scoreLabels[i]
			}
			if label == "" {
				label = defaultScoreLabel(i)
			}
			c.OneOf = append(c.OneOf, Choice{Const: i + 1, Title: label})
		}
	case TypeYesNo:
		c.Type = "string"
		c.Format = FormatDropdown
		c.OneOf = []Choice{
			{Const: "yes", Title: "Yes"},
			{Const: "no", Title: "No"},
		}
	case TypeDropdown:
		c.Type = "string"
		c.Format = FormatDropdown
		if len(options) == 0 {
			options = []Option{{ID: "option-1"}, {ID: "option-2"}}
		}
		for _, o := range options {
			c.OneOf = append(c.OneOf, Choice{Const: o.ID, Title: o.Value})
		}
	case TypeLongText:
		c.Type = "string"
		c.Format = FormatLongText
	}
	return c
}

// AddCriterion appends a criterion of the given kind with default settings.
func AddCriterion(t Template, id string, kind CriterionType) (Template, error) {
	if id == "" {
		return Template{}, fmt.Errorf("criterion id required")
	}
	if _, exists := t.Properties[id]; exists {
		return Template{}, fmt.Errorf("criterion %s already exists", id)
	}
	out := t.clone()
	out.Properties[id] = buildCriterion(kind, "", "", 5, nil, nil)
	out.FieldOrder = append(out.FieldOrder, id)
	return out, nil
}

// RemoveCriterion drops a criterion from properties, order and required.
func RemoveCriterion(t Template, id string) Template {
	out := t.clone()
	delete(out.Properties, id)
	out.FieldOrder = removeString(out.FieldOrder, id)
	out.Required = removeString(out.Required, id)
	return out
}

// ReorderCriteria replaces x-field-order. The new order must be a
// permutation of the existing one.
func ReorderCriteria(t Template, order []string) (Template, error) {
	if len(order) != len(t.FieldOrder) {
		return Template{}, fmt.Errorf("order must contain all %d criteria", len(t.FieldOrder))
	}
	seen := map[string]bool{}
	for _, id := range order {
		if seen[id] {
			return Template{}, fmt.Errorf("duplicate criterion id %s in order", id)
		}
		seen[id] = true
		if _, ok := t.Properties[id]; !ok {
			return Template{}, fmt.Errorf("unknown criterion id %s in order", id)
		}
	}
	out := t.clone()
	out.FieldOrder = append([]string(nil), order...)
	return out, nil
}

func UpdateCriterionLabel(t Template, id, label string) (Template, error) {
	return updateCriterion(t, id, func(c Criterion) Criterion {
		c.Title = label
		return c
	})
}

func UpdateCriterionDescription(t Template, id, description string) (Template, error) {
	return updateCriterion(t, id, func(c Criterion) Criterion {
		c.Description = description
		return c
	})
}

// ChangeCriterionType rebuilds the schema fragment for the new kind,
// preserving title and description. Type-specific fields reset to defaults.
func ChangeCriterionType(t Template, id string, kind CriterionType) (Template, error) {
	existing, ok := t.Properties[id]
	if !ok {
		return Template{}, fmt.Errorf("criterion %s not found", id)
	}
	out := t.clone()
	out.Properties[id] = buildCriterion(kind, existing.Title, existing.Description, 5, nil, nil)
	return out, nil
}

// UpdateScoredMaxPoints resizes the score ladder, clamping to [2,10].
// Existing labels are reused positionally; new slots get defaults.
func UpdateScoredMaxPoints(t Template, id string, maxPoints int) (Template, error) {
	existing, ok := t.Properties[id]
	if !ok {
		return Template{}, fmt.Errorf("criterion %s not found", id)
	}
	if kind, ok := InferCriterionType(existing); !ok || kind != TypeScored {
		return Template{}, fmt.Errorf("criterion %s is not scored", id)
	}
	if maxPoints < minScoredPoints {
		maxPoints = minScoredPoints
	}
	if maxPoints > maxScoredPoints {
		maxPoints = maxScoredPoints
	}
	var labels []string
	for _, choice := range existing.OneOf {
		labels = append(labels, choice.Title)
	}
	out := t.clone()
	out.Properties[id] = buildCriterion(TypeScored, existing.Title, existing.Description, maxPoints, labels, nil)
	return out, nil
}

// UpdateScoreLabel sets the label for one score position (zero-based).
func UpdateScoreLabel(t Template, id string, index int, label string) (Template, error) {
	existing, ok := t.Properties[id]
	if !ok {
		return Template{}, fmt.Errorf("criterion %s not found", id)
	}
	if index < 0 || index >= len(existing.OneOf) {
		return Template{}, fmt.Errorf("score index %d out of range", index)
	}
	return updateCriterion(t, id, func(c Criterion) Criterion {
		c.OneOf[index].Title = label
		return c
	})
}

// UpdateDropdownOptions replaces the option list of a dropdown criterion.
func UpdateDropdownOptions(t Template, id string, options []Option) (Template, error) {
	existing, ok := t.Properties[id]
	if !ok {
		return Template{}, fmt.Errorf("criterion %s not found", id)
	}
	if kind, ok := InferCriterionType(existing); !ok || kind != TypeDropdown {
		return Template{}, fmt.Errorf("criterion %s is not a dropdown", id)
	}
	out := t.clone()
	out.Properties[id] = buildCriterion(TypeDropdown, existing.Title, existing.Description, 0, nil, options)
	return out, nil
}

func SetCriterionRequired(t Template, id string, required bool) (Template, error) {
	if _, ok := t.Properties[id]; !ok {
		return Template{}, fmt.Errorf("criterion %s not found", id)
	}
	out := t.clone()
	out.Required = removeString(out.Required, id)
	if required {
		out.Required = append(out.Required, id)
	}
	return out, nil
}

// CriterionErrors returns advisory validation keys for an editor to show
// before publishing. The codec itself never enforces these.
func CriterionErrors(v CriterionView) []string {
	var errs []string
	if v.Label == "" {
		errs = append(errs, "rubric.criterion.label_required")
	}
	switch v.CriterionType {
	case TypeDropdown:
		if len(v.Options) < 2 {
			errs = append(errs, "rubric.criterion.options_min_two")
		}
		for _, o := range v.Options {
			if o.Value == "" {
				errs = append(errs, "rubric.criterion.option_value_required")
				break
			}
		}
	case TypeScored:
		for _, label := range v.ScoreLabels {
			if label == "" {
				errs = append(errs, "rubric.criterion.score_label_required")
				break
			}
		}
	}
	return errs
}

func updateCriterion(t Template, id string, fn func(Criterion) Criterion) (Template, error) {
	c, ok := t.Properties[id]
	if !ok {
		return Template{}, fmt.Errorf("criterion %s not found", id)
	}
	out := t.clone()
	out.Properties[id] = fn(c.clone())
	return out, nil
}

func removeString(in []string, s string) []string {
	var out []string
	for _, v := range in {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
