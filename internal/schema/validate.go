package schema

import (
	"fmt"
	"time"
)

var validConditionTypes = map[string]bool{
	ConditionTime:               true,
	ConditionProposalCount:      true,
	ConditionParticipationCount: true,
	ConditionApprovalRate:       true,
	ConditionCustomField:        true,
}

var validOperators = map[string]bool{
	OpEquals:      true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpBetween:     true,
}

// Validate checks the structural invariants of a process definition.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("schema.id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("schema.name is required")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("schema.phases must not be empty")
	}
	seen := map[string]bool{}
	for _, p := range d.Phases {
		if p.ID == "" {
			return fmt.Errorf("phase with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate phase id %s", p.ID)
		}
		seen[p.ID] = true
		switch p.Rules.Advancement.Method {
		case AdvanceManual, "":
		case AdvanceDate:
			if p.Rules.Advancement.At == nil {
				return fmt.Errorf("phase %s: advancement method date requires at", p.ID)
			}
			if _, err := time.Parse(time.RFC3339, *p.Rules.Advancement.At); err != nil {
				return fmt.Errorf("phase %s: advancement at: %w", p.ID, err)
			}
		default:
			return fmt.Errorf("phase %s: advancement method must be 'date' or 'manual'", p.ID)
		}
		if p.Pipeline != nil {
			if err := validatePipeline(*p.Pipeline); err != nil {
				return fmt.Errorf("phase %s: %w", p.ID, err)
			}
		}
	}
	for _, t := range d.Transitions {
		if t.ID == "" {
			return fmt.Errorf("transition with empty id")
		}
		if len(t.From) == 0 {
			return fmt.Errorf("transition %s: from is required", t.ID)
		}
		for _, from := range t.From {
			if !seen[from] {
				return fmt.Errorf("transition %s: unknown from state %s", t.ID, from)
			}
		}
		if !seen[t.To] {
			return fmt.Errorf("transition %s: unknown to state %s", t.ID, t.To)
		}
		if t.Rules != nil {
			switch t.Rules.Type {
			case TransitionManual, TransitionAutomatic:
			default:
				return fmt.Errorf("transition %s: rules.type must be 'manual' or 'automatic'", t.ID)
			}
			for i, c := range t.Rules.Conditions {
				if err := validateCondition(c); err != nil {
					return fmt.Errorf("transition %s condition %d: %w", t.ID, i, err)
				}
			}
		}
	}
	return nil
}

func validateCondition(c Condition) error {
	if !validConditionTypes[c.Type] {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	if !validOperators[c.Operator] {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Type == ConditionCustomField && c.Field == "" {
		return fmt.Errorf("customField condition requires field")
	}
	if c.Operator == OpBetween {
		pair, ok := c.Value.([]any)
		if !ok || len(pair) != 2 {
			return fmt.Errorf("between requires a [min, max] value")
		}
	}
	return nil
}

func validatePipeline(p Pipeline) error {
	for i, b := range p.Blocks {
		switch b.Type {
		case BlockSort:
			if len(b.Sort) == 0 {
				return fmt.Errorf("block %d: sort requires sortBy keys", i)
			}
			for _, k := range b.Sort {
				if k.Field == "" {
					return fmt.Errorf("block %d: sort key with empty field", i)
				}
				if k.Order != OrderAsc && k.Order != OrderDesc && k.Order != "" {
					return fmt.Errorf("block %d: sort order must be 'asc' or 'desc'", i)
				}
			}
		case BlockFilter:
			if b.Filter == nil || b.Filter.Field == "" {
				return fmt.Errorf("block %d: filter requires field", i)
			}
		case BlockLimit:
			if b.Limit == nil {
				return fmt.Errorf("block %d: limit requires count", i)
			}
			if b.Limit.Variable == "" && b.Limit.Count < 0 {
				return fmt.Errorf("block %d: limit count must not be negative", i)
			}
		default:
			return fmt.Errorf("block %d: unknown type %q", i, b.Type)
		}
	}
	return nil
}
