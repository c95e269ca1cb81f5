package evaluate

import (
	"fmt"
	"time"

	"agora/internal/schema"
)

// Metrics is the read-only instance snapshot conditions evaluate against.
// Now is the evaluation-time clock supplied by the caller; the evaluator
// never reads the wall clock itself.
type Metrics struct {
	ProposalCount      int            `json:"proposal_count"`
	ParticipationCount int            `json:"participation_count"`
	ApprovalRate       float64        `json:"approval_rate"`
	FieldValues        map[string]any `json:"field_values,omitempty"`
	Now                time.Time      `json:"now"`
}

// FailedRule describes one unmet condition. RuleID is stable across calls
// so operators can be shown exactly what blocks advancement.
type FailedRule struct {
	RuleID       string `json:"rule_id"`
	ErrorMessage string `json:"error_message"`
}

type TransitionStatus struct {
	TransitionID   string       `json:"transition_id"`
	TransitionName string       `json:"transition_name"`
	ToStateID      string       `json:"to_state_id"`
	Automatic      bool         `json:"automatic"`
	CanExecute     bool         `json:"can_execute"`
	FailedRules    []FailedRule `json:"failed_rules,omitempty"`
}

type Report struct {
	CanTransition        bool               `json:"can_transition"`
	AvailableTransitions []TransitionStatus `json:"available_transitions"`
}

// CheckTransitions evaluates the transitions out of the current state
// against the metrics snapshot. When toStateID is non-empty only
// transitions into that state are considered. Condition evaluation never
// short-circuits: every failing condition is reported.
//
// Unmet conditions are data, not errors; an error return means the schema
// document itself is invalid.
func CheckTransitions(def schema.Definition, currentStateID string, m Metrics, toStateID string) (Report, error) {
	if _, ok := def.Phase(currentStateID); !ok {
		return Report{}, fmt.Errorf("current state %s not in schema %s", currentStateID, def.ID)
	}
	if toStateID != "" {
		if _, ok := def.Phase(toStateID); !ok {
			return Report{}, fmt.Errorf("target state %s not in schema %s", toStateID, def.ID)
		}
	}
	var report Report
	for _, t := range def.TransitionsFrom(currentStateID) {
		if toStateID != "" && t.To != toStateID {
			continue
		}
		status, err := evalTransition(t, m)
		if err != nil {
			return Report{}, err
		}
		if status.CanExecute {
			report.CanTransition = true
		}
		report.AvailableTransitions = append(report.AvailableTransitions, status)
	}
	return report, nil
}

func evalTransition(t schema.Transition, m Metrics) (TransitionStatus, error) {
	status := TransitionStatus{
		TransitionID:   t.ID,
		TransitionName: t.Name,
		ToStateID:      t.To,
		Automatic:      t.Rules != nil && t.Rules.Type == schema.TransitionAutomatic,
	}
	// No rules, or a manual transition with no conditions, is always
	// executable pending explicit operator invocation.
	var conditions []schema.Condition
	if t.Rules != nil {
		conditions = t.Rules.Conditions
	}
	passed := 0
	for i, c := range conditions {
		ok, msg, err := evalCondition(c, m)
		if err != nil {
			return TransitionStatus{}, fmt.Errorf("transition %s condition %d: %w", t.ID, i, err)
		}
		if ok {
			passed++
			continue
		}
		status.FailedRules = append(status.FailedRules, FailedRule{
			RuleID:       fmt.Sprintf("%s/%d", t.ID, i),
			ErrorMessage: msg,
		})
	}
	if t.Rules.AllRequired() {
		status.CanExecute = len(status.FailedRules) == 0
	} else {
		status.CanExecute = len(conditions) == 0 || passed > 0
	}
	return status, nil
}

func evalCondition(c schema.Condition, m Metrics) (bool, string, error) {
	switch c.Type {
	case schema.ConditionTime:
		return evalTime(c, m.Now)
	case schema.ConditionProposalCount:
		return evalNumber(c, "proposal count", float64(m.ProposalCount))
	case schema.ConditionParticipationCount:
		return evalNumber(c, "participation count", float64(m.ParticipationCount))
	case schema.ConditionApprovalRate:
		return evalNumber(c, "approval rate", m.ApprovalRate)
	case schema.ConditionCustomField:
		return evalCustomField(c, m.FieldValues)
	default:
		return false, "", fmt.Errorf("unknown condition type %q", c.Type)
	}
}

func evalTime(c schema.Condition, now time.Time) (bool, string, error) {
	if c.Operator == schema.OpBetween {
		lo, hi, err := timeBounds(c.Value)
		if err != nil {
			return false, "", err
		}
		if !now.Before(lo) && !now.After(hi) {
			return true, "", nil
		}
		return false, fmt.Sprintf("current time %s is outside %s..%s",
			now.Format(time.RFC3339), lo.Format(time.RFC3339), hi.Format(time.RFC3339)), nil
	}
	at, err := parseTime(c.Value)
	if err != nil {
		return false, "", err
	}
	switch c.Operator {
	case schema.OpEquals:
		if now.Equal(at) {
			return true, "", nil
		}
		return false, fmt.Sprintf("current time %s is not %s", now.Format(time.RFC3339), at.Format(time.RFC3339)), nil
	case schema.OpGreaterThan:
		if now.After(at) {
			return true, "", nil
		}
		return false, fmt.Sprintf("current time %s is not after %s", now.Format(time.RFC3339), at.Format(time.RFC3339)), nil
	case schema.OpLessThan:
		if now.Before(at) {
			return true, "", nil
		}
		return false, fmt.Sprintf("current time %s is not before %s", now.Format(time.RFC3339), at.Format(time.RFC3339)), nil
	default:
		return false, "", fmt.Errorf("unsupported time operator %q", c.Operator)
	}
}

func evalNumber(c schema.Condition, label string, actual float64) (bool, string, error) {
	if c.Operator == schema.OpBetween {
		lo, hi, err := numberBounds(c.Value)
		if err != nil {
			return false, "", err
		}
		if actual >= lo && actual <= hi {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s %v is outside %v..%v", label, actual, lo, hi), nil
	}
	want, ok := asNumber(c.Value)
	if !ok {
		return false, "", fmt.Errorf("condition value %v is not numeric", c.Value)
	}
	switch c.Operator {
	case schema.OpEquals:
		if actual == want {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s %v is not %v", label, actual, want), nil
	case schema.OpGreaterThan:
		if actual > want {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s %v is not greater than %v", label, actual, want), nil
	case schema.OpLessThan:
		if actual < want {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s %v is not less than %v", label, actual, want), nil
	default:
		return false, "", fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

// evalCustomField resolves the named instance field. A missing field fails
// the condition; it is not an error.
func evalCustomField(c schema.Condition, fields map[string]any) (bool, string, error) {
	actual, ok := fields[c.Field]
	if !ok {
		return false, fmt.Sprintf("field %s is not set", c.Field), nil
	}
	if n, isNum := asNumber(actual); isNum {
		return evalNumber(c, "field "+c.Field, n)
	}
	if c.Operator != schema.OpEquals {
		return false, "", fmt.Errorf("operator %q requires a numeric field %s", c.Operator, c.Field)
	}
	if fmt.Sprint(actual) == fmt.Sprint(c.Value) {
		return true, "", nil
	}
	return false, fmt.Sprintf("field %s is %v, not %v", c.Field, actual, c.Value), nil
}

func timeBounds(v any) (time.Time, time.Time, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("between requires a [min, max] value")
	}
	lo, err := parseTime(pair[0])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	hi, err := parseTime(pair[1])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return lo, hi, nil
}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("time value %v is not an RFC3339 string", v)
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time value %q: %w", s, err)
	}
	return ts, nil
}

func numberBounds(v any) (float64, float64, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("between requires a [min, max] value")
	}
	lo, lok := asNumber(pair[0])
	hi, hok := asNumber(pair[1])
	if !lok || !hok {
		return 0, 0, fmt.Errorf("between bounds %v are not numeric", pair)
	}
	return lo, hi, nil
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
