package evaluate_test

import (
	"testing"
	"time"

	"agora/internal/evaluate"
	"agora/internal/schema"
)

func twoPhaseSchema(rules *schema.TransitionRules) schema.Definition {
	return schema.Definition{
		ID:   "s1",
		Name: "Two phases",
		Phases: []schema.Phase{
			{ID: "submission", Name: "Submission"},
			{ID: "voting", Name: "Voting"},
		},
		Transitions: []schema.Transition{
			{ID: "open-voting", Name: "Open voting", From: schema.StateList{"submission"}, To: "voting", Rules: rules},
		},
	}
}

func boolPtr(b bool) *bool { return &b }

func TestManualTransitionWithoutConditions(t *testing.T) {
	def := twoPhaseSchema(&schema.TransitionRules{Type: schema.TransitionManual})
	report, err := evaluate.CheckTransitions(def, "submission", evaluate.Metrics{}, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.CanTransition {
		t.Fatalf("expected manual transition to be executable")
	}
	if len(report.AvailableTransitions) != 1 || !report.AvailableTransitions[0].CanExecute {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRequireAllSemantics(t *testing.T) {
	conditions := []schema.Condition{
		{Type: schema.ConditionProposalCount, Operator: schema.OpGreaterThan, Value: float64(0)},
		{Type: schema.ConditionParticipationCount, Operator: schema.OpGreaterThan, Value: float64(10)},
	}
	metrics := evaluate.Metrics{ProposalCount: 3, ParticipationCount: 5}

	all := twoPhaseSchema(&schema.TransitionRules{
		Type: schema.TransitionAutomatic, Conditions: conditions, RequireAll: boolPtr(true),
	})
	report, err := evaluate.CheckTransitions(all, "submission", metrics, "")
	if err != nil {
		t.Fatal(err)
	}
	status := report.AvailableTransitions[0]
	if status.CanExecute {
		t.Fatalf("expected requireAll to block")
	}
	if len(status.FailedRules) != 1 {
		t.Fatalf("expected exactly 1 failed rule, got %d", len(status.FailedRules))
	}
	if status.FailedRules[0].RuleID != "open-voting/1" {
		t.Fatalf("unexpected rule id %s", status.FailedRules[0].RuleID)
	}

	anyOf := twoPhaseSchema(&schema.TransitionRules{
		Type: schema.TransitionAutomatic, Conditions: conditions, RequireAll: boolPtr(false),
	})
	report, err = evaluate.CheckTransitions(anyOf, "submission", metrics, "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.AvailableTransitions[0].CanExecute {
		t.Fatalf("expected requireAll=false to pass with one condition met")
	}
}

func TestFailedRulesAreExhaustive(t *testing.T) {
	def := twoPhaseSchema(&schema.TransitionRules{
		Type: schema.TransitionAutomatic,
		Conditions: []schema.Condition{
			{Type: schema.ConditionProposalCount, Operator: schema.OpGreaterThan, Value: float64(10)},
			{Type: schema.ConditionParticipationCount, Operator: schema.OpGreaterThan, Value: float64(10)},
			{Type: schema.ConditionApprovalRate, Operator: schema.OpGreaterThan, Value: 0.5},
		},
	})
	report, err := evaluate.CheckTransitions(def, "submission", evaluate.Metrics{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(report.AvailableTransitions[0].FailedRules); got != 3 {
		t.Fatalf("expected all 3 failures reported, got %d", got)
	}
}

func TestTimeConditionsUseInjectedClock(t *testing.T) {
	opens := "2026-03-01T00:00:00Z"
	def := twoPhaseSchema(&schema.TransitionRules{
		Type: schema.TransitionAutomatic,
		Conditions: []schema.Condition{
			{Type: schema.ConditionTime, Operator: schema.OpGreaterThan, Value: opens},
		},
	})
	before := evaluate.Metrics{Now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	report, err := evaluate.CheckTransitions(def, "submission", before, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.CanTransition {
		t.Fatalf("expected blocked before opening time")
	}
	after := evaluate.Metrics{Now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	report, err = evaluate.CheckTransitions(def, "submission", after, "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.CanTransition {
		t.Fatalf("expected executable after opening time")
	}
}

func TestBetweenCondition(t *testing.T) {
	def := twoPhaseSchema(&schema.TransitionRules{
		Type: schema.TransitionAutomatic,
		Conditions: []schema.Condition{
			{Type: schema.ConditionProposalCount, Operator: schema.OpBetween, Value: []any{float64(2), float64(5)}},
		},
	})
	report, err := evaluate.CheckTransitions(def, "submission", evaluate.Metrics{ProposalCount: 3}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.CanTransition {
		t.Fatalf("expected 3 within 2..5")
	}
	report, err = evaluate.CheckTransitions(def, "submission", evaluate.Metrics{ProposalCount: 7}, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.CanTransition {
		t.Fatalf("expected 7 outside 2..5")
	}
}

func TestMalformedBetweenIsError(t *testing.T) {
	def := twoPhaseSchema(&schema.TransitionRules{
		Type: schema.TransitionAutomatic,
		Conditions: []schema.Condition{
			{Type: schema.ConditionProposalCount, Operator: schema.OpBetween, Value: float64(3)},
		},
	})
	if _, err := evaluate.CheckTransitions(def, "submission", evaluate.Metrics{}, ""); err == nil {
		t.Fatalf("expected malformed between to be a validation error")
	}
}

func TestCustomFieldCondition(t *testing.T) {
	def := twoPhaseSchema(&schema.TransitionRules{
		Type: schema.TransitionAutomatic,
		Conditions: []schema.Condition{
			{Type: schema.ConditionCustomField, Field: "budget", Operator: schema.OpGreaterThan, Value: float64(1000)},
		},
	})
	report, err := evaluate.CheckTransitions(def, "submission", evaluate.Metrics{
		FieldValues: map[string]any{"budget": float64(5000)},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.CanTransition {
		t.Fatalf("expected budget condition to pass")
	}
	// missing field fails the condition, it is not an error
	report, err = evaluate.CheckTransitions(def, "submission", evaluate.Metrics{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.CanTransition {
		t.Fatalf("expected missing field to fail the condition")
	}
}

func TestUnknownStatesRejected(t *testing.T) {
	def := twoPhaseSchema(nil)
	if _, err := evaluate.CheckTransitions(def, "nowhere", evaluate.Metrics{}, ""); err == nil {
		t.Fatalf("expected unknown current state error")
	}
	if _, err := evaluate.CheckTransitions(def, "submission", evaluate.Metrics{}, "nowhere"); err == nil {
		t.Fatalf("expected unknown target state error")
	}
}

func TestTargetedCheckFiltersTransitions(t *testing.T) {
	def := twoPhaseSchema(nil)
	def.Phases = append(def.Phases, schema.Phase{ID: "archive", Name: "Archive"})
	def.Transitions = append(def.Transitions, schema.Transition{
		ID: "to-archive", From: schema.StateList{"submission"}, To: "archive",
	})
	report, err := evaluate.CheckTransitions(def, "submission", evaluate.Metrics{}, "archive")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.AvailableTransitions) != 1 || report.AvailableTransitions[0].ToStateID != "archive" {
		t.Fatalf("unexpected report: %+v", report)
	}
}
