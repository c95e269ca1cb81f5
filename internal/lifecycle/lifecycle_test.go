package lifecycle_test

import (
	"testing"
	"time"

	"agora/internal/domain"
	"agora/internal/evaluate"
	"agora/internal/lifecycle"
	"agora/internal/pipeline"
	"agora/internal/schema"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func votingSchema() schema.Definition {
	return schema.Definition{
		ID:   "budget",
		Name: "Budget process",
		Phases: []schema.Phase{
			{ID: "submission", Name: "Submission",
				Pipeline: &schema.Pipeline{Version: 1, Blocks: []schema.Block{
					{Type: schema.BlockSort, Sort: []schema.SortKey{{Field: "likesCount", Order: schema.OrderDesc}}},
					{Type: schema.BlockLimit, Limit: &schema.LimitSpec{Variable: "maxVotesPerMember"}},
				}},
			},
			{ID: "voting", Name: "Voting"},
			{ID: "results", Name: "Results"},
		},
		Transitions: []schema.Transition{
			{ID: "open-voting", Name: "Open voting", From: schema.StateList{"submission"}, To: "voting",
				Rules: &schema.TransitionRules{
					Type: schema.TransitionManual,
					Conditions: []schema.Condition{
						{Type: schema.ConditionProposalCount, Operator: schema.OpGreaterThan, Value: float64(0)},
					},
				}},
			{ID: "close-voting", Name: "Close voting", From: schema.StateList{"voting"}, To: "results"},
		},
	}
}

func activeInstance() domain.Instance {
	return domain.Instance{
		ID:             "inst-1",
		ProcessID:      "budget",
		Status:         domain.InstanceActive,
		CurrentStateID: "submission",
	}
}

func fiveProposals() []pipeline.Doc {
	return []pipeline.Doc{
		{"id": "p1", "likesCount": 4},
		{"id": "p2", "likesCount": 9},
		{"id": "p3", "likesCount": 2},
		{"id": "p4", "likesCount": 7},
		{"id": "p5", "likesCount": 5},
	}
}

func TestVotingFlowScenario(t *testing.T) {
	def := votingSchema()
	inst := activeInstance()
	metrics := evaluate.Metrics{ProposalCount: 3, Now: testNow}

	report, err := evaluate.CheckTransitions(def, inst.CurrentStateID, metrics, "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.CanTransition {
		t.Fatalf("expected submission->voting to be executable with 3 proposals")
	}

	res, err := lifecycle.AdvancePhase(inst, def, "voting", metrics, fiveProposals(),
		map[string]any{"maxVotesPerMember": 3})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.Advanced {
		t.Fatalf("expected advancement, report: %+v", res.Report)
	}
	if res.Instance.CurrentStateID != "voting" {
		t.Fatalf("phase pointer not moved: %s", res.Instance.CurrentStateID)
	}
	if !res.Pipeline || len(res.Selected) != 3 {
		t.Fatalf("expected top 3 carried forward, got %d", len(res.Selected))
	}
	want := []string{"p2", "p4", "p5"}
	for i, w := range want {
		if res.Selected[i]["id"] != w {
			t.Fatalf("position %d: got %v want %s", i, res.Selected[i]["id"], w)
		}
	}
	if res.Record == nil || res.Record.FromStateID != "submission" || res.Record.ToStateID != "voting" {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
	if res.Instance.StateData["voting"].EnteredAt == "" {
		t.Fatalf("enteredAt not stamped")
	}
}

func TestBlockedAdvanceDoesNotMutate(t *testing.T) {
	def := votingSchema()
	inst := activeInstance()
	res, err := lifecycle.AdvancePhase(inst, def, "voting",
		evaluate.Metrics{ProposalCount: 0, Now: testNow}, nil, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Advanced {
		t.Fatalf("expected blocked advancement")
	}
	if res.Instance.CurrentStateID != "submission" {
		t.Fatalf("instance mutated while blocked")
	}
	if len(res.Report.AvailableTransitions) != 1 || len(res.Report.AvailableTransitions[0].FailedRules) != 1 {
		t.Fatalf("expected failure detail, got %+v", res.Report)
	}
}

func TestTerminalInstanceRejected(t *testing.T) {
	def := votingSchema()
	inst := activeInstance()
	inst.Status = domain.InstanceCompleted
	_, err := lifecycle.AdvancePhase(inst, def, "voting",
		evaluate.Metrics{ProposalCount: 3, Now: testNow}, nil, nil)
	if err == nil {
		t.Fatalf("expected terminal instance error")
	}
	if inst.CurrentStateID != "submission" {
		t.Fatalf("terminal instance mutated")
	}
}

func TestUnknownTargetRejected(t *testing.T) {
	def := votingSchema()
	_, err := lifecycle.AdvancePhase(activeInstance(), def, "nowhere",
		evaluate.Metrics{Now: testNow}, nil, nil)
	if err == nil {
		t.Fatalf("expected unknown phase error")
	}
}

func TestNoEdgeRejected(t *testing.T) {
	def := votingSchema()
	_, err := lifecycle.AdvancePhase(activeInstance(), def, "results",
		evaluate.Metrics{Now: testNow}, nil, nil)
	if err == nil {
		t.Fatalf("expected no-transition error")
	}
}

func TestStatusMachine(t *testing.T) {
	def := votingSchema()
	inst := domain.Instance{ID: "i", Status: domain.InstanceDraft}
	inst, err := lifecycle.Launch(inst, def, testNow)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if inst.Status != domain.InstanceActive || inst.CurrentStateID != "submission" {
		t.Fatalf("unexpected after launch: %+v", inst)
	}
	if inst.StateData["submission"].EnteredAt == "" {
		t.Fatalf("initial phase entry not stamped")
	}
	inst, err = lifecycle.SetStatus(inst, domain.InstancePaused, testNow)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	inst, err = lifecycle.SetStatus(inst, domain.InstanceActive, testNow)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	inst, err = lifecycle.SetStatus(inst, domain.InstanceCompleted, testNow)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := lifecycle.SetStatus(inst, domain.InstanceActive, testNow); err == nil {
		t.Fatalf("expected terminal status to reject")
	}
}

func TestDraftCannotAdvance(t *testing.T) {
	def := votingSchema()
	inst := activeInstance()
	inst.Status = domain.InstanceDraft
	if _, err := lifecycle.AdvancePhase(inst, def, "voting",
		evaluate.Metrics{ProposalCount: 1, Now: testNow}, nil, nil); err == nil {
		t.Fatalf("expected draft instance to reject advancement")
	}
}
