package schema_test

import (
	"encoding/json"
	"testing"

	"agora/internal/schema"
)

func validDefinition() schema.Definition {
	return schema.Definition{
		ID:      "budget-2026",
		Version: 1,
		Name:    "Participatory budget",
		Phases: []schema.Phase{
			{ID: "submission", Name: "Submission", Rules: schema.PhaseRules{
				Proposals:   schema.ProposalRules{Submit: true, Edit: true},
				Advancement: schema.Advancement{Method: schema.AdvanceManual},
			}},
			{ID: "voting", Name: "Voting", Rules: schema.PhaseRules{
				Voting:      schema.VotingRules{Submit: true},
				Advancement: schema.Advancement{Method: schema.AdvanceManual},
			}},
			{ID: "results", Name: "Results", Rules: schema.PhaseRules{
				Advancement: schema.Advancement{Method: schema.AdvanceManual},
			}},
		},
		Transitions: []schema.Transition{
			{ID: "open-voting", Name: "Open voting", From: schema.StateList{"submission"}, To: "voting"},
			{ID: "close-voting", Name: "Close voting", From: schema.StateList{"voting"}, To: "results"},
		},
	}
}

func TestValidateRejectsDuplicatePhases(t *testing.T) {
	def := validDefinition()
	def.Phases = append(def.Phases, schema.Phase{ID: "voting", Name: "Voting again"})
	if err := def.Validate(); err == nil {
		t.Fatalf("expected duplicate phase error")
	}
}

func TestValidateRejectsDanglingTransition(t *testing.T) {
	def := validDefinition()
	def.Transitions = append(def.Transitions, schema.Transition{
		ID: "bad", From: schema.StateList{"voting"}, To: "nowhere",
	})
	if err := def.Validate(); err == nil {
		t.Fatalf("expected unknown to-state error")
	}
}

func TestValidateDateAdvancementRequiresDeadline(t *testing.T) {
	def := validDefinition()
	def.Phases[1].Rules.Advancement = schema.Advancement{Method: schema.AdvanceDate}
	if err := def.Validate(); err == nil {
		t.Fatalf("expected missing at error")
	}
	bad := "someday"
	def.Phases[1].Rules.Advancement.At = &bad
	if err := def.Validate(); err == nil {
		t.Fatalf("expected unparseable at error")
	}
	at := "2026-06-01T00:00:00Z"
	def.Phases[1].Rules.Advancement.At = &at
	if err := def.Validate(); err != nil {
		t.Fatalf("valid date advancement rejected: %v", err)
	}
}

func TestValidateRejectsMalformedBetween(t *testing.T) {
	def := validDefinition()
	def.Transitions[0].Rules = &schema.TransitionRules{
		Type: schema.TransitionAutomatic,
		Conditions: []schema.Condition{
			{Type: schema.ConditionProposalCount, Operator: schema.OpBetween, Value: float64(3)},
		},
	}
	if err := def.Validate(); err == nil {
		t.Fatalf("expected between validation error")
	}
}

func TestFromAcceptsStringOrArray(t *testing.T) {
	var single schema.Transition
	if err := json.Unmarshal([]byte(`{"id":"t","from":"a","to":"b"}`), &single); err != nil {
		t.Fatalf("single from: %v", err)
	}
	if len(single.From) != 1 || single.From[0] != "a" {
		t.Fatalf("unexpected from: %v", single.From)
	}
	var multi schema.Transition
	if err := json.Unmarshal([]byte(`{"id":"t","from":["a","b"],"to":"c"}`), &multi); err != nil {
		t.Fatalf("array from: %v", err)
	}
	if len(multi.From) != 2 {
		t.Fatalf("unexpected from: %v", multi.From)
	}
}

func TestBlockDecodeRejectsUnknownType(t *testing.T) {
	var b schema.Block
	if err := json.Unmarshal([]byte(`{"type":"shuffle"}`), &b); err == nil {
		t.Fatalf("expected unknown block type error")
	}
}

func TestLimitSpecRoundTrip(t *testing.T) {
	var fixed schema.Block
	if err := json.Unmarshal([]byte(`{"type":"limit","count":5}`), &fixed); err != nil {
		t.Fatalf("fixed limit: %v", err)
	}
	if fixed.Limit.Count != 5 || fixed.Limit.Variable != "" {
		t.Fatalf("unexpected limit: %+v", fixed.Limit)
	}
	var variable schema.Block
	if err := json.Unmarshal([]byte(`{"type":"limit","count":{"variable":"maxVotesPerMember"}}`), &variable); err != nil {
		t.Fatalf("variable limit: %v", err)
	}
	if variable.Limit.Variable != "maxVotesPerMember" {
		t.Fatalf("unexpected limit: %+v", variable.Limit)
	}
	out, err := json.Marshal(variable.Limit)
	if err != nil {
		t.Fatalf("marshal limit: %v", err)
	}
	if string(out) != `{"variable":"maxVotesPerMember"}` {
		t.Fatalf("unexpected marshal: %s", out)
	}
}

func TestDecodeLegacyStateDialect(t *testing.T) {
	doc := `{
		"id": "review-1",
		"version": 2,
		"name": "Proposal review",
		"initialState": "intake",
		"states": [
			{"id": "scoring", "name": "Scoring", "rules": {"proposals": {"review": true}, "voting": {}, "advancement": {"method": "manual"}}},
			{"id": "intake", "name": "Intake", "rules": {"proposals": {"submit": true}, "voting": {}, "advancement": {"method": "manual"}}}
		],
		"transitions": [
			{"id": "to-scoring", "name": "Start scoring", "from": "intake", "to": "scoring"}
		]
	}`
	def, err := schema.Decode([]byte(doc))
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	if def.InitialPhase().ID != "intake" {
		t.Fatalf("expected initialState first, got %s", def.InitialPhase().ID)
	}
	if len(def.Phases) != 2 || def.Phases[1].ID != "scoring" {
		t.Fatalf("unexpected phases: %+v", def.Phases)
	}
}

func TestDecodeCanonicalDialect(t *testing.T) {
	data, err := json.Marshal(validDefinition())
	if err != nil {
		t.Fatal(err)
	}
	def, err := schema.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if def.InitialPhase().ID != "submission" {
		t.Fatalf("unexpected initial phase %s", def.InitialPhase().ID)
	}
	if len(def.TransitionsFrom("voting")) != 1 {
		t.Fatalf("expected one transition out of voting")
	}
}
