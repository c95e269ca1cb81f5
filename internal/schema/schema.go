package schema

import (
	"encoding/json"
	"fmt"
)

// Definition is the canonical process schema: an ordered set of phases plus
// the transition edges between them. The first phase is the initial phase.
type Definition struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Phases      []Phase        `json:"phases"`
	Transitions []Transition   `json:"transitions,omitempty"`
}

type Phase struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Rules       PhaseRules     `json:"rules"`
	Pipeline    *Pipeline      `json:"selectionPipeline,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

type PhaseRules struct {
	Proposals   ProposalRules `json:"proposals"`
	Voting      VotingRules   `json:"voting"`
	Advancement Advancement   `json:"advancement"`
}

type ProposalRules struct {
	Submit bool `json:"submit,omitempty"`
	Edit   bool `json:"edit,omitempty"`
	Review bool `json:"review,omitempty"`
}

type VotingRules struct {
	Submit bool `json:"submit,omitempty"`
	Edit   bool `json:"edit,omitempty"`
}

const (
	AdvanceManual = "manual"
	AdvanceDate   = "date"
)

// Advancement declares how a phase is left: by explicit operator action or
// automatically once its outgoing transition conditions hold.
type Advancement struct {
	Method string  `json:"method" enum:"manual,date"`
	At     *string `json:"at,omitempty" format:"date-time"`
}

type Transition struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	From  StateList        `json:"from"`
	To    string           `json:"to"`
	Rules *TransitionRules `json:"rules,omitempty"`
}

const (
	TransitionManual    = "manual"
	TransitionAutomatic = "automatic"
)

type TransitionRules struct {
	Type       string      `json:"type" enum:"manual,automatic"`
	Conditions []Condition `json:"conditions,omitempty"`
	RequireAll *bool       `json:"requireAll,omitempty"`
}

// AllRequired reports whether every condition must pass. Absent means all.
func (r *TransitionRules) AllRequired() bool {
	if r == nil || r.RequireAll == nil {
		return true
	}
	return *r.RequireAll
}

// StateList accepts a single state id or an array of ids on the wire.
type StateList []string

func (s *StateList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StateList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("from must be a state id or array of state ids")
	}
	*s = StateList(many)
	return nil
}

func (s StateList) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

const (
	ConditionTime               = "time"
	ConditionProposalCount      = "proposalCount"
	ConditionParticipationCount = "participationCount"
	ConditionApprovalRate       = "approvalRate"
	ConditionCustomField        = "customField"
)

const (
	OpEquals      = "equals"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpBetween     = "between"
)

// Condition is a single testable predicate gating a transition.
// For operator "between" Value must carry a [min, max] pair.
type Condition struct {
	Type     string `json:"type" enum:"time,proposalCount,participationCount,approvalRate,customField"`
	Operator string `json:"operator" enum:"equals,greaterThan,lessThan,between"`
	Value    any    `json:"value,omitempty"`
	Field    string `json:"field,omitempty"`
}

// Phase returns the phase with the given id.
func (d Definition) Phase(id string) (Phase, bool) {
	for _, p := range d.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// InitialPhase is the first phase by convention.
func (d Definition) InitialPhase() Phase {
	if len(d.Phases) == 0 {
		return Phase{}
	}
	return d.Phases[0]
}

// TransitionsFrom returns transitions whose from set includes the state.
func (d Definition) TransitionsFrom(stateID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From.Contains(stateID) {
			out = append(out, t)
		}
	}
	return out
}
