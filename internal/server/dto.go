package server

import (
	"encoding/json"

	"agora/internal/domain"
	"agora/internal/evaluate"
	"agora/internal/lifecycle"
)

// Request payloads

type CreateProcessRequest struct {
	Name        string         `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Schema      map[string]any `json:"schema"`
}

type UpdateProcessSchemaRequest struct {
	Schema map[string]any `json:"schema"`
}

type CreateInstanceRequest struct {
	ID          *string        `json:"id,omitempty"`
	Name        string         `json:"name"`
	FieldValues map[string]any `json:"field_values,omitempty"`
}

type SetInstanceStatusRequest struct {
	Status string `json:"status" enum:"active,paused,completed,cancelled"`
}

type AdvanceRequest struct {
	To string `json:"to"`
}

type CreateProposalRequest struct {
	ID          *string        `json:"id,omitempty"`
	Title       string         `json:"title"`
	Body        *string        `json:"body,omitempty"`
	FieldValues map[string]any `json:"field_values,omitempty"`
}

type UpdateProposalRequest struct {
	Title       *string        `json:"title,omitempty"`
	Body        *string        `json:"body,omitempty"`
	FieldValues map[string]any `json:"field_values,omitempty"`
}

type CastVoteRequest struct {
	Weight *int `json:"weight,omitempty"`
}

type SubmitReviewRequest struct {
	Verdict string         `json:"verdict" enum:"approve,reject"`
	Values  map[string]any `json:"values,omitempty"`
}

type RubricCriterionRequest struct {
	ID            string   `json:"id"`
	CriterionType string   `json:"criterion_type" enum:"scored,yes_no,dropdown,long_text"`
	Label         *string  `json:"label,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Required      *bool    `json:"required,omitempty"`
	MaxPoints     *int     `json:"max_points,omitempty"`
	Options       []string `json:"options,omitempty"`
	ScoreLabels   []string `json:"score_labels,omitempty"`
}

type ReorderRubricRequest struct {
	Order []string `json:"order"`
}

// Response payloads

type ProcessResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type InstanceResponse struct {
	ID             string         `json:"id"`
	ProcessID      string         `json:"process_id"`
	Name           string         `json:"name"`
	Status         string         `json:"status" enum:"draft,active,paused,completed,cancelled"`
	CurrentStateID string         `json:"current_state_id,omitempty"`
	FieldValues    map[string]any `json:"field_values,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

type ProposalResponse struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body,omitempty"`
	AuthorID    string         `json:"author_id"`
	Status      string         `json:"status" enum:"active,withdrawn,dropped"`
	FieldValues map[string]any `json:"field_values,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type VoteResponse struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	ProposalID string `json:"proposal_id"`
	VoterID    string `json:"voter_id"`
	Weight     int    `json:"weight"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ReviewResponse struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	ProposalID string         `json:"proposal_id"`
	ReviewerID string         `json:"reviewer_id"`
	Verdict    string         `json:"verdict" enum:"approve,reject"`
	Values     map[string]any `json:"values,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type TransitionRecordResponse struct {
	ID             int64  `json:"id"`
	InstanceID     string `json:"instance_id"`
	FromStateID    string `json:"from_state_id"`
	ToStateID      string `json:"to_state_id"`
	TransitionID   string `json:"transition_id,omitempty"`
	TransitionedAt string `json:"transitioned_at" format:"date-time"`
}

type FailedRuleResponse struct {
	RuleID       string `json:"rule_id"`
	ErrorMessage string `json:"error_message"`
}

type TransitionStatusResponse struct {
	TransitionID   string               `json:"transition_id"`
	TransitionName string               `json:"transition_name"`
	ToStateID      string               `json:"to_state_id"`
	Automatic      bool                 `json:"automatic"`
	CanExecute     bool                 `json:"can_execute"`
	FailedRules    []FailedRuleResponse `json:"failed_rules"`
}

type CheckResponse struct {
	CanTransition        bool                       `json:"can_transition"`
	AvailableTransitions []TransitionStatusResponse `json:"available_transitions"`
}

type AdvanceResponse struct {
	Advanced        bool                      `json:"advanced"`
	Instance        InstanceResponse          `json:"instance"`
	Check           CheckResponse             `json:"check"`
	Record          *TransitionRecordResponse `json:"record,omitempty"`
	PipelineApplied bool                      `json:"pipeline_applied"`
	SelectedIDs     []string                  `json:"selected_ids,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProcessID  string         `json:"process_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Conversion helpers

func processResponse(p domain.Process) ProcessResponse {
	var schemaDoc map[string]any
	_ = json.Unmarshal([]byte(p.SchemaJSON), &schemaDoc)
	return ProcessResponse{
		ID:          p.ID,
		Name:        p.Name,
		Version:     p.Version,
		Description: p.Description,
		Schema:      schemaDoc,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func instanceResponse(i domain.Instance) InstanceResponse {
	return InstanceResponse{
		ID:             i.ID,
		ProcessID:      i.ProcessID,
		Name:           i.Name,
		Status:         i.Status,
		CurrentStateID: i.CurrentStateID,
		FieldValues:    i.FieldValues,
		Version:        i.Version,
		CreatedAt:      i.CreatedAt,
		UpdatedAt:      i.UpdatedAt,
	}
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse(p)
}

func voteResponse(v domain.Vote) VoteResponse {
	return VoteResponse(v)
}

func reviewResponse(r domain.Review) ReviewResponse {
	return ReviewResponse(r)
}

func transitionRecordResponse(rec domain.TransitionRecord) TransitionRecordResponse {
	return TransitionRecordResponse{
		ID:             rec.ID,
		InstanceID:     rec.InstanceID,
		FromStateID:    rec.FromStateID,
		ToStateID:      rec.ToStateID,
		TransitionID:   rec.TransitionID,
		TransitionedAt: rec.TransitionedAt,
	}
}

func checkResponse(r evaluate.Report) CheckResponse {
	out := CheckResponse{
		CanTransition:        r.CanTransition,
		AvailableTransitions: []TransitionStatusResponse{},
	}
	for _, t := range r.AvailableTransitions {
		status := TransitionStatusResponse{
			TransitionID:   t.TransitionID,
			TransitionName: t.TransitionName,
			ToStateID:      t.ToStateID,
			Automatic:      t.Automatic,
			CanExecute:     t.CanExecute,
			FailedRules:    []FailedRuleResponse{},
		}
		for _, f := range t.FailedRules {
			status.FailedRules = append(status.FailedRules, FailedRuleResponse(f))
		}
		out.AvailableTransitions = append(out.AvailableTransitions, status)
	}
	return out
}

func advanceResponse(res lifecycle.AdvanceResult) AdvanceResponse {
	out := AdvanceResponse{
		Advanced:        res.Advanced,
		Instance:        instanceResponse(res.Instance),
		Check:           checkResponse(res.Report),
		PipelineApplied: res.Pipeline,
	}
	if res.Record != nil {
		rec := transitionRecordResponse(*res.Record)
		out.Record = &rec
	}
	for _, doc := range res.Selected {
		if id, ok := doc["id"].(string); ok {
			out.SelectedIDs = append(out.SelectedIDs, id)
		}
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProcessID:  e.ProcessID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func mapSlice[T, U any](in []T, f func(T) U) []U {
	out := make([]U, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
