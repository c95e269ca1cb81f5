package domain

// Process is a stored decision process: the schema document plus an
// optional rubric template, versioned together.
type Process struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description,omitempty"`
	SchemaJSON  string `json:"schema_json"`
	RubricJSON  string `json:"rubric_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

const (
	InstanceDraft     = "draft"
	InstanceActive    = "active"
	InstancePaused    = "paused"
	InstanceCompleted = "completed"
	InstanceCancelled = "cancelled"
)

// Instance is a live execution of a process against real proposals. It
// references the process by id and carries its own phase pointer; it never
// mutates the shared schema.
type Instance struct {
	ID             string               `json:"id"`
	ProcessID      string               `json:"process_id"`
	Name           string               `json:"name"`
	Status         string               `json:"status" enum:"draft,active,paused,completed,cancelled"`
	CurrentStateID string               `json:"current_state_id"`
	FieldValues    map[string]any       `json:"field_values,omitempty"`
	StateData      map[string]StateData `json:"state_data,omitempty"`
	Version        int64                `json:"version"`
	CreatedAt      string               `json:"created_at" format:"date-time"`
	UpdatedAt      string               `json:"updated_at" format:"date-time"`
}

// StateData records per-phase entry metadata.
type StateData struct {
	EnteredAt string `json:"entered_at" format:"date-time"`
}

// Terminal reports whether the instance accepts no further transitions.
func (i Instance) Terminal() bool {
	return i.Status == InstanceCompleted || i.Status == InstanceCancelled
}

// TransitionRecord is one appended history entry per phase advancement.
type TransitionRecord struct {
	ID             int64  `json:"id"`
	InstanceID     string `json:"instance_id"`
	FromStateID    string `json:"from_state_id"`
	ToStateID      string `json:"to_state_id"`
	TransitionID   string `json:"transition_id"`
	TransitionedAt string `json:"transitioned_at" format:"date-time"`
	DataJSON       string `json:"data_json,omitempty"`
}

const (
	ProposalActive    = "active"
	ProposalWithdrawn = "withdrawn"
	ProposalDropped   = "dropped"
)

type Proposal struct {
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

// Fields flattens a proposal into the field bag the selection pipeline
// sorts and filters over: column fields plus custom field values.
func (p Proposal) Fields() map[string]any {
	out := make(map[string]any, len(p.FieldValues)+5)
	for k, v := range p.FieldValues {
		out[k] = v
	}
	out["id"] = p.ID
	out["title"] = p.Title
	out["authorId"] = p.AuthorID
	out["status"] = p.Status
	out["createdAt"] = p.CreatedAt
	return out
}

type Vote struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	ProposalID string `json:"proposal_id"`
	VoterID    string `json:"voter_id"`
	Weight     int    `json:"weight"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

const (
	VerdictApprove = "approve"
	VerdictReject  = "reject"
)

// Review is one reviewer's rubric evaluation of a proposal. Values maps
// criterion ids to the reviewer's answers.
type Review struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	ProposalID string         `json:"proposal_id"`
	ReviewerID string         `json:"reviewer_id"`
	Verdict    string         `json:"verdict" enum:"approve,reject"`
	Values     map[string]any `json:"values,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProcessID  string `json:"process_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
