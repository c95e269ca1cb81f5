package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agora/internal/config"
	"agora/internal/domain"
	"agora/internal/evaluate"
	"agora/internal/events"
	"agora/internal/lifecycle"
	"agora/internal/pipeline"
	"agora/internal/repo"
	"agora/internal/rubric"
	"agora/internal/schema"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// --- processes ---

// CreateProcess validates and stores a schema document, accepting both the
// canonical dialect and the legacy states dialect.
func (e Engine) CreateProcess(ctx context.Context, name, description string, schemaJSON []byte, actorID string) (domain.Process, error) {
	def, err := schema.Decode(schemaJSON)
	if err != nil {
		return domain.Process{}, fmt.Errorf("schema: %w", err)
	}
	now := e.nowString()
	p := domain.Process{
		ID:          def.ID,
		Name:        name,
		Version:     1,
		Description: description,
		SchemaJSON:  string(schemaJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Name == "" {
		p.Name = def.Name
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProcess(ctx, tx, p); err != nil {
		return domain.Process{}, fmt.Errorf("insert process: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "process.created", p.ID, "process", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// UpdateProcessSchema replaces the stored schema. Existing instances keep
// running against the phase ids they already reference, so the new document
// must still contain every phase an active instance sits in.
func (e Engine) UpdateProcessSchema(ctx context.Context, processID string, schemaJSON []byte, actorID string) (domain.Process, error) {
	def, err := schema.Decode(schemaJSON)
	if err != nil {
		return domain.Process{}, fmt.Errorf("schema: %w", err)
	}
	instances, err := e.Repo.ListInstances(ctx, processID)
	if err != nil {
		return domain.Process{}, err
	}
	for _, inst := range instances {
		if inst.Terminal() || inst.CurrentStateID == "" {
			continue
		}
		if _, ok := def.Phase(inst.CurrentStateID); !ok {
			return domain.Process{}, fmt.Errorf("instance %s is in phase %s which the new schema drops", inst.ID, inst.CurrentStateID)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProcessSchema(ctx, tx, processID, string(schemaJSON), e.nowString()); err != nil {
		return domain.Process{}, err
	}
	if err := e.Events.Append(ctx, tx, "process.schema.updated", processID, "process", processID, actorID, events.EventPayload{"schema_version": def.Version}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return e.Repo.GetProcess(ctx, processID)
}

// MutateRubric loads the process rubric, applies the mutation, and persists
// the result. The mutation never sees the stored template directly.
func (e Engine) MutateRubric(ctx context.Context, processID, actorID string, mutate func(rubric.Template) (rubric.Template, error)) (rubric.Template, error) {
	tpl, err := e.Repo.ProcessRubric(ctx, processID)
	if err != nil {
		return rubric.Template{}, err
	}
	next, err := mutate(tpl)
	if err != nil {
		return rubric.Template{}, err
	}
	if err := next.Validate(); err != nil {
		return rubric.Template{}, err
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return rubric.Template{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rubric.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProcessRubric(ctx, tx, processID, string(encoded), e.nowString()); err != nil {
		return rubric.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, "process.rubric.updated", processID, "process", processID, actorID, events.EventPayload{
		"criteria": len(next.FieldOrder),
	}); err != nil {
		return rubric.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return rubric.Template{}, err
	}
	return next, nil
}

// --- instances ---

type InstanceCreateOptions struct {
	ID          string
	ProcessID   string
	Name        string
	FieldValues map[string]any
	ActorID     string
}

func (e Engine) CreateInstance(ctx context.Context, opts InstanceCreateOptions) (domain.Instance, error) {
	if opts.Name == "" {
		return domain.Instance{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProcess(ctx, opts.ProcessID); err != nil {
		return domain.Instance{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	inst := domain.Instance{
		ID:          id,
		ProcessID:   opts.ProcessID,
		Name:        opts.Name,
		Status:      domain.InstanceDraft,
		FieldValues: opts.FieldValues,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return domain.Instance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.created", inst.ProcessID, "instance", inst.ID, opts.ActorID, events.EventPayload{"name": inst.Name}); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// LaunchInstance activates a draft instance and places it in the initial
// phase of its process schema.
func (e Engine) LaunchInstance(ctx context.Context, instanceID, actorID string) (domain.Instance, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, err
	}
	def, err := e.Repo.ProcessSchema(ctx, inst.ProcessID)
	if err != nil {
		return domain.Instance{}, err
	}
	launched, err := lifecycle.Launch(inst, def, e.now())
	if err != nil {
		return inst, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstance(ctx, tx, launched, inst.Version); err != nil {
		return inst, err
	}
	if err := e.Events.Append(ctx, tx, "instance.launched", inst.ProcessID, "instance", inst.ID, actorID, events.EventPayload{
		"initial_state": launched.CurrentStateID,
	}); err != nil {
		return inst, err
	}
	if err := tx.Commit(); err != nil {
		return inst, err
	}
	launched.Version = inst.Version + 1
	return launched, nil
}

// SetInstanceStatus applies a lifecycle status change: pause, resume,
// complete or cancel.
func (e Engine) SetInstanceStatus(ctx context.Context, instanceID, status, actorID string) (domain.Instance, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, err
	}
	next, err := lifecycle.SetStatus(inst, status, e.now())
	if err != nil {
		return inst, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstance(ctx, tx, next, inst.Version); err != nil {
		return inst, err
	}
	if err := e.Events.Append(ctx, tx, "instance.status.changed", inst.ProcessID, "instance", inst.ID, actorID, events.EventPayload{
		"from": inst.Status,
		"to":   next.Status,
	}); err != nil {
		return inst, err
	}
	if err := tx.Commit(); err != nil {
		return inst, err
	}
	next.Version = inst.Version + 1
	return next, nil
}

// CheckInstance evaluates the transitions out of the instance's current
// phase without mutating anything.
func (e Engine) CheckInstance(ctx context.Context, instanceID, toStateID string) (evaluate.Report, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return evaluate.Report{}, err
	}
	def, err := e.Repo.ProcessSchema(ctx, inst.ProcessID)
	if err != nil {
		return evaluate.Report{}, err
	}
	m, err := e.Repo.InstanceMetrics(ctx, inst, e.now())
	if err != nil {
		return evaluate.Report{}, err
	}
	return evaluate.CheckTransitions(def, inst.CurrentStateID, m, toStateID)
}

// Advance attempts the transition into toStateID. When the source phase
// declares a selection pipeline the surviving proposals are kept and the
// rest marked dropped, inside the same transaction as the phase change. The
// instance version read at the start guards the write: a concurrent
// advancement surfaces as repo.ErrStaleInstance instead of a double
// transition.
func (e Engine) Advance(ctx context.Context, instanceID, toStateID, actorID string) (lifecycle.AdvanceResult, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	def, err := e.Repo.ProcessSchema(ctx, inst.ProcessID)
	if err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	m, err := e.Repo.InstanceMetrics(ctx, inst, e.now())
	if err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	proposals, err := e.Repo.ListProposals(ctx, inst.ID, domain.ProposalActive)
	if err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	totals, err := e.Repo.VoteTotals(ctx, inst.ID)
	if err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	docs := make([]pipeline.Doc, 0, len(proposals))
	for _, p := range proposals {
		fields := p.Fields()
		if _, ok := fields["voteCount"]; !ok {
			fields["voteCount"] = totals[p.ID]
		}
		docs = append(docs, fields)
	}

	result, err := lifecycle.AdvancePhase(inst, def, toStateID, m, docs, e.variables(def, inst))
	if err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	if !result.Advanced {
		return result, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstance(ctx, tx, result.Instance, inst.Version); err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	if err := e.Repo.AppendTransition(ctx, tx, *result.Record); err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	if result.Pipeline {
		keep := make([]string, 0, len(result.Selected))
		for _, doc := range result.Selected {
			if id, ok := doc["id"].(string); ok {
				keep = append(keep, id)
			}
		}
		dropped, err := e.Repo.DropProposalsExcept(ctx, tx, inst.ID, keep, e.nowString())
		if err != nil {
			return lifecycle.AdvanceResult{}, err
		}
		if dropped > 0 {
			if err := e.Events.Append(ctx, tx, "proposals.selected", inst.ProcessID, "instance", inst.ID, actorID, events.EventPayload{
				"kept":    len(keep),
				"dropped": dropped,
				"phase":   inst.CurrentStateID,
			}); err != nil {
				return lifecycle.AdvanceResult{}, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "instance.advanced", inst.ProcessID, "instance", inst.ID, actorID, events.EventPayload{
		"from":       inst.CurrentStateID,
		"to":         toStateID,
		"transition": result.Record.TransitionID,
	}); err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return lifecycle.AdvanceResult{}, err
	}
	result.Instance.Version = inst.Version + 1
	return result, nil
}

// Tick evaluates every active instance's automatic transitions and
// executes those whose conditions hold. A phase whose advancement method
// is date and whose deadline has passed is treated as due: its executable
// outgoing transition fires even when declared manual. A stale write from
// a concurrent operator action skips that instance rather than failing
// the sweep.
func (e Engine) Tick(ctx context.Context, actorID string) ([]lifecycle.AdvanceResult, error) {
	instances, err := e.Repo.ListActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	var advanced []lifecycle.AdvanceResult
	for _, inst := range instances {
		def, err := e.Repo.ProcessSchema(ctx, inst.ProcessID)
		if err != nil {
			return advanced, fmt.Errorf("instance %s: %w", inst.ID, err)
		}
		due := phaseDue(def, inst.CurrentStateID, e.now())
		report, err := e.CheckInstance(ctx, inst.ID, "")
		if err != nil {
			return advanced, fmt.Errorf("instance %s: %w", inst.ID, err)
		}
		for _, status := range report.AvailableTransitions {
			if !status.CanExecute || (!status.Automatic && !due) {
				continue
			}
			res, err := e.Advance(ctx, inst.ID, status.ToStateID, actorID)
			if errors.Is(err, repo.ErrStaleInstance) {
				break
			}
			if err != nil {
				return advanced, fmt.Errorf("instance %s: %w", inst.ID, err)
			}
			if res.Advanced {
				advanced = append(advanced, res)
			}
			break
		}
	}
	return advanced, nil
}

// phaseDue reports whether a phase schedules its own exit: advancement
// method date with a deadline at or before now.
func phaseDue(def schema.Definition, stateID string, now time.Time) bool {
	phase, ok := def.Phase(stateID)
	if !ok {
		return false
	}
	adv := phase.Rules.Advancement
	if adv.Method != schema.AdvanceDate || adv.At == nil {
		return false
	}
	at, err := time.Parse(time.RFC3339, *adv.At)
	if err != nil {
		return false
	}
	return !now.Before(at)
}

// variables merges workspace defaults, current phase settings and instance
// field values for selection-pipeline resolution. Later sources win.
func (e Engine) variables(def schema.Definition, inst domain.Instance) map[string]any {
	var base map[string]any
	if e.Config != nil {
		base = e.Config.Defaults.Variables
	}
	var settings map[string]any
	if phase, ok := def.Phase(inst.CurrentStateID); ok {
		settings = phase.Settings
	}
	vars := pipeline.ResolveVariables(base, settings)
	return pipeline.ResolveVariables(vars, inst.FieldValues)
}
