package lifecycle

import (
	"fmt"
	"time"

	"agora/internal/domain"
	"agora/internal/evaluate"
	"agora/internal/pipeline"
	"agora/internal/schema"
)

// Status transitions over an instance: draft -> active -> {paused <-> active}
// -> {completed, cancelled}. Completed and cancelled are terminal.
func ensureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.InstanceDraft:
		if newStatus == domain.InstanceActive || newStatus == domain.InstanceCancelled {
			return nil
		}
	case domain.InstanceActive:
		if newStatus == domain.InstancePaused || newStatus == domain.InstanceCompleted || newStatus == domain.InstanceCancelled {
			return nil
		}
	case domain.InstancePaused:
		if newStatus == domain.InstanceActive || newStatus == domain.InstanceCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid instance status transition %s -> %s", oldStatus, newStatus)
}

// SetStatus returns a copy of the instance with the new status applied, or
// an error when the transition is not allowed.
func SetStatus(inst domain.Instance, status string, now time.Time) (domain.Instance, error) {
	if err := ensureStatusTransition(inst.Status, status); err != nil {
		return inst, err
	}
	inst.Status = status
	inst.UpdatedAt = now.UTC().Format(time.RFC3339)
	return inst, nil
}

// Launch moves a draft instance to active and stamps entry into the
// initial phase.
func Launch(inst domain.Instance, def schema.Definition, now time.Time) (domain.Instance, error) {
	out, err := SetStatus(inst, domain.InstanceActive, now)
	if err != nil {
		return inst, err
	}
	if out.CurrentStateID == "" {
		out.CurrentStateID = def.InitialPhase().ID
	}
	out.StateData = cloneStateData(out.StateData)
	out.StateData[out.CurrentStateID] = domain.StateData{EnteredAt: now.UTC().Format(time.RFC3339)}
	return out, nil
}

// AdvanceResult is the outcome of an advancement attempt. When Advanced is
// false the instance snapshot is returned unmodified and Report carries the
// per-condition failure detail.
type AdvanceResult struct {
	Advanced bool                     `json:"advanced"`
	Instance domain.Instance          `json:"instance"`
	Report   evaluate.Report          `json:"report"`
	Record   *domain.TransitionRecord `json:"record,omitempty"`
	Selected []pipeline.Doc           `json:"selected,omitempty"`
	Pipeline bool                     `json:"pipeline_applied"`
}

// AdvancePhase validates the requested transition, runs the source phase's
// selection pipeline over the proposal set when one is declared, and
// returns the post-transition instance snapshot. It is a pure function of
// its inputs; callers wrap check-then-write in a transaction or
// compare-and-swap (see the instance Version field).
func AdvancePhase(inst domain.Instance, def schema.Definition, toStateID string, m evaluate.Metrics, proposals []pipeline.Doc, vars map[string]any) (AdvanceResult, error) {
	if inst.Terminal() {
		return AdvanceResult{}, fmt.Errorf("instance %s is %s and accepts no transitions", inst.ID, inst.Status)
	}
	if inst.Status != domain.InstanceActive {
		return AdvanceResult{}, fmt.Errorf("instance %s is %s, not active", inst.ID, inst.Status)
	}
	if toStateID == "" {
		return AdvanceResult{}, fmt.Errorf("target state required")
	}
	source, ok := def.Phase(inst.CurrentStateID)
	if !ok {
		return AdvanceResult{}, fmt.Errorf("current state %s not in schema %s", inst.CurrentStateID, def.ID)
	}
	report, err := evaluate.CheckTransitions(def, inst.CurrentStateID, m, toStateID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if len(report.AvailableTransitions) == 0 {
		return AdvanceResult{}, fmt.Errorf("no transition from %s to %s", inst.CurrentStateID, toStateID)
	}
	if !report.CanTransition {
		return AdvanceResult{Advanced: false, Instance: inst, Report: report}, nil
	}
	var executed evaluate.TransitionStatus
	for _, status := range report.AvailableTransitions {
		if status.CanExecute {
			executed = status
			break
		}
	}

	result := AdvanceResult{Advanced: true, Report: report}
	// The selection pipeline is held on the source phase and applied when
	// leaving it.
	if source.Pipeline != nil {
		selected, err := pipeline.Run(*source.Pipeline, proposals, vars)
		if err != nil {
			return AdvanceResult{}, err
		}
		result.Selected = selected
		result.Pipeline = true
	}

	now := m.Now.UTC().Format(time.RFC3339)
	out := inst
	out.CurrentStateID = toStateID
	out.UpdatedAt = now
	out.StateData = cloneStateData(inst.StateData)
	out.StateData[toStateID] = domain.StateData{EnteredAt: now}
	result.Instance = out
	result.Record = &domain.TransitionRecord{
		InstanceID:     inst.ID,
		FromStateID:    inst.CurrentStateID,
		ToStateID:      toStateID,
		TransitionID:   executed.TransitionID,
		TransitionedAt: now,
	}
	return result, nil
}

func cloneStateData(in map[string]domain.StateData) map[string]domain.StateData {
	out := make(map[string]domain.StateData, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
