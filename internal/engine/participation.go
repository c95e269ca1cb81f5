package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agora/internal/domain"
	"agora/internal/events"
	"agora/internal/repo"
	"agora/internal/rubric"
	"agora/internal/schema"
)

// phaseRules resolves the rules of the instance's current phase. Every
// participation operation gates on them.
func (e Engine) phaseRules(ctx context.Context, inst domain.Instance) (schema.Phase, error) {
	if inst.Status != domain.InstanceActive {
		return schema.Phase{}, fmt.Errorf("instance %s is %s, not active", inst.ID, inst.Status)
	}
	def, err := e.Repo.ProcessSchema(ctx, inst.ProcessID)
	if err != nil {
		return schema.Phase{}, err
	}
	phase, ok := def.Phase(inst.CurrentStateID)
	if !ok {
		return schema.Phase{}, fmt.Errorf("current state %s not in schema %s", inst.CurrentStateID, def.ID)
	}
	return phase, nil
}

type ProposalSubmitOptions struct {
	ID          string
	InstanceID  string
	Title       string
	Body        string
	AuthorID    string
	FieldValues map[string]any
}

func (e Engine) SubmitProposal(ctx context.Context, opts ProposalSubmitOptions) (domain.Proposal, error) {
	if opts.Title == "" {
		return domain.Proposal{}, errors.New("title is required")
	}
	if opts.AuthorID == "" {
		return domain.Proposal{}, errors.New("author is required")
	}
	inst, err := e.Repo.GetInstance(ctx, opts.InstanceID)
	if err != nil {
		return domain.Proposal{}, err
	}
	phase, err := e.phaseRules(ctx, inst)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !phase.Rules.Proposals.Submit {
		return domain.Proposal{}, fmt.Errorf("phase %s does not accept proposals", phase.ID)
	}
	if max, ok := e.variableInt(ctx, inst, "maxProposalsPerAuthor"); ok {
		n, err := e.Repo.CountProposalsByAuthor(ctx, inst.ID, opts.AuthorID)
		if err != nil {
			return domain.Proposal{}, err
		}
		if n >= max {
			return domain.Proposal{}, fmt.Errorf("author %s already has %d proposals (limit %d)", opts.AuthorID, n, max)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	p := domain.Proposal{
		ID:          id,
		InstanceID:  inst.ID,
		Title:       opts.Title,
		Body:        opts.Body,
		AuthorID:    opts.AuthorID,
		Status:      domain.ProposalActive,
		FieldValues: opts.FieldValues,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.CreateProposalTx(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.submitted", inst.ProcessID, "proposal", p.ID, opts.AuthorID, events.EventPayload{
		"title": p.Title,
		"phase": phase.ID,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

type ProposalUpdateOptions struct {
	ID          string
	Title       string
	Body        *string
	FieldValues map[string]any
	ActorID     string
}

// UpdateProposal edits an active proposal. Only the author may edit, and
// only while the current phase allows edits.
func (e Engine) UpdateProposal(ctx context.Context, opts ProposalUpdateOptions) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, opts.ID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status != domain.ProposalActive {
		return p, fmt.Errorf("proposal %s is %s", p.ID, p.Status)
	}
	if p.AuthorID != opts.ActorID {
		return p, fmt.Errorf("proposal %s belongs to %s", p.ID, p.AuthorID)
	}
	inst, err := e.Repo.GetInstance(ctx, p.InstanceID)
	if err != nil {
		return p, err
	}
	phase, err := e.phaseRules(ctx, inst)
	if err != nil {
		return p, err
	}
	if !phase.Rules.Proposals.Edit {
		return p, fmt.Errorf("phase %s does not allow proposal edits", phase.ID)
	}
	if opts.Title != "" {
		p.Title = opts.Title
	}
	if opts.Body != nil {
		p.Body = *opts.Body
	}
	for k, v := range opts.FieldValues {
		if p.FieldValues == nil {
			p.FieldValues = map[string]any{}
		}
		p.FieldValues[k] = v
	}
	p.UpdatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdateProposalTx(ctx, tx, p)
	if err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.updated", inst.ProcessID, "proposal", p.ID, opts.ActorID, events.EventPayload{"title": p.Title}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return updated, nil
}

// WithdrawProposal is author-initiated and allowed in any non-terminal
// phase of an active instance.
func (e Engine) WithdrawProposal(ctx context.Context, proposalID, actorID string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status != domain.ProposalActive {
		return p, fmt.Errorf("proposal %s is %s", p.ID, p.Status)
	}
	if p.AuthorID != actorID {
		return p, fmt.Errorf("proposal %s belongs to %s", p.ID, p.AuthorID)
	}
	inst, err := e.Repo.GetInstance(ctx, p.InstanceID)
	if err != nil {
		return p, err
	}
	if inst.Terminal() {
		return p, fmt.Errorf("instance %s is %s and accepts no changes", inst.ID, inst.Status)
	}
	p.Status = domain.ProposalWithdrawn
	p.UpdatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdateProposalTx(ctx, tx, p)
	if err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.withdrawn", inst.ProcessID, "proposal", p.ID, actorID, events.EventPayload{}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return updated, nil
}

// CastVote records or replaces a vote. The per-voter budget comes from the
// maxVotesPerMember variable when defined.
func (e Engine) CastVote(ctx context.Context, proposalID, voterID string, weight int, actorID string) (domain.Vote, error) {
	if voterID == "" {
		return domain.Vote{}, errors.New("voter is required")
	}
	if weight == 0 {
		weight = 1
	}
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Vote{}, err
	}
	if p.Status != domain.ProposalActive {
		return domain.Vote{}, fmt.Errorf("proposal %s is %s", p.ID, p.Status)
	}
	inst, err := e.Repo.GetInstance(ctx, p.InstanceID)
	if err != nil {
		return domain.Vote{}, err
	}
	phase, err := e.phaseRules(ctx, inst)
	if err != nil {
		return domain.Vote{}, err
	}
	if !phase.Rules.Voting.Submit {
		return domain.Vote{}, fmt.Errorf("phase %s does not accept votes", phase.ID)
	}
	_, replacing := voteExists(e, ctx, proposalID, voterID)
	if replacing && !phase.Rules.Voting.Edit {
		return domain.Vote{}, fmt.Errorf("phase %s does not allow vote changes", phase.ID)
	}
	if max, ok := e.variableInt(ctx, inst, "maxVotesPerMember"); ok && !replacing {
		n, err := e.Repo.CountVotesByVoter(ctx, inst.ID, voterID)
		if err != nil {
			return domain.Vote{}, err
		}
		if n >= max {
			return domain.Vote{}, fmt.Errorf("voter %s already cast %d votes (limit %d)", voterID, n, max)
		}
	}
	v := domain.Vote{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		ProposalID: proposalID,
		VoterID:    voterID,
		Weight:     weight,
		CreatedAt:  e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.UpsertVoteTx(ctx, tx, v); err != nil {
		return domain.Vote{}, err
	}
	if err := e.Events.Append(ctx, tx, "vote.cast", inst.ProcessID, "proposal", proposalID, actorID, events.EventPayload{
		"voter":  voterID,
		"weight": weight,
	}); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

func voteExists(e Engine, ctx context.Context, proposalID, voterID string) (domain.Vote, bool) {
	var v domain.Vote
	row := e.DB.QueryRowContext(ctx, `SELECT id, instance_id, proposal_id, voter_id, weight, created_at FROM votes WHERE proposal_id=? AND voter_id=?`, proposalID, voterID)
	if err := row.Scan(&v.ID, &v.InstanceID, &v.ProposalID, &v.VoterID, &v.Weight, &v.CreatedAt); err != nil {
		return domain.Vote{}, false
	}
	return v, true
}

type ReviewSubmitOptions struct {
	InstanceID string
	ProposalID string
	ReviewerID string
	Verdict    string
	Values     map[string]any
}

// SubmitReview records a reviewer's rubric answers. A second submission by
// the same reviewer replaces the first when the phase allows edits.
func (e Engine) SubmitReview(ctx context.Context, opts ReviewSubmitOptions) (domain.Review, error) {
	if opts.ReviewerID == "" {
		return domain.Review{}, errors.New("reviewer is required")
	}
	if opts.Verdict != domain.VerdictApprove && opts.Verdict != domain.VerdictReject {
		return domain.Review{}, fmt.Errorf("verdict must be %s or %s", domain.VerdictApprove, domain.VerdictReject)
	}
	p, err := e.Repo.GetProposal(ctx, opts.ProposalID)
	if err != nil {
		return domain.Review{}, err
	}
	if p.Status != domain.ProposalActive {
		return domain.Review{}, fmt.Errorf("proposal %s is %s", p.ID, p.Status)
	}
	inst, err := e.Repo.GetInstance(ctx, p.InstanceID)
	if err != nil {
		return domain.Review{}, err
	}
	phase, err := e.phaseRules(ctx, inst)
	if err != nil {
		return domain.Review{}, err
	}
	if !phase.Rules.Proposals.Review {
		return domain.Review{}, fmt.Errorf("phase %s does not accept reviews", phase.ID)
	}
	tpl, err := e.Repo.ProcessRubric(ctx, inst.ProcessID)
	if err != nil {
		return domain.Review{}, err
	}
	if err := checkReviewValues(tpl, opts.Values); err != nil {
		return domain.Review{}, err
	}

	now := e.nowString()
	existing, err := e.Repo.GetReviewByReviewer(ctx, opts.ProposalID, opts.ReviewerID)
	switch {
	case err == nil:
		existing.Verdict = opts.Verdict
		existing.Values = opts.Values
		existing.UpdatedAt = now
		return e.writeReview(ctx, inst, existing, true)
	case errors.Is(err, repo.ErrNotFound):
		rev := domain.Review{
			ID:         uuid.New().String(),
			InstanceID: inst.ID,
			ProposalID: opts.ProposalID,
			ReviewerID: opts.ReviewerID,
			Verdict:    opts.Verdict,
			Values:     opts.Values,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return e.writeReview(ctx, inst, rev, false)
	default:
		return domain.Review{}, err
	}
}

func (e Engine) writeReview(ctx context.Context, inst domain.Instance, rev domain.Review, update bool) (domain.Review, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()
	if update {
		rev, err = e.Repo.UpdateReviewTx(ctx, tx, rev)
	} else {
		rev, err = e.Repo.CreateReviewTx(ctx, tx, rev)
	}
	if err != nil {
		return domain.Review{}, err
	}
	evtType := "review.submitted"
	if update {
		evtType = "review.updated"
	}
	if err := e.Events.Append(ctx, tx, evtType, inst.ProcessID, "proposal", rev.ProposalID, rev.ReviewerID, events.EventPayload{
		"verdict": rev.Verdict,
	}); err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	return rev, nil
}

// checkReviewValues validates answers against the rubric: required criteria
// must be answered, scores must sit inside the criterion's range, and
// dropdown answers must name a declared option.
func checkReviewValues(tpl rubric.Template, values map[string]any) error {
	for _, c := range rubric.Criteria(tpl) {
		answer, ok := values[c.ID]
		if !ok {
			if c.Required {
				return fmt.Errorf("criterion %s requires an answer", c.ID)
			}
			continue
		}
		switch c.CriterionType {
		case rubric.TypeScored:
			n, isNum := asInt(answer)
			if !isNum || n < 1 || n > c.MaxPoints {
				return fmt.Errorf("criterion %s score must be between 1 and %d", c.ID, c.MaxPoints)
			}
		case rubric.TypeYesNo:
			if answer != "yes" && answer != "no" {
				return fmt.Errorf("criterion %s answer must be yes or no", c.ID)
			}
		case rubric.TypeDropdown:
			got := fmt.Sprint(answer)
			found := false
			for _, opt := range c.Options {
				// The option id is the stored value; the display title is
				// accepted as a convenience.
				if opt.ID == got || opt.Value == got {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("criterion %s answer %v is not an option", c.ID, answer)
			}
		case rubric.TypeLongText:
			if _, isStr := answer.(string); !isStr {
				return fmt.Errorf("criterion %s answer must be text", c.ID)
			}
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// variableInt resolves a named integer variable for the instance's current
// phase, merging workspace defaults, phase settings and instance fields.
func (e Engine) variableInt(ctx context.Context, inst domain.Instance, name string) (int, bool) {
	def, err := e.Repo.ProcessSchema(ctx, inst.ProcessID)
	if err != nil {
		return 0, false
	}
	vars := e.variables(def, inst)
	v, ok := vars[name]
	if !ok {
		return 0, false
	}
	n, ok := asInt(v)
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}
