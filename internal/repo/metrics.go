package repo

import (
	"context"
	"time"

	"agora/internal/domain"
	"agora/internal/evaluate"
)

// InstanceMetrics assembles the metrics snapshot transition conditions
// evaluate against. The approval rate is a fraction in [0,1]; an instance
// with no reviews reports 0.
func (r Repo) InstanceMetrics(ctx context.Context, inst domain.Instance, now time.Time) (evaluate.Metrics, error) {
	proposals, err := r.CountProposals(ctx, inst.ID)
	if err != nil {
		return evaluate.Metrics{}, err
	}
	voters, err := r.DistinctVoterCount(ctx, inst.ID)
	if err != nil {
		return evaluate.Metrics{}, err
	}
	approved, total, err := r.ReviewCounts(ctx, inst.ID)
	if err != nil {
		return evaluate.Metrics{}, err
	}
	m := evaluate.Metrics{
		ProposalCount:      proposals,
		ParticipationCount: voters,
		FieldValues:        inst.FieldValues,
		Now:                now,
	}
	if total > 0 {
		m.ApprovalRate = float64(approved) / float64(total)
	}
	return m, nil
}
