package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"agora/internal/domain"
)

func (r Repo) CreateReview(ctx context.Context, rev domain.Review) (domain.Review, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()
	created, err := r.CreateReviewTx(ctx, tx, rev)
	if err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	return created, nil
}

func (r Repo) CreateReviewTx(ctx context.Context, tx *sql.Tx, rev domain.Review) (domain.Review, error) {
	values, err := json.Marshal(rev.Values)
	if err != nil {
		return domain.Review{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO reviews(id, instance_id, proposal_id, reviewer_id, verdict, values_json, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		rev.ID, rev.InstanceID, rev.ProposalID, rev.ReviewerID, rev.Verdict, string(values), rev.CreatedAt, rev.UpdatedAt)
	if err != nil {
		return domain.Review{}, err
	}
	return rev, nil
}

func (r Repo) UpdateReviewTx(ctx context.Context, tx *sql.Tx, rev domain.Review) (domain.Review, error) {
	values, err := json.Marshal(rev.Values)
	if err != nil {
		return domain.Review{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET verdict=?, values_json=?, updated_at=? WHERE id=?`,
		rev.Verdict, string(values), rev.UpdatedAt, rev.ID)
	if err != nil {
		return domain.Review{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Review{}, ErrNotFound
	}
	return r.GetReviewTx(ctx, tx, rev.ID)
}

func (r Repo) GetReviewTx(ctx context.Context, tx *sql.Tx, id string) (domain.Review, error) {
	var rev domain.Review
	var values sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id, instance_id, proposal_id, reviewer_id, verdict, values_json, created_at, updated_at
FROM reviews WHERE id=?`, id).
		Scan(&rev.ID, &rev.InstanceID, &rev.ProposalID, &rev.ReviewerID, &rev.Verdict, &values, &rev.CreatedAt, &rev.UpdatedAt)
	if err == sql.ErrNoRows {
		return rev, ErrNotFound
	}
	if err != nil {
		return rev, err
	}
	if values.Valid && values.String != "" {
		_ = json.Unmarshal([]byte(values.String), &rev.Values)
	}
	return rev, nil
}

// GetReviewByReviewer finds an existing review so a resubmission updates
// instead of duplicating.
func (r Repo) GetReviewByReviewer(ctx context.Context, proposalID, reviewerID string) (domain.Review, error) {
	var rev domain.Review
	var values sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, instance_id, proposal_id, reviewer_id, verdict, values_json, created_at, updated_at
FROM reviews WHERE proposal_id=? AND reviewer_id=?`, proposalID, reviewerID).
		Scan(&rev.ID, &rev.InstanceID, &rev.ProposalID, &rev.ReviewerID, &rev.Verdict, &values, &rev.CreatedAt, &rev.UpdatedAt)
	if err == sql.ErrNoRows {
		return rev, ErrNotFound
	}
	if err != nil {
		return rev, err
	}
	if values.Valid && values.String != "" {
		_ = json.Unmarshal([]byte(values.String), &rev.Values)
	}
	return rev, nil
}

func (r Repo) ListReviewsByProposal(ctx context.Context, proposalID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, instance_id, proposal_id, reviewer_id, verdict, values_json, created_at, updated_at
FROM reviews WHERE proposal_id=? ORDER BY created_at ASC, id ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rev domain.Review
		var values sql.NullString
		if err := rows.Scan(&rev.ID, &rev.InstanceID, &rev.ProposalID, &rev.ReviewerID, &rev.Verdict, &values, &rev.CreatedAt, &rev.UpdatedAt); err != nil {
			return nil, err
		}
		if values.Valid && values.String != "" {
			_ = json.Unmarshal([]byte(values.String), &rev.Values)
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

// ReviewCounts returns approved and total review counts across the
// instance's active proposals.
func (r Repo) ReviewCounts(ctx context.Context, instanceID string) (approved, total int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(CASE WHEN verdict=? THEN 1 ELSE 0 END),0), COUNT(*)
FROM reviews WHERE instance_id=?`, domain.VerdictApprove, instanceID).Scan(&approved, &total)
	return approved, total, err
}
