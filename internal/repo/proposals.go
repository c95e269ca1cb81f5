package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"agora/internal/domain"
)

func (r Repo) CreateProposal(ctx context.Context, p domain.Proposal) (domain.Proposal, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	created, err := r.CreateProposalTx(ctx, tx, p)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return created, nil
}

func (r Repo) CreateProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) (domain.Proposal, error) {
	fields, err := marshalMap(p.FieldValues)
	if err != nil {
		return domain.Proposal{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO proposals(id, instance_id, title, body, author_id, status, field_values_json, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.InstanceID, p.Title, nullable(p.Body), p.AuthorID, p.Status, fields, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

func (r Repo) UpdateProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) (domain.Proposal, error) {
	fields, err := marshalMap(p.FieldValues)
	if err != nil {
		return domain.Proposal{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET title=?, body=?, status=?, field_values_json=?, updated_at=? WHERE id=?`,
		p.Title, nullable(p.Body), p.Status, fields, p.UpdatedAt, p.ID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Proposal{}, ErrNotFound
	}
	return r.GetProposalTx(ctx, tx, p.ID)
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	p, err := r.GetProposalTx(ctx, tx, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	var p domain.Proposal
	var body, fields sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id, instance_id, title, body, author_id, status, field_values_json, created_at, updated_at
FROM proposals WHERE id=?`, id).
		Scan(&p.ID, &p.InstanceID, &p.Title, &body, &p.AuthorID, &p.Status, &fields, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if body.Valid {
		p.Body = body.String
	}
	if fields.Valid && fields.String != "" {
		_ = json.Unmarshal([]byte(fields.String), &p.FieldValues)
	}
	return p, nil
}

func (r Repo) ListProposals(ctx context.Context, instanceID, status string) ([]domain.Proposal, error) {
	query := `SELECT id, instance_id, title, body, author_id, status, field_values_json, created_at, updated_at
FROM proposals WHERE instance_id=?`
	args := []any{instanceID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		var body, fields sql.NullString
		if err := rows.Scan(&p.ID, &p.InstanceID, &p.Title, &body, &p.AuthorID, &p.Status, &fields, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if body.Valid {
			p.Body = body.String
		}
		if fields.Valid && fields.String != "" {
			_ = json.Unmarshal([]byte(fields.String), &p.FieldValues)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountProposals(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE instance_id=? AND status=?`,
		instanceID, domain.ProposalActive).Scan(&n)
	return n, err
}

func (r Repo) CountProposalsByAuthor(ctx context.Context, instanceID, authorID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE instance_id=? AND author_id=? AND status=?`,
		instanceID, authorID, domain.ProposalActive).Scan(&n)
	return n, err
}

// DropProposalsExcept marks every active proposal of the instance dropped
// except the kept ids. Used when a selection pipeline narrows the field on
// phase exit.
func (r Repo) DropProposalsExcept(ctx context.Context, tx *sql.Tx, instanceID string, keep []string, updatedAt string) (int64, error) {
	query := `UPDATE proposals SET status=?, updated_at=? WHERE instance_id=? AND status=?`
	args := []any{domain.ProposalDropped, updatedAt, instanceID, domain.ProposalActive}
	if len(keep) > 0 {
		query += fmt.Sprintf(` AND id NOT IN (%s)`, placeholders(len(keep)))
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- votes ---

// UpsertVoteTx records a voter's vote on a proposal, replacing any earlier
// vote by the same voter.
func (r Repo) UpsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) (domain.Vote, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(id, instance_id, proposal_id, voter_id, weight, created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(proposal_id, voter_id) DO UPDATE SET weight=excluded.weight`,
		v.ID, v.InstanceID, v.ProposalID, v.VoterID, v.Weight, v.CreatedAt)
	if err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

func (r Repo) DeleteVoteTx(ctx context.Context, tx *sql.Tx, proposalID, voterID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE proposal_id=? AND voter_id=?`, proposalID, voterID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountVotesByVoter(ctx context.Context, instanceID, voterID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE instance_id=? AND voter_id=?`, instanceID, voterID).Scan(&n)
	return n, err
}

func (r Repo) DistinctVoterCount(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT voter_id) FROM votes WHERE instance_id=?`, instanceID).Scan(&n)
	return n, err
}

// VoteTotals returns the summed vote weight per proposal id.
func (r Repo) VoteTotals(ctx context.Context, instanceID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT proposal_id, SUM(weight) FROM votes WHERE instance_id=? GROUP BY proposal_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	totals := map[string]int{}
	for rows.Next() {
		var id string
		var sum int
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		totals[id] = sum
	}
	return totals, rows.Err()
}
