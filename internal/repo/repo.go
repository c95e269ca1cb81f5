package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agora/internal/domain"
	"agora/internal/rubric"
	"agora/internal/schema"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleInstance is returned when an optimistic version check fails:
// another advancement committed against the same snapshot first.
var ErrStaleInstance = errors.New("instance modified concurrently")

// --- processes ---

func (r Repo) InsertProcess(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO processes(id,name,version,description,schema_json,rubric_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Version, nullable(p.Description), p.SchemaJSON, nullable(p.RubricJSON), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProcess(ctx context.Context, id string) (domain.Process, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,version,COALESCE(description,''),schema_json,COALESCE(rubric_json,''),created_at,updated_at FROM processes WHERE id=?`, id)
	var p domain.Process
	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Description, &p.SchemaJSON, &p.RubricJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProcesses(ctx context.Context) ([]domain.Process, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,version,COALESCE(description,''),schema_json,COALESCE(rubric_json,''),created_at,updated_at FROM processes ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		var p domain.Process
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Description, &p.SchemaJSON, &p.RubricJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProcess returns the only stored process, for workspaces that hold
// exactly one.
func (r Repo) SingleProcess(ctx context.Context) (domain.Process, error) {
	items, err := r.ListProcesses(ctx)
	if err != nil {
		return domain.Process{}, err
	}
	if len(items) == 0 {
		return domain.Process{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Process{}, fmt.Errorf("multiple processes exist; specify --process")
	}
	return items[0], nil
}

// UpdateProcessSchema bumps the version and replaces the schema document.
func (r Repo) UpdateProcessSchema(ctx context.Context, tx *sql.Tx, id, schemaJSON, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE processes SET schema_json=?, version=version+1, updated_at=? WHERE id=?`, schemaJSON, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProcessRubric(ctx context.Context, tx *sql.Tx, id, rubricJSON, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE processes SET rubric_json=?, updated_at=? WHERE id=?`, nullable(rubricJSON), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProcess(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM processes WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProcessSchema loads and decodes the stored schema document, accepting
// both the canonical and the legacy state dialect.
func (r Repo) ProcessSchema(ctx context.Context, id string) (schema.Definition, error) {
	p, err := r.GetProcess(ctx, id)
	if err != nil {
		return schema.Definition{}, err
	}
	return schema.Decode([]byte(p.SchemaJSON))
}

// ProcessRubric loads the stored rubric template; an absent rubric yields
// an empty template.
func (r Repo) ProcessRubric(ctx context.Context, id string) (rubric.Template, error) {
	p, err := r.GetProcess(ctx, id)
	if err != nil {
		return rubric.Template{}, err
	}
	if strings.TrimSpace(p.RubricJSON) == "" {
		return rubric.NewTemplate(), nil
	}
	return rubric.DecodeTemplate([]byte(p.RubricJSON))
}

// --- instances ---

const instanceColumns = `id,process_id,name,status,current_state_id,field_values_json,state_data_json,version,created_at,updated_at`

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.Instance) error {
	fields, err := marshalMap(inst.FieldValues)
	if err != nil {
		return err
	}
	states, err := json.Marshal(inst.StateData)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.ProcessID, inst.Name, inst.Status, inst.CurrentStateID, fields, string(states), inst.Version, inst.CreatedAt, inst.UpdatedAt)
	return err
}

func scanInstance(scan func(dest ...any) error) (domain.Instance, error) {
	var inst domain.Instance
	var fields, states sql.NullString
	err := scan(&inst.ID, &inst.ProcessID, &inst.Name, &inst.Status, &inst.CurrentStateID, &fields, &states, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &inst.FieldValues); err != nil {
			return inst, fmt.Errorf("decode field values: %w", err)
		}
	}
	if states.Valid && states.String != "" {
		if err := json.Unmarshal([]byte(states.String), &inst.StateData); err != nil {
			return inst, fmt.Errorf("decode state data: %w", err)
		}
	}
	return inst, nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

func (r Repo) ListInstances(ctx context.Context, processID string) ([]domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	if processID != "" {
		query += ` WHERE process_id=?`
		args = append(args, processID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// ListActiveInstances returns instances whose automatic transitions are
// worth evaluating.
func (r Repo) ListActiveInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE status=? ORDER BY created_at ASC, id ASC`, domain.InstanceActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// UpdateInstance writes the snapshot with an optimistic version check:
// the stored row must still carry expectedVersion or ErrStaleInstance is
// returned and nothing is written.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, inst domain.Instance, expectedVersion int64) error {
	fields, err := marshalMap(inst.FieldValues)
	if err != nil {
		return err
	}
	states, err := json.Marshal(inst.StateData)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE instances SET name=?, status=?, current_state_id=?, field_values_json=?, state_data_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		inst.Name, inst.Status, inst.CurrentStateID, fields, string(states), inst.UpdatedAt, inst.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetInstance(ctx, inst.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleInstance
	}
	return nil
}

// --- transition history ---

func (r Repo) AppendTransition(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transition_history(instance_id,from_state_id,to_state_id,transition_id,transitioned_at,data_json) VALUES (?,?,?,?,?,?)`,
		rec.InstanceID, rec.FromStateID, rec.ToStateID, nullable(rec.TransitionID), rec.TransitionedAt, nullable(rec.DataJSON))
	return err
}

func (r Repo) ListTransitions(ctx context.Context, instanceID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,instance_id,from_state_id,to_state_id,COALESCE(transition_id,''),transitioned_at,COALESCE(data_json,'') FROM transition_history WHERE instance_id=? ORDER BY id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.FromStateID, &rec.ToStateID, &rec.TransitionID, &rec.TransitionedAt, &rec.DataJSON); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, processID string, limit int, sinceID int64) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if processID != "" {
		clauses = append(clauses, "process_id=?")
		args = append(args, processID)
	}
	if sinceID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, sinceID)
	}
	query := `SELECT id,ts,type,COALESCE(process_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProcessID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the id of the newest event for the process, or 0
// when none exist.
func (r Repo) LatestEventID(ctx context.Context, processID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE process_id=?`, processID).Scan(&id)
	return id, err
}

// --- helpers ---

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
