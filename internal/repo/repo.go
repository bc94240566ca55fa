package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"driveline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertGoalSet(ctx context.Context, tx *sql.Tx, gs domain.GoalSet) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goal_sets(id,provider,owner,repo,branch,sha,created_at) VALUES (?,?,?,?,?,?,?)`,
		gs.ID, nullable(gs.Push.Provider), gs.Push.Owner, gs.Push.Repo, gs.Push.Branch, gs.Push.SHA, gs.CreatedAt)
	return err
}

func (r Repo) GetGoalSet(ctx context.Context, id string) (domain.GoalSet, error) {
	var gs domain.GoalSet
	var provider sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,provider,owner,repo,branch,sha,created_at FROM goal_sets WHERE id=?`, id).
		Scan(&gs.ID, &provider, &gs.Push.Owner, &gs.Push.Repo, &gs.Push.Branch, &gs.Push.SHA, &gs.CreatedAt)
	if err == sql.ErrNoRows {
		return gs, ErrNotFound
	}
	if provider.Valid {
		gs.Push.Provider = provider.String
	}
	return gs, err
}

func (r Repo) ListGoalSets(ctx context.Context, limit int) ([]domain.GoalSet, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(provider,''),owner,repo,branch,sha,created_at FROM goal_sets ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GoalSet
	for rows.Next() {
		var gs domain.GoalSet
		if err := rows.Scan(&gs.ID, &gs.Push.Provider, &gs.Push.Owner, &gs.Push.Repo, &gs.Push.Branch, &gs.Push.SHA, &gs.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, gs)
	}
	return res, rows.Err()
}

const goalColumns = `goal_set_id,environment,unique_name,version,COALESCE(name,''),state,COALESCE(description,''),
	COALESCE(preconditions_json,''),fulfillment_method,fulfillment_name,COALESCE(fulfillment_reg,''),
	retry_feasible,approval_required,pre_approval_required,
	COALESCE(approval_json,''),COALESCE(pre_approval_json,''),COALESCE(provenance_json,''),
	COALESCE(data_json,''),COALESCE(external_urls_json,''),COALESCE(signature,''),ts`

type goalScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row goalScanner) (domain.Goal, error) {
	var g domain.Goal
	var preconditions, approval, preApproval, provenance, urls string
	err := row.Scan(&g.GoalSetID, &g.Environment, &g.UniqueName, &g.Version, &g.Name, &g.State, &g.Description,
		&preconditions, &g.Fulfillment.Method, &g.Fulfillment.Name, &g.Fulfillment.Registration,
		&g.RetryFeasible, &g.ApprovalRequired, &g.PreApprovalRequired,
		&approval, &preApproval, &provenance,
		&g.Data, &urls, &g.Signature, &g.TS)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if err := unmarshalInto(preconditions, &g.PreConditions); err != nil {
		return g, fmt.Errorf("goal %s preconditions: %w", g.Key(), err)
	}
	if err := unmarshalInto(approval, &g.Approval); err != nil {
		return g, fmt.Errorf("goal %s approval: %w", g.Key(), err)
	}
	if err := unmarshalInto(preApproval, &g.PreApproval); err != nil {
		return g, fmt.Errorf("goal %s pre_approval: %w", g.Key(), err)
	}
	if err := unmarshalInto(provenance, &g.Provenance); err != nil {
		return g, fmt.Errorf("goal %s provenance: %w", g.Key(), err)
	}
	if err := unmarshalInto(urls, &g.ExternalURLs); err != nil {
		return g, fmt.Errorf("goal %s external_urls: %w", g.Key(), err)
	}
	return g, nil
}

func unmarshalInto(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// InsertGoalVersion appends one goal record version. Callers fill
// Version; the table's primary key rejects duplicate versions so two
// writers racing the same transition cannot both land.
func (r Repo) InsertGoalVersion(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	preconditions, err := marshalOrEmpty(g.PreConditions, len(g.PreConditions) > 0)
	if err != nil {
		return err
	}
	approval, err := marshalOrEmpty(g.Approval, g.Approval != nil)
	if err != nil {
		return err
	}
	preApproval, err := marshalOrEmpty(g.PreApproval, g.PreApproval != nil)
	if err != nil {
		return err
	}
	provenance, err := marshalOrEmpty(g.Provenance, len(g.Provenance) > 0)
	if err != nil {
		return err
	}
	urls, err := marshalOrEmpty(g.ExternalURLs, len(g.ExternalURLs) > 0)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO goals(goal_set_id,environment,unique_name,version,name,state,description,
		preconditions_json,fulfillment_method,fulfillment_name,fulfillment_reg,
		retry_feasible,approval_required,pre_approval_required,
		approval_json,pre_approval_json,provenance_json,data_json,external_urls_json,signature,ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.GoalSetID, g.Environment, g.UniqueName, g.Version, nullable(g.Name), string(g.State), nullable(g.Description),
		nullable(preconditions), g.Fulfillment.Method, g.Fulfillment.Name, nullable(g.Fulfillment.Registration),
		g.RetryFeasible, g.ApprovalRequired, g.PreApprovalRequired,
		nullable(approval), nullable(preApproval), nullable(provenance),
		nullable(g.Data), nullable(urls), nullable(g.Signature), g.TS)
	return err
}

func marshalOrEmpty(v any, present bool) (string, error) {
	if !present {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FetchGoalsForGoalSet returns the current (highest-version) record
// for every goal key in the goal-set.
func (r Repo) FetchGoalsForGoalSet(ctx context.Context, goalSetID string) ([]domain.Goal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals g
		WHERE goal_set_id=? AND version=(
			SELECT MAX(version) FROM goals
			WHERE goal_set_id=g.goal_set_id AND environment=g.environment AND unique_name=g.unique_name)
		ORDER BY environment, unique_name`, goalSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// GetGoal returns the current record for one goal key.
func (r Repo) GetGoal(ctx context.Context, goalSetID string, key domain.GoalKey) (domain.Goal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals
		WHERE goal_set_id=? AND environment=? AND unique_name=?
		ORDER BY version DESC LIMIT 1`, goalSetID, key.Environment, key.UniqueName)
	return scanGoal(row)
}

// GoalVersionCount returns how many record versions exist for a key.
func (r Repo) GoalVersionCount(ctx context.Context, goalSetID string, key domain.GoalKey) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM goals WHERE goal_set_id=? AND environment=? AND unique_name=?`,
		goalSetID, key.Environment, key.UniqueName).Scan(&n)
	return n, err
}

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, goalSetID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(goal_set_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
		FROM events WHERE id>?`
	args := []any{afterID}
	if goalSetID != "" {
		query += ` AND goal_set_id=?`
		args = append(args, goalSetID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GoalSetID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events in chronological order, with
// optional filters.
func (r Repo) LatestEvents(ctx context.Context, limit int, goalSetID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(goal_set_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
		FROM events WHERE 1=1`
	args := []any{}
	if goalSetID != "" {
		query += ` AND goal_set_id=?`
		args = append(args, goalSetID)
	}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GoalSetID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (r Repo) LatestEventID(ctx context.Context, goalSetID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	args := []any{}
	if goalSetID != "" {
		query += ` WHERE goal_set_id=?`
		args = append(args, goalSetID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
