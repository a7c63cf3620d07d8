package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ledgerline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

const runColumns = `id,run_type,trigger_type,idempotency_key,payload_hash,payload_json,status,cursor_in,cursor_out,stats_json,error,created_at,started_at,finished_at`

// InsertRunIfAbsent inserts a run unless one with the same idempotency key
// already exists. The insert-or-nothing is a single statement, so two
// concurrent identical triggers cannot both create a run.
func (r Repo) InsertRunIfAbsent(ctx context.Context, tx *sql.Tx, run domain.Run) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(idempotency_key) DO NOTHING`,
		run.ID, run.RunType, run.TriggerType, run.IdempotencyKey, run.PayloadHash, run.PayloadJSON,
		run.Status, nullable(run.CursorIn), nullable(run.CursorOut), nullableStringPtr(run.StatsJSON),
		nullable(run.Error), run.CreatedAt, nullableStringPtr(run.StartedAt), nullableStringPtr(run.FinishedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var cursorIn, cursorOut, statsJSON, runErr, startedAt, finishedAt sql.NullString
	err := scan(&run.ID, &run.RunType, &run.TriggerType, &run.IdempotencyKey, &run.PayloadHash, &run.PayloadJSON,
		&run.Status, &cursorIn, &cursorOut, &statsJSON, &runErr, &run.CreatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.CursorIn = cursorIn.String
	run.CursorOut = cursorOut.String
	run.Error = runErr.String
	if statsJSON.Valid {
		run.StatsJSON = &statsJSON.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunByKey(ctx context.Context, key string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_key=?`, key)
	return scanRun(row.Scan)
}

type RunFilters struct {
	RunType         string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.RunType != "" {
		clauses = append(clauses, "run_type=?")
		args = append(args, f.RunType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// TransitionRun performs a conditional single-row update: the transition
// applies only when the run is still in fromStatus. A concurrent worker that
// loses the race sees created=false and must re-read.
func (r Repo) TransitionRun(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus string, sets map[string]any) (bool, error) {
	fields := []string{"status=?"}
	args := []any{toStatus}
	for _, col := range []string{"cursor_out", "stats_json", "error", "started_at", "finished_at"} {
		if v, ok := sets[col]; ok {
			fields = append(fields, col+"=?")
			args = append(args, v)
		}
	}
	args = append(args, id, fromStatus)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE runs SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const taskColumns = `id,run_id,seq,name,status,input_ref,output_ref,error,started_at,finished_at`

func (r Repo) InsertTasksTx(ctx context.Context, tx *sql.Tx, tasks []domain.Task) error {
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.RunID, t.Seq, t.Name, t.Status, nullable(t.InputRef), nullable(t.OutputRef),
			nullable(t.Error), nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishedAt)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE run_tasks SET status=?, input_ref=?, output_ref=?, error=?, started_at=?, finished_at=? WHERE id=?`,
		t.Status, nullable(t.InputRef), nullable(t.OutputRef), nullable(t.Error),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var inputRef, outputRef, taskErr, startedAt, finishedAt sql.NullString
	err := scan(&t.ID, &t.RunID, &t.Seq, &t.Name, &t.Status, &inputRef, &outputRef, &taskErr, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.InputRef = inputRef.String
	t.OutputRef = outputRef.String
	t.Error = taskErr.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.String
	}
	return t, nil
}

// ListTasks returns a run's tasks in pipeline order.
func (r Repo) ListTasks(ctx context.Context, runID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM run_tasks WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasks(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM run_tasks WHERE run_id=?`, runID).Scan(&n)
	return n, err
}

type AuditFilters struct {
	EntityType string
	EntityID   string
	Action     string
	Limit      int
	Cursor     int64
}

func (r Repo) ListAuditEvents(ctx context.Context, f AuditFilters) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,entity_type,entity_id,action,actor,payload_json,created_at FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
