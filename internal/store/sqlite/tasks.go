package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

const taskColumns = `id, group_folder, target_channel, prompt, schedule_kind, schedule_value, context_mode,
	next_run_ns, last_run_ns, COALESCE(last_result, ''), status, created_ns`

func (s *Store) CreateTask(ctx context.Context, t types.ScheduledTask) error {
	if t.ID == "" {
		return fmt.Errorf("task missing id")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks(id, group_folder, target_channel, prompt, schedule_kind, schedule_value,
			context_mode, next_run_ns, last_run_ns, last_result, status, created_ns)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?);`,
		t.ID, t.GroupFolder, t.TargetChannel, t.Prompt, string(t.ScheduleKind), t.ScheduleValue,
		string(t.ContextMode), nullableTime(t.NextRun), nullableTime(t.LastRun), nullable(t.LastResult),
		string(t.Status), t.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (types.ScheduledTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.ScheduledTask{}, store.ErrNotFound
	}
	return t, err
}

// ListTasks returns every task, or only those of one group when groupFolder is set.
func (s *Store) ListTasks(ctx context.Context, groupFolder string) ([]types.ScheduledTask, error) {
	if groupFolder == "" {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_ns`)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_ns`, groupFolder)
}

func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]types.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = 'active' AND next_run_ns IS NOT NULL AND next_run_ns <= ?
		ORDER BY next_run_ns`, now.UTC().UnixNano())
}

func (s *Store) UpdateTask(ctx context.Context, t types.ScheduledTask) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			prompt = ?, schedule_kind = ?, schedule_value = ?, context_mode = ?,
			next_run_ns = ?, last_run_ns = ?, last_result = ?, status = ?
		WHERE id = ?;`,
		t.Prompt, string(t.ScheduleKind), t.ScheduleValue, string(t.ContextMode),
		nullableTime(t.NextRun), nullableTime(t.LastRun), nullable(t.LastResult), string(t.Status),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) AppendRunLog(ctx context.Context, l types.TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs(task_id, run_ns, duration_ms, status, result, error) VALUES(?,?,?,?,?,?);`,
		l.TaskID, l.RunAt.UTC().UnixNano(), l.DurationMs, string(l.Status), nullable(l.Result), nullable(l.Error),
	)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

func (s *Store) ListRunLogs(ctx context.Context, taskID string) ([]types.TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, run_ns, duration_ms, status, COALESCE(result, ''), COALESCE(error, '')
		FROM task_run_logs WHERE task_id = ? ORDER BY run_ns`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query run logs: %w", err)
	}
	defer rows.Close()

	var out []types.TaskRunLog
	for rows.Next() {
		var l types.TaskRunLog
		var ns int64
		var status string
		if err := rows.Scan(&l.TaskID, &ns, &l.DurationMs, &status, &l.Result, &l.Error); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		l.RunAt = fromNs(ns)
		l.Status = types.RunStatus(status)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query run logs rows: %w", err)
	}
	return out, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]types.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []types.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query tasks rows: %w", err)
	}
	return out, nil
}

func scanTask(row rowScanner) (types.ScheduledTask, error) {
	var t types.ScheduledTask
	var kind, mode, status string
	var next, last sql.NullInt64
	var created int64
	err := row.Scan(&t.ID, &t.GroupFolder, &t.TargetChannel, &t.Prompt, &kind, &t.ScheduleValue, &mode,
		&next, &last, &t.LastResult, &status, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ScheduledTask{}, err
		}
		return types.ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	t.ScheduleKind = types.ScheduleKind(kind)
	t.ContextMode = types.ContextMode(mode)
	t.Status = types.TaskStatus(status)
	t.NextRun = fromNullableNs(next)
	t.LastRun = fromNullableNs(last)
	t.CreatedAt = fromNs(created)
	return t, nil
}
