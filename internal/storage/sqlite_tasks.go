package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, user_id, task_type, task_data, status, priority, attempts, worker_id, result, error,
	created_at, started_at, completed_at`

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var data, result, createdAt string
	var startedAt, completedAt sql.NullString
	if err := r.Scan(&t.ID, &t.UserID, &t.TaskType, &data, &t.Status, &t.Priority, &t.Attempts, &t.WorkerID,
		&result, &t.Error, &createdAt, &startedAt, &completedAt); err != nil {
		return Task{}, err
	}
	if err := decodeJSON(data, &t.TaskData); err != nil {
		return Task{}, fmt.Errorf("decoding task_data of task %d: %w", t.ID, err)
	}
	if err := decodeJSON(result, &t.Result); err != nil {
		return Task{}, fmt.Errorf("decoding result of task %d: %w", t.ID, err)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %d: %w", t.ID, err)
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Task{}, fmt.Errorf("parsing started_at for task %d: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return Task{}, fmt.Errorf("parsing completed_at for task %d: %w", t.ID, err)
	}
	return t, nil
}

func (s *Store) EnqueueTask(ctx context.Context, t Task) (int64, error) {
	if t.Priority < 1 || t.Priority > 10 {
		return 0, fmt.Errorf("priority %d out of range 1-10", t.Priority)
	}
	data, err := encodeJSON(t.TaskData, "{}")
	if err != nil {
		return 0, fmt.Errorf("encoding task_data: %w", err)
	}
	createdAt := s.timestamp()
	if !t.CreatedAt.IsZero() {
		createdAt = formatTime(t.CreatedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_queue (user_id, task_type, task_data, status, priority, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		t.UserID, t.TaskType, data, t.Priority, createdAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task_queue WHERE 1=1`
	var args []any
	if f.UserID != 0 {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimNextTask selects and claims in one UPDATE statement. The eligibility
// check (user below UserLimit in_progress tasks) is evaluated inside the same
// statement, so two claimers can never both take the last free slot.
func (s *Store) ClaimNextTask(ctx context.Context, p ClaimParams) (*Task, error) {
	limit := p.UserLimit
	if limit <= 0 {
		limit = 1
	}
	now := p.Now
	if now.IsZero() {
		now = s.now()
	}

	t, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE task_queue
		SET status = 'in_progress', started_at = ?, worker_id = ?, attempts = attempts + 1
		WHERE status = 'pending' AND id = (
			SELECT t.id FROM task_queue t
			WHERE t.status = 'pending'
				AND (SELECT COUNT(*) FROM task_queue r
					WHERE r.user_id = t.user_id AND r.status = 'in_progress') < ?
			ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
			LIMIT 1
		)
		RETURNING `+taskColumns,
		formatTime(now), p.WorkerID, limit,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	return &t, nil
}

func (s *Store) TransitionTask(ctx context.Context, id int64, from []string, to string, result map[string]any, errText string) (Task, bool, error) {
	if len(from) == 0 {
		return Task{}, false, fmt.Errorf("transition of task %d: no source statuses", id)
	}
	encoded, err := encodeJSON(result, "{}")
	if err != nil {
		return Task{}, false, fmt.Errorf("encoding result: %w", err)
	}

	var completedAt any
	if IsTerminalTask(to) {
		completedAt = s.timestamp()
	}

	args := []any{to, encoded, errText, completedAt, id}
	for _, f := range from {
		args = append(args, f)
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE task_queue SET status = ?, result = ?, error = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)
		RETURNING `+taskColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := s.GetTask(ctx, id)
		if gerr != nil {
			return Task{}, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (s *Store) RequeueTask(ctx context.Context, id int64, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'pending', error = ?, started_at = NULL, worker_id = ''
		WHERE id = ? AND status = 'in_progress'`, errText, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) AddTaskAttempt(ctx context.Context, a TaskAttempt) error {
	finished := a.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attempts (task_id, attempt, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.Attempt, a.Status, a.Error, formatTime(a.StartedAt), formatTime(finished))
	return err
}

func (s *Store) ListTaskAttempts(ctx context.Context, taskID int64) ([]TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt, status, error, started_at, finished_at
		FROM task_attempts WHERE task_id = ? ORDER BY attempt ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskAttempt
	for rows.Next() {
		var a TaskAttempt
		var startedAt, finishedAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Attempt, &a.Status, &a.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if a.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if a.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) FailStaleTasks(ctx context.Context, cutoff time.Time, errText string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE task_queue SET status = 'failed', error = ?, completed_at = ?
		WHERE status = 'in_progress' AND started_at < ?
		RETURNING `+taskColumns,
		errText, s.timestamp(), formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
