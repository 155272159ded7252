package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const pgTaskColumns = `id, user_id, task_type, task_data::text, status, priority, attempts, worker_id, result::text, error,
	created_at, started_at, completed_at`

func scanPGTask(r rowScanner) (Task, error) {
	var t Task
	var data, result string
	var startedAt, completedAt sql.NullTime
	if err := r.Scan(&t.ID, &t.UserID, &t.TaskType, &data, &t.Status, &t.Priority, &t.Attempts, &t.WorkerID,
		&result, &t.Error, &t.CreatedAt, &startedAt, &completedAt); err != nil {
		return Task{}, err
	}
	if err := decodeJSON(data, &t.TaskData); err != nil {
		return Task{}, fmt.Errorf("decoding task_data of task %d: %w", t.ID, err)
	}
	if err := decodeJSON(result, &t.Result); err != nil {
		return Task{}, fmt.Errorf("decoding result of task %d: %w", t.ID, err)
	}
	t.StartedAt = pgNullTime(startedAt)
	t.CompletedAt = pgNullTime(completedAt)
	return t, nil
}

func collectPGTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) EnqueueTask(ctx context.Context, t Task) (int64, error) {
	if t.Priority < 1 || t.Priority > 10 {
		return 0, fmt.Errorf("priority %d out of range 1-10", t.Priority)
	}
	data, err := encodeJSON(t.TaskData, "{}")
	if err != nil {
		return 0, fmt.Errorf("encoding task_data: %w", err)
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO task_queue (user_id, task_type, task_data, status, priority, created_at)
		VALUES ($1, $2, $3::jsonb, 'pending', $4, $5) RETURNING id`,
		t.UserID, t.TaskType, data, t.Priority, createdAt.UTC(),
	).Scan(&id)
	return id, err
}

func (s *PGStore) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanPGTask(s.db.QueryRowContext(ctx, `SELECT `+pgTaskColumns+` FROM task_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *PGStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var args pgArgs
	query := `SELECT ` + pgTaskColumns + ` FROM task_queue WHERE TRUE`
	if f.UserID != 0 {
		query += ` AND user_id = ` + args.add(f.UserID)
	}
	if f.Status != "" {
		query += ` AND status = ` + args.add(f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + args.add(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPGTasks(rows)
}

// ClaimNextTask locks the best candidate with SKIP LOCKED, then serializes on
// the owner through an advisory lock and recounts in_progress rows before
// flipping the status. Concurrent claimers on other connections either skip
// the row or see the updated count.
func (s *PGStore) ClaimNextTask(ctx context.Context, p ClaimParams) (*Task, error) {
	limit := p.UserLimit
	if limit <= 0 {
		limit = 1
	}
	now := p.Now
	if now.IsZero() {
		now = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()

	var id, userID int64
	err = tx.QueryRowContext(ctx, `
		SELECT t.id, t.user_id FROM task_queue t
		WHERE t.status = 'pending'
			AND (SELECT COUNT(*) FROM task_queue r
				WHERE r.user_id = t.user_id AND r.status = 'in_progress') < $1
		ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, limit).Scan(&id, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return nil, fmt.Errorf("locking user %d: %w", userID, err)
	}
	var running int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_queue WHERE user_id = $1 AND status = 'in_progress'`, userID).Scan(&running); err != nil {
		return nil, fmt.Errorf("counting running tasks: %w", err)
	}
	if running >= limit {
		return nil, nil
	}

	t, err := scanPGTask(tx.QueryRowContext(ctx, `
		UPDATE task_queue
		SET status = 'in_progress', started_at = $1, worker_id = $2, attempts = attempts + 1
		WHERE id = $3 AND status = 'pending'
		RETURNING `+pgTaskColumns, now.UTC(), p.WorkerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &t, nil
}

func (s *PGStore) TransitionTask(ctx context.Context, id int64, from []string, to string, result map[string]any, errText string) (Task, bool, error) {
	if len(from) == 0 {
		return Task{}, false, fmt.Errorf("transition of task %d: no source statuses", id)
	}
	encoded, err := encodeJSON(result, "{}")
	if err != nil {
		return Task{}, false, fmt.Errorf("encoding result: %w", err)
	}
	var completedAt any
	if IsTerminalTask(to) {
		completedAt = s.now().UTC()
	}

	t, err := scanPGTask(s.db.QueryRowContext(ctx, `
		UPDATE task_queue SET status = $1, result = $2::jsonb, error = $3, completed_at = COALESCE($4, completed_at)
		WHERE id = $5 AND status = ANY($6)
		RETURNING `+pgTaskColumns, to, encoded, errText, completedAt, id, from))
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

func (s *PGStore) RequeueTask(ctx context.Context, id int64, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET status = 'pending', error = $1, started_at = NULL, worker_id = ''
		WHERE id = $2 AND status = 'in_progress'`, errText, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PGStore) AddTaskAttempt(ctx context.Context, a TaskAttempt) error {
	finished := a.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attempts (task_id, attempt, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.TaskID, a.Attempt, a.Status, a.Error, a.StartedAt.UTC(), finished.UTC())
	return err
}

func (s *PGStore) ListTaskAttempts(ctx context.Context, taskID int64) ([]TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt, status, error, started_at, finished_at
		FROM task_attempts WHERE task_id = $1 ORDER BY attempt ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskAttempt
	for rows.Next() {
		var a TaskAttempt
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Attempt, &a.Status, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) FailStaleTasks(ctx context.Context, cutoff time.Time, errText string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE task_queue SET status = 'failed', error = $1, completed_at = $2
		WHERE status = 'in_progress' AND started_at < $3
		RETURNING `+pgTaskColumns,
		errText, s.now().UTC(), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	return collectPGTasks(rows)
}

// --- Async messages ---

const pgMessageColumns = `id, user_id, chat_id, message_type, content, status, attempts, last_error,
	send_at, next_attempt_at, sent_at, created_at`

func scanPGMessage(r rowScanner) (AsyncMessage, error) {
	var m AsyncMessage
	var sentAt sql.NullTime
	if err := r.Scan(&m.ID, &m.UserID, &m.ChatID, &m.MessageType, &m.Content, &m.Status, &m.Attempts, &m.LastError,
		&m.SendAt, &m.NextAttemptAt, &sentAt, &m.CreatedAt); err != nil {
		return AsyncMessage{}, err
	}
	m.SentAt = pgNullTime(sentAt)
	return m, nil
}

func collectPGMessages(rows *sql.Rows) ([]AsyncMessage, error) {
	defer rows.Close()
	var out []AsyncMessage
	for rows.Next() {
		m, err := scanPGMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) EnqueueMessage(ctx context.Context, m AsyncMessage) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	sendAt := m.SendAt
	if sendAt.IsZero() {
		sendAt = createdAt
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO async_messages (user_id, chat_id, message_type, content, status, send_at, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $5, $6) RETURNING id`,
		m.UserID, m.ChatID, m.MessageType, m.Content, sendAt.UTC(), createdAt.UTC(),
	).Scan(&id)
	return id, err
}

func (s *PGStore) GetMessage(ctx context.Context, id int64) (AsyncMessage, error) {
	m, err := scanPGMessage(s.db.QueryRowContext(ctx, `SELECT `+pgMessageColumns+` FROM async_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AsyncMessage{}, ErrNotFound
	}
	return m, err
}

func (s *PGStore) ListMessages(ctx context.Context, f MessageFilter) ([]AsyncMessage, error) {
	var args pgArgs
	query := `SELECT ` + pgMessageColumns + ` FROM async_messages WHERE TRUE`
	if f.ChatID != "" {
		query += ` AND chat_id = ` + args.add(f.ChatID)
	}
	if f.Status != "" {
		query += ` AND status = ` + args.add(f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY send_at DESC, created_at DESC, id DESC LIMIT ` + args.add(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPGMessages(rows)
}

func (s *PGStore) DueMessages(ctx context.Context, now time.Time, limit int) ([]AsyncMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pgMessageColumns+` FROM async_messages
		WHERE status = 'pending' AND send_at <= $1
		ORDER BY chat_id ASC, send_at ASC, created_at ASC, id ASC
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectPGMessages(rows)
}

func (s *PGStore) ClaimMessage(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_messages SET status = 'sending', claimed_at = $1
		WHERE id = $2 AND status = 'pending' AND next_attempt_at <= $1
		  AND `+chatHeadCondition, now.UTC(), id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PGStore) MarkMessageSent(ctx context.Context, id int64, at time.Time) error {
	return s.finishSending(ctx, `UPDATE async_messages SET status = 'sent', sent_at = $1
		WHERE id = $2 AND status = 'sending'`, at.UTC(), id)
}

func (s *PGStore) MarkMessageRetry(ctx context.Context, id int64, errText string, next time.Time) error {
	return s.finishSending(ctx, `UPDATE async_messages
		SET status = 'pending', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, claimed_at = NULL
		WHERE id = $3 AND status = 'sending'`, errText, next.UTC(), id)
}

func (s *PGStore) MarkMessageFailed(ctx context.Context, id int64, errText string) error {
	return s.finishSending(ctx, `UPDATE async_messages SET status = 'failed', attempts = attempts + 1, last_error = $1
		WHERE id = $2 AND status = 'sending'`, errText, id)
}

func (s *PGStore) finishSending(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	applied, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("message not in sending state: %w", ErrNotFound)
	}
	return nil
}

func (s *PGStore) FailStaleSending(ctx context.Context, cutoff time.Time, errText string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_messages SET status = 'failed', last_error = $1
		WHERE status = 'sending' AND claimed_at < $2`, errText, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
