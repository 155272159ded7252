package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, user_id, chat_id, message_type, content, status, attempts, last_error,
	send_at, next_attempt_at, sent_at, created_at`

func scanMessage(r rowScanner) (AsyncMessage, error) {
	var m AsyncMessage
	var sendAt, nextAt, createdAt string
	var sentAt sql.NullString
	if err := r.Scan(&m.ID, &m.UserID, &m.ChatID, &m.MessageType, &m.Content, &m.Status, &m.Attempts, &m.LastError,
		&sendAt, &nextAt, &sentAt, &createdAt); err != nil {
		return AsyncMessage{}, err
	}
	var err error
	if m.SendAt, err = parseTime(sendAt); err != nil {
		return AsyncMessage{}, fmt.Errorf("parsing send_at: %w", err)
	}
	if m.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return AsyncMessage{}, fmt.Errorf("parsing next_attempt_at: %w", err)
	}
	if m.SentAt, err = parseNullTime(sentAt); err != nil {
		return AsyncMessage{}, fmt.Errorf("parsing sent_at: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return AsyncMessage{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]AsyncMessage, error) {
	defer rows.Close()
	var out []AsyncMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) EnqueueMessage(ctx context.Context, m AsyncMessage) (int64, error) {
	now := s.now()
	createdAt := now
	if !m.CreatedAt.IsZero() {
		createdAt = m.CreatedAt
	}
	sendAt := m.SendAt
	if sendAt.IsZero() {
		sendAt = createdAt
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO async_messages (user_id, chat_id, message_type, content, status, send_at, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
		m.UserID, m.ChatID, m.MessageType, m.Content, formatTime(sendAt), formatTime(sendAt), formatTime(createdAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetMessage(ctx context.Context, id int64) (AsyncMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM async_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AsyncMessage{}, ErrNotFound
	}
	return m, err
}

func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]AsyncMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM async_messages WHERE 1=1`
	var args []any
	if f.ChatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, f.ChatID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY send_at DESC, created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *Store) DueMessages(ctx context.Context, now time.Time, limit int) ([]AsyncMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM async_messages
		WHERE status = 'pending' AND send_at <= ?
		ORDER BY chat_id ASC, send_at ASC, created_at ASC, id ASC
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// chatHeadCondition holds only for the earliest undelivered message of its
// chat: nothing of the chat is in flight and no pending message precedes it.
const chatHeadCondition = `NOT EXISTS (
			SELECT 1 FROM async_messages e
			WHERE e.chat_id = async_messages.chat_id AND e.id <> async_messages.id
			  AND (e.status = 'sending'
			    OR (e.status = 'pending'
			      AND (e.send_at, e.created_at, e.id) < (async_messages.send_at, async_messages.created_at, async_messages.id))))`

// ClaimMessage moves a due message to sending. It only succeeds for the head
// of the chat, so concurrent dispatchers cannot reorder a chat.
func (s *Store) ClaimMessage(ctx context.Context, id int64, now time.Time) (bool, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_messages SET status = 'sending', claimed_at = ?
		WHERE id = ? AND status = 'pending' AND next_attempt_at <= ?
		  AND `+chatHeadCondition, ts, id, ts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) MarkMessageSent(ctx context.Context, id int64, at time.Time) error {
	return s.finishSending(ctx, `UPDATE async_messages SET status = 'sent', sent_at = ?
		WHERE id = ? AND status = 'sending'`, formatTime(at), id)
}

func (s *Store) MarkMessageRetry(ctx context.Context, id int64, errText string, next time.Time) error {
	return s.finishSending(ctx, `UPDATE async_messages
		SET status = 'pending', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, claimed_at = NULL
		WHERE id = ? AND status = 'sending'`, errText, formatTime(next), id)
}

func (s *Store) MarkMessageFailed(ctx context.Context, id int64, errText string) error {
	return s.finishSending(ctx, `UPDATE async_messages SET status = 'failed', attempts = attempts + 1, last_error = ?
		WHERE id = ? AND status = 'sending'`, errText, id)
}

func (s *Store) finishSending(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message not in sending state: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) FailStaleSending(ctx context.Context, cutoff time.Time, errText string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_messages SET status = 'failed', last_error = ?
		WHERE status = 'sending' AND claimed_at < ?`, errText, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
