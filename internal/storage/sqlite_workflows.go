package storage

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
)

const workflowColumns = `w.id, w.user_id, w.category, w.intent_type, w.keywords, w.original_prompt, w.summary,
	w.steps, w.parameters, w.success_rate, w.success_count, w.total_count, w.rating, w.embedding,
	w.is_template, w.created_at, w.updated_at`

func scanWorkflow(r rowScanner) (Workflow, error) {
	var w Workflow
	var userID sql.NullInt64
	var keywords, steps, params, createdAt, updatedAt string
	var embedding []byte
	var template int
	if err := r.Scan(&w.ID, &userID, &w.Category, &w.IntentType, &keywords, &w.OriginalPrompt, &w.Summary,
		&steps, &params, &w.SuccessRate, &w.SuccessCount, &w.TotalCount, &w.Rating, &embedding,
		&template, &createdAt, &updatedAt); err != nil {
		return Workflow{}, err
	}
	w.UserID = int64Ptr(userID)
	w.Keywords = splitKeywords(keywords)
	w.IsTemplate = template == 1
	if err := decodeJSON(steps, &w.Steps); err != nil {
		return Workflow{}, fmt.Errorf("decoding steps of workflow %d: %w", w.ID, err)
	}
	if err := decodeJSON(params, &w.Parameters); err != nil {
		return Workflow{}, fmt.Errorf("decoding parameters of workflow %d: %w", w.ID, err)
	}
	var err error
	if w.Embedding, err = decodeFloat32s(embedding); err != nil {
		return Workflow{}, fmt.Errorf("decoding embedding of workflow %d: %w", w.ID, err)
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return Workflow{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Workflow{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return w, nil
}

func collectWorkflows(rows *sql.Rows) ([]Workflow, error) {
	defer rows.Close()
	var results []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, w)
	}
	return results, rows.Err()
}

func (s *Store) CreateWorkflow(ctx context.Context, w Workflow) (int64, error) {
	if w.SuccessCount < 0 || w.SuccessCount > w.TotalCount {
		return 0, fmt.Errorf("invalid counters: success_count %d, total_count %d", w.SuccessCount, w.TotalCount)
	}
	steps, err := encodeJSON(w.Steps, "[]")
	if err != nil {
		return 0, fmt.Errorf("encoding steps: %w", err)
	}
	params, err := encodeJSON(w.Parameters, "{}")
	if err != nil {
		return 0, fmt.Errorf("encoding parameters: %w", err)
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (user_id, category, intent_type, keywords, original_prompt, summary, steps, parameters,
			success_rate, success_count, total_count, rating, embedding, is_template, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(w.UserID), w.Category, w.IntentType, joinKeywords(w.Keywords), w.OriginalPrompt, w.Summary,
		steps, params, successRate(w.SuccessCount, w.TotalCount), w.SuccessCount, w.TotalCount, w.Rating,
		encodeFloat32s(w.Embedding), boolInt(w.IsTemplate), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetWorkflow(ctx context.Context, id int64) (Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows w WHERE w.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, ErrNotFound
	}
	return w, err
}

func (s *Store) RecordWorkflowOutcome(ctx context.Context, id int64, success bool) error {
	inc := boolInt(success)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			success_count = success_count + ?,
			total_count = total_count + 1,
			success_rate = CAST(success_count + ? AS REAL) / (total_count + 1),
			updated_at = ?
		WHERE id = ?`, inc, inc, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// scopeClause restricts workflows to the user's own plus shared ones.
func scopeClause(userID int64, category string) (string, []any) {
	var conds []string
	var args []any
	if userID != 0 {
		conds = append(conds, "(w.user_id = ? OR w.user_id IS NULL OR w.is_template = 1)")
		args = append(args, userID)
	}
	if category != "" {
		conds = append(conds, "w.category = ?")
		args = append(args, category)
	}
	if len(conds) == 0 {
		return "1=1", nil
	}
	return strings.Join(conds, " AND "), args
}

// ftsQuery quotes every keyword and ORs them together.
func ftsQuery(keywords []string) string {
	terms := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ReplaceAll(k, `"`, `""`)
		if k != "" {
			terms = append(terms, `"`+k+`"`)
		}
	}
	return strings.Join(terms, " OR ")
}

// WorkflowCandidates unions FTS matches, the best workflows of the category,
// and (when q.Embedding is set) the nearest workflows by cosine similarity.
func (s *Store) WorkflowCandidates(ctx context.Context, q CandidateQuery) ([]Workflow, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	scope, scopeArgs := scopeClause(q.UserID, q.Category)

	seen := make(map[int64]bool)
	var out []Workflow
	add := func(ws []Workflow) {
		for _, w := range ws {
			if !seen[w.ID] {
				seen[w.ID] = true
				out = append(out, w)
			}
		}
	}

	if match := ftsQuery(q.Keywords); match != "" {
		args := append([]any{match}, scopeArgs...)
		args = append(args, limit)
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+workflowColumns+`
			FROM workflows_fts f JOIN workflows w ON w.id = f.rowid
			WHERE workflows_fts MATCH ? AND `+scope+`
			ORDER BY f.rank LIMIT ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("fts candidates: %w", err)
		}
		ws, err := collectWorkflows(rows)
		if err != nil {
			return nil, err
		}
		add(ws)
	}

	args := append(append([]any{}, scopeArgs...), limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows w
		WHERE `+scope+`
		ORDER BY w.success_rate DESC, w.updated_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("category candidates: %w", err)
	}
	ws, err := collectWorkflows(rows)
	if err != nil {
		return nil, err
	}
	add(ws)

	if len(q.Embedding) > 0 {
		ids, err := s.nearestWorkflows(ctx, scope, scopeArgs, q.Embedding, limit)
		if err != nil {
			return nil, err
		}
		var missing []any
		for _, id := range ids {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows w WHERE w.id IN (`+placeholders(len(missing))+`)`, missing...)
			if err != nil {
				return nil, fmt.Errorf("vector candidates: %w", err)
			}
			ws, err := collectWorkflows(rows)
			if err != nil {
				return nil, err
			}
			add(ws)
		}
	}

	return out, nil
}

// idScore holds only the ID and score during the scan phase of nearestWorkflows.
type idScore struct {
	ID    int64
	Score float64
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// nearestWorkflows does a brute-force cosine scan over stored embeddings and
// keeps the top k ids. Embeddings of a different dimension are skipped.
func (s *Store) nearestWorkflows(ctx context.Context, scope string, scopeArgs []any, vec []float32, k int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT w.id, w.embedding FROM workflows w WHERE w.embedding IS NOT NULL AND `+scope, scopeArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	qNorm := l2(vec)
	if qNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		emb, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}
		if len(emb) != len(vec) {
			continue
		}
		score := cosine(vec, emb, qNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embeddings: %w", err)
	}

	ids := make([]int64, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		ids[i] = heap.Pop(h).(idScore).ID
	}
	return ids, nil
}

func l2(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32, aNorm float64) float64 {
	var dot, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if bSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bSq))
}

func (s *Store) BestWorkflow(ctx context.Context, userID int64, intentType, category string) (Workflow, error) {
	scope, args := scopeClause(userID, category)
	args = append([]any{intentType}, args...)
	w, err := scanWorkflow(s.db.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows w
		WHERE w.intent_type = ? AND `+scope+`
		ORDER BY w.success_rate DESC, w.success_count DESC, w.updated_at DESC, w.id ASC
		LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, ErrNotFound
	}
	return w, err
}

// ListWorkflows returns workflows by id. A limit of zero or less returns all.
func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]Workflow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows w ORDER BY w.id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (s *Store) ListTemplates(ctx context.Context, category string) ([]Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows w WHERE w.is_template = 1`
	var args []any
	if category != "" {
		query += ` AND w.category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY w.success_rate DESC, w.rating DESC, w.id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (s *Store) SetWorkflowTemplate(ctx context.Context, id int64, template bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET is_template = ?, updated_at = ? WHERE id = ?`,
		boolInt(template), s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) RateWorkflow(ctx context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating %d out of range 1-5", rating)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET rating = ?, updated_at = ? WHERE id = ?`, rating, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) SetWorkflowEmbedding(ctx context.Context, id int64, vec []float32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET embedding = ? WHERE id = ?`, encodeFloat32s(vec), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) DeleteWorkflow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) WorkflowStats(ctx context.Context, userID int64) (WorkflowStats, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success_rate >= 0.8 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(success_rate), 0),
			COALESCE(SUM(total_count), 0)
		FROM workflows`
	var args []any
	if userID != 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	var st WorkflowStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.TotalWorkflows, &st.SuccessfulWorkflows, &st.AverageSuccessRate, &st.TotalExecutions)
	return st, err
}

// --- Workflow executions ---

func (s *Store) CreateExecution(ctx context.Context, e WorkflowExecution) (int64, error) {
	results, err := encodeJSON(e.StepResults, "[]")
	if err != nil {
		return 0, fmt.Errorf("encoding step results: %w", err)
	}
	status := e.Status
	if status == "" {
		status = ExecutionRunning
	}
	startedAt := s.timestamp()
	if !e.StartedAt.IsZero() {
		startedAt = formatTime(e.StartedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (workflow_id, user_id, task_id, status, step_results, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(e.WorkflowID), e.UserID, nullInt64(e.TaskID), status, results, e.Error, startedAt, nullTime(e.CompletedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) FinishExecution(ctx context.Context, id int64, workflowID *int64, status string, results []map[string]any, errText string) error {
	encoded, err := encodeJSON(results, "[]")
	if err != nil {
		return fmt.Errorf("encoding step results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			workflow_id = COALESCE(?, workflow_id),
			status = ?, step_results = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		nullInt64(workflowID), status, encoded, errText, s.timestamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_executions WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowID int64, limit int) ([]WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, user_id, task_id, status, step_results, error, started_at, completed_at
		FROM workflow_executions WHERE workflow_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkflowExecution
	for rows.Next() {
		var e WorkflowExecution
		var wfID, taskID sql.NullInt64
		var results, startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&e.ID, &wfID, &e.UserID, &taskID, &e.Status, &results, &e.Error, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		e.WorkflowID = int64Ptr(wfID)
		e.TaskID = int64Ptr(taskID)
		if err := decodeJSON(results, &e.StepResults); err != nil {
			return nil, fmt.Errorf("decoding step results: %w", err)
		}
		if e.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
