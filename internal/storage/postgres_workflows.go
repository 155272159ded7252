package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
)

const pgWorkflowColumns = `w.id, w.user_id, w.category, w.intent_type, w.keywords, w.original_prompt, w.summary,
	w.steps::text, w.parameters::text, w.success_rate, w.success_count, w.total_count, w.rating, w.embedding,
	w.is_template, w.created_at, w.updated_at`

func scanPGWorkflow(r rowScanner) (Workflow, error) {
	var w Workflow
	var userID sql.NullInt64
	var keywords, steps, params string
	var embedding *pgvector.Vector
	if err := r.Scan(&w.ID, &userID, &w.Category, &w.IntentType, &keywords, &w.OriginalPrompt, &w.Summary,
		&steps, &params, &w.SuccessRate, &w.SuccessCount, &w.TotalCount, &w.Rating, &embedding,
		&w.IsTemplate, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return Workflow{}, err
	}
	w.UserID = int64Ptr(userID)
	w.Keywords = splitKeywords(keywords)
	if embedding != nil {
		w.Embedding = embedding.Slice()
	}
	if err := decodeJSON(steps, &w.Steps); err != nil {
		return Workflow{}, fmt.Errorf("decoding steps of workflow %d: %w", w.ID, err)
	}
	if err := decodeJSON(params, &w.Parameters); err != nil {
		return Workflow{}, fmt.Errorf("decoding parameters of workflow %d: %w", w.ID, err)
	}
	return w, nil
}

func collectPGWorkflows(rows *sql.Rows) ([]Workflow, error) {
	defer rows.Close()
	var results []Workflow
	for rows.Next() {
		w, err := scanPGWorkflow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, w)
	}
	return results, rows.Err()
}

func (s *PGStore) CreateWorkflow(ctx context.Context, w Workflow) (int64, error) {
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
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO workflows (user_id, category, intent_type, keywords, original_prompt, summary, steps, parameters,
			success_rate, success_count, total_count, rating, embedding, is_template, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING id`,
		nullInt64(w.UserID), w.Category, w.IntentType, joinKeywords(w.Keywords), w.OriginalPrompt, w.Summary,
		steps, params, successRate(w.SuccessCount, w.TotalCount), w.SuccessCount, w.TotalCount, w.Rating,
		pgVector(w.Embedding), w.IsTemplate, s.now().UTC(),
	).Scan(&id)
	return id, err
}

func (s *PGStore) GetWorkflow(ctx context.Context, id int64) (Workflow, error) {
	w, err := scanPGWorkflow(s.db.QueryRowContext(ctx, `SELECT `+pgWorkflowColumns+` FROM workflows w WHERE w.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, ErrNotFound
	}
	return w, err
}

func (s *PGStore) RecordWorkflowOutcome(ctx context.Context, id int64, success bool) error {
	inc := boolInt(success)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			success_count = success_count + $1,
			total_count = total_count + 1,
			success_rate = (success_count + $1)::double precision / (total_count + 1),
			updated_at = $2
		WHERE id = $3`, inc, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func pgScopeClause(args *pgArgs, userID int64, category string) string {
	var conds []string
	if userID != 0 {
		conds = append(conds, "(w.user_id = "+args.add(userID)+" OR w.user_id IS NULL OR w.is_template)")
	}
	if category != "" {
		conds = append(conds, "w.category = "+args.add(category))
	}
	if len(conds) == 0 {
		return "TRUE"
	}
	return strings.Join(conds, " AND ")
}

func (s *PGStore) queryWorkflows(ctx context.Context, query string, args []any) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPGWorkflows(rows)
}

// WorkflowCandidates mirrors the SQLite store: tsvector matches, the best
// workflows of the category, and the nearest embeddings via the HNSW index.
func (s *PGStore) WorkflowCandidates(ctx context.Context, q CandidateQuery) ([]Workflow, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

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

	if match := tsQuery(q.Keywords); match != "" {
		var args pgArgs
		tsq := "to_tsquery('simple', " + args.add(match) + ")"
		scope := pgScopeClause(&args, q.UserID, q.Category)
		ws, err := s.queryWorkflows(ctx, `
			SELECT `+pgWorkflowColumns+` FROM workflows w
			WHERE w.search_vector @@ `+tsq+` AND `+scope+`
			ORDER BY ts_rank(w.search_vector, `+tsq+`) DESC LIMIT `+args.add(limit), args)
		if err != nil {
			return nil, fmt.Errorf("fts candidates: %w", err)
		}
		add(ws)
	}

	var args pgArgs
	scope := pgScopeClause(&args, q.UserID, q.Category)
	ws, err := s.queryWorkflows(ctx, `
		SELECT `+pgWorkflowColumns+` FROM workflows w
		WHERE `+scope+`
		ORDER BY w.success_rate DESC, w.updated_at DESC LIMIT `+args.add(limit), args)
	if err != nil {
		return nil, fmt.Errorf("category candidates: %w", err)
	}
	add(ws)

	if len(q.Embedding) > 0 {
		var args pgArgs
		dim := len(q.Embedding)
		vec := args.add(pgvector.NewVector(q.Embedding))
		scope := pgScopeClause(&args, q.UserID, q.Category)
		ws, err := s.queryWorkflows(ctx, fmt.Sprintf(`
			SELECT %s FROM workflows w
			WHERE w.embedding IS NOT NULL AND vector_dims(w.embedding) = %d AND %s
			ORDER BY w.embedding::vector(%d) <=> %s::vector(%d) LIMIT %s`,
			pgWorkflowColumns, dim, scope, dim, vec, dim, args.add(limit)), args)
		if err != nil {
			return nil, fmt.Errorf("vector candidates: %w", err)
		}
		add(ws)
	}

	return out, nil
}

func (s *PGStore) BestWorkflow(ctx context.Context, userID int64, intentType, category string) (Workflow, error) {
	var args pgArgs
	intent := args.add(intentType)
	scope := pgScopeClause(&args, userID, category)
	w, err := scanPGWorkflow(s.db.QueryRowContext(ctx, `
		SELECT `+pgWorkflowColumns+` FROM workflows w
		WHERE w.intent_type = `+intent+` AND `+scope+`
		ORDER BY w.success_rate DESC, w.success_count DESC, w.updated_at DESC, w.id ASC
		LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, ErrNotFound
	}
	return w, err
}

func (s *PGStore) ListWorkflows(ctx context.Context, limit int) ([]Workflow, error) {
	var n any // NULL means LIMIT ALL
	if limit > 0 {
		n = limit
	}
	return s.queryWorkflows(ctx, `SELECT `+pgWorkflowColumns+` FROM workflows w ORDER BY w.id ASC LIMIT $1`, []any{n})
}

func (s *PGStore) ListTemplates(ctx context.Context, category string) ([]Workflow, error) {
	var args pgArgs
	query := `SELECT ` + pgWorkflowColumns + ` FROM workflows w WHERE w.is_template`
	if category != "" {
		query += ` AND w.category = ` + args.add(category)
	}
	query += ` ORDER BY w.success_rate DESC, w.rating DESC, w.id ASC`
	return s.queryWorkflows(ctx, query, args)
}

func (s *PGStore) SetWorkflowTemplate(ctx context.Context, id int64, template bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET is_template = $1, updated_at = $2 WHERE id = $3`,
		template, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PGStore) RateWorkflow(ctx context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating %d out of range 1-5", rating)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET rating = $1, updated_at = $2 WHERE id = $3`, rating, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PGStore) SetWorkflowEmbedding(ctx context.Context, id int64, vec []float32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET embedding = $1 WHERE id = $2`, pgVector(vec), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PGStore) DeleteWorkflow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PGStore) WorkflowStats(ctx context.Context, userID int64) (WorkflowStats, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success_rate >= 0.8 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(success_rate), 0),
			COALESCE(SUM(total_count), 0)
		FROM workflows`
	var args []any
	if userID != 0 {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	var st WorkflowStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.TotalWorkflows, &st.SuccessfulWorkflows, &st.AverageSuccessRate, &st.TotalExecutions)
	return st, err
}

// --- Workflow executions ---

func (s *PGStore) CreateExecution(ctx context.Context, e WorkflowExecution) (int64, error) {
	results, err := encodeJSON(e.StepResults, "[]")
	if err != nil {
		return 0, fmt.Errorf("encoding step results: %w", err)
	}
	status := e.Status
	if status == "" {
		status = ExecutionRunning
	}
	startedAt := e.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	var completedAt any
	if e.CompletedAt != nil {
		completedAt = e.CompletedAt.UTC()
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_executions (workflow_id, user_id, task_id, status, step_results, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8) RETURNING id`,
		nullInt64(e.WorkflowID), e.UserID, nullInt64(e.TaskID), status, results, e.Error, startedAt.UTC(), completedAt,
	).Scan(&id)
	return id, err
}

func (s *PGStore) FinishExecution(ctx context.Context, id int64, workflowID *int64, status string, results []map[string]any, errText string) error {
	encoded, err := encodeJSON(results, "[]")
	if err != nil {
		return fmt.Errorf("encoding step results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			workflow_id = COALESCE($1, workflow_id),
			status = $2, step_results = $3::jsonb, error = $4, completed_at = $5
		WHERE id = $6 AND status = 'running'`,
		nullInt64(workflowID), status, encoded, errText, s.now().UTC(), id)
	if err != nil {
		return err
	}
	applied, err := rowsAffected(res)
	if err != nil || applied {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListExecutions(ctx context.Context, workflowID int64, limit int) ([]WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, user_id, task_id, status, step_results::text, error, started_at, completed_at
		FROM workflow_executions WHERE workflow_id = $1
		ORDER BY started_at DESC, id DESC LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkflowExecution
	for rows.Next() {
		var e WorkflowExecution
		var wfID, taskID sql.NullInt64
		var results string
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &wfID, &e.UserID, &taskID, &e.Status, &results, &e.Error, &e.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		e.WorkflowID = int64Ptr(wfID)
		e.TaskID = int64Ptr(taskID)
		e.CompletedAt = pgNullTime(completedAt)
		if err := decodeJSON(results, &e.StepResults); err != nil {
			return nil, fmt.Errorf("decoding step results: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
