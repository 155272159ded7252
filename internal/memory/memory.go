// Package memory indexes past task executions as reusable workflows and
// ranks them against new requests by keyword overlap and, in hybrid mode,
// embedding similarity.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/taskmem/internal/retrieval"
	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

// Mode is the ranking mode, fixed at construction.
type Mode string

const (
	// ModeKeyword ranks by keyword overlap only.
	ModeKeyword Mode = "keyword"
	// ModeHybrid blends keyword overlap with embedding similarity.
	ModeHybrid Mode = "hybrid"
)

const (
	defaultTopK           = 5
	defaultCandidateLimit = 50
	reembedBatchSize      = 32
)

// Options configures a Memory. Zero values take the defaults.
type Options struct {
	Weights     Weights // default 0.4 lexical, 0.6 embedding
	MinEvidence int     // default 3
	MaxKeywords int     // default 15
	// CandidateLimit bounds each candidate source in the store.
	CandidateLimit int
	Logger         *slog.Logger
}

// Memory is the workflow memory service.
type Memory struct {
	repo     storage.Repository
	embedder retrieval.Embedder
	mode     Mode
	opts     Options
	logger   *slog.Logger
}

// New creates a Memory. A nil embedder selects keyword-only mode; any other
// embedder selects hybrid mode.
func New(repo storage.Repository, embedder retrieval.Embedder, opts Options) *Memory {
	if opts.Weights == (Weights{}) {
		opts.Weights = Weights{Lexical: 0.4, Embedding: 0.6}
	}
	if opts.MinEvidence <= 0 {
		opts.MinEvidence = 3
	}
	if opts.MaxKeywords <= 0 {
		opts.MaxKeywords = DefaultMaxKeywords
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = defaultCandidateLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := ModeKeyword
	if embedder != nil {
		mode = ModeHybrid
	}
	return &Memory{repo: repo, embedder: embedder, mode: mode, opts: opts, logger: logger}
}

// Mode reports whether the memory ranks by keywords only or hybrid.
func (m *Memory) Mode() Mode { return m.mode }

// Keywords extracts retrieval keywords with the configured cap.
func (m *Memory) Keywords(text string) []string {
	return ExtractKeywords(text, m.opts.MaxKeywords)
}

// Query is a find_similar request.
type Query struct {
	UserID   int64
	Text     string
	Category string
	TopK     int
}

// FindSimilar returns at most TopK workflows most relevant to q.Text, best
// first. In hybrid mode a failing embedder is an error; keyword-only ranking
// happens only in keyword mode.
func (m *Memory) FindSimilar(ctx context.Context, q Query) ([]Match, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	keywords := m.Keywords(q.Text)

	var vec []float32
	if m.mode == ModeHybrid && strings.TrimSpace(q.Text) != "" {
		var err error
		if vec, err = m.embedder.Embed(ctx, q.Text); err != nil {
			return nil, fmt.Errorf("embedding request: %w", err)
		}
	}

	candidates, err := m.repo.WorkflowCandidates(ctx, storage.CandidateQuery{
		UserID:    q.UserID,
		Category:  q.Category,
		Keywords:  keywords,
		Embedding: vec,
		Limit:     m.opts.CandidateLimit,
	})
	if err != nil {
		return nil, taskerr.Store("find similar workflows", err)
	}

	ranked := rank(candidates, keywords, vec, m.opts.Weights, m.opts.MinEvidence)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	m.logger.Debug("workflow search",
		"mode", m.mode,
		"keywords", len(keywords),
		"candidates", len(candidates),
		"returned", len(ranked),
	)
	return ranked, nil
}

// Execution describes one finished run to record.
type Execution struct {
	// WorkflowID is the workflow that was followed; nil records a new workflow.
	WorkflowID *int64
	// ExecutionID finishes an execution opened with StartExecution; zero
	// inserts a completed execution row directly.
	ExecutionID int64
	UserID      int64
	TaskID      *int64
	Category    string
	IntentType  string
	Request     string
	Summary     string
	Steps       []storage.Step
	Parameters  map[string]any
	StepResults []map[string]any
	Success     bool
	Error       string
}

// StartExecution opens a running execution record for a task that is about
// to follow workflowID (nil when no prior workflow was matched).
func (m *Memory) StartExecution(ctx context.Context, userID int64, taskID, workflowID *int64) (int64, error) {
	id, err := m.repo.CreateExecution(ctx, storage.WorkflowExecution{
		WorkflowID: workflowID,
		UserID:     userID,
		TaskID:     taskID,
		Status:     storage.ExecutionRunning,
	})
	if err != nil {
		return 0, taskerr.Store("start execution", err)
	}
	return id, nil
}

// AbandonExecution closes a running execution as failed without counting
// it against its workflow. Used for attempts that are retried or cancelled.
func (m *Memory) AbandonExecution(ctx context.Context, id int64, reason string) error {
	if err := m.repo.FinishExecution(ctx, id, nil, storage.ExecutionFailed, nil, reason); err != nil {
		return taskerr.Store("abandon execution", err)
	}
	return nil
}

// RecordExecution applies the outcome of a run. Without a workflow id it
// creates a new workflow with total_count 1; otherwise it increments the
// workflow's counters with a single atomic update. It returns the
// workflow id.
func (m *Memory) RecordExecution(ctx context.Context, e Execution) (int64, error) {
	if e.UserID == 0 {
		return 0, taskerr.Validationf("record execution: user_id is required")
	}

	var workflowID int64
	if e.WorkflowID != nil {
		workflowID = *e.WorkflowID
		if err := m.repo.RecordWorkflowOutcome(ctx, workflowID, e.Success); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return 0, taskerr.Validationf("record execution: workflow %d not found", workflowID)
			}
			return 0, taskerr.Store("record workflow outcome", err)
		}
	} else {
		id, err := m.createWorkflow(ctx, e)
		if err != nil {
			return 0, err
		}
		workflowID = id
	}

	status := storage.ExecutionCompleted
	if !e.Success {
		status = storage.ExecutionFailed
	}
	if e.ExecutionID != 0 {
		if err := m.repo.FinishExecution(ctx, e.ExecutionID, &workflowID, status, e.StepResults, e.Error); err != nil {
			return workflowID, taskerr.Store("finish execution", err)
		}
	} else {
		now := time.Now()
		if _, err := m.repo.CreateExecution(ctx, storage.WorkflowExecution{
			WorkflowID:  &workflowID,
			UserID:      e.UserID,
			TaskID:      e.TaskID,
			Status:      status,
			StepResults: e.StepResults,
			Error:       e.Error,
			CompletedAt: &now,
		}); err != nil {
			return workflowID, taskerr.Store("create execution", err)
		}
	}

	m.logger.Debug("workflow execution recorded",
		"workflow_id", workflowID,
		"user_id", e.UserID,
		"success", e.Success,
	)
	return workflowID, nil
}

func (m *Memory) createWorkflow(ctx context.Context, e Execution) (int64, error) {
	success := 0
	if e.Success {
		success = 1
	}
	userID := e.UserID
	w := storage.Workflow{
		UserID:         &userID,
		Category:       e.Category,
		IntentType:     e.IntentType,
		Keywords:       m.Keywords(e.Request + " " + e.Summary),
		OriginalPrompt: e.Request,
		Summary:        e.Summary,
		Steps:          e.Steps,
		Parameters:     e.Parameters,
		SuccessCount:   success,
		TotalCount:     1,
	}
	if m.mode == ModeHybrid {
		if text := embeddingText(w); text != "" {
			vec, err := m.embedder.Embed(ctx, text)
			if err != nil {
				// The workflow is still stored; Reembed can fill the vector later.
				m.logger.Warn("workflow embedding failed", "error", err)
			} else {
				w.Embedding = vec
			}
		}
	}
	id, err := m.repo.CreateWorkflow(ctx, w)
	if err != nil {
		return 0, taskerr.Store("create workflow", err)
	}
	return id, nil
}

// embeddingText is the text a workflow's embedding is computed from.
func embeddingText(w storage.Workflow) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(w.OriginalPrompt); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(w.Summary); s != "" {
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return strings.Join(w.Keywords, " ")
	}
	return strings.Join(parts, "\n")
}

// Get returns one workflow.
func (m *Memory) Get(ctx context.Context, id int64) (storage.Workflow, error) {
	return m.repo.GetWorkflow(ctx, id)
}

// BestForIntent returns the user's (or a shared) workflow for intentType
// with the highest success rate, then success count.
func (m *Memory) BestForIntent(ctx context.Context, userID int64, intentType, category string) (storage.Workflow, error) {
	return m.repo.BestWorkflow(ctx, userID, intentType, category)
}

// Templates lists shared templates, optionally filtered by category.
func (m *Memory) Templates(ctx context.Context, category string) ([]storage.Workflow, error) {
	return m.repo.ListTemplates(ctx, category)
}

// ConvertToTemplate marks a workflow as a shared template.
func (m *Memory) ConvertToTemplate(ctx context.Context, id int64) error {
	return m.repo.SetWorkflowTemplate(ctx, id, true)
}

// Rate sets the 1-5 user rating of a workflow.
func (m *Memory) Rate(ctx context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return taskerr.Validationf("rating %d out of range 1-5", rating)
	}
	return m.repo.RateWorkflow(ctx, id, rating)
}

// Stats aggregates success figures for a user's workflows (all workflows
// when userID is zero).
func (m *Memory) Stats(ctx context.Context, userID int64) (storage.WorkflowStats, error) {
	return m.repo.WorkflowStats(ctx, userID)
}

// History returns the most recent executions of a workflow.
func (m *Memory) History(ctx context.Context, workflowID int64, limit int) ([]storage.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 10
	}
	return m.repo.ListExecutions(ctx, workflowID, limit)
}

// Reembed recomputes the embedding of every workflow with the current
// embedder. Run it after switching embedding models: vectors of another
// dimension are kept in the store but never compared.
func (m *Memory) Reembed(ctx context.Context) (int, error) {
	if m.mode != ModeHybrid {
		return 0, fmt.Errorf("reembed: memory is in %s mode", m.mode)
	}
	workflows, err := m.repo.ListWorkflows(ctx, 0)
	if err != nil {
		return 0, taskerr.Store("list workflows", err)
	}

	updated := 0
	for start := 0; start < len(workflows); start += reembedBatchSize {
		end := min(start+reembedBatchSize, len(workflows))
		batch := workflows[start:end]
		texts := make([]string, len(batch))
		for i, w := range batch {
			texts[i] = embeddingText(w)
		}
		vecs, err := retrieval.EmbedBatch(ctx, m.embedder, texts)
		if err != nil {
			return updated, fmt.Errorf("reembedding workflows %d-%d: %w", batch[0].ID, batch[len(batch)-1].ID, err)
		}
		for i, w := range batch {
			if err := m.repo.SetWorkflowEmbedding(ctx, w.ID, vecs[i]); err != nil {
				return updated, taskerr.Store("set workflow embedding", err)
			}
			updated++
		}
		m.logger.Info("reembedded workflows", "done", updated, "total", len(workflows))
	}
	return updated, nil
}
