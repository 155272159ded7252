package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/kalambet/taskmem/internal/memory"
	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

// FindSimilarRequest is the body of POST /v1/workflows/search.
type FindSimilarRequest struct {
	UserID   int64  `json:"user_id"`
	Request  string `json:"request"`
	Category string `json:"category"`
	TopK     int    `json:"top_k"`
}

// MatchResponse is one ranked workflow.
type MatchResponse struct {
	Workflow storage.Workflow `json:"workflow"`
	Score    float64          `json:"score"`
	Lexical  float64          `json:"lexical"`
	Semantic *float64         `json:"semantic,omitempty"`
}

const maxTopK = 50

func findSimilar(ctx context.Context, deps Deps, req FindSimilarRequest) ([]MatchResponse, error) {
	if strings.TrimSpace(req.Request) == "" {
		return nil, taskerr.Validationf("request is required")
	}
	topK := min(req.TopK, maxTopK)
	matches, err := deps.Memory.FindSimilar(ctx, memory.Query{
		UserID:   req.UserID,
		Text:     req.Request,
		Category: req.Category,
		TopK:     topK,
	})
	if err != nil {
		return nil, err
	}
	out := make([]MatchResponse, len(matches))
	for i, m := range matches {
		out[i] = MatchResponse{Workflow: m.Workflow, Score: m.Score, Lexical: m.Lexical, Semantic: m.Semantic}
	}
	return out, nil
}

func handleFindSimilar(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FindSimilarRequest
		if !decodeBody(w, r, &req) {
			return
		}
		matches, err := findSimilar(r.Context(), deps, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, matches)
	}
}

// RecordExecutionRequest is the body of POST /v1/workflows/executions.
// Without workflow_id a new workflow is created from the run.
type RecordExecutionRequest struct {
	WorkflowID  *int64           `json:"workflow_id,omitempty"`
	ExecutionID int64            `json:"execution_id,omitempty"`
	UserID      int64            `json:"user_id"`
	TaskID      *int64           `json:"task_id,omitempty"`
	Category    string           `json:"category"`
	IntentType  string           `json:"intent_type"`
	Request     string           `json:"request"`
	Summary     string           `json:"summary"`
	Steps       []storage.Step   `json:"steps"`
	Parameters  map[string]any   `json:"parameters"`
	StepResults []map[string]any `json:"step_results"`
	Success     bool             `json:"success"`
	Error       string           `json:"error"`
}

func (req RecordExecutionRequest) toMemory() memory.Execution {
	return memory.Execution{
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
		UserID:      req.UserID,
		TaskID:      req.TaskID,
		Category:    req.Category,
		IntentType:  req.IntentType,
		Request:     req.Request,
		Summary:     req.Summary,
		Steps:       req.Steps,
		Parameters:  req.Parameters,
		StepResults: req.StepResults,
		Success:     req.Success,
		Error:       req.Error,
	}
}

func handleRecordExecution(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RecordExecutionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Memory.RecordExecution(r.Context(), req.toMemory())
		if err != nil {
			writeError(w, err)
			return
		}
		wf, err := deps.Memory.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, wf)
	}
}

func handleGetWorkflow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		wf, err := deps.Memory.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

func handleWorkflowExecutions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		if _, err := deps.Memory.Get(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		execs, err := deps.Memory.History(r.Context(), id, parseIntParam(r, "limit", 10, 100))
		if err != nil {
			writeError(w, taskerr.Store("list executions", err))
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(execs))
	}
}

func handleConvertToTemplate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		if err := deps.Memory.ConvertToTemplate(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_template": true})
	}
}

func handleRateWorkflow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var body struct {
			Rating int `json:"rating"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := deps.Memory.Rate(r.Context(), id, body.Rating); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "rating": body.Rating})
	}
}

func handleTemplates(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Memory.Templates(r.Context(), r.URL.Query().Get("category"))
		if err != nil {
			writeError(w, taskerr.Store("list templates", err))
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(list))
	}
}

func handleWorkflowStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Memory.Stats(r.Context(), parseInt64Param(r, "user_id"))
		if err != nil {
			writeError(w, taskerr.Store("workflow stats", err))
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleBestWorkflow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("intent_type") == "" {
			writeError(w, taskerr.Validationf("intent_type is required"))
			return
		}
		wf, err := deps.Memory.BestForIntent(r.Context(), parseInt64Param(r, "user_id"), q.Get("intent_type"), q.Get("category"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}
