package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

// HTTPExecutor forwards tasks to an external tool runner. It POSTs the
// task to {baseURL}/run and reads a newline-delimited JSON stream: zero or
// more progress lines followed by one final line carrying a result or an
// error.
type HTTPExecutor struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPExecutor creates an executor for the runner at baseURL. A non-empty
// token is sent as a bearer token.
func NewHTTPExecutor(baseURL, token string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No client timeout: the scheduler's context carries the task deadline.
		httpClient: &http.Client{},
	}
}

type runWorkflow struct {
	ID         int64          `json:"id"`
	Steps      []storage.Step `json:"steps"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type runRequest struct {
	TaskID   int64          `json:"task_id"`
	UserID   int64          `json:"user_id"`
	TaskType string         `json:"task_type"`
	TaskData map[string]any `json:"task_data"`
	Attempt  int            `json:"attempt"`
	Workflow *runWorkflow   `json:"workflow,omitempty"`
}

// runLine is one line of the runner's response stream.
type runLine struct {
	Progress *struct {
		Step  int    `json:"step"`
		Total int    `json:"total"`
		Label string `json:"label"`
	} `json:"progress,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Steps   []storage.Step `json:"steps,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
	Done    bool           `json:"done"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	payload := runRequest{
		TaskID:   req.TaskID,
		UserID:   req.UserID,
		TaskType: req.TaskType,
		TaskData: req.Data,
		Attempt:  req.Attempt,
	}
	if req.Workflow != nil {
		payload.Workflow = &runWorkflow{ID: req.Workflow.ID, Steps: req.Workflow.Steps, Parameters: req.Workflow.Parameters}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, e.classify(ctx, fmt.Errorf("run %s: %w", req.TaskType, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, taskerr.Execution("run "+req.TaskType,
			fmt.Errorf("runner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var line runLine
		if err := dec.Decode(&line); err == io.EOF {
			break
		} else if err != nil {
			return Result{}, e.classify(ctx, fmt.Errorf("reading runner stream: %w", err))
		}
		if line.Progress != nil {
			if progress != nil {
				progress(line.Progress.Step, line.Progress.Total, line.Progress.Label)
			}
			continue
		}
		if line.Error != "" {
			return Result{}, taskerr.Execution("run "+req.TaskType, errors.New(line.Error))
		}
		if line.Done || line.Result != nil {
			return Result{Data: line.Result, Steps: line.Steps, Summary: line.Summary}, nil
		}
	}
	return Result{}, taskerr.Execution("run "+req.TaskType, errors.New("runner closed the stream without a result"))
}

// classify keeps context errors recognisable to the scheduler.
func (e *HTTPExecutor) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return taskerr.Execution("run", err)
}
