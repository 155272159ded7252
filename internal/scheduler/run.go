package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/kalambet/taskmem/internal/dispatch"
	"github.com/kalambet/taskmem/internal/executor"
	"github.com/kalambet/taskmem/internal/memory"
	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

type outcome struct {
	res executor.Result
	err error
}

// execute runs one claimed attempt and applies its outcome. taskCtx is
// cancelled by Cancel or Drain; the task timeout is applied on top of it.
func (s *Scheduler) execute(taskCtx context.Context, t storage.Task) {
	// Store writes outlive taskCtx so a cancellation is still recorded.
	ctx := context.WithoutCancel(taskCtx)
	logger := s.logger.With("task_id", t.ID, "task_type", t.TaskType, "attempt", t.Attempts)
	startedAt := s.now()
	if t.StartedAt != nil {
		startedAt = *t.StartedAt
	}
	chatID := stringField(t.TaskData, "chat_id")

	var category string
	if tool, err := s.repo.GetTool(ctx, t.TaskType); err == nil {
		category = tool.Category
	}
	guide := s.guidance(ctx, t, category)

	// A followed workflow gets a running execution for the whole attempt.
	// Paths that do not record an outcome close it as abandoned.
	executionID := s.startExecution(ctx, logger, t, guide)
	abandonReason := "abandoned"
	defer func() {
		if executionID == 0 {
			return
		}
		if err := s.memory.AbandonExecution(ctx, executionID, abandonReason); err != nil {
			logger.Warn("failed to close workflow execution", "execution_id", executionID, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(taskCtx, s.cfg.TaskTimeout)
	defer cancel()

	req := executor.Request{
		TaskID:   t.ID,
		UserID:   t.UserID,
		TaskType: t.TaskType,
		Data:     t.TaskData,
		Attempt:  t.Attempts,
		Workflow: guide,
	}
	progress := func(step, total int, label string) {
		if chatID != "" {
			s.notify(ctx, t.UserID, chatID, storage.MessageProgress, dispatch.FormatProgress(step, total, label))
		}
	}

	logger.Info("task started", "user_id", t.UserID)
	results := make(chan outcome, 1)
	go func() {
		res, err := s.exec.Execute(runCtx, req, progress)
		results <- outcome{res: res, err: err}
	}()

	var out outcome
	forced := false
	select {
	case out = <-results:
	case <-runCtx.Done():
		// Give the executor the grace period to acknowledge.
		select {
		case out = <-results:
		case <-time.After(s.cfg.CancelGrace):
			forced = true
			out.err = runCtx.Err()
		}
	}

	attempt := storage.TaskAttempt{TaskID: t.ID, Attempt: t.Attempts, StartedAt: startedAt}

	if cause := context.Cause(taskCtx); cause != nil {
		abandonReason = cause.Error()
		s.recordCancelled(ctx, logger, t, attempt, cause, forced)
		return
	}

	if out.err == nil {
		attempt.Status = storage.TaskCompleted
		s.addAttempt(ctx, logger, attempt)
		result := out.res.Data
		if result == nil {
			result = map[string]any{}
		}
		if out.res.Summary != "" {
			result["summary"] = out.res.Summary
		}
		stored, err := s.Complete(ctx, t.ID, result)
		if err != nil {
			logger.Error("failed to complete task", "error", err)
			return
		}
		if stored.Status != storage.TaskCompleted {
			logger.Warn("task finished after leaving in_progress", "status", stored.Status)
			return
		}
		logger.Info("task completed", "duration", s.now().Sub(startedAt))
		if chatID != "" {
			s.notify(ctx, t.UserID, chatID, storage.MessageResult, dispatch.FormatResult(true, t.ID, out.res.Summary))
		}
		if s.learn(ctx, logger, t, category, guide, executionID, out.res, nil) {
			executionID = 0
		}
		return
	}

	err := classify(out.err, runCtx)
	attempt.Status = storage.TaskFailed
	attempt.Error = err.Error()
	abandonReason = err.Error()
	s.addAttempt(ctx, logger, attempt)

	if t.Attempts <= s.maxRetries(t) {
		requeued, rerr := s.repo.RequeueTask(ctx, t.ID, err.Error())
		if rerr != nil {
			logger.Error("failed to requeue task", "error", rerr)
			return
		}
		if requeued {
			logger.Warn("task attempt failed, retrying", "error", err, "forced", forced)
			s.Wake()
			return
		}
	}

	var result map[string]any
	if forced {
		result = map[string]any{"forced": true}
	}
	stored, ferr := s.finish(ctx, t.ID, storage.TaskFailed, result, err.Error())
	if ferr != nil {
		logger.Error("failed to fail task", "error", ferr)
		return
	}
	if stored.Status != storage.TaskFailed {
		logger.Warn("task failed after leaving in_progress", "status", stored.Status)
		return
	}
	logger.Warn("task failed", "error", err, "code", taskerr.CodeOf(err), "forced", forced)
	if chatID != "" {
		s.notify(ctx, t.UserID, chatID, storage.MessageError, dispatch.FormatResult(false, t.ID, err.Error()))
	}
	if s.learn(ctx, logger, t, category, guide, executionID, out.res, err) {
		executionID = 0
	}
}

// guidance returns the best prior workflow for the task's request, or nil.
func (s *Scheduler) guidance(ctx context.Context, t storage.Task, category string) *storage.Workflow {
	if s.memory == nil {
		return nil
	}
	text := requestText(t.TaskData)
	if text == "" {
		return nil
	}
	matches, err := s.memory.FindSimilar(ctx, memory.Query{
		UserID:   t.UserID,
		Text:     text,
		Category: category,
		TopK:     1,
	})
	if err != nil {
		s.logger.Warn("workflow lookup failed", "task_id", t.ID, "error", err)
		return nil
	}
	if len(matches) == 0 || matches[0].Score < s.cfg.MinGuidance {
		return nil
	}
	w := matches[0].Workflow
	s.logger.Debug("following prior workflow", "task_id", t.ID, "workflow_id", w.ID, "score", matches[0].Score)
	return &w
}

// startExecution opens a running execution when the task follows guide.
// It returns 0 when nothing was opened.
func (s *Scheduler) startExecution(ctx context.Context, logger *slog.Logger, t storage.Task, guide *storage.Workflow) int64 {
	if s.memory == nil || guide == nil {
		return 0
	}
	id, err := s.memory.StartExecution(ctx, t.UserID, &t.ID, &guide.ID)
	if err != nil {
		logger.Warn("failed to start workflow execution", "workflow_id", guide.ID, "error", err)
		return 0
	}
	return id
}

// learn records a terminal outcome and reports whether it did. A failure
// without a followed workflow is not recorded: only successful runs become
// new workflows. executionID, when set, is the running execution to finish.
func (s *Scheduler) learn(ctx context.Context, logger *slog.Logger, t storage.Task, category string, guide *storage.Workflow, executionID int64, res executor.Result, runErr error) bool {
	if s.memory == nil || (guide == nil && runErr != nil) {
		return false
	}
	var workflowID *int64
	if guide != nil {
		workflowID = &guide.ID
	}
	intent := stringField(t.TaskData, "intent_type")
	if intent == "" {
		intent = t.TaskType
	}
	params := make(map[string]any, len(t.TaskData))
	for k, v := range t.TaskData {
		if k != "chat_id" {
			params[k] = v
		}
	}
	var stepResults []map[string]any
	if len(res.Data) > 0 {
		stepResults = []map[string]any{res.Data}
	}
	e := memory.Execution{
		WorkflowID:  workflowID,
		UserID:      t.UserID,
		TaskID:      &t.ID,
		Category:    category,
		IntentType:  intent,
		Request:     requestText(t.TaskData),
		Summary:     res.Summary,
		Steps:       res.Steps,
		Parameters:  params,
		StepResults: stepResults,
		Success:     runErr == nil,
		ExecutionID: executionID,
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	if _, err := s.memory.RecordExecution(ctx, e); err != nil {
		logger.Warn("failed to record workflow execution", "error", err)
		return false
	}
	return true
}

func (s *Scheduler) recordCancelled(ctx context.Context, logger *slog.Logger, t storage.Task, attempt storage.TaskAttempt, cause error, forced bool) {
	attempt.Status = storage.TaskCancelled
	attempt.Error = cause.Error()
	s.addAttempt(ctx, logger, attempt)

	result := map[string]any{"forced": forced}
	if errors.Is(cause, errShutdown) {
		result["reason"] = "shutdown"
	}
	stored, _, err := s.repo.TransitionTask(ctx, t.ID, []string{storage.TaskInProgress}, storage.TaskCancelled,
		result, taskerr.CodeCancelled)
	if err != nil {
		logger.Error("failed to cancel task", "error", err)
		return
	}
	logger.Info("task cancelled", "forced", forced, "status", stored.Status)
	if chatID := stringField(t.TaskData, "chat_id"); chatID != "" && stored.Status == storage.TaskCancelled {
		s.notify(ctx, t.UserID, chatID, storage.MessageNotification, "Task cancelled (task "+strconv.FormatInt(t.ID, 10)+")")
	}
}

func (s *Scheduler) addAttempt(ctx context.Context, logger *slog.Logger, a storage.TaskAttempt) {
	a.FinishedAt = s.now()
	if err := s.repo.AddTaskAttempt(ctx, a); err != nil {
		logger.Error("failed to log task attempt", "error", err)
	}
}

// maxRetries is task_data.max_retries capped by the configured maximum.
// A task that does not ask for retries gets none.
func (s *Scheduler) maxRetries(t storage.Task) int {
	v, ok := intField(t.TaskData, "max_retries")
	if !ok {
		return 0
	}
	return min(max(v, 0), s.cfg.MaxRetries)
}

// classify turns an executor error into a timeout or execution error.
func classify(err error, runCtx context.Context) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return taskerr.Timeout("execute task", err)
	}
	var te *taskerr.Error
	if errors.As(err, &te) {
		return err
	}
	return taskerr.Execution("execute task", err)
}
