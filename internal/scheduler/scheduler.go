// Package scheduler runs the task queue: it claims ready tasks atomically,
// hands them to an executor on a bounded worker pool, applies timeouts,
// retries and cancellation, and feeds outcomes back to workflow memory.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/taskmem/internal/dispatch"
	"github.com/kalambet/taskmem/internal/executor"
	"github.com/kalambet/taskmem/internal/memory"
	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errShutdown        = errors.New("scheduler shutting down")
)

// ToolValidator checks task data before enqueue.
type ToolValidator interface {
	Validate(ctx context.Context, userID int64, taskType string, data map[string]any) (storage.Tool, error)
}

// Memory is the subset of workflow memory the scheduler consults.
type Memory interface {
	FindSimilar(ctx context.Context, q memory.Query) ([]memory.Match, error)
	StartExecution(ctx context.Context, userID int64, taskID, workflowID *int64) (int64, error)
	RecordExecution(ctx context.Context, e memory.Execution) (int64, error)
	AbandonExecution(ctx context.Context, id int64, reason string) error
}

// Notifier queues chat messages. Enqueue must not wait for delivery.
type Notifier interface {
	Enqueue(ctx context.Context, m dispatch.Message) (int64, error)
}

// Config controls scheduling.
type Config struct {
	MaxWorkers      int           // global worker limit, default 5
	UserConcurrency int           // in_progress tasks per user, default 1
	TaskTimeout     time.Duration // default 300s
	CancelGrace     time.Duration // wait for an executor to acknowledge a cancel, default 10s
	PollInterval    time.Duration // default 1s
	MaxRetries      int           // upper bound on task_data max_retries; absent means no retry
	// MinGuidance is the lowest match score a prior workflow needs to be
	// passed to the executor, default 0.3.
	MinGuidance float64
}

// Deps are the scheduler's collaborators. Tools, Memory and Notifier are
// optional.
type Deps struct {
	Repo     storage.Repository
	Executor executor.Executor
	Tools    ToolValidator
	Memory   Memory
	Notifier Notifier
	Logger   *slog.Logger
}

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler owns the claim loop and the worker pool of one instance.
type Scheduler struct {
	repo     storage.Repository
	exec     executor.Executor
	tools    ToolValidator
	memory   Memory
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	workerID string
	now      func() time.Time

	wake     chan struct{}
	slots    chan struct{}
	draining atomic.Bool
	wg       sync.WaitGroup

	// claimMu is held from ClaimNextTask until the claimed task is in
	// running, so Cancel never sees a task of ours as unowned.
	claimMu sync.Mutex
	mu      sync.Mutex
	running map[int64]*run
}

func New(deps Deps, cfg Config) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.UserConcurrency <= 0 {
		cfg.UserConcurrency = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 300 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MinGuidance <= 0 {
		cfg.MinGuidance = 0.3
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:     deps.Repo,
		exec:     deps.Executor,
		tools:    deps.Tools,
		memory:   deps.Memory,
		notifier: deps.Notifier,
		cfg:      cfg,
		logger:   logger,
		workerID: uuid.NewString(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		slots:    make(chan struct{}, cfg.MaxWorkers),
		running:  make(map[int64]*run),
	}
}

// WorkerID identifies this instance in task_queue.worker_id.
func (s *Scheduler) WorkerID() string { return s.workerID }

// Running returns the number of tasks executing on this instance.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// EnqueueRequest is a new task.
type EnqueueRequest struct {
	UserID   int64
	TaskType string
	Data     map[string]any
	Priority int
}

// Enqueue validates and stores a pending task, then wakes the claim loop.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if req.UserID == 0 {
		return 0, taskerr.Validationf("user_id is required")
	}
	if req.TaskType == "" {
		return 0, taskerr.Validationf("task_type is required")
	}
	if req.Priority < 1 || req.Priority > 10 {
		return 0, taskerr.Validationf("priority %d out of range 1-10", req.Priority)
	}
	if s.tools != nil {
		if _, err := s.tools.Validate(ctx, req.UserID, req.TaskType, req.Data); err != nil {
			return 0, err
		}
	}
	if err := s.repo.EnsureUser(ctx, req.UserID); err != nil {
		return 0, taskerr.Store("ensure user", err)
	}
	id, err := s.repo.EnqueueTask(ctx, storage.Task{
		UserID:   req.UserID,
		TaskType: req.TaskType,
		TaskData: req.Data,
		Priority: req.Priority,
	})
	if err != nil {
		return 0, taskerr.Store("enqueue task", err)
	}
	s.logger.Info("task enqueued", "task_id", id, "user_id", req.UserID, "task_type", req.TaskType, "priority", req.Priority)

	if chatID := stringField(req.Data, "chat_id"); chatID != "" {
		s.notify(ctx, req.UserID, chatID, storage.MessageProgress,
			fmt.Sprintf("Task queued (task %d): %s", id, req.TaskType))
	}
	s.Wake()
	return id, nil
}

// Wake triggers a claim cycle without waiting for the poll interval.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run claims tasks until ctx is cancelled or Drain is called. Tasks already
// running are not affected by ctx; use Drain to stop them.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"worker_id", s.workerID,
		"max_workers", s.cfg.MaxWorkers,
		"user_concurrency", s.cfg.UserConcurrency,
	)
	defer s.logger.Info("scheduler stopped", "worker_id", s.workerID)

	for {
		if ctx.Err() != nil || s.draining.Load() {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("claim cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims ready tasks until the worker pool is full or nothing is
// eligible, and starts them. It returns the number of tasks started.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	started := 0
	for !s.draining.Load() {
		select {
		case s.slots <- struct{}{}:
		default:
			return started, nil
		}

		s.claimMu.Lock()
		t, err := s.repo.ClaimNextTask(ctx, storage.ClaimParams{
			UserLimit: s.cfg.UserConcurrency,
			WorkerID:  s.workerID,
			Now:       s.now(),
		})
		if err != nil {
			s.claimMu.Unlock()
			<-s.slots
			return started, taskerr.Store("claim task", err)
		}
		if t == nil {
			s.claimMu.Unlock()
			<-s.slots
			return started, nil
		}
		s.start(*t)
		s.claimMu.Unlock()
		started++
	}
	return started, nil
}

func (s *Scheduler) start(t storage.Task) {
	taskCtx, cancel := context.WithCancelCause(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[t.ID] = r
	s.mu.Unlock()
	s.wg.Add(1)

	go func() {
		defer func() {
			cancel(nil)
			<-s.slots
			s.mu.Lock()
			delete(s.running, t.ID)
			s.mu.Unlock()
			close(r.done)
			s.wg.Done()
			s.Wake()
		}()
		s.execute(taskCtx, t)
	}()
}

// Drain stops claiming and waits for running tasks. When ctx expires first,
// running tasks are cancelled and Drain waits for them to be recorded.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.draining.Store(true)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	n := len(s.running)
	for _, r := range s.running {
		r.cancel(errShutdown)
	}
	s.mu.Unlock()
	s.logger.Warn("drain deadline reached, cancelling running tasks", "count", n)
	<-done
	return ctx.Err()
}

// Complete marks an in_progress task completed. On a terminal task it is a
// no-op that returns the stored state.
func (s *Scheduler) Complete(ctx context.Context, id int64, result map[string]any) (storage.Task, error) {
	return s.finish(ctx, id, storage.TaskCompleted, result, "")
}

// Fail marks an in_progress task failed. On a terminal task it is a no-op
// that returns the stored state.
func (s *Scheduler) Fail(ctx context.Context, id int64, errText string) (storage.Task, error) {
	return s.finish(ctx, id, storage.TaskFailed, nil, errText)
}

func (s *Scheduler) finish(ctx context.Context, id int64, to string, result map[string]any, errText string) (storage.Task, error) {
	t, applied, err := s.repo.TransitionTask(ctx, id, []string{storage.TaskInProgress}, to, result, errText)
	if err != nil {
		return storage.Task{}, taskerr.Store("transition task", err)
	}
	if !applied && t.Status == storage.TaskPending {
		return t, taskerr.Validationf("task %d has not started", id)
	}
	return t, nil
}

// Cancel cancels a task. A pending task is cancelled at once. A task running
// on this instance is asked to stop; Cancel returns once it has been
// recorded as cancelled, which takes at most the cancel grace period. A
// terminal task is returned unchanged.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (storage.Task, error) {
	t, applied, err := s.repo.TransitionTask(ctx, id, []string{storage.TaskPending}, storage.TaskCancelled,
		map[string]any{"forced": false}, taskerr.CodeCancelled)
	if err != nil {
		return storage.Task{}, taskerr.Store("cancel task", err)
	}
	if applied {
		s.logger.Info("task cancelled", "task_id", id, "status_before", storage.TaskPending)
		return t, nil
	}
	if t.Status != storage.TaskInProgress {
		return t, nil
	}

	// Wait out a claim in flight so a task this instance just claimed is
	// found in running.
	s.claimMu.Lock()
	s.mu.Lock()
	r := s.running[id]
	s.mu.Unlock()
	s.claimMu.Unlock()
	if r == nil {
		// Claimed by another instance or orphaned; nothing here can stop it.
		t, _, err = s.repo.TransitionTask(ctx, id, []string{storage.TaskInProgress}, storage.TaskCancelled,
			map[string]any{"forced": true, "reason": "not running on this instance"}, taskerr.CodeCancelled)
		if err != nil {
			return storage.Task{}, taskerr.Store("cancel task", err)
		}
		s.logger.Warn("task force-cancelled", "task_id", id, "worker_id", t.WorkerID)
		return t, nil
	}

	r.cancel(errCancelRequested)
	select {
	case <-r.done:
	case <-ctx.Done():
		return storage.Task{}, ctx.Err()
	}
	t, err = s.repo.GetTask(ctx, id)
	if err != nil {
		return storage.Task{}, taskerr.Store("get task", err)
	}
	return t, nil
}

// Sweep fails tasks left in_progress longer than the timeout plus the
// cancel grace, which only happens when the claiming instance died.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-(s.cfg.TaskTimeout + s.cfg.CancelGrace))
	stale, err := s.repo.FailStaleTasks(ctx, cutoff, taskerr.CodeOrphaned)
	if err != nil {
		return 0, taskerr.Store("fail stale tasks", err)
	}
	for _, t := range stale {
		s.logger.Warn("orphaned task failed", "task_id", t.ID, "worker_id", t.WorkerID)
		if chatID := stringField(t.TaskData, "chat_id"); chatID != "" {
			s.notify(ctx, t.UserID, chatID, storage.MessageError,
				dispatch.FormatResult(false, t.ID, "The task was interrupted."))
		}
	}
	return len(stale), nil
}

func (s *Scheduler) notify(ctx context.Context, userID int64, chatID, msgType, content string) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Enqueue(ctx, dispatch.Message{
		UserID:  userID,
		ChatID:  chatID,
		Type:    msgType,
		Content: content,
	}); err != nil {
		s.logger.Warn("failed to queue chat message", "chat_id", chatID, "type", msgType, "error", err)
	}
}
