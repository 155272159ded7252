package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/taskmem/internal/dispatch"
	"github.com/kalambet/taskmem/internal/executor"
	"github.com/kalambet/taskmem/internal/memory"
	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
	"github.com/kalambet/taskmem/internal/tools"
)

type mockNotifier struct {
	mu   sync.Mutex
	msgs []dispatch.Message
}

func (m *mockNotifier) Enqueue(_ context.Context, msg dispatch.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return int64(len(m.msgs)), nil
}

func (m *mockNotifier) byType(msgType string) []dispatch.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispatch.Message
	for _, msg := range m.msgs {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestScheduler(t *testing.T, store *storage.Store, exec executor.Executor, cfg Config) (*Scheduler, *mockNotifier) {
	t.Helper()
	n := &mockNotifier{}
	s := New(Deps{Repo: store, Executor: exec, Notifier: n}, cfg)
	return s, n
}

func enqueue(t *testing.T, s *Scheduler, userID int64, priority int, data map[string]any) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), EnqueueRequest{UserID: userID, TaskType: "browser", Data: data, Priority: priority})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

// waitIdle waits until no task is executing on s.
func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Running() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("tasks still running after 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runOne claims and waits for one cycle of tasks.
func runOne(t *testing.T, s *Scheduler) int {
	t.Helper()
	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	waitIdle(t, s)
	return n
}

func getTask(t *testing.T, store *storage.Store, id int64) storage.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", id, err)
	}
	return task
}

func succeed(context.Context, executor.Request, executor.ProgressFunc) (executor.Result, error) {
	return executor.Result{Summary: "done"}, nil
}

// blockUntilCancelled returns once ctx is done, acknowledging the cancel.
func blockUntilCancelled(ctx context.Context, _ executor.Request, _ executor.ProgressFunc) (executor.Result, error) {
	<-ctx.Done()
	return executor.Result{}, ctx.Err()
}

func TestEnqueue_Validation(t *testing.T) {
	store := openTestStore(t)
	reg := tools.NewRegistry(store, nil)
	if err := reg.Seed(context.Background(), tools.DefaultTools()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	s := New(Deps{Repo: store, Executor: executor.Func(succeed), Tools: reg}, Config{})

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"priority zero", EnqueueRequest{UserID: 1, TaskType: "browser", Priority: 0}},
		{"priority eleven", EnqueueRequest{UserID: 1, TaskType: "browser", Priority: 11}},
		{"no user", EnqueueRequest{TaskType: "browser", Priority: 5}},
		{"unknown tool", EnqueueRequest{UserID: 1, TaskType: "teleport", Priority: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(context.Background(), tt.req)
			if !taskerr.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}

	tasks, _ := store.ListTasks(context.Background(), storage.TaskFilter{})
	if len(tasks) != 0 {
		t.Errorf("%d tasks stored after rejected enqueues", len(tasks))
	}
}

func TestEnqueue_QueuedNotification(t *testing.T) {
	store := openTestStore(t)
	s, n := newTestScheduler(t, store, executor.Func(succeed), Config{})

	id := enqueue(t, s, 7, 5, map[string]any{"chat_id": float64(4242)})

	task := getTask(t, store, id)
	if task.Status != storage.TaskPending || task.Priority != 5 {
		t.Errorf("task = %s priority %d", task.Status, task.Priority)
	}
	progress := n.byType(storage.MessageProgress)
	if len(progress) != 1 || progress[0].ChatID != "4242" || !strings.Contains(progress[0].Content, "Task queued") {
		t.Errorf("progress messages = %+v", progress)
	}
}

func TestRunOnce_PriorityThenFIFO(t *testing.T) {
	store := openTestStore(t)
	var mu sync.Mutex
	var order []int64
	exec := executor.Func(func(_ context.Context, req executor.Request, _ executor.ProgressFunc) (executor.Result, error) {
		mu.Lock()
		order = append(order, req.TaskID)
		mu.Unlock()
		return executor.Result{}, nil
	})
	s, _ := newTestScheduler(t, store, exec, Config{})

	low := enqueue(t, s, 1, 3, nil)
	high := enqueue(t, s, 1, 9, nil)
	mid := enqueue(t, s, 1, 5, nil)
	midLater := enqueue(t, s, 1, 5, nil)

	for i := 0; i < 4; i++ {
		if n := runOne(t, s); n != 1 {
			t.Fatalf("cycle %d started %d tasks, want 1", i, n)
		}
	}

	want := []int64{high, mid, midLater, low}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestRunOnce_ConcurrencyLimits(t *testing.T) {
	store := openTestStore(t)
	release := make(chan struct{})
	exec := executor.Func(func(ctx context.Context, _ executor.Request, _ executor.ProgressFunc) (executor.Result, error) {
		<-release
		return executor.Result{}, nil
	})
	s, _ := newTestScheduler(t, store, exec, Config{MaxWorkers: 2})

	enqueue(t, s, 1, 5, nil)
	enqueue(t, s, 1, 5, nil)
	enqueue(t, s, 2, 5, nil)
	enqueue(t, s, 3, 5, nil)

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("started %d, want 2 (max workers)", n)
	}
	if n, _ := s.RunOnce(context.Background()); n != 0 {
		t.Errorf("started %d with a full pool, want 0", n)
	}

	running, _ := store.ListTasks(context.Background(), storage.TaskFilter{Status: storage.TaskInProgress})
	users := map[int64]int{}
	for _, task := range running {
		users[task.UserID]++
		if task.WorkerID != s.WorkerID() {
			t.Errorf("task %d worker_id = %q, want %q", task.ID, task.WorkerID, s.WorkerID())
		}
	}
	for user, count := range users {
		if count > 1 {
			t.Errorf("user %d has %d tasks in progress", user, count)
		}
	}

	close(release)
	waitIdle(t, s)
}

func TestExecute_RetryThenFail(t *testing.T) {
	store := openTestStore(t)
	exec := executor.Func(func(context.Context, executor.Request, executor.ProgressFunc) (executor.Result, error) {
		return executor.Result{}, errors.New("page did not load")
	})
	s, n := newTestScheduler(t, store, exec, Config{MaxRetries: 1})
	id := enqueue(t, s, 1, 5, map[string]any{"chat_id": "c1", "max_retries": float64(1)})

	runOne(t, s)
	task := getTask(t, store, id)
	if task.Status != storage.TaskPending || task.Attempts != 1 {
		t.Fatalf("after first failure: status %s attempts %d, want pending 1", task.Status, task.Attempts)
	}
	if len(n.byType(storage.MessageError)) != 0 {
		t.Error("error message sent before retries ran out")
	}

	runOne(t, s)
	task = getTask(t, store, id)
	if task.Status != storage.TaskFailed || task.Attempts != 2 {
		t.Fatalf("after second failure: status %s attempts %d, want failed 2", task.Status, task.Attempts)
	}
	if !strings.Contains(task.Error, "page did not load") || task.CompletedAt == nil {
		t.Errorf("task = error %q completed_at %v", task.Error, task.CompletedAt)
	}

	attempts, err := store.ListTaskAttempts(context.Background(), id)
	if err != nil {
		t.Fatalf("ListTaskAttempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Status != storage.TaskFailed || attempts[1].Attempt != 2 {
		t.Errorf("attempts = %+v", attempts)
	}
	errs := n.byType(storage.MessageError)
	if len(errs) != 1 || !strings.Contains(errs[0].Content, "Task Failed") {
		t.Errorf("error messages = %+v", errs)
	}
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	store := openTestStore(t)
	exec := executor.Func(func(_ context.Context, req executor.Request, _ executor.ProgressFunc) (executor.Result, error) {
		if req.Attempt == 1 {
			return executor.Result{}, errors.New("flaky")
		}
		return executor.Result{Data: map[string]any{"url": "https://example.com"}, Summary: "opened"}, nil
	})
	s, n := newTestScheduler(t, store, exec, Config{MaxRetries: 1})
	id := enqueue(t, s, 1, 5, map[string]any{"chat_id": "c1", "max_retries": float64(1)})

	runOne(t, s)
	runOne(t, s)

	task := getTask(t, store, id)
	if task.Status != storage.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.Result["url"] != "https://example.com" || task.Result["summary"] != "opened" {
		t.Errorf("result = %v", task.Result)
	}
	results := n.byType(storage.MessageResult)
	if len(results) != 1 || !strings.Contains(results[0].Content, "Task Completed") {
		t.Errorf("result messages = %+v", results)
	}
}

func TestExecute_TaskDataDisablesRetry(t *testing.T) {
	store := openTestStore(t)
	exec := executor.Func(func(context.Context, executor.Request, executor.ProgressFunc) (executor.Result, error) {
		return executor.Result{}, errors.New("boom")
	})
	s, _ := newTestScheduler(t, store, exec, Config{MaxRetries: 1})
	id := enqueue(t, s, 1, 5, map[string]any{"max_retries": float64(0)})

	runOne(t, s)
	if task := getTask(t, store, id); task.Status != storage.TaskFailed || task.Attempts != 1 {
		t.Errorf("status %s attempts %d, want failed after 1", task.Status, task.Attempts)
	}
}

func TestExecute_NoRetryWithoutTaskData(t *testing.T) {
	store := openTestStore(t)
	exec := executor.Func(func(context.Context, executor.Request, executor.ProgressFunc) (executor.Result, error) {
		return executor.Result{}, errors.New("boom")
	})
	s, n := newTestScheduler(t, store, exec, Config{MaxRetries: 1})
	id := enqueue(t, s, 1, 5, map[string]any{"chat_id": "c1"})

	runOne(t, s)
	task := getTask(t, store, id)
	if task.Status != storage.TaskFailed || task.Attempts != 1 {
		t.Errorf("status %s attempts %d, want failed after 1", task.Status, task.Attempts)
	}
	if len(n.byType(storage.MessageError)) != 1 {
		t.Errorf("error messages = %+v, want 1", n.byType(storage.MessageError))
	}
}

func TestExecute_TaskDataRetriesCappedByConfig(t *testing.T) {
	store := openTestStore(t)
	exec := executor.Func(func(context.Context, executor.Request, executor.ProgressFunc) (executor.Result, error) {
		return executor.Result{}, errors.New("boom")
	})
	s, _ := newTestScheduler(t, store, exec, Config{MaxRetries: 1})
	id := enqueue(t, s, 1, 5, map[string]any{"max_retries": float64(5)})

	runOne(t, s)
	if task := getTask(t, store, id); task.Status != storage.TaskPending {
		t.Fatalf("after first failure: status %s, want pending", task.Status)
	}
	runOne(t, s)
	if task := getTask(t, store, id); task.Status != storage.TaskFailed || task.Attempts != 2 {
		t.Errorf("status %s attempts %d, want failed after 2", task.Status, task.Attempts)
	}
}

func TestExecute_Timeout(t *testing.T) {
	store := openTestStore(t)
	s, _ := newTestScheduler(t, store, executor.Func(blockUntilCancelled),
		Config{TaskTimeout: 30 * time.Millisecond, CancelGrace: time.Second})
	id := enqueue(t, s, 1, 5, nil)

	runOne(t, s)

	task := getTask(t, store, id)
	if task.Status != storage.TaskFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "[timeout]") {
		t.Errorf("error = %q, want timeout", task.Error)
	}
	if task.Result["forced"] == true {
		t.Error("acknowledged timeout recorded as forced")
	}
}

func TestExecute_TimeoutForced(t *testing.T) {
	store := openTestStore(t)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	exec := executor.Func(func(context.Context, executor.Request, executor.ProgressFunc) (executor.Result, error) {
		<-stuck
		return executor.Result{}, nil
	})
	s, _ := newTestScheduler(t, store, exec, Config{TaskTimeout: 20 * time.Millisecond, CancelGrace: 20 * time.Millisecond})
	id := enqueue(t, s, 1, 5, nil)

	runOne(t, s)

	task := getTask(t, store, id)
	if task.Status != storage.TaskFailed || task.Result["forced"] != true {
		t.Errorf("task = %s result %v, want failed and forced", task.Status, task.Result)
	}
	if taskerr.CodeTimeout != "timeout" || !strings.Contains(task.Error, "timeout") {
		t.Errorf("error = %q", task.Error)
	}
}

func TestExecute_Progress(t *testing.T) {
	store := openTestStore(t)
	exec := executor.Func(func(_ context.Context, _ executor.Request, progress executor.ProgressFunc) (executor.Result, error) {
		progress(1, 2, "opening profile")
		progress(2, 2, "reading posts")
		return executor.Result{}, nil
	})
	s, n := newTestScheduler(t, store, exec, Config{})
	enqueue(t, s, 1, 5, map[string]any{"chat_id": "c1"})

	runOne(t, s)

	progress := n.byType(storage.MessageProgress)
	// "Task queued" plus two steps.
	if len(progress) != 3 {
		t.Fatalf("progress messages = %d, want 3", len(progress))
	}
	if progress[1].Content != "[█████░░░░░] 50%\nopening profile" {
		t.Errorf("progress = %q", progress[1].Content)
	}
}

func TestCancel_Pending(t *testing.T) {
	store := openTestStore(t)
	s, _ := newTestScheduler(t, store, executor.Func(succeed), Config{})
	id := enqueue(t, s, 1, 5, nil)

	task, err := s.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if task.Status != storage.TaskCancelled || task.CompletedAt == nil {
		t.Errorf("task = %s completed_at %v", task.Status, task.CompletedAt)
	}

	// Idempotent on a terminal task.
	again, err := s.Cancel(context.Background(), id)
	if err != nil || again.Status != storage.TaskCancelled {
		t.Errorf("second Cancel = %s, %v", again.Status, err)
	}
	if n := runOne(t, s); n != 0 {
		t.Errorf("cancelled task was claimed")
	}
}

func TestCancel_InProgress(t *testing.T) {
	store := openTestStore(t)
	s, _ := newTestScheduler(t, store, executor.Func(blockUntilCancelled), Config{CancelGrace: time.Second})
	id := enqueue(t, s, 1, 5, nil)

	if n, _ := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("started %d, want 1", n)
	}
	task, err := s.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if task.Status != storage.TaskCancelled || task.Result["forced"] != false {
		t.Errorf("task = %s result %v, want cancelled, not forced", task.Status, task.Result)
	}

	attempts, _ := store.ListTaskAttempts(context.Background(), id)
	if len(attempts) != 1 || attempts[0].Status != storage.TaskCancelled {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestCancel_Forced(t *testing.T) {
	store := openTestStore(t)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	exec := executor.Func(func(context.Context, executor.Request, executor.ProgressFunc) (executor.Result, error) {
		<-stuck
		return executor.Result{}, nil
	})
	s, _ := newTestScheduler(t, store, exec, Config{CancelGrace: 20 * time.Millisecond})
	id := enqueue(t, s, 1, 5, nil)
	s.RunOnce(context.Background())

	task, err := s.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if task.Status != storage.TaskCancelled || task.Result["forced"] != true {
		t.Errorf("task = %s result %v, want cancelled and forced", task.Status, task.Result)
	}
}

// pausingClaims holds every successful claim until proceed is closed.
type pausingClaims struct {
	storage.Repository
	claimed chan int64
	proceed chan struct{}
}

func (p *pausingClaims) ClaimNextTask(ctx context.Context, params storage.ClaimParams) (*storage.Task, error) {
	t, err := p.Repository.ClaimNextTask(ctx, params)
	if t != nil {
		p.claimed <- t.ID
		<-p.proceed
	}
	return t, err
}

func TestCancel_WhileClaimInFlight(t *testing.T) {
	store := openTestStore(t)
	repo := &pausingClaims{Repository: store, claimed: make(chan int64, 1), proceed: make(chan struct{})}
	s := New(Deps{Repo: repo, Executor: executor.Func(blockUntilCancelled)}, Config{CancelGrace: time.Second})
	id := enqueue(t, s, 1, 5, nil)

	go s.RunOnce(context.Background())
	select {
	case <-repo.claimed:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not claimed")
	}

	type result struct {
		task storage.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := s.Cancel(context.Background(), id)
		done <- result{task, err}
	}()
	select {
	case r := <-done:
		t.Fatalf("Cancel returned %s %v before the claimed task started", r.task.Status, r.task.Result)
	case <-time.After(50 * time.Millisecond):
	}
	close(repo.proceed)

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not return")
	}
	if r.err != nil {
		t.Fatalf("Cancel: %v", r.err)
	}
	if r.task.Status != storage.TaskCancelled || r.task.Result["forced"] != false || r.task.Result["reason"] != nil {
		t.Errorf("task = %s result %v, want cancelled through the running executor", r.task.Status, r.task.Result)
	}
	waitIdle(t, s)
}

func TestCancel_NotRunningHere(t *testing.T) {
	store := openTestStore(t)
	s, _ := newTestScheduler(t, store, executor.Func(succeed), Config{})
	id := enqueue(t, s, 1, 5, nil)

	// Another instance claimed it.
	if _, err := store.ClaimNextTask(context.Background(), storage.ClaimParams{UserLimit: 1, WorkerID: "other"}); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	task, err := s.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if task.Status != storage.TaskCancelled || task.Result["forced"] != true {
		t.Errorf("task = %s result %v", task.Status, task.Result)
	}
}

func TestCompleteAndFail_Idempotent(t *testing.T) {
	store := openTestStore(t)
	s, _ := newTestScheduler(t, store, executor.Func(succeed), Config{})
	ctx := context.Background()
	id := enqueue(t, s, 1, 5, nil)

	if _, err := s.Complete(ctx, id, nil); !taskerr.IsValidation(err) {
		t.Errorf("Complete(pending) err = %v, want validation error", err)
	}

	if _, err := store.ClaimNextTask(ctx, storage.ClaimParams{UserLimit: 1, WorkerID: "w"}); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	task, err := s.Complete(ctx, id, map[string]any{"ok": true})
	if err != nil || task.Status != storage.TaskCompleted {
		t.Fatalf("Complete = %s, %v", task.Status, err)
	}
	task, err = s.Fail(ctx, id, "too late")
	if err != nil {
		t.Fatalf("Fail on completed task: %v", err)
	}
	if task.Status != storage.TaskCompleted || task.Error != "" {
		t.Errorf("Fail changed a terminal task: %s %q", task.Status, task.Error)
	}
}

func TestExecute_LearnsAndFollowsWorkflows(t *testing.T) {
	store := openTestStore(t)
	mem := memory.New(store, nil, memory.Options{})
	var mu sync.Mutex
	var guides []*storage.Workflow
	exec := executor.Func(func(_ context.Context, req executor.Request, _ executor.ProgressFunc) (executor.Result, error) {
		mu.Lock()
		guides = append(guides, req.Workflow)
		mu.Unlock()
		return executor.Result{
			Summary: "visited the profile",
			Steps:   []storage.Step{{"action": "navigate", "description": "open profile"}},
		}, nil
	})
	s := New(Deps{Repo: store, Executor: exec, Memory: mem}, Config{})
	data := map[string]any{"request": "find linkedin profile of john smith"}

	enqueue(t, s, 1, 5, data)
	runOne(t, s)
	enqueue(t, s, 1, 5, data)
	runOne(t, s)

	if guides[0] != nil {
		t.Errorf("first run had guidance %v, want none", guides[0])
	}
	if guides[1] == nil {
		t.Fatal("second run had no guidance")
	}
	w, err := mem.Get(context.Background(), guides[1].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.TotalCount != 2 || w.SuccessCount != 2 {
		t.Errorf("workflow counts = %d/%d, want 2/2", w.SuccessCount, w.TotalCount)
	}
}

func TestExecute_FailureWithoutWorkflowIsNotLearned(t *testing.T) {
	store := openTestStore(t)
	mem := memory.New(store, nil, memory.Options{})
	exec := executor.Func(func(context.Context, executor.Request, executor.ProgressFunc) (executor.Result, error) {
		return executor.Result{}, errors.New("nope")
	})
	s := New(Deps{Repo: store, Executor: exec, Memory: mem}, Config{})
	enqueue(t, s, 1, 5, map[string]any{"request": "summarize youtube video"})
	runOne(t, s)

	stats, err := mem.Stats(context.Background(), 1)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalWorkflows != 0 {
		t.Errorf("TotalWorkflows = %d, want 0", stats.TotalWorkflows)
	}
}

// executionsOf lists the executions of workflowID that belong to taskID.
func executionsOf(t *testing.T, store *storage.Store, workflowID, taskID int64) []storage.WorkflowExecution {
	t.Helper()
	all, err := store.ListExecutions(context.Background(), workflowID, 50)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	var out []storage.WorkflowExecution
	for _, e := range all {
		if e.TaskID != nil && *e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func TestExecute_FollowedWorkflowIsRunningExecution(t *testing.T) {
	store := openTestStore(t)
	mem := memory.New(store, nil, memory.Options{})
	started := make(chan int64, 1)
	release := make(chan struct{})
	exec := executor.Func(func(_ context.Context, req executor.Request, _ executor.ProgressFunc) (executor.Result, error) {
		if req.Workflow != nil {
			started <- req.Workflow.ID
			<-release
		}
		return executor.Result{
			Summary: "visited the profile",
			Steps:   []storage.Step{{"action": "navigate", "description": "open profile"}},
		}, nil
	})
	s := New(Deps{Repo: store, Executor: exec, Memory: mem}, Config{})
	data := map[string]any{"request": "find linkedin profile of john smith"}
	enqueue(t, s, 1, 5, data)
	runOne(t, s)

	id := enqueue(t, s, 1, 5, data)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	var workflowID int64
	select {
	case workflowID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor was not called with guidance")
	}

	execs := executionsOf(t, store, workflowID, id)
	if len(execs) != 1 || execs[0].Status != storage.ExecutionRunning {
		t.Errorf("executions while running = %+v, want one running", execs)
	}

	close(release)
	waitIdle(t, s)
	execs = executionsOf(t, store, workflowID, id)
	if len(execs) != 1 || execs[0].Status != storage.ExecutionCompleted || execs[0].CompletedAt == nil {
		t.Errorf("executions after run = %+v, want one completed", execs)
	}
}

func TestExecute_RetriedAttemptClosesExecution(t *testing.T) {
	store := openTestStore(t)
	mem := memory.New(store, nil, memory.Options{})
	var mu sync.Mutex
	var workflowID int64
	exec := executor.Func(func(_ context.Context, req executor.Request, _ executor.ProgressFunc) (executor.Result, error) {
		if req.Workflow != nil {
			mu.Lock()
			workflowID = req.Workflow.ID
			mu.Unlock()
			if req.Attempt == 1 {
				return executor.Result{}, errors.New("page did not load")
			}
		}
		return executor.Result{
			Summary: "visited the profile",
			Steps:   []storage.Step{{"action": "navigate", "description": "open profile"}},
		}, nil
	})
	s := New(Deps{Repo: store, Executor: exec, Memory: mem}, Config{MaxRetries: 1})
	enqueue(t, s, 1, 5, map[string]any{"request": "find linkedin profile of john smith"})
	runOne(t, s)

	id := enqueue(t, s, 1, 5, map[string]any{"request": "find linkedin profile of john smith", "max_retries": float64(1)})
	runOne(t, s)
	runOne(t, s)

	if task := getTask(t, store, id); task.Status != storage.TaskCompleted || task.Attempts != 2 {
		t.Fatalf("status %s attempts %d, want completed after 2", task.Status, task.Attempts)
	}
	mu.Lock()
	wfID := workflowID
	mu.Unlock()
	execs := executionsOf(t, store, wfID, id)
	statuses := map[string]int{}
	for _, e := range execs {
		statuses[e.Status]++
	}
	if len(execs) != 2 || statuses[storage.ExecutionFailed] != 1 || statuses[storage.ExecutionCompleted] != 1 {
		t.Errorf("execution statuses = %v, want one failed and one completed", statuses)
	}

	w, err := mem.Get(context.Background(), wfID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.TotalCount != 2 || w.SuccessCount != 2 {
		t.Errorf("workflow counts = %d/%d, want 2/2", w.SuccessCount, w.TotalCount)
	}
}

func TestSweep_FailsOrphanedTasks(t *testing.T) {
	store := openTestStore(t)
	s, n := newTestScheduler(t, store, executor.Func(succeed), Config{TaskTimeout: time.Minute, CancelGrace: time.Second})
	id := enqueue(t, s, 1, 5, map[string]any{"chat_id": "c1"})
	if _, err := store.ClaimNextTask(context.Background(), storage.ClaimParams{UserLimit: 1, WorkerID: "dead"}); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}

	if swept, _ := s.Sweep(context.Background()); swept != 0 {
		t.Fatalf("Sweep failed %d fresh tasks", swept)
	}
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	swept, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("Sweep = %d, want 1", swept)
	}
	task := getTask(t, store, id)
	if task.Status != storage.TaskFailed || task.Error != taskerr.CodeOrphaned {
		t.Errorf("task = %s %q", task.Status, task.Error)
	}
	if len(n.byType(storage.MessageError)) != 1 {
		t.Error("no error message for orphaned task")
	}
}

func TestDrain_CancelsAfterDeadline(t *testing.T) {
	store := openTestStore(t)
	s, _ := newTestScheduler(t, store, executor.Func(blockUntilCancelled), Config{CancelGrace: time.Second})
	id := enqueue(t, s, 1, 5, nil)
	s.RunOnce(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain = %v, want deadline exceeded", err)
	}

	task := getTask(t, store, id)
	if task.Status != storage.TaskCancelled || task.Result["reason"] != "shutdown" {
		t.Errorf("task = %s result %v", task.Status, task.Result)
	}
	enqueue(t, s, 2, 5, nil)
	if n, _ := s.RunOnce(context.Background()); n != 0 {
		t.Errorf("drained scheduler claimed %d tasks", n)
	}
}

func TestRun_WakesOnEnqueue(t *testing.T) {
	store := openTestStore(t)
	s, _ := newTestScheduler(t, store, executor.Func(succeed), Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	id := enqueue(t, s, 1, 5, nil)
	deadline := time.Now().Add(5 * time.Second)
	for getTask(t, store, id).Status != storage.TaskCompleted {
		if time.Now().After(deadline) {
			t.Fatal("task not completed after 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if err := s.Drain(context.Background()); err != nil {
		t.Errorf("Drain: %v", err)
	}
}
