package storage

import (
	"context"
	"time"
)

// Repository is the persistence surface shared by the embedded SQLite store
// and the Postgres store. Every state transition is a single conditional
// update so several scheduler or dispatcher instances can share one database.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	AppliedMigrations() ([]int, error)

	// Users and conversations.
	// EnsureUser creates a bare active user row when id is unknown.
	EnsureUser(ctx context.Context, id int64) error
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, error)
	SetUserPreference(ctx context.Context, id int64, key, value string) error
	DeactivateUser(ctx context.Context, id int64) error
	DeleteUser(ctx context.Context, id int64) error
	AddConversation(ctx context.Context, c Conversation) (int64, error)
	ListConversations(ctx context.Context, userID int64, limit int) ([]Conversation, error)

	// Workflows.
	CreateWorkflow(ctx context.Context, w Workflow) (int64, error)
	GetWorkflow(ctx context.Context, id int64) (Workflow, error)
	// RecordWorkflowOutcome adds one run to the counters and recomputes
	// success_rate in the same statement.
	RecordWorkflowOutcome(ctx context.Context, id int64, success bool) error
	WorkflowCandidates(ctx context.Context, q CandidateQuery) ([]Workflow, error)
	BestWorkflow(ctx context.Context, userID int64, intentType, category string) (Workflow, error)
	ListWorkflows(ctx context.Context, limit int) ([]Workflow, error)
	ListTemplates(ctx context.Context, category string) ([]Workflow, error)
	SetWorkflowTemplate(ctx context.Context, id int64, template bool) error
	RateWorkflow(ctx context.Context, id int64, rating int) error
	SetWorkflowEmbedding(ctx context.Context, id int64, vec []float32) error
	DeleteWorkflow(ctx context.Context, id int64) error
	WorkflowStats(ctx context.Context, userID int64) (WorkflowStats, error)

	// Workflow executions.
	CreateExecution(ctx context.Context, e WorkflowExecution) (int64, error)
	// FinishExecution moves a running execution to a terminal status. Terminal
	// executions are left untouched.
	FinishExecution(ctx context.Context, id int64, workflowID *int64, status string, results []map[string]any, errText string) error
	ListExecutions(ctx context.Context, workflowID int64, limit int) ([]WorkflowExecution, error)

	// Task queue.
	EnqueueTask(ctx context.Context, t Task) (int64, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	// ClaimNextTask moves the best pending task of an eligible user to
	// in_progress. Returns nil when nothing is claimable.
	ClaimNextTask(ctx context.Context, p ClaimParams) (*Task, error)
	// TransitionTask moves a task from one of the from statuses to to. When the
	// task is not in any of them it is returned unchanged with applied=false.
	TransitionTask(ctx context.Context, id int64, from []string, to string, result map[string]any, errText string) (t Task, applied bool, err error)
	// RequeueTask sends an in_progress task back to pending for another attempt.
	RequeueTask(ctx context.Context, id int64, errText string) (bool, error)
	AddTaskAttempt(ctx context.Context, a TaskAttempt) error
	ListTaskAttempts(ctx context.Context, taskID int64) ([]TaskAttempt, error)
	// FailStaleTasks fails in_progress tasks started before cutoff.
	FailStaleTasks(ctx context.Context, cutoff time.Time, errText string) ([]Task, error)

	// Async messages.
	EnqueueMessage(ctx context.Context, m AsyncMessage) (int64, error)
	GetMessage(ctx context.Context, id int64) (AsyncMessage, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]AsyncMessage, error)
	// DueMessages returns pending messages with send_at <= now ordered by
	// chat_id, send_at, created_at, id.
	DueMessages(ctx context.Context, now time.Time, limit int) ([]AsyncMessage, error)
	ClaimMessage(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkMessageSent(ctx context.Context, id int64, at time.Time) error
	MarkMessageRetry(ctx context.Context, id int64, errText string, next time.Time) error
	MarkMessageFailed(ctx context.Context, id int64, errText string) error
	// FailStaleSending fails messages stuck in sending since before cutoff.
	FailStaleSending(ctx context.Context, cutoff time.Time, errText string) (int, error)

	// Tool registry.
	UpsertTool(ctx context.Context, t Tool) error
	GetTool(ctx context.Context, name string) (Tool, error)
	ListTools(ctx context.Context) ([]Tool, error)
	SetToolEnabled(ctx context.Context, name string, enabled bool) error
	SetToolPreference(ctx context.Context, p ToolPreference) error
	GetToolPreference(ctx context.Context, userID int64, toolName string) (ToolPreference, error)

	// Contacts.
	UpsertContact(ctx context.Context, c Contact) (int64, error)
	GetContact(ctx context.Context, userID int64, profileURL string) (Contact, error)
	ListContacts(ctx context.Context, userID int64, limit int) ([]Contact, error)
}
