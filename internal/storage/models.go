package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Task statuses. The last three are terminal.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Message statuses. sending is the claim state held while the transport runs.
const (
	MessagePending = "pending"
	MessageSending = "sending"
	MessageSent    = "sent"
	MessageFailed  = "failed"
)

// Message types.
const (
	MessageProgress     = "progress"
	MessageResult       = "result"
	MessageError        = "error"
	MessageNotification = "notification"
)

// Execution statuses.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// IsTerminalTask reports whether status is a terminal task status.
func IsTerminalTask(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCancelled
}

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t string) bool {
	switch t {
	case MessageProgress, MessageResult, MessageError, MessageNotification:
		return true
	}
	return false
}

type User struct {
	ID          int64             `json:"id"`
	Username    string            `json:"username"`
	DisplayName string            `json:"display_name"`
	Preferences map[string]string `json:"preferences"`
	IsActive    bool              `json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type Conversation struct {
	ID         int64          `json:"id"`
	UserID     int64          `json:"user_id"`
	Category   string         `json:"category"`
	Input      string         `json:"input"`
	Response   string         `json:"response"`
	IntentType string         `json:"intent_type"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Step is one opaque step record of a workflow.
type Step map[string]any

type Workflow struct {
	ID             int64          `json:"id"`
	UserID         *int64         `json:"user_id,omitempty"` // nil for shared templates
	Category       string         `json:"category"`
	IntentType     string         `json:"intent_type"`
	Keywords       []string       `json:"keywords"`
	OriginalPrompt string         `json:"original_prompt"`
	Summary        string         `json:"summary"`
	Steps          []Step         `json:"steps"`
	Parameters     map[string]any `json:"parameters"`
	SuccessRate    float64        `json:"success_rate"`
	SuccessCount   int            `json:"success_count"`
	TotalCount     int            `json:"total_count"`
	Rating         int            `json:"rating"`
	Embedding      []float32      `json:"-"`
	IsTemplate     bool           `json:"is_template"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type WorkflowExecution struct {
	ID          int64            `json:"id"`
	WorkflowID  *int64           `json:"workflow_id,omitempty"`
	UserID      int64            `json:"user_id"`
	TaskID      *int64           `json:"task_id,omitempty"`
	Status      string           `json:"status"`
	StepResults []map[string]any `json:"step_results"`
	Error       string           `json:"error"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

type Task struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"user_id"`
	TaskType    string         `json:"task_type"`
	TaskData    map[string]any `json:"task_data"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	WorkerID    string         `json:"worker_id"`
	Result      map[string]any `json:"result"`
	Error       string         `json:"error"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TaskAttempt is one execution attempt of a task. Retried tasks keep a
// single queue entry and one attempt row per run.
type TaskAttempt struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	Error      string    `json:"error"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type AsyncMessage struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	ChatID        string     `json:"chat_id"`
	MessageType   string     `json:"message_type"`
	Content       string     `json:"content"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error"`
	SendAt        time.Time  `json:"send_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Parameters  map[string]any `json:"parameters"` // JSON-Schema subset
	IsEnabled   bool           `json:"is_enabled"`
	Version     string         `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type ToolPreference struct {
	UserID    int64          `json:"user_id"`
	ToolName  string         `json:"tool_name"`
	Enabled   bool           `json:"enabled"`
	Settings  map[string]any `json:"settings"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Contact is a person record collected by automation tasks (e.g. a LinkedIn profile).
type Contact struct {
	ID               int64          `json:"id"`
	UserID           int64          `json:"user_id"`
	ProfileURL       string         `json:"profile_url"`
	Name             string         `json:"name"`
	Headline         string         `json:"headline"`
	Company          string         `json:"company"`
	ConnectionStatus string         `json:"connection_status"`
	Notes            string         `json:"notes"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	UserID int64
	Status string
	Limit  int
}

// MessageFilter narrows ListMessages. Zero values mean "any".
type MessageFilter struct {
	ChatID string
	Status string
	Limit  int
}

// ClaimParams controls ClaimNextTask.
type ClaimParams struct {
	UserLimit int
	WorkerID  string
	Now       time.Time
}

// CandidateQuery describes the workflows considered for similarity ranking.
type CandidateQuery struct {
	UserID    int64
	Category  string
	Keywords  []string
	Embedding []float32 // optional; enables nearest-neighbour candidates
	Limit     int
}

// WorkflowStats aggregates workflow success figures.
type WorkflowStats struct {
	TotalWorkflows      int     `json:"total_workflows"`
	SuccessfulWorkflows int     `json:"successful_workflows"` // success_rate >= 0.8
	AverageSuccessRate  float64 `json:"average_success_rate"`
	TotalExecutions     int     `json:"total_executions"`
}
