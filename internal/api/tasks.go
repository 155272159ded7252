package api

import (
	"net/http"
	"time"

	"github.com/kalambet/taskmem/internal/dispatch"
	"github.com/kalambet/taskmem/internal/scheduler"
	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

// EnqueueTaskRequest is the body of POST /v1/tasks.
type EnqueueTaskRequest struct {
	UserID   int64          `json:"user_id"`
	TaskType string         `json:"task_type"`
	TaskData map[string]any `json:"task_data"`
	// Priority defaults to 5.
	Priority int `json:"priority"`
}

const defaultPriority = 5

func (req EnqueueTaskRequest) toScheduler() scheduler.EnqueueRequest {
	p := req.Priority
	if p == 0 {
		p = defaultPriority
	}
	return scheduler.EnqueueRequest{
		UserID:   req.UserID,
		TaskType: req.TaskType,
		Data:     req.TaskData,
		Priority: p,
	}
}

func handleEnqueueTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Scheduler.Enqueue(r.Context(), req.toScheduler())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": storage.TaskPending})
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := deps.Repo.ListTasks(r.Context(), storage.TaskFilter{
			UserID: parseInt64Param(r, "user_id"),
			Status: r.URL.Query().Get("status"),
			Limit:  parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			writeError(w, taskerr.Store("list tasks", err))
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(tasks))
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		t, err := deps.Repo.GetTask(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleTaskAttempts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		if _, err := deps.Repo.GetTask(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		attempts, err := deps.Repo.ListTaskAttempts(r.Context(), id)
		if err != nil {
			writeError(w, taskerr.Store("list attempts", err))
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(attempts))
	}
}

func handleCancelTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		t, err := deps.Scheduler.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// EnqueueMessageRequest is the body of POST /v1/messages.
type EnqueueMessageRequest struct {
	UserID  int64  `json:"user_id"`
	ChatID  string `json:"chat_id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	// SendAt schedules delivery; omitted means now.
	SendAt *time.Time `json:"send_at,omitempty"`
}

func (req EnqueueMessageRequest) toDispatch() (dispatch.Message, error) {
	if req.UserID <= 0 {
		return dispatch.Message{}, taskerr.Validationf("user_id is required")
	}
	m := dispatch.Message{
		UserID:  req.UserID,
		ChatID:  req.ChatID,
		Type:    req.Type,
		Content: req.Content,
	}
	if req.SendAt != nil {
		m.SendAt = *req.SendAt
	}
	return m, nil
}

func handleEnqueueMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		m, err := req.toDispatch()
		if err != nil {
			writeError(w, err)
			return
		}
		id, err := deps.Dispatcher.Enqueue(r.Context(), m)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": storage.MessagePending})
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Repo.ListMessages(r.Context(), storage.MessageFilter{
			ChatID: r.URL.Query().Get("chat_id"),
			Status: r.URL.Query().Get("status"),
			Limit:  parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			writeError(w, taskerr.Store("list messages", err))
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(msgs))
	}
}
