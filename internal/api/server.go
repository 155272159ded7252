package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/taskmem/internal/dispatch"
	"github.com/kalambet/taskmem/internal/memory"
	"github.com/kalambet/taskmem/internal/scheduler"
	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/tools"
)

// Deps holds the engine components exposed over HTTP and MCP.
type Deps struct {
	Repo       storage.Repository
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Memory     *memory.Memory
	Tools      *tools.Registry
	// Token enables bearer auth on everything except /health.
	Token  string
	Logger *slog.Logger
}

// NewAppHandler returns the HTTP API.
func NewAppHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", handleEnqueueTask(deps))
			r.Get("/", handleListTasks(deps))
			r.Get("/{id}", handleGetTask(deps))
			r.Get("/{id}/attempts", handleTaskAttempts(deps))
			r.Post("/{id}/cancel", handleCancelTask(deps))
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", handleEnqueueMessage(deps))
			r.Get("/", handleListMessages(deps))
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/search", handleFindSimilar(deps))
			r.Post("/executions", handleRecordExecution(deps))
			r.Get("/templates", handleTemplates(deps))
			r.Get("/stats", handleWorkflowStats(deps))
			r.Get("/best", handleBestWorkflow(deps))
			r.Get("/{id}", handleGetWorkflow(deps))
			r.Get("/{id}/executions", handleWorkflowExecutions(deps))
			r.Post("/{id}/template", handleConvertToTemplate(deps))
			r.Post("/{id}/rating", handleRateWorkflow(deps))
		})

		r.Get("/tools", handleListTools(deps))
		r.Patch("/tools/{name}", handleUpdateTool(deps))

		r.Route("/users/{id}", func(r chi.Router) {
			r.Put("/", handlePutUser(deps))
			r.Patch("/preferences", handlePatchPreferences(deps))
			r.Post("/conversations", handleAddConversation(deps))
			r.Get("/conversations", handleListConversations(deps))
			r.Put("/contacts", handlePutContact(deps))
			r.Get("/contacts", handleListContacts(deps))
			r.Put("/tools/{name}", handlePutToolPreference(deps))
		})
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Repo.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "store_error", "store unavailable: %v", err)
			return
		}
		body := map[string]any{
			"status":      "ok",
			"memory_mode": deps.Memory.Mode(),
		}
		if deps.Scheduler != nil {
			body["worker_id"] = deps.Scheduler.WorkerID()
			body["running_tasks"] = deps.Scheduler.Running()
		}
		writeJSON(w, http.StatusOK, body)
	}
}
