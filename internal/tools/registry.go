// Package tools is the tool registry: it seeds tool definitions and
// validates task data against their parameter schemas before enqueue.
package tools

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

// reservedKeys are task_data fields read by the scheduler itself; they are
// not tool arguments and are skipped during schema validation.
var reservedKeys = map[string]bool{
	"chat_id":     true,
	"request":     true,
	"query":       true,
	"max_retries": true,
	"intent_type": true,
}

// Registry wraps the stored tool registry.
type Registry struct {
	repo   storage.Repository
	logger *slog.Logger
}

func NewRegistry(repo storage.Repository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, logger: logger}
}

// Seed upserts the given definitions. Tools already stored keep their
// enabled flag.
func (r *Registry) Seed(ctx context.Context, defs []storage.Tool) error {
	for _, t := range defs {
		if err := r.repo.UpsertTool(ctx, t); err != nil {
			return taskerr.Store("seed tool "+t.Name, err)
		}
	}
	r.logger.Debug("tool registry seeded", "tools", len(defs))
	return nil
}

// Validate checks that userID may run taskType with data. It returns the
// tool definition on success and a validation error for an unknown task
// type, a disabled tool, a user preference that disables it, or arguments
// that do not match the schema.
func (r *Registry) Validate(ctx context.Context, userID int64, taskType string, data map[string]any) (storage.Tool, error) {
	tool, err := r.repo.GetTool(ctx, taskType)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Tool{}, taskerr.Validationf("unknown task type %q", taskType)
	}
	if err != nil {
		return storage.Tool{}, taskerr.Store("get tool", err)
	}
	if !tool.IsEnabled {
		return storage.Tool{}, taskerr.Validationf("tool %q is disabled", taskType)
	}

	pref, err := r.repo.GetToolPreference(ctx, userID, taskType)
	switch {
	case err == nil && !pref.Enabled:
		return storage.Tool{}, taskerr.Validationf("tool %q is disabled for user %d", taskType, userID)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return storage.Tool{}, taskerr.Store("get tool preference", err)
	}

	args := make(map[string]any, len(data))
	for k, v := range data {
		if !reservedKeys[k] {
			args[k] = v
		}
	}
	if err := ValidateArgs(tool.Parameters, args); err != nil {
		return storage.Tool{}, taskerr.Validationf("task data for %s: %v", taskType, err)
	}
	return tool, nil
}

func (r *Registry) Get(ctx context.Context, name string) (storage.Tool, error) {
	return r.repo.GetTool(ctx, name)
}

func (r *Registry) List(ctx context.Context) ([]storage.Tool, error) {
	return r.repo.ListTools(ctx)
}

// SetEnabled enables or retires a tool for everyone.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if err := r.repo.SetToolEnabled(ctx, name, enabled); err != nil {
		return err
	}
	r.logger.Info("tool updated", "tool", name, "enabled", enabled)
	return nil
}

// SetPreference stores a per-user override for one tool.
func (r *Registry) SetPreference(ctx context.Context, p storage.ToolPreference) error {
	if _, err := r.repo.GetTool(ctx, p.ToolName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return taskerr.Validationf("unknown tool %q", p.ToolName)
		}
		return err
	}
	if err := r.repo.EnsureUser(ctx, p.UserID); err != nil {
		return taskerr.Store("ensure user", err)
	}
	return r.repo.SetToolPreference(ctx, p)
}
