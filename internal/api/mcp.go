package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/taskmem/internal/storage"
)

// NewMCPServer creates an MCP server exposing the engine operations as
// tools and the tool registry and workflow stats as resources.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"taskmem",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("taskmem: durable task queue, chat notifications and workflow memory for automation agents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("enqueue_task",
			mcp.WithDescription("Queue an automation task. task_data is validated against the tool's parameter schema."),
			mcp.WithNumber("user_id", mcp.Description("Owning user id"), mcp.Required()),
			mcp.WithString("task_type", mcp.Description("Registered tool name, e.g. linkedin or youtube_summary"), mcp.Required()),
			mcp.WithObject("task_data", mcp.Description("Tool arguments; chat_id routes progress messages")),
			mcp.WithNumber("priority", mcp.Description("1-10, higher runs first (default 5)")),
		),
		mcpEnqueueTask(deps),
	)

	s.AddTool(
		mcp.NewTool("enqueue_message",
			mcp.WithDescription("Queue a chat notification for asynchronous delivery."),
			mcp.WithNumber("user_id", mcp.Description("Owning user id"), mcp.Required()),
			mcp.WithString("chat_id", mcp.Description("Destination chat"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
			mcp.WithString("type", mcp.Description("progress, result, error or notification (default)")),
			mcp.WithString("send_at", mcp.Description("RFC 3339 time to send at; omitted means now")),
		),
		mcpEnqueueMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("find_similar_workflow",
			mcp.WithDescription("Find prior workflows most similar to a request, best first."),
			mcp.WithString("request", mcp.Description("Request text"), mcp.Required()),
			mcp.WithNumber("user_id", mcp.Description("User whose workflows (plus shared templates) are searched")),
			mcp.WithString("category", mcp.Description("Restrict to a category such as linkedin")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpFindSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("record_workflow_execution",
			mcp.WithDescription("Record the outcome of a run. Without workflow_id a new workflow is learned from it."),
			mcp.WithNumber("user_id", mcp.Description("Owning user id"), mcp.Required()),
			mcp.WithBoolean("success", mcp.Description("Whether the run succeeded"), mcp.Required()),
			mcp.WithNumber("workflow_id", mcp.Description("Workflow that was followed")),
			mcp.WithString("category", mcp.Description("Workflow category")),
			mcp.WithString("intent_type", mcp.Description("Intent label")),
			mcp.WithString("request", mcp.Description("Original request text")),
			mcp.WithString("summary", mcp.Description("Short summary of what was done")),
			mcp.WithArray("steps", mcp.Description("Ordered step records")),
			mcp.WithObject("parameters", mcp.Description("Parameters used")),
			mcp.WithString("error", mcp.Description("Error text for failed runs")),
		),
		mcpRecordExecution(deps),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get a queued task with its status, result and attempts."),
			mcp.WithNumber("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpGetTask(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a pending or running task. Terminal tasks are returned unchanged."),
			mcp.WithNumber("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpCancelTask(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"taskmem://tools",
			"Tool Registry",
			mcp.WithResourceDescription("Registered tools with their parameter schemas"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTools(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"taskmem://workflows/stats",
			"Workflow Stats",
			mcp.WithResourceDescription("Success figures across all learned workflows"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpEnqueueTask(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireInt("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		taskType, err := req.RequireString("task_type")
		if err != nil {
			return mcpError("task_type is required"), nil
		}
		data, _ := req.GetArguments()["task_data"].(map[string]any)

		id, err := deps.Scheduler.Enqueue(ctx, EnqueueTaskRequest{
			UserID:   int64(userID),
			TaskType: taskType,
			TaskData: data,
			Priority: req.GetInt("priority", defaultPriority),
		}.toScheduler())
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(map[string]any{"id": id, "status": storage.TaskPending})
	}
}

func mcpEnqueueMessage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireInt("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		chatID, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		body := EnqueueMessageRequest{
			UserID:  int64(userID),
			ChatID:  chatID,
			Type:    req.GetString("type", ""),
			Content: content,
		}
		if s := req.GetString("send_at", ""); s != "" {
			at, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid send_at: %v", err)), nil
			}
			body.SendAt = &at
		}
		m, err := body.toDispatch()
		if err != nil {
			return mcpError(err.Error()), nil
		}
		id, err := deps.Dispatcher.Enqueue(ctx, m)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(map[string]any{"id": id, "status": storage.MessagePending})
	}
}

func mcpFindSimilar(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("request")
		if err != nil {
			return mcpError("request is required"), nil
		}
		matches, err := findSimilar(ctx, deps, FindSimilarRequest{
			UserID:   int64(req.GetInt("user_id", 0)),
			Request:  text,
			Category: req.GetString("category", ""),
			TopK:     req.GetInt("top_k", 5),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(matches)
	}
}

func mcpRecordExecution(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireInt("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		success, err := req.RequireBool("success")
		if err != nil {
			return mcpError("success is required"), nil
		}

		body := RecordExecutionRequest{
			UserID:     int64(userID),
			Success:    success,
			Category:   req.GetString("category", ""),
			IntentType: req.GetString("intent_type", ""),
			Request:    req.GetString("request", ""),
			Summary:    req.GetString("summary", ""),
			Error:      req.GetString("error", ""),
		}
		if wid := req.GetInt("workflow_id", 0); wid > 0 {
			id := int64(wid)
			body.WorkflowID = &id
		}
		args := req.GetArguments()
		body.Parameters, _ = args["parameters"].(map[string]any)
		if raw, ok := args["steps"].([]any); ok {
			for _, s := range raw {
				step, ok := s.(map[string]any)
				if !ok {
					return mcpError("steps must be an array of objects"), nil
				}
				body.Steps = append(body.Steps, storage.Step(step))
			}
		}

		id, err := deps.Memory.RecordExecution(ctx, body.toMemory())
		if err != nil {
			return mcpError(fmt.Sprintf("record failed: %v", err)), nil
		}
		wf, err := deps.Memory.Get(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("recorded workflow %d but failed to load it: %v", id, err)), nil
		}
		return mcpJSON(wf)
	}
}

// taskDetail is a task plus its attempt log.
type taskDetail struct {
	storage.Task
	AttemptLog []storage.TaskAttempt `json:"attempt_log"`
}

func mcpGetTask(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		t, err := deps.Repo.GetTask(ctx, int64(id))
		if err != nil {
			return mcpError(fmt.Sprintf("task %d: %v", id, err)), nil
		}
		attempts, err := deps.Repo.ListTaskAttempts(ctx, t.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing attempts: %v", err)), nil
		}
		return mcpJSON(taskDetail{Task: t, AttemptLog: emptyIfNil(attempts)})
	}
}

func mcpCancelTask(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		t, err := deps.Scheduler.Cancel(ctx, int64(id))
		if err != nil {
			return mcpError(fmt.Sprintf("cancel task %d: %v", id, err)), nil
		}
		return mcpJSON(t)
	}
}

func mcpResourceTools(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Tools.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		return jsonResource(req.Params.URI, emptyIfNil(list))
	}
}

func mcpResourceStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Memory.Stats(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to get workflow stats: %w", err)
		}
		return jsonResource(req.Params.URI, map[string]any{
			"mode":  deps.Memory.Mode(),
			"stats": stats,
		})
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
