package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kalambet/taskmem/internal/api"
	"github.com/kalambet/taskmem/internal/app"
	"github.com/kalambet/taskmem/internal/config"
	"github.com/kalambet/taskmem/internal/memory"
	"github.com/kalambet/taskmem/internal/storage"
)

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Enqueue, inspect and cancel tasks",
}

var tasksEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a task",
	Long: `Enqueue a task for a user.

Examples:
  taskmem tasks enqueue --user 1 --type youtube_summary --data '{"video_url":"https://youtu.be/x","chat_id":"100"}'
  taskmem tasks enqueue --user 1 --type browser --data '{"action":"open"}' --priority 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		taskType, _ := cmd.Flags().GetString("type")
		dataStr, _ := cmd.Flags().GetString("data")
		priority, _ := cmd.Flags().GetInt("priority")

		if userID <= 0 || taskType == "" {
			return fmt.Errorf("--user and --type are required")
		}
		req := api.EnqueueTaskRequest{UserID: userID, TaskType: taskType, Priority: priority}
		if dataStr != "" {
			if err := json.Unmarshal([]byte(dataStr), &req.TaskData); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/tasks", req)
		if err != nil {
			return err
		}
		var result struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(result)
		}
		printSuccess("Queued task %d", result.ID)
		return nil
	},
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if userID > 0 {
			q.Set("user_id", strconv.FormatInt(userID, 10))
		}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/tasks?"+q.Encode())
		if err != nil {
			return err
		}
		var tasks []storage.Task
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(stdout, "No tasks.")
			return nil
		}
		tw := newTable("ID", "User", "Type", "Priority", "Status", "Attempts", "Created", "Error")
		for _, t := range tasks {
			created := t.CreatedAt
			tw.AppendRow(table.Row{t.ID, t.UserID, t.TaskType, t.Priority, statusColor(t.Status), t.Attempts, formatTime(&created), truncate(t.Error, 40)})
		}
		tw.Render()
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/tasks/"+args[0])
		if err != nil {
			return err
		}
		var t storage.Task
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(t)
		}
		printTask(id, t)
		return nil
	},
}

func printTask(id int64, t storage.Task) {
	created := t.CreatedAt
	printStatus("Task", "%d", id)
	printStatus("User", "%d", t.UserID)
	printStatus("Type", "%s", t.TaskType)
	printStatus("Status", "%s", statusColor(t.Status))
	printStatus("Priority", "%d", t.Priority)
	printStatus("Attempts", "%d", t.Attempts)
	printStatus("Created", "%s", formatTime(&created))
	printStatus("Started", "%s", formatTime(t.StartedAt))
	printStatus("Completed", "%s", formatTime(t.CompletedAt))
	if t.WorkerID != "" {
		printStatus("Worker", "%s", t.WorkerID)
	}
	if t.Error != "" {
		printStatus("Error", "%s", t.Error)
	}
	if len(t.Result) > 0 {
		data, _ := json.Marshal(t.Result)
		printStatus("Result", "%s", string(data))
	}
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseID(args[0]); err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/tasks/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}
		var t storage.Task
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(t)
		}
		printSuccess("Task %d is %s", t.ID, t.Status)
		return nil
	},
}

var tasksAttemptsCmd = &cobra.Command{
	Use:   "attempts <id>",
	Short: "Show the attempt log of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseID(args[0]); err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/tasks/"+args[0]+"/attempts")
		if err != nil {
			return err
		}
		var attempts []storage.TaskAttempt
		if err := decodeJSON(resp, &attempts); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(attempts)
		}
		tw := newTable("Attempt", "Status", "Started", "Finished", "Error")
		for _, a := range attempts {
			started, finished := a.StartedAt, a.FinishedAt
			tw.AppendRow(table.Row{a.Attempt, statusColor(a.Status), formatTime(&started), formatTime(&finished), truncate(a.Error, 60)})
		}
		tw.Render()
		return nil
	},
}

func init() {
	tasksEnqueueCmd.Flags().Int64("user", 0, "user id")
	tasksEnqueueCmd.Flags().String("type", "", "task type (tool name)")
	tasksEnqueueCmd.Flags().String("data", "", "task data as a JSON object")
	tasksEnqueueCmd.Flags().Int("priority", 5, "priority, 1 (highest) to 10")

	tasksListCmd.Flags().Int64("user", 0, "filter by user id")
	tasksListCmd.Flags().String("status", "", "filter by status")
	tasksListCmd.Flags().Int("limit", 50, "maximum number of tasks")

	tasksCmd.AddCommand(tasksEnqueueCmd, tasksListCmd, tasksShowCmd, tasksCancelCmd, tasksAttemptsCmd)
}

// --- messages ---

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Queue and inspect chat messages",
}

var messagesSendCmd = &cobra.Command{
	Use:   "send <content>",
	Short: "Queue a chat message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		chatID, _ := cmd.Flags().GetString("chat")
		msgType, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/messages", api.EnqueueMessageRequest{
			UserID:  userID,
			ChatID:  chatID,
			Type:    msgType,
			Content: args[0],
		})
		if err != nil {
			return err
		}
		var result struct {
			ID int64 `json:"id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(result)
		}
		printSuccess("Queued message %d", result.ID)
		return nil
	},
}

var messagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and delivered messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetString("chat")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if chatID != "" {
			q.Set("chat_id", chatID)
		}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/messages?"+q.Encode())
		if err != nil {
			return err
		}
		var msgs []storage.AsyncMessage
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(stdout, "No messages.")
			return nil
		}
		tw := newTable("ID", "Chat", "Type", "Status", "Attempts", "Send at", "Content")
		for _, m := range msgs {
			sendAt := m.SendAt
			tw.AppendRow(table.Row{m.ID, m.ChatID, m.MessageType, statusColor(m.Status), m.Attempts, formatTime(&sendAt), truncate(strings.ReplaceAll(m.Content, "\n", " "), 50)})
		}
		tw.Render()
		return nil
	},
}

func init() {
	messagesSendCmd.Flags().Int64("user", 0, "user id")
	messagesSendCmd.Flags().String("chat", "", "destination chat id")
	messagesSendCmd.Flags().String("type", storage.MessageNotification, "message type: progress, result, error or notification")

	messagesListCmd.Flags().String("chat", "", "filter by chat id")
	messagesListCmd.Flags().String("status", "", "filter by status")
	messagesListCmd.Flags().Int("limit", 50, "maximum number of messages")

	messagesCmd.AddCommand(messagesSendCmd, messagesListCmd)
}

// --- workflows ---

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Search and inspect learned workflows",
}

var workflowsSearchCmd = &cobra.Command{
	Use:   "search <request>",
	Short: "Find workflows similar to a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		category, _ := cmd.Flags().GetString("category")
		topK, _ := cmd.Flags().GetInt("top-k")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/workflows/search", api.FindSimilarRequest{
			UserID:   userID,
			Request:  args[0],
			Category: category,
			TopK:     topK,
		})
		if err != nil {
			return err
		}
		var matches []api.MatchResponse
		if err := decodeJSON(resp, &matches); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(matches)
		}
		if len(matches) == 0 {
			fmt.Fprintln(stdout, "No similar workflows.")
			return nil
		}
		tw := newTable("ID", "Score", "Lexical", "Semantic", "Category", "Success", "Summary")
		for _, m := range matches {
			semantic := "-"
			if m.Semantic != nil {
				semantic = fmt.Sprintf("%.3f", *m.Semantic)
			}
			tw.AppendRow(table.Row{
				m.Workflow.ID,
				fmt.Sprintf("%.3f", m.Score),
				fmt.Sprintf("%.3f", m.Lexical),
				semantic,
				m.Workflow.Category,
				fmt.Sprintf("%d/%d", m.Workflow.SuccessCount, m.Workflow.TotalCount),
				truncate(m.Workflow.Summary, 50),
			})
		}
		tw.Render()
		return nil
	},
}

var workflowsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := parseID(args[0]); err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/workflows/"+args[0])
		if err != nil {
			return err
		}
		var wf storage.Workflow
		if err := decodeJSON(resp, &wf); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(wf)
		}
		printStatus("Workflow", "%d", wf.ID)
		printStatus("Category", "%s", wf.Category)
		printStatus("Intent", "%s", wf.IntentType)
		printStatus("Summary", "%s", wf.Summary)
		printStatus("Keywords", "%s", strings.Join(wf.Keywords, ", "))
		printStatus("Success", "%d/%d (%.0f%%)", wf.SuccessCount, wf.TotalCount, wf.SuccessRate*100)
		printStatus("Rating", "%d", wf.Rating)
		printStatus("Template", "%t", wf.IsTemplate)
		printStatus("Steps", "%d", len(wf.Steps))
		return nil
	},
}

var workflowsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show workflow success statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		path := "/v1/workflows/stats"
		if userID > 0 {
			path += "?user_id=" + strconv.FormatInt(userID, 10)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var stats storage.WorkflowStats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(stats)
		}
		printStatus("Workflows", "%d", stats.TotalWorkflows)
		printStatus("Successful", "%d", stats.SuccessfulWorkflows)
		printStatus("Average success", "%.1f%%", stats.AverageSuccessRate*100)
		printStatus("Executions", "%d", stats.TotalExecutions)
		return nil
	},
}

var workflowsTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List shared workflow templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		path := "/v1/workflows/templates"
		if category != "" {
			path += "?category=" + url.QueryEscape(category)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []storage.Workflow
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(list)
		}
		tw := newTable("ID", "Category", "Intent", "Success", "Summary")
		for _, wf := range list {
			tw.AppendRow(table.Row{wf.ID, wf.Category, wf.IntentType, fmt.Sprintf("%.0f%%", wf.SuccessRate*100), truncate(wf.Summary, 60)})
		}
		tw.Render()
		return nil
	},
}

// reembed works on the store directly; it needs the embedding backend, not the server.
var workflowsReembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Recompute workflow embeddings with the configured model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog := config.SetupLogger(cfg.Log)
		defer closeLog()

		a, err := app.New(cmd.Context(), cfg, app.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Memory.Mode() != memory.ModeHybrid {
			return fmt.Errorf("no embedding backend available (memory mode %s)", a.Memory.Mode())
		}
		n, err := a.Memory.Reembed(cmd.Context())
		if err != nil {
			return err
		}
		slog.Debug("reembed finished", "workflows", n)
		if jsonOutput() {
			return printJSON(map[string]int{"reembedded": n})
		}
		printSuccess("Re-embedded %d workflows", n)
		return nil
	},
}

func init() {
	workflowsSearchCmd.Flags().Int64("user", 0, "user id")
	workflowsSearchCmd.Flags().String("category", "", "restrict to a category")
	workflowsSearchCmd.Flags().Int("top-k", 5, "number of matches")
	workflowsStatsCmd.Flags().Int64("user", 0, "restrict to a user's workflows")
	workflowsTemplatesCmd.Flags().String("category", "", "restrict to a category")

	workflowsCmd.AddCommand(workflowsSearchCmd, workflowsShowCmd, workflowsStatsCmd, workflowsTemplatesCmd, workflowsReembedCmd)
}

// --- tools ---

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List and toggle registered tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/tools")
		if err != nil {
			return err
		}
		var list []storage.Tool
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(list)
		}
		tw := newTable("Name", "Category", "Version", "Enabled", "Description")
		for _, t := range list {
			enabled := colorize(colorGreen, "yes")
			if !t.IsEnabled {
				enabled = colorize(colorRed, "no")
			}
			tw.AppendRow(table.Row{t.Name, t.Category, t.Version, enabled, truncate(t.Description, 50)})
		}
		tw.Render()
		return nil
	},
}

func toolToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.patch(cmd.Context(), "/v1/tools/"+url.PathEscape(args[0]), map[string]bool{"enabled": enabled})
			if err != nil {
				return err
			}
			var tool storage.Tool
			if err := decodeJSON(resp, &tool); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(tool)
			}
			printSuccess("Tool %s %sd", tool.Name, use)
			return nil
		},
	}
}

func init() {
	toolsCmd.AddCommand(toolsListCmd, toolToggleCmd("enable", true), toolToggleCmd("disable", false))
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		if jsonOutput() {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			return printJSON(out)
		}
		tw := newTable("Key", "Env", "Value")
		for _, k := range keys {
			tw.AppendRow(table.Row{k.Key, k.EnvVar, k.Value})
		}
		tw.Render()
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file.\n\nKeys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(viper.GetString("config"), key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
