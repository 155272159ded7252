package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"task 99 not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

var ctx = context.Background()

func TestMain(m *testing.M) {
	addPersistentFlags()
	registerCommands()
	os.Exit(m.Run())
}

// runCLI executes the root command against ts and returns what it printed to stdout.
func runCLI(t *testing.T, ts *testServer, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	oldOut, oldClient := stdout, newAPIClient
	stdout = &buf
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() {
		stdout = oldOut
		newAPIClient = oldClient
	})

	rootCmd.SetArgs(append([]string{"--no-color", "--json=false"}, args...))
	err := rootCmd.ExecuteContext(ctx)
	return buf.String(), err
}

func TestTasksEnqueue(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/tasks": `{"id":7,"status":"pending"}`,
	})

	out, err := runCLI(t, ts, "--json", "tasks", "enqueue",
		"--user", "1", "--type", "youtube_summary", "--priority", "3",
		"--data", `{"video_url":"https://youtu.be/x"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req := ts.last(t)
	if req.Method != http.MethodPost || req.Path != "/v1/tasks" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", req.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["task_type"] != "youtube_summary" || body["priority"] != float64(3) || body["user_id"] != float64(1) {
		t.Errorf("body = %v", body)
	}
	data, _ := body["task_data"].(map[string]any)
	if data["video_url"] != "https://youtu.be/x" {
		t.Errorf("task_data = %v", body["task_data"])
	}
	if !strings.Contains(out, `"id": 7`) {
		t.Errorf("output = %q", out)
	}
}

func TestTasksEnqueue_Validation(t *testing.T) {
	ts := newTestServer(t, nil)

	if _, err := runCLI(t, ts, "tasks", "enqueue", "--user", "1", "--type", "browser", "--data", "not json"); err == nil {
		t.Error("expected error for malformed --data")
	}
	if _, err := runCLI(t, ts, "tasks", "enqueue", "--user", "0", "--type", "browser", "--data", ""); err == nil {
		t.Error("expected error without --user")
	}
	if len(ts.requests) != 0 {
		t.Errorf("requests sent = %d, want 0", len(ts.requests))
	}
}

func TestTasksList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/tasks": `[{"id":1,"user_id":2,"task_type":"youtube_summary","status":"pending","priority":5,"created_at":"2026-01-02T03:04:05Z"}]`,
	})

	out, err := runCLI(t, ts, "tasks", "list", "--status", "pending", "--limit", "10")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	req := ts.last(t)
	if !strings.Contains(req.Path, "status=pending") || !strings.Contains(req.Path, "limit=10") {
		t.Errorf("path = %q", req.Path)
	}
	if !strings.Contains(out, "youtube_summary") || !strings.Contains(out, "pending") {
		t.Errorf("output missing task row:\n%s", out)
	}
}

func TestTasksCancel(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/tasks/5/cancel": `{"id":5,"status":"cancelled"}`,
	})

	if _, err := runCLI(t, ts, "tasks", "cancel", "5"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	req := ts.last(t)
	if req.Method != http.MethodPost || req.Path != "/v1/tasks/5/cancel" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
}

func TestTasksShow_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := runCLI(t, ts, "tasks", "show", "99")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "task 99 not found") {
		t.Errorf("error = %v", err)
	}
}

func TestTasksShow_InvalidID(t *testing.T) {
	ts := newTestServer(t, nil)

	if _, err := runCLI(t, ts, "tasks", "show", "abc"); err == nil {
		t.Error("expected error for non-numeric id")
	}
	if len(ts.requests) != 0 {
		t.Errorf("requests sent = %d, want 0", len(ts.requests))
	}
}

func TestMessagesSend(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"id":3,"status":"pending"}`,
	})

	_, err := runCLI(t, ts, "messages", "send", "--user", "4", "--chat", "100", "--type", "notification", "hello there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["chat_id"] != "100" || body["content"] != "hello there" || body["type"] != "notification" {
		t.Errorf("body = %v", body)
	}
}

func TestWorkflowsSearch(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/workflows/search": `[{"workflow":{"id":11,"category":"video","summary":"summarize a video","success_count":3,"total_count":4},"score":0.75,"lexical":0.75}]`,
	})

	out, err := runCLI(t, ts, "workflows", "search", "--user", "1", "--top-k", "3", "summarize this video")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["request"] != "summarize this video" || body["top_k"] != float64(3) {
		t.Errorf("body = %v", body)
	}
	for _, want := range []string{"0.750", "3/4", "summarize a video"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestToolsDisable(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /v1/tools/browser": `{"name":"browser","is_enabled":false}`,
	})

	if _, err := runCLI(t, ts, "tools", "disable", "browser"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	req := ts.last(t)
	if req.Method != http.MethodPatch || req.Body != `{"enabled":false}` {
		t.Errorf("request = %s %s", req.Method, req.Body)
	}
}

func TestDecodeJSON_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	rec.WriteString("upstream down")

	var v map[string]any
	err := decodeJSON(rec.Result(), &v)
	if err == nil || !strings.Contains(err.Error(), "502: upstream down") {
		t.Errorf("error = %v", err)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "nested"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after remove")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("héllo world", 5); got != "héll…" {
		t.Errorf("truncate = %q", got)
	}
}
