package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

func TestMux_Routes(t *testing.T) {
	mux := NewMux()
	mux.Handle("linkedin", Func(func(_ context.Context, req Request, _ ProgressFunc) (Result, error) {
		return Result{Summary: "linkedin " + req.Data["action"].(string)}, nil
	}))

	res, err := mux.Execute(context.Background(), Request{TaskType: "linkedin", Data: map[string]any{"action": "visit_profile"}}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Summary != "linkedin visit_profile" {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestMux_NoExecutor(t *testing.T) {
	_, err := NewMux().Execute(context.Background(), Request{TaskType: "fax"}, nil)
	if taskerr.KindOf(err) != taskerr.KindExecution {
		t.Errorf("kind = %v, want execution", taskerr.KindOf(err))
	}
	if taskerr.CodeOf(err) != taskerr.CodeNoRunner {
		t.Errorf("code = %q, want %q", taskerr.CodeOf(err), taskerr.CodeNoRunner)
	}
}

func TestMux_Fallback(t *testing.T) {
	mux := NewMux()
	mux.Fallback(Func(func(context.Context, Request, ProgressFunc) (Result, error) {
		return Result{Summary: "fallback"}, nil
	}))
	res, err := mux.Execute(context.Background(), Request{TaskType: "anything"}, nil)
	if err != nil || res.Summary != "fallback" {
		t.Errorf("Execute = %+v, %v; want fallback", res, err)
	}
}

func TestHTTPExecutor_StreamsProgressAndResult(t *testing.T) {
	var got runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /run", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"progress":{"step":1,"total":2,"label":"opening profile"}}`)
		fmt.Fprintln(w, `{"progress":{"step":2,"total":2,"label":"sending request"}}`)
		fmt.Fprintln(w, `{"done":true,"result":{"sent":true},"steps":[{"action":"open"},{"action":"connect"}],"summary":"connection sent"}`)
	}))
	defer srv.Close()

	var progress []string
	e := NewHTTPExecutor(srv.URL+"/", "secret")
	res, err := e.Execute(context.Background(), Request{
		TaskID: 5, UserID: 1, TaskType: "linkedin", Attempt: 1,
		Data:     map[string]any{"action": "send_connection"},
		Workflow: &storage.Workflow{ID: 9, Steps: []storage.Step{{"action": "open"}}},
	}, func(step, total int, label string) {
		progress = append(progress, fmt.Sprintf("%d/%d %s", step, total, label))
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got.TaskID != 5 || got.TaskType != "linkedin" || got.Workflow == nil || got.Workflow.ID != 9 {
		t.Errorf("runner got %+v", got)
	}
	if strings.Join(progress, "|") != "1/2 opening profile|2/2 sending request" {
		t.Errorf("progress = %v", progress)
	}
	if res.Data["sent"] != true || len(res.Steps) != 2 || res.Summary != "connection sent" {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPExecutor_RunnerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"captcha required"}`)
	}))
	defer srv.Close()

	_, err := NewHTTPExecutor(srv.URL, "").Execute(context.Background(), Request{TaskType: "linkedin"}, nil)
	if taskerr.KindOf(err) != taskerr.KindExecution || !strings.Contains(err.Error(), "captcha required") {
		t.Errorf("err = %v, want execution error with runner message", err)
	}
}

func TestHTTPExecutor_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPExecutor(srv.URL, "").Execute(context.Background(), Request{TaskType: "browser"}, nil)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want status 502", err)
	}
}

func TestHTTPExecutor_StreamWithoutResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"progress":{"step":1,"total":3,"label":"x"}}`)
	}))
	defer srv.Close()

	if _, err := NewHTTPExecutor(srv.URL, "").Execute(context.Background(), Request{}, nil); err == nil {
		t.Error("expected error when the stream ends without a result")
	}
}

func TestHTTPExecutor_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPExecutor(srv.URL, "").Execute(ctx, Request{TaskType: "browser"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if taskerr.KindOf(err) != taskerr.KindTimeout {
		t.Errorf("kind = %v, want timeout", taskerr.KindOf(err))
	}
}
