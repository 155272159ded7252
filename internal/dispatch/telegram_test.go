package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTelegramTransport_Send(t *testing.T) {
	var got telegramSendRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tr := NewTelegramTransport("123:abc", srv.URL)
	if err := tr.Send(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got.ChatID != "42" || got.Text != "hello" {
		t.Errorf("request = %+v", got)
	}
}

func TestTelegramTransport_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok":false,"description":"Too Many Requests: retry after 17","parameters":{"retry_after":17}}`))
	}))
	defer srv.Close()

	err := NewTelegramTransport("t", srv.URL).Send(context.Background(), "42", "hello")
	var ra *RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("err = %v, want *RetryAfterError", err)
	}
	if ra.After != 17*time.Second {
		t.Errorf("After = %v, want 17s", ra.After)
	}
}

func TestTelegramTransport_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegramTransport("t", srv.URL).Send(context.Background(), "42", "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("err = %v, want chat not found", err)
	}
}

func TestTelegramTransport_SplitsLongMessages(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req telegramSendRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		texts = append(texts, req.Text)
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	long := strings.Repeat("x", telegramMaxChars+10)
	if err := NewTelegramTransport("t", srv.URL).Send(context.Background(), "42", long); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(texts) != 2 || len(texts[0]) != telegramMaxChars || len(texts[1]) != 10 {
		t.Errorf("sent %d chunks", len(texts))
	}
}
