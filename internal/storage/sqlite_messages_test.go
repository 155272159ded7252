package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func enqueueMessage(t *testing.T, s Repository, chatID string, sendAt, createdAt time.Time) int64 {
	t.Helper()
	id, err := s.EnqueueMessage(context.Background(), AsyncMessage{
		UserID: 1, ChatID: chatID, MessageType: MessageNotification, Content: "hello",
		SendAt: sendAt, CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	return id
}

func TestDueMessages_OrderAndSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustEnsureUser(t, s, 1)

	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	b1 := enqueueMessage(t, s, "chat-b", now.Add(-time.Minute), now.Add(-2*time.Minute))
	a2 := enqueueMessage(t, s, "chat-a", now.Add(-time.Second), now.Add(-time.Minute))
	a1 := enqueueMessage(t, s, "chat-a", now.Add(-time.Minute), now.Add(-time.Minute))
	enqueueMessage(t, s, "chat-a", now.Add(time.Hour), now) // scheduled for later

	due, err := s.DueMessages(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueMessages: %v", err)
	}
	want := []int64{a1, a2, b1}
	if len(due) != len(want) {
		t.Fatalf("len = %d, want %d", len(due), len(want))
	}
	for i, m := range due {
		if m.ID != want[i] {
			t.Errorf("due[%d] = %d, want %d", i, m.ID, want[i])
		}
	}
}

func TestEnqueueMessage_DefaultsSendAt(t *testing.T) {
	s := openTestStore(t)
	mustEnsureUser(t, s, 1)
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	id := enqueueMessage(t, s, "c", time.Time{}, created)

	m, err := s.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !m.SendAt.Equal(created) || !m.NextAttemptAt.Equal(created) {
		t.Errorf("SendAt = %v NextAttemptAt = %v, want %v", m.SendAt, m.NextAttemptAt, created)
	}
	if m.Status != MessagePending {
		t.Errorf("Status = %q, want pending", m.Status)
	}
}

func TestMessageLifecycle_SentOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustEnsureUser(t, s, 1)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	id := enqueueMessage(t, s, "c", now, now)

	ok, err := s.ClaimMessage(ctx, id, now)
	if err != nil || !ok {
		t.Fatalf("ClaimMessage = %v, %v", ok, err)
	}
	if ok, _ := s.ClaimMessage(ctx, id, now); ok {
		t.Fatal("message claimed twice")
	}
	if err := s.MarkMessageSent(ctx, id, now); err != nil {
		t.Fatalf("MarkMessageSent: %v", err)
	}

	due, err := s.DueMessages(ctx, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueMessages: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("sent message still due: %+v", due)
	}
	m, _ := s.GetMessage(ctx, id)
	if m.Status != MessageSent || m.SentAt == nil || !m.SentAt.Equal(now) {
		t.Errorf("message = %+v", m)
	}

	if err := s.MarkMessageSent(ctx, id, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkMessageSent on sent message = %v, want ErrNotFound", err)
	}
}

func TestClaimMessage_OnlyChatHead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustEnsureUser(t, s, 1)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	first := enqueueMessage(t, s, "c", now.Add(-2*time.Second), now.Add(-2*time.Second))
	second := enqueueMessage(t, s, "c", now.Add(-time.Second), now.Add(-time.Second))
	other := enqueueMessage(t, s, "d", now.Add(-time.Second), now.Add(-time.Second))

	if ok, err := s.ClaimMessage(ctx, second, now); err != nil || ok {
		t.Fatalf("ClaimMessage(second) before first = %v, %v; want false", ok, err)
	}
	if ok, err := s.ClaimMessage(ctx, first, now); err != nil || !ok {
		t.Fatalf("ClaimMessage(first) = %v, %v", ok, err)
	}
	// first is in flight; the chat stays blocked until it settles.
	if ok, _ := s.ClaimMessage(ctx, second, now); ok {
		t.Fatal("claimed second while first is sending")
	}
	if ok, err := s.ClaimMessage(ctx, other, now); err != nil || !ok {
		t.Errorf("ClaimMessage(other chat) = %v, %v", ok, err)
	}

	if err := s.MarkMessageSent(ctx, first, now); err != nil {
		t.Fatalf("MarkMessageSent: %v", err)
	}
	if ok, err := s.ClaimMessage(ctx, second, now); err != nil || !ok {
		t.Errorf("ClaimMessage(second) after first sent = %v, %v", ok, err)
	}
}

func TestClaimMessage_FailedHeadDoesNotBlock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustEnsureUser(t, s, 1)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	first := enqueueMessage(t, s, "c", now.Add(-2*time.Second), now.Add(-2*time.Second))
	second := enqueueMessage(t, s, "c", now.Add(-time.Second), now.Add(-time.Second))

	if ok, err := s.ClaimMessage(ctx, first, now); err != nil || !ok {
		t.Fatalf("ClaimMessage(first) = %v, %v", ok, err)
	}
	if err := s.MarkMessageFailed(ctx, first, "bot blocked"); err != nil {
		t.Fatalf("MarkMessageFailed: %v", err)
	}
	if ok, err := s.ClaimMessage(ctx, second, now); err != nil || !ok {
		t.Errorf("ClaimMessage(second) after first failed = %v, %v", ok, err)
	}
}

func TestMessageRetry_Backoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustEnsureUser(t, s, 1)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	id := enqueueMessage(t, s, "c", now, now)

	if ok, err := s.ClaimMessage(ctx, id, now); err != nil || !ok {
		t.Fatalf("ClaimMessage = %v, %v", ok, err)
	}
	if err := s.MarkMessageRetry(ctx, id, "connection reset", now.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkMessageRetry: %v", err)
	}

	m, _ := s.GetMessage(ctx, id)
	if m.Status != MessagePending || m.Attempts != 1 || m.LastError != "connection reset" {
		t.Errorf("after retry: %+v", m)
	}

	if ok, _ := s.ClaimMessage(ctx, id, now.Add(time.Second)); ok {
		t.Error("claimed before next_attempt_at")
	}
	if ok, err := s.ClaimMessage(ctx, id, now.Add(3*time.Second)); err != nil || !ok {
		t.Errorf("claim after backoff = %v, %v", ok, err)
	}
	if err := s.MarkMessageFailed(ctx, id, "gave up"); err != nil {
		t.Fatalf("MarkMessageFailed: %v", err)
	}
	m, _ = s.GetMessage(ctx, id)
	if m.Status != MessageFailed || m.Attempts != 2 {
		t.Errorf("after failure: %+v", m)
	}
}

func TestFailStaleSending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustEnsureUser(t, s, 1)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	stale := enqueueMessage(t, s, "c", now.Add(-time.Hour), now.Add(-time.Hour))
	fresh := enqueueMessage(t, s, "d", now, now)

	if _, err := s.ClaimMessage(ctx, stale, now.Add(-time.Hour)); err != nil {
		t.Fatalf("ClaimMessage: %v", err)
	}
	if _, err := s.ClaimMessage(ctx, fresh, now); err != nil {
		t.Fatalf("ClaimMessage: %v", err)
	}

	n, err := s.FailStaleSending(ctx, now.Add(-5*time.Minute), "interrupted")
	if err != nil {
		t.Fatalf("FailStaleSending: %v", err)
	}
	if n != 1 {
		t.Errorf("FailStaleSending = %d, want 1", n)
	}
	m, _ := s.GetMessage(ctx, fresh)
	if m.Status != MessageSending {
		t.Errorf("fresh message status = %q, want sending", m.Status)
	}
}

func TestListMessages_Filter(t *testing.T) {
	s := openTestStore(t)
	mustEnsureUser(t, s, 1)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	enqueueMessage(t, s, "a", now, now)
	enqueueMessage(t, s, "b", now, now)

	msgs, err := s.ListMessages(context.Background(), MessageFilter{ChatID: "a"})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ChatID != "a" {
		t.Errorf("ListMessages = %+v", msgs)
	}
}
