// Package dispatch delivers outbound chat messages asynchronously. Messages
// are queued in the store; a polling loop claims due messages per chat, in
// send order, and hands them to a transport.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

// Transport sends one message to a chat.
type Transport interface {
	Send(ctx context.Context, chatID, content string) error
}

// RetryAfterError is returned by transports that were rate limited and
// know when to try again.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Message is an enqueue request.
type Message struct {
	UserID  int64
	ChatID  string
	Type    string
	Content string
	// SendAt delays delivery; zero means now.
	SendAt time.Time
}

// Config controls delivery.
type Config struct {
	PollInterval time.Duration // default 1s
	MaxAttempts  int           // default 5
	ChatDelay    time.Duration // pause between messages of one chat, default 100ms
	BatchSize    int           // messages read per cycle, default 100
	Concurrency  int           // chats delivered in parallel, default 8
}

// Report summarises one delivery cycle.
type Report struct {
	Sent    []int64
	Retried []int64
	Failed  []int64
}

// Dispatcher owns the message queue.
type Dispatcher struct {
	repo      storage.Repository
	transport Transport
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	wake      chan struct{}

	// OnFailed is called for every message that reaches failed. It runs on
	// the delivery goroutine and must not block.
	OnFailed func(storage.AsyncMessage)
}

func New(repo storage.Repository, transport Transport, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ChatDelay < 0 {
		cfg.ChatDelay = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		repo:      repo,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue stores a pending message and wakes the delivery loop. It never
// waits for the send.
func (d *Dispatcher) Enqueue(ctx context.Context, m Message) (int64, error) {
	if strings.TrimSpace(m.ChatID) == "" {
		return 0, taskerr.Validationf("chat_id is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return 0, taskerr.Validationf("content is required")
	}
	if m.Type == "" {
		m.Type = storage.MessageNotification
	}
	if !storage.ValidMessageType(m.Type) {
		return 0, taskerr.Validationf("invalid message type %q", m.Type)
	}
	if err := d.repo.EnsureUser(ctx, m.UserID); err != nil {
		return 0, taskerr.Store("ensure user", err)
	}
	id, err := d.repo.EnqueueMessage(ctx, storage.AsyncMessage{
		UserID:      m.UserID,
		ChatID:      m.ChatID,
		MessageType: m.Type,
		Content:     m.Content,
		SendAt:      m.SendAt,
	})
	if err != nil {
		return 0, taskerr.Store("enqueue message", err)
	}
	d.Wake()
	return id, nil
}

// Wake triggers a delivery cycle without waiting for the poll interval.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run delivers messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "poll_interval", d.cfg.PollInterval)
	defer d.logger.Info("dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		report, err := d.DeliverReady(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("delivery cycle failed", "error", err)
		}
		// A full batch likely means more messages are due.
		if err == nil && len(report.Sent)+len(report.Failed) >= d.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// DeliverReady delivers every due pending message once. Chats are handled
// concurrently; messages of one chat go out sequentially in send_at order,
// and a message waiting on retry backoff holds back the rest of its chat.
func (d *Dispatcher) DeliverReady(ctx context.Context) (Report, error) {
	now := d.now()
	due, err := d.repo.DueMessages(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return Report{}, taskerr.Store("load due messages", err)
	}

	// DueMessages is ordered by chat_id, so each chat is one contiguous run.
	var chats [][]storage.AsyncMessage
	for i, m := range due {
		if i == 0 || m.ChatID != due[i-1].ChatID {
			chats = append(chats, nil)
		}
		chats[len(chats)-1] = append(chats[len(chats)-1], m)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(list *[]int64, id int64) {
		mu.Lock()
		*list = append(*list, id)
		mu.Unlock()
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, msgs := range chats {
		g.Go(func() error {
			return d.deliverChat(gCtx, msgs, now, func(outcome string, id int64) {
				switch outcome {
				case storage.MessageSent:
					record(&report.Sent, id)
				case storage.MessagePending:
					record(&report.Retried, id)
				case storage.MessageFailed:
					record(&report.Failed, id)
				}
			})
		})
	}
	err = g.Wait()
	return report, err
}

func (d *Dispatcher) deliverChat(ctx context.Context, msgs []storage.AsyncMessage, now time.Time, outcome func(string, int64)) error {
	for i, m := range msgs {
		if m.NextAttemptAt.After(now) {
			return nil
		}
		if i > 0 && d.cfg.ChatDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.ChatDelay):
			}
		}

		claimed, err := d.repo.ClaimMessage(ctx, m.ID, now)
		if err != nil {
			return taskerr.Store("claim message", err)
		}
		if !claimed {
			// Another dispatcher owns this chat's head message.
			return nil
		}

		sendErr := d.transport.Send(ctx, m.ChatID, Decorate(m.MessageType, m.Content))
		// The claim is recorded even when shutdown interrupted the send.
		storeCtx := context.WithoutCancel(ctx)
		if sendErr == nil {
			if err := d.repo.MarkMessageSent(storeCtx, m.ID, d.now()); err != nil {
				return taskerr.Store("mark message sent", err)
			}
			outcome(storage.MessageSent, m.ID)
			continue
		}

		attempts := m.Attempts + 1
		if attempts >= d.cfg.MaxAttempts {
			if err := d.repo.MarkMessageFailed(storeCtx, m.ID, sendErr.Error()); err != nil {
				return taskerr.Store("mark message failed", err)
			}
			d.logger.Warn("message delivery failed permanently",
				"message_id", m.ID, "chat_id", m.ChatID, "attempts", attempts, "error", sendErr)
			outcome(storage.MessageFailed, m.ID)
			if d.OnFailed != nil {
				m.Status = storage.MessageFailed
				m.Attempts = attempts
				m.LastError = sendErr.Error()
				d.OnFailed(m)
			}
			// A failed message no longer holds back its chat.
			continue
		}

		next := now.Add(backoff(attempts, sendErr))
		if err := d.repo.MarkMessageRetry(storeCtx, m.ID, sendErr.Error(), next); err != nil {
			return taskerr.Store("mark message retry", err)
		}
		d.logger.Debug("message delivery will be retried",
			"message_id", m.ID, "chat_id", m.ChatID, "attempt", attempts, "next_attempt_at", next, "error", sendErr)
		outcome(storage.MessagePending, m.ID)
		return nil
	}
	return nil
}

// backoff is 2^attempts seconds, or the transport's retry-after hint when longer.
func backoff(attempts int, err error) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > wait {
		wait = ra.After
	}
	return wait
}

// Sweep fails messages stuck in sending since before cutoff. They are not
// re-sent: the transport may already have delivered them.
func (d *Dispatcher) Sweep(ctx context.Context, stuckFor time.Duration) (int, error) {
	n, err := d.repo.FailStaleSending(ctx, d.now().Add(-stuckFor), "interrupted")
	if err != nil {
		return 0, taskerr.Store("fail stale messages", err)
	}
	if n > 0 {
		d.logger.Warn("failed interrupted messages", "count", n)
	}
	return n, nil
}
