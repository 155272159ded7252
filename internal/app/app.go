// Package app owns the process lifecycle: it builds the store and every
// collaborator from config, runs the scheduler and dispatcher loops plus
// periodic maintenance, and drains them on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/taskmem/internal/config"
	"github.com/kalambet/taskmem/internal/dispatch"
	"github.com/kalambet/taskmem/internal/executor"
	"github.com/kalambet/taskmem/internal/memory"
	"github.com/kalambet/taskmem/internal/ollama"
	"github.com/kalambet/taskmem/internal/retrieval"
	"github.com/kalambet/taskmem/internal/scheduler"
	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/tools"
)

const (
	maintenanceSpec = "@every 1m"
	stuckSending    = 5 * time.Minute
)

// Options override collaborators built from config. Zero values use config.
type Options struct {
	Logger    *slog.Logger
	Repo      storage.Repository
	Executor  executor.Executor
	Transport dispatch.Transport
	Embedder  retrieval.Embedder
	// Progress receives model pull output; nil means stderr.
	Progress io.Writer
}

// App is the explicitly constructed engine context.
type App struct {
	Config     config.Config
	Repo       storage.Repository
	Memory     *memory.Memory
	Tools      *tools.Registry
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger

	cron           *cron.Cron
	stopScheduler  context.CancelFunc
	stopDispatcher context.CancelFunc
	loops          sync.WaitGroup
	ownsRepo       bool
}

// New builds the engine. It opens the store unless opts.Repo is set and
// seeds the tool registry. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	a.Repo = opts.Repo
	if a.Repo == nil {
		repo, err := OpenRepository(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Repo = repo
		a.ownsRepo = true
	}

	embedder := opts.Embedder
	if embedder == nil {
		embedder = a.buildEmbedder(ctx, opts.Progress)
	}
	a.Memory = memory.New(a.Repo, embedder, memory.Options{
		Weights:     memory.Weights{Lexical: cfg.Memory.LexicalWeight, Embedding: cfg.Memory.EmbeddingWeight},
		MinEvidence: cfg.Memory.MinEvidence,
		MaxKeywords: cfg.Memory.MaxKeywords,
		Logger:      logger.With("component", "memory"),
	})

	a.Tools = tools.NewRegistry(a.Repo, logger.With("component", "tools"))
	if err := a.seedTools(ctx); err != nil {
		a.Close()
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		t, err := buildTransport(cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		transport = t
	}
	a.Dispatcher = dispatch.New(a.Repo, transport, dispatch.Config{
		PollInterval: cfg.Dispatch.PollInterval,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		ChatDelay:    cfg.Dispatch.ChatDelay,
	}, logger.With("component", "dispatch"))
	a.Dispatcher.OnFailed = func(m storage.AsyncMessage) {
		logger.Error("chat message undeliverable",
			"message_id", m.ID, "user_id", m.UserID, "chat_id", m.ChatID, "type", m.MessageType, "error", m.LastError)
	}

	exec := opts.Executor
	if exec == nil {
		mux := executor.NewMux()
		if cfg.Executor.URL != "" {
			mux.Fallback(executor.NewHTTPExecutor(cfg.Executor.URL, cfg.Executor.Token))
		} else {
			logger.Warn("no executor configured; tasks will fail", "key", "executor.url")
		}
		exec = mux
	}

	var mem scheduler.Memory
	if cfg.Memory.Enabled {
		mem = a.Memory
	}
	a.Scheduler = scheduler.New(scheduler.Deps{
		Repo:     a.Repo,
		Executor: exec,
		Tools:    a.Tools,
		Memory:   mem,
		Notifier: a.Dispatcher,
		Logger:   logger.With("component", "scheduler"),
	}, scheduler.Config{
		MaxWorkers:      cfg.Scheduler.MaxWorkers,
		UserConcurrency: cfg.Scheduler.UserConcurrency,
		TaskTimeout:     cfg.Scheduler.TaskTimeout,
		CancelGrace:     cfg.Scheduler.CancelGrace,
		PollInterval:    cfg.Scheduler.PollInterval,
		MaxRetries:      cfg.Scheduler.MaxRetries,
	})

	logger.Info("engine ready",
		"storage", cfg.Storage.Driver,
		"memory_mode", a.Memory.Mode(),
		"learning", cfg.Memory.Enabled,
		"transport", cfg.Dispatch.Transport,
		"worker_id", a.Scheduler.WorkerID(),
	)
	return a, nil
}

// OpenRepository opens the configured store backend.
func OpenRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		s, err := storage.OpenPostgres(ctx, storage.PGConfig{
			DSN:        cfg.Storage.PostgresDSN,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		logger.Debug("sqlite store opened", "path", cfg.DatabasePath())
		return s, nil
	}
}

// buildEmbedder returns nil (keyword-only mode) when embeddings are off or
// the provider is unavailable at startup.
func (a *App) buildEmbedder(ctx context.Context, progress io.Writer) retrieval.Embedder {
	ec := a.Config.Embedding
	if ec.Provider == retrieval.ProviderOllama {
		if progress == nil {
			progress = os.Stderr
		}
		dim, err := ollama.EnsureModel(ctx, ollama.New(ec.OllamaURL), ec.Model, progress)
		if err != nil {
			a.Logger.Warn("embedding model unavailable, using keyword-only workflow search", "error", err)
			return nil
		}
		if dim != ec.Dimensions {
			a.Logger.Warn("embedding dimension differs from config; vectors of another size are skipped until re-embedded",
				"model", ec.Model, "model_dimensions", dim, "configured", ec.Dimensions)
			ec.Dimensions = dim
		}
	}

	emb, err := retrieval.New(retrieval.Config{
		Provider:     ec.Provider,
		Model:        ec.Model,
		OllamaURL:    ec.OllamaURL,
		OpenAIAPIKey: ec.OpenAIAPIKey,
		Dimensions:   ec.Dimensions,
		Langchain:    ec.Backend == "langchain",
	})
	if err != nil {
		a.Logger.Warn("embedder unavailable, using keyword-only workflow search", "provider", ec.Provider, "error", err)
		return nil
	}
	return emb
}

func (a *App) seedTools(ctx context.Context) error {
	defs := tools.DefaultTools()
	if a.Config.Tools.File != "" {
		extra, err := tools.LoadFile(a.Config.Tools.File)
		if err != nil {
			return fmt.Errorf("loading tools file: %w", err)
		}
		defs = tools.Merge(defs, extra)
	}
	return a.Tools.Seed(ctx, defs)
}

func buildTransport(cfg config.Config, logger *slog.Logger) (dispatch.Transport, error) {
	switch cfg.Dispatch.Transport {
	case "telegram":
		return dispatch.NewTelegramTransport(cfg.Telegram.BotToken, cfg.Telegram.APIURL), nil
	case "discord":
		t, err := dispatch.NewDiscordTransport(cfg.Discord.BotToken)
		if err != nil {
			return nil, fmt.Errorf("creating discord transport: %w", err)
		}
		return t, nil
	default:
		return dispatch.NewLogTransport(logger.With("component", "transport")), nil
	}
}

// Start runs the scheduler and dispatcher loops and the maintenance cron.
// The loops run until Shutdown; ctx only parents them.
func (a *App) Start(ctx context.Context) error {
	schedCtx, stopScheduler := context.WithCancel(ctx)
	dispCtx, stopDispatcher := context.WithCancel(ctx)
	a.stopScheduler = stopScheduler
	a.stopDispatcher = stopDispatcher

	a.loops.Add(2)
	go func() {
		defer a.loops.Done()
		a.Scheduler.Run(schedCtx)
	}()
	go func() {
		defer a.loops.Done()
		a.Dispatcher.Run(dispCtx)
	}()

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(maintenanceSpec, func() { a.Maintain(dispCtx) }); err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}
	a.cron.Start()
	return nil
}

// Maintain fails orphaned tasks and messages stuck in sending.
func (a *App) Maintain(ctx context.Context) {
	if n, err := a.Scheduler.Sweep(ctx); err != nil {
		a.Logger.Error("task maintenance failed", "error", err)
	} else if n > 0 {
		a.Logger.Info("task maintenance", "orphaned", n)
	}
	if _, err := a.Dispatcher.Sweep(ctx, stuckSending); err != nil {
		a.Logger.Error("message maintenance failed", "error", err)
	}
}

// Shutdown stops claiming new tasks, waits for running ones until ctx
// expires (cancelling the rest), flushes due messages and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	if a.cron != nil {
		cronDone := a.cron.Stop()
		select {
		case <-cronDone.Done():
		case <-ctx.Done():
		}
	}
	if a.stopScheduler != nil {
		a.stopScheduler()
	}
	drainErr := a.Scheduler.Drain(ctx)

	// Deliver the final task messages before the dispatcher stops.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	if _, err := a.Dispatcher.DeliverReady(flushCtx); err != nil {
		a.Logger.Warn("final message flush failed", "error", err)
	}
	cancel()
	if a.stopDispatcher != nil {
		a.stopDispatcher()
	}
	a.loops.Wait()

	return errors.Join(drainErr, a.Close())
}

// Close closes the store when App opened it.
func (a *App) Close() error {
	if !a.ownsRepo || a.Repo == nil {
		return nil
	}
	a.ownsRepo = false
	return a.Repo.Close()
}
