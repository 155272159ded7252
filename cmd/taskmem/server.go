package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/taskmem/internal/api"
	"github.com/kalambet/taskmem/internal/app"
	"github.com/kalambet/taskmem/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and HTTP API in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running taskmem server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show taskmem status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Open the store, apply pending migrations and list them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		repo, err := app.OpenRepository(cmd.Context(), cfg, slog.Default())
		if err != nil {
			return err
		}
		defer repo.Close()
		versions, err := repo.AppliedMigrations()
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(map[string]any{"driver": cfg.Storage.Driver, "migrations": versions})
		}
		printSuccess("%s store is at migration %d", cfg.Storage.Driver, lastVersion(versions))
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tool surface over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetBool("workers")
		return runMCP(workers)
	},
}

func init() {
	mcpCmd.Flags().Bool("workers", false, "also run the scheduler and dispatcher in this process")
}

func lastVersion(v []int) int {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "taskmem.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// serverRunning reports whether something answers /health on the configured address.
func serverRunning(cfg config.Config) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL(cfg) + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "taskmem version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if serverRunning(cfg) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("taskmem is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("taskmem is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	if cfg.Server.Token == "" {
		logger.Warn("server.token is empty, API authentication disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.Close()
		return err
	}

	handler := api.NewAppHandler(api.Deps{
		Repo:       a.Repo,
		Scheduler:  a.Scheduler,
		Dispatcher: a.Dispatcher,
		Memory:     a.Memory,
		Tools:      a.Tools,
		Token:      cfg.Server.Token,
		Logger:     logger.With("component", "api"),
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "taskmem listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Running tasks get one cancel grace period to finish.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Scheduler.CancelGrace)
	defer cancelDrain()
	if err := a.Shutdown(drainCtx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return errors.Join(serveErr, err)
		}
		logger.Warn("running tasks were cancelled at shutdown")
	}
	return serveErr
}

func runMCP(workers bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	if workers {
		if err := a.Start(ctx); err != nil {
			a.Close()
			return err
		}
	}

	mcpSrv := api.NewMCPServer(api.Deps{
		Repo:       a.Repo,
		Scheduler:  a.Scheduler,
		Dispatcher: a.Dispatcher,
		Memory:     a.Memory,
		Tools:      a.Tools,
		Logger:     logger.With("component", "mcp"),
	}, version)
	logger.Info("MCP server started (stdio transport)", "workers", workers)
	listenErr := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(listenErr, context.Canceled) {
		listenErr = nil
	}

	if !workers {
		return errors.Join(listenErr, a.Close())
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.CancelGrace)
	defer cancel()
	return errors.Join(listenErr, a.Shutdown(drainCtx))
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("taskmem is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop taskmem (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to taskmem (PID %d)", pid)
	return nil
}

type healthInfo struct {
	Status       string `json:"status"`
	MemoryMode   string `json:"memory_mode"`
	WorkerID     string `json:"worker_id"`
	RunningTasks int    `json:"running_tasks"`
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var health healthInfo
	resp, err := client.get(ctx, "/health")
	if err == nil {
		err = decodeJSON(resp, &health)
	}
	running := err == nil

	var pending, inProgress []json.RawMessage
	if running {
		if resp, err := client.get(ctx, "/v1/tasks?status=pending&limit=500"); err == nil {
			_ = decodeJSON(resp, &pending)
		}
		if resp, err := client.get(ctx, "/v1/tasks?status=in_progress&limit=500"); err == nil {
			_ = decodeJSON(resp, &inProgress)
		}
	}

	if jsonOutput() {
		out := map[string]any{
			"running":  running,
			"address":  serverURL(cfg),
			"driver":   cfg.Storage.Driver,
			"data_dir": cfg.Storage.DataDir,
		}
		if running {
			out["health"] = health
			out["pending_tasks"] = len(pending)
			out["in_progress_tasks"] = len(inProgress)
		}
		return printJSON(out)
	}

	if !running {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running at %s", serverURL(cfg))
		printStatus("Worker", "%s (%d running)", health.WorkerID, health.RunningTasks)
		printStatus("Memory", "%s", health.MemoryMode)
		printStatus("Pending tasks", "%s", countLabel(len(pending), 500))
		printStatus("In progress", "%s", countLabel(len(inProgress), 500))
	}
	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Transport", "%s", cfg.Dispatch.Transport)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
