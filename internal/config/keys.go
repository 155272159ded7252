package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key string
	typ keyType
	env string
	// aliases are legacy variable names honoured when env is unset.
	aliases []string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "TASKMEM_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "TASKMEM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "TASKMEM_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.driver", typ: kString, env: "TASKMEM_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TASKMEM_STORAGE_DATA_DIR", aliases: []string{"DATABASE_PATH"},
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = dataDirOf(v.(string)) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "TASKMEM_STORAGE_POSTGRES_DSN",
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "scheduler.max_workers", typ: kInt, env: "TASKMEM_SCHEDULER_MAX_WORKERS", aliases: []string{"MAX_CONCURRENT_TASKS"},
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MaxWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.MaxWorkers },
	},
	{
		key: "scheduler.user_concurrency", typ: kInt, env: "TASKMEM_SCHEDULER_USER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.UserConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.UserConcurrency },
	},
	{
		key: "scheduler.task_timeout", typ: kDuration, env: "TASKMEM_SCHEDULER_TASK_TIMEOUT", aliases: []string{"TASK_TIMEOUT_SECONDS"},
		apply:   func(cfg *Config, v any) { cfg.Scheduler.TaskTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.TaskTimeout },
	},
	{
		key: "scheduler.cancel_grace", typ: kDuration, env: "TASKMEM_SCHEDULER_CANCEL_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.CancelGrace = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.CancelGrace },
	},
	{
		key: "scheduler.poll_interval", typ: kDuration, env: "TASKMEM_SCHEDULER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.PollInterval },
	},
	{
		key: "scheduler.max_retries", typ: kInt, env: "TASKMEM_SCHEDULER_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.MaxRetries },
	},
	{
		key: "dispatch.transport", typ: kString, env: "TASKMEM_DISPATCH_TRANSPORT",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Transport = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Dispatch.Transport },
	},
	{
		key: "dispatch.poll_interval", typ: kDuration, env: "TASKMEM_DISPATCH_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.PollInterval },
	},
	{
		key: "dispatch.max_attempts", typ: kInt, env: "TASKMEM_DISPATCH_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.MaxAttempts },
	},
	{
		key: "dispatch.chat_delay", typ: kDuration, env: "TASKMEM_DISPATCH_CHAT_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.ChatDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.ChatDelay },
	},
	{
		key: "telegram.bot_token", typ: kString, env: "TASKMEM_TELEGRAM_BOT_TOKEN", aliases: []string{"TELEGRAM_BOT_TOKEN"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "telegram.api_url", typ: kString, env: "TASKMEM_TELEGRAM_API_URL",
		apply:   func(cfg *Config, v any) { cfg.Telegram.APIURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.APIURL },
	},
	{
		key: "discord.bot_token", typ: kString, env: "TASKMEM_DISCORD_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Discord.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Discord.BotToken },
	},
	{
		key: "memory.enabled", typ: kBool, env: "TASKMEM_MEMORY_ENABLED", aliases: []string{"ENABLE_LEARNING"},
		apply:   func(cfg *Config, v any) { cfg.Memory.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.Enabled },
	},
	{
		key: "memory.lexical_weight", typ: kFloat, env: "TASKMEM_MEMORY_LEXICAL_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Memory.LexicalWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.LexicalWeight },
	},
	{
		key: "memory.embedding_weight", typ: kFloat, env: "TASKMEM_MEMORY_EMBEDDING_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Memory.EmbeddingWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.EmbeddingWeight },
	},
	{
		key: "memory.min_evidence", typ: kInt, env: "TASKMEM_MEMORY_MIN_EVIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Memory.MinEvidence = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MinEvidence },
	},
	{
		key: "memory.max_keywords", typ: kInt, env: "TASKMEM_MEMORY_MAX_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxKeywords = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MaxKeywords },
	},
	{
		key: "embedding.provider", typ: kString, env: "TASKMEM_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.backend", typ: kString, env: "TASKMEM_EMBEDDING_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Backend = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Embedding.Backend },
	},
	{
		key: "embedding.model", typ: kString, env: "TASKMEM_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.ollama_url", typ: kString, env: "TASKMEM_EMBEDDING_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.OllamaURL },
	},
	{
		key: "embedding.openai_api_key", typ: kString, env: "TASKMEM_EMBEDDING_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.OpenAIAPIKey },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "TASKMEM_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "executor.url", typ: kString, env: "TASKMEM_EXECUTOR_URL",
		apply:   func(cfg *Config, v any) { cfg.Executor.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Executor.URL },
	},
	{
		key: "executor.token", typ: kString, env: "TASKMEM_EXECUTOR_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Executor.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Executor.Token },
	},
	{
		key: "tools.file", typ: kString, env: "TASKMEM_TOOLS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Tools.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Tools.File },
	},
	{
		key: "log.level", typ: kString, env: "TASKMEM_LOG_LEVEL", aliases: []string{"LOG_LEVEL"},
		apply:   func(cfg *Config, v any) { cfg.Log.Level = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "TASKMEM_LOG_FILE", aliases: []string{"LOG_FILE"},
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

// dataDirOf accepts either a directory or a legacy database file path.
func dataDirOf(p string) string {
	if strings.HasSuffix(p, ".db") {
		return filepath.Dir(p)
	}
	return p
}

// parseDuration accepts Go durations ("90s", "5m") and bare seconds ("300").
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

// parseValue converts raw into the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case kDuration:
		return parseDuration(raw)
	default:
		return raw, nil
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := lookupEnv(s)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, name, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// lookupEnv returns the first set variable among the key's env and aliases.
func lookupEnv(s keySpec) (name, raw string) {
	for _, n := range append([]string{s.env}, s.aliases...) {
		if n == "" {
			continue
		}
		if v := os.Getenv(n); v != "" {
			return n, v
		}
	}
	return "", ""
}
