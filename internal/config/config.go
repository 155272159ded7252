package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
	Telegram  TelegramConfig
	Discord   DiscordConfig
	Memory    MemoryConfig
	Embedding EmbeddingConfig
	Executor  ExecutorConfig
	Tools     ToolsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// Token enables bearer auth on the HTTP API when set.
	Token string
}

type StorageConfig struct {
	Driver      string // sqlite or postgres
	DataDir     string
	PostgresDSN string
}

type SchedulerConfig struct {
	MaxWorkers      int
	UserConcurrency int
	TaskTimeout     time.Duration
	CancelGrace     time.Duration
	PollInterval    time.Duration
	MaxRetries      int
}

type DispatchConfig struct {
	Transport    string // log, telegram or discord
	PollInterval time.Duration
	MaxAttempts  int
	ChatDelay    time.Duration
}

type TelegramConfig struct {
	BotToken string
	APIURL   string
}

type DiscordConfig struct {
	BotToken string
}

type MemoryConfig struct {
	Enabled         bool
	LexicalWeight   float64
	EmbeddingWeight float64
	MinEvidence     int
	MaxKeywords     int
}

type EmbeddingConfig struct {
	Provider     string // none, ollama or openai
	Backend      string // native or langchain, for the ollama provider
	Model        string
	OllamaURL    string
	OpenAIAPIKey string
	Dimensions   int
}

type ExecutorConfig struct {
	URL   string
	Token string
}

type ToolsConfig struct {
	File string
}

type LogConfig struct {
	Level string
	File  string
}

// Default returns the built-in configuration without file or env input.
func Default() Config { return defaults() }

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:      5,
			UserConcurrency: 1,
			TaskTimeout:     300 * time.Second,
			CancelGrace:     10 * time.Second,
			PollInterval:    time.Second,
			MaxRetries:      1,
		},
		Dispatch: DispatchConfig{
			Transport:    "log",
			PollInterval: time.Second,
			MaxAttempts:  5,
			ChatDelay:    100 * time.Millisecond,
		},
		Memory: MemoryConfig{
			Enabled:         true,
			LexicalWeight:   0.4,
			EmbeddingWeight: 0.6,
			MinEvidence:     3,
			MaxKeywords:     15,
		},
		Embedding: EmbeddingConfig{
			Provider:   "none",
			Backend:    "native",
			Model:      "nomic-embed-text",
			OllamaURL:  "http://localhost:11434",
			Dimensions: 768,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at path (the default location
// when path is empty), then applies environment overrides. TASKMEM_*
// variables win over their legacy aliases; secrets come from the
// environment only.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("missing required config: storage.postgres_dsn. Set it via TASKMEM_STORAGE_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}

	switch c.Dispatch.Transport {
	case "log":
	case "telegram":
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("missing required config: Telegram bot token. Set it via TASKMEM_TELEGRAM_BOT_TOKEN")
		}
	case "discord":
		if c.Discord.BotToken == "" {
			return fmt.Errorf("missing required config: Discord bot token. Set it via TASKMEM_DISCORD_BOT_TOKEN")
		}
	default:
		return fmt.Errorf("dispatch.transport must be log, telegram or discord, got %q", c.Dispatch.Transport)
	}

	if c.Memory.LexicalWeight < 0 || c.Memory.EmbeddingWeight < 0 || c.Memory.LexicalWeight+c.Memory.EmbeddingWeight == 0 {
		return fmt.Errorf("memory weights must be non-negative and not both zero")
	}
	if c.Embedding.Backend != "native" && c.Embedding.Backend != "langchain" {
		return fmt.Errorf("embedding.backend must be native or langchain, got %q", c.Embedding.Backend)
	}
	return nil
}

// DatabasePath is the SQLite database file inside the data directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "taskmem.db")
}

// DefaultConfigPath is $XDG_CONFIG_HOME/taskmem/config.yaml.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "taskmem", "config.yaml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "taskmem-data"
		}
	}
	return filepath.Join(dir, "taskmem")
}
