package config

import (
	"fmt"
	"time"
)

// Config is the top-level maestrod configuration.
//
// It is loaded once at process start and treated as immutable afterwards,
// with one exception: the role-to-model assignment map, which is held in a
// ModelAssignments snapshot and may be hot-reloaded (see models.go).
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Store       StoreConfig       `koanf:"store"`
	Inference   InferenceConfig   `koanf:"inference"`
	Memory      MemoryConfig      `koanf:"memory"`
	Engine      EngineConfig      `koanf:"engine"`
	Skills      SkillsConfig      `koanf:"skills"`
	Departments DepartmentsConfig `koanf:"departments"`
	Models      ModelsConfig      `koanf:"models"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
	Caller bool   `koanf:"caller"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Insecure     bool   `koanf:"insecure"`
}

// StoreConfig holds durable-state settings.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory is created
	// on open.
	Path string `koanf:"path"`

	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// InferenceConfig holds LLM backend settings.
type InferenceConfig struct {
	// Provider selects the completion backend: "ollama" or "openai".
	Provider string `koanf:"provider"`

	// BaseURL is the inference server endpoint
	// (e.g. http://localhost:11434 for a local Ollama).
	BaseURL string `koanf:"base_url"`

	// APIKey is required for the openai provider only.
	APIKey Secret `koanf:"api_key"`

	// DefaultModel is used when a role has no explicit assignment.
	DefaultModel string `koanf:"default_model"`

	// EmbeddingModel generates vectors for long-term memory.
	EmbeddingModel string `koanf:"embedding_model"`

	// RequestTimeout bounds a single completion call.
	RequestTimeout Duration `koanf:"request_timeout"`

	// RequestsPerMinute rate-limits outbound inference calls. Zero
	// disables the limiter.
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// Retry controls transient-failure backoff.
	Retry RetryConfig `koanf:"retry"`
}

// RetryConfig controls exponential backoff for transient failures.
type RetryConfig struct {
	MaxAttempts       int      `koanf:"max_attempts"`
	InitialDelay      Duration `koanf:"initial_delay"`
	MaxDelay          Duration `koanf:"max_delay"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
}

// MemoryConfig holds memory subsystem settings.
type MemoryConfig struct {
	// VectorPath is the directory for the embedded vector store.
	VectorPath string `koanf:"vector_path"`

	// TopK is the default number of long-term results per query.
	TopK int `koanf:"top_k"`

	// ContextTokenBudget bounds the assembled context payload.
	ContextTokenBudget int `koanf:"context_token_budget"`

	// ShortTermWindow is the maximum short-term entries considered
	// before budget trimming.
	ShortTermWindow int `koanf:"short_term_window"`
}

// EngineConfig holds orchestration engine settings.
type EngineConfig struct {
	// MaxRequestBytes rejects oversized submissions before any state is
	// written.
	MaxRequestBytes int `koanf:"max_request_bytes"`

	// MaxReroutes bounds validation-failure re-routing per task.
	MaxReroutes int `koanf:"max_reroutes"`

	// MaxSteps bounds total recorded steps per task.
	MaxSteps int `koanf:"max_steps"`

	// TaskTimeout bounds a task's total wall-clock run.
	TaskTimeout Duration `koanf:"task_timeout"`

	// SkillTimeout bounds a single skill invocation.
	SkillTimeout Duration `koanf:"skill_timeout"`

	// AgentTimeout bounds a single department sub-agent step.
	AgentTimeout Duration `koanf:"agent_timeout"`
}

// SkillsConfig holds skill registry settings.
type SkillsConfig struct {
	// WorkspaceRoot confines file-skill operations.
	WorkspaceRoot string `koanf:"workspace_root"`

	// ShellEnabled gates the shell skill. Off by default.
	ShellEnabled bool `koanf:"shell_enabled"`

	// BrowserEnabled gates the headless-browser skill. Off by default.
	BrowserEnabled bool `koanf:"browser_enabled"`

	// SearchEndpoint is the web-search API base URL.
	SearchEndpoint string `koanf:"search_endpoint"`

	// GitHubToken authenticates the github skill. Anonymous when empty.
	GitHubToken Secret `koanf:"github_token"`

	// ApprovalRequired lists "skill.action" pairs that pause a task for a
	// human decision before they run.
	ApprovalRequired []string `koanf:"approval_required"`
}

// DepartmentsConfig maps analysis categories to department names.
type DepartmentsConfig struct {
	// Routes maps an analysis category to the department that handles it.
	Routes map[string]string `koanf:"routes"`

	// Fallback handles unrecognized categories.
	Fallback string `koanf:"fallback"`
}

// ModelsConfig holds the hot-reloadable role-to-model assignments.
type ModelsConfig struct {
	// Assignments maps a logical role (e.g. "analyzer", "researcher",
	// "validator") to a model identifier.
	Assignments map[string]string `koanf:"assignments"`

	// WatchPath, when set, is a YAML file watched for assignment updates.
	WatchPath string `koanf:"watch_path"`
}

// Default returns a configuration with production-ready defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "maestrod",
		},
		Store: StoreConfig{
			Path:        "~/.local/share/maestro/maestro.db",
			BusyTimeout: Duration(5 * time.Second),
		},
		Inference: InferenceConfig{
			Provider:          "ollama",
			BaseURL:           "http://localhost:11434",
			DefaultModel:      "llama3.1:8b",
			EmbeddingModel:    "nomic-embed-text",
			RequestTimeout:    Duration(2 * time.Minute),
			RequestsPerMinute: 60,
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialDelay:      Duration(time.Second),
				MaxDelay:          Duration(30 * time.Second),
				BackoffMultiplier: 2.0,
			},
		},
		Memory: MemoryConfig{
			VectorPath:         "~/.local/share/maestro/vectors",
			TopK:               5,
			ContextTokenBudget: 6144,
			ShortTermWindow:    20,
		},
		Engine: EngineConfig{
			MaxRequestBytes: 64 * 1024,
			MaxReroutes:     2,
			MaxSteps:        20,
			TaskTimeout:     Duration(5 * time.Minute),
			SkillTimeout:    Duration(30 * time.Second),
			AgentTimeout:    Duration(90 * time.Second),
		},
		Skills: SkillsConfig{
			WorkspaceRoot:    "./workspace",
			ShellEnabled:     false,
			BrowserEnabled:   false,
			ApprovalRequired: []string{"shell.run_command", "github.create_gist", "browser.screenshot"},
		},
		Departments: DepartmentsConfig{
			Routes: map[string]string{
				"github":   "github",
				"research": "research",
				"analysis": "analysis",
				"coding":   "coding",
				"writing":  "writing",
				"social":   "social",
				"general":  "research",
			},
			Fallback: "research",
		},
		Models: ModelsConfig{
			Assignments: map[string]string{},
		},
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	switch c.Inference.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("inference.provider must be ollama or openai, got %q", c.Inference.Provider)
	}
	if c.Inference.Provider == "openai" && c.Inference.APIKey.Value() == "" {
		return fmt.Errorf("inference.api_key is required for the openai provider")
	}
	if c.Inference.Retry.MaxAttempts < 1 {
		return fmt.Errorf("inference.retry.max_attempts must be at least 1")
	}
	if c.Inference.Retry.BackoffMultiplier <= 0 {
		return fmt.Errorf("inference.retry.backoff_multiplier must be positive")
	}
	if c.Engine.MaxRequestBytes <= 0 {
		return fmt.Errorf("engine.max_request_bytes must be positive")
	}
	if c.Engine.MaxReroutes < 0 {
		return fmt.Errorf("engine.max_reroutes cannot be negative")
	}
	if c.Engine.MaxSteps < 3 {
		return fmt.Errorf("engine.max_steps must allow analysis, routing and execution")
	}
	if c.Memory.TopK <= 0 {
		return fmt.Errorf("memory.top_k must be positive")
	}
	if c.Memory.ContextTokenBudget <= 0 {
		return fmt.Errorf("memory.context_token_budget must be positive")
	}
	if c.Departments.Fallback == "" {
		return fmt.Errorf("departments.fallback is required")
	}
	return nil
}
