// Package config provides configuration types and loading for goalrun.
package config

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Providers, Tools, Approval, History, Trace, Log.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Approval  ApprovalConfig  `json:"approval"`
	History   HistoryConfig   `json:"history"`
	Trace     TraceConfig     `json:"trace"`
	Log       LogConfig       `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// Workspace is the root every tool path is resolved against.
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	// Roots are the workspace roots that get an eager session each.
	// Empty means one session for Workspace.
	Roots []string `json:"roots" envconfig:"ROOTS"`
	// StateDir holds the history database.
	StateDir string `json:"stateDir" envconfig:"STATE_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and agent-loop settings.
type ModelConfig struct {
	// Name is "provider/model", e.g. "openai/gpt-4o" or "gemini/gemini-2.5-flash".
	Name         string      `json:"name" envconfig:"MODEL"`
	MaxTokens    int         `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature  float64     `json:"temperature" envconfig:"TEMPERATURE"`
	MaxSteps     int         `json:"maxSteps" envconfig:"MAX_STEPS"`
	ParseRetries int         `json:"parseRetries" envconfig:"PARSE_RETRIES"`
	Retry        RetryConfig `json:"retry" ignored:"true"`
}

// RetryConfig tunes provider retries on transient failures.
type RetryConfig struct {
	MaxRetries    int     `json:"maxRetries" envconfig:"RETRY_MAX"`
	BaseDelaySecs float64 `json:"baseDelaySecs" envconfig:"RETRY_BASE_DELAY"`
	MaxDelaySecs  float64 `json:"maxDelaySecs" envconfig:"RETRY_MAX_DELAY"`
	DisableJitter bool    `json:"disableJitter" envconfig:"RETRY_DISABLE_JITTER"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
	Gemini ProviderConfig `json:"gemini"`
}

// ProviderConfig contains settings for one LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Tools – action execution
// ---------------------------------------------------------------------------

// ToolsConfig controls the tool engine.
type ToolsConfig struct {
	// Allowed lists relative path prefixes; "*" permits the whole workspace.
	Allowed          []string `json:"allowed" envconfig:"ALLOWED"`
	CommandTimeoutMs int      `json:"commandTimeoutMs" envconfig:"COMMAND_TIMEOUT_MS"`
	RespectGitignore bool     `json:"respectGitignore" envconfig:"RESPECT_GITIGNORE"`
	GuardCommands    bool     `json:"guardCommands" envconfig:"GUARD_COMMANDS"`
}

// ---------------------------------------------------------------------------
// Approval – interactive confirmation of mutating actions
// ---------------------------------------------------------------------------

// ApprovalConfig selects which action kinds wait for a decision.
type ApprovalConfig struct {
	CreateFile     bool     `json:"createFile" envconfig:"CREATE_FILE"`
	EditFile       bool     `json:"editFile" envconfig:"EDIT_FILE"`
	RunCommand     bool     `json:"runCommand" envconfig:"RUN_COMMAND"`
	TimeoutSeconds int      `json:"timeoutSeconds" envconfig:"TIMEOUT_SECONDS"`
	DeniedActions  []string `json:"deniedActions" envconfig:"DENIED_ACTIONS"`
}

// ---------------------------------------------------------------------------
// History / Trace / Log
// ---------------------------------------------------------------------------

// HistoryConfig controls sqlite persistence of session logs.
type HistoryConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	DBPath     string `json:"dbPath" envconfig:"DB_PATH"`
	ReloadTail int    `json:"reloadTail" envconfig:"RELOAD_TAIL"`
}

// TraceConfig controls mirroring run traces to Kafka.
type TraceConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
}

// LogConfig sets the slog level: debug, info, warn or error.
type LogConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: ".",
			StateDir:  "~/.goalrun",
		},
		Model: ModelConfig{
			Name:         "openai/gpt-4o-mini",
			MaxTokens:    8192,
			Temperature:  0.2,
			MaxSteps:     12,
			ParseRetries: 3,
			Retry: RetryConfig{
				MaxRetries:    2,
				BaseDelaySecs: 1,
				MaxDelaySecs:  30,
			},
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{APIBase: "https://api.openai.com/v1"},
		},
		Tools: ToolsConfig{
			Allowed:          []string{"*"},
			CommandTimeoutMs: 8000,
			RespectGitignore: true,
			GuardCommands:    true,
		},
		Approval: ApprovalConfig{
			CreateFile:     true,
			EditFile:       true,
			RunCommand:     true,
			TimeoutSeconds: 120,
		},
		History: HistoryConfig{
			Enabled:    true,
			ReloadTail: 200,
		},
		Trace: TraceConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "goalrun.trace",
		},
		Log: LogConfig{Level: "info"},
	}
}
