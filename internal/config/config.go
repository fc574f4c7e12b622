package config

import (
	"encoding/json"
	"time"
)

// Config represents the main bamboo configuration
type Config struct {
	// Data directory for sessions, logs and the pid file
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace the built-in file tools are confined to
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
	Tools     ToolsConfig     `json:"tools" mapstructure:"tools"`
	Storage   StorageConfig   `json:"storage" mapstructure:"storage"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
	Janitor   JanitorConfig   `json:"janitor" mapstructure:"janitor"`
}

// AgentConfig holds the defaults applied to every session
type AgentConfig struct {
	Model              string `json:"model" mapstructure:"model" validate:"required"`
	Role               string `json:"role" mapstructure:"role" validate:"oneof=planner actor"`
	SystemPrompt       string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations      int    `json:"max_iterations" mapstructure:"max_iterations" validate:"gte=1,lte=100"`
	TurnTimeoutSeconds int    `json:"turn_timeout_seconds" mapstructure:"turn_timeout_seconds" validate:"gte=1"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds" validate:"gte=1"`
	MaxToolRetries     int    `json:"max_tool_retries" mapstructure:"max_tool_retries" validate:"gte=0,lte=20"`
	MaxOutputTokens    int    `json:"max_output_tokens" mapstructure:"max_output_tokens" validate:"gte=1,lte=200000"`

	// MaxContextTokens is the model's context window; older conversation is
	// left out of model calls to stay under it.
	MaxContextTokens int `json:"max_context_tokens" mapstructure:"max_context_tokens" validate:"gte=1024,lte=2000000,gtfield=MaxOutputTokens"`
	// Tokenizer selects how prompt size is estimated. tiktoken loads a BPE
	// encoding at startup and falls back to heuristic when it cannot.
	Tokenizer string `json:"tokenizer" mapstructure:"tokenizer" validate:"oneof=heuristic tiktoken"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles        []AIProfile `json:"profiles" mapstructure:"profiles" validate:"required,min=1,dive"`
	CooldownSeconds int         `json:"cooldown_seconds" mapstructure:"cooldown_seconds" validate:"gte=0"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id" validate:"required"`
	Provider string `json:"provider" mapstructure:"provider" validate:"required,oneof=anthropic openai"`
	APIKey   string `json:"api_key" mapstructure:"api_key" validate:"required"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolsConfig holds built-in tool settings
type ToolsConfig struct {
	// Deny removes tools from every catalogue. Hot reloadable.
	Deny           []string `json:"deny" mapstructure:"deny"`
	Shell          string   `json:"shell" mapstructure:"shell"`
	MaxOutputBytes int      `json:"max_output_bytes" mapstructure:"max_output_bytes" validate:"gte=0"`
}

// StorageConfig selects the session store
type StorageConfig struct {
	Driver string `json:"driver" mapstructure:"driver" validate:"oneof=jsonl sqlite"`
	// Path is a directory for jsonl and a database file for sqlite.
	Path string `json:"path" mapstructure:"path"`
}

// GatewayConfig holds HTTP control surface configuration
type GatewayConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute" validate:"gte=0"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent" validate:"gte=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size" validate:"gte=0"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age" validate:"gte=0"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// TelemetryConfig controls OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	Exporter    string  `json:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=stdout none"`
	SampleRate  float64 `json:"sample_rate" mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// JanitorConfig schedules housekeeping
type JanitorConfig struct {
	// Schedule is a cron expression such as "@every 1m".
	Schedule           string `json:"schedule" mapstructure:"schedule" validate:"required"`
	ApprovalTTLMinutes int    `json:"approval_ttl_minutes" mapstructure:"approval_ttl_minutes" validate:"gte=0"`
	RunnerTTLMinutes   int    `json:"runner_ttl_minutes" mapstructure:"runner_ttl_minutes" validate:"gte=0"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:              "claude-sonnet-4-5",
			Role:               "actor",
			MaxIterations:      10,
			TurnTimeoutSeconds: 300,
			ToolTimeoutSeconds: 60,
			MaxToolRetries:     3,
			MaxOutputTokens:    4096,
			MaxContextTokens:   128000,
			Tokenizer:          "heuristic",
		},
		AI: AIConfig{
			Profiles:        []AIProfile{},
			CooldownSeconds: 60,
		},
		Tools: ToolsConfig{
			Deny:           []string{},
			Shell:          "sh",
			MaxOutputBytes: 64 * 1024,
		},
		Storage: StorageConfig{
			Driver: "jsonl",
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8420,
			RequestsPerMinute: 120,
			MaxConcurrent:     32,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "bamboo",
			Exporter:    "stdout",
			SampleRate:  1.0,
		},
		Janitor: JanitorConfig{
			Schedule:           "@every 1m",
			ApprovalTTLMinutes: 24 * 60,
			RunnerTTLMinutes:   10,
		},
	}
}

// TurnTimeout returns the loop wall-clock budget
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Agent.TurnTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-call tool budget
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Agent.ToolTimeoutSeconds) * time.Second
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
