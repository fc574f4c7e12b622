package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "BAMBOO"
	configDirName  = ".bamboo"
	configFileName = "bamboo.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (defaults when it does not exist), overlays
// BAMBOO_* environment variables and fills derived paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, configDirName)
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "bamboo.log")
	}
	if cfg.Storage.Path == "" {
		if cfg.Storage.Driver == "sqlite" {
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sessions.db")
		} else {
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sessions")
		}
	}

	// A single key supplied by env becomes a one-profile chain.
	if len(cfg.AI.Profiles) == 0 {
		if key := v.GetString("anthropic_api_key"); key != "" {
			cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "anthropic", Provider: "anthropic", APIKey: key})
		}
		if key := v.GetString("openai_api_key"); key != "" {
			cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{ID: "openai", Provider: "openai", APIKey: key, Priority: 1})
		}
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so the
	// keys worth overriding from the environment are bound explicitly.
	for _, key := range []string{
		"data_dir",
		"workspace_path",
		"agent.model",
		"agent.role",
		"agent.max_iterations",
		"agent.max_context_tokens",
		"agent.tokenizer",
		"storage.driver",
		"storage.path",
		"gateway.host",
		"gateway.port",
		"gateway.shared_secret",
		"logging.level",
		"logging.file",
		"logging.pretty",
		"telemetry.enabled",
		"anthropic_api_key",
		"openai_api_key",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)
	v.Set("agent", cfg.Agent)
	v.Set("ai", cfg.AI)
	v.Set("tools", cfg.Tools)
	v.Set("storage", cfg.Storage)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("janitor", cfg.Janitor)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
