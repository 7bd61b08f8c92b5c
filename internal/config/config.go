// Package config loads daemon configuration from a YAML file layered with
// GOBBY_* environment overrides. Precedence: defaults < file < environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envConfigFile   = "GOBBY_CONFIG_FILE"
	envDatabasePath = "GOBBY_DATABASE_PATH"
	envTestProtect  = "GOBBY_TEST_PROTECT"
)

// Config is the root daemon configuration.
type Config struct {
	DatabasePath string          `mapstructure:"database_path"`
	Daemon       DaemonConfig    `mapstructure:"daemon"`
	WebSocket    WebSocketConfig `mapstructure:"websocket"`
	Logging      LoggingConfig   `mapstructure:"logging"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Agents       AgentConfig     `mapstructure:"agents"`
	Memory       MemoryConfig    `mapstructure:"memory"`
	LLM          LLMConfig       `mapstructure:"llm"`
	Workflows    WorkflowConfig  `mapstructure:"workflows"`
	Pipelines    PipelineConfig  `mapstructure:"pipelines"`
	MCP          MCPConfig       `mapstructure:"mcp"`
	Webhooks     []HookWebhook   `mapstructure:"webhooks"`
	TestProtect  bool            `mapstructure:"test_protect"`
}

// DaemonConfig controls the HTTP control plane.
type DaemonConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// WebSocketConfig controls the WebSocket server. The server is disabled
// entirely when Port is zero.
type WebSocketConfig struct {
	Port           int           `mapstructure:"port"`
	AuthToken      string        `mapstructure:"auth_token"`
	ChatIdleExpiry time.Duration `mapstructure:"chat_idle_expiry"`
}

// Enabled reports whether the WebSocket server should be started.
func (c WebSocketConfig) Enabled() bool {
	return c.Port > 0
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level"`
}

// SchedulerConfig controls the cron dispatcher.
type SchedulerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	AutoDisableThreshold int           `mapstructure:"auto_disable_threshold"`
	RetentionDays        int           `mapstructure:"retention_days"`
}

// AgentConfig controls child agent spawning.
type AgentConfig struct {
	MaxDepth     int           `mapstructure:"max_depth"`
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
	Terminal     string        `mapstructure:"terminal"`
	LogDir       string        `mapstructure:"log_dir"`
}

// MemoryConfig controls the memory subsystem.
type MemoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// LLMConfig configures the narrow LLM port. The daemon treats the provider
// as pluggable; only an OpenAI-compatible HTTP endpoint is described here.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
}

// WorkflowConfig locates workflow definitions.
type WorkflowConfig struct {
	Dir string `mapstructure:"dir"`
}

// PipelineConfig locates pipeline definitions.
type PipelineConfig struct {
	Dir string `mapstructure:"dir"`
}

// MCPConfig points the /mcp/* passthrough at a local MCP gateway. The proxy
// is disabled when BaseURL is empty.
type MCPConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// HookWebhook configures an outbound webhook fired on hook events.
type HookWebhook struct {
	URL        string            `mapstructure:"url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
	Events     []string          `mapstructure:"events"`
	CanBlock   bool              `mapstructure:"can_block"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	RetryCount int               `mapstructure:"retry_count"`
	RetryDelay time.Duration     `mapstructure:"retry_delay"`
}

// Matches reports whether the webhook subscribes to the given event type.
// An empty Events list subscribes to everything.
func (w HookWebhook) Matches(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Home returns the gobby home directory (~/.gobby).
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gobby"
	}
	return filepath.Join(home, ".gobby")
}

// Load reads configuration from the file at path (or $GOBBY_CONFIG_FILE, or
// ~/.gobby/config.yaml when empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigFile))
	}
	if path == "" {
		path = filepath.Join(Home(), "config.yaml")
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has a default.
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		}
	}

	v.SetEnvPrefix("GOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	normalize(cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", filepath.Join(Home(), "gobby.db"))
	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 8321)
	v.SetDefault("websocket.port", 0)
	v.SetDefault("websocket.chat_idle_expiry", 30*time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", 15*time.Second)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.auto_disable_threshold", 5)
	v.SetDefault("scheduler.retention_days", 30)
	v.SetDefault("agents.max_depth", 3)
	v.SetDefault("agents.stale_timeout", time.Hour)
	v.SetDefault("memory.enabled", false)
	v.SetDefault("workflows.dir", filepath.Join(Home(), "workflows"))
	v.SetDefault("pipelines.dir", filepath.Join(Home(), "pipelines"))
}

func applyEnvOverrides(cfg *Config) {
	if dbPath := strings.TrimSpace(os.Getenv(envDatabasePath)); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dir := strings.TrimSpace(os.Getenv("GOBBY_LOGGING_DIR")); dir != "" {
		cfg.Logging.Dir = dir
	}
	if level := strings.TrimSpace(os.Getenv("GOBBY_LOGGING_LEVEL")); level != "" {
		cfg.Logging.Level = level
	}
	if os.Getenv(envTestProtect) == "1" {
		cfg.TestProtect = true
	}
}

// normalize forces safe values: test mode redirects all mutable paths into a
// throwaway directory so tests can never touch a developer's real database.
func normalize(cfg *Config) {
	if cfg.Daemon.Host == "" {
		cfg.Daemon.Host = "127.0.0.1"
	}
	if cfg.Agents.MaxDepth <= 0 {
		cfg.Agents.MaxDepth = 3
	}
	if cfg.Agents.StaleTimeout <= 0 {
		cfg.Agents.StaleTimeout = time.Hour
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = 15 * time.Second
	}
	if cfg.TestProtect {
		tmp := filepath.Join(os.TempDir(), "gobby-test")
		cfg.DatabasePath = filepath.Join(tmp, "gobby.db")
		cfg.Memory.Dir = filepath.Join(tmp, "memory")
		cfg.Webhooks = nil
	}
}
