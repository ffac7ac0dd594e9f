// Package config loads the steward configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/llm"
	"github.com/aixgo-dev/steward/pkg/memory"
	"github.com/aixgo-dev/steward/pkg/safety"
)

// Config represents the application configuration.
type Config struct {
	// Workspace is the directory tools operate on (default: current directory).
	Workspace string `yaml:"workspace"`
	// TrustWorkspace grants the whole workspace to every session on top of
	// the policy's trusted paths. Off by default.
	TrustWorkspace bool `yaml:"trust_workspace"`
	// PolicyPath points at the safety policy YAML. Empty uses the built-in
	// conservative policy.
	PolicyPath string `yaml:"policy_path"`
	// Role is the actor role used for permission checks. Empty uses the
	// policy's default role.
	Role string `yaml:"role"`

	Log           LogConfig           `yaml:"log"`
	Intent        IntentConfig        `yaml:"intent"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Events        EventsConfig        `yaml:"events"`
	Tools         ToolsConfig         `yaml:"tools"`
	LLM           LLMConfig           `yaml:"llm"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// IntentConfig holds routing thresholds.
type IntentConfig struct {
	AutoAdvance    float64 `yaml:"auto_advance"`
	Confirm        float64 `yaml:"confirm"`
	MaxInputLength int     `yaml:"max_input_length"`
}

// Thresholds converts the config to router thresholds.
func (c IntentConfig) Thresholds() intent.Thresholds {
	return intent.Thresholds{AutoAdvance: c.AutoAdvance, Confirm: c.Confirm}
}

// OrchestratorConfig holds session behavior settings.
type OrchestratorConfig struct {
	MaxParallelTasks int `yaml:"max_parallel_tasks"`
	// ConsentTimeout overrides the policy timeout when set.
	ConsentTimeout time.Duration `yaml:"consent_timeout"`
	// AutoApprove answers every consent prompt with yes (headless mode).
	AutoApprove bool `yaml:"auto_approve"`
	// QueueSize bounds pending inputs per session.
	QueueSize int `yaml:"queue_size"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	HistorySize int `yaml:"history_size"`
	// Redeliveries is how many extra attempts a failing handler gets.
	// Nil uses DefaultRedeliveries; zero delivers once.
	Redeliveries *int `yaml:"redeliveries"`
}

// RedeliveryCount resolves Redeliveries.
func (e EventsConfig) RedeliveryCount() int {
	if e.Redeliveries == nil {
		return DefaultRedeliveries
	}
	return *e.Redeliveries
}

// ToolsConfig configures the executor.
type ToolsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit caps tool calls per second; zero disables the limit.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// LLMConfig lists backends in fallback order.
type LLMConfig struct {
	Backends []llm.BackendConfig `yaml:"backends"`
	Retry    RetryConfig         `yaml:"retry"`
}

// RetryConfig configures llm.WithRetry.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Options converts to llm.RetryOptions.
func (r RetryConfig) Options() llm.RetryOptions {
	return llm.RetryOptions{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	// Dir is the base directory for file backends (default: ~/.steward).
	Dir         string           `yaml:"dir"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Sessions    SessionConfig    `yaml:"sessions"`
	Memory      MemoryConfig     `yaml:"memory"`
}

// RedisConfig is shared by the redis backends.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CheckpointConfig selects the checkpoint record store.
type CheckpointConfig struct {
	// Backend is file, redis or sqlite (default: file).
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
	// Retention prunes old checkpoints on a cron schedule.
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig configures checkpoint pruning.
type RetentionConfig struct {
	Schedule string `yaml:"schedule"`
	Keep     int    `yaml:"keep"`
}

// SessionConfig selects the session store.
type SessionConfig struct {
	// Backend is file, redis or memory (default: file).
	Backend string        `yaml:"backend"`
	Path    string        `yaml:"path"`
	Redis   RedisConfig   `yaml:"redis"`
	TTL     time.Duration `yaml:"ttl"`
}

// MemoryConfig selects the long-term memory backend.
type MemoryConfig struct {
	// Backend is memory, firestore or none (default: memory).
	Backend   string                 `yaml:"backend"`
	MaxItems  int                    `yaml:"max_items"`
	Firestore memory.FirestoreConfig `yaml:"firestore"`
	// Embedder is hash or openai (default: hash).
	Embedder string                      `yaml:"embedder"`
	OpenAI   memory.OpenAIEmbedderConfig `yaml:"openai"`
}

// ObservabilityConfig configures metrics exposure.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics and /health when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

const (
	DefaultMaxParallelTasks = 4
	DefaultQueueSize        = 64
	DefaultRetentionKeep    = 50
	DefaultHistorySize      = 1000
	DefaultRedeliveries     = 2
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file. The file goes through
// the safe YAML parser, so oversized or deeply nested documents are
// rejected before decoding.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is user configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	limits := safety.DefaultYAMLLimits()
	if int64(len(data)) > limits.MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", len(data), limits.MaxFileSize)
	}
	return Parse(data)
}

// Parse decodes configuration bytes and applies defaults and environment
// fallbacks.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := safety.NewSafeYAMLParser(safety.DefaultYAMLLimits()).Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	defaults := intent.DefaultThresholds()
	if c.Intent.AutoAdvance == 0 {
		c.Intent.AutoAdvance = defaults.AutoAdvance
	}
	if c.Intent.Confirm == 0 {
		c.Intent.Confirm = defaults.Confirm
	}
	if c.Intent.MaxInputLength == 0 {
		c.Intent.MaxInputLength = intent.DefaultMaxInputLength
	}
	if c.Orchestrator.MaxParallelTasks == 0 {
		c.Orchestrator.MaxParallelTasks = DefaultMaxParallelTasks
	}
	if c.Events.HistorySize == 0 {
		c.Events.HistorySize = DefaultHistorySize
	}
	if c.Events.Redeliveries == nil {
		n := DefaultRedeliveries
		c.Events.Redeliveries = &n
	}
	if c.Orchestrator.QueueSize == 0 {
		c.Orchestrator.QueueSize = DefaultQueueSize
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = defaultDir()
	}
	c.Storage.Dir = expandHome(c.Storage.Dir)
	if c.Storage.Checkpoints.Backend == "" {
		c.Storage.Checkpoints.Backend = "file"
	}
	if c.Storage.Checkpoints.Retention.Keep == 0 {
		c.Storage.Checkpoints.Retention.Keep = DefaultRetentionKeep
	}
	if c.Storage.Sessions.Backend == "" {
		c.Storage.Sessions.Backend = "file"
	}
	if c.Storage.Memory.Backend == "" {
		c.Storage.Memory.Backend = "memory"
	}
	if c.Storage.Memory.Embedder == "" {
		c.Storage.Memory.Embedder = "hash"
	}
	c.PolicyPath = expandHome(c.PolicyPath)

	// Load API keys from environment if not in config
	for i := range c.LLM.Backends {
		b := &c.LLM.Backends[i]
		if b.APIKey != "" {
			continue
		}
		switch b.Provider {
		case "openai":
			b.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			b.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		}
	}
	if c.Storage.Memory.OpenAI.APIKey == "" {
		c.Storage.Memory.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Storage.Memory.Firestore.ProjectID == "" {
		c.Storage.Memory.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if c.Storage.Memory.Firestore.CredentialsFile == "" {
		c.Storage.Memory.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

// Trusted reports whether the workspace is granted to sessions.
func (c *Config) Trusted() bool { return c.TrustWorkspace }

// Grants are the workspace paths every session may touch besides the
// policy's trusted paths.
func (c *Config) Grants() []string {
	if !c.TrustWorkspace {
		return nil
	}
	return []string{"."}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Intent.Thresholds().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("intent: %w", err))
	}
	if c.Orchestrator.MaxParallelTasks < 1 {
		errs = append(errs, errors.New("orchestrator.max_parallel_tasks must be at least 1"))
	}
	if c.Events.HistorySize < 1 {
		errs = append(errs, errors.New("events.history_size must be at least 1"))
	}
	if c.Events.Redeliveries != nil && *c.Events.Redeliveries < 0 {
		errs = append(errs, errors.New("events.redeliveries must not be negative"))
	}
	if c.Orchestrator.ConsentTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.consent_timeout must not be negative"))
	}
	if !slices.Contains([]string{"file", "redis", "sqlite", "memory"}, c.Storage.Checkpoints.Backend) {
		errs = append(errs, fmt.Errorf("storage.checkpoints.backend %q is not supported", c.Storage.Checkpoints.Backend))
	}
	if c.Storage.Checkpoints.Backend == "redis" && c.Storage.Checkpoints.Redis.Addr == "" {
		errs = append(errs, errors.New("storage.checkpoints.redis.addr is required"))
	}
	if !slices.Contains([]string{"file", "redis", "memory"}, c.Storage.Sessions.Backend) {
		errs = append(errs, fmt.Errorf("storage.sessions.backend %q is not supported", c.Storage.Sessions.Backend))
	}
	if c.Storage.Sessions.Backend == "redis" && c.Storage.Sessions.Redis.Addr == "" {
		errs = append(errs, errors.New("storage.sessions.redis.addr is required"))
	}
	if !slices.Contains([]string{"memory", "firestore", "none"}, c.Storage.Memory.Backend) {
		errs = append(errs, fmt.Errorf("storage.memory.backend %q is not supported", c.Storage.Memory.Backend))
	}
	if c.Storage.Memory.Backend == "firestore" && c.Storage.Memory.Firestore.ProjectID == "" {
		errs = append(errs, errors.New("storage.memory.firestore.project_id is required"))
	}
	if !slices.Contains([]string{"hash", "openai"}, c.Storage.Memory.Embedder) {
		errs = append(errs, fmt.Errorf("storage.memory.embedder %q is not supported", c.Storage.Memory.Embedder))
	}
	for i, b := range c.LLM.Backends {
		if !slices.Contains([]string{"openai", "gemini", "bedrock", "mock"}, b.Provider) {
			errs = append(errs, fmt.Errorf("llm.backends[%d]: provider %q is not supported", i, b.Provider))
		}
	}
	if _, ok := safety.DefaultRoles()[c.Role]; c.Role != "" && !ok && c.PolicyPath == "" {
		errs = append(errs, fmt.Errorf("role %q is not defined by the default policy", c.Role))
	}
	return errors.Join(errs...)
}

// SaveConfig saves configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path joins elem under the storage directory unless p is set.
func (c *Config) Path(p string, elem ...string) string {
	if p != "" {
		return expandHome(p)
	}
	return filepath.Join(append([]string{c.Storage.Dir}, elem...)...)
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
