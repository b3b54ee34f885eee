// Package config handles aide configuration loading.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nugget/aide/internal/dav"
	"github.com/nugget/aide/internal/email"
	"github.com/nugget/aide/internal/forge"
)

// MinChunkTokens is the smallest archive chunk size accepted.
const MinChunkTokens = 1000

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aide/config.yaml, /etc/aide/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aide", "config.yaml"))
	}

	paths = append(paths, "/etc/aide/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all aide configuration.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	Timezone    string `yaml:"timezone"`
	PersonaFile string `yaml:"persona_file"`
	TalentsDir  string `yaml:"talents_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json

	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Memory    MemoryConfig    `yaml:"memory"`
	Budget    BudgetConfig    `yaml:"budget"`

	Search   SearchConfig   `yaml:"search"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Email    email.Config   `yaml:"email"`
	Calendar dav.Config     `yaml:"calendar"`
	Contacts dav.Config     `yaml:"contacts"`
	Shell    ShellConfig    `yaml:"shell"`
	Forge    forge.Config   `yaml:"forge"`
	Telegram TelegramConfig `yaml:"telegram"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	// Default is the conversation model.
	Default string `yaml:"default"`

	// Summary is used for archive summaries and chunk selection.
	// Defaults to Default.
	Summary string `yaml:"summary"`

	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig binds a model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // anthropic or ollama
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	MaxRounds        int    `yaml:"max_rounds"`
	LLMAttempts      int    `yaml:"llm_attempts"`
	MaxParallelTools int    `yaml:"max_parallel_tools"`
	QueueSize        int    `yaml:"queue_size"`
	MaxTokens        int    `yaml:"max_tokens"`
	Effort           string `yaml:"effort"` // low, medium, high or empty
}

// MemoryConfig tunes archival and recovery.
type MemoryConfig struct {
	ChunkTokens         int    `yaml:"chunk_tokens"`
	ArchiveMultiplier   int    `yaml:"archive_multiplier"`
	ConsolidationGroup  int    `yaml:"consolidation_group"`
	RecoveryAttempts    int    `yaml:"recovery_attempts"`
	RecoveryPolicy      string `yaml:"recovery_policy"` // placeholder or discard
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
}

// BudgetConfig sets spending ceilings in USD. Zero disables a ceiling.
type BudgetConfig struct {
	PerTurnUSD    float64                `yaml:"per_turn_usd"`
	DailyUSD      float64                `yaml:"daily_usd"`
	MonthlyUSD    float64                `yaml:"monthly_usd"`
	RetentionDays int                    `yaml:"retention_days"`
	Pricing       map[string]PriceConfig `yaml:"pricing"`
}

// PriceConfig is the USD price per million tokens of one model.
type PriceConfig struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// SearchConfig selects web search providers.
type SearchConfig struct {
	BraveAPIKey string `yaml:"brave_api_key"`
	SearXNGURL  string `yaml:"searxng_url"`
}

// Configured reports whether any provider is set.
func (c SearchConfig) Configured() bool {
	return c.BraveAPIKey != "" || c.SearXNGURL != ""
}

// FetchConfig enables web_fetch.
type FetchConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ShellConfig defines shell execution capabilities.
type ShellConfig struct {
	// Enabled allows shell command execution. Disabled by default.
	Enabled        bool     `yaml:"enabled"`
	WorkingDir     string   `yaml:"working_dir"`
	Allowed        []string `yaml:"allowed"`
	Denied         []string `yaml:"denied"`
	TimeoutSec     int      `yaml:"timeout_sec"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
}

// TelegramConfig defines the Telegram channel.
type TelegramConfig struct {
	Token string `yaml:"token"`

	// ChatID is the only chat served.
	ChatID int64 `yaml:"chat_id"`
}

// Configured reports whether the channel can start.
func (c TelegramConfig) Configured() bool {
	return c.Token != "" && c.ChatID != 0
}

// MQTTConfig defines status telemetry.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	IntervalSec int    `yaml:"interval_sec"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Interval returns the publish interval.
func (c MQTTConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// secrets are overlaid from AIDE_* environment variables so they can
// stay out of the config file.
type secrets struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	BraveAPIKey     string `env:"BRAVE_API_KEY"`
	TelegramToken   string `env:"TELEGRAM_TOKEN"`
	IMAPPassword    string `env:"IMAP_PASSWORD"`
	SMTPPassword    string `env:"SMTP_PASSWORD"`
	DAVPassword     string `env:"DAV_PASSWORD"`
	GitHubToken     string `env:"GITHUB_TOKEN"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) applySecrets() error {
	var s secrets
	if err := env.ParseWithOptions(&s, env.Options{Prefix: "AIDE_"}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	overlay(&c.Anthropic.APIKey, s.AnthropicAPIKey)
	overlay(&c.Search.BraveAPIKey, s.BraveAPIKey)
	overlay(&c.Telegram.Token, s.TelegramToken)
	overlay(&c.Email.IMAP.Password, s.IMAPPassword)
	overlay(&c.Email.SMTP.Password, s.SMTPPassword)
	overlay(&c.Calendar.Password, s.DAVPassword)
	overlay(&c.Contacts.Password, s.DAVPassword)
	overlay(&c.Forge.Token, s.GitHubToken)
	overlay(&c.MQTT.Password, s.MQTTPassword)
	return nil
}

// Load reads configuration from a YAML file, overlays secrets from the
// environment, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.applySecrets(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Models.Default == "" {
		c.Models.Default = "claude-sonnet-4-5"
	}
	if c.Models.Summary == "" {
		c.Models.Summary = c.Models.Default
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}

	if c.Agent.MaxRounds <= 0 {
		c.Agent.MaxRounds = 25
	}
	if c.Agent.LLMAttempts <= 0 {
		c.Agent.LLMAttempts = 3
	}
	if c.Agent.MaxParallelTools <= 0 {
		c.Agent.MaxParallelTools = 4
	}
	if c.Agent.QueueSize <= 0 {
		c.Agent.QueueSize = 16
	}

	if c.Memory.ChunkTokens <= 0 {
		c.Memory.ChunkTokens = 4000
	}
	if c.Memory.ChunkTokens < MinChunkTokens {
		slog.Warn("memory.chunk_tokens below floor, raising",
			"configured", c.Memory.ChunkTokens, "floor", MinChunkTokens)
		c.Memory.ChunkTokens = MinChunkTokens
	}
	if c.Memory.ArchiveMultiplier <= 0 {
		c.Memory.ArchiveMultiplier = 2
	}
	if c.Memory.ConsolidationGroup <= 0 {
		c.Memory.ConsolidationGroup = 4
	}
	if c.Memory.RecoveryAttempts <= 0 {
		c.Memory.RecoveryAttempts = 3
	}
	if c.Memory.RecoveryPolicy == "" {
		c.Memory.RecoveryPolicy = "placeholder"
	}
	if c.Memory.MaintenanceSchedule == "" {
		c.Memory.MaintenanceSchedule = "*/30 * * * *"
	}

	if c.Budget.RetentionDays <= 0 {
		c.Budget.RetentionDays = 62
	}

	if c.Shell.TimeoutSec <= 0 {
		c.Shell.TimeoutSec = 30
	}
	if c.Forge.Configured() {
		c.Forge.ApplyDefaults()
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "aide"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "aide"
	}
	if c.MQTT.IntervalSec <= 0 {
		c.MQTT.IntervalSec = 60
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	for _, m := range c.Models.Available {
		switch m.Provider {
		case "anthropic", "ollama":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	switch strings.ToLower(c.Agent.Effort) {
	case "", "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("agent.effort %q: want low, medium or high", c.Agent.Effort))
	}

	if c.Memory.ArchiveMultiplier < 2 {
		errs = append(errs, fmt.Errorf("memory.archive_multiplier %d: must be at least 2", c.Memory.ArchiveMultiplier))
	}
	if c.Memory.ConsolidationGroup < 2 {
		errs = append(errs, fmt.Errorf("memory.consolidation_group %d: must be at least 2", c.Memory.ConsolidationGroup))
	}
	switch c.Memory.RecoveryPolicy {
	case "placeholder", "discard":
	default:
		errs = append(errs, fmt.Errorf("memory.recovery_policy %q: want placeholder or discard", c.Memory.RecoveryPolicy))
	}
	if !gronx.New().IsValid(c.Memory.MaintenanceSchedule) {
		errs = append(errs, fmt.Errorf("memory.maintenance_schedule %q: invalid cron expression", c.Memory.MaintenanceSchedule))
	}

	for name, v := range map[string]float64{
		"budget.per_turn_usd": c.Budget.PerTurnUSD,
		"budget.daily_usd":    c.Budget.DailyUSD,
		"budget.monthly_usd":  c.Budget.MonthlyUSD,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %v: must not be negative", name, v))
		}
	}
	for model, p := range c.Budget.Pricing {
		if p.Input < 0 || p.Output < 0 {
			errs = append(errs, fmt.Errorf("budget.pricing %q: prices must not be negative", model))
		}
	}

	if c.Forge.Configured() {
		if err := c.Forge.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when a token is set"))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone, or local time.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Features returns the enabled optional tool features.
func (c *Config) Features() map[string]bool {
	return map[string]bool{
		"search":   c.Search.Configured(),
		"web":      c.Fetch.Enabled,
		"email":    c.Email.Configured(),
		"calendar": c.Calendar.Configured(),
		"contacts": c.Contacts.Configured(),
		"shell":    c.Shell.Enabled,
		"deploy":   c.Forge.Configured(),
	}
}
