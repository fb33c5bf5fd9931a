// Package config provides YAML-based configuration loading for relay, with
// credentials overlaid from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration, loaded from relay.yaml.
type Config struct {
	Store             StoreConfig       `yaml:"store"`
	Intercom          IntercomConfig    `yaml:"intercom"`
	GPTTrainer        GPTTrainerConfig  `yaml:"gpt_trainer"`
	Session           SessionConfig     `yaml:"session"`
	Limits            LimitsConfig      `yaml:"limits"`
	Retry             RetryConfig       `yaml:"retry"`
	Breaker           BreakerConfig     `yaml:"breaker"`
	Poller            PollerConfig      `yaml:"poller"`
	Webhook           WebhookConfig     `yaml:"webhook"`
	Takeover          TakeoverConfig    `yaml:"takeover"`
	Alerts            AlertsConfig      `yaml:"alerts"`
	Maintenance       MaintenanceConfig `yaml:"maintenance"`
	Log               LogConfig         `yaml:"log"`
	EmergencyStopFile string            `yaml:"emergency_stop_file"`
}

// StoreConfig selects the durable store shared by conversation records,
// dedup keys, rate counters and leases.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file
	DSN      string `yaml:"dsn"`    // overrides the mysql fields below
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// IntercomConfig holds messaging platform settings.
type IntercomConfig struct {
	BaseURL        string   `yaml:"base_url"`
	AccessToken    string   `yaml:"access_token"`
	AdminID        string   `yaml:"admin_id"`
	ClientSecrets  []string `yaml:"client_secrets"`
	AgentIDs       []string `yaml:"agent_ids"`
	BotNameMarkers []string `yaml:"bot_name_markers"`
}

// GPTTrainerConfig holds AI responder settings.
type GPTTrainerConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	ChatbotUUID string `yaml:"chatbot_uuid"`
}

// SessionConfig controls conversation record lifetime.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LimitsConfig bounds reply frequency.
type LimitsConfig struct {
	PerConversation    int           `yaml:"per_conversation"`
	ConversationWindow time.Duration `yaml:"conversation_window"`
	Global             int           `yaml:"global"`
	GlobalWindow       time.Duration `yaml:"global_window"`
}

// RetryConfig controls retries of outbound calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

// BreakerConfig controls the per-service circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// PollerConfig controls the polling event source.
type PollerConfig struct {
	Enabled           *bool         `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	FirstLookback     time.Duration `yaml:"first_lookback"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// WebhookConfig controls the push event source and admin API.
type WebhookConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token"`

	// BatchWait holds a conversation's deliveries until it has been quiet
	// this long, then answers them as one turn. Negative dispatches each
	// delivery immediately.
	BatchWait time.Duration `yaml:"batch_wait"`
}

// TakeoverConfig lists admin phrases that explicitly end a takeover.
type TakeoverConfig struct {
	ReleasePhrases []string `yaml:"release_phrases"`
}

// AlertsConfig configures optional ops alert sinks.
type AlertsConfig struct {
	Slack   AlertChannelConfig `yaml:"slack"`
	Discord AlertChannelConfig `yaml:"discord"`
}

// AlertChannelConfig is a bot token and the channel to post alerts to.
type AlertChannelConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// MaintenanceConfig schedules pruning of expired dedup keys, counters and leases.
type MaintenanceConfig struct {
	PruneCron string `yaml:"prune_cron"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // auto, text, json
}

// PollerEnabled reports whether the poller should run (default true).
func (c *Config) PollerEnabled() bool { return c.Poller.Enabled == nil || *c.Poller.Enabled }

// WebhookEnabled reports whether the webhook server should run (default true).
func (c *Config) WebhookEnabled() bool { return c.Webhook.Enabled == nil || *c.Webhook.Enabled }

// ConfigurationError reports missing or inconsistent settings. It is fatal
// at startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "config: validation failed: " + strings.Join(e.Problems, "; ")
}

// envOverlay holds the settings that may come from the environment. Non-empty
// values win over the file.
type envOverlay struct {
	AccessToken   string   `env:"INTERCOM_ACCESS_TOKEN"`
	AdminID       string   `env:"INTERCOM_ADMIN_ID"`
	ClientSecret  string   `env:"INTERCOM_CLIENT_SECRET"`
	ClientSecrets []string `env:"INTERCOM_CLIENT_SECRETS" envSeparator:","`
	APIKey        string   `env:"GPT_TRAINER_API_KEY"`
	ChatbotUUID   string   `env:"CHATBOT_UUID"`
	GPTTrainerURL string   `env:"GPT_TRAINER_API_URL"`
	PollingSec    int      `env:"POLLING_INTERVAL"`
	Port          int      `env:"PORT"`
	AdminToken    string   `env:"RELAY_ADMIN_TOKEN"`
	DSN           string   `env:"RELAY_DB_DSN"`
	SlackToken    string   `env:"SLACK_BOT_TOKEN"`
	SlackChannel  string   `env:"SLACK_ALERT_CHANNEL"`
	DiscordToken  string   `env:"DISCORD_BOT_TOKEN"`
	DiscordChan   string   `env:"DISCORD_ALERT_CHANNEL"`
}

// Load reads .env (if present), the YAML config file at path, overlays the
// environment and returns a validated Config. An empty path means the
// environment and defaults only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, overlays the environment and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays non-empty environment values.
func (c *Config) applyEnv() error {
	var o envOverlay
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	setString(&c.Intercom.AccessToken, o.AccessToken)
	setString(&c.Intercom.AdminID, o.AdminID)
	if len(o.ClientSecrets) > 0 {
		c.Intercom.ClientSecrets = o.ClientSecrets
	}
	if o.ClientSecret != "" && !contains(c.Intercom.ClientSecrets, o.ClientSecret) {
		c.Intercom.ClientSecrets = append([]string{o.ClientSecret}, c.Intercom.ClientSecrets...)
	}
	setString(&c.GPTTrainer.APIKey, o.APIKey)
	setString(&c.GPTTrainer.ChatbotUUID, o.ChatbotUUID)
	setString(&c.GPTTrainer.BaseURL, o.GPTTrainerURL)
	if o.PollingSec > 0 {
		c.Poller.Interval = time.Duration(o.PollingSec) * time.Second
	}
	if o.Port > 0 {
		c.Webhook.Port = o.Port
	}
	setString(&c.Webhook.AdminToken, o.AdminToken)
	if o.DSN != "" {
		c.Store.DSN = o.DSN
		if c.Store.Driver == "" {
			c.Store.Driver = "mysql"
		}
	}
	setString(&c.Alerts.Slack.BotToken, o.SlackToken)
	setString(&c.Alerts.Slack.Channel, o.SlackChannel)
	setString(&c.Alerts.Discord.BotToken, o.DiscordToken)
	setString(&c.Alerts.Discord.Channel, o.DiscordChan)
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "relay.db"
	}
	if c.Store.Driver == "mysql" && c.Store.Port == 0 {
		c.Store.Port = 3306
	}
	if c.Intercom.BaseURL == "" {
		c.Intercom.BaseURL = "https://api.intercom.io"
	}
	if len(c.Intercom.BotNameMarkers) == 0 {
		c.Intercom.BotNameMarkers = []string{"bot", "gpt"}
	}
	if c.GPTTrainer.BaseURL == "" {
		c.GPTTrainer.BaseURL = "https://app.gpt-trainer.com/api/v1"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Limits.PerConversation == 0 {
		c.Limits.PerConversation = 15
	}
	if c.Limits.ConversationWindow == 0 {
		c.Limits.ConversationWindow = 24 * time.Hour
	}
	if c.Limits.Global == 0 {
		c.Limits.Global = 10
	}
	if c.Limits.GlobalWindow == 0 {
		c.Limits.GlobalWindow = time.Minute
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.CallTimeout == 0 {
		c.Retry.CallTimeout = 20 * time.Second
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = 60 * time.Second
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 60 * time.Second
	}
	if c.Poller.FirstLookback == 0 {
		c.Poller.FirstLookback = time.Hour
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = 4
	}
	if c.Poller.RequestsPerSecond == 0 {
		c.Poller.RequestsPerSecond = 5
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8080
	}
	if c.Webhook.BatchWait == 0 {
		c.Webhook.BatchWait = 5 * time.Second
	}
	if c.Maintenance.PruneCron == "" {
		c.Maintenance.PruneCron = "*/15 * * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.EmergencyStopFile == "" {
		c.EmergencyStopFile = "EMERGENCY_STOP"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Store.Driver {
	case "sqlite":
	case "mysql":
		if c.Store.DSN == "" && (c.Store.Host == "" || c.Store.Database == "") {
			errs = append(errs, "store: mysql requires dsn or host and database")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	if c.Intercom.AccessToken == "" {
		errs = append(errs, "intercom.access_token is required (INTERCOM_ACCESS_TOKEN)")
	}
	if c.Intercom.AdminID == "" {
		errs = append(errs, "intercom.admin_id is required (INTERCOM_ADMIN_ID)")
	}
	if c.GPTTrainer.APIKey == "" {
		errs = append(errs, "gpt_trainer.api_key is required (GPT_TRAINER_API_KEY)")
	}
	if c.GPTTrainer.ChatbotUUID == "" {
		errs = append(errs, "gpt_trainer.chatbot_uuid is required (CHATBOT_UUID)")
	}
	if c.Session.TTL < 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if c.Limits.PerConversation < 0 || c.Limits.Global < 0 {
		errs = append(errs, "limits must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Retry.CallTimeout < 10*time.Second || c.Retry.CallTimeout > 30*time.Second {
		errs = append(errs, fmt.Sprintf("retry.call_timeout %s must be between 10s and 30s", c.Retry.CallTimeout))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, "retry.max_delay must not be less than retry.initial_delay")
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker.failure_threshold must be at least 1")
	}
	if !c.PollerEnabled() && !c.WebhookEnabled() {
		errs = append(errs, "at least one of poller or webhook must be enabled")
	}
	if c.Webhook.BatchWait > time.Minute {
		errs = append(errs, fmt.Sprintf("webhook.batch_wait %s must not exceed 1m", c.Webhook.BatchWait))
	}
	if c.Poller.Concurrency < 1 {
		errs = append(errs, "poller.concurrency must be at least 1")
	}
	if c.Alerts.Slack.BotToken != "" && c.Alerts.Slack.Channel == "" {
		errs = append(errs, "alerts.slack.channel is required when a slack token is set")
	}
	if c.Alerts.Discord.BotToken != "" && c.Alerts.Discord.Channel == "" {
		errs = append(errs, "alerts.discord.channel is required when a discord token is set")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of auto, text, json", c.Log.Format))
	}
	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
