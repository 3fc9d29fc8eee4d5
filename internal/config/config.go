package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/railwatch/railwatch/internal/models"
)

// Config captures every setting required to boot railwatch. It is constructed
// once at startup and treated as immutable afterwards.
type Config struct {
	Environment string            `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Railway     RailwayConfig     `yaml:"railway"`
	Slack       SlackConfig       `yaml:"slack"`
	LLM         LLMConfig         `yaml:"llm"`
	Performance PerformanceConfig `yaml:"performance"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// DatabaseConfig controls the sqlite data directory.
type DatabaseConfig struct {
	Dir          string        `yaml:"dir"`
	QueryTimeout time.Duration `yaml:"queryTimeout"`
	ProbeTimeout time.Duration `yaml:"probeTimeout"`
}

// RailwayConfig configures the platform API and monitoring scope.
type RailwayConfig struct {
	APIToken     string   `yaml:"apiToken"`
	APIURL       string   `yaml:"apiURL"`
	WSURL        string   `yaml:"wsURL"`
	Projects     []string `yaml:"projects"`
	Environments []string `yaml:"environments"`
	Services     []string `yaml:"services"`
}

// SlackConfig configures alerting and the interactive webhook.
type SlackConfig struct {
	BotToken      string `yaml:"botToken"`
	SigningSecret string `yaml:"signingSecret"`
	ChannelID     string `yaml:"channelID"`
}

// LLMConfig selects and credentials the classification providers.
type LLMConfig struct {
	DefaultProvider models.LLMProvider `yaml:"defaultProvider"`
	OpenAIKey       string             `yaml:"openAIKey"`
	OpenAIModel     string             `yaml:"openAIModel"`
	AnthropicKey    string             `yaml:"anthropicKey"`
	AnthropicModel  string             `yaml:"anthropicModel"`
	Timeout         time.Duration      `yaml:"timeout"`
}

// PerformanceConfig groups the tuning knobs for streaming and batching.
type PerformanceConfig struct {
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	MaxRetryAttempts  int           `yaml:"maxRetryAttempts"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	RateLimitPerSec   int           `yaml:"rateLimitPerSec"`
	RateLimitPerHour  int           `yaml:"rateLimitPerHour"`
	PollingInterval   time.Duration `yaml:"pollingInterval"`
	BatchMin          int           `yaml:"batchMin"`
	BatchMax          int           `yaml:"batchMax"`
	BatchWindowMin    time.Duration `yaml:"batchWindowMin"`
	BatchWindowMax    time.Duration `yaml:"batchWindowMax"`
	BufferRetention   time.Duration `yaml:"bufferRetention"`
	MemoryLimitMB     int           `yaml:"memoryLimitMB"`
	LogLevelFilter    string        `yaml:"logLevelFilter"`
}

// RetentionConfig controls the daily sweep.
type RetentionConfig struct {
	Days int `yaml:"days"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Production reports whether the process runs with production guarantees.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production") || strings.EqualFold(c.Environment, "prod")
}

// PlatformEnabled reports whether the Railway API is usable.
func (c *Config) PlatformEnabled() bool {
	return c.Railway.APIToken != ""
}

// SlackEnabled reports whether alerts can be posted.
func (c *Config) SlackEnabled() bool {
	return c.Slack.BotToken != "" && c.Slack.ChannelID != ""
}

// LLMEnabled reports whether at least one classification provider is credentialed.
func (c *Config) LLMEnabled() bool {
	return c.LLM.OpenAIKey != "" || c.LLM.AnthropicKey != ""
}

// Load initialises Config from an optional YAML file plus environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RAILWATCH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the production contract: missing required settings abort
// startup in production and merely disable the affected feature in development.
func (c *Config) Validate() error {
	if !c.Production() {
		return nil
	}
	var missing []string
	if c.Railway.APIToken == "" {
		missing = append(missing, "RAILWAY_API_TOKEN")
	}
	if len(c.Railway.Projects) == 0 {
		missing = append(missing, "MONITORED_PROJECTS")
	}
	if c.Slack.BotToken == "" {
		missing = append(missing, "SLACK_BOT_TOKEN")
	}
	if c.Slack.SigningSecret == "" {
		missing = append(missing, "SLACK_SIGNING_SECRET")
	}
	if c.Slack.ChannelID == "" {
		missing = append(missing, "SLACK_CHANNEL_ID")
	}
	if !c.LLMEnabled() {
		missing = append(missing, "OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("production config incomplete, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Environment: "development",
		Server: ServerConfig{
			Address:         ":8080",
			GracefulTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Dir:          "data",
			QueryTimeout: 5 * time.Second,
			ProbeTimeout: time.Second,
		},
		Railway: RailwayConfig{
			APIURL:       "https://backboard.railway.app/graphql/v2",
			WSURL:        "wss://backboard.railway.app/graphql/v2",
			Environments: []string{"production"},
		},
		LLM: LLMConfig{
			DefaultProvider: models.ProviderAuto,
			OpenAIModel:     "gpt-4o-mini",
			AnthropicModel:  "claude-sonnet-4-5",
			Timeout:         30 * time.Second,
		},
		Performance: PerformanceConfig{
			ConnectionTimeout: 30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  45 * time.Second,
			MaxRetryAttempts:  10,
			MaxBackoff:        60 * time.Second,
			RateLimitPerSec:   50,
			RateLimitPerHour:  10000,
			PollingInterval:   30 * time.Second,
			BatchMin:          10,
			BatchMax:          1000,
			BatchWindowMin:    5 * time.Second,
			BatchWindowMax:    300 * time.Second,
			BufferRetention:   24 * time.Hour,
			MemoryLimitMB:     512,
			LogLevelFilter:    "error",
		},
		Retention: RetentionConfig{Days: 90},
		Logging:   LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("RAILWATCH_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("RAILWATCH_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RAILWATCH_DATA_DIR"); v != "" {
		cfg.Database.Dir = v
	}

	if v := os.Getenv("RAILWAY_API_TOKEN"); v != "" {
		cfg.Railway.APIToken = v
	}
	if v := os.Getenv("RAILWAY_API_URL"); v != "" {
		cfg.Railway.APIURL = v
	}
	if v := os.Getenv("RAILWAY_WS_URL"); v != "" {
		cfg.Railway.WSURL = v
	}
	if v := os.Getenv("MONITORED_PROJECTS"); v != "" {
		cfg.Railway.Projects = splitCSV(v)
	}
	if v := os.Getenv("MONITORED_ENVIRONMENTS"); v != "" {
		cfg.Railway.Environments = splitCSV(v)
	}
	if v := os.Getenv("MONITORED_SERVICES"); v != "" {
		cfg.Railway.Services = splitCSV(v)
	}

	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		cfg.Slack.SigningSecret = v
	}
	if v := os.Getenv("SLACK_CHANNEL_ID"); v != "" {
		cfg.Slack.ChannelID = v
	}

	if v := os.Getenv("LLM_DEFAULT_PROVIDER"); v != "" {
		provider, err := models.ParseLLMProvider(v)
		if err != nil {
			return fmt.Errorf("LLM_DEFAULT_PROVIDER: %w", err)
		}
		cfg.LLM.DefaultProvider = provider
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.OpenAIModel = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicKey = v
	}
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		cfg.LLM.AnthropicModel = v
	}

	overrideDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else if secs, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(secs) * time.Second
			}
		}
	}
	overrideInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	overrideDuration("CONNECTION_TIMEOUT", &cfg.Performance.ConnectionTimeout)
	overrideDuration("HEARTBEAT_INTERVAL", &cfg.Performance.HeartbeatInterval)
	overrideDuration("HEARTBEAT_TIMEOUT", &cfg.Performance.HeartbeatTimeout)
	overrideInt("MAX_RETRY_ATTEMPTS", &cfg.Performance.MaxRetryAttempts)
	overrideDuration("MAX_BACKOFF", &cfg.Performance.MaxBackoff)
	overrideInt("RATE_LIMIT_SEC", &cfg.Performance.RateLimitPerSec)
	overrideInt("RATE_LIMIT_HR", &cfg.Performance.RateLimitPerHour)
	overrideDuration("POLLING_INTERVAL", &cfg.Performance.PollingInterval)
	overrideInt("BATCH_MIN", &cfg.Performance.BatchMin)
	overrideInt("BATCH_MAX", &cfg.Performance.BatchMax)
	overrideDuration("BATCH_WINDOW_MIN", &cfg.Performance.BatchWindowMin)
	overrideDuration("BATCH_WINDOW_MAX", &cfg.Performance.BatchWindowMax)
	overrideDuration("BUFFER_RETENTION", &cfg.Performance.BufferRetention)
	overrideInt("MEMORY_LIMIT_MB", &cfg.Performance.MemoryLimitMB)
	if v := os.Getenv("LOG_LEVEL_FILTER"); v != "" {
		cfg.Performance.LogLevelFilter = v
	}

	overrideInt("RETENTION_DAYS", &cfg.Retention.Days)

	if v := os.Getenv("RAILWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RAILWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
