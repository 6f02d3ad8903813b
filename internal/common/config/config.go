// Package config provides configuration management for voxorch.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for voxorch.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Events  EventsConfig  `mapstructure:"events"`
	Media   MediaConfig   `mapstructure:"media"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	RequestTimeout int  `mapstructure:"requestTimeout"` // in seconds
}

// StoreConfig holds the shared key-value store (Redis) connection configuration.
type StoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// SessionTTL bounds how long a session record and its config snapshot may
	// live in the store even if the orchestrator crashes.
	SessionTTLSeconds int `mapstructure:"sessionTtlSeconds"`
}

// NATSConfig holds NATS messaging configuration for the internal lifecycle event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// MediaConfig holds media-server (WebRTC room) connection configuration.
type MediaConfig struct {
	ServerURL          string `mapstructure:"serverUrl"`
	APIKey             string `mapstructure:"apiKey"`
	APISecret          string `mapstructure:"apiSecret"`
	WebhookSecret      string `mapstructure:"webhookSecret"`
	TokenTTLSeconds    int    `mapstructure:"tokenTtlSeconds"`
	RequireSignature   bool   `mapstructure:"requireSignature"`
}

// AgentConfig holds voice-agent subprocess launch configuration.
type AgentConfig struct {
	// LaunchPath is the executable invoked for every agent subprocess.
	LaunchPath string `mapstructure:"launchPath"`
	// DefaultVoiceID is the voice identity assigned to prewarmed pool agents.
	DefaultVoiceID      string `mapstructure:"defaultVoiceId"`
	DefaultOpeningLine  string `mapstructure:"defaultOpeningLine"`
	DefaultSystemPrompt string `mapstructure:"defaultSystemPrompt"`

	StartupTimeoutSeconds int `mapstructure:"startupTimeoutSeconds"`
	TerminateGraceSeconds int `mapstructure:"terminateGraceSeconds"`
	SpawnConcurrency      int `mapstructure:"spawnConcurrency"`

	MaxBots  int `mapstructure:"maxBots"`
	MaxQueue int `mapstructure:"maxQueue"` // 0 means derive as 2*MaxBots

	SessionTimeoutSeconds         int `mapstructure:"sessionTimeoutSeconds"`
	LongFormSessionTimeoutSeconds int `mapstructure:"longFormSessionTimeoutSeconds"`

	RateLimitWindowSeconds int `mapstructure:"rateLimitWindowSeconds"`
	RateLimitMax           int `mapstructure:"rateLimitMax"`
}

// PoolConfig holds pre-warm pool configuration.
type PoolConfig struct {
	TargetSize            int `mapstructure:"targetSize"`
	RefillIntervalSeconds int `mapstructure:"refillIntervalSeconds"`
	LivenessIntervalSeconds int `mapstructure:"livenessIntervalSeconds"`
	IdleSweepIntervalSeconds int `mapstructure:"idleSweepIntervalSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the per-request timeout as a time.Duration.
func (s *ServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// SessionTTL returns the store record TTL as a time.Duration.
func (sc *StoreConfig) SessionTTL() time.Duration {
	return time.Duration(sc.SessionTTLSeconds) * time.Second
}

// TokenTTL returns the join-token validity window as a time.Duration.
func (m *MediaConfig) TokenTTL() time.Duration {
	return time.Duration(m.TokenTTLSeconds) * time.Second
}

// StartupTimeout returns the spawn readiness deadline as a time.Duration.
func (a *AgentConfig) StartupTimeout() time.Duration {
	return time.Duration(a.StartupTimeoutSeconds) * time.Second
}

// TerminateGrace returns the polite-to-forceful kill delay as a time.Duration.
func (a *AgentConfig) TerminateGrace() time.Duration {
	return time.Duration(a.TerminateGraceSeconds) * time.Second
}

// SessionTimeout returns the idle-sweep threshold for standard sessions.
func (a *AgentConfig) SessionTimeout() time.Duration {
	return time.Duration(a.SessionTimeoutSeconds) * time.Second
}

// LongFormSessionTimeout returns the idle-sweep threshold for long-form sessions.
func (a *AgentConfig) LongFormSessionTimeout() time.Duration {
	return time.Duration(a.LongFormSessionTimeoutSeconds) * time.Second
}

// RateLimitWindow returns the rate-limit bucket window as a time.Duration.
func (a *AgentConfig) RateLimitWindow() time.Duration {
	return time.Duration(a.RateLimitWindowSeconds) * time.Second
}

// EffectiveMaxQueue returns MaxQueue, deriving 2*MaxBots if unset.
func (a *AgentConfig) EffectiveMaxQueue() int {
	if a.MaxQueue > 0 {
		return a.MaxQueue
	}
	return 2 * a.MaxBots
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("VOXORCH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.requestTimeout", 30)

	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.sessionTtlSeconds", 4*3600)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "voxorch")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("media.serverUrl", "")
	v.SetDefault("media.apiKey", "")
	v.SetDefault("media.apiSecret", "")
	v.SetDefault("media.webhookSecret", "")
	v.SetDefault("media.tokenTtlSeconds", 2*3600)
	v.SetDefault("media.requireSignature", true)

	v.SetDefault("agent.launchPath", "/usr/local/bin/voxagent")
	v.SetDefault("agent.defaultVoiceId", "default")
	v.SetDefault("agent.defaultOpeningLine", "Hello, how can I help you today?")
	v.SetDefault("agent.defaultSystemPrompt", "You are a helpful voice assistant.")
	v.SetDefault("agent.startupTimeoutSeconds", 30)
	v.SetDefault("agent.terminateGraceSeconds", 2)
	v.SetDefault("agent.spawnConcurrency", 4)
	v.SetDefault("agent.maxBots", 50)
	v.SetDefault("agent.maxQueue", 0)
	v.SetDefault("agent.sessionTimeoutSeconds", 30*60)
	v.SetDefault("agent.longFormSessionTimeoutSeconds", 4*3600)
	v.SetDefault("agent.rateLimitWindowSeconds", 60)
	v.SetDefault("agent.rateLimitMax", 10)

	v.SetDefault("pool.targetSize", 3)
	v.SetDefault("pool.refillIntervalSeconds", 30)
	v.SetDefault("pool.livenessIntervalSeconds", 60)
	v.SetDefault("pool.idleSweepIntervalSeconds", 5*60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VOXORCH_ and the upper-cased key with
// dots replaced by underscores (e.g. VOXORCH_AGENT_MAXBOTS); a few keys are
// also bound to explicit names such as VOXORCH_MEDIA_SERVER_URL.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("VOXORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("media.serverUrl", "VOXORCH_MEDIA_SERVER_URL")
	_ = v.BindEnv("media.apiKey", "VOXORCH_MEDIA_API_KEY")
	_ = v.BindEnv("media.apiSecret", "VOXORCH_MEDIA_API_SECRET")
	_ = v.BindEnv("media.webhookSecret", "VOXORCH_MEDIA_WEBHOOK_SECRET")
	_ = v.BindEnv("store.addr", "VOXORCH_STORE_ADDR")
	_ = v.BindEnv("agent.launchPath", "VOXORCH_AGENT_LAUNCH_PATH")
	_ = v.BindEnv("logging.level", "VOXORCH_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/voxorch/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set, the way
// the teacher's config.validate does: fail fast on structurally unsound
// values, fall back to safe development defaults for secrets.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.Addr == "" {
		errs = append(errs, "store.addr is required")
	}

	if cfg.Media.WebhookSecret == "" {
		if cfg.Media.RequireSignature {
			errs = append(errs, "media.webhookSecret is required when media.requireSignature is true")
		}
	}
	if cfg.Media.APISecret == "" {
		cfg.Media.APISecret = "dev-secret-change-in-production"
	}

	if cfg.Agent.MaxBots <= 0 {
		errs = append(errs, "agent.maxBots must be positive")
	}
	if cfg.Agent.SpawnConcurrency <= 0 {
		errs = append(errs, "agent.spawnConcurrency must be positive")
	}
	if cfg.Pool.TargetSize < 0 {
		errs = append(errs, "pool.targetSize must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
