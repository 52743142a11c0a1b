package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"outbound-intake-relay/pkg/constants"
)

type Config struct {
	InstanceID string `yaml:"instance_id"`
	Port       string `yaml:"port"`
	LogLevel   string `yaml:"log_level"`

	// Redis is optional; status events are not published when empty
	RedisURL     string `yaml:"redis_url"`
	EventsStream string `yaml:"events_stream"`

	// Telephony provider
	TelephonyAPIURL    string `yaml:"telephony_api_url"`
	TelephonySRURL     string `yaml:"telephony_sr_url"`
	TelephonyAPIKey    string `yaml:"telephony_api_key"`
	TelephonyAuthToken string `yaml:"telephony_auth_token"`
	TelephonyCallerID  string `yaml:"telephony_caller_id"`
	DialStrategy       string `yaml:"dial_strategy"`
	TestMode           bool   `yaml:"test_mode"`
	DialTimeoutMS      int64  `yaml:"dial_timeout_ms"`
	PublicStreamURL    string `yaml:"public_stream_url"`

	// Voice agent provider
	AgentURL                string `yaml:"agent_url"`
	AgentID                 string `yaml:"agent_id"`
	AgentAPIKey             string `yaml:"agent_api_key"`
	AgentGreeting           string `yaml:"agent_greeting"`
	AgentHandshakeTimeoutMS int64  `yaml:"agent_handshake_timeout_ms"`

	// Call lifecycle
	MaxDialAttempts   int   `yaml:"max_dial_attempts"`
	RetryDelayMS      int64 `yaml:"retry_delay_ms"`
	PurgeDelayMS      int64 `yaml:"purge_delay_ms"`
	CleanupIntervalMS int64 `yaml:"cleanup_interval_ms"`
	MaxSessionAgeMS   int64 `yaml:"max_session_age_ms"`
	StaleLegGraceMS   int64 `yaml:"stale_leg_grace_ms"`
}

// Default returns the configuration used when neither a file nor the environment override a value.
func Default() *Config {
	return &Config{
		InstanceID:   generateInstanceID(),
		Port:         "8080",
		LogLevel:     "info",
		EventsStream: constants.CallEventsStream,

		TelephonyAPIURL: "https://kpi.knowlarity.com",
		TelephonySRURL:  "https://sr.knowlarity.com",
		DialStrategy:    "click_to_call",
		DialTimeoutMS:   constants.SecondsToMilliseconds(constants.DefaultDialTimeoutSeconds),
		PublicStreamURL: "wss://localhost:8080/call-stream",

		AgentURL:                "wss://api.elevenlabs.io/v1/convai/conversation",
		AgentGreeting:           "Hi",
		AgentHandshakeTimeoutMS: constants.SecondsToMilliseconds(constants.DefaultHandshakeTimeoutSeconds),

		MaxDialAttempts:   constants.MaxDialAttempts,
		RetryDelayMS:      constants.SecondsToMilliseconds(constants.DefaultRetryDelaySeconds),
		PurgeDelayMS:      constants.SecondsToMilliseconds(constants.DefaultPurgeDelaySeconds),
		CleanupIntervalMS: constants.SecondsToMilliseconds(constants.DefaultCleanupIntervalSeconds),
		MaxSessionAgeMS:   constants.SecondsToMilliseconds(constants.DefaultMaxSessionAgeSeconds),
		StaleLegGraceMS:   constants.SecondsToMilliseconds(constants.DefaultStaleLegGraceSeconds),
	}
}

// Load builds the configuration from defaults, the optional YAML file, then environment
// variables, in increasing precedence. The file is path when set, else CONFIG_FILE.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		path = os.Getenv(constants.EnvConfigFile)
	}
	if path != "" {
		if err := config.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()
	return config, nil
}

// ApplyFile overlays the values present in a YAML file.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.InstanceID = getEnv("INSTANCE_ID", c.InstanceID)
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.EventsStream = getEnv("EVENTS_STREAM", c.EventsStream)

	c.TelephonyAPIURL = getEnv("TELEPHONY_API_URL", c.TelephonyAPIURL)
	c.TelephonySRURL = getEnv("TELEPHONY_SR_URL", c.TelephonySRURL)
	c.TelephonyAPIKey = getEnv("TELEPHONY_API_KEY", c.TelephonyAPIKey)
	c.TelephonyAuthToken = getEnv("TELEPHONY_AUTHORIZATION", c.TelephonyAuthToken)
	c.TelephonyCallerID = getEnv("TELEPHONY_CALLER_ID", c.TelephonyCallerID)
	c.DialStrategy = getEnv("DIAL_STRATEGY", c.DialStrategy)
	c.TestMode = getEnvBool("TELEPHONY_TEST_MODE", c.TestMode)
	c.DialTimeoutMS = getEnvInt64("DIAL_TIMEOUT_MS", c.DialTimeoutMS)
	c.PublicStreamURL = getEnv("PUBLIC_STREAM_URL", c.PublicStreamURL)

	c.AgentURL = getEnv("AGENT_URL", c.AgentURL)
	c.AgentID = getEnv("AGENT_ID", c.AgentID)
	c.AgentAPIKey = getEnv("AGENT_API_KEY", c.AgentAPIKey)
	c.AgentGreeting = getEnv("AGENT_GREETING", c.AgentGreeting)
	c.AgentHandshakeTimeoutMS = getEnvInt64("AGENT_HANDSHAKE_TIMEOUT_MS", c.AgentHandshakeTimeoutMS)

	c.MaxDialAttempts = getEnvInt("MAX_DIAL_ATTEMPTS", c.MaxDialAttempts)
	c.RetryDelayMS = getEnvInt64("RETRY_DELAY_MS", c.RetryDelayMS)
	c.PurgeDelayMS = getEnvInt64("PURGE_DELAY_MS", c.PurgeDelayMS)
	c.CleanupIntervalMS = getEnvInt64("CLEANUP_INTERVAL_MS", c.CleanupIntervalMS)
	c.MaxSessionAgeMS = getEnvInt64("MAX_SESSION_AGE_MS", c.MaxSessionAgeMS)
	c.StaleLegGraceMS = getEnvInt64("STALE_LEG_GRACE_MS", c.StaleLegGraceMS)
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.AgentHandshakeTimeoutMS) * time.Millisecond
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c *Config) PurgeDelay() time.Duration {
	return time.Duration(c.PurgeDelayMS) * time.Millisecond
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMS) * time.Millisecond
}

func (c *Config) MaxSessionAge() time.Duration {
	return time.Duration(c.MaxSessionAgeMS) * time.Millisecond
}

func (c *Config) StaleLegGrace() time.Duration {
	return time.Duration(c.StaleLegGraceMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func generateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
