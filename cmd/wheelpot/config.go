package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML application config. Connection settings
// stay in the environment; this file tunes behavior.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Outbox struct {
		PollIntervalSeconds int   `yaml:"poll_interval_seconds"`
		BatchSize           int32 `yaml:"batch_size"`
		MaxRetries          int   `yaml:"max_retries"`
	} `yaml:"outbox"`

	JetStream struct {
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
		Consumer      string `yaml:"consumer"`
	} `yaml:"jetstream"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Outbox.PollIntervalSeconds = 2
	cfg.Outbox.BatchSize = 100
	cfg.Outbox.MaxRetries = 3
	cfg.JetStream.Stream = "WHEEL_EVENTS"
	cfg.JetStream.SubjectPrefix = "wheel.events"
	cfg.JetStream.Consumer = "wheel-gateway"
	return &cfg
}

// loadConfig reads the YAML config, falling back to defaults when the
// file is absent.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) outboxPollInterval() time.Duration {
	return time.Duration(c.Outbox.PollIntervalSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
