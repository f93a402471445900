// Package config handles application configuration from environment variables
// and an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rss_relay/internal/scheduler"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string  `yaml:"-"`
	DatabasePath     string  `yaml:"database_path"`
	LogLevel         string  `yaml:"log_level"`
	AllowedUsers     []int64 `yaml:"allowed_users"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Gardener  GardenerConfig  `yaml:"gardener"`
}

// SchedulerConfig tunes polling.
type SchedulerConfig struct {
	Tick                      time.Duration `yaml:"tick"`
	MinInterval               time.Duration `yaml:"min_interval"`
	MaxInterval               time.Duration `yaml:"max_interval"`
	MaxConcurrentFetches      int           `yaml:"max_concurrent_fetches"`
	FailureThreshold          int           `yaml:"failure_threshold"`
	PermanentFailureThreshold int           `yaml:"permanent_failure_threshold"`
	DeadFeedPolicy            string        `yaml:"dead_feed_policy"`
	SeenCap                   int           `yaml:"seen_cap"`
	DeliveryBudget            time.Duration `yaml:"delivery_budget"`
}

// FetcherConfig tunes feed downloads.
type FetcherConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxSize        int64         `yaml:"max_size"`
	DontProxyFeeds bool          `yaml:"dont_proxy_feeds"`
}

// DeliveryConfig tunes message sending.
type DeliveryConfig struct {
	GlobalRate      float64       `yaml:"global_rate"`
	PerChatInterval time.Duration `yaml:"per_chat_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	Workers         int           `yaml:"workers"`
}

// GardenerConfig tunes subscriber pruning. A zero interval disables it.
type GardenerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		DatabasePath: "./data/bot.db",
		LogLevel:     "info",
		Scheduler: SchedulerConfig{
			Tick:                      time.Minute,
			MinInterval:               5 * time.Minute,
			MaxInterval:               12 * time.Hour,
			MaxConcurrentFetches:      16,
			FailureThreshold:          12,
			PermanentFailureThreshold: 3,
			DeadFeedPolicy:            scheduler.PolicyPark,
			SeenCap:                   300,
			DeliveryBudget:            10 * time.Minute,
		},
		Fetcher: FetcherConfig{
			Timeout: 10 * time.Second,
			MaxSize: 2 << 20,
		},
		Delivery: DeliveryConfig{
			GlobalRate:      25,
			PerChatInterval: time.Second,
			MaxAttempts:     3,
			AttemptTimeout:  30 * time.Second,
			Workers:         8,
		},
		Gardener: GardenerConfig{
			Interval: 24 * time.Hour,
		},
	}
}

// Load reads configuration. Values come from defaults, then the YAML file
// named by path (or CONFIG_FILE when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		c.AllowedUsers = nil
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			c.AllowedUsers = append(c.AllowedUsers, uid)
		}
	}

	if os.Getenv("RSSBOT_DONT_PROXY_FEEDS") != "" {
		c.Fetcher.DontProxyFeeds = true
	}

	for key, dst := range map[string]*time.Duration{
		"MIN_INTERVAL": &c.Scheduler.MinInterval,
		"MAX_INTERVAL": &c.Scheduler.MaxInterval,
	} {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		d, err := parseInterval(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
		*dst = d
	}
	return nil
}

// parseInterval accepts a Go duration ("15m") or a bare number of seconds.
func parseInterval(s string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	s := c.Scheduler
	switch {
	case s.MinInterval <= 0:
		return fmt.Errorf("min interval must be positive")
	case s.MaxInterval < s.MinInterval:
		return fmt.Errorf("max interval %s is below min interval %s", s.MaxInterval, s.MinInterval)
	case s.Tick <= 0:
		return fmt.Errorf("scheduler tick must be positive")
	case s.MaxConcurrentFetches <= 0:
		return fmt.Errorf("max concurrent fetches must be positive")
	case s.FailureThreshold <= 0 || s.PermanentFailureThreshold <= 0:
		return fmt.Errorf("failure thresholds must be positive")
	case s.SeenCap <= 0:
		return fmt.Errorf("seen cap must be positive")
	}
	if s.DeadFeedPolicy != scheduler.PolicyPark && s.DeadFeedPolicy != scheduler.PolicyRemove {
		return fmt.Errorf("dead feed policy must be %q or %q, got %q", scheduler.PolicyPark, scheduler.PolicyRemove, s.DeadFeedPolicy)
	}
	if c.Fetcher.Timeout <= 0 || c.Fetcher.MaxSize <= 0 {
		return fmt.Errorf("fetcher timeout and max size must be positive")
	}
	d := c.Delivery
	if d.GlobalRate <= 0 || d.PerChatInterval < 0 || d.MaxAttempts <= 0 || d.AttemptTimeout <= 0 || d.Workers <= 0 {
		return fmt.Errorf("delivery limits must be positive")
	}
	return nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
