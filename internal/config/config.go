// Package config loads engine configuration from a YAML file with
// environment variable overrides. Connection settings for Redis and
// Postgres stay in the environment (see internal/cache and
// internal/database); this file covers round behavior.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Game struct {
		BettingWindowSeconds int     `yaml:"betting_window_seconds"`
		RoundPauseSeconds    int     `yaml:"round_pause_seconds"`
		MinStake             int64   `yaml:"min_stake"`
		MaxStake             int64   `yaml:"max_stake"`
		MinTarget            int64   `yaml:"min_target"`
		MaxTarget            int64   `yaml:"max_target"`
		GrowthRate           float64 `yaml:"growth_rate"`
		TickMillis           int     `yaml:"tick_millis"`
		AutoCycle            bool    `yaml:"auto_cycle"`
	} `yaml:"game"`
	Fairness struct {
		HouseEdge         float64 `yaml:"house_edge"`
		MaxCrash          int64   `yaml:"max_crash"`
		CommitOffset      uint64  `yaml:"commit_offset"`
		RevealWindow      uint64  `yaml:"reveal_window"`
		RevealRetryMS     int     `yaml:"reveal_retry_ms"`
		RevealTimeoutSecs int     `yaml:"reveal_timeout_seconds"`
	} `yaml:"fairness"`
	Chain struct {
		BlockIntervalSeconds int `yaml:"block_interval_seconds"`
	} `yaml:"chain"`
	Reconcile struct {
		FastPollMS     int `yaml:"fast_poll_ms"`
		SlowPollMS     int `yaml:"slow_poll_ms"`
		MaxBackoffSecs int `yaml:"max_backoff_seconds"`
	} `yaml:"reconcile"`
	Archive struct {
		FlushCron   string `yaml:"flush_cron"`
		RecentLimit int    `yaml:"recent_limit"`
	} `yaml:"archive"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CRASH_HOUSE_EDGE"); v != "" {
		if edge, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Fairness.HouseEdge = edge
		}
	}
	if v := os.Getenv("CRASH_BETTING_WINDOW_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Game.BettingWindowSeconds = secs
		}
	}
	if v := os.Getenv("CRASH_AUTO_CYCLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Game.AutoCycle = b
		}
	}
	if v := os.Getenv("CRASH_ARCHIVE_CRON"); v != "" {
		cfg.Archive.FlushCron = v
	}

	// Defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Game.BettingWindowSeconds == 0 {
		cfg.Game.BettingWindowSeconds = 10
	}
	if cfg.Game.RoundPauseSeconds == 0 {
		cfg.Game.RoundPauseSeconds = 5
	}
	if cfg.Game.MinStake == 0 {
		cfg.Game.MinStake = 100 // 1.00 in minor units
	}
	if cfg.Game.MaxStake == 0 {
		cfg.Game.MaxStake = 1_000_000
	}
	if cfg.Game.MinTarget == 0 {
		cfg.Game.MinTarget = 101 // 1.01x
	}
	if cfg.Game.MaxTarget == 0 {
		cfg.Game.MaxTarget = 10_000_00
	}
	if cfg.Game.GrowthRate == 0 {
		cfg.Game.GrowthRate = 0.1
	}
	if cfg.Game.TickMillis == 0 {
		cfg.Game.TickMillis = 100
	}
	if cfg.Fairness.HouseEdge == 0 {
		cfg.Fairness.HouseEdge = 0.03
	}
	if cfg.Fairness.MaxCrash == 0 {
		cfg.Fairness.MaxCrash = 1_000_000_00
	}
	if cfg.Fairness.CommitOffset == 0 {
		cfg.Fairness.CommitOffset = 1
	}
	if cfg.Fairness.RevealWindow == 0 {
		cfg.Fairness.RevealWindow = 10
	}
	if cfg.Fairness.RevealRetryMS == 0 {
		cfg.Fairness.RevealRetryMS = 500
	}
	if cfg.Fairness.RevealTimeoutSecs == 0 {
		cfg.Fairness.RevealTimeoutSecs = 60
	}
	if cfg.Chain.BlockIntervalSeconds == 0 {
		cfg.Chain.BlockIntervalSeconds = 3
	}
	if cfg.Reconcile.FastPollMS == 0 {
		cfg.Reconcile.FastPollMS = 500
	}
	if cfg.Reconcile.SlowPollMS == 0 {
		cfg.Reconcile.SlowPollMS = 5000
	}
	if cfg.Reconcile.MaxBackoffSecs == 0 {
		cfg.Reconcile.MaxBackoffSecs = 30
	}
	if cfg.Archive.FlushCron == "" {
		cfg.Archive.FlushCron = "@every 1m"
	}
	if cfg.Archive.RecentLimit == 0 {
		cfg.Archive.RecentLimit = 20
	}

	return cfg, nil
}

// Validate checks that all required fields make sense together.
func (c *Config) Validate() error {
	if c.Fairness.HouseEdge <= 0 || c.Fairness.HouseEdge >= 1 {
		return fmt.Errorf("fairness.house_edge must be in (0, 1), got %v", c.Fairness.HouseEdge)
	}
	if c.Game.MinStake <= 0 {
		return fmt.Errorf("game.min_stake must be positive")
	}
	if c.Game.MaxStake < c.Game.MinStake {
		return fmt.Errorf("game.max_stake below game.min_stake")
	}
	if c.Game.MinTarget <= 100 {
		return fmt.Errorf("game.min_target must be above 100 (1.00x)")
	}
	if c.Game.MaxTarget < c.Game.MinTarget {
		return fmt.Errorf("game.max_target below game.min_target")
	}
	if c.Game.GrowthRate <= 0 {
		return fmt.Errorf("game.growth_rate must be positive")
	}
	if c.Fairness.RevealWindow <= c.Fairness.CommitOffset {
		return fmt.Errorf("fairness.reveal_window must exceed commit_offset")
	}
	return nil
}

func (c *Config) BettingWindow() time.Duration {
	return time.Duration(c.Game.BettingWindowSeconds) * time.Second
}

func (c *Config) RoundPause() time.Duration {
	return time.Duration(c.Game.RoundPauseSeconds) * time.Second
}

func (c *Config) Tick() time.Duration {
	return time.Duration(c.Game.TickMillis) * time.Millisecond
}

func (c *Config) RevealRetry() time.Duration {
	return time.Duration(c.Fairness.RevealRetryMS) * time.Millisecond
}

func (c *Config) RevealTimeout() time.Duration {
	return time.Duration(c.Fairness.RevealTimeoutSecs) * time.Second
}

func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.Chain.BlockIntervalSeconds) * time.Second
}

func (c *Config) FastPoll() time.Duration {
	return time.Duration(c.Reconcile.FastPollMS) * time.Millisecond
}

func (c *Config) SlowPoll() time.Duration {
	return time.Duration(c.Reconcile.SlowPollMS) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Reconcile.MaxBackoffSecs) * time.Second
}
