// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the runtime configuration from the environment.
package config

import (
	"fmt"
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// Bus backends.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Automation backends. Real site drivers register here as they land; the
// simulator ships with the daemon for local runs and soak tests.
const (
	AutomationSim = "sim"
)

// Config is the aggregated daemon configuration. All knobs come from
// AGENTBOT_* environment variables with sensible defaults.
type Config struct {
	LogLevel string

	ListenAddr  string // operator API
	MetricsAddr string // Prometheus; empty disables the metrics listener

	StoreBackend string
	StorePath    string // file path (file/badger/sqlite backends)

	AutomationBackend string
	SimSlotEvery      time.Duration
	SimLoseRaceRatio  float64
	SimSeed           int

	BusBackend        string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	BusCapacity       int
	BusPublishTimeout time.Duration
	BusDropNewest     bool // overflow policy: drop newest instead of blocking the publisher

	PollInterval time.Duration
	PollRate     float64 // global poll pacing across all monitors, polls/second
	PollBurst    int

	InitialBackoff          time.Duration
	MaxBackoff              time.Duration
	BackoffMultiplier       float64
	JitterFactor            float64
	MaxAttempts             int
	UnclassifiedMaxAttempts int
	ResumeCooldown          time.Duration // 0 disables auto-resume of failed sessions
	CodeTimeout             time.Duration

	StopTimeout     time.Duration
	RestartCooldown time.Duration
	MaxRestarts     int
	WatchdogTimeout time.Duration // 0 disables the heartbeat watchdog
	SessionsFile    string
	WatchSessions   bool
	ShutdownTimeout time.Duration
	APIRateLimit    int // requests per minute per client IP
}

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	return Config{
		LogLevel: ParseString("AGENTBOT_LOG_LEVEL", "info"),

		ListenAddr:  ParseString("AGENTBOT_LISTEN", ":8088"),
		MetricsAddr: ParseString("AGENTBOT_METRICS_LISTEN", ":9090"),

		StoreBackend: ParseString("AGENTBOT_STORE", StoreMemory),
		StorePath:    ParseString("AGENTBOT_STORE_PATH", "data/sessions.db"),

		AutomationBackend: ParseString("AGENTBOT_BACKEND", AutomationSim),
		SimSlotEvery:      ParseDuration("AGENTBOT_SIM_SLOT_EVERY", 2*time.Minute),
		SimLoseRaceRatio:  ParseFloat("AGENTBOT_SIM_LOSE_RACE_RATIO", 0.3),
		SimSeed:           ParseInt("AGENTBOT_SIM_SEED", 0),

		BusBackend:        ParseString("AGENTBOT_BUS", BusMemory),
		RedisAddr:         ParseString("AGENTBOT_REDIS_ADDR", "localhost:6379"),
		RedisPassword:     ParseString("AGENTBOT_REDIS_PASSWORD", ""),
		RedisDB:           ParseInt("AGENTBOT_REDIS_DB", 0),
		BusCapacity:       ParseInt("AGENTBOT_BUS_CAPACITY", 64),
		BusPublishTimeout: ParseDuration("AGENTBOT_BUS_PUBLISH_TIMEOUT", 2*time.Second),
		BusDropNewest:     ParseBool("AGENTBOT_BUS_DROP_NEWEST", false),

		PollInterval: ParseDuration("AGENTBOT_POLL_INTERVAL", 30*time.Second),
		PollRate:     ParseFloat("AGENTBOT_POLL_RATE", 2),
		PollBurst:    ParseInt("AGENTBOT_POLL_BURST", 2),

		InitialBackoff:          ParseDuration("AGENTBOT_BACKOFF_INITIAL", 2*time.Second),
		MaxBackoff:              ParseDuration("AGENTBOT_BACKOFF_MAX", 2*time.Minute),
		BackoffMultiplier:       ParseFloat("AGENTBOT_BACKOFF_MULTIPLIER", 2),
		JitterFactor:            ParseFloat("AGENTBOT_BACKOFF_JITTER", 0.3),
		MaxAttempts:             ParseInt("AGENTBOT_MAX_ATTEMPTS", 4),
		UnclassifiedMaxAttempts: ParseInt("AGENTBOT_UNCLASSIFIED_MAX_ATTEMPTS", 2),
		ResumeCooldown:          ParseDuration("AGENTBOT_RESUME_COOLDOWN", 0),
		CodeTimeout:             ParseDuration("AGENTBOT_CODE_TIMEOUT", 90*time.Second),

		StopTimeout:     ParseDuration("AGENTBOT_STOP_TIMEOUT", 15*time.Second),
		RestartCooldown: ParseDuration("AGENTBOT_RESTART_COOLDOWN", 30*time.Second),
		MaxRestarts:     ParseInt("AGENTBOT_MAX_RESTARTS", 3),
		WatchdogTimeout: ParseDuration("AGENTBOT_WATCHDOG_TIMEOUT", 5*time.Minute),
		SessionsFile:    ParseString("AGENTBOT_SESSIONS_FILE", ""),
		WatchSessions:   ParseBool("AGENTBOT_SESSIONS_WATCH", false),
		ShutdownTimeout: ParseDuration("AGENTBOT_SHUTDOWN_TIMEOUT", 30*time.Second),
		APIRateLimit:    ParseInt("AGENTBOT_API_RATE_LIMIT", 120),
	}
}

// Validate rejects configurations the runtime cannot operate with.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreFile, StoreBadger, StoreSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend != StoreMemory && c.StorePath == "" {
		return fmt.Errorf("store backend %q requires AGENTBOT_STORE_PATH", c.StoreBackend)
	}
	switch c.AutomationBackend {
	case AutomationSim:
	default:
		return fmt.Errorf("unknown automation backend %q", c.AutomationBackend)
	}
	switch c.BusBackend {
	case BusMemory, BusRedis:
	default:
		return fmt.Errorf("unknown bus backend %q", c.BusBackend)
	}
	if c.BusBackend == BusRedis && c.RedisAddr == "" {
		return fmt.Errorf("redis bus requires AGENTBOT_REDIS_ADDR")
	}
	if c.BusCapacity <= 0 {
		return fmt.Errorf("bus capacity must be positive, got %d", c.BusCapacity)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", c.BackoffMultiplier)
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		return fmt.Errorf("jitter factor must be in [0,1), got %g", c.JitterFactor)
	}
	if c.WatchSessions && c.SessionsFile == "" {
		return fmt.Errorf("AGENTBOT_SESSIONS_WATCH requires AGENTBOT_SESSIONS_FILE")
	}
	return nil
}
