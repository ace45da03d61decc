// Package config holds the engine configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy names a conflict-resolution policy.
type Strategy string

const (
	StrategyRefereePriority Strategy = "referee-priority"
	StrategyTimestamp       Strategy = "timestamp"
	StrategyVersion         Strategy = "version"
)

// Config collects every recognized engine option.
type Config struct {
	// SyncInterval is the state-broadcast/heartbeat period.
	SyncInterval time.Duration
	// ConflictResolutionStrategy picks how concurrent edits are settled.
	ConflictResolutionStrategy Strategy
	// MaxRetries bounds replay attempts for a queued operation.
	MaxRetries int
	// RetryDelay spaces queued-operation retries.
	RetryDelay time.Duration
	// BatchSize caps operations processed per queue flush pass.
	BatchSize int
	// HeartbeatInterval is the liveness probe period; a peer silent for
	// three intervals is considered gone.
	HeartbeatInterval time.Duration
	// ConnectionTimeout bounds a single connection attempt.
	ConnectionTimeout time.Duration
	// MaxReconnectAttempts bounds the automatic reconnection loop.
	MaxReconnectAttempts int
	// BaseReconnectDelay is the first reconnection delay.
	BaseReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay time.Duration
	// ExponentialBackoff doubles the delay per attempt when true.
	ExponentialBackoff bool
	// MaxQueueSize bounds the offline operation queue.
	MaxQueueSize int
	// PersistQueue writes the queue through the durable store.
	PersistQueue bool
	// QueueCleanupInterval is the expiry sweep period.
	QueueCleanupInterval time.Duration
	// OperationTimeout expires queued operations by age.
	OperationTimeout time.Duration
	// PriorityThreshold marks operations eligible for overflow eviction.
	PriorityThreshold int
	// RoomTimeout expires a room with no membership activity.
	RoomTimeout time.Duration
}

// Default returns the engine defaults. The 2s sync interval satisfies the
// cross-device propagation budget.
func Default() Config {
	return Config{
		SyncInterval:               2 * time.Second,
		ConflictResolutionStrategy: StrategyRefereePriority,
		MaxRetries:                 3,
		RetryDelay:                 time.Second,
		BatchSize:                  50,
		HeartbeatInterval:          5 * time.Second,
		ConnectionTimeout:          10 * time.Second,
		MaxReconnectAttempts:       10,
		BaseReconnectDelay:         2 * time.Second,
		MaxReconnectDelay:          30 * time.Second,
		ExponentialBackoff:         true,
		MaxQueueSize:               1000,
		PersistQueue:               true,
		QueueCleanupInterval:       time.Minute,
		OperationTimeout:           5 * time.Minute,
		PriorityThreshold:          50,
		RoomTimeout:                10 * time.Minute,
	}
}

// fileConfig mirrors Config with YAML-friendly duration strings.
type fileConfig struct {
	SyncInterval               string `yaml:"sync_interval"`
	ConflictResolutionStrategy string `yaml:"conflict_resolution_strategy"`
	MaxRetries                 *int   `yaml:"max_retries"`
	RetryDelay                 string `yaml:"retry_delay"`
	BatchSize                  *int   `yaml:"batch_size"`
	HeartbeatInterval          string `yaml:"heartbeat_interval"`
	ConnectionTimeout          string `yaml:"connection_timeout"`
	MaxReconnectAttempts       *int   `yaml:"max_reconnect_attempts"`
	BaseReconnectDelay         string `yaml:"base_reconnect_delay"`
	MaxReconnectDelay          string `yaml:"max_reconnect_delay"`
	ExponentialBackoff         *bool  `yaml:"exponential_backoff"`
	MaxQueueSize               *int   `yaml:"max_queue_size"`
	PersistQueue               *bool  `yaml:"persist_queue"`
	QueueCleanupInterval       string `yaml:"queue_cleanup_interval"`
	OperationTimeout           string `yaml:"operation_timeout"`
	PriorityThreshold          *int   `yaml:"priority_threshold"`
	RoomTimeout                string `yaml:"room_timeout"`
}

// Load reads a YAML config file and applies it over the defaults. Options
// absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyDuration(&cfg.SyncInterval, fc.SyncInterval, "sync_interval"); err != nil {
		return cfg, err
	}
	if fc.ConflictResolutionStrategy != "" {
		s := Strategy(fc.ConflictResolutionStrategy)
		switch s {
		case StrategyRefereePriority, StrategyTimestamp, StrategyVersion:
			cfg.ConflictResolutionStrategy = s
		default:
			return cfg, fmt.Errorf("unknown conflict_resolution_strategy %q", fc.ConflictResolutionStrategy)
		}
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if err := applyDuration(&cfg.RetryDelay, fc.RetryDelay, "retry_delay"); err != nil {
		return cfg, err
	}
	if fc.BatchSize != nil {
		cfg.BatchSize = *fc.BatchSize
	}
	if err := applyDuration(&cfg.HeartbeatInterval, fc.HeartbeatInterval, "heartbeat_interval"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.ConnectionTimeout, fc.ConnectionTimeout, "connection_timeout"); err != nil {
		return cfg, err
	}
	if fc.MaxReconnectAttempts != nil {
		cfg.MaxReconnectAttempts = *fc.MaxReconnectAttempts
	}
	if err := applyDuration(&cfg.BaseReconnectDelay, fc.BaseReconnectDelay, "base_reconnect_delay"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.MaxReconnectDelay, fc.MaxReconnectDelay, "max_reconnect_delay"); err != nil {
		return cfg, err
	}
	if fc.ExponentialBackoff != nil {
		cfg.ExponentialBackoff = *fc.ExponentialBackoff
	}
	if fc.MaxQueueSize != nil {
		cfg.MaxQueueSize = *fc.MaxQueueSize
	}
	if fc.PersistQueue != nil {
		cfg.PersistQueue = *fc.PersistQueue
	}
	if err := applyDuration(&cfg.QueueCleanupInterval, fc.QueueCleanupInterval, "queue_cleanup_interval"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.OperationTimeout, fc.OperationTimeout, "operation_timeout"); err != nil {
		return cfg, err
	}
	if fc.PriorityThreshold != nil {
		cfg.PriorityThreshold = *fc.PriorityThreshold
	}
	if err := applyDuration(&cfg.RoomTimeout, fc.RoomTimeout, "room_timeout"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}
