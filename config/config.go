package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the room synchronization layer.
type Config struct {
	// Connection layer.
	ConnectTimeout      time.Duration // ensureConnected deadline
	HealthCheckInterval time.Duration // cached-state reconciliation sweep
	AutoReconnect       bool          // ensure connectivity before room joins

	// Room state machine.
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration
	StrictLeave  bool // report leave ack failures instead of only logging them
	HistorySize  int  // transition history ring capacity

	// Event deduplication.
	DedupWindow     time.Duration
	DedupMaxEntries int // eager sweep threshold

	// Operation tracking.
	OperationTimeout time.Duration // pending -> failed auto-transition
	OperationMaxAge  time.Duration // eviction regardless of status

	// Facade behavior.
	AckTimeout    time.Duration // emitWithAck default deadline
	JoinDebounce  time.Duration // coalesce rapid room-target changes
	RecoveryDelay time.Duration // stabilization wait before rejoin
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ConnectTimeout:      30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		AutoReconnect:       true,
		JoinTimeout:         5 * time.Second,
		LeaveTimeout:        3 * time.Second,
		StrictLeave:         false,
		HistorySize:         50,
		DedupWindow:         100 * time.Millisecond,
		DedupMaxEntries:     1000,
		OperationTimeout:    30 * time.Second,
		OperationMaxAge:     60 * time.Second,
		AckTimeout:          5 * time.Second,
		JoinDebounce:        100 * time.Millisecond,
		RecoveryDelay:       500 * time.Millisecond,
	}
}

// FromEnv loads configuration from environment variables, falling back to
// defaults for any missing values. Durations are given in milliseconds.
func FromEnv() *Config {
	cfg := Default()

	setDuration(&cfg.ConnectTimeout, "ROOMSYNC_CONNECT_TIMEOUT_MS")
	setDuration(&cfg.HealthCheckInterval, "ROOMSYNC_HEALTH_INTERVAL_MS")
	setDuration(&cfg.JoinTimeout, "ROOMSYNC_JOIN_TIMEOUT_MS")
	setDuration(&cfg.LeaveTimeout, "ROOMSYNC_LEAVE_TIMEOUT_MS")
	setDuration(&cfg.DedupWindow, "ROOMSYNC_DEDUP_WINDOW_MS")
	setDuration(&cfg.OperationTimeout, "ROOMSYNC_OP_TIMEOUT_MS")
	setDuration(&cfg.OperationMaxAge, "ROOMSYNC_OP_MAX_AGE_MS")
	setDuration(&cfg.AckTimeout, "ROOMSYNC_ACK_TIMEOUT_MS")
	setDuration(&cfg.JoinDebounce, "ROOMSYNC_JOIN_DEBOUNCE_MS")
	setDuration(&cfg.RecoveryDelay, "ROOMSYNC_RECOVERY_DELAY_MS")

	if v := os.Getenv("ROOMSYNC_DEDUP_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DedupMaxEntries = n
		}
	}
	if v := os.Getenv("ROOMSYNC_STRICT_LEAVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrictLeave = b
		}
	}
	if v := os.Getenv("ROOMSYNC_AUTO_RECONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoReconnect = b
		}
	}
	return cfg
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
