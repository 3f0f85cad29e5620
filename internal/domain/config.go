package domain

import (
	"log/slog"
	"time"
)

type StorageBackend string

const (
	StorageBadger StorageBackend = "badger"
	StorageFile   StorageBackend = "file"
	StorageMemory StorageBackend = "memory"
)

type Config struct {
	DeviceID string       `json:"device_id"`
	UserID   string       `json:"user_id"`
	DataDir  string       `json:"data_dir"`
	GraphDir string       `json:"graph_dir"`
	Logger   *slog.Logger `json:"-"`

	Storage   StorageConfig   `json:"storage"`
	Cache     CacheConfig     `json:"cache"`
	Executor  ExecutorConfig  `json:"executor"`
	Insertion InsertionConfig `json:"insertion"`
	Failsafe  FailsafeConfig  `json:"failsafe"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Engine    EngineConfig    `json:"engine"`
	Cleanup   CleanupConfig   `json:"cleanup"`
	Report    ReportConfig    `json:"report"`
	Telemetry TelemetryConfig `json:"telemetry"`

	Observability ObservabilityConfig `json:"observability"`
}

type StorageConfig struct {
	Backend StorageBackend `json:"backend"`
	// Dir defaults to DataDir/<backend>.
	Dir        string `json:"dir"`
	SyncWrites bool   `json:"sync_writes"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration `json:"default_ttl"`
	MaxSize       int           `json:"max_size"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type ExecutorConfig struct {
	PoolSize             int           `json:"pool_size"`
	DefaultNodeTimeout   time.Duration `json:"default_node_timeout"`
	MonitorCollaborators bool          `json:"monitor_collaborators"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval"`
	// RequireCollaborators turns unregistered node types into errors instead of mocks.
	RequireCollaborators bool `json:"require_collaborators"`
}

type InsertionConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
	CheckInterval  time.Duration `json:"check_interval"`
	HistoryLimit   int           `json:"history_limit"`
}

type FailsafeConfig struct {
	CheckInterval            time.Duration `json:"check_interval"`
	GraceMargin              time.Duration `json:"grace_margin"`
	DefaultHeartbeatInterval time.Duration `json:"default_heartbeat_interval"`
	EventLogLimit            int           `json:"event_log_limit"`
}

type RecoveryConfig struct {
	LogLimit int `json:"log_limit"`
	// AutoResume answers the recovery prompt when no prompter is wired.
	AutoResume bool `json:"auto_resume"`
}

type EngineConfig struct {
	ProgressTimeout          time.Duration `json:"progress_timeout"`
	WatchdogInterval         time.Duration `json:"watchdog_interval"`
	StateRetention           int           `json:"state_retention"`
	ContinueOnNodeFailure    bool          `json:"continue_on_node_failure"`
	DisableTransitionPersist bool          `json:"disable_transition_persist"`
}

type CleanupConfig struct {
	Delay         time.Duration `json:"delay"`
	Interval      time.Duration `json:"interval"`
	MaxRetries    int           `json:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	MaxRetryDelay time.Duration `json:"max_retry_delay"`
}

type ReportConfig struct {
	Endpoint   string        `json:"endpoint"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	Timeout    time.Duration `json:"timeout"`
	Breaker    BreakerConfig `json:"breaker"`
}

// BreakerConfig guards report submission. While open, reports go straight
// to the local outbox.
type BreakerConfig struct {
	Disabled         bool          `json:"disabled"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	OpenInterval     time.Duration `json:"open_interval"`
	HalfOpenRequests int           `json:"half_open_requests"`
}

type ObservabilityConfig struct {
	Enabled      bool          `json:"enabled"`
	Addr         string        `json:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type TelemetryConfig struct {
	MeterName string `json:"meter_name"`
}
