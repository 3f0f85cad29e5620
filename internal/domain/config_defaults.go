package domain

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

func DefaultConfig() *Config {
	return &Config{
		UserID:    "default_user",
		DataDir:   "./data",
		Storage:   DefaultStorageConfig(),
		Cache:     DefaultCacheConfig(),
		Executor:  DefaultExecutorConfig(),
		Insertion: DefaultInsertionConfig(),
		Failsafe:  DefaultFailsafeConfig(),
		Recovery:  DefaultRecoveryConfig(),
		Engine:    DefaultEngineConfig(),
		Cleanup:   DefaultCleanupConfig(),
		Report:    DefaultReportConfig(),
		Telemetry: DefaultTelemetryConfig(),

		Observability: DefaultObservabilityConfig(),
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend: StorageBadger,
	}
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DefaultTTL:    600 * time.Second,
		MaxSize:       1000,
		SweepInterval: 30 * time.Second,
	}
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PoolSize:          4,
		HeartbeatInterval: 10 * time.Second,
	}
}

func DefaultInsertionConfig() InsertionConfig {
	return InsertionConfig{
		DefaultTimeout: 300 * time.Second,
		CheckInterval:  time.Second,
		HistoryLimit:   50,
	}
}

func DefaultFailsafeConfig() FailsafeConfig {
	return FailsafeConfig{
		CheckInterval:            5 * time.Second,
		GraceMargin:              2 * time.Second,
		DefaultHeartbeatInterval: 10 * time.Second,
		EventLogLimit:            100,
	}
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		LogLimit: 100,
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ProgressTimeout:  60 * time.Minute,
		WatchdogInterval: 10 * time.Second,
		StateRetention:   5,
	}
}

func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Delay:         2 * time.Minute,
		Interval:      10 * time.Second,
		MaxRetries:    3,
		RetryDelay:    5 * time.Second,
		BackoffFactor: 2.0,
		MaxRetryDelay: 5 * time.Minute,
	}
}

func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
		Timeout:    10 * time.Second,
		Breaker:    DefaultBreakerConfig(),
	}
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenInterval:     time.Minute,
		HalfOpenRequests: 1,
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Addr:         "127.0.0.1:9480",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		MeterName: "github.com/luna-badge/taskcore",
	}
}

func NewConfigFromSimple(userID, dataDir string, logger *slog.Logger) *Config {
	config := DefaultConfig()
	config.UserID = userID
	config.DataDir = dataDir
	config.Logger = logger

	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := initializeDeviceID(config); err != nil {
		config.Logger.Warn("failed to initialize device ID", "error", err)
		config.DeviceID = uuid.New().String()
	}

	return config
}

// WithDefaults fills every zero-valued field from DefaultConfig.
func (c *Config) WithDefaults() (*Config, error) {
	merged := *c
	if err := mergo.Merge(&merged, DefaultConfig()); err != nil {
		return nil, NewConfigError("defaults", err)
	}
	if merged.Logger == nil {
		merged.Logger = slog.Default()
	}
	if merged.Storage.Dir == "" && merged.Storage.Backend != StorageMemory {
		merged.Storage.Dir = filepath.Join(merged.DataDir, string(merged.Storage.Backend))
	}
	return &merged, nil
}

func (c *Config) WithStorage(backend StorageBackend, dir string) *Config {
	c.Storage.Backend = backend
	c.Storage.Dir = dir
	return c
}

func (c *Config) WithReportEndpoint(endpoint string) *Config {
	c.Report.Endpoint = endpoint
	return c
}

func (c *Config) WithCache(ttl time.Duration, maxSize int) *Config {
	c.Cache.DefaultTTL = ttl
	c.Cache.MaxSize = maxSize
	return c
}

func (c *Config) WithTimeouts(insertion, progress time.Duration) *Config {
	c.Insertion.DefaultTimeout = insertion
	c.Engine.ProgressTimeout = progress
	return c
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBadger, StorageFile:
		if c.Storage.Dir == "" && c.DataDir == "" {
			return NewConfigError("data_dir", ErrInvalidInput)
		}
	case StorageMemory:
	default:
		return NewConfigError("storage.backend", fmt.Errorf("%w: %q", ErrInvalidInput, c.Storage.Backend))
	}

	if c.Cache.MaxSize <= 0 {
		return NewConfigError("cache.max_size", ErrInvalidInput)
	}
	if c.Cache.DefaultTTL <= 0 {
		return NewConfigError("cache.default_ttl", ErrInvalidInput)
	}
	if c.Executor.PoolSize <= 0 {
		return NewConfigError("executor.pool_size", ErrInvalidInput)
	}
	if c.Insertion.DefaultTimeout <= 0 {
		return NewConfigError("insertion.default_timeout", ErrInvalidInput)
	}
	if c.Failsafe.CheckInterval <= 0 {
		return NewConfigError("failsafe.check_interval", ErrInvalidInput)
	}
	if c.Engine.ProgressTimeout <= 0 {
		return NewConfigError("engine.progress_timeout", ErrInvalidInput)
	}
	if c.Recovery.LogLimit <= 0 {
		return NewConfigError("recovery.log_limit", ErrInvalidInput)
	}
	if c.Report.Endpoint != "" && !strings.HasPrefix(c.Report.Endpoint, "http") {
		return NewConfigError("report.endpoint", fmt.Errorf("%w: expected http(s) URL", ErrInvalidInput))
	}
	if c.Observability.Enabled && c.Observability.Addr == "" {
		return NewConfigError("observability.addr", ErrInvalidInput)
	}
	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}

type devicePersistence struct {
	DeviceID  string `json:"device_id"`
	CreatedAt string `json:"created_at"`
	UserID    string `json:"user_id"`
}

func initializeDeviceID(config *Config) error {
	if config.DeviceID != "" {
		return nil
	}
	if config.DataDir == "" {
		config.DeviceID = uuid.New().String()
		return nil
	}

	persistenceFile := filepath.Join(config.DataDir, "device.json")
	if existing, err := loadDeviceID(persistenceFile); err == nil && existing != "" {
		config.DeviceID = existing
		return nil
	}

	config.DeviceID = uuid.New().String()
	return saveDeviceID(persistenceFile, config.DeviceID, config.UserID)
}

func loadDeviceID(persistenceFile string) (string, error) {
	data, err := os.ReadFile(persistenceFile)
	if err != nil {
		return "", err
	}
	var p devicePersistence
	if err := json.Unmarshal(data, &p); err != nil {
		return "", err
	}
	return p.DeviceID, nil
}

func saveDeviceID(persistenceFile, deviceID, userID string) error {
	if err := os.MkdirAll(filepath.Dir(persistenceFile), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(devicePersistence{
		DeviceID:  deviceID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		UserID:    userID,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(persistenceFile, data, 0o644)
}
