package taskcore

import (
	"log/slog"

	"github.com/luna-badge/taskcore/internal/domain"
)

type Config = domain.Config

type StorageConfig = domain.StorageConfig

type CacheConfig = domain.CacheConfig

type ExecutorConfig = domain.ExecutorConfig

type InsertionConfig = domain.InsertionConfig

type FailsafeConfig = domain.FailsafeConfig

type RecoveryConfig = domain.RecoveryConfig

type EngineConfig = domain.EngineConfig

type CleanupConfig = domain.CleanupConfig

type ReportConfig = domain.ReportConfig

type TelemetryConfig = domain.TelemetryConfig

type BreakerConfig = domain.BreakerConfig

type ObservabilityConfig = domain.ObservabilityConfig

type StorageBackend = domain.StorageBackend

const (
	StorageBadger StorageBackend = domain.StorageBadger
	StorageFile   StorageBackend = domain.StorageFile
	StorageMemory StorageBackend = domain.StorageMemory
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// NewConfigFromSimple returns defaults for userID with state under dataDir.
func NewConfigFromSimple(userID, dataDir string, logger *slog.Logger) *Config {
	return domain.NewConfigFromSimple(userID, dataDir, logger)
}

// ConfigFromEnv reads TASKCORE_* variables over the defaults.
func ConfigFromEnv() *Config {
	return domain.ConfigFromEnv()
}

func DefaultStorageConfig() StorageConfig {
	return domain.DefaultStorageConfig()
}

func DefaultEngineConfig() EngineConfig {
	return domain.DefaultEngineConfig()
}

func DefaultFailsafeConfig() FailsafeConfig {
	return domain.DefaultFailsafeConfig()
}

func DefaultCleanupConfig() CleanupConfig {
	return domain.DefaultCleanupConfig()
}

func DefaultReportConfig() ReportConfig {
	return domain.DefaultReportConfig()
}
