package domain

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigFromEnv builds a Config from TASKCORE_* variables over the defaults.
func ConfigFromEnv() *Config {
	c := DefaultConfig()

	c.DeviceID = envStr("TASKCORE_DEVICE_ID", c.DeviceID)
	c.UserID = envStr("TASKCORE_USER_ID", c.UserID)
	c.DataDir = envStr("TASKCORE_DATA_DIR", c.DataDir)
	c.GraphDir = envStr("TASKCORE_GRAPH_DIR", c.GraphDir)

	c.Storage.Backend = StorageBackend(strings.ToLower(envStr("TASKCORE_STORAGE_BACKEND", string(c.Storage.Backend))))
	c.Storage.Dir = envStr("TASKCORE_STORAGE_DIR", c.Storage.Dir)
	c.Storage.SyncWrites = envBool("TASKCORE_STORAGE_SYNC_WRITES", c.Storage.SyncWrites)

	c.Cache.DefaultTTL = envDuration("TASKCORE_CACHE_TTL", c.Cache.DefaultTTL)
	c.Cache.MaxSize = envInt("TASKCORE_CACHE_MAX_SIZE", c.Cache.MaxSize)

	c.Executor.PoolSize = envInt("TASKCORE_EXECUTOR_POOL_SIZE", c.Executor.PoolSize)
	c.Executor.DefaultNodeTimeout = envDuration("TASKCORE_NODE_TIMEOUT", c.Executor.DefaultNodeTimeout)
	c.Executor.RequireCollaborators = envBool("TASKCORE_REQUIRE_COLLABORATORS", c.Executor.RequireCollaborators)

	c.Insertion.DefaultTimeout = envDuration("TASKCORE_INSERTION_TIMEOUT", c.Insertion.DefaultTimeout)
	c.Failsafe.CheckInterval = envDuration("TASKCORE_FAILSAFE_CHECK_INTERVAL", c.Failsafe.CheckInterval)
	c.Failsafe.DefaultHeartbeatInterval = envDuration("TASKCORE_HEARTBEAT_INTERVAL", c.Failsafe.DefaultHeartbeatInterval)
	c.Recovery.AutoResume = envBool("TASKCORE_RECOVERY_AUTO_RESUME", c.Recovery.AutoResume)

	c.Engine.ProgressTimeout = envDuration("TASKCORE_PROGRESS_TIMEOUT", c.Engine.ProgressTimeout)
	c.Engine.ContinueOnNodeFailure = envBool("TASKCORE_CONTINUE_ON_NODE_FAILURE", c.Engine.ContinueOnNodeFailure)
	c.Cleanup.Delay = envDuration("TASKCORE_CLEANUP_DELAY", c.Cleanup.Delay)

	c.Report.Endpoint = envStr("TASKCORE_REPORT_ENDPOINT", c.Report.Endpoint)
	c.Report.MaxRetries = envInt("TASKCORE_REPORT_MAX_RETRIES", c.Report.MaxRetries)
	c.Report.RetryDelay = envDuration("TASKCORE_REPORT_RETRY_DELAY", c.Report.RetryDelay)
	c.Report.Breaker.Disabled = envBool("TASKCORE_REPORT_BREAKER_DISABLED", c.Report.Breaker.Disabled)
	c.Report.Breaker.FailureThreshold = envInt("TASKCORE_REPORT_BREAKER_FAILURES", c.Report.Breaker.FailureThreshold)
	c.Report.Breaker.OpenInterval = envDuration("TASKCORE_REPORT_BREAKER_OPEN_INTERVAL", c.Report.Breaker.OpenInterval)

	c.Observability.Enabled = envBool("TASKCORE_STATUS_ENABLED", c.Observability.Enabled)
	c.Observability.Addr = envStr("TASKCORE_STATUS_ADDR", c.Observability.Addr)

	return c
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
