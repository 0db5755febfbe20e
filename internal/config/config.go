// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"

	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration.
type Config struct {
	// Version indicates the config format version (1 = initial release).
	Version int `yaml:"version,omitempty"`

	Log          LogConfig          `yaml:"log"`
	Engine       EngineConfig       `yaml:"engine"`
	Queue        QueueConfig        `yaml:"queue"`
	Transaction  TransactionConfig  `yaml:"transaction"`
	Aggregator   AggregatorConfig   `yaml:"aggregator"`
	Store        StoreConfig        `yaml:"store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// LogConfig mirrors internal/log.Config in YAML-serializable form.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	// MaxConcurrentTasks bounds how many tasks the engine dispatches at once.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// TaskTimeoutMS is the default per-task execution timeout, overridden by
	// a Step's own timeout_ms when set.
	TaskTimeoutMS int64 `yaml:"task_timeout_ms"`

	// RetryAttempts is loaded with the rest of the engine config, but no
	// component reads it: a task's retry ceiling is its step's
	// retry.max_attempts, or 3 when that is unset.
	RetryAttempts int `yaml:"retry_attempts"`

	// RealTimeUpdates enables publishing step/task progress events to the
	// event bus as they happen, rather than only at workflow completion.
	RealTimeUpdates bool `yaml:"real_time_updates"`

	// WorkflowsDir is the directory of WorkflowDefinition YAML files the
	// orchestrator loads at startup and hot-reloads via fsnotify.
	WorkflowsDir string `yaml:"workflows_dir"`
}

// QueueConfig configures the task queue.
type QueueConfig struct {
	// Backend selects the queue implementation: "memory" or "redis".
	Backend string `yaml:"backend"`

	// VisibilityTimeoutMS is the lease duration before a task is considered
	// stale and eligible for recover_stale().
	VisibilityTimeoutMS int64 `yaml:"visibility_timeout_ms"`

	// MaxRetries is the ceiling on fail() retries before a task moves to the
	// dead-letter tail.
	MaxRetries int `yaml:"max_retries"`

	// RedisAddr is the Redis address, only used when Backend == "redis".
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// RedisNamespace prefixes every key/collection this queue owns so
	// multiple orchestrator deployments can share one Redis instance.
	RedisNamespace string `yaml:"redis_namespace,omitempty"`
}

// TransactionConfig configures the transaction manager.
type TransactionConfig struct {
	// DefaultTimeoutMS bounds each transaction operation's execute/undo call
	// via context.WithTimeout, independent of any Step timeout_ms. Zero
	// means unbounded.
	DefaultTimeoutMS int64 `yaml:"default_timeout_ms"`

	// Strict is carried through to txn.Options.Strict; the transaction
	// manager does not interpret it, leaving any workstream-overlap policy
	// to callers.
	Strict bool `yaml:"strict"`
}

// AggregatorConfig configures the progress aggregator and blocker detector.
type AggregatorConfig struct {
	// MetricCalculationIntervalMS is how often the periodic metric/blocker
	// pass runs.
	MetricCalculationIntervalMS int64 `yaml:"metric_calculation_interval_ms"`

	// EnablePredictiveAnalytics turns on ETA/risk-score prediction
	// generators.
	EnablePredictiveAnalytics bool `yaml:"enable_predictive_analytics"`

	// EnableBlockerDetection turns on the dependency + time-overrun blocker
	// detector pass.
	EnableBlockerDetection bool `yaml:"enable_blocker_detection"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Backend selects the store implementation: "memory", "sqlite", or
	// "postgres".
	Backend string `yaml:"backend"`

	// DSN is the data source name for sqlite (file path) or postgres
	// (connection string). Unused for "memory".
	DSN string `yaml:"dsn,omitempty"`
}

// OrchestratorConfig configures orchestrator lifecycle and scheduling.
type OrchestratorConfig struct {
	// CleanupIntervalMS is how often completed transactions/workflow
	// executions older than a retention window are purged.
	CleanupIntervalMS int64 `yaml:"cleanup_interval_ms"`

	// HealthCheckIntervalMS is how often the orchestrator's own health
	// checker scheduler runs.
	HealthCheckIntervalMS int64 `yaml:"health_check_interval_ms"`

	// QueueRecoveryIntervalMS is how often recover_stale() is invoked
	// against the task queue.
	QueueRecoveryIntervalMS int64 `yaml:"queue_recovery_interval_ms"`

	// DefaultWorkflow is the workflow definition name started by
	// ProcessPREvent when no workflow is named in the incoming event.
	DefaultWorkflow string `yaml:"default_workflow"`

	// PRSourceCircuitBreaker tunes the sony/gobreaker wrapping the external
	// PR-source seam.
	PRSourceCircuitBreaker CircuitBreakerConfig `yaml:"pr_source_circuit_breaker"`

	// PRIngestionRateLimit tunes the golang.org/x/time/rate limiter guarding
	// ProcessPREvent, the orchestrator's PR-event ingestion seam.
	PRIngestionRateLimit RateLimitConfig `yaml:"pr_ingestion_rate_limit"`
}

// RateLimitConfig mirrors golang.org/x/time/rate.Limiter's tunable fields.
// EventsPerSecond <= 0 means unlimited.
type RateLimitConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst"`
}

// CircuitBreakerConfig mirrors gobreaker.Settings' tunable fields.
type CircuitBreakerConfig struct {
	MaxRequests         uint32 `yaml:"max_requests"`
	IntervalMS          int64  `yaml:"interval_ms"`
	TimeoutMS           int64  `yaml:"timeout_ms"`
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// MetricsAddr is the address the prometheus /metrics handler listens on.
	// Empty disables the metrics HTTP server.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// TracingEnabled turns on the OTel tracer (stdout exporter unless
	// TracingEnabled is paired with an external collector in deployment).
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			MaxConcurrentTasks: 5,
			TaskTimeoutMS:      600_000,
			RetryAttempts:      3,
			RealTimeUpdates:    true,
			WorkflowsDir:       "workflows",
		},
		Queue: QueueConfig{
			Backend:             "memory",
			VisibilityTimeoutMS: 300_000,
			MaxRetries:          3,
			RedisNamespace:      "prorch",
		},
		Transaction: TransactionConfig{
			DefaultTimeoutMS: 0,
			Strict:           false,
		},
		Aggregator: AggregatorConfig{
			MetricCalculationIntervalMS: 5_000,
			EnablePredictiveAnalytics:   true,
			EnableBlockerDetection:      true,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Orchestrator: OrchestratorConfig{
			CleanupIntervalMS:       3_600_000,
			HealthCheckIntervalMS:   300_000,
			QueueRecoveryIntervalMS: 600_000,
			DefaultWorkflow:         "pr_analysis",
			PRSourceCircuitBreaker: CircuitBreakerConfig{
				MaxRequests:         1,
				IntervalMS:          60_000,
				TimeoutMS:           30_000,
				ConsecutiveFailures: 5,
			},
			PRIngestionRateLimit: RateLimitConfig{
				EventsPerSecond: 20,
				Burst:           40,
			},
		},
		Telemetry: TelemetryConfig{
			MetricsAddr:    ":9090",
			TracingEnabled: false,
		},
	}
}

// Load loads configuration from a YAML file and overlays environment
// variable overrides. If configPath is empty, the default config path
// (ConfigPath) is used if it exists; otherwise defaults apply unmodified.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		defaultPath, err := ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &orcherrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &orcherrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// loadFromFile merges YAML config from the given path onto cfg. Fields
// absent from the file keep their current (default) value since yaml.v3
// only overwrites fields present in the document.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadFromEnv overrides selected fields from environment variables.
// Environment variables take precedence over file-based configuration.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("PRORCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PRORCH_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("PRORCH_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("PRORCH_QUEUE_REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
		c.Queue.Backend = "redis"
	}
	if v := os.Getenv("PRORCH_METRICS_ADDR"); v != "" {
		c.Telemetry.MetricsAddr = v
	}
}

// Validate checks the configuration for invariant violations the engine
// must reject before startup.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentTasks <= 0 {
		return &orcherrors.ValidationError{
			Field:   "engine.max_concurrent_tasks",
			Message: "must be positive",
		}
	}
	if c.Engine.TaskTimeoutMS <= 0 {
		return &orcherrors.ValidationError{
			Field:   "engine.task_timeout_ms",
			Message: "must be positive",
		}
	}
	if c.Queue.VisibilityTimeoutMS <= 0 {
		return &orcherrors.ValidationError{
			Field:   "queue.visibility_timeout_ms",
			Message: "must be positive",
		}
	}
	if c.Queue.MaxRetries < 0 {
		return &orcherrors.ValidationError{
			Field:   "queue.max_retries",
			Message: "must not be negative",
		}
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return &orcherrors.ValidationError{
				Field:      "queue.redis_addr",
				Message:    "required when queue.backend is \"redis\"",
				Suggestion: "set queue.redis_addr or PRORCH_QUEUE_REDIS_ADDR",
			}
		}
	default:
		return &orcherrors.ValidationError{
			Field:   "queue.backend",
			Message: fmt.Sprintf("unsupported queue backend %q", c.Queue.Backend),
		}
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return &orcherrors.ValidationError{
				Field:      "store.dsn",
				Message:    fmt.Sprintf("required when store.backend is %q", c.Store.Backend),
				Suggestion: "set store.dsn or PRORCH_STORE_DSN",
			}
		}
	default:
		return &orcherrors.ValidationError{
			Field:   "store.backend",
			Message: fmt.Sprintf("unsupported store backend %q", c.Store.Backend),
		}
	}
	if c.Transaction.DefaultTimeoutMS < 0 {
		return &orcherrors.ValidationError{
			Field:   "transaction.default_timeout_ms",
			Message: "must not be negative; zero means unbounded",
		}
	}
	if c.Aggregator.MetricCalculationIntervalMS <= 0 {
		return &orcherrors.ValidationError{
			Field:   "aggregator.metric_calculation_interval_ms",
			Message: "must be positive",
		}
	}
	if c.Orchestrator.PRIngestionRateLimit.Burst < 0 {
		return &orcherrors.ValidationError{
			Field:   "orchestrator.pr_ingestion_rate_limit.burst",
			Message: "must not be negative",
		}
	}
	return nil
}
