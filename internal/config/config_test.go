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

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	orcherrors "github.com/flowctl/prorch/pkg/errors"

	"github.com/flowctl/prorch/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()

	if cfg.Engine.MaxConcurrentTasks != 5 {
		t.Errorf("MaxConcurrentTasks = %d, want 5", cfg.Engine.MaxConcurrentTasks)
	}
	if cfg.Engine.TaskTimeoutMS != 600_000 {
		t.Errorf("TaskTimeoutMS = %d, want 600000", cfg.Engine.TaskTimeoutMS)
	}
	if cfg.Engine.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", cfg.Engine.RetryAttempts)
	}
	if !cfg.Engine.RealTimeUpdates {
		t.Error("RealTimeUpdates should default to true")
	}
	if cfg.Aggregator.MetricCalculationIntervalMS != 5_000 {
		t.Errorf("MetricCalculationIntervalMS = %d, want 5000", cfg.Aggregator.MetricCalculationIntervalMS)
	}
	if !cfg.Aggregator.EnablePredictiveAnalytics {
		t.Error("EnablePredictiveAnalytics should default to true")
	}
	if !cfg.Aggregator.EnableBlockerDetection {
		t.Error("EnableBlockerDetection should default to true")
	}
	if cfg.Queue.VisibilityTimeoutMS != 300_000 {
		t.Errorf("VisibilityTimeoutMS = %d, want 300000", cfg.Queue.VisibilityTimeoutMS)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Queue.MaxRetries = %d, want 3", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("Queue.Backend = %q, want memory", cfg.Queue.Backend)
	}
	if cfg.Transaction.Strict {
		t.Error("Transaction.Strict should default to false")
	}
	if cfg.Orchestrator.PRIngestionRateLimit.EventsPerSecond != 20 {
		t.Errorf("PRIngestionRateLimit.EventsPerSecond = %v, want 20", cfg.Orchestrator.PRIngestionRateLimit.EventsPerSecond)
	}
	if cfg.Orchestrator.PRIngestionRateLimit.Burst != 40 {
		t.Errorf("PRIngestionRateLimit.Burst = %d, want 40", cfg.Orchestrator.PRIngestionRateLimit.Burst)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() should validate cleanly, got: %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `
engine:
  max_concurrent_tasks: 10
  task_timeout_ms: 120000
queue:
  backend: memory
  visibility_timeout_ms: 60000
  max_retries: 5
transaction:
  default_timeout_ms: 15000
  strict: true
`
	if err := os.WriteFile(path, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.MaxConcurrentTasks != 10 {
		t.Errorf("MaxConcurrentTasks = %d, want 10", cfg.Engine.MaxConcurrentTasks)
	}
	if cfg.Engine.TaskTimeoutMS != 120_000 {
		t.Errorf("TaskTimeoutMS = %d, want 120000", cfg.Engine.TaskTimeoutMS)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("Queue.MaxRetries = %d, want 5", cfg.Queue.MaxRetries)
	}
	if !cfg.Transaction.Strict {
		t.Error("Transaction.Strict should be true")
	}

	// Fields absent from the file keep their defaults.
	if !cfg.Aggregator.EnablePredictiveAnalytics {
		t.Error("EnablePredictiveAnalytics should keep its default of true")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error loading a missing config file")
	}

	var configErr *orcherrors.ConfigError
	if !orcherrors.As(err, &configErr) {
		t.Errorf("expected *ConfigError, got %T", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("engine: [this is not a mapping"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error loading malformed YAML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PRORCH_LOG_LEVEL", "debug")
	t.Setenv("PRORCH_STORE_DSN", "postgres://example/prorch")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Store.DSN != "postgres://example/prorch" {
		t.Errorf("Store.DSN = %q, want the env override", cfg.Store.DSN)
	}
}

func TestLoad_RedisAddrEnvSwitchesBackend(t *testing.T) {
	t.Setenv("PRORCH_QUEUE_REDIS_ADDR", "localhost:6379")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Queue.Backend != "redis" {
		t.Errorf("Queue.Backend = %q, want redis", cfg.Queue.Backend)
	}
	if cfg.Queue.RedisAddr != "localhost:6379" {
		t.Errorf("Queue.RedisAddr = %q, want localhost:6379", cfg.Queue.RedisAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
	}{
		{
			name:    "valid default",
			mutate:  func(c *config.Config) {},
			wantErr: false,
		},
		{
			name:    "zero max concurrent tasks",
			mutate:  func(c *config.Config) { c.Engine.MaxConcurrentTasks = 0 },
			wantErr: true,
		},
		{
			name:    "negative task timeout",
			mutate:  func(c *config.Config) { c.Engine.TaskTimeoutMS = -1 },
			wantErr: true,
		},
		{
			name:    "zero visibility timeout",
			mutate:  func(c *config.Config) { c.Queue.VisibilityTimeoutMS = 0 },
			wantErr: true,
		},
		{
			name:    "negative max retries",
			mutate:  func(c *config.Config) { c.Queue.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "redis backend without addr",
			mutate:  func(c *config.Config) { c.Queue.Backend = "redis" },
			wantErr: true,
		},
		{
			name: "redis backend with addr",
			mutate: func(c *config.Config) {
				c.Queue.Backend = "redis"
				c.Queue.RedisAddr = "localhost:6379"
			},
			wantErr: false,
		},
		{
			name:    "unsupported queue backend",
			mutate:  func(c *config.Config) { c.Queue.Backend = "rabbitmq" },
			wantErr: true,
		},
		{
			name:    "sqlite backend without dsn",
			mutate:  func(c *config.Config) { c.Store.Backend = "sqlite" },
			wantErr: true,
		},
		{
			name: "sqlite backend with dsn",
			mutate: func(c *config.Config) {
				c.Store.Backend = "sqlite"
				c.Store.DSN = "/var/lib/prorch/prorch.db"
			},
			wantErr: false,
		},
		{
			name:    "unsupported store backend",
			mutate:  func(c *config.Config) { c.Store.Backend = "mongo" },
			wantErr: true,
		},
		{
			name:    "negative transaction timeout",
			mutate:  func(c *config.Config) { c.Transaction.DefaultTimeoutMS = -1 },
			wantErr: true,
		},
		{
			name:    "zero transaction timeout means unbounded",
			mutate:  func(c *config.Config) { c.Transaction.DefaultTimeoutMS = 0 },
			wantErr: false,
		},
		{
			name:    "zero metric interval",
			mutate:  func(c *config.Config) { c.Aggregator.MetricCalculationIntervalMS = 0 },
			wantErr: true,
		},
		{
			name:    "negative ingestion rate limit burst",
			mutate:  func(c *config.Config) { c.Orchestrator.PRIngestionRateLimit.Burst = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no validation error, got: %v", err)
			}
		})
	}
}
