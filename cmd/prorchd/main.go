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

// Command prorchd runs the orchestrator daemon: it loads configuration,
// wires the Orchestrator, starts its background schedulers, and serves a
// Prometheus /metrics endpoint until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowctl/prorch/internal/config"
	"github.com/flowctl/prorch/internal/log"
	"github.com/flowctl/prorch/internal/orchestrator"
	"github.com/flowctl/prorch/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file")
		storeBackend = flag.String("store-backend", "", "Persistence backend override (memory, sqlite, postgres)")
		storeDSN     = flag.String("store-dsn", "", "Store DSN override")
		queueBackend = flag.String("queue-backend", "", "Queue backend override (memory, redis)")
		workflowsDir = flag.String("workflows-dir", "", "Directory of workflow definition YAML files")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("prorchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *storeBackend != "" {
		cfg.Store.Backend = *storeBackend
	}
	if *storeDSN != "" {
		cfg.Store.DSN = *storeDSN
	}
	if *queueBackend != "" {
		cfg.Queue.Backend = *queueBackend
	}
	if *workflowsDir != "" {
		cfg.Engine.WorkflowsDir = *workflowsDir
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config after flag overrides", log.Error(err))
		os.Exit(1)
	}

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", log.Error(err))
		os.Exit(1)
	}

	provider, err := telemetry.New("prorchd", version, cfg.Telemetry.TracingEnabled)
	if err != nil {
		logger.Error("failed to build telemetry provider", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Initialize(ctx); err != nil {
		logger.Error("failed to initialize orchestrator", log.Error(err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Telemetry.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.MetricsHandler())
		metricsServer = &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", log.Error(err))
			}
		}()
		logger.Info("metrics server listening", log.String("addr", cfg.Telemetry.MetricsAddr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("prorchd started", log.String("version", version))
	<-sigCh
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", log.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", log.Error(err))
		}
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", log.Error(err))
	}
}
