// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

// Package main is the entry point for the limitgate gateway node.
//
// A node fronts registered upstream APIs: requests within their app's rate
// limit proxy straight through; requests over the limit are queued on this
// node's stream and executed later by the worker pool, with the outcome
// available at the status endpoint.
//
// This file orchestrates the service:
//  1. Connect to the shared Redis store (REDIS_URL et al.).
//  2. Acquire a node identity and start the worker pool manager.
//  3. Start the HTTP server for the proxy and status routes.
//  4. On SIGINT/SIGTERM, drain HTTP, stop the pool, and release the node id.
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

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"limitgate/internal/gateway/api"
	"limitgate/internal/gateway/apps"
	"limitgate/internal/gateway/limiter"
	"limitgate/internal/gateway/store"
	"limitgate/internal/gateway/telemetry"
	"limitgate/internal/gateway/worker"
)

func main() {
	// Knobs. Env provides deployment defaults; flags win when set.
	defaultAddr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		defaultAddr = ":" + port
	}
	httpAddr := flag.String("http_addr", defaultAddr, "HTTP listen address (e.g., :8080)")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	maxWorkers := flag.Int("max_workers", 10, "Worker pool ceiling per node")
	maxQueued := flag.Int64("max_queued_requests", 100, "Backlog high watermark; above it the pool grows")
	maxStreamLen := flag.Int64("max_stream_length", 10000, "Stream length bound enforced by the manager")
	scaleInterval := flag.Duration("scale_interval", 5*time.Second, "How often the manager observes the backlog")
	batchSize := flag.Int64("worker_batch", 3, "Entries per worker read")
	readBlock := flag.Duration("worker_block", 5*time.Second, "Worker blocking-read timeout")
	upstreamTimeout := flag.Duration("upstream_timeout", 30*time.Second, "Upstream HTTP call timeout")
	maxRetries := flag.Int("store_max_retries", store.DefaultMaxRetries, "Retry bound for cluster-redirect errors")
	retryDelay := flag.Duration("store_retry_delay", store.DefaultRetryDelay, "Pause between cluster-redirect retries")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 1. Shared store.
	opts, err := store.OptionsFromEnv()
	if err != nil {
		logger.Fatal("redis configuration", zap.Error(err))
	}
	rdb := redis.NewClient(opts)
	kv := store.New(rdb, logger, store.WithRetry(*maxRetries, *retryDelay))
	defer kv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := kv.Ping(ctx); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", opts.Addr), zap.Error(err))
	}

	// 2. Core components and the worker pool. SERVER_ID pins the node
	// identity when an operator manages ids externally.
	repo := apps.NewRepository(kv)
	lim := limiter.New(kv, logger)
	client := &http.Client{Timeout: *upstreamTimeout}
	mgr, err := worker.NewManager(ctx, kv, repo, lim, client, logger, worker.Config{
		NodeID:            os.Getenv("SERVER_ID"),
		MaxWorkers:        *maxWorkers,
		MaxQueuedRequests: *maxQueued,
		MaxStreamLength:   *maxStreamLen,
		ScaleInterval:     *scaleInterval,
		BatchSize:         *batchSize,
		ReadBlock:         *readBlock,
	})
	if err != nil {
		logger.Fatal("worker pool startup failed", zap.Error(err))
	}
	mgr.Start(ctx)

	telemetry.Serve(*metricsAddr, logger)

	// 3. HTTP server.
	apiServer := api.NewServer(kv, repo, lim, mgr.Queue(), client, logger)
	httpServer := apiServer.HTTPServer(*httpAddr)
	go func() {
		logger.Info("gateway listening",
			zap.String("addr", *httpAddr),
			zap.String("node", mgr.NodeID()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// 4. Graceful shutdown: stop accepting traffic first, then drain the
	// pool so consumers are removed and the node id returns to the pool.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := mgr.Shutdown(drainCtx); err != nil {
		logger.Error("worker pool shutdown", zap.Error(err))
	}
	cancel()
	logger.Info("gateway stopped")
}
