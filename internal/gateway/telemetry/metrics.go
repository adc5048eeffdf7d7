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

// Package telemetry exposes the gateway's Prometheus metrics. All collectors
// are global with bounded label cardinality (strategy and outcome only, never
// app ids or tickets).
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ratelimit_decisions_total",
		Help: "Rate-limit decisions by strategy and outcome (admit/deny)",
	}, []string{"strategy", "outcome"})
	enqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_deferred_enqueued_total",
		Help: "Denied requests handed off to the deferred-execution stream",
	})
	outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_deferred_outcomes_total",
		Help: "Deferred-request outcomes recorded by workers, by status",
	}, []string{"status"})
	requeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_deferred_requeued_total",
		Help: "Deferred requests re-appended because the limit still denied them",
	})
	streamDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_stream_depth",
		Help: "Entries currently in this node's deferred-request stream",
	})
	workerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_workers",
		Help: "Workers currently running on this node",
	})
	upstreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_upstream_duration_seconds",
		Help:    "Upstream round-trip latency for proxied and deferred calls",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	// Register eagerly; harmless when no /metrics endpoint is exposed.
	prometheus.MustRegister(decisionsTotal, enqueuedTotal, outcomesTotal,
		requeuedTotal, streamDepth, workerCount, upstreamDuration)
}

// Decision records one admit/deny verdict for a strategy.
func Decision(strategy string, admitted bool) {
	outcome := "deny"
	if admitted {
		outcome = "admit"
	}
	decisionsTotal.WithLabelValues(strategy, outcome).Inc()
}

// Enqueued records a request handed off to the stream.
func Enqueued() { enqueuedTotal.Inc() }

// OutcomeRecorded records a worker-written outcome status.
func OutcomeRecorded(status string) { outcomesTotal.WithLabelValues(status).Inc() }

// Requeued records a deferred request that was still over limit.
func Requeued() { requeuedTotal.Inc() }

// SetStreamDepth publishes the observed stream length.
func SetStreamDepth(n int64) { streamDepth.Set(float64(n)) }

// SetWorkerCount publishes the current worker count.
func SetWorkerCount(n int) { workerCount.Set(float64(n)) }

// ObserveUpstream records one upstream round trip.
func ObserveUpstream(d time.Duration) { upstreamDuration.Observe(d.Seconds()) }

// Serve exposes /metrics on its own listener when addr is non-empty; callers
// that already export Prometheus elsewhere can skip this and mount promhttp
// themselves.
func Serve(addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
}
