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

// Package worker runs the deferred-execution side of the gateway: an elastic
// pool of consumers draining this node's request stream, and the manager
// that owns the node identity and scales the pool by observed backlog.
package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"limitgate/internal/gateway/apps"
	"limitgate/internal/gateway/limiter"
	"limitgate/internal/gateway/queue"
	"limitgate/internal/gateway/telemetry"
)

// Per-read batch defaults. Small batches keep redelivery cheap when a worker
// is retired mid-flight.
const (
	defaultBatchSize = 3
	defaultReadBlock = 5 * time.Second
)

// Worker is one consumer in the node's group. It pulls batched deferred
// requests, re-checks the limit with the app's current config, executes the
// upstream call, and records the outcome under the ticket.
type Worker struct {
	consumerID string
	queue      *queue.Queue
	apps       *apps.Repository
	limiter    *limiter.Limiter
	client     *http.Client
	logger     *zap.Logger
	batchSize  int64
	readBlock  time.Duration
	stopChan   chan struct{}
}

func newWorker(consumerID string, q *queue.Queue, repo *apps.Repository, lim *limiter.Limiter, client *http.Client, logger *zap.Logger, batchSize int64, readBlock time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if readBlock <= 0 {
		readBlock = defaultReadBlock
	}
	return &Worker{
		consumerID: consumerID,
		queue:      q,
		apps:       repo,
		limiter:    lim,
		client:     client,
		logger:     logger.With(zap.String("consumer", consumerID)),
		batchSize:  batchSize,
		readBlock:  readBlock,
		stopChan:   make(chan struct{}),
	}
}

// signalStop asks the worker to exit after its current batch.
func (w *Worker) signalStop() { close(w.stopChan) }

// run is the cooperative consume loop. The blocking read doubles as the idle
// pause; a stop signal is honoured between batches.
func (w *Worker) run(ctx context.Context) {
	w.logger.Info("worker started")
	for {
		select {
		case <-w.stopChan:
			w.logger.Info("worker stopped")
			return
		case <-ctx.Done():
			return
		default:
		}
		entries, err := w.queue.Read(ctx, w.consumerID, w.batchSize, w.readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("stream read failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(entries) == 0 {
			// Stores that do not honour the block timeout return instantly;
			// the pause keeps an idle worker from spinning.
			select {
			case <-time.After(10 * time.Millisecond):
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, e := range entries {
			w.process(ctx, e)
		}
	}
}

// process handles one delivered entry end to end. Every path acknowledges the
// entry (after re-appending it when still denied), preserving the stream
// invariant that entries are either acked quickly or pending under a named
// consumer.
func (w *Worker) process(ctx context.Context, e queue.Entry) {
	req := e.Request
	log := w.logger.With(zap.String("ticket", req.TicketID), zap.String("app", req.AppID))

	// Config is reloaded per request so management-plane updates take effect.
	app, err := w.apps.Get(ctx, req.AppID)
	if err != nil {
		w.recordFailure(ctx, e, "application unavailable", err, log)
		return
	}
	admitted, err := w.limiter.Decide(ctx, app.ID, app.RateLimit)
	if err != nil {
		w.recordFailure(ctx, e, "rate limit check failed", err, log)
		return
	}
	if !admitted {
		// Still over limit: push to the tail with a fresh timestamp for a
		// later at-least-once redelivery, then release the original entry.
		req.EnqueuedAt = time.Now().UnixMilli()
		if _, err := w.queue.Append(ctx, req); err != nil {
			// Leave the entry pending under this consumer rather than lose it.
			log.Error("re-append failed, leaving entry pending", zap.Error(err))
			return
		}
		telemetry.Requeued()
		w.ack(ctx, e, log)
		return
	}

	statusCode, err := w.execute(ctx, app, req)
	if err != nil {
		w.recordFailure(ctx, e, err.Error(), err, log)
		return
	}
	outcome := queue.Outcome{Status: queue.StatusCompleted, StatusCode: statusCode}
	if err := w.queue.WriteOutcome(ctx, req.TicketID, outcome); err != nil {
		log.Error("outcome write failed", zap.Error(err))
		return
	}
	telemetry.OutcomeRecorded(queue.StatusCompleted)
	w.ack(ctx, e, log)
	log.Info("deferred request completed", zap.Int("statusCode", statusCode))
}

// execute replays the stored request against the app's upstream. A non-2xx
// upstream status is still a completed outcome; only transport failures are
// errors here, and they are not retried.
func (w *Worker) execute(ctx context.Context, app *apps.App, req queue.DeferredRequest) (int, error) {
	target := strings.TrimRight(app.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return 0, err
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Host") {
			continue
		}
		upReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := w.client.Do(upReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	telemetry.ObserveUpstream(time.Since(start))
	return resp.StatusCode, nil
}

// recordFailure writes a failed outcome and drains the entry. The first
// outcome is final; the stream must keep moving.
func (w *Worker) recordFailure(ctx context.Context, e queue.Entry, msg string, cause error, log *zap.Logger) {
	log.Warn("deferred request failed", zap.Error(cause))
	outcome := queue.Outcome{Status: queue.StatusFailed, Error: msg}
	if err := w.queue.WriteOutcome(ctx, e.Request.TicketID, outcome); err != nil {
		log.Error("failure outcome write failed", zap.Error(err))
		return
	}
	telemetry.OutcomeRecorded(queue.StatusFailed)
	w.ack(ctx, e, log)
}

func (w *Worker) ack(ctx context.Context, e queue.Entry, log *zap.Logger) {
	if err := w.queue.Ack(ctx, e.ID); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}
