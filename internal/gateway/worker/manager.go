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

package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"limitgate/internal/gateway/apps"
	"limitgate/internal/gateway/limiter"
	"limitgate/internal/gateway/queue"
	"limitgate/internal/gateway/store"
	"limitgate/internal/gateway/telemetry"
)

// Config holds the manager's scaling knobs.
type Config struct {
	// NodeID pins the node identity instead of allocating one; normally
	// empty outside tests and the SERVER_ID override.
	NodeID string

	MaxWorkers        int           // pool ceiling (default 10)
	MaxQueuedRequests int64         // backlog high watermark (default 100)
	MaxStreamLength   int64         // stream length bound (default 10000)
	ScaleInterval     time.Duration // backlog observation period (default 5s)
	RetireGrace       time.Duration // drain window before consumer removal (default 1s)
	BatchSize         int64         // entries per worker read (default 3)
	ReadBlock         time.Duration // worker blocking-read timeout (default 5s)
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.MaxQueuedRequests <= 0 {
		c.MaxQueuedRequests = 100
	}
	if c.MaxStreamLength <= 0 {
		c.MaxStreamLength = 10000
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 5 * time.Second
	}
	if c.RetireGrace <= 0 {
		c.RetireGrace = time.Second
	}
}

// Manager owns this node's identity and its worker pool. The scaling loop is
// the only goroutine touching the worker map; workers coordinate with each
// other exclusively through the shared store.
type Manager struct {
	store     *store.Store
	apps      *apps.Repository
	limiter   *limiter.Limiter
	queue     *queue.Queue
	allocator *Allocator
	client    *http.Client
	logger    *zap.Logger
	cfg       Config

	nodeID     string
	ownsNodeID bool
	workers    map[string]*Worker
	stopChan   chan struct{}
	loopDone   chan struct{}
	workerWG   sync.WaitGroup
	started    uint32
	stopped    uint32
}

// NewManager allocates the node identity and prepares (but does not start)
// the pool. Startup fails deterministically once 100 node ids are in use.
func NewManager(ctx context.Context, s *store.Store, repo *apps.Repository, lim *limiter.Limiter, client *http.Client, logger *zap.Logger, cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	alloc := NewAllocator(s)

	nodeID := cfg.NodeID
	ownsNodeID := false
	if nodeID == "" {
		var err error
		nodeID, err = alloc.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		ownsNodeID = true
	}

	q := queue.New(s, nodeID)
	if err := q.EnsureGroup(ctx); err != nil {
		if ownsNodeID {
			_ = alloc.Release(ctx, nodeID)
		}
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		store:      s,
		apps:       repo,
		limiter:    lim,
		queue:      q,
		allocator:  alloc,
		client:     client,
		logger:     logger.With(zap.String("node", nodeID)),
		cfg:        cfg,
		nodeID:     nodeID,
		ownsNodeID: ownsNodeID,
		workers:    make(map[string]*Worker),
		stopChan:   make(chan struct{}),
		loopDone:   make(chan struct{}),
	}, nil
}

// NodeID returns this node's identity.
func (m *Manager) NodeID() string { return m.nodeID }

// Queue returns the node's deferred-request queue; the proxy handler appends
// to it.
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Start launches the scaling loop. Calling it more than once is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if !atomic.CompareAndSwapUint32(&m.started, 0, 1) {
		return
	}
	m.logger.Info("worker pool manager started",
		zap.Int("maxWorkers", m.cfg.MaxWorkers),
		zap.Int64("maxQueuedRequests", m.cfg.MaxQueuedRequests))
	go m.scaleLoop(ctx)
}

// scaleLoop observes the backlog on a fixed period and grows or shrinks the
// pool one worker at a time.
func (m *Manager) scaleLoop(ctx context.Context) {
	defer close(m.loopDone)
	ticker := time.NewTicker(m.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.scaleOnce(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// scaleOnce applies the scaling rule: grow while the backlog is above the
// high watermark (or the stream is empty and the pool below the ceiling),
// shrink once it falls below half the watermark. The stream length bound is
// enforced here as well.
func (m *Manager) scaleOnce(ctx context.Context) {
	backlog, err := m.queue.Len(ctx)
	if err != nil {
		m.logger.Warn("backlog observation failed", zap.Error(err))
		return
	}
	telemetry.SetStreamDepth(backlog)

	if backlog > m.cfg.MaxStreamLength {
		if err := m.queue.TrimIdle(ctx, m.cfg.MaxStreamLength); err != nil {
			m.logger.Warn("stream trim failed", zap.Error(err))
		}
	}

	count := len(m.workers)
	lo := m.cfg.MaxQueuedRequests
	switch {
	case (backlog > lo || backlog == 0) && count < m.cfg.MaxWorkers:
		m.spawnWorker(ctx)
	case backlog < lo/2 && count > 1:
		m.retireWorker(ctx)
	}
	telemetry.SetWorkerCount(len(m.workers))
}

// spawnWorker adds one consumer to the group and starts its loop.
func (m *Manager) spawnWorker(ctx context.Context) {
	consumerID := fmt.Sprintf("%s:worker:%d", m.nodeID, time.Now().UnixMilli())
	if _, exists := m.workers[consumerID]; exists {
		// Two spawns in the same millisecond; fall back to nanoseconds.
		consumerID = fmt.Sprintf("%s:worker:%d", m.nodeID, time.Now().UnixNano())
	}
	w := newWorker(consumerID, m.queue, m.apps, m.limiter, m.client, m.logger, m.cfg.BatchSize, m.cfg.ReadBlock)
	m.workers[consumerID] = w
	m.workerWG.Add(1)
	go func() {
		defer m.workerWG.Done()
		w.run(ctx)
	}()
	m.logger.Info("worker spawned", zap.String("consumer", consumerID), zap.Int("pool", len(m.workers)))
}

// retireWorker signals one worker to stop and, after a grace period for its
// in-flight batch, removes its consumer from the group. Entries it never
// acknowledged become ownerless in the group; there is no claim mechanism.
func (m *Manager) retireWorker(ctx context.Context) {
	var consumerID string
	var w *Worker
	for consumerID, w = range m.workers {
		break
	}
	if w == nil {
		return
	}
	delete(m.workers, consumerID)
	w.signalStop()
	m.workerWG.Add(1)
	go func() {
		defer m.workerWG.Done()
		select {
		case <-time.After(m.cfg.RetireGrace):
		case <-ctx.Done():
		}
		if err := m.queue.RemoveConsumer(ctx, consumerID); err != nil {
			m.logger.Warn("consumer removal failed", zap.String("consumer", consumerID), zap.Error(err))
		}
	}()
	m.logger.Info("worker retired", zap.String("consumer", consumerID), zap.Int("pool", len(m.workers)))
}

// Shutdown stops the scaling loop, drains the pool, removes every consumer
// from the group, and returns the node id to the free pool. It is safe on a
// manager that was built but never started.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		return nil
	}
	m.logger.Info("shutting down worker pool")
	close(m.stopChan)
	if atomic.LoadUint32(&m.started) == 1 {
		// The scaling loop only exists once Start ran; waiting for it
		// otherwise would block forever.
		<-m.loopDone
	}

	for consumerID, w := range m.workers {
		w.signalStop()
		delete(m.workers, consumerID)
		defer func(id string) {
			if err := m.queue.RemoveConsumer(ctx, id); err != nil {
				m.logger.Warn("consumer removal failed", zap.String("consumer", id), zap.Error(err))
			}
		}(consumerID)
	}
	m.workerWG.Wait()
	telemetry.SetWorkerCount(0)

	if m.ownsNodeID {
		if err := m.allocator.Release(ctx, m.nodeID); err != nil {
			return fmt.Errorf("release node id: %w", err)
		}
	}
	m.logger.Info("worker pool stopped")
	return nil
}
