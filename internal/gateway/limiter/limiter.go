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

// Package limiter implements the rate-limit decision engine. Each strategy
// keeps its state in the shared store under hash-tagged keys, so all state
// for one (strategy, app) pair lands on a single shard and the multi-key
// optimistic transactions stay valid in cluster mode.
//
// Every strategy follows the same outer protocol: read current state under a
// WATCH, compute the verdict, and commit the state update atomically only
// when admitting. A deny releases the watch and writes nothing, so denied
// traffic never mutates limiter state.
package limiter

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"limitgate/internal/gateway/apps"
	"limitgate/internal/gateway/store"
	"limitgate/internal/gateway/telemetry"
)

// Limiter decides admit/deny for an application against its configured
// strategy. It owns the LimiterState keys and nothing else.
type Limiter struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a limiter over the shared store.
func New(s *store.Store, logger *zap.Logger) *Limiter {
	return &Limiter{store: s, logger: logger, now: time.Now}
}

// WithClock overrides the time source; tests use this to walk windows
// deterministically.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Decide returns true to admit the request, false to defer it. The config is
// validated first; an unknown strategy tag is a configuration error the
// caller surfaces as a client error.
func (l *Limiter) Decide(ctx context.Context, appID string, cfg apps.RateLimitConfig) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	var (
		admitted bool
		err      error
	)
	switch cfg.Strategy {
	case apps.FixedWindow:
		admitted, err = l.fixedWindow(ctx, appID, cfg)
	case apps.SlidingWindow:
		admitted, err = l.slidingWindow(ctx, appID, cfg)
	case apps.TokenBucket:
		admitted, err = l.tokenBucket(ctx, appID, cfg)
	case apps.LeakyBucket:
		admitted, err = l.leakyBucket(ctx, appID, cfg)
	case apps.SlidingLog:
		admitted, err = l.slidingLog(ctx, appID, cfg)
	default:
		return false, fmt.Errorf("%w: unknown strategy %q", apps.ErrInvalidConfig, cfg.Strategy)
	}
	if err != nil {
		return false, fmt.Errorf("%s decision for %s: %w", cfg.Strategy, appID, err)
	}
	telemetry.Decision(string(cfg.Strategy), admitted)
	return admitted, nil
}

// fixedWindow counts admits in the bucket floor(now/window). The window flips
// abruptly at boundaries; a burst of up to 2·requests across a boundary is
// the strategy's known trade-off.
func (l *Limiter) fixedWindow(ctx context.Context, appID string, cfg apps.RateLimitConfig) (bool, error) {
	window := time.Duration(cfg.Window) * time.Second
	bucket := l.now().Unix() / int64(cfg.Window)
	key := fmt.Sprintf("{fixed:%s}:%d", appID, bucket)

	var admitted bool
	err := l.store.Optimistic(ctx, func(tx *redis.Tx) error {
		admitted = false
		count, err := tx.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if count >= int64(cfg.Requests) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, key)
			if count == 0 {
				pipe.Expire(ctx, key, window)
			}
			return nil
		})
		if err != nil {
			return err
		}
		admitted = true
		return nil
	}, key)
	return admitted, err
}

// slidingWindow approximates a rolling window by weighting the previous
// bucket's count by the unelapsed fraction of the current one. Buckets live
// 2·window so the previous bucket stays readable for a full window after it
// closes.
func (l *Limiter) slidingWindow(ctx context.Context, appID string, cfg apps.RateLimitConfig) (bool, error) {
	windowMs := int64(cfg.Window) * 1000
	nowMs := l.now().UnixMilli()
	cur := nowMs / windowMs
	curKey := fmt.Sprintf("{sliding:%s}:%d", appID, cur)
	prevKey := fmt.Sprintf("{sliding:%s}:%d", appID, cur-1)
	elapsed := float64(nowMs%windowMs) / float64(windowMs)

	var admitted bool
	err := l.store.Optimistic(ctx, func(tx *redis.Tx) error {
		admitted = false
		curCount, err := tx.Get(ctx, curKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		prevCount, err := tx.Get(ctx, prevKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		estimate := float64(prevCount)*(1-elapsed) + float64(curCount)
		if estimate >= float64(cfg.Requests) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, curKey)
			if curCount == 0 {
				pipe.Expire(ctx, curKey, 2*time.Duration(cfg.Window)*time.Second)
			}
			return nil
		})
		if err != nil {
			return err
		}
		admitted = true
		return nil
	}, curKey, prevKey)
	return admitted, err
}

// tokenBucket refills tokens continuously at refillRate up to burst and
// spends one per admit. The bucket starts full on first observation.
func (l *Limiter) tokenBucket(ctx context.Context, appID string, cfg apps.RateLimitConfig) (bool, error) {
	key := fmt.Sprintf("{bucket:%s}", appID)
	burst := cfg.BurstOrDefault()
	refill := cfg.RefillRateOrDefault()
	ttl := time.Duration(2*math.Ceil(burst/refill)) * time.Second
	nowMs := l.now().UnixMilli()

	var admitted bool
	err := l.store.Optimistic(ctx, func(tx *redis.Tx) error {
		admitted = false
		state, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		tokens := burst
		if len(state) > 0 {
			tokens, _ = strconv.ParseFloat(state["tokens"], 64)
			lastRefill, _ := strconv.ParseInt(state["lastRefill"], 10, 64)
			tokens += float64(nowMs-lastRefill) / 1000 * refill
			if tokens > burst {
				tokens = burst
			}
		}
		if tokens < 1 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "tokens", tokens-1, "lastRefill", nowMs)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		admitted = true
		return nil
	}, key)
	return admitted, err
}

// leakyBucket drains the occupancy counter at leakRate and denies while the
// bucket is full. Leakage uses floor(elapsedSeconds·leakRate), which can
// under-leak at sub-second granularities; acceptable for the configured
// rates.
func (l *Limiter) leakyBucket(ctx context.Context, appID string, cfg apps.RateLimitConfig) (bool, error) {
	key := fmt.Sprintf("{leaky:%s}", appID)
	leak := cfg.LeakRateOrDefault()
	ttl := time.Duration(2*math.Ceil(float64(cfg.Requests)/leak)) * time.Second
	nowMs := l.now().UnixMilli()

	var admitted bool
	err := l.store.Optimistic(ctx, func(tx *redis.Tx) error {
		admitted = false
		state, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var count int64
		if len(state) > 0 {
			count, _ = strconv.ParseInt(state["count"], 10, 64)
			lastLeak, _ := strconv.ParseInt(state["lastLeak"], 10, 64)
			leaked := int64(math.Floor(float64(nowMs-lastLeak) / 1000 * leak))
			count -= leaked
			if count < 0 {
				count = 0
			}
		}
		if count >= int64(cfg.Requests) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "count", count+1, "lastLeak", nowMs)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		admitted = true
		return nil
	}, key)
	return admitted, err
}

// slidingLog keeps one sorted-set member per admit, scored by its timestamp.
// Exact, at memory proportional to the observed rate. Entries older than the
// window are counted out on read and pruned on the next admit, keeping the
// deny path mutation-free.
func (l *Limiter) slidingLog(ctx context.Context, appID string, cfg apps.RateLimitConfig) (bool, error) {
	key := fmt.Sprintf("{log:%s}", appID)
	window := time.Duration(cfg.Window) * time.Second
	nowMs := l.now().UnixMilli()
	horizon := nowMs - int64(cfg.Window)*1000

	var admitted bool
	err := l.store.Optimistic(ctx, func(tx *redis.Tx) error {
		admitted = false
		live, err := tx.ZCount(ctx, key, strconv.FormatInt(horizon, 10), "+inf").Result()
		if err != nil {
			return err
		}
		if live >= int64(cfg.Requests) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(horizon, 10))
			// Score and member are both the timestamp; two admits in the
			// same millisecond collapse into one member.
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: strconv.FormatInt(nowMs, 10)})
			pipe.Expire(ctx, key, window)
			return nil
		})
		if err != nil {
			return err
		}
		admitted = true
		return nil
	}, key)
	return admitted, err
}
