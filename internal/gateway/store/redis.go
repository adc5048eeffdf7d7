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

// Package store provides typed access to the shared Redis store used by the
// gateway: atomic counters, hashes, sorted sets, streams with consumer
// groups, and the optimistic WATCH/MULTI commit loop every multi-step
// mutation goes through.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Defaults for the cluster-redirect retry discipline. Redirects happen when a
// slot migrates between shards; a short fixed pause lets the topology settle.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second
)

// Store wraps a go-redis client with the retry discipline shared by every
// component. All gateway state lives behind this type; nothing else in the
// repository talks to Redis directly.
type Store struct {
	rdb        redis.UniversalClient
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
}

// Option customises a Store.
type Option func(*Store)

// WithRetry overrides the redirect-retry bound and pause.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *Store) {
		s.maxRetries = maxRetries
		s.retryDelay = delay
	}
}

// New wraps an existing client. The logger must be non-nil.
func New(rdb redis.UniversalClient, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		rdb:        rdb,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping verifies connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// isRedirect reports whether err is a cluster redirect (slot moved between
// shards). go-redis surfaces these as errors prefixed MOVED or ASK.
func isRedirect(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "MOVED ") || strings.HasPrefix(msg, "ASK ")
}

// withRetry runs op, retrying cluster redirects up to maxRetries times with a
// fixed pause between attempts. All other errors propagate immediately.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if !isRedirect(err) {
			return err
		}
		if attempt >= s.maxRetries {
			return err
		}
		s.logger.Warn("redis redirect, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-time.After(s.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Optimistic runs fn under a WATCH on keys and retries it for as long as the
// commit aborts because a watched key changed underneath us. fn reads through
// the transaction, decides, and commits its writes via tx.TxPipelined; if it
// returns without pipelining anything the watch is simply released.
//
// The retry-on-conflict loop is unbounded: progress relies on at least one
// contender committing per round. Cluster redirects inside a round still go
// through the bounded redirect retry.
func (s *Store) Optimistic(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for {
		err := s.withRetry(ctx, func() error {
			return s.rdb.Watch(ctx, fn, keys...)
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// --- plain key / counter operations ---

// Get returns the string value at key, or ("", false, nil) when absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.withRetry(ctx, func() error {
		var err error
		val, err = s.rdb.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetWithTTL writes key=value with the given expiry.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Incr increments a plain counter.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		var err error
		n, err = s.rdb.Incr(ctx, key).Result()
		return err
	})
	return n, err
}

// Decr decrements a plain counter.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		var err error
		n, err = s.rdb.Decr(ctx, key).Result()
		return err
	})
	return n, err
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.Del(ctx, keys...).Err()
	})
}

// --- hash operations ---

// HGetAll returns all fields of a hash; an absent key yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var vals map[string]string
	err := s.withRetry(ctx, func() error {
		var err error
		vals, err = s.rdb.HGetAll(ctx, key).Result()
		return err
	})
	return vals, err
}

// HSet writes hash fields from alternating field/value pairs.
func (s *Store) HSet(ctx context.Context, key string, fieldValues ...interface{}) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.HSet(ctx, key, fieldValues...).Err()
	})
}

// --- set operations (node-id pool) ---

// SetAdd adds a member to a set.
func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.SAdd(ctx, key, member).Err()
	})
}

// SetPop removes and returns an arbitrary member, or ("", false, nil) when
// the set is empty.
func (s *Store) SetPop(ctx context.Context, key string) (string, bool, error) {
	var member string
	err := s.withRetry(ctx, func() error {
		var err error
		member, err = s.rdb.SPop(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return member, true, nil
}

// --- stream operations (deferred-request log) ---

// StreamAppend appends an entry with a single payload field and an
// auto-generated id, returning the id.
func (s *Store) StreamAppend(ctx context.Context, stream, payload string) (string, error) {
	var id string
	err := s.withRetry(ctx, func() error {
		var err error
		id, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"payload": payload},
		}).Result()
		return err
	})
	return id, err
}

// GroupCreate creates a consumer group with its cursor at 0, creating the
// stream if needed. A group that already exists is not an error.
func (s *Store) GroupCreate(ctx context.Context, stream, group string) error {
	err := s.withRetry(ctx, func() error {
		return s.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	})
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// ReadGroup reads up to count new entries for consumer, blocking up to block.
// A timeout with no entries yields (nil, nil).
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	var streams []redis.XStream
	err := s.withRetry(ctx, func() error {
		var err error
		streams, err = s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// Ack acknowledges delivered entries.
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.XAck(ctx, stream, group, ids...).Err()
	})
}

// StreamLen returns the number of entries in the stream.
func (s *Store) StreamLen(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		var err error
		n, err = s.rdb.XLen(ctx, stream).Result()
		return err
	})
	return n, err
}

// PendingSummary returns the group's pending summary, or nil when nothing is
// pending.
func (s *Store) PendingSummary(ctx context.Context, stream, group string) (*redis.XPending, error) {
	var p *redis.XPending
	err := s.withRetry(ctx, func() error {
		var err error
		p, err = s.rdb.XPending(ctx, stream, group).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p != nil && p.Count == 0 {
		return nil, nil
	}
	return p, nil
}

// TrimMinID drops stream entries with ids below minID.
func (s *Store) TrimMinID(ctx context.Context, stream, minID string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.XTrimMinID(ctx, stream, minID).Err()
	})
}

// GroupLastDeliveredID returns the group's last-delivered cursor.
func (s *Store) GroupLastDeliveredID(ctx context.Context, stream, group string) (string, error) {
	var groups []redis.XInfoGroup
	err := s.withRetry(ctx, func() error {
		var err error
		groups, err = s.rdb.XInfoGroups(ctx, stream).Result()
		return err
	})
	if err != nil {
		return "", err
	}
	for _, g := range groups {
		if g.Name == group {
			return g.LastDeliveredID, nil
		}
	}
	return "", nil
}

// DeleteConsumer removes a consumer from the group. Its pending entries
// become ownerless within the group.
func (s *Store) DeleteConsumer(ctx context.Context, stream, group, consumer string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.XGroupDelConsumer(ctx, stream, group, consumer).Err()
	})
}
