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
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"limitgate/internal/gateway/store"
)

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.New(rdb, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestAllocator_SequentialIDs(t *testing.T) {
	s, _ := newTestStore(t)
	a := NewAllocator(s)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id, err := a.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		want := map[int]string{1: "node:1", 2: "node:2", 3: "node:3"}[i]
		if id != want {
			t.Fatalf("got %s, want %s", id, want)
		}
	}
}

func TestAllocator_RecyclesReleasedIDs(t *testing.T) {
	s, _ := newTestStore(t)
	a := NewAllocator(s)
	ctx := context.Background()

	first, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := a.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if second != first {
		t.Fatalf("released id should be reused: got %s, want %s", second, first)
	}
}

func TestAllocator_Ceiling(t *testing.T) {
	s, _ := newTestStore(t)
	a := NewAllocator(s)
	ctx := context.Background()

	var last string
	for i := 0; i < 100; i++ {
		id, err := a.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
		last = id
	}
	if last != "node:100" {
		t.Fatalf("100th id should be node:100, got %s", last)
	}

	// The 101st start fails deterministically.
	if _, err := a.Acquire(ctx); !errors.Is(err, ErrNodePoolExhausted) {
		t.Fatalf("expected ErrNodePoolExhausted, got %v", err)
	}

	// After one node shuts down, a new start succeeds with the returned id.
	if err := a.Release(ctx, "node:42"); err != nil {
		t.Fatalf("release: %v", err)
	}
	id, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if id != "node:42" {
		t.Fatalf("expected recycled node:42, got %s", id)
	}
}
