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
	"fmt"

	"limitgate/internal/gateway/store"
)

// The allocator bounds per-node state keys cluster-wide: at most maxNodeIDs
// ids are ever minted, and released ids are recycled through the free pool
// before the counter is consulted.
const (
	maxNodeIDs = 100
	poolKey    = "server:pool"
	counterKey = "server:counter"
)

// ErrNodePoolExhausted is returned when all node ids are in use.
var ErrNodePoolExhausted = errors.New("maximum number of node IDs reached")

// Allocator hands out node identities from the shared store.
type Allocator struct {
	store *store.Store
}

// NewAllocator binds an allocator to the store.
func NewAllocator(s *store.Store) *Allocator {
	return &Allocator{store: s}
}

// Acquire pops a free id from the pool, minting a fresh one from the counter
// when the pool is empty. Fails with ErrNodePoolExhausted once 100 ids are
// in circulation.
func (a *Allocator) Acquire(ctx context.Context) (string, error) {
	id, ok, err := a.store.SetPop(ctx, poolKey)
	if err != nil {
		return "", fmt.Errorf("pop node id: %w", err)
	}
	if ok {
		return id, nil
	}
	n, err := a.store.Incr(ctx, counterKey)
	if err != nil {
		return "", fmt.Errorf("mint node id: %w", err)
	}
	if n > maxNodeIDs {
		// Roll the counter back so the ceiling stays observable as 100.
		if _, derr := a.store.Decr(ctx, counterKey); derr != nil {
			return "", fmt.Errorf("roll back node counter: %w", derr)
		}
		return "", ErrNodePoolExhausted
	}
	return fmt.Sprintf("node:%d", n), nil
}

// Release returns an id to the free pool for reuse by a later node.
func (a *Allocator) Release(ctx context.Context, id string) error {
	return a.store.SetAdd(ctx, poolKey, id)
}
