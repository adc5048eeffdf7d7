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

// Package apps models registered applications and their rate-limit
// configuration. The management surface that creates applications lives
// outside this service; this package is the typed contract over the
// app:<id> hash it writes.
package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"limitgate/internal/gateway/store"
)

// Strategy selects one of the five limiting algorithms.
type Strategy string

const (
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
	TokenBucket   Strategy = "token_bucket"
	LeakyBucket   Strategy = "leaky_bucket"
	SlidingLog    Strategy = "sliding_log"
)

// ErrNotFound is returned when no application exists under the given id.
var ErrNotFound = errors.New("application not found")

// ErrInvalidConfig marks a malformed rate-limit configuration. Handlers map
// it to a 400.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// RateLimitConfig is the tagged strategy record stored as a JSON string in
// the rateLimit field of the application hash. Window is in seconds;
// RefillRate and LeakRate are per-second reals.
type RateLimitConfig struct {
	Strategy   Strategy `json:"strategy"`
	Window     int      `json:"window"`
	Requests   int      `json:"requests"`
	Burst      int      `json:"burst,omitempty"`
	RefillRate float64  `json:"refillRate,omitempty"`
	LeakRate   float64  `json:"leakRate,omitempty"`
}

// Validate checks the common and tag-specific fields.
func (c RateLimitConfig) Validate() error {
	switch c.Strategy {
	case FixedWindow, SlidingWindow, TokenBucket, LeakyBucket, SlidingLog:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	if c.Requests <= 0 {
		return fmt.Errorf("%w: requests must be positive", ErrInvalidConfig)
	}
	if c.Burst < 0 {
		return fmt.Errorf("%w: burst must be positive", ErrInvalidConfig)
	}
	if c.RefillRate < 0 {
		return fmt.Errorf("%w: refillRate must be positive", ErrInvalidConfig)
	}
	if c.LeakRate < 0 {
		return fmt.Errorf("%w: leakRate must be positive", ErrInvalidConfig)
	}
	return nil
}

// BurstOrDefault returns the token-bucket capacity; Burst defaults to
// Requests when unset.
func (c RateLimitConfig) BurstOrDefault() float64 {
	if c.Burst > 0 {
		return float64(c.Burst)
	}
	return float64(c.Requests)
}

// RefillRateOrDefault returns the token refill rate, defaulting to 1/s.
func (c RateLimitConfig) RefillRateOrDefault() float64 {
	if c.RefillRate > 0 {
		return c.RefillRate
	}
	return 1
}

// LeakRateOrDefault returns the leak rate, defaulting to 1/s.
func (c RateLimitConfig) LeakRateOrDefault() float64 {
	if c.LeakRate > 0 {
		return c.LeakRate
	}
	return 1
}

// App is a registered upstream API.
type App struct {
	ID        string
	Name      string
	BaseURL   string
	UserID    string
	RateLimit RateLimitConfig
}

// Repository provides typed access to application hashes in the shared store.
type Repository struct {
	store *store.Store
}

// NewRepository binds a repository to the store.
func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

func appKey(id string) string { return "app:" + id }

// Get loads an application by id. Returns ErrNotFound when the hash is
// absent and ErrInvalidConfig when the stored config does not parse.
func (r *Repository) Get(ctx context.Context, id string) (*App, error) {
	fields, err := r.store.HGetAll(ctx, appKey(id))
	if err != nil {
		return nil, fmt.Errorf("load app %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	var cfg RateLimitConfig
	if raw := fields["rateLimit"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return &App{
		ID:        id,
		Name:      fields["name"],
		BaseURL:   fields["baseUrl"],
		UserID:    fields["userId"],
		RateLimit: cfg,
	}, nil
}

// Save writes an application hash. The config is validated before anything
// touches the store, so a stored config is always well-formed.
func (r *Repository) Save(ctx context.Context, app *App) error {
	if app.ID == "" {
		return fmt.Errorf("%w: app id is required", ErrInvalidConfig)
	}
	if err := app.RateLimit.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(app.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate limit config: %w", err)
	}
	return r.store.HSet(ctx, appKey(app.ID),
		"name", app.Name,
		"baseUrl", app.BaseURL,
		"rateLimit", string(raw),
		"userId", app.UserID,
	)
}

// Delete removes an application hash.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.store.Del(ctx, appKey(id))
}
