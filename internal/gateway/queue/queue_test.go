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

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"limitgate/internal/gateway/store"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.New(rdb, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	q := New(s, "node:1")
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return q, mr
}

func sampleRequest(ticket string) DeferredRequest {
	return DeferredRequest{
		TicketID:   ticket,
		AppID:      "app-1",
		Method:     "POST",
		Path:       "v1/orders",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"qty":2}`),
		EnqueuedAt: time.Now().UnixMilli(),
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Append(ctx, sampleRequest("t-1"))
	if err != nil || id == "" {
		t.Fatalf("append: id=%q err=%v", id, err)
	}

	entries, err := q.Read(ctx, "node:1:worker:1", 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0].Request
	if got.TicketID != "t-1" || got.Method != "POST" || got.Path != "v1/orders" {
		t.Fatalf("decoded request mismatch: %+v", got)
	}
	if string(got.Body) != `{"qty":2}` {
		t.Fatalf("body mismatch: %s", got.Body)
	}
	if got.Headers["Content-Type"] != "application/json" {
		t.Fatalf("headers mismatch: %v", got.Headers)
	}
}

func TestRead_FIFOWithinStream(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, ticket := range []string{"a", "b", "c"} {
		if _, err := q.Append(ctx, sampleRequest(ticket)); err != nil {
			t.Fatalf("append %s: %v", ticket, err)
		}
	}
	entries, err := q.Read(ctx, "w", 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Request.TicketID != want {
			t.Fatalf("order violated at %d: got %s want %s", i, entries[i].Request.TicketID, want)
		}
	}
}

func TestRead_SkipsPoisonPayload(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	mr.XAdd("stream:node:1", "*", []string{"payload", "{not json"})
	if _, err := q.Append(ctx, sampleRequest("good")); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := q.Read(ctx, "w", 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].Request.TicketID != "good" {
		t.Fatalf("expected only the good entry, got %+v", entries)
	}
}

func TestTrimIdle_PreservesPendingEntries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Five entries; deliver and ack the first two, deliver-without-ack the third.
	for i := 0; i < 5; i++ {
		if _, err := q.Append(ctx, sampleRequest("t")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	first, err := q.Read(ctx, "w", 2, 10*time.Millisecond)
	if err != nil || len(first) != 2 {
		t.Fatalf("read: n=%d err=%v", len(first), err)
	}
	if err := q.Ack(ctx, first[0].ID, first[1].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	inflight, err := q.Read(ctx, "w", 1, 10*time.Millisecond)
	if err != nil || len(inflight) != 1 {
		t.Fatalf("read in-flight: n=%d err=%v", len(inflight), err)
	}

	// Cap below the current length forces a trim; the acked head may go but
	// the pending entry must survive.
	if err := q.TrimIdle(ctx, 2); err != nil {
		t.Fatalf("trim: %v", err)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 entries after trim (pending + undelivered), got %d", n)
	}
}

func TestTrimIdle_NoopUnderCap(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.Append(ctx, sampleRequest("t")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := q.TrimIdle(ctx, 10); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("trim under cap must not drop entries, len=%d", n)
	}
}

func TestOutcomeLifecycle(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	// Absent record means pending.
	if _, ok, err := q.ReadOutcome(ctx, "t-404"); err != nil || ok {
		t.Fatalf("expected pending, ok=%v err=%v", ok, err)
	}

	if err := q.WriteOutcome(ctx, "t-1", Outcome{Status: StatusCompleted, StatusCode: 204}); err != nil {
		t.Fatalf("write: %v", err)
	}
	o, ok, err := q.ReadOutcome(ctx, "t-1")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if o.Status != StatusCompleted || o.StatusCode != 204 {
		t.Fatalf("outcome mismatch: %+v", o)
	}
	if ttl := mr.TTL(OutcomeKey("t-1")); ttl != OutcomeTTL {
		t.Fatalf("expected 48h TTL, got %v", ttl)
	}

	// Outcomes are monotone: a re-read returns the same value.
	again, ok, err := q.ReadOutcome(ctx, "t-1")
	if err != nil || !ok || again != o {
		t.Fatalf("outcome changed between reads: %+v vs %+v", again, o)
	}
}

func TestWriteOutcome_Failed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	if err := q.WriteOutcome(ctx, "t-f", Outcome{Status: StatusFailed, Error: "upstream unreachable"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	o, ok, err := q.ReadOutcome(ctx, "t-f")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if o.Status != StatusFailed || o.Error != "upstream unreachable" {
		t.Fatalf("outcome mismatch: %+v", o)
	}
}
