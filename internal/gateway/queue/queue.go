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

// Package queue is the deferred-execution pipeline's data plane: a per-node
// append-only stream of serialised requests with consumer-group delivery,
// plus the outcome records clients poll for.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"limitgate/internal/gateway/store"
)

// DeferredRequest is the stable wire record appended to the stream when a
// request is deferred. Headers are carried verbatim, including any client
// credentials, and replayed on execution.
type DeferredRequest struct {
	TicketID   string            `json:"ticketId"`
	AppID      string            `json:"appId"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
	EnqueuedAt int64             `json:"enqueuedAt"`
}

// Outcome statuses. Pending is never materialised; it is the absence of an
// outcome record.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// OutcomeTTL bounds how long a recorded outcome stays readable.
const OutcomeTTL = 48 * time.Hour

// Outcome is the recorded result of a deferred request, keyed by ticket.
type Outcome struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Entry is one delivered stream entry: the stream id to acknowledge plus the
// decoded request.
type Entry struct {
	ID      string
	Request DeferredRequest
}

// StreamKey returns the per-node stream key.
func StreamKey(nodeID string) string { return "stream:" + nodeID }

// GroupKey returns the per-node consumer-group name.
func GroupKey(nodeID string) string { return "group:" + nodeID }

// OutcomeKey returns the outcome key for a ticket.
func OutcomeKey(ticketID string) string { return "response:" + ticketID }

// Queue binds the stream operations to one node's stream and group.
type Queue struct {
	store  *store.Store
	stream string
	group  string
}

// New creates the queue view for a node.
func New(s *store.Store, nodeID string) *Queue {
	return &Queue{
		store:  s,
		stream: StreamKey(nodeID),
		group:  GroupKey(nodeID),
	}
}

// EnsureGroup creates the consumer group (and stream) if needed. Safe to call
// repeatedly.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	return q.store.GroupCreate(ctx, q.stream, q.group)
}

// Append serialises the request and appends it to the tail of the stream,
// returning the assigned stream id.
func (q *Queue) Append(ctx context.Context, req DeferredRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal deferred request: %w", err)
	}
	return q.store.StreamAppend(ctx, q.stream, string(payload))
}

// Read delivers up to count entries to the named consumer, blocking up to
// block when the stream is idle. Entries whose payload fails to decode are
// acknowledged and skipped so one poison entry cannot wedge the stream.
func (q *Queue) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	msgs, err := q.store.ReadGroup(ctx, q.stream, q.group, consumer, count, block)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		payload, _ := m.Values["payload"].(string)
		var req DeferredRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			_ = q.store.Ack(ctx, q.stream, q.group, m.ID)
			continue
		}
		entries = append(entries, Entry{ID: m.ID, Request: req})
	}
	return entries, nil
}

// Ack acknowledges processed entries.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	return q.store.Ack(ctx, q.stream, q.group, ids...)
}

// Len returns the stream length.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.store.StreamLen(ctx, q.stream)
}

// RemoveConsumer deletes a consumer from the group; its pending entries
// become ownerless within the group.
func (q *Queue) RemoveConsumer(ctx context.Context, consumer string) error {
	return q.store.DeleteConsumer(ctx, q.stream, q.group, consumer)
}

// TrimIdle enforces the stream length bound. It trims from the head but never
// past the oldest still-pending entry: in-flight work is preserved and only
// idle surplus (entries already delivered and acknowledged) is dropped. With
// nothing pending, everything up to the group's delivery cursor is surplus.
func (q *Queue) TrimIdle(ctx context.Context, maxLen int64) error {
	n, err := q.store.StreamLen(ctx, q.stream)
	if err != nil {
		return err
	}
	if n <= maxLen {
		return nil
	}
	pending, err := q.store.PendingSummary(ctx, q.stream, q.group)
	if err != nil {
		return err
	}
	var minID string
	if pending != nil {
		minID = pending.Lower
	} else {
		minID, err = q.store.GroupLastDeliveredID(ctx, q.stream, q.group)
		if err != nil {
			return err
		}
	}
	if minID == "" || minID == "0-0" {
		return nil
	}
	return q.store.TrimMinID(ctx, q.stream, minID)
}

// WriteOutcome records the result for a ticket with the standard TTL.
func (q *Queue) WriteOutcome(ctx context.Context, ticketID string, o Outcome) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	return q.store.SetWithTTL(ctx, OutcomeKey(ticketID), string(raw), OutcomeTTL)
}

// ReadOutcome returns the recorded outcome for a ticket; ok is false while
// the request is still pending (no record written yet).
func (q *Queue) ReadOutcome(ctx context.Context, ticketID string) (Outcome, bool, error) {
	raw, ok, err := q.store.Get(ctx, OutcomeKey(ticketID))
	if err != nil || !ok {
		return Outcome{}, false, err
	}
	var o Outcome
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return Outcome{}, false, fmt.Errorf("decode outcome %s: %w", ticketID, err)
	}
	return o, true, nil
}
