//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"limitgate/internal/gateway/api"
	"limitgate/internal/gateway/apps"
	"limitgate/internal/gateway/limiter"
	"limitgate/internal/gateway/store"
	"limitgate/internal/gateway/worker"
)

// requireRedis connects to the local Redis used for end-to-end runs and skips
// the test when it is unreachable. DB 9 is flushed so runs are independent.
func requireRedis(t *testing.T) *store.Store {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	if err := rc.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	s := store.New(rc, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestGatewayAdmitEnqueueDrainE2E drives the HTTP surface against real Redis:
// in-budget requests proxy straight through, the over-budget one returns a
// ticket, and the ticket reads back as pending. Requires a Redis at 127.0.0.1:6379.
func TestGatewayAdmitEnqueueDrainE2E(t *testing.T) {
	s := requireRedis(t)
	ctx := context.Background()
	logger := zap.NewNop()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	repo := apps.NewRepository(s)
	lim := limiter.New(s, logger)
	if err := repo.Save(ctx, &apps.App{
		ID:      "e2e-app",
		Name:    "e2e",
		BaseURL: upstream.URL,
		RateLimit: apps.RateLimitConfig{
			Strategy: apps.FixedWindow,
			Window:   3600,
			Requests: 2,
		},
	}); err != nil {
		t.Fatalf("save app: %v", err)
	}

	mgr, err := worker.NewManager(ctx, s, repo, lim, nil, logger, worker.Config{
		ScaleInterval: 50 * time.Millisecond,
		ReadBlock:     100 * time.Millisecond,
		RetireGrace:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer mgr.Shutdown(ctx)
	mgr.Start(ctx)

	gw := httptest.NewServer(func() http.Handler {
		mux := http.NewServeMux()
		api.NewServer(s, repo, lim, mgr.Queue(), nil, logger).RegisterRoutes(mux)
		return mux
	}())
	defer gw.Close()

	client := &http.Client{Timeout: 5 * time.Second}

	// Two in-budget requests proxy straight through.
	for i := 0; i < 2; i++ {
		resp, err := client.Get(gw.URL + "/apis/e2e-app/ping")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	// The third queues and returns a ticket.
	resp, err := client.Post(gw.URL+"/apis/e2e-app/ping", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("queued request: %v", err)
	}
	var queued struct {
		Status string `json:"status"`
		Data   struct {
			RequestID string `json:"requestId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("decode 202: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || queued.Status != "queued" || queued.Data.RequestID == "" {
		t.Fatalf("malformed queued response: code=%d %+v", resp.StatusCode, queued)
	}

	// The hour-long window will not roll during the test, so the ticket
	// stays pending.
	statusURL := gw.URL + "/apis/status/" + queued.Data.RequestID
	var outcome struct {
		Status string `json:"status"`
	}
	resp, err = client.Get(statusURL)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if outcome.Status != "pending" {
		t.Fatalf("expected pending right after enqueue, got %q", outcome.Status)
	}
}

// TestGatewayDeferredCompletionE2E uses a one-second window so a queued
// request becomes admissible while the test watches: a worker re-admits it,
// replays it upstream, and the ticket resolves to completed.
func TestGatewayDeferredCompletionE2E(t *testing.T) {
	s := requireRedis(t)
	ctx := context.Background()
	logger := zap.NewNop()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	repo := apps.NewRepository(s)
	lim := limiter.New(s, logger)
	// A one-second window: deferred requests become admissible quickly.
	if err := repo.Save(ctx, &apps.App{
		ID:      "e2e-app",
		Name:    "e2e",
		BaseURL: upstream.URL,
		RateLimit: apps.RateLimitConfig{
			Strategy: apps.FixedWindow,
			Window:   1,
			Requests: 1,
		},
	}); err != nil {
		t.Fatalf("save app: %v", err)
	}

	mgr, err := worker.NewManager(ctx, s, repo, lim, nil, logger, worker.Config{
		ScaleInterval: 50 * time.Millisecond,
		ReadBlock:     100 * time.Millisecond,
		RetireGrace:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer mgr.Shutdown(ctx)
	mgr.Start(ctx)

	gw := httptest.NewServer(func() http.Handler {
		mux := http.NewServeMux()
		api.NewServer(s, repo, lim, mgr.Queue(), nil, logger).RegisterRoutes(mux)
		return mux
	}())
	defer gw.Close()

	client := &http.Client{Timeout: 5 * time.Second}

	// Burn the window's only slot, then queue one.
	resp, err := client.Get(gw.URL + "/apis/e2e-app/a")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp.Body.Close()

	resp, err = client.Get(gw.URL + "/apis/e2e-app/b")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	var queued struct {
		Data struct {
			RequestID string `json:"requestId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("decode 202: %v", err)
	}
	resp.Body.Close()

	// Within a few seconds the window rolls, a worker re-admits the entry,
	// executes it, and records the outcome.
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := client.Get(gw.URL + "/apis/status/" + queued.Data.RequestID)
		if err != nil {
			t.Fatalf("status poll: %v", err)
		}
		var outcome struct {
			Status     string `json:"status"`
			StatusCode int    `json:"statusCode"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		resp.Body.Close()
		if outcome.Status == "completed" {
			if outcome.StatusCode != http.StatusCreated {
				t.Fatalf("expected recorded 201, got %d", outcome.StatusCode)
			}
			return
		}
		if outcome.Status == "failed" {
			t.Fatalf("deferred request failed unexpectedly")
		}
		if time.Now().After(deadline) {
			t.Fatalf("deferred request never completed; last status %q", outcome.Status)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
