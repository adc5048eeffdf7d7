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

// Package api implements the public-facing HTTP surface of the gateway: the
// synchronous admit-or-enqueue proxy path and the ticket status path.
// Error responses never expose store internals; the original cause goes to
// the logs.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"limitgate/internal/gateway/apps"
	"limitgate/internal/gateway/limiter"
	"limitgate/internal/gateway/queue"
	"limitgate/internal/gateway/store"
	"limitgate/internal/gateway/telemetry"
)

// Server handles the gateway's HTTP requests.
type Server struct {
	store   *store.Store
	apps    *apps.Repository
	limiter *limiter.Limiter
	queue   *queue.Queue
	client  *http.Client
	logger  *zap.Logger
}

// NewServer wires the proxy and status handlers. client may be nil, in which
// case a 30-second-timeout client is used for upstream calls.
func NewServer(s *store.Store, repo *apps.Repository, lim *limiter.Limiter, q *queue.Queue, client *http.Client, logger *zap.Logger) *Server {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Server{
		store:   s,
		apps:    repo,
		limiter: lim,
		queue:   q,
		client:  client,
		logger:  logger,
	}
}

// RegisterRoutes sets up the HTTP routes on the given ServeMux. The status
// route is literal and therefore more specific than the proxy wildcard.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /apis/status/{ticketId}", s.handleStatus)
	mux.HandleFunc("/apis/{appId}/{tail...}", s.handleProxy)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// queuedData is the payload of a 202 response for a deferred request.
type queuedData struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

type queuedResponse struct {
	Status string     `json:"status"`
	Data   queuedData `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleProxy is the synchronous admit path: look up the app, consult the
// limiter, and either forward inline or enqueue and hand back a ticket.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	tail := r.PathValue("tail")

	app, err := s.apps.Get(r.Context(), appID)
	if errors.Is(err, apps.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "application not found")
		return
	}
	if err != nil {
		s.logger.Error("app lookup failed", zap.String("app", appID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	admitted, err := s.limiter.Decide(r.Context(), app.ID, app.RateLimit)
	if errors.Is(err, apps.ErrInvalidConfig) {
		s.writeError(w, http.StatusBadRequest, "invalid rate limit configuration")
		return
	}
	if err != nil {
		s.logger.Error("rate limit decision failed", zap.String("app", appID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if admitted {
		s.forward(w, r, app, tail)
		return
	}
	s.enqueue(w, r, app, tail)
}

// forward relays the request to the upstream and the upstream's response back
// to the client. The upstream sees the original headers with the Host set to
// its own origin and the caller's address appended to X-Forwarded-For.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, app *apps.App, tail string) {
	target := strings.TrimRight(app.BaseURL, "/") + "/" + tail
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		s.logger.Error("upstream request build failed", zap.String("app", app.ID), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	for k, vals := range r.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vals {
			upReq.Header.Add(k, v)
		}
	}
	upReq.Header.Set("X-Forwarded-For", appendForwardedFor(r))

	start := time.Now()
	resp, err := s.client.Do(upReq)
	if err != nil {
		s.logger.Warn("upstream call failed", zap.String("app", app.ID), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()
	telemetry.ObserveUpstream(time.Since(start))

	s.relay(w, resp)
}

// relay copies the upstream response to the client. JSON and text bodies are
// buffered whole; anything else streams through as opaque bytes.
func (s *Server) relay(w http.ResponseWriter, resp *http.Response) {
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/") {
		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			s.logger.Warn("upstream body read failed", zap.Error(err))
			return
		}
		_, _ = w.Write(buf)
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn("upstream body relay failed", zap.Error(err))
	}
}

// enqueue serialises the request onto this node's stream and answers with a
// ticket the client can poll.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, app *apps.App, tail string) {
	ticket := uuid.NewString()

	headers := make(map[string]string, len(r.Header))
	for k, vals := range r.Header {
		headers[k] = strings.Join(vals, ", ")
	}
	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "could not read request body")
			return
		}
	}

	req := queue.DeferredRequest{
		TicketID:   ticket,
		AppID:      app.ID,
		Method:     r.Method,
		Path:       tail,
		Headers:    headers,
		Body:       body,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	if _, err := s.queue.Append(r.Context(), req); err != nil {
		s.logger.Error("enqueue failed", zap.String("app", app.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	telemetry.Enqueued()

	s.writeJSON(w, http.StatusAccepted, queuedResponse{
		Status: "queued",
		Data: queuedData{
			RequestID: ticket,
			Message:   "rate limit exceeded, request queued for deferred execution",
		},
	})
}

// handleStatus returns the recorded outcome for a ticket, or pending while
// no outcome has been written. No mutation.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ticket := r.PathValue("ticketId")
	outcome, ok, err := s.queue.ReadOutcome(r.Context(), ticket)
	if err != nil {
		s.logger.Error("outcome read failed", zap.String("ticket", ticket), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, queue.Outcome{Status: queue.StatusPending})
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

// handleHealth reports store connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// appendForwardedFor extends the inbound X-Forwarded-For chain with the
// caller's remote address.
func appendForwardedFor(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		return prior + ", " + remote
	}
	return remote
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// HTTPServer returns an http.Server with the gateway routes registered and
// sane timeouts set. The caller owns its lifecycle, so graceful shutdown is
// orchestrated from main.
func (s *Server) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
