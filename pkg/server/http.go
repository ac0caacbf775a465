// Copyright 2026 Kadir Pekel
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

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/anchora"
	"github.com/kadirpekel/anchora/pkg/httpclient"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Pipeline is the slice of the orchestrator the edge needs. Both entry
// points take a full request; RunStream hands back the event channel and
// keeps producing until the context is cancelled or the turn finishes.
type Pipeline interface {
	Run(ctx context.Context, req session.Request) (*session.Response, error)
	RunStream(ctx context.Context, req session.Request) (<-chan session.Event, error)
}

// newRouter wires the three endpoints. Middleware is deliberately minimal:
// a request ID for log correlation and a recoverer so a panicking handler
// returns 500 instead of killing the connection.
func newRouter(pipeline Pipeline, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/ask", handleAsk(pipeline))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": anchora.Version,
		})
	})

	r.Get("/metrics", metrics.ServeHTTP)

	return r
}

// handleAsk answers one question. The same endpoint serves both modes:
// a plain request gets the final response as JSON, while "mode":"stream"
// or an Accept: text/event-stream header switches to SSE.
func handleAsk(pipeline Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req session.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, session.WrapError(session.KindConfig, "invalid request body", err))
			return
		}

		if wantsStream(r, &req) {
			streamAsk(w, r, pipeline, req)
			return
		}

		resp, err := pipeline.Run(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func wantsStream(r *http.Request, req *session.Request) bool {
	if req.Mode == session.ModeStream {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// streamAsk relays orchestrator events as SSE frames. Errors raised before
// the first byte are reported with a proper status; after that the stream
// carries its own error event and the status is already committed.
func streamAsk(w http.ResponseWriter, r *http.Request, pipeline Pipeline, req session.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, session.NewError(session.KindInternalInvariant, "response writer does not support streaming"))
		return
	}

	req.Mode = session.ModeStream
	events, err := pipeline.RunStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("failed to encode event", "type", ev.Type, "error", err)
			continue
		}
		if _, err := w.Write(httpclient.FormatSSE(string(ev.Type), data)); err != nil {
			// Client went away. The producer notices via the request
			// context; drain so it can finish shutting the turn down.
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

// writeError maps a classified failure onto an HTTP status and emits the
// same error payload the stream would carry, so clients parse one shape.
func writeError(w http.ResponseWriter, err error) {
	ev := session.NewErrorEvent(err)
	writeJSON(w, statusFor(session.Classify(err)), map[string]*session.EventErrorInfo{
		"error": ev.Error,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// statusFor translates error kinds into HTTP statuses. Upstream failures
// surface as 502 rather than 500: the service is fine, its dependency is
// not. 499 mirrors the nginx convention for client-cancelled requests.
func statusFor(kind session.ErrorKind) int {
	switch kind {
	case session.KindConfig:
		return http.StatusBadRequest
	case session.KindAuth:
		return http.StatusUnauthorized
	case session.KindUpstreamTimeout, session.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case session.KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	case session.KindContextOverflow:
		return http.StatusRequestEntityTooLarge
	case session.KindCancelled:
		return 499
	case session.KindSchema, session.KindUpstreamTransient,
		session.KindUpstreamInvalidRequest, session.KindRetrievalEmpty:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
