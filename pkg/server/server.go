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

// Package server is the HTTP edge: POST /v1/ask answers questions
// synchronously or over SSE, /healthz reports liveness, /metrics exposes
// the Prometheus registry. The edge stays thin; everything interesting
// happens in the runtime's orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/runtime"
)

// Options configure a server.
type Options struct {
	Config *config.Config

	// Loader, when set, hot-reloads the feature layer on config changes.
	// The caller owns Watch; the server only registers the callback.
	Loader *config.Loader
}

// Server owns the HTTP listener, the runtime, and the session janitor.
type Server struct {
	config *config.Config
	loader *config.Loader

	rt  *runtime.Runtime
	obs *observability.Manager

	httpServer *http.Server

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// New prepares a server. Nothing listens until Start.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}

	s := &Server{
		config:   opts.Config,
		loader:   opts.Loader,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	if s.loader != nil {
		s.loader.SetOnChange(func(next *config.Config) {
			if s.rt == nil {
				return
			}
			s.rt.SetFeatures(next.Features)
			slog.Info("feature layer reloaded")
		})
	}

	return s, nil
}

// Start initializes observability and the runtime, binds the listener, and
// returns once the server is accepting requests. Wait blocks on shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.initialize(ctx); err != nil {
		return err
	}

	handler := newRouter(s.rt.Orchestrator(), s.metricsHandler())

	s.httpServer = &http.Server{
		Addr:        s.config.Server.Address(),
		Handler:     handler,
		ReadTimeout: s.config.Server.ReadTimeout.Duration(),
		// WriteTimeout stays unset: SSE responses outlive any fixed budget.
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.cleanup(context.Background())
		return fmt.Errorf("http server: %w", err)
	case <-time.After(250 * time.Millisecond):
	}

	slog.Info("server started",
		"addr", s.config.Server.Address(),
		"metrics", s.config.Server.Observability != nil)

	go s.runLifecycle(errChan)
	go s.runJanitor()

	return nil
}

// Wait blocks until the server has fully shut down.
func (s *Server) Wait() {
	<-s.doneChan
}

// Stop requests shutdown and waits for it, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })

	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) initialize(ctx context.Context) error {
	if obsCfg := s.config.Server.Observability; obsCfg != nil {
		mgr := observability.NewManager(*obsCfg)
		if err := mgr.Initialize(ctx); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
		s.obs = mgr
	}

	rt, err := runtime.New(s.config)
	if err != nil {
		if s.obs != nil {
			_ = s.obs.Shutdown(context.Background())
		}
		return err
	}
	s.rt = rt

	return nil
}

// runLifecycle waits for a signal, a stop request, or a listener error.
func (s *Server) runLifecycle(errChan <-chan error) {
	defer close(s.doneChan)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		slog.Info("shutting down on signal")
	case <-s.stopChan:
		slog.Info("shutting down on request")
	case err := <-errChan:
		slog.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout.Duration())
	defer cancel()
	s.cleanup(shutdownCtx)
}

// runJanitor ages out idle sessions from the short-term store and the
// telemetry trace ring. The interval rides the session TTL so eviction lag
// stays proportional to retention.
func (s *Server) runJanitor() {
	ttl := s.config.Telemetry.SessionTTL.Duration()
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneChan:
			return
		case <-ticker.C:
			orch := s.rt.Orchestrator()
			sessions := orch.ShortTerm().Sweep(ttl)
			traces := orch.Telemetry().Sweep(ttl)
			if sessions > 0 || traces > 0 {
				slog.Debug("swept idle sessions", "sessions", sessions, "traces", traces)
			}
		}
	}
}

func (s *Server) cleanup(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}
	if s.rt != nil {
		if err := s.rt.Close(); err != nil {
			slog.Warn("runtime close", "error", err)
		}
	}
	if s.obs != nil {
		if err := s.obs.Shutdown(ctx); err != nil {
			slog.Warn("observability shutdown", "error", err)
		}
	}
}

// metricsHandler serves the Prometheus registry, or 404 when metrics are
// disabled.
func (s *Server) metricsHandler() http.Handler {
	if s.obs != nil {
		if m := s.obs.GetMetrics(); m != nil {
			return m.Handler()
		}
	}
	return observability.NoopMetrics{}.Handler()
}
