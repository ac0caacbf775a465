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

// Package runtime assembles the answering pipeline from configuration.
// The server and the CLI both build a Runtime and drive its orchestrator;
// neither constructs components directly.
package runtime

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/critic"
	"github.com/kadirpekel/anchora/pkg/history"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/memory"
	"github.com/kadirpekel/anchora/pkg/orchestrator"
	"github.com/kadirpekel/anchora/pkg/planner"
	"github.com/kadirpekel/anchora/pkg/session"
	"github.com/kadirpekel/anchora/pkg/telemetry"
)

// Runtime owns the long-lived components of one configured process: the
// model providers, the evidence clients, the memory backends, and the
// orchestrator wired over them. Close releases everything it built.
type Runtime struct {
	config *config.Config

	llms     *llm.Registry
	embedder llm.Provider
	// ownsEmbedder marks a dedicated embedding provider built for a model
	// override; shared registry providers are closed by the registry.
	ownsEmbedder bool
	longTerm     *memory.Manager
	orch         *orchestrator.Orchestrator

	// features is the hot-reloadable base layer. Holds config.FeatureSet.
	features atomic.Value
}

// New builds every component the configuration names and wires the
// orchestrator over them. Optional subsystems degrade rather than fail:
// no search endpoint means no index evidence, no web endpoint means no
// web augmentation, memory backend "none" keeps sessions short-term only.
func New(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, session.NewError(session.KindConfig, "config is required")
	}

	rt := &Runtime{config: cfg}
	rt.features.Store(cfg.Features)

	llms, err := llm.NewRegistry(cfg.LLMs)
	if err != nil {
		return nil, err
	}
	rt.llms = llms

	fail := func(err error) (*Runtime, error) {
		rt.Close()
		return nil, err
	}

	if cfg.Synthesizer == "" {
		return fail(session.NewError(session.KindConfig, "no synthesizer llm configured"))
	}
	synth, err := llms.Get(cfg.Synthesizer)
	if err != nil {
		return fail(fmt.Errorf("synthesizer: %w", err))
	}
	utility, err := llms.Get(cfg.Utility)
	if err != nil {
		return fail(fmt.Errorf("utility llm: %w", err))
	}

	embedder, owned, err := buildEmbedder(cfg, llms)
	if err != nil {
		return fail(err)
	}
	rt.embedder = embedder
	rt.ownsEmbedder = owned

	counter, err := history.NewTokenCounter(synth.Model())
	if err != nil {
		return fail(fmt.Errorf("token counter: %w", err))
	}

	webClient, webFilter, err := buildWeb(cfg, embedder)
	if err != nil {
		return fail(err)
	}

	retriever, err := buildRetrieval(cfg, embedder, utility, webFilter)
	if err != nil {
		return fail(err)
	}

	longTerm, err := buildMemory(cfg, embedder)
	if err != nil {
		return fail(err)
	}
	rt.longTerm = longTerm

	deps := orchestrator.Deps{
		Features:  rt.Features,
		Synth:     synth,
		Embedder:  embedder,
		Planner:   planner.New(utility),
		Critic:    critic.New(utility),
		Grader:    critic.NewGrader(utility, embedder),
		Compactor: history.NewCompactor(utility),
		Budgeter:  history.NewBudgeter(counter),
		Counter:   counter,
		ShortTerm: memory.NewStore(),
		LongTerm:  longTerm,
		Telemetry: telemetry.New(telemetry.WithTraceDepth(cfg.Telemetry.RingSize)),
	}
	// Interface slots stay nil unless the concrete client exists; a typed
	// nil would defeat the orchestrator's presence checks.
	if retriever != nil {
		deps.Retriever = retriever
	}
	if webClient != nil {
		deps.Web = webClient
	}
	if webFilter != nil {
		deps.WebFilter = webFilter
	}

	orch, err := orchestrator.New(deps)
	if err != nil {
		return fail(err)
	}
	rt.orch = orch

	if retriever == nil {
		slog.Warn("no search endpoint configured; answering without index evidence")
	}

	return rt, nil
}

// Orchestrator returns the assembled pipeline.
func (rt *Runtime) Orchestrator() *orchestrator.Orchestrator {
	return rt.orch
}

// Config returns the configuration the runtime was built from.
func (rt *Runtime) Config() *config.Config {
	return rt.config
}

// Features returns the current base feature set. The orchestrator calls
// this at the top of every turn, so SetFeatures takes effect on the next
// turn without a restart.
func (rt *Runtime) Features() config.FeatureSet {
	return rt.features.Load().(config.FeatureSet)
}

// SetFeatures swaps the base feature layer. Session and request overrides
// still apply on top.
func (rt *Runtime) SetFeatures(f config.FeatureSet) {
	if err := f.Validate(); err != nil {
		slog.Warn("rejecting feature update", "error", err)
		return
	}
	rt.features.Store(f)
}

// Close releases providers and memory backends. Safe on a partially
// constructed runtime.
func (rt *Runtime) Close() error {
	var firstErr error

	if rt.longTerm != nil {
		if err := rt.longTerm.Close(); err != nil {
			firstErr = fmt.Errorf("long-term memory: %w", err)
		}
	}
	if rt.ownsEmbedder && rt.embedder != nil {
		if err := rt.embedder.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("embedder: %w", err)
		}
	}
	if rt.llms != nil {
		if err := rt.llms.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("llm registry: %w", err)
		}
	}

	return firstErr
}
