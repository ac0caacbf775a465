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

package runtime

import (
	"context"
	"fmt"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/httpclient"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/memory"
	"github.com/kadirpekel/anchora/pkg/ratelimit"
	"github.com/kadirpekel/anchora/pkg/retrieval"
	"github.com/kadirpekel/anchora/pkg/search"
	"github.com/kadirpekel/anchora/pkg/web"
)

// buildEmbedder resolves the embedding provider. The embedder block names
// an llm entry; unset, it rides the synthesizer. A model override builds a
// dedicated provider instance so the chat model's configuration stays
// untouched; the returned bool says whether the caller owns that instance.
func buildEmbedder(cfg *config.Config, llms *llm.Registry) (llm.Provider, bool, error) {
	name := cfg.Embedder.Provider
	if name == "" {
		name = cfg.Synthesizer
	}

	base, ok := cfg.LLMs[name]
	if !ok || base == nil {
		return nil, false, fmt.Errorf("embedder references unknown llm %q", name)
	}

	if cfg.Embedder.Model == "" || cfg.Embedder.Model == base.EmbeddingModel {
		shared, err := llms.Get(name)
		if err != nil {
			return nil, false, fmt.Errorf("embedder: %w", err)
		}
		return paceEmbedder(shared, cfg.Embedder.MaxRPS), false, nil
	}

	override := *base
	override.EmbeddingModel = cfg.Embedder.Model
	dedicated, err := llm.New(&override)
	if err != nil {
		return nil, false, fmt.Errorf("embedder: %w", err)
	}
	return paceEmbedder(dedicated, cfg.Embedder.MaxRPS), true, nil
}

// pacedEmbedder throttles Embed to the vendor rate budget. Every consumer
// of the embedder handle shares one bucket, so planner fan-out, web
// filtering, and memory recall compete for the same budget rather than
// each getting their own.
type pacedEmbedder struct {
	llm.Provider
	limiter *ratelimit.Limiter
}

func (p *pacedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.Embed(ctx, texts)
}

func paceEmbedder(provider llm.Provider, rps float64) llm.Provider {
	limiter := ratelimit.New(rps)
	if limiter == nil {
		return provider
	}
	return &pacedEmbedder{Provider: provider, limiter: limiter}
}

// buildWeb constructs the web search client and the quality filter. The
// filter also serves as the retrieval authority scorer, so it is built
// even when no web endpoint is configured.
func buildWeb(cfg *config.Config, embedder llm.Provider) (*web.Client, *web.QualityFilter, error) {
	filter := web.NewQualityFilter(&cfg.Web, embedder)

	if cfg.Web.Endpoint == "" {
		return nil, filter, nil
	}
	client, err := web.NewClient(&cfg.Web)
	if err != nil {
		return nil, nil, fmt.Errorf("web client: %w", err)
	}
	return client, filter, nil
}

// buildRetrieval constructs the index client and the retrieval engine.
// No endpoint means no index evidence; the orchestrator degrades.
func buildRetrieval(cfg *config.Config, embedder llm.Provider, utility llm.Provider, authority retrieval.AuthorityScorer) (*retrieval.Engine, error) {
	if cfg.Search.Endpoint == "" {
		return nil, nil
	}

	var tokens search.TokenProvider
	if cfg.Search.Token != nil {
		tokens = llm.NewBearerSource(cfg.Search.Token, httpclient.New())
	}

	client, err := search.NewClient(&cfg.Search, tokens)
	if err != nil {
		return nil, fmt.Errorf("search client: %w", err)
	}

	opts := []retrieval.Option{retrieval.WithAuthority(authority)}
	if len(cfg.Search.Federation) > 0 {
		indexes := []string{cfg.Search.Index}
		for _, fed := range cfg.Search.Federation {
			indexes = append(indexes, fed.Index)
		}
		opts = append(opts, retrieval.WithIndexes(indexes...))
	}

	return retrieval.NewEngine(client, embedder, utility, opts...), nil
}

// buildMemory constructs the long-term store behind its manager. Backend
// "none" yields a manager that recalls nothing and refuses writes.
func buildMemory(cfg *config.Config, embedder llm.Provider) (*memory.Manager, error) {
	longterm, err := memory.NewLongTerm(&cfg.Memory, cfg.Embedder.Dimension)
	if err != nil {
		return nil, fmt.Errorf("long-term memory: %w", err)
	}
	return memory.NewManager(longterm, &singleEmbedder{provider: embedder}, cfg.Memory.SoftCap), nil
}

// singleEmbedder adapts the batched llm.Provider embedding call to the
// single-text slice the memory layer consumes.
type singleEmbedder struct {
	provider llm.Provider
}

func (s *singleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed: expected 1 vector, got %d", len(vectors))
	}
	return vectors[0], nil
}
