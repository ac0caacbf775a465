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

package llm

import (
	"fmt"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

// New creates a provider from config.
func New(cfg *config.LLMConfig) (Provider, error) {
	if cfg == nil {
		return nil, session.NewError(session.KindConfig, "llm config cannot be nil")
	}

	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(cfg)
	case config.LLMProviderGemini:
		return NewGeminiProvider(cfg)
	default:
		return nil, session.Errorf(session.KindConfig, "unsupported llm provider: %s (supported: openai, gemini)", cfg.Provider)
	}
}

// Registry holds the configured providers by name. The map is populated
// once by NewRegistry and read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds every configured provider. On any failure the ones
// built so far are closed before returning.
func NewRegistry(configs map[string]*config.LLMConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(configs))}

	for name, cfg := range configs {
		provider, err := New(cfg)
		if err != nil {
			r.Close()
			return nil, session.WrapError(session.KindConfig, fmt.Sprintf("failed to create llm %q", name), err)
		}
		r.providers[name] = provider
	}

	return r, nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	provider, ok := r.providers[name]
	if !ok {
		return nil, session.Errorf(session.KindConfig, "llm %q not found", name)
	}
	return provider, nil
}

// Close closes every provider and reports the first failure.
func (r *Registry) Close() error {
	var firstErr error
	for _, provider := range r.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
