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

package memory

import (
	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

// NewLongTerm builds the configured long-term backend. A nil or disabled
// config yields NilLongTerm, which recalls nothing and refuses writes.
func NewLongTerm(cfg *config.MemoryConfig, dimension int) (LongTerm, error) {
	if cfg == nil || !cfg.Enabled() {
		return NilLongTerm{}, nil
	}

	switch cfg.Backend {
	case config.MemoryBackendChromem:
		return NewChromemStore(cfg.Chromem, dimension)
	case config.MemoryBackendQdrant:
		return NewQdrantStore(cfg.Qdrant, dimension)
	case config.MemoryBackendPinecone:
		return NewPineconeStore(cfg.Pinecone, dimension)
	case config.MemoryBackendSQL:
		return NewSQLStoreFromConfig(cfg.SQL, dimension)
	default:
		return nil, session.Errorf(session.KindConfig, "unknown memory backend %q", cfg.Backend)
	}
}
