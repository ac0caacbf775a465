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

// Package config holds the typed YAML configuration for the anchora service
// and the three-layer feature resolution used per turn.
package config

import (
	"fmt"
	"os"

	"github.com/kadirpekel/anchora/pkg/logger"
	"github.com/kadirpekel/anchora/pkg/observability"
)

// Config is the root configuration.
//
// Example:
//
//	name: anchora
//	server:
//	  port: 8080
//	llms:
//	  synthesizer:
//	    provider: openai
//	    model: gpt-4o
//	    api_key: ${OPENAI_API_KEY}
//	search:
//	  endpoint: https://acme.search.windows.net
//	  index: handbook
//	features:
//	  enable_crag: true
type Config struct {
	Version     string `yaml:"version,omitempty"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	Server ServerConfig  `yaml:"server,omitempty"`
	Logger logger.Config `yaml:"logger,omitempty"`

	LLMs map[string]*LLMConfig `yaml:"llms,omitempty"`

	// Synthesizer names the LLM used for answer generation; Utility names
	// the (usually cheaper) LLM for routing, planning, grading, and
	// reformulation. Utility falls back to Synthesizer when unset.
	Synthesizer string `yaml:"synthesizer,omitempty"`
	Utility     string `yaml:"utility,omitempty"`

	Embedder EmbedderConfig `yaml:"embedder,omitempty"`

	Search SearchConfig `yaml:"search,omitempty"`
	Web    WebConfig    `yaml:"web,omitempty"`

	Memory    MemoryConfig    `yaml:"memory,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	Features FeatureSet `yaml:"features,omitempty"`
}

// SetDefaults applies defaults bottom-up. Features default first so that an
// entirely empty features block yields the documented defaults.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "anchora"
	}

	c.Server.SetDefaults()
	c.Logger.SetDefaults()

	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	for _, llm := range c.LLMs {
		if llm != nil {
			llm.SetDefaults()
		}
	}
	if c.Synthesizer == "" && len(c.LLMs) == 1 {
		for name := range c.LLMs {
			c.Synthesizer = name
		}
	}
	if c.Utility == "" {
		c.Utility = c.Synthesizer
	}

	c.Embedder.SetDefaults()
	c.Search.SetDefaults()
	c.Web.SetDefaults()
	c.Memory.SetDefaults()
	c.Telemetry.SetDefaults()

	defaults := DefaultFeatures()
	zero := FeatureSet{}
	if c.Features == zero {
		c.Features = defaults
	} else {
		// Partial blocks inherit defaults for unset numeric knobs. Bool
		// toggles keep their YAML value; absent bools decode to false,
		// which matches the opt-in defaults for the heavy features and is
		// overridden below only where the default is on.
		fillFeatureDefaults(&c.Features, defaults)
	}
}

// fillFeatureDefaults replaces zero-valued numeric knobs with defaults.
// Toggles are deliberately left alone: YAML `false` and absent are
// indistinguishable on a concrete bool, so the resolved base treats them
// the same way.
func fillFeatureDefaults(f *FeatureSet, d FeatureSet) {
	if f.DualThreshold == 0 {
		f.DualThreshold = d.DualThreshold
	}
	if f.IntentConfThreshold == 0 {
		f.IntentConfThreshold = d.IntentConfThreshold
	}
	if f.DecompositionThreshold == 0 {
		f.DecompositionThreshold = d.DecompositionThreshold
	}
	if f.MaxParallelSubQueries == 0 {
		f.MaxParallelSubQueries = d.MaxParallelSubQueries
	}
	if f.MaxRevisions == 0 {
		f.MaxRevisions = d.MaxRevisions
	}
	if f.MinCoverage == 0 {
		f.MinCoverage = d.MinCoverage
	}
	if f.TopK == 0 {
		f.TopK = d.TopK
	}
	if f.MinDocs == 0 {
		f.MinDocs = d.MinDocs
	}
	if f.PrimaryRerankerThreshold == 0 {
		f.PrimaryRerankerThreshold = d.PrimaryRerankerThreshold
	}
	if f.RelaxedRerankerThreshold == 0 {
		f.RelaxedRerankerThreshold = d.RelaxedRerankerThreshold
	}
	if f.MaxReformulations == 0 {
		f.MaxReformulations = d.MaxReformulations
	}
	if f.MinDiversity == 0 {
		f.MinDiversity = d.MinDiversity
	}
	if f.MinAuthority == 0 {
		f.MinAuthority = d.MinAuthority
	}
	if f.RRFK == 0 {
		f.RRFK = d.RRFK
	}
	if f.SemanticBoostWeight == 0 {
		f.SemanticBoostWeight = d.SemanticBoostWeight
	}
	if f.WebK == 0 {
		f.WebK = d.WebK
	}
	if f.RecentTurns == 0 {
		f.RecentTurns = d.RecentTurns
	}
	if f.ContextWindowTokens == 0 {
		f.ContextWindowTokens = d.ContextWindowTokens
	}
	if f.HistoryTokens == 0 {
		f.HistoryTokens = d.HistoryTokens
	}
	if f.SummaryTokens == 0 {
		f.SummaryTokens = d.SummaryTokens
	}
	if f.SalienceTokens == 0 {
		f.SalienceTokens = d.SalienceTokens
	}
	if f.ReferenceTokens == 0 {
		f.ReferenceTokens = d.ReferenceTokens
	}
	if f.WebTokens == 0 {
		f.WebTokens = d.WebTokens
	}
	if f.RevisionTokens == 0 {
		f.RevisionTokens = d.RevisionTokens
	}
	if f.ReservedOutputTokens == 0 {
		f.ReservedOutputTokens = d.ReservedOutputTokens
	}
	if f.MemoryMinSimilarity == 0 {
		f.MemoryMinSimilarity = d.MemoryMinSimilarity
	}
	if f.MemoryRecallK == 0 {
		f.MemoryRecallK = d.MemoryRecallK
	}
	if f.MemoryMaxAgeTurns == 0 {
		f.MemoryMaxAgeTurns = d.MemoryMaxAgeTurns
	}
	if f.MemoryMaxAgeDays == 0 {
		f.MemoryMaxAgeDays = d.MemoryMaxAgeDays
	}
	if f.MemoryMinUsage == 0 {
		f.MemoryMinUsage = d.MemoryMinUsage
	}
	if f.LLMTimeout == 0 {
		f.LLMTimeout = d.LLMTimeout
	}
	if f.SearchTimeout == 0 {
		f.SearchTimeout = d.SearchTimeout
	}
	if f.WebTimeout == 0 {
		f.WebTimeout = d.WebTimeout
	}
	if f.TurnDeadline == 0 {
		f.TurnDeadline = d.TurnDeadline
	}
}

// Validate checks the full configuration tree.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	if len(c.LLMs) == 0 {
		return fmt.Errorf("at least one llm must be configured")
	}
	for name, llm := range c.LLMs {
		if llm == nil {
			continue
		}
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	if c.Synthesizer == "" {
		return fmt.Errorf("synthesizer is required when multiple llms are configured")
	}
	if _, ok := c.LLMs[c.Synthesizer]; !ok {
		return fmt.Errorf("synthesizer references unknown llm %q", c.Synthesizer)
	}
	if c.Utility != "" {
		if _, ok := c.LLMs[c.Utility]; !ok {
			return fmt.Errorf("utility references unknown llm %q", c.Utility)
		}
	}

	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if c.Embedder.Provider != "" {
		if _, ok := c.LLMs[c.Embedder.Provider]; !ok {
			return fmt.Errorf("embedder references unknown llm %q", c.Embedder.Provider)
		}
	}

	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := c.Web.Validate(); err != nil {
		return fmt.Errorf("web: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.Features.Validate(); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	return nil
}

// GetLLM resolves an LLM by name.
func (c *Config) GetLLM(name string) (*LLMConfig, bool) {
	llm, ok := c.LLMs[name]
	return llm, ok
}

// ============================================================================
// SERVER
// ============================================================================

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty"`

	ReadTimeout     Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout    Duration `yaml:"write_timeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty"`
}

// SetDefaults applies server defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(30e9)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(10e9)
	}
	// WriteTimeout stays zero: SSE streams outlive any fixed write budget.

	if c.Observability != nil {
		c.Observability.SetDefaults()
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	return nil
}

// Address returns the HTTP server address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ============================================================================
// LLM PROVIDERS
// ============================================================================

// LLMProvider identifies an upstream LLM vendor.
type LLMProvider string

const (
	LLMProviderOpenAI LLMProvider = "openai"
	LLMProviderGemini LLMProvider = "gemini"
)

// LLMConfig configures one LLM provider entry.
type LLMConfig struct {
	// Provider type (openai, gemini).
	Provider LLMProvider `yaml:"provider,omitempty"`

	// Model name (e.g., "gpt-4o", "gemini-2.0-flash").
	Model string `yaml:"model,omitempty"`

	// APIKey for static authentication. Supports ${VAR} expansion.
	// Mutually exclusive with Token.
	APIKey string `yaml:"api_key,omitempty"`

	// Token configures short-lived bearer authentication instead of a
	// static key. The mode is fixed at startup.
	Token *TokenAuthConfig `yaml:"token,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// EmbeddingModel used for embed calls through this provider.
	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout per call.
	Timeout Duration `yaml:"timeout,omitempty"`

	// MaxRetries for retryable upstream failures.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// TokenAuthConfig configures a short-lived bearer credential source.
type TokenAuthConfig struct {
	// URL of the token endpoint (client-credentials style).
	URL string `yaml:"url"`

	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	Scope        string `yaml:"scope,omitempty"`

	// ExpiryBuffer refreshes tokens this long before expiry.
	ExpiryBuffer Duration `yaml:"expiry_buffer,omitempty"`
}

// SetDefaults applies LLM defaults.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}
	if c.Model == "" {
		switch c.Provider {
		case LLMProviderOpenAI:
			c.Model = "gpt-4o"
		case LLMProviderGemini:
			c.Model = "gemini-2.0-flash"
		}
	}
	if c.EmbeddingModel == "" {
		switch c.Provider {
		case LLMProviderOpenAI:
			c.EmbeddingModel = "text-embedding-3-small"
		case LLMProviderGemini:
			c.EmbeddingModel = "text-embedding-004"
		}
	}
	if c.APIKey == "" && c.Token == nil {
		c.APIKey = apiKeyFromEnv(c.Provider)
	}
	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.2)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(60e9)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Token != nil && c.Token.ExpiryBuffer == 0 {
		c.Token.ExpiryBuffer = Duration(120e9)
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderOpenAI, LLMProviderGemini:
	default:
		return fmt.Errorf("invalid provider %q (valid: openai, gemini)", c.Provider)
	}

	if c.APIKey == "" && c.Token == nil {
		return fmt.Errorf("api_key or token is required for provider %q", c.Provider)
	}
	if c.APIKey != "" && c.Token != nil {
		return fmt.Errorf("api_key and token are mutually exclusive")
	}
	if c.Token != nil && c.Token.URL == "" {
		return fmt.Errorf("token.url is required")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

func detectProviderFromEnv() LLMProvider {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	if os.Getenv("GEMINI_API_KEY") != "" {
		return LLMProviderGemini
	}
	return LLMProviderOpenAI
}

func apiKeyFromEnv(provider LLMProvider) string {
	switch provider {
	case LLMProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case LLMProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}

// ============================================================================
// EMBEDDER
// ============================================================================

// EmbedderConfig selects the provider and model used for embeddings.
type EmbedderConfig struct {
	// Provider references an entry in the top-level llms map.
	Provider string `yaml:"provider,omitempty"`

	// Model overrides the provider's embedding model.
	Model string `yaml:"model,omitempty"`

	// Dimension of the produced vectors. Long-term memory refuses reads
	// when the stored dimension disagrees.
	Dimension int `yaml:"dimension,omitempty"`

	// MaxRPS caps embedding calls per second to the vendor.
	// Defaults to 10; negative disables.
	MaxRPS float64 `yaml:"max_rps,omitempty"`
}

// SetDefaults applies embedder defaults.
func (c *EmbedderConfig) SetDefaults() {
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.MaxRPS == 0 {
		c.MaxRPS = 10
	}
}

// Validate checks the embedder configuration.
func (c *EmbedderConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	return nil
}

// ============================================================================
// SEARCH INDEX
// ============================================================================

// SearchConfig configures the enterprise document index client.
type SearchConfig struct {
	// Endpoint of the search service.
	Endpoint string `yaml:"endpoint,omitempty"`

	// APIKey for the search service. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// Token configures short-lived bearer auth instead of an api-key,
	// for indexes reached through an authenticating gateway.
	Token *TokenAuthConfig `yaml:"token,omitempty"`

	// Index is the primary index name.
	Index string `yaml:"index,omitempty"`

	// SemanticConfiguration names the reranker configuration on the index.
	SemanticConfiguration string `yaml:"semantic_configuration,omitempty"`

	// SelectFields restricts returned fields.
	SelectFields []string `yaml:"select_fields,omitempty"`

	// Field mapping into Reference.
	IDField      string `yaml:"id_field,omitempty"`
	TitleField   string `yaml:"title_field,omitempty"`
	ContentField string `yaml:"content_field,omitempty"`
	URLField     string `yaml:"url_field,omitempty"`
	PageField    string `yaml:"page_field,omitempty"`
	SummaryField string `yaml:"summary_field,omitempty"`
	VectorField  string `yaml:"vector_field,omitempty"`

	// Timeout per search call.
	Timeout Duration `yaml:"timeout,omitempty"`

	// MaxRPS caps queries per second against the index; decomposed
	// sub-queries fan out in parallel and share this budget.
	// Defaults to 10; negative disables.
	MaxRPS float64 `yaml:"max_rps,omitempty"`

	// Federation lists additional indexes queried in parallel and merged
	// by rank fusion. The primary index always participates.
	Federation []FederatedIndexConfig `yaml:"federation,omitempty"`
}

// FederatedIndexConfig names one extra index for federated retrieval.
type FederatedIndexConfig struct {
	Name  string `yaml:"name"`
	Index string `yaml:"index"`

	// SemanticConfiguration override; empty inherits the primary.
	SemanticConfiguration string `yaml:"semantic_configuration,omitempty"`
}

// SetDefaults applies search defaults.
func (c *SearchConfig) SetDefaults() {
	if c.IDField == "" {
		c.IDField = "id"
	}
	if c.TitleField == "" {
		c.TitleField = "title"
	}
	if c.ContentField == "" {
		c.ContentField = "content"
	}
	if c.URLField == "" {
		c.URLField = "url"
	}
	if c.PageField == "" {
		c.PageField = "page_number"
	}
	if c.SummaryField == "" {
		c.SummaryField = "summary"
	}
	if c.VectorField == "" {
		c.VectorField = "content_vector"
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(10e9)
	}
	if c.MaxRPS == 0 {
		c.MaxRPS = 10
	}
}

// Validate checks the search configuration.
func (c *SearchConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Index == "" {
		return fmt.Errorf("index is required")
	}
	if c.APIKey != "" && c.Token != nil {
		return fmt.Errorf("api_key and token are mutually exclusive")
	}
	if c.Token != nil && c.Token.URL == "" {
		return fmt.Errorf("token.url is required")
	}
	for i, fed := range c.Federation {
		if fed.Name == "" || fed.Index == "" {
			return fmt.Errorf("federation[%d]: name and index are required", i)
		}
	}
	return nil
}

// ============================================================================
// WEB SEARCH
// ============================================================================

// WebConfig configures the web search client and quality filter.
type WebConfig struct {
	// Endpoint of the web search API.
	Endpoint string `yaml:"endpoint,omitempty"`

	// APIKey for the web search API. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// Timeout per web search call.
	Timeout Duration `yaml:"timeout,omitempty"`

	// TrustedDomains maps domain suffixes to authority scores in [0,1].
	// Unlisted domains receive UnknownAuthority.
	TrustedDomains map[string]float64 `yaml:"trusted_domains,omitempty"`

	// SpamDomains are scored zero regardless of other signals.
	SpamDomains []string `yaml:"spam_domains,omitempty"`

	// UnknownAuthority is the score for unlisted domains.
	UnknownAuthority float64 `yaml:"unknown_authority,omitempty"`
}

// SetDefaults applies web defaults.
func (c *WebConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = Duration(8e9)
	}
	if c.UnknownAuthority == 0 {
		c.UnknownAuthority = 0.4
	}
}

// Validate checks the web configuration.
func (c *WebConfig) Validate() error {
	for domain, score := range c.TrustedDomains {
		if score < 0 || score > 1 {
			return fmt.Errorf("trusted_domains[%s] must be in [0,1], got %g", domain, score)
		}
	}
	if c.UnknownAuthority < 0 || c.UnknownAuthority > 1 {
		return fmt.Errorf("unknown_authority must be in [0,1], got %g", c.UnknownAuthority)
	}
	return nil
}

// ============================================================================
// MEMORY
// ============================================================================

// MemoryBackend identifies a long-term memory backend.
type MemoryBackend string

const (
	MemoryBackendNone     MemoryBackend = "none"
	MemoryBackendChromem  MemoryBackend = "chromem"
	MemoryBackendQdrant   MemoryBackend = "qdrant"
	MemoryBackendPinecone MemoryBackend = "pinecone"
	MemoryBackendSQL      MemoryBackend = "sql"
)

// MemoryConfig configures short-term session state and the optional
// long-term episodic store.
type MemoryConfig struct {
	// Backend selects the long-term store. "none" keeps only short-term
	// per-session state.
	Backend MemoryBackend `yaml:"backend,omitempty"`

	// SoftCap triggers an opportunistic prune on write once the store
	// grows past it.
	SoftCap int `yaml:"soft_cap,omitempty"`

	Chromem  *ChromemConfig  `yaml:"chromem,omitempty"`
	Qdrant   *QdrantConfig   `yaml:"qdrant,omitempty"`
	Pinecone *PineconeConfig `yaml:"pinecone,omitempty"`
	SQL      *DatabaseConfig `yaml:"sql,omitempty"`
}

// ChromemConfig configures the embedded chromem-go store.
type ChromemConfig struct {
	// PersistPath for file persistence; empty keeps vectors in memory.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for persistence.
	Compress bool `yaml:"compress,omitempty"`

	// Collection name.
	Collection string `yaml:"collection,omitempty"`
}

// QdrantConfig configures a Qdrant gRPC connection.
type QdrantConfig struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

// PineconeConfig configures a Pinecone index connection.
type PineconeConfig struct {
	APIKey    string `yaml:"api_key,omitempty"`
	IndexHost string `yaml:"index_host,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults applies memory defaults.
func (c *MemoryConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = MemoryBackendNone
	}
	if c.SoftCap == 0 {
		c.SoftCap = 10000
	}
	if c.Backend == MemoryBackendChromem && c.Chromem == nil {
		c.Chromem = &ChromemConfig{}
	}
	if c.Chromem != nil && c.Chromem.Collection == "" {
		c.Chromem.Collection = "anchora-memory"
	}
	if c.Qdrant != nil {
		if c.Qdrant.Host == "" {
			c.Qdrant.Host = "localhost"
		}
		if c.Qdrant.Port == 0 {
			c.Qdrant.Port = 6334
		}
		if c.Qdrant.Collection == "" {
			c.Qdrant.Collection = "anchora-memory"
		}
	}
	if c.SQL != nil {
		c.SQL.SetDefaults()
	}
}

// Validate checks the memory configuration.
func (c *MemoryConfig) Validate() error {
	switch c.Backend {
	case MemoryBackendNone, MemoryBackendChromem:
	case MemoryBackendQdrant:
		if c.Qdrant == nil {
			return fmt.Errorf("qdrant backend requires a qdrant block")
		}
	case MemoryBackendPinecone:
		if c.Pinecone == nil {
			return fmt.Errorf("pinecone backend requires a pinecone block")
		}
		if c.Pinecone.APIKey == "" || c.Pinecone.IndexHost == "" {
			return fmt.Errorf("pinecone requires api_key and index_host")
		}
	case MemoryBackendSQL:
		if c.SQL == nil {
			return fmt.Errorf("sql backend requires a sql block")
		}
		if err := c.SQL.Validate(); err != nil {
			return fmt.Errorf("sql: %w", err)
		}
	default:
		return fmt.Errorf("unknown memory backend %q (valid: none, chromem, qdrant, pinecone, sql)", c.Backend)
	}
	return nil
}

// Enabled reports whether a long-term backend is configured.
func (c *MemoryConfig) Enabled() bool {
	return c.Backend != "" && c.Backend != MemoryBackendNone
}

// ============================================================================
// TELEMETRY
// ============================================================================

// TelemetryConfig configures the per-session trace recorder.
type TelemetryConfig struct {
	// RingSize bounds per-session trace history.
	RingSize int `yaml:"ring_size,omitempty"`

	// SessionTTL ages out idle sessions.
	SessionTTL Duration `yaml:"session_ttl,omitempty"`
}

// SetDefaults applies telemetry defaults.
func (c *TelemetryConfig) SetDefaults() {
	if c.RingSize == 0 {
		c.RingSize = 64
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = Duration(3600e9)
	}
}

// Validate checks the telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if c.RingSize < 0 {
		return fmt.Errorf("ring_size must not be negative")
	}
	return nil
}
