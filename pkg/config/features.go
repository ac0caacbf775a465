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

package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/anchora/pkg/session"
)

// ============================================================================
// FEATURE RESOLUTION
// Three layers: process config <- session-persisted overrides <- request
// overrides. FeatureSet holds resolved concrete values; FeatureOverrides is
// the sparse pointer mirror used by the two override layers.
// ============================================================================

// FeatureSet is the fully resolved per-turn configuration. Every toggle and
// numeric knob the pipeline consults lives here under a stable name.
type FeatureSet struct {
	// Toggles
	EnableLazyRetrieval      bool `yaml:"enable_lazy_retrieval" mapstructure:"enable_lazy_retrieval"`
	EnableIntentRouting      bool `yaml:"enable_intent_routing" mapstructure:"enable_intent_routing"`
	EnableQueryDecomposition bool `yaml:"enable_query_decomposition" mapstructure:"enable_query_decomposition"`
	EnableWebReranking       bool `yaml:"enable_web_reranking" mapstructure:"enable_web_reranking"`
	EnableSemanticBoost      bool `yaml:"enable_semantic_boost" mapstructure:"enable_semantic_boost"`
	EnableSemanticMemory     bool `yaml:"enable_semantic_memory" mapstructure:"enable_semantic_memory"`
	EnableCritic             bool `yaml:"enable_critic" mapstructure:"enable_critic"`
	EnableCRAG               bool `yaml:"enable_crag" mapstructure:"enable_crag"`
	EnableWebQualityFilter   bool `yaml:"enable_web_quality_filter" mapstructure:"enable_web_quality_filter"`
	EnableAdaptiveRetrieval  bool `yaml:"enable_adaptive_retrieval" mapstructure:"enable_adaptive_retrieval"`

	// Planning and routing
	DualThreshold          float64 `yaml:"dual_threshold" mapstructure:"dual_threshold"`
	IntentConfThreshold    float64 `yaml:"intent_conf_threshold" mapstructure:"intent_conf_threshold"`
	DecompositionThreshold float64 `yaml:"decomposition_threshold" mapstructure:"decomposition_threshold"`
	MaxParallelSubQueries  int     `yaml:"max_parallel_sub_queries" mapstructure:"max_parallel_sub_queries"`

	// Critic
	MaxRevisions int     `yaml:"max_revisions" mapstructure:"max_revisions"`
	MinCoverage  float64 `yaml:"min_coverage" mapstructure:"min_coverage"`

	// Retrieval
	TopK                     int     `yaml:"top_k" mapstructure:"top_k"`
	MinDocs                  int     `yaml:"min_docs" mapstructure:"min_docs"`
	PrimaryRerankerThreshold float64 `yaml:"primary_reranker_threshold" mapstructure:"primary_reranker_threshold"`
	RelaxedRerankerThreshold float64 `yaml:"relaxed_reranker_threshold" mapstructure:"relaxed_reranker_threshold"`
	MaxReformulations        int     `yaml:"max_reformulations" mapstructure:"max_reformulations"`
	MinDiversity             float64 `yaml:"min_diversity" mapstructure:"min_diversity"`
	MinAuthority             float64 `yaml:"min_authority" mapstructure:"min_authority"`

	// Fusion
	RRFK                int     `yaml:"rrf_k" mapstructure:"rrf_k"`
	SemanticBoostWeight float64 `yaml:"semantic_boost_weight" mapstructure:"semantic_boost_weight"`

	// Web augmentation
	WebK int `yaml:"web_k" mapstructure:"web_k"`

	// Context budget (token caps per section of the context pack)
	RecentTurns          int `yaml:"recent_turns" mapstructure:"recent_turns"`
	ContextWindowTokens  int `yaml:"context_window_tokens" mapstructure:"context_window_tokens"`
	HistoryTokens        int `yaml:"history_tokens" mapstructure:"history_tokens"`
	SummaryTokens        int `yaml:"summary_tokens" mapstructure:"summary_tokens"`
	SalienceTokens       int `yaml:"salience_tokens" mapstructure:"salience_tokens"`
	ReferenceTokens      int `yaml:"reference_tokens" mapstructure:"reference_tokens"`
	WebTokens            int `yaml:"web_tokens" mapstructure:"web_tokens"`
	RevisionTokens       int `yaml:"revision_tokens" mapstructure:"revision_tokens"`
	ReservedOutputTokens int `yaml:"reserved_output_tokens" mapstructure:"reserved_output_tokens"`

	// Memory
	MemoryMinSimilarity float64 `yaml:"memory_min_similarity" mapstructure:"memory_min_similarity"`
	MemoryRecallK       int     `yaml:"memory_recall_k" mapstructure:"memory_recall_k"`
	MemoryMaxAgeTurns   int     `yaml:"memory_max_age_turns" mapstructure:"memory_max_age_turns"`
	MemoryMaxAgeDays    int     `yaml:"memory_max_age_days" mapstructure:"memory_max_age_days"`
	MemoryMinUsage      int     `yaml:"memory_min_usage" mapstructure:"memory_min_usage"`

	// Deadlines
	LLMTimeout    Duration `yaml:"llm_timeout" mapstructure:"llm_timeout"`
	SearchTimeout Duration `yaml:"search_timeout" mapstructure:"search_timeout"`
	WebTimeout    Duration `yaml:"web_timeout" mapstructure:"web_timeout"`
	TurnDeadline  Duration `yaml:"turn_deadline" mapstructure:"turn_deadline"`
}

// DefaultFeatures returns the process-level defaults. Every field of
// FeatureSet has a concrete default here so that any override layer may be
// entirely absent.
func DefaultFeatures() FeatureSet {
	return FeatureSet{
		EnableLazyRetrieval:      false,
		EnableIntentRouting:      true,
		EnableQueryDecomposition: false,
		EnableWebReranking:       true,
		EnableSemanticBoost:      true,
		EnableSemanticMemory:     false,
		EnableCritic:             true,
		EnableCRAG:               false,
		EnableWebQualityFilter:   true,
		EnableAdaptiveRetrieval:  true,

		DualThreshold:          0.45,
		IntentConfThreshold:    0.55,
		DecompositionThreshold: 0.6,
		MaxParallelSubQueries:  4,

		MaxRevisions: 2,
		MinCoverage:  0.5,

		TopK:                     8,
		MinDocs:                  3,
		PrimaryRerankerThreshold: 2.0,
		RelaxedRerankerThreshold: 1.1,
		MaxReformulations:        3,
		MinDiversity:             0.3,
		MinAuthority:             0.35,

		RRFK:                60,
		SemanticBoostWeight: 0.3,

		WebK: 5,

		RecentTurns:          4,
		ContextWindowTokens:  16000,
		HistoryTokens:        4000,
		SummaryTokens:        800,
		SalienceTokens:       600,
		ReferenceTokens:      5000,
		WebTokens:            2000,
		RevisionTokens:       600,
		ReservedOutputTokens: 1024,

		MemoryMinSimilarity: 0.7,
		MemoryRecallK:       5,
		MemoryMaxAgeTurns:   20,
		MemoryMaxAgeDays:    30,
		MemoryMinUsage:      2,

		LLMTimeout:    Duration(60e9),
		SearchTimeout: Duration(10e9),
		WebTimeout:    Duration(8e9),
		TurnDeadline:  Duration(120e9),
	}
}

// Validate rejects feature values that would make the pipeline misbehave.
func (f *FeatureSet) Validate() error {
	if f.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", f.TopK)
	}
	if f.MinDocs < 0 {
		return fmt.Errorf("min_docs must not be negative, got %d", f.MinDocs)
	}
	if f.RRFK <= 0 {
		return fmt.Errorf("rrf_k must be positive, got %d", f.RRFK)
	}
	if f.SemanticBoostWeight < 0 || f.SemanticBoostWeight > 1 {
		return fmt.Errorf("semantic_boost_weight must be in [0,1], got %g", f.SemanticBoostWeight)
	}
	if f.MaxRevisions < 0 {
		return fmt.Errorf("max_revisions must not be negative, got %d", f.MaxRevisions)
	}
	if f.MaxReformulations < 0 {
		return fmt.Errorf("max_reformulations must not be negative, got %d", f.MaxReformulations)
	}
	if f.MaxParallelSubQueries <= 0 {
		return fmt.Errorf("max_parallel_sub_queries must be positive, got %d", f.MaxParallelSubQueries)
	}
	for name, v := range map[string]float64{
		"dual_threshold":          f.DualThreshold,
		"intent_conf_threshold":   f.IntentConfThreshold,
		"decomposition_threshold": f.DecompositionThreshold,
		"min_coverage":            f.MinCoverage,
		"min_diversity":           f.MinDiversity,
		"min_authority":           f.MinAuthority,
		"memory_min_similarity":   f.MemoryMinSimilarity,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %g", name, v)
		}
	}
	if f.ContextWindowTokens <= f.ReservedOutputTokens {
		return fmt.Errorf("context_window_tokens (%d) must exceed reserved_output_tokens (%d)",
			f.ContextWindowTokens, f.ReservedOutputTokens)
	}
	return nil
}

// FeatureOverrides is the sparse override layer: nil fields inherit from the
// layer below. Both session-persisted overrides and per-request overrides
// use this shape.
type FeatureOverrides struct {
	EnableLazyRetrieval      *bool `yaml:"enable_lazy_retrieval,omitempty" mapstructure:"enable_lazy_retrieval"`
	EnableIntentRouting      *bool `yaml:"enable_intent_routing,omitempty" mapstructure:"enable_intent_routing"`
	EnableQueryDecomposition *bool `yaml:"enable_query_decomposition,omitempty" mapstructure:"enable_query_decomposition"`
	EnableWebReranking       *bool `yaml:"enable_web_reranking,omitempty" mapstructure:"enable_web_reranking"`
	EnableSemanticBoost      *bool `yaml:"enable_semantic_boost,omitempty" mapstructure:"enable_semantic_boost"`
	EnableSemanticMemory     *bool `yaml:"enable_semantic_memory,omitempty" mapstructure:"enable_semantic_memory"`
	EnableCritic             *bool `yaml:"enable_critic,omitempty" mapstructure:"enable_critic"`
	EnableCRAG               *bool `yaml:"enable_crag,omitempty" mapstructure:"enable_crag"`
	EnableWebQualityFilter   *bool `yaml:"enable_web_quality_filter,omitempty" mapstructure:"enable_web_quality_filter"`
	EnableAdaptiveRetrieval  *bool `yaml:"enable_adaptive_retrieval,omitempty" mapstructure:"enable_adaptive_retrieval"`

	DualThreshold          *float64 `yaml:"dual_threshold,omitempty" mapstructure:"dual_threshold"`
	IntentConfThreshold    *float64 `yaml:"intent_conf_threshold,omitempty" mapstructure:"intent_conf_threshold"`
	DecompositionThreshold *float64 `yaml:"decomposition_threshold,omitempty" mapstructure:"decomposition_threshold"`
	MaxParallelSubQueries  *int     `yaml:"max_parallel_sub_queries,omitempty" mapstructure:"max_parallel_sub_queries"`

	MaxRevisions *int     `yaml:"max_revisions,omitempty" mapstructure:"max_revisions"`
	MinCoverage  *float64 `yaml:"min_coverage,omitempty" mapstructure:"min_coverage"`

	TopK                     *int     `yaml:"top_k,omitempty" mapstructure:"top_k"`
	MinDocs                  *int     `yaml:"min_docs,omitempty" mapstructure:"min_docs"`
	PrimaryRerankerThreshold *float64 `yaml:"primary_reranker_threshold,omitempty" mapstructure:"primary_reranker_threshold"`
	RelaxedRerankerThreshold *float64 `yaml:"relaxed_reranker_threshold,omitempty" mapstructure:"relaxed_reranker_threshold"`
	MaxReformulations        *int     `yaml:"max_reformulations,omitempty" mapstructure:"max_reformulations"`
	MinDiversity             *float64 `yaml:"min_diversity,omitempty" mapstructure:"min_diversity"`
	MinAuthority             *float64 `yaml:"min_authority,omitempty" mapstructure:"min_authority"`

	RRFK                *int     `yaml:"rrf_k,omitempty" mapstructure:"rrf_k"`
	SemanticBoostWeight *float64 `yaml:"semantic_boost_weight,omitempty" mapstructure:"semantic_boost_weight"`

	WebK *int `yaml:"web_k,omitempty" mapstructure:"web_k"`

	RecentTurns          *int `yaml:"recent_turns,omitempty" mapstructure:"recent_turns"`
	ContextWindowTokens  *int `yaml:"context_window_tokens,omitempty" mapstructure:"context_window_tokens"`
	HistoryTokens        *int `yaml:"history_tokens,omitempty" mapstructure:"history_tokens"`
	SummaryTokens        *int `yaml:"summary_tokens,omitempty" mapstructure:"summary_tokens"`
	SalienceTokens       *int `yaml:"salience_tokens,omitempty" mapstructure:"salience_tokens"`
	ReferenceTokens      *int `yaml:"reference_tokens,omitempty" mapstructure:"reference_tokens"`
	WebTokens            *int `yaml:"web_tokens,omitempty" mapstructure:"web_tokens"`
	RevisionTokens       *int `yaml:"revision_tokens,omitempty" mapstructure:"revision_tokens"`
	ReservedOutputTokens *int `yaml:"reserved_output_tokens,omitempty" mapstructure:"reserved_output_tokens"`

	MemoryMinSimilarity *float64 `yaml:"memory_min_similarity,omitempty" mapstructure:"memory_min_similarity"`
	MemoryRecallK       *int     `yaml:"memory_recall_k,omitempty" mapstructure:"memory_recall_k"`
	MemoryMaxAgeTurns   *int     `yaml:"memory_max_age_turns,omitempty" mapstructure:"memory_max_age_turns"`
	MemoryMaxAgeDays    *int     `yaml:"memory_max_age_days,omitempty" mapstructure:"memory_max_age_days"`
	MemoryMinUsage      *int     `yaml:"memory_min_usage,omitempty" mapstructure:"memory_min_usage"`

	LLMTimeout    *Duration `yaml:"llm_timeout,omitempty" mapstructure:"llm_timeout"`
	SearchTimeout *Duration `yaml:"search_timeout,omitempty" mapstructure:"search_timeout"`
	WebTimeout    *Duration `yaml:"web_timeout,omitempty" mapstructure:"web_timeout"`
	TurnDeadline  *Duration `yaml:"turn_deadline,omitempty" mapstructure:"turn_deadline"`
}

// MergeFeatures layers overrides onto a base. Pure: neither input is
// mutated, later layers win field by field.
func MergeFeatures(base FeatureSet, layers ...*FeatureOverrides) FeatureSet {
	out := base
	for _, o := range layers {
		if o == nil {
			continue
		}
		out.apply(o)
	}
	return out
}

func (f *FeatureSet) apply(o *FeatureOverrides) {
	setBool(&f.EnableLazyRetrieval, o.EnableLazyRetrieval)
	setBool(&f.EnableIntentRouting, o.EnableIntentRouting)
	setBool(&f.EnableQueryDecomposition, o.EnableQueryDecomposition)
	setBool(&f.EnableWebReranking, o.EnableWebReranking)
	setBool(&f.EnableSemanticBoost, o.EnableSemanticBoost)
	setBool(&f.EnableSemanticMemory, o.EnableSemanticMemory)
	setBool(&f.EnableCritic, o.EnableCritic)
	setBool(&f.EnableCRAG, o.EnableCRAG)
	setBool(&f.EnableWebQualityFilter, o.EnableWebQualityFilter)
	setBool(&f.EnableAdaptiveRetrieval, o.EnableAdaptiveRetrieval)

	setFloat(&f.DualThreshold, o.DualThreshold)
	setFloat(&f.IntentConfThreshold, o.IntentConfThreshold)
	setFloat(&f.DecompositionThreshold, o.DecompositionThreshold)
	setInt(&f.MaxParallelSubQueries, o.MaxParallelSubQueries)

	setInt(&f.MaxRevisions, o.MaxRevisions)
	setFloat(&f.MinCoverage, o.MinCoverage)

	setInt(&f.TopK, o.TopK)
	setInt(&f.MinDocs, o.MinDocs)
	setFloat(&f.PrimaryRerankerThreshold, o.PrimaryRerankerThreshold)
	setFloat(&f.RelaxedRerankerThreshold, o.RelaxedRerankerThreshold)
	setInt(&f.MaxReformulations, o.MaxReformulations)
	setFloat(&f.MinDiversity, o.MinDiversity)
	setFloat(&f.MinAuthority, o.MinAuthority)

	setInt(&f.RRFK, o.RRFK)
	setFloat(&f.SemanticBoostWeight, o.SemanticBoostWeight)

	setInt(&f.WebK, o.WebK)

	setInt(&f.RecentTurns, o.RecentTurns)
	setInt(&f.ContextWindowTokens, o.ContextWindowTokens)
	setInt(&f.HistoryTokens, o.HistoryTokens)
	setInt(&f.SummaryTokens, o.SummaryTokens)
	setInt(&f.SalienceTokens, o.SalienceTokens)
	setInt(&f.ReferenceTokens, o.ReferenceTokens)
	setInt(&f.WebTokens, o.WebTokens)
	setInt(&f.RevisionTokens, o.RevisionTokens)
	setInt(&f.ReservedOutputTokens, o.ReservedOutputTokens)

	setFloat(&f.MemoryMinSimilarity, o.MemoryMinSimilarity)
	setInt(&f.MemoryRecallK, o.MemoryRecallK)
	setInt(&f.MemoryMaxAgeTurns, o.MemoryMaxAgeTurns)
	setInt(&f.MemoryMaxAgeDays, o.MemoryMaxAgeDays)
	setInt(&f.MemoryMinUsage, o.MemoryMinUsage)

	setDuration(&f.LLMTimeout, o.LLMTimeout)
	setDuration(&f.SearchTimeout, o.SearchTimeout)
	setDuration(&f.WebTimeout, o.WebTimeout)
	setDuration(&f.TurnDeadline, o.TurnDeadline)
}

// MergeOverrides layers one override set onto another without mutating
// either. A nil layer returns base as is; fields set on the layer win.
// The result shares pointers with its inputs, so overrides must be
// treated as immutable once merged.
func MergeOverrides(base, layer *FeatureOverrides) *FeatureOverrides {
	if layer == nil {
		return base
	}
	out := FeatureOverrides{}
	if base != nil {
		out = *base
	}

	mergePtr(&out.EnableLazyRetrieval, layer.EnableLazyRetrieval)
	mergePtr(&out.EnableIntentRouting, layer.EnableIntentRouting)
	mergePtr(&out.EnableQueryDecomposition, layer.EnableQueryDecomposition)
	mergePtr(&out.EnableWebReranking, layer.EnableWebReranking)
	mergePtr(&out.EnableSemanticBoost, layer.EnableSemanticBoost)
	mergePtr(&out.EnableSemanticMemory, layer.EnableSemanticMemory)
	mergePtr(&out.EnableCritic, layer.EnableCritic)
	mergePtr(&out.EnableCRAG, layer.EnableCRAG)
	mergePtr(&out.EnableWebQualityFilter, layer.EnableWebQualityFilter)
	mergePtr(&out.EnableAdaptiveRetrieval, layer.EnableAdaptiveRetrieval)

	mergePtr(&out.DualThreshold, layer.DualThreshold)
	mergePtr(&out.IntentConfThreshold, layer.IntentConfThreshold)
	mergePtr(&out.DecompositionThreshold, layer.DecompositionThreshold)
	mergePtr(&out.MaxParallelSubQueries, layer.MaxParallelSubQueries)

	mergePtr(&out.MaxRevisions, layer.MaxRevisions)
	mergePtr(&out.MinCoverage, layer.MinCoverage)

	mergePtr(&out.TopK, layer.TopK)
	mergePtr(&out.MinDocs, layer.MinDocs)
	mergePtr(&out.PrimaryRerankerThreshold, layer.PrimaryRerankerThreshold)
	mergePtr(&out.RelaxedRerankerThreshold, layer.RelaxedRerankerThreshold)
	mergePtr(&out.MaxReformulations, layer.MaxReformulations)
	mergePtr(&out.MinDiversity, layer.MinDiversity)
	mergePtr(&out.MinAuthority, layer.MinAuthority)

	mergePtr(&out.RRFK, layer.RRFK)
	mergePtr(&out.SemanticBoostWeight, layer.SemanticBoostWeight)

	mergePtr(&out.WebK, layer.WebK)

	mergePtr(&out.RecentTurns, layer.RecentTurns)
	mergePtr(&out.ContextWindowTokens, layer.ContextWindowTokens)
	mergePtr(&out.HistoryTokens, layer.HistoryTokens)
	mergePtr(&out.SummaryTokens, layer.SummaryTokens)
	mergePtr(&out.SalienceTokens, layer.SalienceTokens)
	mergePtr(&out.ReferenceTokens, layer.ReferenceTokens)
	mergePtr(&out.WebTokens, layer.WebTokens)
	mergePtr(&out.RevisionTokens, layer.RevisionTokens)
	mergePtr(&out.ReservedOutputTokens, layer.ReservedOutputTokens)

	mergePtr(&out.MemoryMinSimilarity, layer.MemoryMinSimilarity)
	mergePtr(&out.MemoryRecallK, layer.MemoryRecallK)
	mergePtr(&out.MemoryMaxAgeTurns, layer.MemoryMaxAgeTurns)
	mergePtr(&out.MemoryMaxAgeDays, layer.MemoryMaxAgeDays)
	mergePtr(&out.MemoryMinUsage, layer.MemoryMinUsage)

	mergePtr(&out.LLMTimeout, layer.LLMTimeout)
	mergePtr(&out.SearchTimeout, layer.SearchTimeout)
	mergePtr(&out.WebTimeout, layer.WebTimeout)
	mergePtr(&out.TurnDeadline, layer.TurnDeadline)

	return &out
}

func mergePtr[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *Duration, src *Duration) {
	if src != nil {
		*dst = *src
	}
}

// DecodeOverrides converts the dynamic per-request override map into typed
// FeatureOverrides. Unknown keys and untypeable values are rejected as
// ConfigError so callers get a stable kind to surface.
func DecodeOverrides(raw map[string]any) (*FeatureOverrides, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	out := &FeatureOverrides{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, session.WrapError(session.KindInternalInvariant, "building override decoder", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, session.WrapError(session.KindConfig, "invalid feature overrides", err)
	}
	return out, nil
}
