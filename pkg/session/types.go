// Package session defines the shared turn-level types of the answering
// pipeline: conversation messages, evidence references, plans, critic
// verdicts, the request/response surface, and the streaming event union.
//
// Every other package speaks these types; session imports none of them.
package session

import (
	"time"
)

// ============================================================================
// CONVERSATION
// ============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation. Messages are immutable once
// appended; the pipeline never rewrites history in place.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Mode selects how a turn is delivered.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeStream Mode = "stream"
)

// ============================================================================
// EVIDENCE
// ============================================================================

// ReferenceSource tells where a piece of evidence came from.
type ReferenceSource string

const (
	SourceIndex ReferenceSource = "index"
	SourceWeb   ReferenceSource = "web"
)

// Reference is a citable unit of evidence. Content may hold a summary when
// lazy retrieval deferred the full document body.
type Reference struct {
	ID         string          `json:"id"`
	Title      string          `json:"title,omitempty"`
	URL        string          `json:"url,omitempty"`
	PageNumber int             `json:"pageNumber,omitempty"`
	Content    string          `json:"content"`
	Score      float64         `json:"score,omitempty"`
	Captions   []string        `json:"captions,omitempty"`
	Source     ReferenceSource `json:"source"`

	// Summary marks content produced by lazy retrieval; Load upgrades it.
	Summary bool `json:"summary,omitempty"`

	// Embedding is carried for novelty/refinement math, never serialized.
	Embedding []float32 `json:"-"`
}

// WebScores holds the quality dimensions of a web result.
type WebScores struct {
	Authority float64 `json:"authority"`
	Relevance float64 `json:"relevance"`
	Novelty   float64 `json:"novelty"`
	Overall   float64 `json:"overall"`
}

// WebResult is one external search hit, scored for quality.
type WebResult struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Snippet   string    `json:"snippet"`
	Rank      int       `json:"rank"`
	FetchedAt time.Time `json:"fetchedAt"`
	Scores    WebScores `json:"scores"`
}

// AsReference converts a web result into citable evidence.
func (w WebResult) AsReference() Reference {
	return Reference{
		ID:      w.ID,
		Title:   w.Title,
		URL:     w.URL,
		Content: w.Snippet,
		Score:   w.Scores.Overall,
		Source:  SourceWeb,
	}
}

// ============================================================================
// ROUTING & PLANNING
// ============================================================================

// IntentLabel is the 4-class routing intent.
type IntentLabel string

const (
	IntentFAQ            IntentLabel = "faq"
	IntentResearch       IntentLabel = "research"
	IntentFactual        IntentLabel = "factual"
	IntentConversational IntentLabel = "conversational"
)

// Intent is the classified intent of the latest user question.
type Intent struct {
	Label      IntentLabel `json:"intent"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// RetrieverStrategy selects how aggressively the engine gathers evidence.
type RetrieverStrategy string

const (
	RetrieverFast     RetrieverStrategy = "fast"
	RetrieverThorough RetrieverStrategy = "thorough"
	RetrieverDual     RetrieverStrategy = "dual"
)

// RouteProfile is the execution profile an intent maps to.
type RouteProfile struct {
	ModelHint         string            `json:"modelHint,omitempty"`
	MaxTokens         int               `json:"maxTokens"`
	RetrieverStrategy RetrieverStrategy `json:"retrieverStrategy"`
}

// RouteInfo is the routing outcome reported on the response surface.
type RouteInfo struct {
	Intent     IntentLabel  `json:"intent"`
	Confidence float64      `json:"confidence"`
	Profile    RouteProfile `json:"profile"`
}

// PlanStep names one dispatchable action.
type PlanStep string

const (
	StepVectorSearch PlanStep = "vector_search"
	StepWebSearch    PlanStep = "web_search"
)

// Plan is the dispatch decision for a turn.
type Plan struct {
	Confidence float64    `json:"confidence"`
	Steps      []PlanStep `json:"steps"`
	Rationale  string     `json:"rationale"`
}

// HasStep reports whether the plan contains the given step.
func (p *Plan) HasStep(step PlanStep) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// SubQuery is one node of a decomposed question. DependsOn references other
// sub-query IDs; the full set must form a DAG.
type SubQuery struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// DecomposedQuery is the result of breaking a complex question into parts.
type DecomposedQuery struct {
	SubQueries      []SubQuery `json:"subQueries"`
	SynthesisPrompt string     `json:"synthesisPrompt,omitempty"`
}

// ============================================================================
// MEMORY
// ============================================================================

// SummaryBullet is one compacted line of older conversation history.
type SummaryBullet struct {
	Text string `json:"text"`
	Turn int    `json:"turn"`

	// Embedding is computed lazily for semantic selection.
	Embedding []float32 `json:"-"`
}

// SalienceNote is a durable fact extracted across turns.
type SalienceNote struct {
	Fact         string `json:"fact"`
	Topic        string `json:"topic,omitempty"`
	LastSeenTurn int    `json:"lastSeenTurn"`
}

// MemoryType categorizes long-term memory records.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
	MemoryPreference MemoryType = "preference"
)

// LongTermMemory is one durable, embedding-indexed memory record.
type LongTermMemory struct {
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	Type           MemoryType `json:"type"`
	Embedding      []float32  `json:"-"`
	Tags           []string   `json:"tags,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	UsageCount     int        `json:"usageCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
}

// ============================================================================
// QUALITY VERDICTS
// ============================================================================

// CriticAction tells the orchestrator what to do with an answer.
type CriticAction string

const (
	CriticAccept CriticAction = "accept"
	CriticRevise CriticAction = "revise"
)

// CriticReport is the post-synthesis verdict on one answer draft.
type CriticReport struct {
	Grounded bool         `json:"grounded"`
	Coverage float64      `json:"coverage"`
	Issues   []string     `json:"issues,omitempty"`
	Action   CriticAction `json:"action"`
}

// CRAGConfidence grades a retrieval set before synthesis.
type CRAGConfidence string

const (
	CRAGCorrect   CRAGConfidence = "correct"
	CRAGAmbiguous CRAGConfidence = "ambiguous"
	CRAGIncorrect CRAGConfidence = "incorrect"
)

// CRAGAction is the corrective branch a grade maps to.
type CRAGAction string

const (
	CRAGUse         CRAGAction = "use"
	CRAGRefine      CRAGAction = "refine"
	CRAGWebFallback CRAGAction = "web_fallback"
)

// CRAGEvaluation is the pre-synthesis grade of a retrieval set.
type CRAGEvaluation struct {
	Confidence CRAGConfidence `json:"confidence"`
	Action     CRAGAction     `json:"action"`
	Reasoning  string         `json:"reasoning"`
}

// ============================================================================
// ACTIVITY & USAGE
// ============================================================================

// ActivityStep is one entry of the ordered per-turn activity log.
type ActivityStep struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Usage accumulates token consumption across the calls of a turn.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ============================================================================
// REQUEST / RESPONSE SURFACE
// ============================================================================

// Request is one turn submitted to the orchestrator.
type Request struct {
	Messages         []Message      `json:"messages"`
	SessionID        string         `json:"sessionId,omitempty"`
	UserID           string         `json:"userId,omitempty"`
	Mode             Mode           `json:"mode,omitempty"`
	FeatureOverrides map[string]any `json:"featureOverrides,omitempty"`
}

// Validate checks structural validity of the request.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return NewError(KindConfig, "request has no messages")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return Errorf(KindConfig, "message %d has invalid role %q", i, m.Role)
		}
	}
	switch r.Mode {
	case "", ModeSync, ModeStream:
	default:
		return Errorf(KindConfig, "invalid mode %q", r.Mode)
	}
	return nil
}

// Question returns the content of the latest user message.
func (r *Request) Question() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// RetrievalDiagnostics summarizes one engine invocation.
type RetrievalDiagnostics struct {
	Attempted      bool     `json:"attempted"`
	Succeeded      bool     `json:"succeeded"`
	Attempts       int      `json:"attempts"`
	MeanScore      float64  `json:"meanScore"`
	MinScore       float64  `json:"minScore"`
	MaxScore       float64  `json:"maxScore"`
	ThresholdUsed  float64  `json:"thresholdUsed"`
	Coverage       *float64 `json:"coverage,omitempty"`
	FallbackReason string   `json:"fallbackReason,omitempty"`
}

// WebFilterDiagnostics summarizes the quality gate over web results.
type WebFilterDiagnostics struct {
	Evaluated int `json:"evaluated"`
	Kept      int `json:"kept"`
	Removed   int `json:"removed"`
}

// ReformulationRecord documents one adaptive query rewrite.
type ReformulationRecord struct {
	OriginalQuery string `json:"originalQuery"`
	NewQuery      string `json:"newQuery"`
	Reason        string `json:"reason"`
}

// DecompositionDiagnostics summarizes sub-query execution.
type DecompositionDiagnostics struct {
	Complexity float64 `json:"complexity"`
	SubQueries int     `json:"subQueries"`
	Waves      int     `json:"waves"`
}

// Diagnostics is the per-turn diagnostic block of a response.
type Diagnostics struct {
	Retrieval      *RetrievalDiagnostics     `json:"retrieval,omitempty"`
	WebFilter      *WebFilterDiagnostics     `json:"webFilter,omitempty"`
	Reformulations []ReformulationRecord     `json:"reformulations,omitempty"`
	Decomposition  *DecompositionDiagnostics `json:"decomposition,omitempty"`

	// Partial marks answers produced under a failed or truncated stage.
	Partial bool `json:"partial,omitempty"`
}

// Response is the completed turn.
type Response struct {
	Answer      string         `json:"answer"`
	References  []Reference    `json:"references"`
	WebResults  []WebResult    `json:"webResults,omitempty"`
	Activity    []ActivityStep `json:"activity"`
	Plan        *Plan          `json:"plan,omitempty"`
	Critic      []CriticReport `json:"critic,omitempty"`
	Route       *RouteInfo     `json:"route,omitempty"`
	Diagnostics Diagnostics    `json:"diagnostics"`
	Usage       Usage          `json:"usage"`
	SessionID   string         `json:"sessionId"`
	Turn        int            `json:"turn"`
}

// AggregateSnapshot is the service-level counter block surfaced by the
// telemetry stream event.
type AggregateSnapshot struct {
	Turns          int            `json:"turns"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	ErrorsByKind   map[string]int `json:"errorsByKind,omitempty"`
	Usage          Usage          `json:"usage"`
	CriticAccepted int            `json:"criticAccepted"`
	CriticRevised  int            `json:"criticRevised"`
	Fallbacks      int            `json:"fallbacks"`
	Reformulations int            `json:"reformulations"`
	WebSearches    int            `json:"webSearches"`
	AvgTurnMillis  float64        `json:"avgTurnMillis"`
}
