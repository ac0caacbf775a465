// Package search is the raw REST client for the hybrid document index.
// It speaks the index protocol directly (keyword + vector recall with
// optional semantic reranking) and knows nothing about fallback chains
// or reformulation; that logic lives in pkg/retrieval.
package search

import (
	"context"

	"github.com/kadirpekel/anchora/pkg/session"
)

// TokenProvider supplies short-lived bearer tokens when the index sits
// behind an authenticating gateway instead of exposing an api-key.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Mode selects the query strategy.
type Mode string

const (
	// ModeHybrid combines keyword and vector recall, reranked
	// semantically when the index has a reranker configuration.
	ModeHybrid Mode = "hybrid"

	// ModePureVector recalls by embedding similarity only.
	ModePureVector Mode = "pureVector"
)

// VectorFilterMode controls whether the filter applies before or after
// the approximate-neighbor scan.
type VectorFilterMode string

const (
	PreFilter  VectorFilterMode = "preFilter"
	PostFilter VectorFilterMode = "postFilter"
)

// Query is a single call against the index.
type Query struct {
	// Text is the keyword/semantic query. Unused in pure vector mode.
	Text string

	// Vector recalls by embedding similarity when non-empty.
	Vector []float32

	// TopK caps the number of returned documents.
	TopK int

	// RerankerThreshold drops hybrid results whose semantic score falls
	// below it. Zero keeps everything; pure vector mode ignores it.
	RerankerThreshold float64

	// Filter is an OData boolean expression over index fields.
	Filter string

	// FilterMode defaults to postFilter when a filter is set.
	FilterMode VectorFilterMode

	// Select overrides the configured select fields.
	Select []string

	// Index overrides the configured primary index.
	Index string

	// SemanticConfiguration overrides the configured reranker profile.
	SemanticConfiguration string

	Mode Mode

	// MinimumCoverage asks the service to report the percentage of the
	// index that was scanned. Zero omits it.
	MinimumCoverage float64

	// WithCaptions requests extractive passages per document.
	WithCaptions bool

	// WithAnswers requests extractive answers for the whole query.
	WithAnswers bool
}

// Document is one scored hit with fields mapped per the configured
// field names.
type Document struct {
	ID            string
	Title         string
	Content       string
	Summary       string
	URL           string
	PageNumber    int
	Score         float64
	RerankerScore float64
	Captions      []string

	// Fields holds the raw selected fields as returned by the index.
	Fields map[string]any
}

// AsReference converts the document into citable evidence. Lazy mode
// carries the summary instead of the full body so the budgeter can pack
// more candidates; Load upgrades it later.
func (d Document) AsReference(lazy bool) session.Reference {
	ref := session.Reference{
		ID:         d.ID,
		Title:      d.Title,
		URL:        d.URL,
		PageNumber: d.PageNumber,
		Content:    d.Content,
		Score:      d.Score,
		Captions:   d.Captions,
		Source:     session.SourceIndex,
	}
	// The semantic score is calibrated; prefer it when the reranker ran.
	if d.RerankerScore > 0 {
		ref.Score = d.RerankerScore
	}
	if lazy {
		ref.Content = d.Summary
		ref.Summary = true
	}
	return ref
}

// Answer is an extractive answer the reranker lifted from the corpus.
type Answer struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Results is the outcome of one search call.
type Results struct {
	Documents []Document

	// Coverage is the percentage of the index scanned, when reported.
	Coverage *float64

	Answers []Answer
}

// RerankerScores lists the semantic scores in result order, for
// diagnostics and activity records.
func (r *Results) RerankerScores() []float64 {
	scores := make([]float64, len(r.Documents))
	for i, doc := range r.Documents {
		scores[i] = doc.RerankerScore
	}
	return scores
}
