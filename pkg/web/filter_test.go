package web

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/rank"
	"github.com/kadirpekel/anchora/pkg/session"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	inputs  [][]string
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.inputs = append(f.inputs, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func filterTestConfig() *config.WebConfig {
	return &config.WebConfig{
		TrustedDomains:   map[string]float64{"example.com": 0.9},
		SpamDomains:      []string{"spam.biz"},
		UnknownAuthority: 0.4,
	}
}

func result(id, url, snippet string) session.WebResult {
	return session.WebResult{ID: id, Title: id, URL: url, Snippet: snippet}
}

func TestQualityFilter_Filter(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"travel policy":          {1, 0},
		"book economy flights":   {1, 0},
		"stipend details":        {1, 0},
		"banana bread recipe":    {0, 1},
		"existing handbook text": {0.7, 0.7},
	}}
	filter := NewQualityFilter(filterTestConfig(), embedder)

	known := []session.Reference{
		{ID: "doc-1", Content: "never embedded", Embedding: []float32{0.7, 0.7}},
	}
	results := []session.WebResult{
		result("trusted", "https://kb.example.com/travel", "book economy flights"),
		result("unknown", "https://blog.random.net/post", "stipend details"),
		result("offtopic", "https://blog.random.net/bread", "banana bread recipe"),
		result("duplicate", "https://kb.example.com/copy", "existing handbook text"),
		result("spam", "https://spam.biz/click", "book economy flights"),
	}

	out, err := filter.Filter(context.Background(), results, "travel policy", known)
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}

	if len(out.Kept) != 2 || len(out.Removed) != 3 {
		t.Fatalf("kept = %d removed = %d, want 2/3", len(out.Kept), len(out.Removed))
	}
	if out.Kept[0].ID != "trusted" || out.Kept[1].ID != "unknown" {
		t.Errorf("kept order = %q, %q", out.Kept[0].ID, out.Kept[1].ID)
	}

	knownSim := rank.Cosine([]float32{1, 0}, []float32{0.7, 0.7})
	wantOverall := 0.3*0.9 + 0.3*(1-knownSim) + 0.4*1
	if got := out.Kept[0].Scores.Overall; math.Abs(got-wantOverall) > 1e-9 {
		t.Errorf("trusted overall = %v, want %v", got, wantOverall)
	}

	removed := map[string]session.WebScores{}
	for _, r := range out.Removed {
		removed[r.ID] = r.Scores
	}
	if s := removed["offtopic"]; s.Relevance >= minRelevance {
		t.Errorf("offtopic relevance = %v, should fail the gate", s.Relevance)
	}
	if s := removed["duplicate"]; (1 - s.Novelty) <= maxKnownSimilarity {
		t.Errorf("duplicate known-similarity = %v, should fail the gate", 1-s.Novelty)
	}
	if s := removed["spam"]; s.Authority != 0 {
		t.Errorf("spam authority = %v, want 0", s.Authority)
	}

	// One batched call: query plus the five snippets; the known reference
	// already carries its embedding.
	if len(embedder.inputs) != 1 {
		t.Fatalf("embed calls = %d, want 1", len(embedder.inputs))
	}
	texts := embedder.inputs[0]
	if len(texts) != 6 || texts[0] != "travel policy" {
		t.Errorf("embedded texts = %v", texts)
	}
	for _, text := range texts {
		if text == "never embedded" {
			t.Error("known reference with an embedding was re-embedded")
		}
	}
}

func TestQualityFilter_EmbedsKnownWithoutEmbedding(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"travel policy":          {1, 0},
		"existing handbook text": {0.7, 0.7},
	}}
	filter := NewQualityFilter(filterTestConfig(), embedder)

	known := []session.Reference{{ID: "doc-1", Content: "existing handbook text"}}
	results := []session.WebResult{
		result("duplicate", "https://kb.example.com/copy", "existing handbook text"),
	}

	out, err := filter.Filter(context.Background(), results, "travel policy", known)
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if len(out.Removed) != 1 {
		t.Fatalf("removed = %d, want the duplicate gone", len(out.Removed))
	}
	if s := out.Removed[0].Scores; math.Abs(s.Novelty) > 1e-9 {
		t.Errorf("novelty = %v, want 0 against the embedded known text", s.Novelty)
	}
}

func TestQualityFilter_BlankResult(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	filter := NewQualityFilter(filterTestConfig(), embedder)

	out, err := filter.Filter(context.Background(), []session.WebResult{
		{ID: "blank", URL: "https://kb.example.com/x"},
	}, "q", nil)
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if len(out.Removed) != 1 {
		t.Fatalf("removed = %d, want 1", len(out.Removed))
	}
	if s := out.Removed[0].Scores; s.Relevance != 0 || s.Novelty != 1 {
		t.Errorf("scores = %+v, want irrelevant but fully novel", s)
	}
	if texts := embedder.inputs[0]; len(texts) != 1 {
		t.Errorf("embedded texts = %v, want only the query", texts)
	}
}

func TestQualityFilter_EmptyResults(t *testing.T) {
	filter := NewQualityFilter(filterTestConfig(), &fakeEmbedder{})

	out, err := filter.Filter(context.Background(), nil, "q", nil)
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if d := out.Diagnostics(); d.Evaluated != 0 || d.Kept != 0 || d.Removed != 0 {
		t.Errorf("diagnostics = %+v", d)
	}
}

func TestQualityFilter_EmbedError(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("embedder down")}
	filter := NewQualityFilter(filterTestConfig(), embedder)

	_, err := filter.Filter(context.Background(), []session.WebResult{
		result("r", "https://example.com", "text"),
	}, "q", nil)
	if err == nil || !errors.Is(err, embedder.err) {
		t.Errorf("error = %v, want the embedder failure", err)
	}
}

func TestQualityFilter_Authority(t *testing.T) {
	filter := NewQualityFilter(&config.WebConfig{
		TrustedDomains:   map[string]float64{"example.com": 0.9, "gov.uk": 1.0},
		SpamDomains:      []string{"example.com"},
		UnknownAuthority: 0.4,
	}, nil)

	tests := []struct {
		url  string
		want float64
	}{
		{"https://example.com/page", 0},   // spam wins over trust
		{"https://data.gov.uk/x", 1.0},    // dot-suffix match
		{"https://www.gov.uk/", 1.0},      // www stripped
		{"https://notgov.uk", 0.4},        // no partial suffix match
		{"https://somewhere.net/a", 0.4},  // unknown default
		{"gov.uk/bare-host", 1.0},         // scheme-less
		{"", 0},                           // no host
	}
	for _, tt := range tests {
		if got := filter.Authority(tt.url); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Authority(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestFilterResult_Diagnostics(t *testing.T) {
	out := &FilterResult{
		Kept:    []session.WebResult{{}, {}},
		Removed: []session.WebResult{{}},
	}
	d := out.Diagnostics()
	if d.Evaluated != 3 || d.Kept != 2 || d.Removed != 1 {
		t.Errorf("diagnostics = %+v", d)
	}
}
