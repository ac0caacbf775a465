package critic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/session"
)

type fakeCompleter struct {
	calls   int
	prompts [][]session.Message
	schema  *llm.Schema
	text    string
	usage   session.Usage
	err     error
}

func (f *fakeCompleter) CompleteStructured(ctx context.Context, messages []session.Message, schema *llm.Schema, opts llm.Options) (*llm.Completion, error) {
	f.calls++
	f.prompts = append(f.prompts, messages)
	f.schema = schema
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Text: f.text, Usage: f.usage, FinishReason: "stop"}, nil
}

func testRefs() []session.Reference {
	return []session.Reference{
		{ID: "doc-1", Title: "Travel Policy", PageNumber: 4, Content: "All travel must be pre-approved.", Source: session.SourceIndex},
		{ID: "doc-2", Title: "Expense Guide", Content: "Receipts are required above 25 euros.", Source: session.SourceIndex},
	}
}

func TestCritic_Review(t *testing.T) {
	t.Run("accepts a grounded covering draft", func(t *testing.T) {
		fake := &fakeCompleter{
			text:  `{"grounded": true, "facetsTotal": 2, "facetsCovered": 2, "issues": []}`,
			usage: session.Usage{PromptTokens: 120, CompletionTokens: 30},
		}
		c := New(fake)

		report, usage, err := c.Review(context.Background(), "what are the travel rules?",
			"Travel must be pre-approved [1] and receipts are required above 25 euros [2].",
			testRefs(), nil, config.DefaultFeatures())
		require.NoError(t, err)

		assert.Equal(t, session.CriticAccept, report.Action)
		assert.True(t, report.Grounded)
		assert.Equal(t, 1.0, report.Coverage)
		assert.Empty(t, report.Issues)
		assert.Equal(t, 120, usage.PromptTokens)
		assert.Equal(t, "answer_review", fake.schema.Name)

		prompt := fake.prompts[0][1].Content
		assert.Contains(t, prompt, "[1] Travel Policy (page 4)")
		assert.Contains(t, prompt, "[2] Expense Guide")
		assert.Contains(t, prompt, "what are the travel rules?")
	})

	t.Run("revises an ungrounded draft", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"grounded": false, "facetsTotal": 2, "facetsCovered": 2, "issues": ["second sentence cites nothing"]}`}
		c := New(fake)

		report, _, err := c.Review(context.Background(), "q", "a", testRefs(), nil, config.DefaultFeatures())
		require.NoError(t, err)
		assert.Equal(t, session.CriticRevise, report.Action)
		assert.Equal(t, []string{"second sentence cites nothing"}, report.Issues)
		assert.Equal(t, 1.0, report.Coverage, "coverage is judged independently of grounding")
	})

	t.Run("revises thin coverage", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"grounded": true, "facetsTotal": 4, "facetsCovered": 1, "issues": []}`}
		c := New(fake)

		report, _, err := c.Review(context.Background(), "q", "a", testRefs(), nil, config.DefaultFeatures())
		require.NoError(t, err)
		assert.Equal(t, session.CriticRevise, report.Action)
		assert.Equal(t, 0.25, report.Coverage)
	})

	t.Run("bounds the facet fraction", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"grounded": true, "facetsTotal": 2, "facetsCovered": 9, "issues": []}`}
		c := New(fake)

		report, _, err := c.Review(context.Background(), "q", "a", testRefs(), nil, config.DefaultFeatures())
		require.NoError(t, err)
		assert.Equal(t, 1.0, report.Coverage)
	})

	t.Run("a facetless question hinges on grounding", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"grounded": true, "facetsTotal": 0, "facetsCovered": 0, "issues": []}`}
		c := New(fake)

		report, _, err := c.Review(context.Background(), "hello there", "Hi!", nil, nil, config.DefaultFeatures())
		require.NoError(t, err)
		assert.Equal(t, 1.0, report.Coverage)
		assert.Equal(t, session.CriticAccept, report.Action)
	})

	t.Run("shows web context separately from citable evidence", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"grounded": true, "facetsTotal": 1, "facetsCovered": 1, "issues": []}`}
		c := New(fake)

		web := []session.WebResult{{Title: "Vendor pricing", URL: "https://example.com/p", Snippet: "Plans start at $10."}}
		_, _, err := c.Review(context.Background(), "q", "a", testRefs(), web, config.DefaultFeatures())
		require.NoError(t, err)

		prompt := fake.prompts[0][1].Content
		assert.Contains(t, prompt, "not citable")
		assert.Contains(t, prompt, "Vendor pricing (https://example.com/p)")
	})

	t.Run("says when no evidence was retrieved", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"grounded": true, "facetsTotal": 1, "facetsCovered": 1, "issues": []}`}
		c := New(fake)

		_, _, err := c.Review(context.Background(), "q", "a", nil, nil, config.DefaultFeatures())
		require.NoError(t, err)
		assert.Contains(t, fake.prompts[0][1].Content, "no evidence was retrieved")
	})

	t.Run("rejects malformed verdicts", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"grounded": "yes"}`}
		c := New(fake)

		_, _, err := c.Review(context.Background(), "q", "a", testRefs(), nil, config.DefaultFeatures())
		require.Error(t, err)
		assert.Equal(t, session.KindSchema, session.Classify(err))
	})

	t.Run("keeps the upstream error kind", func(t *testing.T) {
		fake := &fakeCompleter{err: session.NewError(session.KindUpstreamRateLimited, "429")}
		c := New(fake)

		_, _, err := c.Review(context.Background(), "q", "a", testRefs(), nil, config.DefaultFeatures())
		require.Error(t, err)
		assert.Equal(t, session.KindUpstreamRateLimited, session.Classify(err))
	})
}

func TestRevisionNotes(t *testing.T) {
	report := &session.CriticReport{
		Grounded: false,
		Coverage: 0.5,
		Issues:   []string{"the second figure is uncited", "the EU case is missing"},
		Action:   session.CriticRevise,
	}
	notes := RevisionNotes(report)
	assert.Contains(t, notes, "rejected")
	assert.Contains(t, notes, "Cite every factual claim")
	assert.Contains(t, notes, "50% of the question's facets")
	assert.Contains(t, notes, "the second figure is uncited")
	assert.Contains(t, notes, "the EU case is missing")

	clean := RevisionNotes(&session.CriticReport{Grounded: true, Coverage: 1})
	assert.NotContains(t, clean, "facets")
	assert.NotContains(t, clean, "Cite every")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "long t...", truncateString("long text here", 6))
}
