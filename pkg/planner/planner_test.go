package planner

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

func TestPlanner_ClassifyIntent(t *testing.T) {
	t.Run("labels a factual question", func(t *testing.T) {
		fake := &fakeCompleter{
			text:  `{"intent": "factual", "confidence": 0.9, "reasoning": "asks for one concrete number"}`,
			usage: session.Usage{PromptTokens: 40, CompletionTokens: 20},
		}
		p := New(fake)

		intent, usage, err := p.ClassifyIntent(context.Background(), "what is the retention period for audit logs?", config.DefaultFeatures())
		require.NoError(t, err)

		assert.Equal(t, session.IntentFactual, intent.Label)
		assert.Equal(t, 0.9, intent.Confidence)
		assert.Equal(t, "asks for one concrete number", intent.Reasoning)
		assert.Equal(t, 40, usage.PromptTokens)

		require.Equal(t, 1, fake.calls)
		require.NotNil(t, fake.schema)
		assert.Equal(t, "intent_verdict", fake.schema.Name)
		assert.Contains(t, fake.prompts[0][1].Content, "retention period")
	})

	t.Run("demotes low confidence to conversational", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"intent": "research", "confidence": 0.3, "reasoning": "hard to tell"}`}
		p := New(fake)

		intent, _, err := p.ClassifyIntent(context.Background(), "hmm what about the thing", config.DefaultFeatures())
		require.NoError(t, err)

		assert.Equal(t, session.IntentConversational, intent.Label)
		assert.Equal(t, 0.3, intent.Confidence, "the model's confidence survives the demotion")
		assert.Equal(t, "hard to tell", intent.Reasoning)
	})

	t.Run("clamps confidence into range", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"intent": "faq", "confidence": 1.7, "reasoning": "sure"}`}
		p := New(fake)

		intent, _, err := p.ClassifyIntent(context.Background(), "how do I reset my password?", config.DefaultFeatures())
		require.NoError(t, err)
		assert.Equal(t, session.IntentFAQ, intent.Label)
		assert.Equal(t, 1.0, intent.Confidence)
	})

	t.Run("rejects unknown labels", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"intent": "navigational", "confidence": 0.9, "reasoning": "n/a"}`}
		p := New(fake)

		_, _, err := p.ClassifyIntent(context.Background(), "where is the handbook?", config.DefaultFeatures())
		require.Error(t, err)
		se, ok := session.AsError(err)
		require.True(t, ok)
		assert.Equal(t, session.KindSchema, se.Kind)
	})

	t.Run("rejects malformed verdicts", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"intent": 3}`}
		p := New(fake)

		_, _, err := p.ClassifyIntent(context.Background(), "anything", config.DefaultFeatures())
		require.Error(t, err)
		se, ok := session.AsError(err)
		require.True(t, ok)
		assert.Equal(t, session.KindSchema, se.Kind)
	})

	t.Run("keeps the upstream error kind", func(t *testing.T) {
		fake := &fakeCompleter{err: session.NewError(session.KindUpstreamTimeout, "model timed out")}
		p := New(fake)

		_, _, err := p.ClassifyIntent(context.Background(), "anything", config.DefaultFeatures())
		require.Error(t, err)
		assert.Equal(t, session.KindUpstreamTimeout, session.Classify(err))
	})
}

func TestProfileFor(t *testing.T) {
	assert.Equal(t, session.RetrieverFast, ProfileFor(session.IntentFAQ).RetrieverStrategy)
	assert.Equal(t, session.RetrieverThorough, ProfileFor(session.IntentFactual).RetrieverStrategy)
	assert.Equal(t, session.RetrieverDual, ProfileFor(session.IntentResearch).RetrieverStrategy)
	assert.Equal(t, session.RetrieverFast, ProfileFor(session.IntentConversational).RetrieverStrategy)

	assert.Greater(t, ProfileFor(session.IntentResearch).MaxTokens, ProfileFor(session.IntentFAQ).MaxTokens,
		"research answers get more room than faq answers")

	assert.Equal(t, ProfileFor(session.IntentFactual), ProfileFor(session.IntentLabel("mystery")),
		"unknown labels route through the factual profile")
}

func TestRouteFor(t *testing.T) {
	intent := &session.Intent{Label: session.IntentResearch, Confidence: 0.8, Reasoning: "broad"}
	route := RouteFor(intent)
	assert.Equal(t, session.IntentResearch, route.Intent)
	assert.Equal(t, 0.8, route.Confidence)
	assert.Equal(t, session.RetrieverDual, route.Profile.RetrieverStrategy)

	fallback := RouteFor(nil)
	assert.Empty(t, fallback.Intent)
	assert.Equal(t, session.RetrieverThorough, fallback.Profile.RetrieverStrategy)
}

func TestPlanner_BuildPlan(t *testing.T) {
	t.Run("keeps confident steps", func(t *testing.T) {
		fake := &fakeCompleter{
			text:  `{"confidence": 0.8, "steps": ["vector_search"], "rationale": "the index covers internal policy"}`,
			usage: session.Usage{PromptTokens: 30, CompletionTokens: 15},
		}
		p := New(fake)

		plan, usage, err := p.BuildPlan(context.Background(), "what does the travel policy say?", nil, config.DefaultFeatures())
		require.NoError(t, err)

		assert.Equal(t, []session.PlanStep{session.StepVectorSearch}, plan.Steps)
		assert.Equal(t, 0.8, plan.Confidence)
		assert.Equal(t, "the index covers internal policy", plan.Rationale)
		assert.False(t, plan.HasStep(session.StepWebSearch))
		assert.Equal(t, 15, usage.CompletionTokens)
		assert.Equal(t, "retrieval_plan", fake.schema.Name)
	})

	t.Run("escalates low confidence to both backends", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"confidence": 0.2, "steps": ["vector_search"], "rationale": "unsure where this lives"}`}
		p := New(fake)

		plan, _, err := p.BuildPlan(context.Background(), "how does our pricing compare to the market?", nil, config.DefaultFeatures())
		require.NoError(t, err)

		assert.Equal(t, []session.PlanStep{session.StepVectorSearch, session.StepWebSearch}, plan.Steps)
		assert.Equal(t, 0.2, plan.Confidence)
	})

	t.Run("dedupes steps preserving order", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"confidence": 0.9, "steps": ["web_search", "vector_search", "web_search"], "rationale": "both"}`}
		p := New(fake)

		plan, _, err := p.BuildPlan(context.Background(), "anything", nil, config.DefaultFeatures())
		require.NoError(t, err)
		assert.Equal(t, []session.PlanStep{session.StepWebSearch, session.StepVectorSearch}, plan.Steps)
	})

	t.Run("allows an all-chat empty plan", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"confidence": 0.95, "steps": [], "rationale": "greeting, no evidence needed"}`}
		p := New(fake)

		plan, _, err := p.BuildPlan(context.Background(), "good morning!", nil, config.DefaultFeatures())
		require.NoError(t, err)
		assert.Empty(t, plan.Steps)
	})

	t.Run("rejects unknown steps", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"confidence": 0.9, "steps": ["grep_codebase"], "rationale": "n/a"}`}
		p := New(fake)

		_, _, err := p.BuildPlan(context.Background(), "anything", nil, config.DefaultFeatures())
		require.Error(t, err)
		se, ok := session.AsError(err)
		require.True(t, ok)
		assert.Equal(t, session.KindSchema, se.Kind)
	})

	t.Run("tells the model the classified intent", func(t *testing.T) {
		fake := &fakeCompleter{text: `{"confidence": 0.9, "steps": ["vector_search"], "rationale": "ok"}`}
		p := New(fake)

		intent := &session.Intent{Label: session.IntentResearch, Confidence: 0.7}
		_, _, err := p.BuildPlan(context.Background(), "compare our SLAs across regions", intent, config.DefaultFeatures())
		require.NoError(t, err)
		assert.Contains(t, fake.prompts[0][1].Content, `"research"`)
	})
}

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan()
	assert.True(t, plan.HasStep(session.StepVectorSearch))
	assert.False(t, plan.HasStep(session.StepWebSearch))
}
