// Package planner decides how a turn executes before any retrieval runs:
// which intent class the question falls into, which evidence-gathering
// steps to dispatch, and whether the question splits into sub-queries that
// can be answered in parallel.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/session"
)

// StructuredCompleter is the slice of the model surface planning needs.
// llm.Provider satisfies it.
type StructuredCompleter interface {
	CompleteStructured(ctx context.Context, messages []session.Message, schema *llm.Schema, opts llm.Options) (*llm.Completion, error)
}

// Planner runs the pre-retrieval model calls of a turn. All methods are
// safe for concurrent use; the planner holds no per-turn state.
type Planner struct {
	llm StructuredCompleter
}

func New(completer StructuredCompleter) *Planner {
	return &Planner{llm: completer}
}

// classifyMaxTokens caps the intent call output. The verdict is three short
// fields, so this is generous.
const classifyMaxTokens = 256

const classifySystemPrompt = `You route questions for an assistant that answers over an enterprise document index.

Classify the question into exactly one intent:
- faq: a short, common question answerable from a single well-known document
- factual: a specific question with a concrete answer somewhere in the index
- research: a broad or comparative question needing synthesis across sources
- conversational: greetings, chit-chat, or questions about the assistant itself

Judge only the question. Report your confidence honestly; a wrong route wastes a retrieval pass.`

const classifyUserPrompt = `Question: %s`

type intentVerdict struct {
	Intent     string  `json:"intent" jsonschema:"required,description=The intent class,enum=faq,enum=research,enum=factual,enum=conversational"`
	Confidence float64 `json:"confidence" jsonschema:"required,description=Classification confidence between 0 and 1"`
	Reasoning  string  `json:"reasoning" jsonschema:"required,description=One sentence explaining the classification"`
}

var intentSchema = llm.MustSchemaFor[intentVerdict]("intent_verdict")

// ClassifyIntent labels the question with one of the four routing intents.
// Verdicts below the configured confidence threshold demote to
// conversational, which routes through the cheapest profile; the original
// confidence and reasoning survive the demotion so telemetry shows what the
// model actually said.
func (p *Planner) ClassifyIntent(ctx context.Context, question string, f config.FeatureSet) (*session.Intent, session.Usage, error) {
	messages := []session.Message{
		{Role: session.RoleSystem, Content: classifySystemPrompt},
		{Role: session.RoleUser, Content: fmt.Sprintf(classifyUserPrompt, question)},
	}

	completion, err := p.llm.CompleteStructured(ctx, messages, intentSchema, llm.Options{MaxTokens: classifyMaxTokens})
	if err != nil {
		return nil, session.Usage{}, fmt.Errorf("classifying intent: %w", err)
	}

	var verdict intentVerdict
	if err := json.Unmarshal([]byte(completion.Text), &verdict); err != nil {
		return nil, completion.Usage, session.WrapError(session.KindSchema, "decoding intent verdict", err)
	}

	label := session.IntentLabel(verdict.Intent)
	switch label {
	case session.IntentFAQ, session.IntentResearch, session.IntentFactual, session.IntentConversational:
	default:
		return nil, completion.Usage, session.Errorf(session.KindSchema, "unknown intent label %q", verdict.Intent)
	}

	intent := &session.Intent{
		Label:      label,
		Confidence: clamp01(verdict.Confidence),
		Reasoning:  strings.TrimSpace(verdict.Reasoning),
	}
	if intent.Confidence < f.IntentConfThreshold {
		intent.Label = session.IntentConversational
	}
	return intent, completion.Usage, nil
}

// profiles maps each intent to its execution profile. Research is the only
// intent that fans out to both retrieval backends by default; the plan can
// still escalate the others. ModelHint stays empty here, deployments that
// pin models per intent override it in config.
var profiles = map[session.IntentLabel]session.RouteProfile{
	session.IntentFAQ:            {MaxTokens: 512, RetrieverStrategy: session.RetrieverFast},
	session.IntentFactual:        {MaxTokens: 1024, RetrieverStrategy: session.RetrieverThorough},
	session.IntentResearch:       {MaxTokens: 2048, RetrieverStrategy: session.RetrieverDual},
	session.IntentConversational: {MaxTokens: 512, RetrieverStrategy: session.RetrieverFast},
}

// ProfileFor returns the execution profile for a classified intent.
// Unknown labels get the factual profile, the middle of the road.
func ProfileFor(label session.IntentLabel) session.RouteProfile {
	if profile, ok := profiles[label]; ok {
		return profile
	}
	return profiles[session.IntentFactual]
}

// RouteFor assembles the reported route for a classified intent.
func RouteFor(intent *session.Intent) session.RouteInfo {
	if intent == nil {
		return DefaultRoute()
	}
	return session.RouteInfo{
		Intent:     intent.Label,
		Confidence: intent.Confidence,
		Profile:    ProfileFor(intent.Label),
	}
}

// DefaultRoute is the route used when intent routing is disabled: no
// classification happened, so the route carries no intent label and the
// factual profile.
func DefaultRoute() session.RouteInfo {
	return session.RouteInfo{Profile: ProfileFor(session.IntentFactual)}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
