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

const planMaxTokens = 384

const planSystemPrompt = `You plan evidence gathering for an assistant that answers questions over an enterprise document index, with optional web search.

Pick the retrieval steps:
- vector_search: search the internal document index. Right for anything the organization's own documents may cover.
- web_search: search the public web. Right for current events, public facts, or topics clearly outside the index.

Most questions need only vector_search. Pick both when internal and public evidence are both plausibly needed. Pick neither only for pure chit-chat that needs no evidence at all. Report your confidence that the chosen steps suffice.`

const planUserPrompt = `Question: %s`

const planIntentNote = `

The question was classified as %q.`

type planVerdict struct {
	Confidence float64  `json:"confidence" jsonschema:"required,description=Confidence between 0 and 1 that the chosen steps gather enough evidence"`
	Steps      []string `json:"steps" jsonschema:"required,description=Retrieval steps to run in order. Each entry is vector_search or web_search"`
	Rationale  string   `json:"rationale" jsonschema:"required,description=One sentence justifying the chosen steps"`
}

var planSchema = llm.MustSchemaFor[planVerdict]("retrieval_plan")

// BuildPlan decides which retrieval steps a turn dispatches. A verdict below
// the dual threshold escalates to both backends: when the model is unsure
// where the evidence lives, searching both is cheaper than answering from
// the wrong half. The intent, when available, is surfaced to the model as a
// hint only; the steps stand on their own.
func (p *Planner) BuildPlan(ctx context.Context, question string, intent *session.Intent, f config.FeatureSet) (*session.Plan, session.Usage, error) {
	user := fmt.Sprintf(planUserPrompt, question)
	if intent != nil {
		user += fmt.Sprintf(planIntentNote, intent.Label)
	}
	messages := []session.Message{
		{Role: session.RoleSystem, Content: planSystemPrompt},
		{Role: session.RoleUser, Content: user},
	}

	completion, err := p.llm.CompleteStructured(ctx, messages, planSchema, llm.Options{MaxTokens: planMaxTokens})
	if err != nil {
		return nil, session.Usage{}, fmt.Errorf("building plan: %w", err)
	}

	var verdict planVerdict
	if err := json.Unmarshal([]byte(completion.Text), &verdict); err != nil {
		return nil, completion.Usage, session.WrapError(session.KindSchema, "decoding plan verdict", err)
	}

	steps, err := parseSteps(verdict.Steps)
	if err != nil {
		return nil, completion.Usage, err
	}

	plan := &session.Plan{
		Confidence: clamp01(verdict.Confidence),
		Steps:      steps,
		Rationale:  strings.TrimSpace(verdict.Rationale),
	}
	if plan.Confidence < f.DualThreshold {
		plan.Steps = []session.PlanStep{session.StepVectorSearch, session.StepWebSearch}
	}
	return plan, completion.Usage, nil
}

// parseSteps validates and dedupes the step names, preserving order. An
// unknown step name fails the whole plan; callers fall back to the default
// vector-only dispatch rather than guess what the model meant.
func parseSteps(raw []string) ([]session.PlanStep, error) {
	steps := make([]session.PlanStep, 0, len(raw))
	seen := make(map[session.PlanStep]bool, len(raw))
	for _, name := range raw {
		step := session.PlanStep(strings.TrimSpace(name))
		switch step {
		case session.StepVectorSearch, session.StepWebSearch:
		default:
			return nil, session.Errorf(session.KindSchema, "unknown plan step %q", name)
		}
		if seen[step] {
			continue
		}
		seen[step] = true
		steps = append(steps, step)
	}
	return steps, nil
}

// DefaultPlan is the dispatch used when plan generation is disabled or
// failed: search the index, skip the web.
func DefaultPlan() *session.Plan {
	return &session.Plan{
		Confidence: 1,
		Steps:      []session.PlanStep{session.StepVectorSearch},
		Rationale:  "default vector-only dispatch",
	}
}
