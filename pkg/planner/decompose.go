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

const (
	assessMaxTokens    = 192
	decomposeMaxTokens = 1024

	// maxSubQueries bounds how far a question may fan out. Each sub-query
	// costs a full retrieval pass, so a runaway decomposition is rejected
	// and the turn falls back to the undecomposed question.
	maxSubQueries = 8
)

const assessSystemPrompt = `You assess question complexity for an assistant that answers over an enterprise document index.

Score complexity from 0 to 1:
- 0.0 to 0.3: a single lookup answers it
- 0.4 to 0.6: one retrieval pass plus some synthesis
- 0.7 to 1.0: several distinct facts must be gathered and combined

A question needs decomposition only when it contains separable parts that could be searched independently.`

const assessUserPrompt = `Question: %s`

type assessVerdict struct {
	Complexity         float64 `json:"complexity" jsonschema:"required,description=Complexity between 0 and 1"`
	NeedsDecomposition bool    `json:"needsDecomposition" jsonschema:"required,description=Whether the question splits into independently searchable parts"`
}

var assessSchema = llm.MustSchemaFor[assessVerdict]("complexity_assessment")

// Assessment is the complexity verdict on a question.
type Assessment struct {
	Complexity         float64
	NeedsDecomposition bool
}

// Assess scores how complex the question is and whether it would benefit
// from decomposition. The verdict is advisory; ShouldDecompose applies the
// feature gate.
func (p *Planner) Assess(ctx context.Context, question string) (Assessment, session.Usage, error) {
	messages := []session.Message{
		{Role: session.RoleSystem, Content: assessSystemPrompt},
		{Role: session.RoleUser, Content: fmt.Sprintf(assessUserPrompt, question)},
	}

	completion, err := p.llm.CompleteStructured(ctx, messages, assessSchema, llm.Options{MaxTokens: assessMaxTokens})
	if err != nil {
		return Assessment{}, session.Usage{}, fmt.Errorf("assessing complexity: %w", err)
	}

	var verdict assessVerdict
	if err := json.Unmarshal([]byte(completion.Text), &verdict); err != nil {
		return Assessment{}, completion.Usage, session.WrapError(session.KindSchema, "decoding complexity assessment", err)
	}

	return Assessment{
		Complexity:         clamp01(verdict.Complexity),
		NeedsDecomposition: verdict.NeedsDecomposition,
	}, completion.Usage, nil
}

// ShouldDecompose reports whether a turn proceeds to decomposition: the
// feature must be on, the model must have asked for it, and the complexity
// must clear the configured threshold.
func ShouldDecompose(a Assessment, f config.FeatureSet) bool {
	return f.EnableQueryDecomposition && a.NeedsDecomposition && a.Complexity >= f.DecompositionThreshold
}

const decomposeSystemPrompt = `You split a complex question into sub-queries for an assistant that retrieves evidence per sub-query and synthesizes one answer.

Rules:
- produce 2 to 4 sub-queries, each a standalone searchable question
- give each a short id such as q1, q2
- dependsOn lists the ids whose answers a sub-query needs; leave it empty for independent ones
- dependencies must not form a cycle
- synthesisPrompt says how to combine the per-sub-query findings into one answer`

const decomposeUserPrompt = `Question: %s`

type subQueryNode struct {
	ID        string   `json:"id" jsonschema:"required,description=Short unique id such as q1"`
	Text      string   `json:"text" jsonschema:"required,description=A standalone searchable question"`
	DependsOn []string `json:"dependsOn" jsonschema:"description=Ids of sub-queries whose answers this one needs"`
}

type decomposeVerdict struct {
	SubQueries      []subQueryNode `json:"subQueries" jsonschema:"required,description=The sub-queries in suggested execution order"`
	SynthesisPrompt string         `json:"synthesisPrompt" jsonschema:"required,description=How to combine the per-sub-query findings into one answer"`
}

var decomposeSchema = llm.MustSchemaFor[decomposeVerdict]("query_decomposition")

// Decompose splits the question into a DAG of sub-queries. Any structural
// defect in the model's output, too few or too many nodes, duplicate ids,
// unknown dependencies, a cycle, fails the call; the caller answers the
// undecomposed question instead of dispatching a broken graph.
func (p *Planner) Decompose(ctx context.Context, question string) (*session.DecomposedQuery, session.Usage, error) {
	messages := []session.Message{
		{Role: session.RoleSystem, Content: decomposeSystemPrompt},
		{Role: session.RoleUser, Content: fmt.Sprintf(decomposeUserPrompt, question)},
	}

	completion, err := p.llm.CompleteStructured(ctx, messages, decomposeSchema, llm.Options{MaxTokens: decomposeMaxTokens})
	if err != nil {
		return nil, session.Usage{}, fmt.Errorf("decomposing question: %w", err)
	}

	var verdict decomposeVerdict
	if err := json.Unmarshal([]byte(completion.Text), &verdict); err != nil {
		return nil, completion.Usage, session.WrapError(session.KindSchema, "decoding decomposition", err)
	}

	if len(verdict.SubQueries) < 2 {
		return nil, completion.Usage, session.Errorf(session.KindSchema, "decomposition produced %d sub-queries, need at least 2", len(verdict.SubQueries))
	}
	if len(verdict.SubQueries) > maxSubQueries {
		return nil, completion.Usage, session.Errorf(session.KindSchema, "decomposition produced %d sub-queries, cap is %d", len(verdict.SubQueries), maxSubQueries)
	}

	subs := make([]session.SubQuery, 0, len(verdict.SubQueries))
	ids := make(map[string]bool, len(verdict.SubQueries))
	for i, node := range verdict.SubQueries {
		text := strings.TrimSpace(node.Text)
		if text == "" {
			return nil, completion.Usage, session.Errorf(session.KindSchema, "sub-query %d has empty text", i+1)
		}
		id := strings.TrimSpace(node.ID)
		if id == "" {
			id = fmt.Sprintf("q%d", i+1)
		}
		if ids[id] {
			return nil, completion.Usage, session.Errorf(session.KindSchema, "duplicate sub-query id %q", id)
		}
		ids[id] = true

		var deps []string
		seen := make(map[string]bool, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		subs = append(subs, session.SubQuery{ID: id, Text: text, DependsOn: deps})
	}

	if _, err := Waves(subs); err != nil {
		return nil, completion.Usage, err
	}

	return &session.DecomposedQuery{
		SubQueries:      subs,
		SynthesisPrompt: strings.TrimSpace(verdict.SynthesisPrompt),
	}, completion.Usage, nil
}

// Waves orders sub-queries into executable waves: every query in a wave
// depends only on queries in earlier waves, so queries within one wave can
// run concurrently. Input order is preserved inside each wave. An unknown
// dependency or a cycle returns an error.
func Waves(subs []session.SubQuery) ([][]session.SubQuery, error) {
	if len(subs) == 0 {
		return nil, nil
	}

	known := make(map[string]bool, len(subs))
	for _, s := range subs {
		known[s.ID] = true
	}
	for _, s := range subs {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return nil, session.Errorf(session.KindSchema, "sub-query %q depends on unknown id %q", s.ID, dep)
			}
		}
	}

	done := make(map[string]bool, len(subs))
	remaining := len(subs)
	var waves [][]session.SubQuery
	for remaining > 0 {
		var wave []session.SubQuery
		for _, s := range subs {
			if done[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return nil, session.Errorf(session.KindSchema, "sub-query dependencies form a cycle")
		}
		for _, s := range wave {
			done[s.ID] = true
		}
		remaining -= len(wave)
		waves = append(waves, wave)
	}
	return waves, nil
}
