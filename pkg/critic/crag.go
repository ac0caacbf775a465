package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/rank"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Embedder produces embeddings for sentence-level refinement. llm.Provider
// satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Grader grades a retrieval set before synthesis and repairs ambiguous sets
// by stripping the sentences that do not speak to the question.
type Grader struct {
	llm      StructuredCompleter
	embedder Embedder
}

func NewGrader(completer StructuredCompleter, embedder Embedder) *Grader {
	return &Grader{llm: completer, embedder: embedder}
}

const gradeMaxTokens = 256

// refineMinSimilarity is the sentence-level cosine floor for Refine. Below
// it a sentence is considered noise relative to the question.
const refineMinSimilarity = 0.35

const gradeSystemPrompt = `You grade retrieved evidence before an answer is attempted.

Grades:
- correct: the evidence contains what the question needs
- ambiguous: the evidence is partially relevant but mixed with noise
- incorrect: the evidence does not bear on the question

Grade the set as a whole, not its best member.`

const gradeUserPrompt = `Question: %s

Evidence:
%s`

type gradeVerdict struct {
	Confidence string `json:"confidence" jsonschema:"required,description=The grade,enum=correct,enum=ambiguous,enum=incorrect"`
	Reasoning  string `json:"reasoning" jsonschema:"required,description=One sentence justifying the grade"`
}

var gradeSchema = llm.MustSchemaFor[gradeVerdict]("retrieval_grade")

// Grade judges whether the retrieval set can support an answer. An empty
// set is incorrect by definition and skips the model call. The action
// mapping is fixed: correct uses the set as is, ambiguous refines it,
// incorrect abandons it for web fallback.
func (g *Grader) Grade(ctx context.Context, question string, refs []session.Reference) (*session.CRAGEvaluation, session.Usage, error) {
	if len(refs) == 0 {
		return &session.CRAGEvaluation{
			Confidence: session.CRAGIncorrect,
			Action:     session.CRAGWebFallback,
			Reasoning:  "no evidence was retrieved",
		}, session.Usage{}, nil
	}

	messages := []session.Message{
		{Role: session.RoleSystem, Content: gradeSystemPrompt},
		{Role: session.RoleUser, Content: fmt.Sprintf(gradeUserPrompt, question, formatEvidence(refs, nil))},
	}

	completion, err := g.llm.CompleteStructured(ctx, messages, gradeSchema, llm.Options{MaxTokens: gradeMaxTokens})
	if err != nil {
		return nil, session.Usage{}, fmt.Errorf("grading retrieval: %w", err)
	}

	var verdict gradeVerdict
	if err := json.Unmarshal([]byte(completion.Text), &verdict); err != nil {
		return nil, completion.Usage, session.WrapError(session.KindSchema, "decoding retrieval grade", err)
	}

	confidence := session.CRAGConfidence(verdict.Confidence)
	switch confidence {
	case session.CRAGCorrect, session.CRAGAmbiguous, session.CRAGIncorrect:
	default:
		return nil, completion.Usage, session.Errorf(session.KindSchema, "unknown retrieval grade %q", verdict.Confidence)
	}

	return &session.CRAGEvaluation{
		Confidence: confidence,
		Action:     actionFor(confidence),
		Reasoning:  strings.TrimSpace(verdict.Reasoning),
	}, completion.Usage, nil
}

func actionFor(confidence session.CRAGConfidence) session.CRAGAction {
	switch confidence {
	case session.CRAGCorrect:
		return session.CRAGUse
	case session.CRAGAmbiguous:
		return session.CRAGRefine
	default:
		return session.CRAGWebFallback
	}
}

// Refine strips from each reference the sentences whose similarity to the
// question falls below the floor, dropping references with nothing left.
// All sentences are embedded in one batched call. On embedding failure the
// original references come back untouched alongside the error, so the
// caller can proceed with the unrefined set.
func (g *Grader) Refine(ctx context.Context, question string, refs []session.Reference) ([]session.Reference, error) {
	texts := []string{question}
	sentences := make([][]string, len(refs))
	positions := make([][]int, len(refs))
	for i, ref := range refs {
		sentences[i] = splitSentences(ref.Content)
		positions[i] = make([]int, len(sentences[i]))
		for j, sentence := range sentences[i] {
			positions[i][j] = len(texts)
			texts = append(texts, sentence)
		}
	}
	if len(texts) == 1 {
		return refs, nil
	}

	vectors, err := g.embedder.Embed(ctx, texts)
	if err != nil {
		return refs, fmt.Errorf("embedding refinement sentences: %w", err)
	}
	if len(vectors) != len(texts) {
		return refs, session.Errorf(session.KindUpstreamTransient,
			"embedder returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	questionVec := vectors[0]

	out := make([]session.Reference, 0, len(refs))
	for i, ref := range refs {
		kept := make([]string, 0, len(sentences[i]))
		for j, sentence := range sentences[i] {
			if rank.Cosine(questionVec, vectors[positions[i][j]]) >= refineMinSimilarity {
				kept = append(kept, sentence)
			}
		}
		if len(kept) == 0 {
			continue
		}
		if len(kept) < len(sentences[i]) {
			ref.Content = strings.Join(kept, " ")
		}
		out = append(out, ref)
	}
	return out, nil
}

// splitSentences breaks text at terminator runes followed by whitespace or
// end of text, so decimals and abbreviations stay intact. Newlines always
// terminate, which keeps list items separate.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	runes := []rune(strings.TrimSpace(text))
	for i, r := range runes {
		if r == '\n' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
			continue
		}
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(b.String()); s != "" {
					out = append(out, s)
				}
				b.Reset()
			}
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}
