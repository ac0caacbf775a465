// Package critic judges quality on both sides of synthesis: Review checks a
// finished draft for grounding and coverage, Grader checks the retrieval set
// before a draft is attempted and repairs it when it can.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/session"
)

// StructuredCompleter is the slice of the model surface reviewing needs.
// llm.Provider satisfies it.
type StructuredCompleter interface {
	CompleteStructured(ctx context.Context, messages []session.Message, schema *llm.Schema, opts llm.Options) (*llm.Completion, error)
}

// Critic reviews answer drafts against the evidence they cite.
type Critic struct {
	llm StructuredCompleter
}

func New(completer StructuredCompleter) *Critic {
	return &Critic{llm: completer}
}

const reviewMaxTokens = 512

// evidenceClipChars bounds how much of each evidence body the review prompt
// carries. The synthesizer saw the full budgeted text; the critic only needs
// enough to check citations against.
const evidenceClipChars = 1500

const reviewSystemPrompt = `You review a draft answer produced from numbered evidence.

Judge two things:
- grounded: true only when every factual sentence carries a [n] citation and the cited evidence actually supports it. Greetings, hedges and statements that no evidence was found need no citation.
- facets: break the question into its distinct facets and count how many the draft addresses.

List the concrete problems a revision must fix. An empty list means the draft is clean.`

const reviewUserPrompt = `Question: %s

Evidence:
%s

Draft answer:
%s`

type reviewVerdict struct {
	Grounded      bool     `json:"grounded" jsonschema:"required,description=True only when every factual sentence cites evidence that supports it"`
	FacetsTotal   int      `json:"facetsTotal" jsonschema:"required,description=How many distinct facets the question asks about"`
	FacetsCovered int      `json:"facetsCovered" jsonschema:"required,description=How many of those facets the draft addresses"`
	Issues        []string `json:"issues" jsonschema:"description=Concrete problems a revision must fix"`
}

var reviewSchema = llm.MustSchemaFor[reviewVerdict]("answer_review")

// Review grades one answer draft. Coverage is the facet fraction
// facetsCovered/facetsTotal, so it is bounded to [0,1] and grows
// monotonically as a revision addresses more of the question. The verdict
// accepts when the draft is grounded and coverage clears min_coverage;
// anything else asks for a revision.
func (c *Critic) Review(ctx context.Context, question, answer string, refs []session.Reference, webCtx []session.WebResult, f config.FeatureSet) (*session.CriticReport, session.Usage, error) {
	tracer := observability.GetTracer("anchora.critic")
	ctx, span := tracer.Start(ctx, observability.SpanCritic)
	defer span.End()

	messages := []session.Message{
		{Role: session.RoleSystem, Content: reviewSystemPrompt},
		{Role: session.RoleUser, Content: fmt.Sprintf(reviewUserPrompt, question, formatEvidence(refs, webCtx), answer)},
	}

	completion, err := c.llm.CompleteStructured(ctx, messages, reviewSchema, llm.Options{MaxTokens: reviewMaxTokens})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "review call failed")
		return nil, session.Usage{}, fmt.Errorf("reviewing answer: %w", err)
	}

	var verdict reviewVerdict
	if err := json.Unmarshal([]byte(completion.Text), &verdict); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "review verdict malformed")
		return nil, completion.Usage, session.WrapError(session.KindSchema, "decoding review verdict", err)
	}

	report := &session.CriticReport{
		Grounded: verdict.Grounded,
		Coverage: facetFraction(verdict.FacetsCovered, verdict.FacetsTotal),
		Issues:   cleanIssues(verdict.Issues),
		Action:   session.CriticAccept,
	}
	if !report.Grounded || report.Coverage < f.MinCoverage {
		report.Action = session.CriticRevise
	}

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordCriticPass(ctx, string(report.Action))
	}
	span.SetStatus(codes.Ok, "")
	return report, completion.Usage, nil
}

// RevisionNotes renders a rejected report into the instruction block the
// next synthesis pass receives.
func RevisionNotes(report *session.CriticReport) string {
	var b strings.Builder
	b.WriteString("The previous draft was rejected by review.")
	if !report.Grounded {
		b.WriteString("\n- Some factual sentences lack a [n] citation or cite evidence that does not support them. Cite every factual claim.")
	}
	if report.Coverage < 1 {
		fmt.Fprintf(&b, "\n- The draft covers %.0f%% of the question's facets. Address the missing ones.", report.Coverage*100)
	}
	for _, issue := range report.Issues {
		fmt.Fprintf(&b, "\n- %s", issue)
	}
	return b.String()
}

// facetFraction turns the facet counts into bounded coverage. A question
// with no discernible facets counts as fully covered; the review then hinges
// on grounding alone.
func facetFraction(covered, total int) float64 {
	if total <= 0 {
		return 1
	}
	if covered < 0 {
		covered = 0
	}
	if covered > total {
		covered = total
	}
	return float64(covered) / float64(total)
}

func cleanIssues(raw []string) []string {
	var out []string
	for _, issue := range raw {
		if issue = strings.TrimSpace(issue); issue != "" {
			out = append(out, issue)
		}
	}
	return out
}

// formatEvidence numbers the citable references the way the synthesizer saw
// them, [1] through [n], then lists web context separately: web results are
// not citable until the dispatcher merges them into the reference list.
func formatEvidence(refs []session.Reference, webCtx []session.WebResult) string {
	var b strings.Builder
	for i, ref := range refs {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, evidenceTitle(ref), truncateString(ref.Content, evidenceClipChars))
	}
	if b.Len() == 0 {
		b.WriteString("(no evidence was retrieved)\n\n")
	}
	if len(webCtx) > 0 {
		b.WriteString("Web context (supporting, not citable):\n")
		for _, w := range webCtx {
			fmt.Fprintf(&b, "- %s (%s): %s\n", w.Title, w.URL, truncateString(w.Snippet, evidenceClipChars))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func evidenceTitle(ref session.Reference) string {
	title := ref.Title
	if title == "" {
		title = ref.ID
	}
	if ref.PageNumber > 0 {
		title = fmt.Sprintf("%s (page %d)", title, ref.PageNumber)
	}
	if ref.Source == session.SourceWeb && ref.URL != "" {
		title = fmt.Sprintf("%s <%s>", title, ref.URL)
	}
	return title
}

func truncateString(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
