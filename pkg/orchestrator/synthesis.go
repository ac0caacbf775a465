package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/kadirpekel/anchora/pkg/critic"
	"github.com/kadirpekel/anchora/pkg/history"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/session"
)

// insufficientEvidenceAnswer is the deterministic no-evidence reply. The
// leading phrase is a stable contract clients match on.
const insufficientEvidenceAnswer = "I do not have sufficient evidence to answer this question."

const synthesisSystemPrompt = `You answer questions over an enterprise document corpus.

Rules:
- Ground every factual claim in the numbered evidence and cite it inline as [n].
- Never cite a number that is not in the evidence list.
- Web context is uncited background; only numbered entries are citable.
- If the evidence does not cover the question, reply "I do not have sufficient evidence to answer this question." and state what is missing.
- Answer directly, without preamble.`

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// synthesize produces the turn's answer and runs it through the review
// loop. Generation failures are fatal while no draft exists; once a draft
// is in hand, later failures degrade to a partial answer instead, except
// cancellation, which always ends the turn.
func (o *Orchestrator) synthesize(ctx context.Context, t *turn) error {
	tracer := observability.GetTracer("anchora.orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanSynthesis)
	defer span.End()

	t.rec.Emit(session.NewStatusEvent(session.StageSynthesizing))

	evidenceSought := t.plan.HasStep(session.StepVectorSearch) || t.plan.HasStep(session.StepWebSearch)
	if evidenceSought && len(t.refs) == 0 && len(t.web) == 0 {
		o.answerWithoutEvidence(t)
		span.SetStatus(codes.Ok, "")
		return nil
	}

	pack, err := o.packContext(t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(session.Classify(err)))
		return err
	}
	// The packed sections are what the model sees; citations and the
	// response surface must agree with them.
	t.refs = pack.References
	t.web = pack.WebContext
	t.selected = pack.Summary

	draft, err := o.generate(ctx, t, o.buildMessages(t, pack, ""))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(session.Classify(err)))
		return err
	}
	t.draft = sanitizeCitations(draft, len(pack.References))

	o.reviewLoop(ctx, t, pack)
	span.SetStatus(codes.Ok, "")
	return nil
}

// answerWithoutEvidence short-circuits the model when every evidence leg
// came back empty: the reply is fixed, and the review verdict is known
// without a call, grounded with nothing to cover.
func (o *Orchestrator) answerWithoutEvidence(t *turn) {
	t.draft = insufficientEvidenceAnswer
	if t.mode == session.ModeStream {
		t.rec.Emit(session.NewTokenEvent(t.draft))
	}
	report := session.CriticReport{Grounded: true, Coverage: 0, Action: session.CriticAccept}
	t.reports = append(t.reports, report)
	t.rec.Emit(session.NewCritiqueEvent(&report))
}

// packContext trims the turn's sections to their token budgets. Overflow
// retries once at half allowance before surfacing; a window too small for
// halved sections is a configuration problem, not a turn problem.
func (o *Orchestrator) packContext(t *turn) (*history.Pack, error) {
	sections := history.Sections{
		History:    t.recent,
		Summary:    t.selected,
		Salience:   t.salience,
		References: t.refs,
		WebContext: t.web,
	}
	budget := history.BudgetFromFeatures(t.features)

	pack, err := o.budgeter.Pack(sections, budget)
	if err != nil && session.Classify(err) == session.KindContextOverflow {
		slog.Warn("packed context overflows the window, retrying at half allowance",
			"session_id", t.sessionID, "error", err)
		pack, err = o.budgeter.Pack(sections, halved(budget))
	}
	return pack, err
}

func halved(b history.Budget) history.Budget {
	b.History /= 2
	b.Summary /= 2
	b.Salience /= 2
	b.References /= 2
	b.WebContext /= 2
	return b
}

// buildMessages assembles the synthesis prompt: the rules, the packed
// context sections, revision notes when a draft was rejected, then the
// conversation window verbatim.
func (o *Orchestrator) buildMessages(t *turn, pack *history.Pack, revisionNotes string) []session.Message {
	var b strings.Builder
	b.WriteString(synthesisSystemPrompt)

	if len(pack.Summary) > 0 {
		b.WriteString("\n\nConversation summary:\n")
		b.WriteString(history.RenderBullets(pack.Summary))
	}
	if len(pack.Salience) > 0 {
		b.WriteString("\n\nKnown facts:\n")
		b.WriteString(history.RenderSalience(pack.Salience))
	}
	if len(pack.References) > 0 {
		b.WriteString("\n\nEvidence:\n")
		b.WriteString(renderNumberedEvidence(pack.References))
	}
	if len(pack.WebContext) > 0 {
		b.WriteString("\n\nWeb context:\n")
		for i, w := range pack.WebContext {
			if i > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(history.RenderWebResult(w))
		}
	}
	if revisionNotes != "" {
		b.WriteString("\n\n")
		b.WriteString(revisionNotes)
	}

	messages := make([]session.Message, 0, len(pack.History)+1)
	messages = append(messages, session.Message{Role: session.RoleSystem, Content: b.String()})
	messages = append(messages, pack.History...)
	return messages
}

// renderNumberedEvidence tags each reference with its 1-based citation
// number; the numbers are the only citation form the rules permit.
func renderNumberedEvidence(refs []session.Reference) string {
	var sb strings.Builder
	for i, ref := range refs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d]", i+1)
		if ref.Title != "" {
			sb.WriteString(" " + ref.Title)
		}
		if ref.PageNumber > 0 {
			fmt.Fprintf(&sb, " (p. %d)", ref.PageNumber)
		}
		if ref.Source == session.SourceWeb && ref.URL != "" {
			sb.WriteString(" (" + ref.URL + ")")
		}
		sb.WriteByte('\n')
		sb.WriteString(ref.Content)
	}
	return sb.String()
}

// generate runs one model pass. In stream mode tokens are forwarded as
// they arrive and the full text is accumulated for the review loop and the
// response.
func (o *Orchestrator) generate(ctx context.Context, t *turn, messages []session.Message) (string, error) {
	opts := llm.Options{
		MaxTokens: t.route.Profile.MaxTokens,
		Metadata: map[string]string{
			"session_id": t.sessionID,
			"intent":     string(t.route.Intent),
		},
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = t.features.ReservedOutputTokens
	}

	if t.mode != session.ModeStream {
		completion, err := o.synth.Complete(ctx, messages, opts)
		if err != nil {
			return "", fmt.Errorf("synthesis: %w", err)
		}
		t.usage.Add(completion.Usage)
		return completion.Text, nil
	}

	ch, err := o.synth.CompleteStream(ctx, messages, opts)
	if err != nil {
		return "", fmt.Errorf("synthesis: %w", err)
	}
	var b strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case llm.ChunkText:
			b.WriteString(chunk.Text)
			t.rec.Emit(session.NewTokenEvent(chunk.Text))
		case llm.ChunkUsage:
			if chunk.Usage != nil {
				t.usage.Add(*chunk.Usage)
			}
		case llm.ChunkError:
			return "", fmt.Errorf("synthesis stream: %w", chunk.Err)
		}
	}
	// A stream that closes without a terminal chunk after cancellation is
	// a truncated draft, not a finished answer.
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("synthesis stream: %w", err)
	}
	return b.String(), nil
}

// reviewLoop runs the critic over the draft and regenerates on revise, up
// to MaxRevisions regenerations. The loop never fails the turn: review
// errors accept the draft, a deadline mid-revision keeps the last draft as
// partial, and an exhausted budget returns the draft with the disagreement
// on record.
func (o *Orchestrator) reviewLoop(ctx context.Context, t *turn, pack *history.Pack) {
	if !t.features.EnableCritic || o.critic == nil {
		return
	}

	tracer := observability.GetTracer("anchora.orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanCritic)
	defer span.End()

	for pass := 0; ; pass++ {
		t.rec.Emit(session.NewStatusEvent(session.StageCritiquing))

		report, usage, err := o.critic.Review(ctx, t.question, t.draft, pack.References, pack.WebContext, t.features)
		t.usage.Add(usage)
		if err != nil {
			span.RecordError(err)
			if kind := session.Classify(err); kind == session.KindDeadlineExceeded {
				t.markPartial("review deadline expired, returning the unreviewed draft")
				return
			}
			slog.Warn("critic review failed, accepting the draft",
				"session_id", t.sessionID, "error", err)
			return
		}
		t.reports = append(t.reports, *report)
		t.rec.Emit(session.NewCritiqueEvent(report))

		if report.Action == session.CriticAccept {
			return
		}
		if pass >= t.features.MaxRevisions {
			t.activity = append(t.activity, session.ActivityStep{
				Type:        "critic",
				Description: "revision budget exhausted without acceptance",
				Data:        map[string]any{"criticUnresolved": true},
			})
			return
		}

		o.upgradeSummaries(ctx, t, pack)
		notes := o.clipNotes(critic.RevisionNotes(report), t.features.RevisionTokens)

		t.rec.Emit(session.NewStatusEvent(session.StageSynthesizing))
		draft, err := o.generate(ctx, t, o.buildMessages(t, pack, notes))
		if err != nil {
			span.RecordError(err)
			if kind := session.Classify(err); kind == session.KindCancelled {
				// The client is gone; surfacing this is run's job.
				// A partial answer would reach nobody.
				slog.Warn("revision cancelled", "session_id", t.sessionID)
				return
			}
			t.markPartial("revision failed, returning the last reviewed draft: " + err.Error())
			return
		}
		t.draft = sanitizeCitations(draft, len(pack.References))
	}
}

func (t *turn) markPartial(reason string) {
	t.diags.Partial = true
	t.activity = append(t.activity, session.ActivityStep{
		Type:        "critic",
		Description: reason,
	})
}

// upgradeSummaries swaps lazy summary stubs for full documents before a
// revision pass; a rejected draft is the signal the summaries were not
// enough. Load failures keep the stub.
func (o *Orchestrator) upgradeSummaries(ctx context.Context, t *turn, pack *history.Pack) {
	if o.retriever == nil {
		return
	}
	for i, ref := range pack.References {
		if !ref.Summary {
			continue
		}
		full, err := o.retriever.Load(ctx, ref.ID)
		if err != nil {
			slog.Warn("loading full document failed, keeping the summary",
				"document_id", ref.ID, "error", err)
			continue
		}
		full.Score = ref.Score
		pack.References[i] = *full
	}
	t.refs = pack.References
}

// clipNotes bounds revision notes to their token allowance so a verbose
// review cannot crowd out the evidence.
func (o *Orchestrator) clipNotes(notes string, limit int) string {
	if o.counter == nil || limit <= 0 {
		return notes
	}
	for o.counter.Count(notes) > limit {
		runes := []rune(notes)
		if len(runes) < 8 {
			break
		}
		notes = strings.TrimSpace(string(runes[:len(runes)*3/4]))
	}
	return notes
}

// sanitizeCitations drops citation markers that point outside the evidence
// list, keeping the citation-closure contract independent of model
// discipline.
func sanitizeCitations(answer string, refCount int) string {
	return citationPattern.ReplaceAllStringFunc(answer, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || n < 1 || n > refCount {
			return ""
		}
		return m
	})
}
