package history

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Sections is the material competing for the context window, one field per
// prompt section.
type Sections struct {
	History    []session.Message
	Summary    []session.SummaryBullet
	Salience   []session.SalienceNote
	References []session.Reference
	WebContext []session.WebResult
}

// Budget holds the per-section token allowances plus the window invariant
// inputs.
type Budget struct {
	History    int
	Summary    int
	Salience   int
	References int
	WebContext int

	// Window is the model context size; Reserved is held back for the
	// completion. Packed content plus Reserved must fit Window.
	Window   int
	Reserved int
}

// BudgetFromFeatures maps the resolved per-turn feature set onto section
// allowances.
func BudgetFromFeatures(f config.FeatureSet) Budget {
	return Budget{
		History:    f.HistoryTokens,
		Summary:    f.SummaryTokens,
		Salience:   f.SalienceTokens,
		References: f.ReferenceTokens,
		WebContext: f.WebTokens,
		Window:     f.ContextWindowTokens,
		Reserved:   f.ReservedOutputTokens,
	}
}

// Pack is the budgeted context, ready for prompt assembly.
type Pack struct {
	History    []session.Message
	Summary    []session.SummaryBullet
	Salience   []session.SalienceNote
	References []session.Reference
	WebContext []session.WebResult

	// Tokens is the counted cost of the packed sections.
	Tokens int
}

// Budgeter trims context sections to their token allowances.
type Budgeter struct {
	counter *TokenCounter
}

// NewBudgeter builds a budgeter on the given counter.
func NewBudgeter(counter *TokenCounter) *Budgeter {
	return &Budgeter{counter: counter}
}

// Pack trims every section to its allowance and verifies the result plus
// the reserved completion fits the window. History, summaries, and salience
// drop oldest first; references and web results keep rank order and only
// ever drop whole entries, so a citation is never truncated mid-content.
func (b *Budgeter) Pack(sections Sections, budget Budget) (*Pack, error) {
	packed := &Pack{
		History: b.counter.FitWithinLimit(sections.History, budget.History),
		Summary: fitTail(sections.Summary, budget.Summary, func(s session.SummaryBullet) int {
			return b.counter.Count(bulletLine(s))
		}),
		Salience: fitTail(sections.Salience, budget.Salience, func(n session.SalienceNote) int {
			return b.counter.Count(salienceLine(n))
		}),
		References: fitRanked(sections.References, budget.References, func(r session.Reference) int {
			return b.counter.Count(RenderReference(r))
		}),
		WebContext: fitRanked(sections.WebContext, budget.WebContext, func(w session.WebResult) int {
			return b.counter.Count(RenderWebResult(w))
		}),
	}

	total := 0
	if len(packed.History) > 0 {
		total += b.counter.CountMessages(packed.History)
	}
	total += b.counter.Count(RenderBullets(packed.Summary))
	total += b.counter.Count(RenderSalience(packed.Salience))
	for _, r := range packed.References {
		total += b.counter.Count(RenderReference(r))
	}
	for _, w := range packed.WebContext {
		total += b.counter.Count(RenderWebResult(w))
	}
	packed.Tokens = total

	if total+budget.Reserved > budget.Window {
		return nil, session.Errorf(session.KindContextOverflow,
			"packed context of %d tokens plus %d reserved exceeds the %d token window",
			total, budget.Reserved, budget.Window)
	}
	return packed, nil
}

// fitTail keeps the newest suffix whose summed cost fits the limit.
func fitTail[T any](items []T, limit int, cost func(T) int) []T {
	used := 0
	cut := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		c := cost(items[i])
		if used+c > limit {
			break
		}
		used += c
		cut = i
	}
	return items[cut:]
}

// fitRanked walks items in rank order and keeps each whole item that still
// fits, so one oversized entry cannot zero out the section.
func fitRanked[T any](items []T, limit int, cost func(T) int) []T {
	var out []T
	used := 0
	for _, item := range items {
		c := cost(item)
		if used+c > limit {
			continue
		}
		used += c
		out = append(out, item)
	}
	return out
}

// ============================================================================
// SECTION RENDERING
// The budgeter counts exactly the strings the prompt builder emits, so the
// window invariant holds for the assembled prompt.
// ============================================================================

// RenderBullets formats summary bullets as prompt lines.
func RenderBullets(bullets []session.SummaryBullet) string {
	var sb strings.Builder
	for i, b := range bullets {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(bulletLine(b))
	}
	return sb.String()
}

// RenderSalience formats salience notes as prompt lines.
func RenderSalience(notes []session.SalienceNote) string {
	var sb strings.Builder
	for i, n := range notes {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(salienceLine(n))
	}
	return sb.String()
}

// RenderReference formats one citable reference as a prompt block.
func RenderReference(ref session.Reference) string {
	var sb strings.Builder
	sb.WriteString("[" + ref.ID + "]")
	if ref.Title != "" {
		sb.WriteString(" " + ref.Title)
	}
	if ref.PageNumber > 0 {
		fmt.Fprintf(&sb, " (p. %d)", ref.PageNumber)
	}
	sb.WriteByte('\n')
	sb.WriteString(ref.Content)
	return sb.String()
}

// RenderWebResult formats one web hit as a prompt block.
func RenderWebResult(w session.WebResult) string {
	var sb strings.Builder
	sb.WriteString("[" + w.ID + "] " + w.Title)
	if w.URL != "" {
		sb.WriteString(" (" + w.URL + ")")
	}
	sb.WriteByte('\n')
	sb.WriteString(w.Snippet)
	return sb.String()
}

func bulletLine(b session.SummaryBullet) string {
	return "- " + b.Text
}

func salienceLine(n session.SalienceNote) string {
	if n.Topic != "" {
		return "- " + n.Topic + ": " + n.Fact
	}
	return "- " + n.Fact
}
