// Package history assembles the model-facing context of a turn: compaction
// of older conversation into summary bullets and salience notes, semantic
// selection of the bullets worth resurfacing, and token budgeting of the
// final pack against the context window.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/session"
)

// StructuredCompleter is the slice of the model surface compaction needs.
// llm.Provider satisfies it.
type StructuredCompleter interface {
	CompleteStructured(ctx context.Context, messages []session.Message, schema *llm.Schema, opts llm.Options) (*llm.Completion, error)
}

// digestMaxTokens caps the compaction call output. The budgeter trims the
// result further, so this only needs to be roomy.
const digestMaxTokens = 1024

const compactionSystemPrompt = `You compact older conversation history for an assistant that answers questions over enterprise documents.

Produce:
- bullets: short factual sentences, each tagged with the turn number it was said in
- salience: durable facts about the user or their task worth carrying across many turns (preferences, constraints, named entities)

Rules:
- Preserve names, dates, numbers, and document titles exactly
- Never add information that is not in the transcript
- Skip greetings and filler`

const compactionUserPrompt = `Conversation to compact (oldest first):

%s`

type conversationDigest struct {
	Bullets  []digestBullet `json:"bullets" jsonschema:"required,description=Summary bullets covering the compacted turns"`
	Salience []digestFact   `json:"salience" jsonschema:"description=Durable facts worth keeping beyond the summary"`
}

type digestBullet struct {
	Text string `json:"text" jsonschema:"required,description=One factual sentence"`
	Turn int    `json:"turn" jsonschema:"required,description=Turn number the point was made in"`
}

type digestFact struct {
	Fact  string `json:"fact" jsonschema:"required,description=The durable fact"`
	Topic string `json:"topic,omitempty" jsonschema:"description=Short topic label"`
}

var digestSchema = llm.MustSchemaFor[conversationDigest]("conversation_digest")

// Compacted is the result of folding a conversation: the verbatim recent
// window plus the digest of everything older.
type Compacted struct {
	Recent   []session.Message
	Bullets  []session.SummaryBullet
	Salience []session.SalienceNote
	Usage    session.Usage
}

// Compactor folds conversation history older than the verbatim window into
// summary bullets and salience notes via one structured model call.
type Compactor struct {
	llm StructuredCompleter
}

// NewCompactor builds a compactor on the given completer.
func NewCompactor(completer StructuredCompleter) *Compactor {
	return &Compactor{llm: completer}
}

// Compact keeps the last recentTurns turns verbatim and digests everything
// older. A turn starts at each user message. When nothing is older than the
// window no model call is made. On error the caller decides how to degrade;
// the conversation itself is never lost.
func (c *Compactor) Compact(ctx context.Context, messages []session.Message, recentTurns int) (*Compacted, error) {
	if recentTurns < 1 {
		recentTurns = 1
	}

	conv := withoutSystem(messages)
	boundary := recentBoundary(conv, recentTurns)
	recent := conv[boundary:]
	older := conv[:boundary]
	if len(older) == 0 {
		return &Compacted{Recent: recent}, nil
	}

	transcript, lastTurn := renderTranscript(older)
	prompt := []session.Message{
		{Role: session.RoleSystem, Content: compactionSystemPrompt},
		{Role: session.RoleUser, Content: fmt.Sprintf(compactionUserPrompt, transcript)},
	}

	completion, err := c.llm.CompleteStructured(ctx, prompt, digestSchema, llm.Options{MaxTokens: digestMaxTokens})
	if err != nil {
		return nil, err
	}

	var digest conversationDigest
	if err := json.Unmarshal([]byte(completion.Text), &digest); err != nil {
		return nil, session.WrapError(session.KindSchema, "decoding conversation digest", err)
	}

	out := &Compacted{Recent: recent, Usage: completion.Usage}
	for _, b := range digest.Bullets {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		turn := b.Turn
		if turn < 0 || turn > lastTurn {
			turn = lastTurn
		}
		out.Bullets = append(out.Bullets, session.SummaryBullet{Text: b.Text, Turn: turn})
	}
	for _, s := range digest.Salience {
		if strings.TrimSpace(s.Fact) == "" {
			continue
		}
		out.Salience = append(out.Salience, session.SalienceNote{
			Fact:         s.Fact,
			Topic:        s.Topic,
			LastSeenTurn: lastTurn,
		})
	}
	return out, nil
}

// withoutSystem drops system messages; they are prompt material, not history.
func withoutSystem(messages []session.Message) []session.Message {
	out := make([]session.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == session.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

// recentBoundary returns the index where the last n turns begin. Messages
// before the first user message count as turn zero and compact with the
// oldest turn.
func recentBoundary(messages []session.Message, n int) int {
	starts := make([]int, 0, len(messages))
	for i, m := range messages {
		if m.Role == session.RoleUser {
			starts = append(starts, i)
		}
	}
	if len(starts) <= n {
		return 0
	}
	return starts[len(starts)-n]
}

// renderTranscript writes the older messages as a turn-numbered transcript
// and returns the highest turn number it contains.
func renderTranscript(messages []session.Message) (string, int) {
	var sb strings.Builder
	turn := 0
	for _, m := range messages {
		if m.Role == session.RoleUser {
			turn++
		}
		fmt.Fprintf(&sb, "[turn %d] %s: %s\n\n", turn, m.Role, m.Content)
	}
	return strings.TrimSpace(sb.String()), turn
}
