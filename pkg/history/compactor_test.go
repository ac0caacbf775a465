package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// turnMessages builds one user/assistant exchange.
func turnMessages(n int) []session.Message {
	return []session.Message{
		{Role: session.RoleUser, Content: fmt.Sprintf("question %d", n)},
		{Role: session.RoleAssistant, Content: fmt.Sprintf("answer %d", n)},
	}
}

func conversation(turns int) []session.Message {
	var msgs []session.Message
	for i := 1; i <= turns; i++ {
		msgs = append(msgs, turnMessages(i)...)
	}
	return msgs
}

func TestCompactor_NoOlderHistory(t *testing.T) {
	fake := &fakeCompleter{}
	c := NewCompactor(fake)

	msgs := conversation(3)
	out, err := c.Compact(context.Background(), msgs, 4)
	require.NoError(t, err)

	assert.Equal(t, msgs, out.Recent)
	assert.Empty(t, out.Bullets)
	assert.Empty(t, out.Salience)
	assert.Equal(t, 0, fake.calls, "no model call when nothing is older than the window")
}

func TestCompactor_DigestsOlderTurns(t *testing.T) {
	fake := &fakeCompleter{
		text: `{
			"bullets": [
				{"text": "User asked about question 1", "turn": 1},
				{"text": "Turn out of range", "turn": 9},
				{"text": "   ", "turn": 1}
			],
			"salience": [
				{"fact": "User works in finance", "topic": "role"},
				{"fact": ""}
			]
		}`,
		usage: session.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	c := NewCompactor(fake)

	msgs := conversation(6)
	out, err := c.Compact(context.Background(), msgs, 4)
	require.NoError(t, err)

	// Turns 3-6 stay verbatim; turns 1-2 are digested.
	assert.Equal(t, msgs[4:], out.Recent)
	require.Equal(t, 1, fake.calls)
	require.NotNil(t, fake.schema)
	assert.Equal(t, "conversation_digest", fake.schema.Name)

	prompt := fake.prompts[0]
	require.Len(t, prompt, 2)
	assert.Equal(t, session.RoleSystem, prompt[0].Role)
	assert.Contains(t, prompt[1].Content, "[turn 1] user: question 1")
	assert.Contains(t, prompt[1].Content, "[turn 2] assistant: answer 2")
	assert.NotContains(t, prompt[1].Content, "question 3")

	require.Len(t, out.Bullets, 2)
	assert.Equal(t, "User asked about question 1", out.Bullets[0].Text)
	assert.Equal(t, 1, out.Bullets[0].Turn)
	assert.Equal(t, 2, out.Bullets[1].Turn, "out-of-range turn clamps to the last digested turn")

	require.Len(t, out.Salience, 1)
	assert.Equal(t, "User works in finance", out.Salience[0].Fact)
	assert.Equal(t, "role", out.Salience[0].Topic)
	assert.Equal(t, 2, out.Salience[0].LastSeenTurn)

	assert.Equal(t, 15, out.Usage.TotalTokens)
}

func TestCompactor_StripsSystemMessages(t *testing.T) {
	fake := &fakeCompleter{text: `{"bullets": [], "salience": []}`}
	c := NewCompactor(fake)

	msgs := append([]session.Message{{Role: session.RoleSystem, Content: "be brief"}}, conversation(5)...)
	out, err := c.Compact(context.Background(), msgs, 4)
	require.NoError(t, err)

	for _, m := range out.Recent {
		assert.NotEqual(t, session.RoleSystem, m.Role)
	}
	require.Equal(t, 1, fake.calls)
	assert.NotContains(t, fake.prompts[0][1].Content, "be brief")
}

func TestCompactor_CompleterError(t *testing.T) {
	fake := &fakeCompleter{err: session.NewError(session.KindUpstreamTimeout, "model timed out")}
	c := NewCompactor(fake)

	out, err := c.Compact(context.Background(), conversation(6), 2)
	require.Error(t, err)
	assert.Nil(t, out)

	se, ok := session.AsError(err)
	require.True(t, ok)
	assert.Equal(t, session.KindUpstreamTimeout, se.Kind)
}

func TestCompactor_RejectsMalformedDigest(t *testing.T) {
	fake := &fakeCompleter{text: `{"bullets": 3}`}
	c := NewCompactor(fake)

	_, err := c.Compact(context.Background(), conversation(6), 2)
	require.Error(t, err)

	se, ok := session.AsError(err)
	require.True(t, ok)
	assert.Equal(t, session.KindSchema, se.Kind)
}

func TestRecentBoundary(t *testing.T) {
	greeting := session.Message{Role: session.RoleAssistant, Content: "hello, how can I help?"}

	tests := []struct {
		name     string
		messages []session.Message
		n        int
		want     int
	}{
		{"empty", nil, 4, 0},
		{"fewer turns than window", conversation(2), 4, 0},
		{"more turns than window", conversation(6), 4, 4},
		{"greeting compacts with oldest turn", append([]session.Message{greeting}, conversation(5)...), 2, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recentBoundary(tt.messages, tt.n))
		})
	}
}
