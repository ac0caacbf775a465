package history

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/anchora/pkg/session"
)

func newCounter(t *testing.T) *TokenCounter {
	t.Helper()
	tc, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)
	return tc
}

func TestTokenCounter_Count(t *testing.T) {
	tc := newCounter(t)

	assert.Equal(t, 0, tc.Count(""))

	short := tc.Count("hello")
	long := tc.Count(strings.Repeat("hello world ", 20))
	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}

func TestTokenCounter_CachesEncodings(t *testing.T) {
	a, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)
	b, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	assert.Same(t, a.encoding, b.encoding)
	assert.Equal(t, "gpt-4o", a.Model())
}

func TestTokenCounter_UnknownModelFallsBack(t *testing.T) {
	tc, err := NewTokenCounter("some-future-model")
	require.NoError(t, err)
	assert.Greater(t, tc.Count("fallback encoding still counts"), 0)
}

func TestTokenCounter_CountMessages(t *testing.T) {
	tc := newCounter(t)

	assert.Equal(t, replyPrimingTokens, tc.CountMessages(nil))

	msgs := []session.Message{
		{Role: session.RoleUser, Content: "What is the travel policy?"},
		{Role: session.RoleAssistant, Content: "Employees may book economy class."},
	}

	want := replyPrimingTokens
	for _, m := range msgs {
		want += tokensPerMessage + tc.Count(string(m.Role)) + tc.Count(m.Content)
	}
	assert.Equal(t, want, tc.CountMessages(msgs))
}

func TestTokenCounter_FitWithinLimit(t *testing.T) {
	tc := newCounter(t)
	msgs := []session.Message{
		{Role: session.RoleUser, Content: "first question about travel"},
		{Role: session.RoleAssistant, Content: "first answer with some details"},
		{Role: session.RoleUser, Content: "second question about expenses"},
		{Role: session.RoleAssistant, Content: "second answer with more details"},
	}

	t.Run("everything fits", func(t *testing.T) {
		assert.Equal(t, msgs, tc.FitWithinLimit(msgs, 100000))
	})

	t.Run("drops oldest first", func(t *testing.T) {
		limit := tc.CountMessages(msgs[2:])
		assert.Equal(t, msgs[2:], tc.FitWithinLimit(msgs, limit))
	})

	t.Run("nothing fits", func(t *testing.T) {
		assert.Empty(t, tc.FitWithinLimit(msgs, 0))
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, tc.FitWithinLimit(nil, 50))
	})
}
