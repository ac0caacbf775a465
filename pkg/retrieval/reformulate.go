package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/session"
)

// reformulateMaxTokens caps the rewrite call; a query is one line.
const reformulateMaxTokens = 256

const reformulateSystemPrompt = `You rewrite search queries for an enterprise document index after a failed retrieval pass.

Rewrite the query to fix the reported problem. Broaden the wording when nothing relevant came back, vary the terminology when the results largely repeated each other, and prefer official document vocabulary over colloquial phrasing. Keep the user's actual subject. Never answer the question.`

const reformulateUserPrompt = `Original question: %s

Last query attempted: %s

Problem with the last attempt: %s`

type rewriteVerdict struct {
	NewQuery string `json:"newQuery" jsonschema:"required,description=The rewritten search query"`
	Reason   string `json:"reason" jsonschema:"required,description=One sentence on what the rewrite changes"`
}

var rewriteSchema = llm.MustSchemaFor[rewriteVerdict]("query_rewrite")

// reformulate asks the model for a better query. A rewrite that is empty
// or identical to the last attempt is an error: retrying the same string
// would burn the remaining rounds on the same results.
func (e *Engine) reformulate(ctx context.Context, original, last, problem string) (*rewriteVerdict, session.Usage, error) {
	prompt := []session.Message{
		{Role: session.RoleSystem, Content: reformulateSystemPrompt},
		{Role: session.RoleUser, Content: fmt.Sprintf(reformulateUserPrompt, original, last, problem)},
	}

	completion, err := e.llm.CompleteStructured(ctx, prompt, rewriteSchema, llm.Options{MaxTokens: reformulateMaxTokens})
	if err != nil {
		return nil, session.Usage{}, fmt.Errorf("reformulating query: %w", err)
	}

	var verdict rewriteVerdict
	if err := json.Unmarshal([]byte(completion.Text), &verdict); err != nil {
		return nil, completion.Usage, session.WrapError(session.KindSchema, "decoding query rewrite", err)
	}

	verdict.NewQuery = strings.TrimSpace(verdict.NewQuery)
	verdict.Reason = strings.TrimSpace(verdict.Reason)
	if verdict.NewQuery == "" {
		return nil, completion.Usage, session.NewError(session.KindSchema, "rewrite produced an empty query")
	}
	if strings.EqualFold(verdict.NewQuery, strings.TrimSpace(last)) {
		return nil, completion.Usage, session.Errorf(session.KindSchema, "rewrite repeated the failing query %q", last)
	}
	return &verdict, completion.Usage, nil
}
