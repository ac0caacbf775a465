package history

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/anchora/pkg/session"
)

// Encodings are expensive to initialize; share them process-wide per model.
var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// TokenCounter counts tokens with the upstream tokenizer so that budget
// decisions match what the model actually sees.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTokenCounter builds a counter for the given model. Models without a
// registered encoding fall back to cl100k_base.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, session.WrapError(session.KindInternalInvariant, "loading token encoding", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count of raw text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts a message list including chat format overhead,
// following the OpenAI counting recipe: 3 tokens per message plus 3 tokens
// of reply priming.
func (tc *TokenCounter) CountMessages(messages []session.Message) int {
	total := 0
	for _, msg := range messages {
		total += tc.messageCost(msg)
	}
	return total + replyPrimingTokens
}

// FitWithinLimit returns the longest suffix of messages whose chat-format
// cost, including reply priming, stays within maxTokens. Dropping happens
// from the oldest end only; messages are never truncated mid-content.
func (tc *TokenCounter) FitWithinLimit(messages []session.Message, maxTokens int) []session.Message {
	used := replyPrimingTokens
	cut := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := tc.messageCost(messages[i])
		if used+cost > maxTokens {
			break
		}
		used += cost
		cut = i
	}
	return messages[cut:]
}

// Model returns the model name the encoding was resolved for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

const (
	// tokensPerMessage is the <|start|>role<|message|>...<|end|> framing cost.
	tokensPerMessage = 3

	// replyPrimingTokens is the <|start|>assistant<|message|> cost every
	// completion is primed with.
	replyPrimingTokens = 3
)

func (tc *TokenCounter) messageCost(msg session.Message) int {
	return tokensPerMessage +
		len(tc.encoding.Encode(string(msg.Role), nil, nil)) +
		len(tc.encoding.Encode(msg.Content, nil, nil))
}
