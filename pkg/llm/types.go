// Package llm provides the provider contract for upstream language models:
// completions, streaming, strict structured output, and embeddings, behind a
// name-keyed registry. Two providers are implemented, an OpenAI-compatible
// REST client and Gemini via the official genai SDK.
package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// minOutputTokens is the floor applied to every max-token setting. Upstreams
// reject or degenerate below this.
const minOutputTokens = 16

// defaultTemperature applies when neither the call nor the config sets one.
const defaultTemperature = 0.2

// Provider is one configured upstream model.
type Provider interface {
	// Complete performs a blocking completion.
	Complete(ctx context.Context, messages []session.Message, opts Options) (*Completion, error)

	// CompleteStream starts a streaming completion. The channel carries text
	// deltas, a final usage chunk, then done; errors arrive as an error
	// chunk and terminate the stream.
	CompleteStream(ctx context.Context, messages []session.Message, opts Options) (<-chan StreamChunk, error)

	// CompleteStructured constrains the model to the given JSON schema and
	// returns the raw JSON text for the caller to decode. A response that
	// does not parse as JSON is retried once with a stricter instruction,
	// then rejected as SchemaError.
	CompleteStructured(ctx context.Context, messages []session.Message, schema *Schema, opts Options) (*Completion, error)

	// Embed converts texts into vectors, order-preserving. Empty strings
	// are refused.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the upstream model name.
	Model() string

	Close() error
}

// Options tune a single call. Zero values inherit the provider config.
type Options struct {
	// Temperature overrides the configured sampling temperature.
	Temperature *float64

	// MaxTokens caps the response length. Floored at 16.
	MaxTokens int

	// Metadata is forwarded to upstreams that accept it (session id,
	// intent). Never interpreted locally.
	Metadata map[string]string

	// PreviousResponseID chains this call onto an earlier completion for
	// upstreams that support server-side conversation state. Ignored
	// elsewhere.
	PreviousResponseID string
}

// Completion is the result of a blocking call.
type Completion struct {
	Text         string
	Usage        session.Usage
	FinishReason string

	// ID is the upstream response identifier, usable as
	// Options.PreviousResponseID on a follow-up call.
	ID string
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	ChunkText  ChunkType = "text"
	ChunkUsage ChunkType = "usage"
	ChunkDone  ChunkType = "done"
	ChunkError ChunkType = "error"
)

// StreamChunk is one unit of a streaming completion.
type StreamChunk struct {
	Type  ChunkType
	Text  string
	Usage *session.Usage
	Err   error
}

// clampMaxTokens resolves the effective output cap for a call.
func clampMaxTokens(optTokens, cfgTokens int) int {
	n := optTokens
	if n == 0 {
		n = cfgTokens
	}
	if n < minOutputTokens {
		n = minOutputTokens
	}
	return n
}

// validateEmbedInputs rejects batches an embedding upstream would choke on.
func validateEmbedInputs(texts []string) error {
	if len(texts) == 0 {
		return session.NewError(session.KindConfig, "embed called with no inputs")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return session.Errorf(session.KindConfig, "embed input %d is empty", i)
		}
	}
	return nil
}

// extractJSON strips the markdown code fences models occasionally wrap
// structured output in.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		// Drop the language tag line (```json).
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// strictJSONInstruction is appended on the structured-output retry.
const strictJSONInstruction = "Return only a single valid JSON object that conforms to the schema. No prose, no markdown, no code fences."

// completeStructured runs one structured attempt, validates the text parses
// as JSON, and retries once with the stricter instruction before rejecting.
// Usage from both attempts is accumulated into the returned completion.
func completeStructured(ctx context.Context, attempt func(ctx context.Context, strict bool) (*Completion, error)) (*Completion, error) {
	completion, err := attempt(ctx, false)
	if err != nil {
		return nil, err
	}

	text := extractJSON(completion.Text)
	if json.Valid([]byte(text)) {
		completion.Text = text
		return completion, nil
	}

	retry, err := attempt(ctx, true)
	if err != nil {
		return nil, err
	}
	retry.Usage.Add(completion.Usage)

	text = extractJSON(retry.Text)
	if !json.Valid([]byte(text)) {
		return nil, session.NewError(session.KindSchema, "structured response is not valid JSON after retry")
	}
	retry.Text = text
	return retry, nil
}

// observeCall starts an LLM span and returns a finish func that records the
// span status and call metrics.
func observeCall(ctx context.Context, providerName, model string, streaming, structured bool) (context.Context, func(usage session.Usage, err error)) {
	tracer := observability.GetTracer("anchora.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, providerName),
			attribute.String(observability.AttrLLMModel, model),
			attribute.Bool("llm.streaming", streaming),
			attribute.Bool("llm.structured", structured),
		),
	)
	start := time.Now()

	return ctx, func(usage session.Usage, err error) {
		duration := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int(observability.AttrTokensInput, usage.PromptTokens),
				attribute.Int(observability.AttrTokensOutput, usage.CompletionTokens),
			)
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, providerName, model, duration, usage.PromptTokens, usage.CompletionTokens, err)
		}
	}
}

// observeEmbed starts an embedding span and returns a finish func recording
// status and batch size.
func observeEmbed(ctx context.Context, providerName, model string, inputs int) (context.Context, func(err error)) {
	tracer := observability.GetTracer("anchora.llm")
	ctx, span := tracer.Start(ctx, observability.SpanEmbedRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, providerName),
			attribute.String(observability.AttrLLMModel, model),
			attribute.Int("embed.inputs", inputs),
		),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
