// Copyright 2026 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

// GeminiProvider talks to Google Gemini via the official genai SDK.
type GeminiProvider struct {
	config *config.LLMConfig
	client *genai.Client
}

// NewGeminiProvider creates a provider from config. Gemini authenticates
// with an API key only; token endpoint auth is rejected.
func NewGeminiProvider(cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg.Token != nil {
		return nil, session.NewError(session.KindConfig, "gemini does not support token endpoint auth; configure api_key instead")
	}

	// Constructors shouldn't require a context.
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "failed to create gemini client", err)
	}

	return &GeminiProvider{config: cfg, client: client}, nil
}

// Complete performs a blocking completion.
func (p *GeminiProvider) Complete(ctx context.Context, messages []session.Message, opts Options) (*Completion, error) {
	ctx, finish := observeCall(ctx, "gemini", p.config.Model, false, false)

	contents, system := p.buildContents(messages)
	completion, err := p.generate(ctx, contents, p.buildConfig(system, opts, nil))
	if err != nil {
		finish(session.Usage{}, err)
		return nil, err
	}

	finish(completion.Usage, nil)
	return completion, nil
}

// CompleteStream starts a streaming completion. The SDK iterator is lazy,
// so connection failures also surface as error chunks.
func (p *GeminiProvider) CompleteStream(ctx context.Context, messages []session.Message, opts Options) (<-chan StreamChunk, error) {
	ctx, finish := observeCall(ctx, "gemini", p.config.Model, true, false)

	contents, system := p.buildContents(messages)
	cfg := p.buildConfig(system, opts, nil)

	out := make(chan StreamChunk, streamBufferSize)

	go func() {
		defer close(out)

		// Text chunks race delivery against cancellation; terminal chunks
		// use a plain send so the closing error can never be dropped (the
		// consumer drains until close).
		send := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage session.Usage
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.config.Model, contents, cfg) {
			if err != nil {
				classified := classifyGenaiError(ctx, err)
				finish(usage, classified)
				out <- StreamChunk{Type: ChunkError, Err: classified}
				return
			}

			if resp.UsageMetadata != nil {
				usage = session.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}

			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" || part.Thought {
					continue
				}
				if !send(StreamChunk{Type: ChunkText, Text: part.Text}) {
					classified := classifyGenaiError(ctx, ctx.Err())
					finish(usage, classified)
					out <- StreamChunk{Type: ChunkError, Err: classified}
					return
				}
			}
		}

		finish(usage, nil)
		out <- StreamChunk{Type: ChunkUsage, Usage: &usage}
		out <- StreamChunk{Type: ChunkDone}
	}()

	return out, nil
}

// CompleteStructured constrains the response to the schema via the SDK's
// native response schema support.
func (p *GeminiProvider) CompleteStructured(ctx context.Context, messages []session.Message, schema *Schema, opts Options) (*Completion, error) {
	ctx, finish := observeCall(ctx, "gemini", p.config.Model, false, true)

	contents, system := p.buildContents(messages)

	completion, err := completeStructured(ctx, func(ctx context.Context, strict bool) (*Completion, error) {
		cfg := p.buildConfig(system, opts, schema)
		attempt := contents
		if strict {
			cfg.Temperature = genai.Ptr(float32(0))
			attempt = append(append([]*genai.Content{}, contents...), &genai.Content{
				Parts: []*genai.Part{{Text: strictJSONInstruction}},
				Role:  "user",
			})
		}
		return p.generate(ctx, attempt, cfg)
	})
	if err != nil {
		finish(session.Usage{}, err)
		return nil, err
	}

	finish(completion.Usage, nil)
	return completion, nil
}

// Embed converts texts into vectors in one native batch call.
func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateEmbedInputs(texts); err != nil {
		return nil, err
	}

	model := p.config.EmbeddingModel
	ctx, finish := observeEmbed(ctx, "gemini", model, len(texts))

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_QUERY",
	})
	if err != nil {
		classified := classifyGenaiError(ctx, err)
		finish(classified)
		return nil, classified
	}
	if len(result.Embeddings) != len(texts) {
		err := session.Errorf(session.KindUpstreamTransient, "embeddings response has %d vectors for %d inputs", len(result.Embeddings), len(texts))
		finish(err)
		return nil, err
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}

	finish(nil)
	return vectors, nil
}

func (p *GeminiProvider) Model() string {
	return p.config.Model
}

// Close is a no-op: the SDK client holds no connection state to release.
func (p *GeminiProvider) Close() error {
	return nil
}

func (p *GeminiProvider) generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*Completion, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, cfg)
	if err != nil {
		return nil, classifyGenaiError(ctx, err)
	}
	return parseGenaiResponse(resp)
}

// buildContents splits the conversation into system instruction and turn
// contents. Gemini takes the system prompt out of band.
func (p *GeminiProvider) buildContents(messages []session.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system *genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if system == nil {
				system = &genai.Content{
					Parts: []*genai.Part{{Text: msg.Content}},
					Role:  "user",
				}
			} else {
				system.Parts = append(system.Parts, &genai.Part{Text: msg.Content})
			}
		case session.RoleAssistant:
			contents = append(contents, &genai.Content{
				Parts: []*genai.Part{{Text: msg.Content}},
				Role:  "model",
			})
		default:
			contents = append(contents, &genai.Content{
				Parts: []*genai.Part{{Text: msg.Content}},
				Role:  "user",
			})
		}
	}

	return contents, system
}

func (p *GeminiProvider) buildConfig(system *genai.Content, opts Options, schema *Schema) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
	}

	temperature := defaultTemperature
	if p.config.Temperature != nil {
		temperature = *p.config.Temperature
	}
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	cfg.Temperature = genai.Ptr(float32(temperature))

	cfg.MaxOutputTokens = int32(clampMaxTokens(opts.MaxTokens, p.config.MaxTokens))

	if schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenaiSchema(schema.Definition)
	}

	return cfg
}

func parseGenaiResponse(resp *genai.GenerateContentResponse) (*Completion, error) {
	if len(resp.Candidates) == 0 {
		return nil, session.NewError(session.KindUpstreamTransient, "upstream returned no candidates")
	}

	candidate := resp.Candidates[0]

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
		}
	}

	completion := &Completion{
		Text:         text.String(),
		FinishReason: mapGenaiFinishReason(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		completion.Usage = session.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return completion, nil
}

// toGenaiSchema converts a JSON schema map to the SDK's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

func mapGenaiFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety:
		return "content_filter"
	default:
		return "stop"
	}
}

// classifyGenaiError maps SDK failures onto the error taxonomy using the
// upstream status code when one is present.
func classifyGenaiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return session.WrapError(session.ClassifyStatus(apiErr.Code), "gemini call failed", err)
	}
	if ctx.Err() != nil {
		return session.WrapError(session.Classify(ctx.Err()), "gemini call aborted", err)
	}
	return session.WrapError(session.KindUpstreamTransient, "gemini call failed", err)
}
