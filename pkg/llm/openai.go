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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/httpclient"
	"github.com/kadirpekel/anchora/pkg/session"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"

	// embedBatchSize caps one embeddings request; the endpoint rejects
	// oversized batches.
	embedBatchSize = 100

	streamBufferSize = 100
)

// OpenAIProvider talks to an OpenAI-compatible chat-completions and
// embeddings API over REST.
type OpenAIProvider struct {
	config *config.LLMConfig
	tokens TokenProvider

	// httpClient bounds each call with the configured timeout. SSE reads
	// outlive any fixed client timeout, so streams go through streamClient
	// and are bounded by the request context instead.
	httpClient   *httpclient.Client
	streamClient *httpclient.Client

	baseURL string
}

// NewOpenAIProvider creates a provider from config. The credential is the
// static API key unless a token endpoint is configured.
func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)
	streamClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)

	var tokens TokenProvider
	if cfg.Token != nil {
		tokens = NewBearerSource(cfg.Token, httpClient)
	} else {
		tokens = StaticToken(cfg.APIKey)
	}

	return &OpenAIProvider{
		config:       cfg,
		tokens:       tokens,
		httpClient:   httpClient,
		streamClient: streamClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
	}, nil
}

type openAIRequest struct {
	Model              string                `json:"model"`
	Messages           []openAIMessage       `json:"messages"`
	MaxTokens          *int                  `json:"max_tokens,omitempty"`
	Temperature        float64               `json:"temperature"`
	Stream             bool                  `json:"stream"`
	StreamOptions      *openAIStreamOptions  `json:"stream_options,omitempty"`
	ResponseFormat     *openAIResponseFormat `json:"response_format,omitempty"`
	Metadata           map[string]string     `json:"metadata,omitempty"`
	PreviousResponseID string                `json:"previous_response_id,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamResponse struct {
	ID      string               `json:"id"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage openAIUsage `json:"usage"`
}

// Complete performs a blocking completion.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []session.Message, opts Options) (*Completion, error) {
	ctx, finish := observeCall(ctx, "openai", p.config.Model, false, false)

	completion, err := p.complete(ctx, p.buildRequest(messages, opts, false))
	if err != nil {
		finish(session.Usage{}, err)
		return nil, err
	}

	finish(completion.Usage, nil)
	return completion, nil
}

// CompleteStream starts a streaming completion over SSE.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, messages []session.Message, opts Options) (<-chan StreamChunk, error) {
	ctx, finish := observeCall(ctx, "openai", p.config.Model, true, false)

	request := p.buildRequest(messages, opts, true)
	request.StreamOptions = &openAIStreamOptions{IncludeUsage: true}

	resp, err := p.post(ctx, p.streamClient, "/chat/completions", request)
	if err != nil {
		finish(session.Usage{}, err)
		return nil, err
	}

	out := make(chan StreamChunk, streamBufferSize)

	go func() {
		defer close(out)
		defer resp.Body.Close()

		// Text chunks race delivery against cancellation so a stalled
		// consumer cannot pin the goroutine past its context. Terminal
		// chunks use a plain send: the consumer drains until close, and
		// racing ctx.Done here could drop the error chunk the contract
		// promises.
		send := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage session.Usage
		err := httpclient.ReadSSE(ctx, resp.Body, func(data []byte) error {
			var chunk openAIStreamResponse
			if err := json.Unmarshal(data, &chunk); err != nil {
				// Skip frames that are not completion payloads.
				return nil
			}
			if chunk.Error != nil {
				return session.Errorf(session.KindUpstreamTransient, "upstream error: %s", chunk.Error.Message)
			}
			if chunk.Usage != nil {
				usage = session.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !send(StreamChunk{Type: ChunkText, Text: chunk.Choices[0].Delta.Content}) {
					return ctx.Err()
				}
			}
			return nil
		})

		if err != nil {
			classified := err
			if _, ok := session.AsError(err); !ok {
				classified = session.WrapError(session.Classify(err), "stream failed", err)
			}
			finish(usage, classified)
			out <- StreamChunk{Type: ChunkError, Err: classified}
			return
		}

		finish(usage, nil)
		out <- StreamChunk{Type: ChunkUsage, Usage: &usage}
		out <- StreamChunk{Type: ChunkDone}
	}()

	return out, nil
}

// CompleteStructured constrains the response to the schema via strict
// json_schema response format.
func (p *OpenAIProvider) CompleteStructured(ctx context.Context, messages []session.Message, schema *Schema, opts Options) (*Completion, error) {
	ctx, finish := observeCall(ctx, "openai", p.config.Model, false, true)

	request := p.buildRequest(messages, opts, false)
	request.ResponseFormat = &openAIResponseFormat{
		Type: "json_schema",
		JSONSchema: &openAIJSONSchema{
			Name:   schema.Name,
			Schema: schema.Definition,
			Strict: true,
		},
	}

	completion, err := completeStructured(ctx, func(ctx context.Context, strict bool) (*Completion, error) {
		attempt := request
		if strict {
			attempt.Temperature = 0
			messages := make([]openAIMessage, len(request.Messages), len(request.Messages)+1)
			copy(messages, request.Messages)
			attempt.Messages = append(messages, openAIMessage{Role: "system", Content: strictJSONInstruction})
		}
		return p.complete(ctx, attempt)
	})
	if err != nil {
		finish(session.Usage{}, err)
		return nil, err
	}

	finish(completion.Usage, nil)
	return completion, nil
}

// Embed converts texts into vectors, batching sequentially and preserving
// input order.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateEmbedInputs(texts); err != nil {
		return nil, err
	}

	model := p.config.EmbeddingModel
	ctx, finish := observeEmbed(ctx, "openai", model, len(texts))

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := p.embedBatch(ctx, model, texts[start:end])
		if err != nil {
			finish(err)
			return nil, err
		}
		results = append(results, vectors...)
	}

	finish(nil)
	return results, nil
}

func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) buildRequest(messages []session.Message, opts Options, stream bool) openAIRequest {
	converted := make([]openAIMessage, len(messages))
	for i, msg := range messages {
		converted[i] = openAIMessage{Role: string(msg.Role), Content: msg.Content}
	}

	temperature := defaultTemperature
	if p.config.Temperature != nil {
		temperature = *p.config.Temperature
	}
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	maxTokens := clampMaxTokens(opts.MaxTokens, p.config.MaxTokens)

	return openAIRequest{
		Model:              p.config.Model,
		Messages:           converted,
		MaxTokens:          &maxTokens,
		Temperature:        temperature,
		Stream:             stream,
		Metadata:           opts.Metadata,
		PreviousResponseID: opts.PreviousResponseID,
	}
}

func (p *OpenAIProvider) complete(ctx context.Context, request openAIRequest) (*Completion, error) {
	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	if response.Error != nil {
		return nil, session.Errorf(session.KindUpstreamTransient, "upstream error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, session.NewError(session.KindUpstreamTransient, "upstream returned no choices")
	}

	choice := response.Choices[0]
	return &Completion{
		Text: choice.Message.Content,
		Usage: session.Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
		FinishReason: choice.FinishReason,
		ID:           response.ID,
	}, nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	resp, err := p.post(ctx, p.httpClient, "/chat/completions", request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "failed to read upstream response", err)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "failed to decode upstream response", err)
	}
	return &response, nil
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, model string, batch []string) ([][]float32, error) {
	request := openAIEmbedRequest{Model: model, Input: batch}

	resp, err := p.post(ctx, p.httpClient, "/embeddings", request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "failed to read embeddings response", err)
	}

	var response openAIEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "failed to decode embeddings response", err)
	}
	if len(response.Data) != len(batch) {
		return nil, session.Errorf(session.KindUpstreamTransient, "embeddings response has %d vectors for %d inputs", len(response.Data), len(batch))
	}

	// The upstream may reorder entries; index restores input order.
	vectors := make([][]float32, len(batch))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, session.Errorf(session.KindUpstreamTransient, "embeddings response index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// post sends a JSON payload and returns the response on 200. Non-200
// statuses and transport failures come back classified. The body is built
// with a GetBody replay so retries are safe.
func (p *OpenAIProvider) post(ctx context.Context, client *httpclient.Client, path string, payload any) (*http.Response, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, session.WrapError(session.KindInternalInvariant, "failed to marshal upstream request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "invalid upstream URL", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	// The client may return both a response and an error once the retry
	// budget runs out; the status tells more than the error.
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, classifyTransport(ctx, err)
	}
	if resp == nil {
		return nil, session.NewError(session.KindUpstreamTransient, "no response received")
	}
	return resp, nil
}

func (p *OpenAIProvider) statusError(resp *http.Response) error {
	kind := session.ClassifyStatus(resp.StatusCode)

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return session.Errorf(kind, "upstream returned status %d", resp.StatusCode)
	}
	if apiErr := parseOpenAIError(body); apiErr != nil {
		return session.Errorf(kind, "upstream returned status %d: %s (type: %s, code: %s)",
			resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
	}
	return session.Errorf(kind, "upstream returned status %d: %s", resp.StatusCode, string(body))
}

// parseOpenAIError extracts the structured error from an error body, if any.
func parseOpenAIError(body []byte) *openAIError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

// classifyTransport maps a transport-level failure onto the error taxonomy.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return session.WrapError(session.Classify(ctx.Err()), "upstream call aborted", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return session.WrapError(session.KindUpstreamTimeout, "upstream call timed out", err)
	}
	return session.WrapError(session.KindUpstreamTransient, "upstream call failed", err)
}
