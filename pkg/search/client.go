package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/httpclient"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/ratelimit"
	"github.com/kadirpekel/anchora/pkg/session"
)

const apiVersion = "2024-07-01"

// Client calls the index REST API. It is safe for concurrent use.
type Client struct {
	config   *config.SearchConfig
	tokens   TokenProvider
	http     *httpclient.Client
	limiter  *ratelimit.Limiter
	endpoint string
}

// NewClient builds a client. tokens may be nil when the index
// authenticates by api-key; exactly one auth mode must be available.
func NewClient(cfg *config.SearchConfig, tokens TokenProvider) (*Client, error) {
	if cfg == nil {
		return nil, session.NewError(session.KindConfig, "search config cannot be nil")
	}
	if cfg.APIKey == "" && tokens == nil {
		return nil, session.NewError(session.KindConfig, "search client needs an api_key or a token provider")
	}

	return &Client{
		config: cfg,
		tokens: tokens,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
		),
		limiter:  ratelimit.New(cfg.MaxRPS),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
	}, nil
}

// Search executes one query. An empty result set is not an error; the
// caller decides whether to relax, fall back, or reformulate.
func (c *Client) Search(ctx context.Context, query Query) (*Results, error) {
	if query.Text == "" && len(query.Vector) == 0 {
		return nil, session.NewError(session.KindConfig, "search query needs text or a vector")
	}

	index := query.Index
	if index == "" {
		index = c.config.Index
	}

	tracer := observability.GetTracer("anchora.search")
	ctx, span := tracer.Start(ctx, observability.SpanIndexQuery,
		trace.WithAttributes(
			attribute.String("search.index", index),
			attribute.String("search.mode", string(query.Mode)),
			attribute.Int("search.top_k", query.TopK),
		),
	)
	defer span.End()

	path := fmt.Sprintf("/indexes/%s/docs/search?api-version=%s", url.PathEscape(index), apiVersion)
	resp, err := c.post(ctx, path, c.buildRequest(query))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		wrapped := session.WrapError(session.KindUpstreamTransient, "failed to read search response", err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	results, err := c.parseResults(body, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int(observability.AttrRetrievalDocs, len(results.Documents)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// Lookup fetches one document by key, bypassing scoring entirely. A missing
// document is KindRetrievalEmpty so callers can treat it as evidence that
// vanished rather than a transport fault.
func (c *Client) Lookup(ctx context.Context, key string) (*Document, error) {
	if key == "" {
		return nil, session.NewError(session.KindConfig, "document lookup needs a key")
	}

	tracer := observability.GetTracer("anchora.search")
	ctx, span := tracer.Start(ctx, observability.SpanIndexQuery,
		trace.WithAttributes(attribute.String("search.index", c.config.Index)),
	)
	defer span.End()

	path := fmt.Sprintf("/indexes/%s/docs/%s?api-version=%s",
		url.PathEscape(c.config.Index), url.PathEscape(key), apiVersion)
	if len(c.config.SelectFields) > 0 {
		path += "&$select=" + url.QueryEscape(strings.Join(c.config.SelectFields, ","))
	}

	resp, err := c.get(ctx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		err := session.Errorf(session.KindRetrievalEmpty, "document %q not found", key)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := c.statusError(resp)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		wrapped := session.WrapError(session.KindUpstreamTransient, "failed to decode document lookup", err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	doc := c.mapDocument(raw)
	span.SetStatus(codes.Ok, "")
	return &doc, nil
}

// buildRequest translates the query into the wire format. Field and
// reranker defaults come from configuration; the query may override both.
func (c *Client) buildRequest(query Query) *searchRequest {
	req := &searchRequest{
		Top:             query.TopK,
		Filter:          query.Filter,
		MinimumCoverage: query.MinimumCoverage,
	}

	selects := query.Select
	if len(selects) == 0 {
		selects = c.config.SelectFields
	}
	req.Select = strings.Join(selects, ",")

	if len(query.Vector) > 0 {
		k := query.TopK
		if k <= 0 {
			k = 10
		}
		req.VectorQueries = []vectorQuery{{
			Kind:   "vector",
			Vector: query.Vector,
			Fields: c.config.VectorField,
			K:      k,
		}}
		if query.Filter != "" {
			mode := query.FilterMode
			if mode == "" {
				mode = PostFilter
			}
			req.VectorFilterMode = string(mode)
		}
	}

	if query.Mode != ModePureVector {
		req.Search = query.Text
		semantic := query.SemanticConfiguration
		if semantic == "" {
			semantic = c.config.SemanticConfiguration
		}
		if semantic != "" {
			req.QueryType = "semantic"
			req.SemanticConfiguration = semantic
			if query.WithCaptions {
				req.Captions = "extractive"
			}
			if query.WithAnswers {
				req.Answers = "extractive"
			}
		}
	}

	return req
}

// parseResults decodes the response and applies the reranker threshold.
// Thresholding happens here so every caller gets the same cut.
func (c *Client) parseResults(body []byte, query Query) (*Results, error) {
	var response searchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "failed to decode search response", err)
	}

	results := &Results{
		Coverage: response.Coverage,
		Answers:  response.Answers,
	}
	for _, raw := range response.Value {
		doc := c.mapDocument(raw)
		if query.Mode != ModePureVector && query.RerankerThreshold > 0 && doc.RerankerScore < query.RerankerThreshold {
			continue
		}
		results.Documents = append(results.Documents, doc)
		if query.TopK > 0 && len(results.Documents) == query.TopK {
			break
		}
	}
	return results, nil
}

// mapDocument extracts the configured fields from one raw hit.
func (c *Client) mapDocument(raw map[string]any) Document {
	doc := Document{
		ID:            stringField(raw, c.config.IDField),
		Title:         stringField(raw, c.config.TitleField),
		Content:       stringField(raw, c.config.ContentField),
		Summary:       stringField(raw, c.config.SummaryField),
		URL:           stringField(raw, c.config.URLField),
		PageNumber:    intField(raw, c.config.PageField),
		Score:         floatField(raw, "@search.score"),
		RerankerScore: floatField(raw, "@search.rerankerScore"),
		Fields:        raw,
	}

	if captions, ok := raw["@search.captions"].([]any); ok {
		for _, item := range captions {
			capMap, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := capMap["text"].(string); ok && text != "" {
				doc.Captions = append(doc.Captions, text)
			}
		}
	}

	return doc
}

func stringField(raw map[string]any, key string) string {
	v, _ := raw[key].(string)
	return v
}

func floatField(raw map[string]any, key string) float64 {
	v, _ := raw[key].(float64)
	return v
}

func intField(raw map[string]any, key string) int {
	v, _ := raw[key].(float64)
	return int(v)
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type searchRequest struct {
	Search                string        `json:"search,omitempty"`
	VectorQueries         []vectorQuery `json:"vectorQueries,omitempty"`
	QueryType             string        `json:"queryType,omitempty"`
	SemanticConfiguration string        `json:"semanticConfiguration,omitempty"`
	Select                string        `json:"select,omitempty"`
	Filter                string        `json:"filter,omitempty"`
	VectorFilterMode      string        `json:"vectorFilterMode,omitempty"`
	Top                   int           `json:"top,omitempty"`
	MinimumCoverage       float64       `json:"minimumCoverage,omitempty"`
	Captions              string        `json:"captions,omitempty"`
	Answers               string        `json:"answers,omitempty"`
}

type vectorQuery struct {
	Kind   string    `json:"kind"`
	Vector []float32 `json:"vector"`
	Fields string    `json:"fields"`
	K      int       `json:"k"`
}

type searchResponse struct {
	Coverage *float64         `json:"@search.coverage"`
	Answers  []Answer         `json:"@search.answers"`
	Value    []map[string]any `json:"value"`
}

type indexError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// TRANSPORT
// ============================================================================

// post sends a JSON payload and returns the response on 200. The body is
// built with a GetBody replay so retries are safe.
func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, session.WrapError(session.KindInternalInvariant, "failed to marshal search request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "invalid search endpoint", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	// The client may return both a response and an error once the retry
	// budget runs out; the status tells more than the error.
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
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

// get issues an authorized GET. Unlike post it hands back non-200
// responses so the caller can give specific statuses specific meanings.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "invalid search endpoint", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil && resp == nil {
		return nil, classifyTransport(ctx, err)
	}
	if resp == nil {
		return nil, session.NewError(session.KindUpstreamTransient, "no response received")
	}
	return resp, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.config.APIKey != "" {
		req.Header.Set("api-key", c.config.APIKey)
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	kind := session.ClassifyStatus(resp.StatusCode)

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return session.Errorf(kind, "index returned status %d", resp.StatusCode)
	}

	var errorResp struct {
		Error indexError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return session.Errorf(kind, "index returned status %d: %s (code: %s)",
			resp.StatusCode, errorResp.Error.Message, errorResp.Error.Code)
	}
	return session.Errorf(kind, "index returned status %d: %s", resp.StatusCode, string(body))
}

// classifyTransport maps a transport-level failure onto the error taxonomy.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return session.WrapError(session.Classify(ctx.Err()), "search call aborted", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return session.WrapError(session.KindUpstreamTimeout, "search call timed out", err)
	}
	return session.WrapError(session.KindUpstreamTransient, "search call failed", err)
}
