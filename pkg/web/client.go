// Package web searches the public web and gates the results for quality
// before they may join index evidence.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/httpclient"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Client calls the web search API. Results come back unscored; the
// QualityFilter decides what survives.
type Client struct {
	config   *config.WebConfig
	http     *httpclient.Client
	endpoint string
}

// NewClient validates the endpoint configuration.
func NewClient(cfg *config.WebConfig) (*Client, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, session.NewError(session.KindConfig, "web search endpoint is not configured")
	}

	return &Client{
		config: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
		),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
	}, nil
}

// Search returns up to k results. The result ID is derived from the URL
// so repeated fetches of the same page stay stable across calls.
func (c *Client) Search(ctx context.Context, query string, k int) ([]session.WebResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, session.NewError(session.KindConfig, "web search query cannot be empty")
	}
	if k <= 0 {
		k = 5
	}

	tracer := observability.GetTracer("anchora.web")
	ctx, span := tracer.Start(ctx, observability.SpanWebSearch,
		trace.WithAttributes(attribute.Int("web.k", k)),
	)
	defer span.End()

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", fmt.Sprintf("%d", k))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "invalid web search endpoint", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-Api-Key", c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		err := c.statusError(resp)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		err := classifyTransport(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		return nil, session.NewError(session.KindUpstreamTransient, "no response received")
	}
	defer resp.Body.Close()

	var response webResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		wrapped := session.WrapError(session.KindUpstreamTransient, "failed to decode web search response", err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	now := time.Now()
	results := make([]session.WebResult, 0, len(response.Results))
	for i, item := range response.Results {
		if i >= k {
			break
		}
		results = append(results, session.WebResult{
			ID:        resultID(item.URL),
			Title:     item.Title,
			URL:       item.URL,
			Snippet:   item.Snippet,
			Rank:      i + 1,
			FetchedAt: now,
		})
	}

	span.SetAttributes(attribute.Int("web.results", len(results)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

type webResponse struct {
	Results []webItem `json:"results"`
}

type webItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func resultID(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(rawURL))))
	return "web-" + hex.EncodeToString(sum[:])[:12]
}

func (c *Client) statusError(resp *http.Response) error {
	kind := session.ClassifyStatus(resp.StatusCode)
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil || len(body) == 0 {
		return session.Errorf(kind, "web search returned status %d", resp.StatusCode)
	}
	return session.Errorf(kind, "web search returned status %d: %s", resp.StatusCode, string(body))
}

func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return session.WrapError(session.Classify(ctx.Err()), "web search aborted", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return session.WrapError(session.KindUpstreamTimeout, "web search timed out", err)
	}
	return session.WrapError(session.KindUpstreamTransient, "web search failed", err)
}
