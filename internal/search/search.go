// ABOUTME: REST client for a hosted document search index, queried without the agent
// ABOUTME: Authorizes through a credential resolver and retries once after a rejected credential

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/agent-relay/internal/credential"
)

// Defaults for the search service.
const (
	DefaultAPIVersion = "2023-11-01"
	DefaultTop        = 5
	TokenResource     = "https://search.azure.com"
)

const maxResponseBytes = 8 << 20

// ErrUnavailable marks transport-level failures.
var ErrUnavailable = errors.New("search service unavailable")

// Result is one matching document.
type Result struct {
	Title      string
	Content    string
	Score      float64
	Source     string
	Highlights map[string][]string
}

// Searcher runs a full-text query against an index.
type Searcher interface {
	Search(ctx context.Context, query string, top int) ([]Result, error)
}

// CredentialSource supplies credentials and accepts rejected ones back.
type CredentialSource interface {
	Resolve(ctx context.Context) (credential.Credential, error)
	Invalidate(cred credential.Credential)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint    string
	Index       string
	APIVersion  string
	Credentials CredentialSource
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client queries one index over REST.
type Client struct {
	searchURL  *url.URL
	apiVersion string
	creds      CredentialSource
	http       *http.Client
	logger     *slog.Logger
}

var _ Searcher = (*Client)(nil)

// NewClient validates the endpoint and index and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("search endpoint is required")
	}
	index := strings.TrimSpace(cfg.Index)
	if index == "" {
		return nil, errors.New("search index is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("search credentials are required")
	}
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing search endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("search endpoint %q must be http or https", endpoint)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}

	u := base.JoinPath("indexes", index, "docs", "search")
	return &Client{
		searchURL:  u,
		apiVersion: apiVersion,
		creds:      cfg.Credentials,
		http:       httpClient,
		logger:     logger.With("component", "search"),
	}, nil
}

type searchRequest struct {
	Search     string `json:"search"`
	Top        int    `json:"top"`
	Count      bool   `json:"count"`
	SearchMode string `json:"searchMode"`
}

type document struct {
	Score      float64             `json:"@search.score"`
	Highlights map[string][]string `json:"@search.highlights"`
	Title      string              `json:"title"`
	Content    string              `json:"content"`
	Source     string              `json:"metadata_storage_path"`
}

type searchResponse struct {
	Count int64      `json:"@odata.count"`
	Value []document `json:"value"`
}

// Search returns at most top documents matching every term of query.
func (c *Client) Search(ctx context.Context, query string, top int) ([]Result, error) {
	if top <= 0 {
		top = DefaultTop
	}
	payload, err := json.Marshal(searchRequest{Search: query, Top: top, Count: true, SearchMode: "all"})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	var out searchResponse
	for attempt := range 2 {
		cred, err := c.creds.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		status, err := c.send(ctx, cred, payload, &out)
		if err == nil {
			break
		}
		if attempt == 0 && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
			c.logger.Warn("search service rejected credential, resolving again", "method", cred.Method())
			c.creds.Invalidate(cred)
			continue
		}
		return nil, err
	}

	results := make([]Result, 0, len(out.Value))
	for _, d := range out.Value {
		results = append(results, Result{
			Title:      d.Title,
			Content:    d.Content,
			Score:      d.Score,
			Source:     d.Source,
			Highlights: d.Highlights,
		})
	}
	c.logger.Debug("search completed", "results", len(results), "total", out.Count)
	return results, nil
}

func (c *Client) send(ctx context.Context, cred credential.Credential, payload []byte, out any) (int, error) {
	u := *c.searchURL
	u.RawQuery = url.Values{"api-version": {c.apiVersion}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if err := cred.Authorize(ctx, req); err != nil {
		return 0, fmt.Errorf("authorizing request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, nil
}

// APIError is a non-2xx response from the search service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("search service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("search service returned %d: %s", e.StatusCode, e.Message)
}

func errorMessage(data []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(string(data))
}
