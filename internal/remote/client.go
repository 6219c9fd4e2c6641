// ABOUTME: REST client for the hosted agent service
// ABOUTME: Authorizes every call through the credential resolver and retries once on 401/403

package remote

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
	"strconv"
	"strings"
	"time"

	"github.com/2389/agent-relay/internal/credential"
)

// listPageSize is the page size used when listing thread messages.
const listPageSize = 100

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// CredentialSource supplies credentials and accepts rejected ones back.
// *credential.Resolver satisfies it.
type CredentialSource interface {
	Resolve(ctx context.Context) (credential.Credential, error)
	Invalidate(cred credential.Credential)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint    string
	APIVersion  string
	Credentials CredentialSource
	HTTPClient  *http.Client
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Client talks to the agent service REST API.
type Client struct {
	base       *url.URL
	apiVersion string
	creds      CredentialSource
	http       *http.Client
	logger     *slog.Logger
}

// Compile-time check.
var _ AgentService = (*Client)(nil)

// NewClient validates the endpoint and builds a client. An api-version query
// parameter already present on the endpoint wins over cfg.APIVersion.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("remote client requires a credential source")
	}
	base, version, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = cfg.APIVersion
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:       base,
		apiVersion: version,
		creds:      cfg.Credentials,
		http:       httpClient,
		logger:     logger.With("component", "remote"),
	}, nil
}

func normalizeEndpoint(endpoint string) (*url.URL, string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, "", errors.New("agent service endpoint is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("endpoint %q must be http or https", endpoint)
	}
	version := u.Query().Get("api-version")
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u, version, nil
}

// Endpoint returns the normalized base URL.
func (c *Client) Endpoint() string { return c.base.String() }

func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.do(ctx, http.MethodGet, "/assistants/"+url.PathEscape(agentID), nil, nil, &agent); err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return &agent, nil
}

func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var thread Thread
	if err := c.do(ctx, http.MethodPost, "/threads", nil, struct{}{}, &thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &thread, nil
}

func (c *Client) CreateMessage(ctx context.Context, threadID, role, content string) (*Message, error) {
	var msg Message
	body := CreateMessageRequest{Role: role, Content: content}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", nil, body, &msg); err != nil {
		return nil, fmt.Errorf("create message in thread %s: %w", threadID, err)
	}
	return &msg, nil
}

func (c *Client) CreateRun(ctx context.Context, threadID, agentID string) (*Run, error) {
	var run Run
	body := CreateRunRequest{AssistantID: agentID}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", nil, body, &run); err != nil {
		return nil, fmt.Errorf("create run in thread %s: %w", threadID, err)
	}
	return &run, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &run); err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &run, nil
}

// ListMessages returns every message of the thread, oldest first.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	var all []Message
	after := ""
	for {
		q := url.Values{}
		q.Set("order", "asc")
		q.Set("limit", strconv.Itoa(listPageSize))
		if after != "" {
			q.Set("after", after)
		}

		var page MessageList
		if err := c.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, fmt.Errorf("list messages in thread %s: %w", threadID, err)
		}
		all = append(all, page.Data...)

		if !page.HasMore || len(page.Data) == 0 {
			return all, nil
		}
		next := page.LastID
		if next == "" {
			next = page.Data[len(page.Data)-1].ID
		}
		if next == after {
			return all, nil
		}
		after = next
	}
}

// do performs one API call. A 401/403 invalidates the credential and the
// call is repeated once with a freshly resolved one.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		cred, err := c.creds.Resolve(ctx)
		if err != nil {
			return err
		}

		err = c.send(ctx, cred, method, path, query, payload, out)
		if err == nil {
			return nil
		}
		if attempt == 0 && IsAuthFailure(err) {
			c.logger.Warn("agent service rejected credential, re-resolving",
				"method", cred.Method(), "path", path, "error", err)
			c.creds.Invalidate(cred)
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, cred credential.Credential, method, path string, query url.Values, payload []byte, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if c.apiVersion != "" {
		q.Set("api-version", c.apiVersion)
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := cred.Authorize(ctx, req); err != nil {
		return fmt.Errorf("authorizing request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Transport errors are flattened so a client timeout does not read
		// as the caller's deadline.
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	c.logger.Debug("agent service call",
		"method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", ErrUnavailable, err)
	}
	return nil
}

func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	if apiErr.Message == "" {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		apiErr.Message = msg
	}
	return apiErr
}
