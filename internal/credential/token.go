// ABOUTME: Bearer token credentials backed by oauth2 token sources
// ABOUTME: Includes the managed identity and Azure CLI token sources and expiry parsing

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// apiKeyCredential sends a static key in the api-key header.
type apiKeyCredential struct {
	key string
}

func (c *apiKeyCredential) Method() Method { return MethodAPIKey }

func (c *apiKeyCredential) Authorize(_ context.Context, req *http.Request) error {
	req.Header.Set("api-key", c.key)
	return nil
}

// tokenCredential sends a cached bearer token.
type tokenCredential struct {
	method Method
	source oauth2.TokenSource
}

func (c *tokenCredential) Method() Method { return c.method }

func (c *tokenCredential) Authorize(_ context.Context, req *http.Request) error {
	tok, err := c.source.Token()
	if err != nil {
		return fmt.Errorf("fetching %s token: %w", c.method, err)
	}
	tok.SetAuthHeader(req)
	return nil
}

// newTokenCredential wraps src in a reusing cache and fetches one token so a
// strategy only succeeds when it can actually authenticate.
func newTokenCredential(method Method, src oauth2.TokenSource) (*tokenCredential, error) {
	cached := oauth2.ReuseTokenSource(nil, src)
	if _, err := cached.Token(); err != nil {
		return nil, err
	}
	return &tokenCredential{method: method, source: cached}, nil
}

// tokenExpiry reads the exp claim of a JWT access token without verifying it.
// Opaque tokens yield the zero time, which oauth2 treats as never expiring.
func tokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// parseUnixSeconds accepts the numeric-or-string expires_on fields used by
// the identity endpoints.
func parseUnixSeconds(raw json.RawMessage) (time.Time, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}

// identityProtocol describes one of the managed identity endpoint flavors.
type identityProtocol struct {
	endpoint   string
	secret     string
	apiVersion string
	header     string
}

// managedIdentitySource fetches tokens from the local identity endpoint that
// App Service and Functions hosts expose.
type managedIdentitySource struct {
	ctx      context.Context
	client   *http.Client
	protocol identityProtocol
	resource string
	clientID string
}

func (s *managedIdentitySource) Token() (*oauth2.Token, error) {
	u, err := url.Parse(s.protocol.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing identity endpoint: %w", err)
	}
	q := u.Query()
	q.Set("resource", s.resource)
	q.Set("api-version", s.protocol.apiVersion)
	if s.clientID != "" {
		q.Set("client_id", s.clientID)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building identity request: %w", err)
	}
	if s.protocol.secret != "" {
		req.Header.Set(s.protocol.header, s.protocol.secret)
	}
	req.Header.Set("Metadata", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling identity endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading identity response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string          `json:"access_token"`
		TokenType   string          `json:"token_type"`
		ExpiresOn   json.RawMessage `json:"expires_on"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding identity response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, errors.New("identity endpoint returned no access_token")
	}

	tok := &oauth2.Token{AccessToken: payload.AccessToken, TokenType: "Bearer"}
	if exp, ok := parseUnixSeconds(payload.ExpiresOn); ok {
		tok.Expiry = exp
	} else {
		tok.Expiry = tokenExpiry(payload.AccessToken)
	}
	return tok, nil
}

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, err
	}
	return out, nil
}

// cliTimeLayout is the local-time format of the Azure CLI expiresOn field.
const cliTimeLayout = "2006-01-02 15:04:05.999999"

// azureCLISource asks a logged-in Azure CLI for tokens.
type azureCLISource struct {
	ctx      context.Context
	run      CommandRunner
	resource string
	timeout  time.Duration
}

func (s *azureCLISource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	out, err := s.run(ctx, "az", "account", "get-access-token", "--resource", s.resource, "--output", "json")
	if err != nil {
		return nil, fmt.Errorf("azure cli: %w", err)
	}

	var payload struct {
		AccessToken string          `json:"accessToken"`
		ExpiresOn   string          `json:"expiresOn"`
		ExpiresOnTS json.RawMessage `json:"expires_on"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fmt.Errorf("decoding azure cli output: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, errors.New("azure cli returned no accessToken")
	}

	tok := &oauth2.Token{AccessToken: payload.AccessToken, TokenType: "Bearer"}
	if exp, ok := parseUnixSeconds(payload.ExpiresOnTS); ok {
		tok.Expiry = exp
	} else if exp, err := time.ParseInLocation(cliTimeLayout, payload.ExpiresOn, time.Local); err == nil {
		tok.Expiry = exp
	} else {
		tok.Expiry = tokenExpiry(payload.AccessToken)
	}
	return tok, nil
}
