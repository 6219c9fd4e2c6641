// ABOUTME: Tests for the api key, managed identity and default chain strategies
// ABOUTME: Identity and token endpoints are httptest servers, the Azure CLI is a fake runner

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func noCLI(_ context.Context, _ string, _ ...string) ([]byte, error) {
	return nil, errors.New("az: command not found")
}

func authorizedHeader(t *testing.T, cred Credential, header string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://agent.test/", nil)
	require.NoError(t, cred.Authorize(context.Background(), req))
	return req.Header.Get(header)
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "relay", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("irrelevant"))
	require.NoError(t, err)
	return s
}

func TestCleanAPIKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc", "abc"},
		{"  abc  ", "abc"},
		{`"abc"`, "abc"},
		{`'abc'`, "abc"},
		{` " abc " `, "abc"},
		{`""`, ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanAPIKey(tt.in), "CleanAPIKey(%q)", tt.in)
	}
}

func TestAPIKeyStrategy(t *testing.T) {
	cred, err := (&APIKeyStrategy{Key: ` "secret-key" `}).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MethodAPIKey, cred.Method())
	assert.Equal(t, "secret-key", authorizedHeader(t, cred, "api-key"))

	_, err = (&APIKeyStrategy{Key: "   "}).Resolve(context.Background())
	assert.EqualError(t, err, "no api key configured")
}

func TestManagedIdentity_AppService(t *testing.T) {
	var hits atomic.Int32
	expires := time.Now().Add(time.Hour).Unix()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "identity-secret", r.Header.Get("X-IDENTITY-HEADER"))
		assert.Equal(t, "2019-08-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "https://ai.azure.com", r.URL.Query().Get("resource"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "mi-token",
			"expires_on":   strconv.FormatInt(expires, 10),
			"token_type":   "Bearer",
		})
	}))
	defer srv.Close()

	strategies := DefaultStrategies(Options{
		Resource: "https://ai.azure.com/",
		Getenv: envMap(map[string]string{
			"IDENTITY_ENDPOINT": srv.URL,
			"IDENTITY_HEADER":   "identity-secret",
		}),
		RunCommand: noCLI,
	})

	r := NewResolver(nil, strategies...)
	cred, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MethodManagedIdentity, cred.Method())

	assert.Equal(t, "Bearer mi-token", authorizedHeader(t, cred, "Authorization"))
	assert.Equal(t, "Bearer mi-token", authorizedHeader(t, cred, "Authorization"))
	assert.EqualValues(t, 1, hits.Load(), "token should be reused until expiry")

	st := r.Status()
	require.Len(t, st.Attempts, 1)
	assert.Equal(t, MethodAPIKey, st.Attempts[0].Method)
}

func TestManagedIdentity_LegacyMSI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "msi-secret", r.Header.Get("secret"))
		assert.Equal(t, "2017-09-01", r.URL.Query().Get("api-version"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "legacy-token",
			"expires_on":   time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer srv.Close()

	s := &ManagedIdentityStrategy{opts: Options{
		Resource:   "https://ai.azure.com",
		HTTPClient: srv.Client(),
		Getenv: envMap(map[string]string{
			"MSI_ENDPOINT": srv.URL,
			"MSI_SECRET":   "msi-secret",
		}),
	}}

	cred, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer legacy-token", authorizedHeader(t, cred, "Authorization"))
}

func TestManagedIdentity_NotAvailable(t *testing.T) {
	s := &ManagedIdentityStrategy{opts: Options{Getenv: envMap(nil)}}
	_, err := s.Resolve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDENTITY_ENDPOINT")
}

func TestManagedIdentity_EndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "identity not assigned", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := &ManagedIdentityStrategy{opts: Options{
		HTTPClient: srv.Client(),
		Getenv:     envMap(map[string]string{"IDENTITY_ENDPOINT": srv.URL, "IDENTITY_HEADER": "h"}),
	}}
	_, err := s.Resolve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestDefaultChain_ServicePrincipal(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	accessToken := signedToken(t, exp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tenant-1/oauth2/v2.0/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "https://ai.azure.com/.default", r.PostForm.Get("scope"))

		// No expires_in: the expiry must come from the token itself.
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": accessToken,
			"token_type":   "Bearer",
		})
	}))
	defer srv.Close()

	s := &DefaultChainStrategy{opts: Options{
		Resource:   "https://ai.azure.com",
		HTTPClient: srv.Client(),
		Getenv: envMap(map[string]string{
			"AZURE_TENANT_ID":      "tenant-1",
			"AZURE_CLIENT_ID":      "client-1",
			"AZURE_CLIENT_SECRET":  "shh",
			"AZURE_AUTHORITY_HOST": srv.URL,
		}),
		RunCommand: noCLI,
	}}

	cred, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MethodDefaultChain, cred.Method())
	assert.Equal(t, "Bearer "+accessToken, authorizedHeader(t, cred, "Authorization"))
}

func TestDefaultChain_FallsBackToCLI(t *testing.T) {
	var gotArgs []string
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return json.Marshal(map[string]any{
			"accessToken": "cli-token",
			"expiresOn":   time.Now().Add(time.Hour).Format(cliTimeLayout),
		})
	}

	s := &DefaultChainStrategy{opts: Options{
		Resource:   "https://ai.azure.com",
		Getenv:     envMap(nil),
		RunCommand: runner,
		CLITimeout: time.Second,
	}}

	cred, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer cli-token", authorizedHeader(t, cred, "Authorization"))
	assert.Equal(t, []string{"az", "account", "get-access-token", "--resource", "https://ai.azure.com", "--output", "json"}, gotArgs)
}

func TestDefaultChain_AllSubstepsFail(t *testing.T) {
	s := &DefaultChainStrategy{opts: Options{
		Resource:   "https://ai.azure.com",
		Getenv:     envMap(nil),
		RunCommand: noCLI,
		CLITimeout: time.Second,
	}}

	_, err := s.Resolve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment:")
	assert.Contains(t, err.Error(), "azure cli:")
	assert.Contains(t, err.Error(), "command not found")
}

func TestDefaultStrategies_Order(t *testing.T) {
	strategies := DefaultStrategies(Options{})
	require.Len(t, strategies, 3)
	assert.Equal(t, MethodAPIKey, strategies[0].Method())
	assert.Equal(t, MethodManagedIdentity, strategies[1].Method())
	assert.Equal(t, MethodDefaultChain, strategies[2].Method())
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	assert.True(t, exp.Equal(tokenExpiry(signedToken(t, exp))))
	assert.True(t, tokenExpiry("opaque-token").IsZero())
}
