// ABOUTME: The three credential strategies: api key, managed identity, default chain
// ABOUTME: Each strategy reads its inputs from Options and fails with a readable reason

package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultAuthorityHost is the Entra ID login host used for service principals.
const DefaultAuthorityHost = "https://login.microsoftonline.com"

// Options configures the standard strategy list.
type Options struct {
	APIKey   string
	Resource string

	HTTPClient *http.Client
	Getenv     func(string) string
	RunCommand CommandRunner
	CLITimeout time.Duration
}

func (o *Options) defaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.RunCommand == nil {
		o.RunCommand = ExecRunner
	}
	if o.CLITimeout == 0 {
		o.CLITimeout = 20 * time.Second
	}
	o.Resource = strings.TrimRight(o.Resource, "/")
}

// DefaultStrategies returns api key, managed identity and default chain, in
// that order.
func DefaultStrategies(opts Options) []Strategy {
	opts.defaults()
	return []Strategy{
		&APIKeyStrategy{Key: opts.APIKey},
		&ManagedIdentityStrategy{opts: opts},
		&DefaultChainStrategy{opts: opts},
	}
}

// CleanAPIKey trims whitespace and wrapping quotes that often sneak into
// app settings.
func CleanAPIKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.Trim(key, `"'`)
	return strings.TrimSpace(key)
}

// APIKeyStrategy uses a static key.
type APIKeyStrategy struct {
	Key string
}

func (s *APIKeyStrategy) Method() Method { return MethodAPIKey }

func (s *APIKeyStrategy) Resolve(_ context.Context) (Credential, error) {
	key := CleanAPIKey(s.Key)
	if key == "" {
		return nil, errors.New("no api key configured")
	}
	return &apiKeyCredential{key: key}, nil
}

// ManagedIdentityStrategy uses the host's identity endpoint when one is
// advertised through the environment.
type ManagedIdentityStrategy struct {
	opts Options
}

func (s *ManagedIdentityStrategy) Method() Method { return MethodManagedIdentity }

func (s *ManagedIdentityStrategy) Resolve(ctx context.Context) (Credential, error) {
	protocol, ok := detectIdentityProtocol(s.opts.Getenv)
	if !ok {
		return nil, errors.New("no managed identity endpoint in environment (IDENTITY_ENDPOINT or MSI_ENDPOINT)")
	}

	src := &managedIdentitySource{
		ctx:      context.WithoutCancel(ctx),
		client:   s.opts.HTTPClient,
		protocol: protocol,
		resource: s.opts.Resource,
		clientID: s.opts.Getenv("AZURE_CLIENT_ID"),
	}
	cred, err := newTokenCredential(MethodManagedIdentity, src)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func detectIdentityProtocol(getenv func(string) string) (identityProtocol, bool) {
	if endpoint, header := getenv("IDENTITY_ENDPOINT"), getenv("IDENTITY_HEADER"); endpoint != "" && header != "" {
		return identityProtocol{
			endpoint:   endpoint,
			secret:     header,
			apiVersion: "2019-08-01",
			header:     "X-IDENTITY-HEADER",
		}, true
	}
	if endpoint := getenv("MSI_ENDPOINT"); endpoint != "" {
		return identityProtocol{
			endpoint:   endpoint,
			secret:     getenv("MSI_SECRET"),
			apiVersion: "2017-09-01",
			header:     "secret",
		}, true
	}
	return identityProtocol{}, false
}

// DefaultChainStrategy tries an environment service principal, then the
// Azure CLI.
type DefaultChainStrategy struct {
	opts Options
}

func (s *DefaultChainStrategy) Method() Method { return MethodDefaultChain }

func (s *DefaultChainStrategy) Resolve(ctx context.Context) (Credential, error) {
	var reasons []string

	src, err := s.servicePrincipal(ctx)
	if err == nil {
		cred, tokErr := newTokenCredential(MethodDefaultChain, src)
		if tokErr == nil {
			return cred, nil
		}
		err = tokErr
	}
	reasons = append(reasons, "environment: "+err.Error())

	cli := &azureCLISource{
		ctx:      context.WithoutCancel(ctx),
		run:      s.opts.RunCommand,
		resource: s.opts.Resource,
		timeout:  s.opts.CLITimeout,
	}
	cred, err := newTokenCredential(MethodDefaultChain, cli)
	if err == nil {
		return cred, nil
	}
	reasons = append(reasons, "azure cli: "+err.Error())

	return nil, errors.New(strings.Join(reasons, "; "))
}

func (s *DefaultChainStrategy) servicePrincipal(ctx context.Context) (oauth2.TokenSource, error) {
	tenant := s.opts.Getenv("AZURE_TENANT_ID")
	clientID := s.opts.Getenv("AZURE_CLIENT_ID")
	secret := s.opts.Getenv("AZURE_CLIENT_SECRET")
	if tenant == "" || clientID == "" || secret == "" {
		return nil, errors.New("AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET not all set")
	}

	authority := strings.TrimRight(s.opts.Getenv("AZURE_AUTHORITY_HOST"), "/")
	if authority == "" {
		authority = DefaultAuthorityHost
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, tenant),
		Scopes:       []string{s.opts.Resource + "/.default"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// The token source keeps this context for refreshes.
	base := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, s.opts.HTTPClient)
	return &expiryFillingSource{src: cc.TokenSource(base)}, nil
}

// expiryFillingSource backfills a missing expiry from the token's exp claim.
type expiryFillingSource struct {
	src oauth2.TokenSource
}

func (s *expiryFillingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = tokenExpiry(tok.AccessToken)
	}
	return tok, nil
}
