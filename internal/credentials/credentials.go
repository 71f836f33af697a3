// Package credentials manages OAuth refresh-token credentials for the CRM.
//
// Each credential is a named oauth2.Config plus a long-lived refresh token.
// Access tokens are cached until they expire and exchanged again on demand.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2"
)

// DefaultTokenURL is Zoho's accounts token endpoint.
const DefaultTokenURL = "https://accounts.zoho.com/oauth/v2/token"

// ErrUnknownCredential is returned for a name that was never registered.
var ErrUnknownCredential = errors.New("unknown credential")

type credential struct {
	config       *oauth2.Config
	refreshToken string
	token        *oauth2.Token
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used for token exchanges.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider hands out access tokens for named credentials.
type Provider struct {
	mu         sync.Mutex
	creds      map[string]*credential
	httpClient *http.Client
}

// NewProvider creates an empty Provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{creds: make(map[string]*credential)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds or replaces the credential called name.
func (p *Provider) Register(name string, cfg *oauth2.Config, refreshToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[name] = &credential{config: cfg, refreshToken: refreshToken}
	slog.Debug("Provider.Register: credential registered", "name", name, "tokenURL", cfg.Endpoint.TokenURL)
}

// RegisterFromEnv registers name from ZOHO_CLIENT_ID, ZOHO_CLIENT_SECRET,
// ZOHO_REFRESH_TOKEN and the optional ZOHO_TOKEN_URL.
func (p *Provider) RegisterFromEnv(name string) error {
	clientID := os.Getenv("ZOHO_CLIENT_ID")
	clientSecret := os.Getenv("ZOHO_CLIENT_SECRET")
	refreshToken := os.Getenv("ZOHO_REFRESH_TOKEN")
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return fmt.Errorf("ZOHO_CLIENT_ID, ZOHO_CLIENT_SECRET and ZOHO_REFRESH_TOKEN must be set")
	}
	tokenURL := os.Getenv("ZOHO_TOKEN_URL")
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	p.Register(name, &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, refreshToken)
	return nil
}

// GetValidToken returns the cached access token for name, exchanging the
// refresh token first when none is cached or the cached one has expired.
func (p *Provider) GetValidToken(ctx context.Context, name string) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCredential, name)
	}
	if c.token.Valid() {
		return c.token, nil
	}
	return p.refreshLocked(ctx, name, c)
}

// ForceRefresh discards the cached access token for name and exchanges the
// refresh token for a new one.
func (p *Provider) ForceRefresh(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, name)
	}
	c.token = nil
	_, err := p.refreshLocked(ctx, name, c)
	return err
}

func (p *Provider) refreshLocked(ctx context.Context, name string, c *credential) (*oauth2.Token, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	tok, err := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: c.refreshToken}).Token()
	if err != nil {
		slog.Error("Provider.refresh: token exchange failed", "name", name, "error", err)
		return nil, fmt.Errorf("oauth refresh for %s failed: %w", name, err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != c.refreshToken {
		c.refreshToken = tok.RefreshToken
	}
	c.token = tok
	slog.Info("Provider.refresh: access token refreshed", "name", name, "expiry", tok.Expiry)
	return tok, nil
}
