package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSourceConfig holds configuration for the client credentials token source.
type TokenSourceConfig struct {
	Issuer       string // OIDC issuer or discovery URL
	ClientID     string
	ClientSecret string
	Scopes       []string
	HTTPClient   *http.Client // Optional, defaults to a 30s-timeout client
}

// NewClientCredentialsSource discovers the token endpoint for the issuer and
// returns a caching token source that mints client credentials access tokens.
// The returned source refreshes expired tokens on demand using the given
// context, so callers should pass a context that outlives individual requests.
func NewClientCredentialsSource(ctx context.Context, cfg TokenSourceConfig) (oauth2.TokenSource, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("client secret is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	// Single discovery fetch resolves the token endpoint
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	issuer := strings.TrimSuffix(cfg.Issuer, "/")
	issuer = strings.TrimSuffix(issuer, "/.well-known/openid-configuration")
	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}

	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     provider.Endpoint().TokenURL,
		Scopes:       cfg.Scopes,
	}
	return conf.TokenSource(ctx), nil
}
