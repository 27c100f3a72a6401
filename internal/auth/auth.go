// Package auth acquires app-only access tokens from Microsoft Entra ID with
// the OAuth2 client-credentials grant.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultAuthorityHost is the public-cloud login host.
const DefaultAuthorityHost = "https://login.microsoftonline.com"

// GraphDefaultScope requests every application permission granted to the app.
const GraphDefaultScope = "https://graph.microsoft.com/.default"

// ErrNoAccessToken is returned when the token response carries no access token.
var ErrNoAccessToken = errors.New("auth: no access token in response")

// Options configures an Authenticator.
type Options struct {
	ClientID     string
	ClientSecret string

	// Authority is the tenant authority, e.g. https://login.microsoftonline.com/<tenant>.
	Authority string

	// Scopes defaults to GraphDefaultScope.
	Scopes []string

	// HTTPClient is used for the token request. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Authority joins an authority host and a tenant id.
func Authority(host, tenantID string) string {
	if host == "" {
		host = DefaultAuthorityHost
	}
	return strings.TrimRight(host, "/") + "/" + tenantID
}

// Authenticator exchanges client credentials for a bearer token.
type Authenticator struct {
	cfg    clientcredentials.Config
	client *http.Client
}

// New validates opts and builds an Authenticator. It does no network I/O.
func New(opts Options) (*Authenticator, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" || opts.Authority == "" {
		return nil, fmt.Errorf("auth: client id, client secret and authority are required")
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{GraphDefaultScope}
	}
	return &Authenticator{
		cfg: clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     strings.TrimRight(opts.Authority, "/") + "/oauth2/v2.0/token",
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: opts.HTTPClient,
	}, nil
}

// TokenURL returns the token endpoint in use.
func (a *Authenticator) TokenURL() string { return a.cfg.TokenURL }

// Token performs one token request. There is no retry and no caching.
//
// Provider errors keep their error code and description in the message, e.g.
// "auth: acquire token: invalid_client - AADSTS7000215: Invalid client secret".
func (a *Authenticator) Token(ctx context.Context) (*oauth2.Token, error) {
	if a.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	}

	tok, err := a.cfg.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return nil, fmt.Errorf("auth: acquire token: %s - %s: %w", re.ErrorCode, re.ErrorDescription, err)
		}
		// x/oauth2 rejects a 2xx body without access_token as a plain error.
		if strings.Contains(err.Error(), "missing access_token") {
			return nil, fmt.Errorf("%w: %v", ErrNoAccessToken, err)
		}
		return nil, fmt.Errorf("auth: acquire token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return tok, nil
}
