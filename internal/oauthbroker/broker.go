// Package oauthbroker implements component H: the PKCE authorization
// code flow each plugin runs to obtain per-user credentials, and the
// refresh path the sync scheduler calls when a token is near expiry.
package oauthbroker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/plugins"
)

// pendingTTL is how long a minted state/verifier pair stays valid.
const pendingTTL = 10 * time.Minute

// refreshSkew is how close to expiry a token must be before a proactive
// refresh is attempted.
const refreshSkew = 60 * time.Second

// pending is a single in-flight authorization attempt. Never persisted:
// a server restart mid-flow just means the user restarts the connect
// flow, which is an acceptable cost for not having to manage a DB table
// that's empty 99.9% of the time.
type pending struct {
	userID       string
	pluginID     string
	codeVerifier string
	expiresAt    time.Time
}

// Broker runs the PKCE authorization-code flow for the plugin registry.
type Broker struct {
	registry   *plugins.Registry
	httpClient *http.Client

	mu      sync.Mutex
	pending map[string]pending // state -> pending
}

// New constructs a Broker over the given plugin registry.
func New(registry *plugins.Registry, httpClient *http.Client) *Broker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Broker{registry: registry, httpClient: httpClient, pending: map[string]pending{}}
}

// StartResult is what callers redirect the browser to.
type StartResult struct {
	AuthorizationURL string
	State            string
}

// Start mints state and a PKCE verifier/challenge pair, stores the
// pending entry, and builds the provider authorization URL.
func (b *Broker) Start(ctx context.Context, userID, pluginID string, config plugins.ConfigSnapshot, now time.Time) (StartResult, error) {
	const op = "oauthbroker.Start"

	plugin, ok := b.registry.Get(pluginID)
	if !ok {
		return StartResult{}, apperr.New(op, apperr.KindNotFound, fmt.Errorf("unknown plugin %q", pluginID))
	}
	oc := plugin.OAuthConfig(config)
	if oc.ClientID == "" {
		return StartResult{}, apperr.New(op, apperr.KindValidation, fmt.Errorf("plugin %q is not configured", pluginID))
	}

	state, err := randomURLSafe(32)
	if err != nil {
		return StartResult{}, apperr.New(op, apperr.KindInternal, err)
	}
	verifier, err := randomURLSafe(64)
	if err != nil {
		return StartResult{}, apperr.New(op, apperr.KindInternal, err)
	}
	challenge := codeChallengeS256(verifier)

	b.mu.Lock()
	b.pending[state] = pending{userID: userID, pluginID: pluginID, codeVerifier: verifier, expiresAt: now.Add(pendingTTL)}
	b.mu.Unlock()

	cfg := toOAuth2Config(oc)
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	return StartResult{AuthorizationURL: cfg.AuthCodeURL(state, opts...), State: state}, nil
}

// Callback validates the returned state, exchanges the code for
// tokens, and returns the resolved credentials plus which user/plugin
// they belong to, for the caller to persist.
func (b *Broker) Callback(ctx context.Context, state, code string, config plugins.ConfigSnapshot, now time.Time) (userID, pluginID string, creds plugins.Credentials, err error) {
	const op = "oauthbroker.Callback"

	b.mu.Lock()
	entry, ok := b.pending[state]
	if ok {
		delete(b.pending, state)
	}
	b.mu.Unlock()

	if !ok {
		return "", "", plugins.Credentials{}, apperr.NewSub(op, apperr.KindExternal, apperr.SubOAuthInvalidState, fmt.Errorf("no matching pending authorization"))
	}
	if now.After(entry.expiresAt) {
		return "", "", plugins.Credentials{}, apperr.NewSub(op, apperr.KindExternal, apperr.SubOAuthInvalidState, fmt.Errorf("authorization state expired"))
	}

	plugin, ok := b.registry.Get(entry.pluginID)
	if !ok {
		return "", "", plugins.Credentials{}, apperr.New(op, apperr.KindNotFound, fmt.Errorf("unknown plugin %q", entry.pluginID))
	}
	oc := plugin.OAuthConfig(config)
	cfg := toOAuth2Config(oc)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	token, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", entry.codeVerifier))
	if err != nil {
		return "", "", plugins.Credentials{}, apperr.NewSub(op, apperr.KindExternal, apperr.SubTokenExchangeFailed, err)
	}

	return entry.userID, entry.pluginID, fromOAuth2Token(token), nil
}

// Refresh runs the provider refresh-token flow when creds is at or past
// refreshSkew from expiry; otherwise it returns creds unchanged.
func (b *Broker) Refresh(ctx context.Context, pluginID string, config plugins.ConfigSnapshot, creds plugins.Credentials, now time.Time) (plugins.Credentials, error) {
	const op = "oauthbroker.Refresh"

	if creds.ExpiresAt == 0 || time.Unix(creds.ExpiresAt, 0).After(now.Add(refreshSkew)) {
		return creds, nil
	}

	plugin, ok := b.registry.Get(pluginID)
	if !ok {
		return plugins.Credentials{}, apperr.New(op, apperr.KindNotFound, fmt.Errorf("unknown plugin %q", pluginID))
	}

	refreshed, err := plugin.RefreshTokens(ctx, config, creds)
	if err != nil {
		return plugins.Credentials{}, apperr.NewSub(op, apperr.KindExternal, apperr.SubRefreshFailed, err)
	}
	return refreshed, nil
}

func toOAuth2Config(oc plugins.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: oc.AuthURL, TokenURL: oc.TokenURL},
		RedirectURL:  oc.RedirectURI,
		Scopes:       oc.Scopes,
	}
}

func fromOAuth2Token(token *oauth2.Token) plugins.Credentials {
	var expiresAt int64
	if !token.Expiry.IsZero() {
		expiresAt = token.Expiry.Unix()
	}
	return plugins.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		TokenType:    token.TokenType,
	}
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func codeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
