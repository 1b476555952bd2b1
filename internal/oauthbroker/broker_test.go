package oauthbroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/plugins"
)

type stubPlugin struct {
	id            string
	configured    bool
	refreshCreds  plugins.Credentials
	refreshErr    error
}

func (s stubPlugin) ID() string          { return s.id }
func (s stubPlugin) Name() string        { return s.id }
func (s stubPlugin) Description() string { return "" }
func (s stubPlugin) Icon() string        { return "" }
func (s stubPlugin) AdminConfigFields() []plugins.AdminConfigField { return nil }
func (s stubPlugin) SetupInfo(plugins.ConfigSnapshot) []plugins.SetupStep { return nil }
func (s stubPlugin) IsConfigured(plugins.ConfigSnapshot) bool { return s.configured }
func (s stubPlugin) OAuthConfig(config plugins.ConfigSnapshot) plugins.OAuthConfig {
	clientID := config[s.id+".client_id"]
	return plugins.OAuthConfig{
		ClientID: clientID, ClientSecret: "secret",
		AuthURL: "https://provider.example/auth", TokenURL: "https://provider.example/token",
		Scopes: []string{"read"}, RedirectURI: "https://orbit.example/callback", UsePKCE: true,
	}
}
func (s stubPlugin) AvailableFields() []plugins.AvailableField { return nil }
func (s stubPlugin) ValidateCredentials(context.Context, plugins.Credentials) (bool, error) {
	return true, nil
}
func (s stubPlugin) RefreshTokens(context.Context, plugins.ConfigSnapshot, plugins.Credentials) (plugins.Credentials, error) {
	return s.refreshCreds, s.refreshErr
}
func (s stubPlugin) FetchData(context.Context, plugins.ConfigSnapshot, plugins.Credentials, string, string, []string) ([]plugins.DayRecord, error) {
	return nil, nil
}

func TestStartBuildsAuthURLWithPKCE(t *testing.T) {
	registry := plugins.NewRegistry(stubPlugin{id: "fitbit"})
	b := New(registry, nil)

	result, err := b.Start(context.Background(), "u1", "fitbit", plugins.ConfigSnapshot{"fitbit.client_id": "abc"}, time.Now())
	require.NoError(t, err)
	assert.Contains(t, result.AuthorizationURL, "code_challenge=")
	assert.Contains(t, result.AuthorizationURL, "code_challenge_method=S256")
	assert.Contains(t, result.AuthorizationURL, "state="+result.State)
}

func TestStartRejectsUnconfiguredPlugin(t *testing.T) {
	registry := plugins.NewRegistry(stubPlugin{id: "fitbit"})
	b := New(registry, nil)

	_, err := b.Start(context.Background(), "u1", "fitbit", plugins.ConfigSnapshot{}, time.Now())
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	registry := plugins.NewRegistry(stubPlugin{id: "fitbit"})
	b := New(registry, nil)

	_, _, _, err := b.Callback(context.Background(), "nonexistent-state", "code", plugins.ConfigSnapshot{}, time.Now())
	require.Error(t, err)
	assert.True(t, apperr.IsOAuthInvalidState(err))
}

func TestCallbackRejectsExpiredState(t *testing.T) {
	registry := plugins.NewRegistry(stubPlugin{id: "fitbit"})
	b := New(registry, nil)

	start := time.Now()
	result, err := b.Start(context.Background(), "u1", "fitbit", plugins.ConfigSnapshot{"fitbit.client_id": "abc"}, start)
	require.NoError(t, err)

	_, _, _, err = b.Callback(context.Background(), result.State, "code", plugins.ConfigSnapshot{}, start.Add(11*time.Minute))
	require.Error(t, err)
	assert.True(t, apperr.IsOAuthInvalidState(err))
}

func TestRefreshSkipsWhenFarFromExpiry(t *testing.T) {
	registry := plugins.NewRegistry(stubPlugin{id: "fitbit"})
	b := New(registry, nil)

	now := time.Now()
	creds := plugins.Credentials{AccessToken: "tok", ExpiresAt: now.Add(time.Hour).Unix()}
	out, err := b.Refresh(context.Background(), "fitbit", plugins.ConfigSnapshot{}, creds, now)
	require.NoError(t, err)
	assert.Equal(t, creds, out)
}

func TestRefreshRunsNearExpiry(t *testing.T) {
	now := time.Now()
	refreshed := plugins.Credentials{AccessToken: "new-tok", ExpiresAt: now.Add(time.Hour).Unix()}
	registry := plugins.NewRegistry(stubPlugin{id: "fitbit", refreshCreds: refreshed})
	b := New(registry, nil)

	creds := plugins.Credentials{AccessToken: "old-tok", ExpiresAt: now.Add(10 * time.Second).Unix()}
	out, err := b.Refresh(context.Background(), "fitbit", plugins.ConfigSnapshot{}, creds, now)
	require.NoError(t, err)
	assert.Equal(t, "new-tok", out.AccessToken)
}

func TestRefreshFailureIsExternalSubRefreshFailed(t *testing.T) {
	now := time.Now()
	registry := plugins.NewRegistry(stubPlugin{id: "fitbit", refreshErr: assertErr{}})
	b := New(registry, nil)

	creds := plugins.Credentials{AccessToken: "old-tok", ExpiresAt: now.Add(10 * time.Second).Unix()}
	_, err := b.Refresh(context.Background(), "fitbit", plugins.ConfigSnapshot{}, creds, now)
	require.Error(t, err)
	assert.True(t, apperr.IsRefreshFailed(err))
}

type assertErr struct{}

func (assertErr) Error() string { return "refresh failed" }
