package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/domain"
)

func TestPluginCredentialsEncryptedAtRestWhenMasterKeySet(t *testing.T) {
	s := newTestStore(t)
	s.SetMasterKey(make([]byte, 32)) // all-zero key is fine for this test
	ctx := context.Background()
	u := createTestUser(t, s)

	require.NoError(t, s.UpsertPluginConnection(ctx, domain.PluginConnection{
		UserID: u.ID, PluginID: "toggl", Enabled: true,
		Credentials: domain.PluginCredentials{AccessToken: "access-123", RefreshToken: "refresh-456"},
	}))

	var rawAccess, rawRefresh string
	row := s.db.QueryRowContext(ctx, `SELECT access_token, refresh_token FROM plugin_connections WHERE user_id = ? AND plugin_id = ?`, u.ID, "toggl")
	require.NoError(t, row.Scan(&rawAccess, &rawRefresh))
	assert.NotEqual(t, "access-123", rawAccess, "access token must not be stored in cleartext")
	assert.NotEqual(t, "refresh-456", rawRefresh)
	assert.Contains(t, rawAccess, "v1:")

	pc, ok, err := s.GetPluginConnection(ctx, u.ID, "toggl")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-123", pc.Credentials.AccessToken)
	assert.Equal(t, "refresh-456", pc.Credentials.RefreshToken)
}

func TestPluginCredentialsCleartextWithoutMasterKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s)

	require.NoError(t, s.UpsertPluginConnection(ctx, domain.PluginConnection{
		UserID: u.ID, PluginID: "fitbit", Enabled: true,
		Credentials: domain.PluginCredentials{AccessToken: "plain-token"},
	}))

	var rawAccess string
	row := s.db.QueryRowContext(ctx, `SELECT access_token FROM plugin_connections WHERE user_id = ? AND plugin_id = ?`, u.ID, "fitbit")
	require.NoError(t, row.Scan(&rawAccess))
	assert.Equal(t, "plain-token", rawAccess)
}

func TestPluginCredentialsDifferentSubjectsDontCollide(t *testing.T) {
	s := newTestStore(t)
	s.SetMasterKey(make([]byte, 32))
	ctx := context.Background()
	u1 := createTestUser(t, s)
	u2, err := s.CreateUser(ctx, domain.User{Username: "bob", WeekStartDay: domain.WeekStartMonday, Timezone: "UTC"})
	require.NoError(t, err)

	require.NoError(t, s.UpsertPluginConnection(ctx, domain.PluginConnection{
		UserID: u1.ID, PluginID: "fitbit", Credentials: domain.PluginCredentials{AccessToken: "same-secret"},
	}))
	require.NoError(t, s.UpsertPluginConnection(ctx, domain.PluginConnection{
		UserID: u2.ID, PluginID: "fitbit", Credentials: domain.PluginCredentials{AccessToken: "same-secret"},
	}))

	var a, b string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT access_token FROM plugin_connections WHERE user_id = ?`, u1.ID).Scan(&a))
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT access_token FROM plugin_connections WHERE user_id = ?`, u2.ID).Scan(&b))
	assert.NotEqual(t, a, b, "same plaintext under different subjects must yield different envelopes")
}
