package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/events"
	"github.com/zli117/Orbit-sub000/internal/oauthbroker"
	"github.com/zli117/Orbit-sub000/internal/plugins"
)

type fakePlugin struct {
	id           string
	fields       []plugins.AvailableField
	fetchRecords []plugins.DayRecord
	fetchErr     error
	refreshCreds plugins.Credentials
	refreshErr   error

	inflight  int32
	maxInFlight int32
	fetchDelay  time.Duration
}

func (p *fakePlugin) ID() string          { return p.id }
func (p *fakePlugin) Name() string        { return p.id }
func (p *fakePlugin) Description() string { return "" }
func (p *fakePlugin) Icon() string        { return "" }
func (p *fakePlugin) AdminConfigFields() []plugins.AdminConfigField {
	return []plugins.AdminConfigField{{Key: p.id + ".client_id"}}
}
func (p *fakePlugin) SetupInfo(plugins.ConfigSnapshot) []plugins.SetupStep { return nil }
func (p *fakePlugin) IsConfigured(plugins.ConfigSnapshot) bool             { return true }
func (p *fakePlugin) OAuthConfig(plugins.ConfigSnapshot) plugins.OAuthConfig {
	return plugins.OAuthConfig{}
}
func (p *fakePlugin) AvailableFields() []plugins.AvailableField { return p.fields }
func (p *fakePlugin) ValidateCredentials(context.Context, plugins.Credentials) (bool, error) {
	return true, nil
}
func (p *fakePlugin) RefreshTokens(context.Context, plugins.ConfigSnapshot, plugins.Credentials) (plugins.Credentials, error) {
	return p.refreshCreds, p.refreshErr
}
func (p *fakePlugin) FetchData(ctx context.Context, config plugins.ConfigSnapshot, creds plugins.Credentials, startDate, endDate string, fields []string) ([]plugins.DayRecord, error) {
	cur := atomic.AddInt32(&p.inflight, 1)
	for {
		max := atomic.LoadInt32(&p.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&p.maxInFlight, max, cur) {
			break
		}
	}
	if p.fetchDelay > 0 {
		time.Sleep(p.fetchDelay)
	}
	atomic.AddInt32(&p.inflight, -1)
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.fetchRecords, nil
}

type fakeSyncStore struct {
	conns map[string]domain.PluginConnection
	metrics map[string]any // key: user|date|name
	disabled map[string]bool
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{conns: map[string]domain.PluginConnection{}, metrics: map[string]any{}, disabled: map[string]bool{}}
}

func connKey(userID, pluginID string) string { return userID + "|" + pluginID }

func (f *fakeSyncStore) ListEnabledPluginConnections(ctx context.Context) ([]domain.PluginConnection, error) {
	var out []domain.PluginConnection
	for _, pc := range f.conns {
		if pc.Enabled {
			out = append(out, pc)
		}
	}
	return out, nil
}
func (f *fakeSyncStore) GetPluginConnection(ctx context.Context, userID, pluginID string) (domain.PluginConnection, bool, error) {
	pc, ok := f.conns[connKey(userID, pluginID)]
	return pc, ok, nil
}
func (f *fakeSyncStore) UpsertPluginConnection(ctx context.Context, pc domain.PluginConnection) error {
	f.conns[connKey(pc.UserID, pc.PluginID)] = pc
	return nil
}
func (f *fakeSyncStore) DisablePluginConnection(ctx context.Context, userID, pluginID string) error {
	key := connKey(userID, pluginID)
	f.disabled[key] = true
	pc := f.conns[key]
	pc.Enabled = false
	f.conns[key] = pc
	return nil
}
func (f *fakeSyncStore) UpsertMetricValue(ctx context.Context, userID, date, name string, value any, source string) error {
	f.metrics[userID+"|"+date+"|"+name] = value
	return nil
}

type fakeConfig struct{ values map[string]string }

func (f *fakeConfig) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func newScheduler(st *fakeSyncStore, cfg *fakeConfig, registry *plugins.Registry, broadcaster *events.Broadcaster) *Scheduler {
	broker := oauthbroker.New(registry, nil)
	return New(registry, st, cfg, broker, broadcaster, nil)
}

func TestSyncNowUpsertsMetricValuesAndPublishes(t *testing.T) {
	plugin := &fakePlugin{
		id:     "fitbit",
		fields: []plugins.AvailableField{{ID: "steps"}},
		fetchRecords: []plugins.DayRecord{
			{Date: "2025-06-01", Fields: map[string]any{"steps": 1000.0}},
		},
	}
	registry := plugins.NewRegistry(plugin)
	st := newFakeSyncStore()
	st.conns[connKey("u1", "fitbit")] = domain.PluginConnection{UserID: "u1", PluginID: "fitbit", Enabled: true}
	cfg := &fakeConfig{values: map[string]string{"global.base_url": "https://orbit.example"}}
	b := events.New(30 * time.Second)
	defer b.Close()
	ch, unsub := b.Subscribe("u1")
	defer unsub()

	s := newScheduler(st, cfg, registry, b)
	err := s.SyncNow(context.Background(), "u1", "fitbit", "2025-06-01", "2025-06-01")
	require.NoError(t, err)

	assert.Equal(t, 1000.0, st.metrics["u1|2025-06-01|fitbit.steps"])
	assert.NotNil(t, st.conns[connKey("u1", "fitbit")].LastSync)

	tags := map[events.ChangeTag]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			tags[ev.Tag] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change tag")
		}
	}
	assert.True(t, tags[events.TagMetrics])
	assert.True(t, tags[events.TagDaily])
}

func TestSyncNowSkipsDisabledConnection(t *testing.T) {
	plugin := &fakePlugin{id: "fitbit", fields: []plugins.AvailableField{{ID: "steps"}}}
	registry := plugins.NewRegistry(plugin)
	st := newFakeSyncStore()
	st.conns[connKey("u1", "fitbit")] = domain.PluginConnection{UserID: "u1", PluginID: "fitbit", Enabled: false}
	cfg := &fakeConfig{}

	s := newScheduler(st, cfg, registry, nil)
	err := s.SyncNow(context.Background(), "u1", "fitbit", "2025-06-01", "2025-06-01")
	require.NoError(t, err)
	assert.Zero(t, plugin.inflight)
	assert.Len(t, st.metrics, 0)
}

func TestSyncNowRefreshesNearExpiryCredentials(t *testing.T) {
	now := time.Now()
	plugin := &fakePlugin{
		id:           "fitbit",
		fields:       []plugins.AvailableField{{ID: "steps"}},
		fetchRecords: nil,
		refreshCreds: plugins.Credentials{AccessToken: "new-tok", ExpiresAt: now.Add(time.Hour).Unix()},
	}
	registry := plugins.NewRegistry(plugin)
	st := newFakeSyncStore()
	st.conns[connKey("u1", "fitbit")] = domain.PluginConnection{
		UserID: "u1", PluginID: "fitbit", Enabled: true,
		Credentials: domain.PluginCredentials{AccessToken: "old-tok", ExpiresAt: now.Add(10 * time.Second).Unix()},
	}
	cfg := &fakeConfig{}

	s := newScheduler(st, cfg, registry, nil)
	err := s.SyncNow(context.Background(), "u1", "fitbit", "2025-06-01", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, "new-tok", st.conns[connKey("u1", "fitbit")].Credentials.AccessToken)
}

func TestSyncNowDisablesConnectionOnRefreshFailure(t *testing.T) {
	now := time.Now()
	plugin := &fakePlugin{
		id:         "fitbit",
		fields:     []plugins.AvailableField{{ID: "steps"}},
		refreshErr: assertErr{},
	}
	registry := plugins.NewRegistry(plugin)
	st := newFakeSyncStore()
	st.conns[connKey("u1", "fitbit")] = domain.PluginConnection{
		UserID: "u1", PluginID: "fitbit", Enabled: true,
		Credentials: domain.PluginCredentials{AccessToken: "old-tok", ExpiresAt: now.Add(10 * time.Second).Unix()},
	}
	cfg := &fakeConfig{}

	s := newScheduler(st, cfg, registry, nil)
	err := s.SyncNow(context.Background(), "u1", "fitbit", "2025-06-01", "2025-06-01")
	require.NoError(t, err)
	assert.True(t, st.disabled[connKey("u1", "fitbit")])
	assert.Zero(t, plugin.inflight)
}

func TestSyncNowDropsUnknownFields(t *testing.T) {
	plugin := &fakePlugin{
		id:     "fitbit",
		fields: []plugins.AvailableField{{ID: "steps"}},
		fetchRecords: []plugins.DayRecord{
			{Date: "2025-06-01", Fields: map[string]any{"steps": 500.0, "unknownField": 7.0}},
		},
	}
	registry := plugins.NewRegistry(plugin)
	st := newFakeSyncStore()
	st.conns[connKey("u1", "fitbit")] = domain.PluginConnection{UserID: "u1", PluginID: "fitbit", Enabled: true}
	cfg := &fakeConfig{}

	s := newScheduler(st, cfg, registry, nil)
	err := s.SyncNow(context.Background(), "u1", "fitbit", "2025-06-01", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 500.0, st.metrics["u1|2025-06-01|fitbit.steps"])
	_, ok := st.metrics["u1|2025-06-01|fitbit.unknownField"]
	assert.False(t, ok)
}

func TestSyncNowSerializesSameTuple(t *testing.T) {
	plugin := &fakePlugin{
		id:         "fitbit",
		fields:     []plugins.AvailableField{{ID: "steps"}},
		fetchDelay: 20 * time.Millisecond,
	}
	registry := plugins.NewRegistry(plugin)
	st := newFakeSyncStore()
	st.conns[connKey("u1", "fitbit")] = domain.PluginConnection{UserID: "u1", PluginID: "fitbit", Enabled: true}
	cfg := &fakeConfig{}

	s := newScheduler(st, cfg, registry, nil)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = s.SyncNow(context.Background(), "u1", "fitbit", "2025-06-01", "2025-06-01")
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	assert.EqualValues(t, 1, plugin.maxInFlight)
}

type assertErr struct{}

func (assertErr) Error() string { return "refresh failed" }
