// Package sync implements component I: the periodic and on-demand
// plugin sync scheduler. Each (user, plugin) tuple is synced under its
// own lock, writing flexible metric values through the store and
// announcing the change to the broadcaster.
package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/events"
	"github.com/zli117/Orbit-sub000/internal/metrics"
	"github.com/zli117/Orbit-sub000/internal/oauthbroker"
	"github.com/zli117/Orbit-sub000/internal/plugins"
	"github.com/zli117/Orbit-sub000/pkg/logger"
)

// lookbackWindow is how far back a periodic sync reaches, per spec.md
// §4.I ("[today − 7 days, today]").
const lookbackWindow = 7 * 24 * time.Hour

// fetchTimeout bounds a single FetchData/RefreshTokens call.
const fetchTimeout = 30 * time.Second

// stepBudget bounds an entire sync step for one (user, plugin) tuple.
const stepBudget = 5 * time.Minute

// store is the subset of *store.Store the scheduler needs.
type store interface {
	ListEnabledPluginConnections(ctx context.Context) ([]domain.PluginConnection, error)
	GetPluginConnection(ctx context.Context, userID, pluginID string) (domain.PluginConnection, bool, error)
	UpsertPluginConnection(ctx context.Context, pc domain.PluginConnection) error
	DisablePluginConnection(ctx context.Context, userID, pluginID string) error
	UpsertMetricValue(ctx context.Context, userID, date, name string, value any, source string) error
}

// configProvider resolves plugin/global config keys, e.g. the
// two-tier configresolver.Resolver.
type configProvider interface {
	Get(ctx context.Context, key string) (value string, present bool, err error)
}

// Scheduler runs plugin syncs on an hourly cron tick and on demand.
type Scheduler struct {
	registry    *plugins.Registry
	store       store
	config      configProvider
	broker      *oauthbroker.Broker
	broadcaster *events.Broadcaster
	log         *logger.Logger

	cron *cron.Cron

	mu      stdsync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      stdsync.WaitGroup

	locksMu stdsync.Mutex
	locks   map[string]*stdsync.Mutex
}

// New constructs a Scheduler. log may be nil, in which case a default
// logger is used.
func New(registry *plugins.Registry, st store, config configProvider, broker *oauthbroker.Broker, broadcaster *events.Broadcaster, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Scheduler{
		registry:    registry,
		store:       st,
		config:      config,
		broker:      broker,
		broadcaster: broadcaster,
		log:         log,
		cron:        cron.New(),
		locks:       map[string]*stdsync.Mutex{},
	}
}

// Start registers the hourly cron entry and begins running it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	if _, err := s.cron.AddFunc("@hourly", func() { s.runAll(runCtx) }); err != nil {
		return apperr.New("sync.Start", apperr.KindInternal, err)
	}
	s.cron.Start()

	s.log.Info("sync scheduler started")
	return nil
}

// Stop halts the cron loop and waits, up to ctx's deadline, for any
// in-flight sync steps to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
	if cancel != nil {
		cancel()
	}

	s.log.Info("sync scheduler stopped")
	return nil
}

// runAll fans the periodic tick out across every enabled connection,
// each in its own goroutine, bounded by the outer scheduler context.
func (s *Scheduler) runAll(ctx context.Context) {
	conns, err := s.store.ListEnabledPluginConnections(ctx)
	if err != nil {
		s.log.WithField("error", err).Warn("sync scheduler: list connections failed")
		return
	}

	now := time.Now().UTC()
	start := now.Add(-lookbackWindow).Format("2006-01-02")
	end := now.Format("2006-01-02")

	for _, pc := range conns {
		s.wg.Add(1)
		go func(pc domain.PluginConnection) {
			defer s.wg.Done()
			if err := s.syncOne(ctx, pc.UserID, pc.PluginID, start, end); err != nil {
				s.log.WithField("user_id", pc.UserID).
					WithField("plugin_id", pc.PluginID).
					WithField("error", err).
					Warn("sync step failed")
			}
		}(pc)
	}
}

// SyncNow runs a single on-demand sync for (userID, pluginID) over
// [startDate, endDate]. Dates default to the 7-day periodic window
// when empty.
func (s *Scheduler) SyncNow(ctx context.Context, userID, pluginID, startDate, endDate string) error {
	if startDate == "" || endDate == "" {
		now := time.Now().UTC()
		startDate = now.Add(-lookbackWindow).Format("2006-01-02")
		endDate = now.Format("2006-01-02")
	}
	return s.syncOne(ctx, userID, pluginID, startDate, endDate)
}

func (s *Scheduler) tupleLock(userID, pluginID string) *stdsync.Mutex {
	key := userID + "|" + pluginID
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &stdsync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// syncOne runs steps 1-6 of spec.md §4.I for a single (user, plugin)
// tuple, serialized by the tuple's lock.
func (s *Scheduler) syncOne(ctx context.Context, userID, pluginID, startDate, endDate string) (err error) {
	const op = "sync.syncOne"

	lock := s.tupleLock(userID, pluginID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() { metrics.RecordSyncStep(pluginID, time.Since(start), err == nil) }()

	ctx, cancel := context.WithTimeout(ctx, stepBudget)
	defer cancel()

	plugin, ok := s.registry.Get(pluginID)
	if !ok {
		return apperr.New(op, apperr.KindNotFound, fmt.Errorf("unknown plugin %q", pluginID))
	}

	pc, ok, err := s.store.GetPluginConnection(ctx, userID, pluginID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	if !ok || !pc.Enabled {
		return nil
	}

	config, err := s.buildConfigSnapshot(ctx, plugin)
	if err != nil {
		return err
	}

	creds := plugins.Credentials{
		AccessToken:  pc.Credentials.AccessToken,
		RefreshToken: pc.Credentials.RefreshToken,
		ExpiresAt:    pc.Credentials.ExpiresAt,
		TokenType:    pc.Credentials.TokenType,
		Scope:        pc.Credentials.Scope,
	}

	// Step 1: refresh if expired or near-expired.
	refreshCtx, refreshCancel := context.WithTimeout(ctx, fetchTimeout)
	refreshed, err := s.broker.Refresh(refreshCtx, pluginID, config, creds, time.Now())
	refreshCancel()
	if err != nil {
		if apperr.IsRefreshFailed(err) {
			_ = s.store.DisablePluginConnection(ctx, userID, pluginID)
			return nil
		}
		return err
	}
	if refreshed != creds {
		pc.Credentials = domain.PluginCredentials{
			AccessToken:  refreshed.AccessToken,
			RefreshToken: refreshed.RefreshToken,
			ExpiresAt:    refreshed.ExpiresAt,
			TokenType:    refreshed.TokenType,
			Scope:        refreshed.Scope,
		}
		creds = refreshed
		if err := s.store.UpsertPluginConnection(ctx, pc); err != nil {
			return apperr.New(op, apperr.KindInternal, err)
		}
	}

	// Step 2: fetch.
	fields := make([]string, 0, len(plugin.AvailableFields()))
	for _, f := range plugin.AvailableFields() {
		fields = append(fields, f.ID)
	}
	fetchCtx, fetchCancel := context.WithTimeout(ctx, fetchTimeout)
	records, err := plugin.FetchData(fetchCtx, config, creds, startDate, endDate, fields)
	fetchCancel()
	if err != nil {
		return apperr.New(op, apperr.KindExternal, err)
	}
	records = plugins.FilterKnownFields(plugin, records)

	// Step 3: upsert.
	for _, rec := range records {
		for fieldID, value := range rec.Fields {
			name := pluginID + "." + fieldID
			if err := s.store.UpsertMetricValue(ctx, userID, rec.Date, name, value, pluginID); err != nil {
				return apperr.New(op, apperr.KindInternal, err)
			}
		}
	}

	// Step 4: lastSync.
	now := time.Now().UTC()
	pc.LastSync = &now
	if err := s.store.UpsertPluginConnection(ctx, pc); err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}

	// Step 6: enqueue change tags.
	if s.broadcaster != nil {
		s.broadcaster.Publish(userID, events.TagMetrics)
		s.broadcaster.Publish(userID, events.TagDaily)
	}

	return nil
}

func (s *Scheduler) buildConfigSnapshot(ctx context.Context, plugin plugins.Plugin) (plugins.ConfigSnapshot, error) {
	const op = "sync.buildConfigSnapshot"
	snapshot := plugins.ConfigSnapshot{}
	keys := []string{"global.base_url"}
	for _, f := range plugin.AdminConfigFields() {
		keys = append(keys, f.Key)
	}
	for _, key := range keys {
		value, present, err := s.config.Get(ctx, key)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		if present {
			snapshot[key] = value
		}
	}
	return snapshot, nil
}
