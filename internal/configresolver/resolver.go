// Package configresolver implements component B: a two-tier key-value
// lookup (DB-backed, env fallback) with optional secret redaction.
package configresolver

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/store"
)

// configStore is the subset of *store.Store the resolver needs,
// narrow enough to fake in tests.
type configStore interface {
	GetConfigEntry(ctx context.Context, key string) (domain.ConfigEntry, bool, error)
	ListConfigEntries(ctx context.Context) ([]domain.ConfigEntry, error)
	PutConfigEntries(ctx context.Context, entries []domain.ConfigEntry) error
}

// Resolver resolves config keys via the DB first, then an env var
// fallback. Writes invalidate the read-mostly in-memory cache.
type Resolver struct {
	store configStore

	mu    sync.RWMutex
	cache map[string]domain.ConfigEntry
	ready bool
}

// New constructs a Resolver backed by the given store.
func New(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

func (r *Resolver) loadCache(ctx context.Context) error {
	r.mu.RLock()
	if r.ready {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	entries, err := r.store.ListConfigEntries(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]domain.ConfigEntry, len(entries))
	for _, e := range entries {
		r.cache[e.Key] = e
	}
	r.ready = true
	return nil
}

func (r *Resolver) invalidate() {
	r.mu.Lock()
	r.ready = false
	r.cache = nil
	r.mu.Unlock()
}

// envKey maps a config key like "plugin.fitbit.client_id" to the
// corresponding environment variable name, per spec.md §6's
// PLUGIN_<ID>_CLIENT_ID / PLUGIN_<ID>_CLIENT_SECRET convention.
func envKey(key string) (string, bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) == 3 && parts[0] == "plugin" {
		switch parts[2] {
		case "client_id":
			return "PLUGIN_" + strings.ToUpper(parts[1]) + "_CLIENT_ID", true
		case "client_secret":
			return "PLUGIN_" + strings.ToUpper(parts[1]) + "_CLIENT_SECRET", true
		}
	}
	switch key {
	case "global.database_path":
		return "DATABASE_PATH", true
	case "global.admin_username":
		return "ADMIN_USERNAME", true
	case "global.base_url":
		return "PUBLIC_BASE_URL", true
	}
	return "", false
}

// Get resolves key via DB -> env -> absent. present is false only when
// neither tier has a value.
func (r *Resolver) Get(ctx context.Context, key string) (value string, present bool, err error) {
	if err := r.loadCache(ctx); err != nil {
		return "", false, apperr.New("configresolver.Get", apperr.KindInternal, err)
	}

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return entry.Value, true, nil
	}

	if envName, hasEnv := envKey(key); hasEnv {
		if v, set := os.LookupEnv(envName); set && v != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

// GetAll returns every DB-backed entry. Secret values are redacted
// unless the caller is an admin.
func (r *Resolver) GetAll(ctx context.Context, callerIsAdmin bool) ([]domain.ConfigEntry, error) {
	entries, err := r.store.ListConfigEntries(ctx)
	if err != nil {
		return nil, apperr.New("configresolver.GetAll", apperr.KindInternal, err)
	}
	if callerIsAdmin {
		return entries, nil
	}
	redacted := make([]domain.ConfigEntry, len(entries))
	for i, e := range entries {
		if e.IsSecret {
			e.Value = "********"
		}
		redacted[i] = e
	}
	return redacted, nil
}

// PutMany writes a batch of entries transactionally and invalidates
// the cache.
func (r *Resolver) PutMany(ctx context.Context, entries []domain.ConfigEntry) error {
	if err := r.store.PutConfigEntries(ctx, entries); err != nil {
		return apperr.New("configresolver.PutMany", apperr.KindInternal, err)
	}
	r.invalidate()
	return nil
}
