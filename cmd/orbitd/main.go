// Command orbitd runs the HTTP server: goal/task/metric storage, the
// sandboxed query engine, plugin OAuth sync, and the change-event
// stream, all behind a single chi router.
package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/zli117/Orbit-sub000/internal/audit"
	"github.com/zli117/Orbit-sub000/internal/config"
	"github.com/zli117/Orbit-sub000/internal/configresolver"
	"github.com/zli117/Orbit-sub000/internal/events"
	"github.com/zli117/Orbit-sub000/internal/httpapi"
	"github.com/zli117/Orbit-sub000/internal/oauthbroker"
	"github.com/zli117/Orbit-sub000/internal/plugins"
	"github.com/zli117/Orbit-sub000/internal/plugins/fitbit"
	"github.com/zli117/Orbit-sub000/internal/plugins/toggl"
	"github.com/zli117/Orbit-sub000/internal/query"
	"github.com/zli117/Orbit-sub000/internal/store"
	"github.com/zli117/Orbit-sub000/internal/sync"
	"github.com/zli117/Orbit-sub000/internal/templates"
	"github.com/zli117/Orbit-sub000/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.WithField("error", err).Error("failed to open store")
		stdlog.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	masterKey, err := config.MasterKey()
	if err != nil {
		log.WithField("error", err).Error("invalid plugin credentials master key")
		stdlog.Fatalf("config.MasterKey: %v", err)
	}
	st.SetMasterKey(masterKey)

	registry := plugins.NewRegistry(
		fitbit.New(http.DefaultClient),
		toggl.New(http.DefaultClient),
	)

	configResolver := configresolver.New(st)
	templatesEngine := templates.New(st)
	limiter := audit.NewSlidingWindowLimiter()
	executor := query.New(st, limiter)
	broker := oauthbroker.New(registry, http.DefaultClient)
	broadcaster := events.New(30 * time.Second)
	scheduler := sync.New(registry, st, configResolver, broker, broadcaster, log)

	server := httpapi.New(st, templatesEngine, configResolver, registry, broker, scheduler, broadcaster, executor, cfg.PublicBaseURL, log)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx); err != nil {
		log.WithField("error", err).Error("failed to start sync scheduler")
		stdlog.Fatalf("scheduler.Start: %v", err)
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("orbitd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("http server shutdown error")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("sync scheduler shutdown error")
	}
	broadcaster.Close()
}
