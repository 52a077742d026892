package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"catalog-sync-service/internal/api"
	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/connector/rest"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/mapping"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/notify"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/policy"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

// app holds the wired service components.
type app struct {
	cfg        *config.Config
	store      store.Store
	registry   *platform.Registry
	mappings   *mapping.Table
	policies   *policy.Holder
	inbox      *notify.InAppSender
	dispatcher *notify.Dispatcher
	registerer *prometheus.Registry
	manager    *sync.Manager
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.New(cfg.StateStorage)
	if err != nil {
		return nil, fmt.Errorf("failed to init state store: %w", err)
	}

	registry := platform.NewRegistry(st, rest.NewFactory(cfg.Platforms))
	if err := registry.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}
	registry.RefreshAll(ctx)

	mappings := mapping.NewTable(st, registry)
	if err := mappings.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}

	policies, err := policy.NewHolder(ctx, st, registry)
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	inbox := notify.NewInAppSender(cfg.Notifications.InboxSize)
	dispatcher := notify.NewDispatcher(st, notify.NewSenders(cfg.Notifications, inbox), m)

	manager := sync.NewManager(cfg.Sync, sync.Dependencies{
		Policies:  policies,
		Platforms: registry,
		Mappings:  mappings,
		Catalog:   st,
		Runs:      st,
		Conflicts: st,
		Notifier:  dispatcher,
		Observer:  m,
	})

	return &app{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		mappings:   mappings,
		policies:   policies,
		inbox:      inbox,
		dispatcher: dispatcher,
		registerer: reg,
		manager:    manager,
	}, nil
}

func (a *app) handler() http.Handler {
	h := api.NewHandler(a.cfg.Server, api.Dependencies{
		Sync:      a.manager,
		Platforms: a.registry,
		Mappings:  a.mappings,
		Policy:    a.policies,
		Rules:     a.dispatcher,
		Inbox:     a.inbox,
		Records:   a.store,
		Metrics:   promhttp.HandlerFor(a.registerer, promhttp.HandlerOpts{}),
	})
	return h.Routes()
}

func (a *app) Close() {
	a.manager.Close()
	if err := a.store.Close(); err != nil {
		logger.Log.Warn("Failed to close state store", zap.Error(err))
	}
}
