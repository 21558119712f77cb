package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"opengrid.ai/internal/auditlog"
	"opengrid.ai/internal/config"
	"opengrid.ai/internal/gatekeeper"
	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/handoff"
	"opengrid.ai/internal/presence"
	"opengrid.ai/internal/resolve"
	"opengrid.ai/internal/scene"
	"opengrid.ai/internal/transport/agentrpc"
	"opengrid.ai/internal/transport/viewer"
)

// runtime holds everything one simulator process serves.
type runtime struct {
	cfg    config.Config
	scope  uuid.UUID
	logger *zap.Logger

	store    *grid.SQLiteStore
	presence presence.Store
	scenes   *scene.Manager
	audit    *auditlog.Log
	metrics  *handoff.Metrics
	registry *prometheus.Registry
	hub      *viewer.Hub
	svc      *handoff.Service
	arrivals *handoff.Arrivals
	gk       *gatekeeper.Handler

	closers []func() error
}

func newRuntime(cfg config.Config, logger *zap.Logger) (*runtime, error) {
	scope, err := uuid.Parse(cfg.Grid.ScopeID)
	if err != nil {
		return nil, fmt.Errorf("grid.scope_id: %w", err)
	}
	rt := &runtime{cfg: cfg, scope: scope, logger: logger}
	if err := rt.open(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open() error {
	cfg := rt.cfg
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	store, err := grid.OpenSQLite(filepath.Join(cfg.DataDir, "grid", "grid.sqlite"))
	if err != nil {
		return fmt.Errorf("open grid db: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	var local []grid.Region
	for _, r := range grid.RegionsFromConfig(cfg) {
		if err := store.UpsertRegion(context.Background(), r); err != nil {
			return fmt.Errorf("register region %s: %w", r.Name, err)
		}
		if r.ServerURI == cfg.Host.ServerURI {
			local = append(local, r)
		}
	}
	rt.closers = append(rt.closers, func() error {
		var errs []error
		for _, r := range local {
			if err := store.DeleteRegion(context.Background(), r.ID); err != nil {
				errs = append(errs, fmt.Errorf("deregister region %s: %w", r.Name, err))
			}
		}
		return errors.Join(errs...)
	})

	if cfg.Redis.Addr != "" {
		rs, err := presence.NewRedisStore(cfg.Redis, rt.logger)
		if err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		rt.presence = rs
		rt.closers = append(rt.closers, rs.Close)
	} else {
		rt.presence = presence.NewMemory()
	}

	auditDir := ""
	if cfg.Handoff.Audit {
		auditDir = cfg.DataDir
	}
	rt.audit = auditlog.New(auditDir, rt.logger)
	rt.closers = append(rt.closers, rt.audit.Close)

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics = handoff.NewMetrics(rt.registry)

	rt.scenes = scene.NewManager(local, cfg.Handoff.MaxAgents, rt.logger)
	for _, sc := range rt.scenes.Scenes() {
		promauto.With(rt.registry).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "opengrid",
			Name:        "scene_agents",
			Help:        "Agents present in a region, child agents included.",
			ConstLabels: prometheus.Labels{"region": sc.Region().Name},
		}, func() float64 { return float64(len(sc.Agents())) })
	}

	httpClient := &http.Client{}
	linker := gatekeeper.NewClient(httpClient, cfg.Timeouts.Gatekeeper(), rt.logger)
	resolver := resolve.New(store, store, linker, rt.scope, cfg.Grid.GatekeeperURI, rt.logger)
	remote := agentrpc.NewClient(httpClient, cfg.Timeouts, rt.metrics, rt.logger)

	rt.hub = viewer.NewHub(rt.scenes, nil, rt.logger)
	rt.svc = handoff.New(handoff.Options{
		ServerURI:      cfg.Host.ServerURI,
		ScopeID:        rt.scope,
		LegacyTeleport: cfg.Handoff.LegacyTeleport,
		ReleaseTimeout: cfg.Timeouts.Release(),
	}, handoff.Deps{
		Scenes:    rt.scenes,
		Directory: store,
		Resolver:  resolver,
		Remote:    remote,
		Viewer:    rt.hub,
		Presence:  rt.presence,
		Locations: store,
		Audit:     rt.audit,
		Metrics:   rt.metrics,
		Services:  scene.ServicesFromConfig(cfg.Services),
		Logger:    rt.logger,
	})
	rt.hub.SetTeleports(rt.svc)
	rt.arrivals = handoff.NewArrivals(rt.svc, handoff.ArrivalOptions{
		GatekeeperURI:  cfg.Grid.GatekeeperURI,
		AllowForeign:   cfg.Grid.AllowForeignArrivals,
		VerifySessions: cfg.Handoff.VerifySessions,
	})
	if cfg.Grid.Standalone {
		rt.gk = gatekeeper.NewHandler(store, rt.scope, rt.logger)
	}
	return nil
}

// Close releases stores in reverse order of opening.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close", zap.Error(err))
		}
	}
	rt.closers = nil
}

func (rt *runtime) regionNames() []string {
	var out []string
	for _, sc := range rt.scenes.Scenes() {
		out = append(out, sc.Region().Name)
	}
	return out
}
