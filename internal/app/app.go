// Package app wires up all subsystems and owns the application lifecycle,
// for both the `gateway` and `worker` CLI subcommands.
//
// Startup order mirrors the teacher's initInfra → initProviders →
// initServices → initGateway sequence, generalized to this gateway's
// components:
//  1. initRepository — ClickHouse or in-memory Repository (C6)
//  2. initProviders  — Provider Adapters (C1), one per configured provider
//  3. initServices   — Key Cache (C3), metrics registry, async dispatch logger
//  4. NewGateway / NewWorker — Dispatch Engine (C4) + HTTP server, or Probe Engine (C5)
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/httpserver"
	"github.com/nulpointcorp/llm-gateway/internal/keeper"
	"github.com/nulpointcorp/llm-gateway/internal/keycache"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/repository"
)

// App owns all long-lived resources for one process. Which of Conductor /
// Keeper is non-nil depends on which CLI subcommand constructed it.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	repo      repository.Repository
	reqLogger *logger.Logger
	prom      *metrics.Registry
	cache     *keycache.Cache
	adapters  map[string]providers.Adapter
	redis     *redis.Client

	conductor *dispatch.Conductor
	srv       *httpserver.Server

	kpr *keeper.Keeper
}

// NewGateway initializes an App ready to serve the Dispatch Engine's HTTP
// surface (the `gateway` subcommand).
func NewGateway(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	a, err := newBase(ctx, cfg, log, version)
	if err != nil {
		return nil, err
	}

	a.conductor = &dispatch.Conductor{
		Providers:   a.cfg.Providers,
		Adapters:    a.adapters,
		Cache:       a.cache,
		Metrics:     a.prom,
		Log:         a.log,
		MaxAttempts: a.cfg.Gateway.MaxAttempts,
	}

	a.srv = &httpserver.Server{
		Conductor:      a.conductor,
		Repo:           a.repo,
		Metrics:        a.prom,
		Log:            a.log,
		ReqLogger:      a.reqLogger,
		GeminiProvider: firstGeminiProvider(a.cfg.Providers),
		CORSOrigins:    a.cfg.Gateway.CORSOrigins,
		AuthToken:      a.cfg.Gateway.AuthToken,
	}

	a.startPoolSizeReporter(ctx)

	return a, nil
}

// NewWorker initializes an App ready to run the Probe Engine (the `worker`
// subcommand).
func NewWorker(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	a, err := newBase(ctx, cfg, log, version)
	if err != nil {
		return nil, err
	}

	probeClients := make(map[string]*http.Client, len(a.cfg.Providers))
	byProxy := make(map[string]*http.Client)
	for name, pc := range a.cfg.Providers {
		c, ok := byProxy[pc.ProxyURL]
		if !ok {
			c = providers.NewHTTPClient(pc.ProxyURL, 5*time.Second, 30*time.Second)
			byProxy[pc.ProxyURL] = c
		}
		probeClients[name] = c
	}

	a.kpr = &keeper.Keeper{
		Providers:   a.cfg.Providers,
		Adapters:    a.adapters,
		Repo:        a.repo,
		Metrics:     a.prom,
		Log:         a.log,
		Client:      providers.NewHTTPClient("", 5*time.Second, 30*time.Second),
		Clients:     probeClients,
		IntervalSec: a.cfg.Worker.IntervalSec,
		Concurrency: a.cfg.Worker.Concurrency,
	}

	return a, nil
}

// newBase runs the subsystem init shared by both subcommands.
func newBase(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"repository", a.initRepository},
		{"providers", a.initProviders},
		{"services", a.initServices},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server (gateway mode) or the probe scheduler (worker
// mode) and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	switch {
	case a.srv != nil:
		a.log.Info("starting gateway",
			slog.String("version", a.version),
			slog.String("listen", a.cfg.Gateway.Listen),
			slog.Int("providers", len(a.cfg.Providers)),
		)
		g.Go(func() error {
			return a.srv.ListenAndServe(a.cfg.Gateway.Listen)
		})

	case a.kpr != nil:
		a.log.Info("starting worker",
			slog.String("version", a.version),
			slog.Int("providers", len(a.cfg.Providers)),
		)
		g.Go(func() error {
			return a.kpr.Run(gctx)
		})

	default:
		return fmt.Errorf("app: neither gateway nor worker was initialized")
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources. Safe to call multiple times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if closer, ok := a.repo.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			a.log.Error("repository close error", slog.String("error", err.Error()))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.redis = nil
	}
}

// startPoolSizeReporter periodically refreshes the gateway_key_pool_size
// gauge so /metrics reflects the Key Cache without a probe having run.
func (a *App) startPoolSizeReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, prov := range a.cfg.Providers {
					for _, model := range prov.Models {
						size := a.cache.Size(prov, model)
						a.prom.SetKeyPoolSize(name, prov.ResolvedModel(model), size)
					}
				}
			}
		}
	}()
}

func firstGeminiProvider(provs map[string]gwtypes.ProviderConfig) string {
	for name, p := range provs {
		if p.Kind == gwtypes.KindGemini {
			return name
		}
	}
	return ""
}
