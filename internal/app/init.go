package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/keycache"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/repository"
)

// initRepository connects to ClickHouse when DB_HOST is set, otherwise
// falls back to an empty in-memory repository (local development / tests).
func (a *App) initRepository(ctx context.Context) error {
	if a.cfg.DB.Host == "" {
		a.log.Warn("DB_HOST not set, using in-memory repository")
		a.repo = repository.NewMemoryRepository(nil)
		return nil
	}

	repoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, err := repository.NewClickHouseRepository(repoCtx, a.cfg.DB)
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}
	a.repo = repo
	a.log.Info("repository connected", slog.String("host", a.cfg.DB.Host))
	return nil
}

// initProviders builds one Provider Adapter per configured provider. Each
// adapter gets two HTTP clients: client bounds fully-buffered calls
// (probes and non-streamed dispatch) end to end, while streamClient
// carries no total timeout and relies on the adapter's per-read idle
// timeout instead (spec §5). Clients are pooled per outbound-proxy
// endpoint, so providers sharing a proxy (or going direct) share one
// connection pool.
func (a *App) initProviders(_ context.Context) error {
	type clientPair struct {
		client, streamClient *http.Client
	}
	byProxy := make(map[string]clientPair)
	pairFor := func(proxyURL string) clientPair {
		if p, ok := byProxy[proxyURL]; ok {
			return p
		}
		p := clientPair{
			client:       providers.NewHTTPClient(proxyURL, 5*time.Second, 60*time.Second),
			streamClient: providers.NewStreamingHTTPClient(proxyURL, 5*time.Second),
		}
		byProxy[proxyURL] = p
		return p
	}

	a.adapters = make(map[string]providers.Adapter, len(a.cfg.Providers))
	for name, pc := range a.cfg.Providers {
		pair := pairFor(pc.ProxyURL)
		adapter, err := providers.New(pc, pair.client, pair.streamClient)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		a.adapters[name] = adapter
	}

	if len(a.adapters) == 0 {
		return fmt.Errorf("no providers configured")
	}

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))
	return nil
}

// initServices creates the Key Cache (and its optional Redis distlock, when
// RedisAddr is configured), the Prometheus registry, and the async dispatch
// logger shared by the gateway and worker run modes.
func (a *App) initServices(ctx context.Context) error {
	a.cache = keycache.New(a.repo)
	a.prom = metrics.New()

	if a.cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.cache.Locker = keycache.NewRedisLock(rdb)
		a.redis = rdb
		a.log.Info("keycache: distributed lock enabled", slog.String("redis_addr", a.cfg.RedisAddr))
	}

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}
