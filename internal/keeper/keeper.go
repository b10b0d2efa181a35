// Package keeper implements the Probe Engine (C5, "Keeper"): a scheduler
// running one independent ticker-driven task per provider×model, probing
// every known key in rotation, running the §4.5 verification loop on
// transient failures, and applying the resulting penalty through the
// Repository.
//
// The scheduler shape — a ticker loop spawning bounded parallel probes via
// a semaphore, one goroutine-tree per top-level unit — is grounded on the
// teacher's internal/proxy/healthchecker.go, generalized from "probe each
// provider once per cycle" to "probe each key of each provider×model in
// rotation, with a verification sub-loop on transient failure".
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/classify"
	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/penalty"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/repository"
	"golang.org/x/sync/semaphore"
)

// defaultIntervalSec is used when Keeper.IntervalSec (worker.interval_sec) is unset.
const defaultIntervalSec = 300

// defaultConcurrency is the per-provider in-flight probe cap (spec §4.5).
const defaultConcurrency = 8

// Keeper runs the background probe schedulers for every configured
// provider. One Keeper instance is constructed at startup and Run until
// ctx is cancelled.
type Keeper struct {
	Providers   map[string]gwtypes.ProviderConfig
	Adapters    map[string]providers.Adapter
	Repo        repository.Repository
	Metrics     *metrics.Registry
	Log         *slog.Logger
	Client      *http.Client            // shared HTTP client for probe requests
	Clients     map[string]*http.Client // optional per-provider override (outbound proxy binding)
	IntervalSec int                     // global default; 0 means defaultIntervalSec
	Concurrency int                     // per-provider in-flight probe cap; 0 means defaultConcurrency
}

func (k *Keeper) httpClient(provider string) *http.Client {
	if c, ok := k.Clients[provider]; ok && c != nil {
		return c
	}
	if k.Client != nil {
		return k.Client
	}
	return http.DefaultClient
}

// Run starts one scheduler goroutine per provider×model and blocks until
// ctx is cancelled, at which point all schedulers stop and Run returns.
func (k *Keeper) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for name, prov := range k.Providers {
		adapter, ok := k.Adapters[name]
		if !ok {
			k.logger().Warn("keeper: no adapter for provider, skipping", slog.String("provider", name))
			continue
		}
		models := prov.Models
		if prov.SharedKeyStatus {
			// Shared-status providers probe one representative model per
			// cycle (spec §4.5); the first configured model stands in.
			if len(models) > 0 {
				models = models[:1]
			}
		}
		for _, model := range models {
			wg.Add(1)
			go func(prov gwtypes.ProviderConfig, adapter providers.Adapter, model string) {
				defer wg.Done()
				k.runScheduler(ctx, prov, adapter, model)
			}(prov, adapter, model)
		}
	}

	wg.Wait()
	return nil
}

func (k *Keeper) logger() *slog.Logger {
	if k.Log != nil {
		return k.Log
	}
	return slog.Default()
}

// runScheduler is the per-provider×model ticker loop.
func (k *Keeper) runScheduler(ctx context.Context, prov gwtypes.ProviderConfig, adapter providers.Adapter, model string) {
	interval := k.IntervalSec
	if interval <= 0 {
		interval = defaultIntervalSec
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	// Run one cycle immediately on startup rather than waiting a full
	// interval for the first health picture.
	k.runCycle(ctx, prov, adapter, model)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.runCycle(ctx, prov, adapter, model)
		}
	}
}

// runCycle probes every known key for (provider, model) with at most
// k.Concurrency in-flight probes (defaultConcurrency when unset).
func (k *Keeper) runCycle(ctx context.Context, prov gwtypes.ProviderConfig, adapter providers.Adapter, model string) {
	resolvedModel := prov.ResolvedModel(model)
	rows, err := k.Repo.ListAll(ctx, prov.Name, resolvedModel)
	if err != nil {
		k.logger().Error("keeper: list_all failed", slog.String("provider", prov.Name), slog.String("error", err.Error()))
		return
	}

	concurrency := int64(k.Concurrency)
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	sem := semaphore.NewWeighted(concurrency)
	var wg sync.WaitGroup
	for _, row := range rows {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // ctx cancelled
		}
		wg.Add(1)
		go func(row gwtypes.KeyRow) {
			defer wg.Done()
			defer sem.Release(1)
			k.safeProbeKey(ctx, prov, adapter, model, row)
		}(row)
	}
	wg.Wait()
}

// safeProbeKey runs probeKey with panic isolation: a panic probing one key
// must never take down the scheduler or any other key's probe (spec §7). A
// recovered panic is logged and the key is penalized as UNKNOWN, same as any
// other unclassifiable probe failure.
func (k *Keeper) safeProbeKey(ctx context.Context, prov gwtypes.ProviderConfig, adapter providers.Adapter, model string, row gwtypes.KeyRow) {
	defer func() {
		if r := recover(); r != nil {
			k.logger().Error("keeper: probe panicked",
				slog.String("provider", prov.Name),
				slog.String("model", model),
				slog.Any("panic", r),
			)
			k.penalize(ctx, prov, row.KeyHash, prov.ResolvedModel(model), gwtypes.Unknown)
		}
	}()
	k.probeKey(ctx, prov, adapter, model, row)
}

// probeKey implements the §4.5 per-key probe protocol end to end,
// including the verification loop on transient failures.
func (k *Keeper) probeKey(ctx context.Context, prov gwtypes.ProviderConfig, adapter providers.Adapter, model string, row gwtypes.KeyRow) {
	resolvedModel := prov.ResolvedModel(model)

	result := k.probe(ctx, prov, adapter, row.Key, model)
	k.Metrics.RecordWorkerProbe(prov.Name, probeMetricLabel(result))

	if result.OK {
		k.markValid(ctx, prov.Name, row, resolvedModel)
		return
	}

	if gwtypes.Fatal[result.Reason] {
		k.penalize(ctx, prov, row.KeyHash, resolvedModel, result.Reason)
		return
	}

	if gwtypes.Retryable[result.Reason] {
		k.verify(ctx, prov, adapter, row, model, resolvedModel)
		return
	}

	// BAD_REQUEST or UNKNOWN: no verification loop, on_other_error_hr.
	k.penalize(ctx, prov, row.KeyHash, resolvedModel, result.Reason)
}

// verify runs the bounded sleep/re-probe sequence of spec §4.5 step 4.
func (k *Keeper) verify(ctx context.Context, prov gwtypes.ProviderConfig, adapter providers.Adapter, row gwtypes.KeyRow, model, resolvedModel string) {
	attempts := penalty.VerificationAttempts(prov.WorkerHealth)
	delay := penalty.VerificationDelay(prov.WorkerHealth)

	lastReason := gwtypes.ServerError
	for i := 0; i < attempts; i++ {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		result := k.probe(ctx, prov, adapter, row.Key, model)
		k.Metrics.RecordWorkerProbe(prov.Name, probeMetricLabel(result))
		if result.OK {
			k.markValid(ctx, prov.Name, row, resolvedModel)
			return
		}
		lastReason = result.Reason
	}

	k.penalize(ctx, prov, row.KeyHash, resolvedModel, lastReason)
}

// probe issues build_probe_request and classifies the result via C2, using
// the provider's own configured rules exactly as the dispatch path does.
func (k *Keeper) probe(ctx context.Context, prov gwtypes.ProviderConfig, adapter providers.Adapter, key, model string) gwtypes.CheckResult {
	req, err := adapter.BuildProbeRequest(ctx, key, model)
	if err != nil {
		return gwtypes.CheckResult{OK: false, Reason: gwtypes.Unknown}
	}

	start := time.Now()
	resp, err := k.httpClient(prov.Name).Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		reason := classify.ClassifyTransport(errors.Is(err, context.DeadlineExceeded))
		return gwtypes.CheckResult{OK: false, Reason: reason, LatencyMs: latency}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// A 2xx is success unless a rule explicitly targets this status —
		// some providers report errors inside a 200 body (spec §8), and only
		// a configured rule may reinterpret that.
		if prov.Gateway.ErrorParsing.Enabled && hasRuleForStatus(prov.Gateway.ErrorParsing.Rules, resp.StatusCode) {
			needsPath := providers.NeedsPathTraversal(prov.Gateway.ErrorParsing.Rules)
			body, _ := providers.ReadErrorBody(resp.Body, needsPath)
			extracted := providers.ExtractError(providers.ContentType(resp.Header), body)
			if reason, matched := classify.Match(resp.StatusCode, extracted.Parsed, prov.Gateway.ErrorParsing.Rules); matched {
				return gwtypes.CheckResult{OK: false, StatusCode: resp.StatusCode, Reason: reason, LatencyMs: latency}
			}
		}
		return gwtypes.CheckResult{OK: true, StatusCode: resp.StatusCode, LatencyMs: latency}
	}

	needsPath := providers.NeedsPathTraversal(prov.Gateway.ErrorParsing.Rules)
	body, _ := providers.ReadErrorBody(resp.Body, needsPath)
	extracted := providers.ExtractError(providers.ContentType(resp.Header), body)
	reason := classify.Classify(resp.StatusCode, extracted.Parsed, prov.Gateway.ErrorParsing.Enabled, prov.Gateway.ErrorParsing.Rules)
	return gwtypes.CheckResult{OK: false, StatusCode: resp.StatusCode, Reason: reason, LatencyMs: latency}
}

func hasRuleForStatus(rules []gwtypes.ErrorParsingRule, status int) bool {
	for _, r := range rules {
		if r.StatusCode == status {
			return true
		}
	}
	return false
}

// markValid transitions the key to VALID, clearing any penalty. When the
// row is already VALID with no penalty there is nothing to transition, so
// only last_checked_at is stamped (touch_checked, spec §4.6).
func (k *Keeper) markValid(ctx context.Context, provider string, row gwtypes.KeyRow, resolvedModel string) {
	if row.Status == gwtypes.StatusValid && row.PenaltyUntil == nil {
		if err := k.Repo.TouchChecked(ctx, provider, row.KeyHash, resolvedModel, time.Now()); err != nil {
			k.logger().Error("keeper: touch_checked failed", slog.String("provider", provider), slog.String("error", err.Error()))
		}
		return
	}
	if err := k.Repo.UpdateKeyStatus(ctx, provider, row.KeyHash, resolvedModel, gwtypes.StatusValid, "", nil); err != nil {
		k.logger().Error("keeper: update_key_status(VALID) failed", slog.String("provider", provider), slog.String("error", err.Error()))
	}
}

func (k *Keeper) penalize(ctx context.Context, prov gwtypes.ProviderConfig, keyHash, resolvedModel string, reason gwtypes.ErrorReason) {
	dur := penalty.Resolve(reason, prov.WorkerHealth)
	until := time.Now().Add(dur)
	status := penalty.StatusForReason(reason)
	if err := k.Repo.UpdateKeyStatus(ctx, prov.Name, keyHash, resolvedModel, status, reason, &until); err != nil {
		k.logger().Error("keeper: update_key_status(penalize) failed", slog.String("provider", prov.Name), slog.String("error", err.Error()))
	}
}

func probeMetricLabel(r gwtypes.CheckResult) string {
	if r.OK {
		return "ok"
	}
	return string(r.Reason)
}
