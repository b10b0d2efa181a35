// Package keycache implements the Key Cache (C3): in-memory per-pool
// round-robin deques of eligible keys, lazily loaded from the Repository,
// with virtual-all-models collapsing for shared-key-status providers.
//
// The outer map is guarded by an RWMutex (reads for the common "pool
// already loaded" path, a write only when a brand-new pool is created);
// each pool then owns its own mutex so mutating one provider×model never
// blocks a concurrent acquire on another — the same two-level locking
// shape the teacher's circuit breaker uses per provider.
package keycache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/penalty"
	"github.com/nulpointcorp/llm-gateway/internal/repository"
)

type poolKey struct {
	provider string
	model    string
}

// entry is one pool slot: the live credential plus the hash that identifies
// it for dedup tracking, penalty application, and persistence.
type entry struct {
	key  string
	hash string
}

// pool is one (provider, resolved_model) deque plus the mutex serializing
// its mutations.
type pool struct {
	mu   sync.Mutex
	keys *list.List // of *entry, head = next to serve
}

// Cache is the process-wide Key Cache.
type Cache struct {
	repo repository.Repository

	// Locker is an optional cross-process lock (see distlock.go) used to
	// serialize MarkBad when multiple gateway instances share one
	// Repository. nil means rely solely on the Repository's point-update
	// isolation.
	Locker DistLock

	mu    sync.RWMutex
	pools map[poolKey]*pool
}

const markBadLockTTL = 2 * time.Second

// New constructs an empty Cache backed by repo.
func New(repo repository.Repository) *Cache {
	return &Cache{repo: repo, pools: make(map[poolKey]*pool)}
}

func (c *Cache) getOrCreatePool(provider, resolvedModel string) *pool {
	pk := poolKey{provider, resolvedModel}

	c.mu.RLock()
	p, ok := c.pools[pk]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[pk]; ok {
		return p
	}
	p = &pool{keys: list.New()}
	c.pools[pk] = p
	return p
}

// Acquire resolves the pool for (provider, model), returning the head
// entry's key and hash, rotated to the tail (round-robin). excluding is
// consulted by hash so the dispatch engine's retry loop never re-offers a
// key already tried this request; a key excluded on every pool entry
// behaves as an empty pool. Lazily loads from the Repository whenever the
// pool is empty, filtering to Eligible rows only (spec §4.3).
func (c *Cache) Acquire(ctx context.Context, prov gwtypes.ProviderConfig, model string, excluding map[string]bool) (key, hash string, found bool, err error) {
	resolvedModel := prov.ResolvedModel(model)
	p := c.getOrCreatePool(prov.Name, resolvedModel)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.keys.Len() == 0 {
		if err := c.load(ctx, prov.Name, resolvedModel, p); err != nil {
			return "", "", false, err
		}
	}

	n := p.keys.Len()
	for i := 0; i < n; i++ {
		front := p.keys.Front()
		e := front.Value.(*entry)
		p.keys.MoveToBack(front)
		if excluding == nil || !excluding[e.hash] {
			return e.key, e.hash, true, nil
		}
	}
	return "", "", false, nil
}

// load populates an empty pool from the repository. Caller holds p.mu.
func (c *Cache) load(ctx context.Context, provider, resolvedModel string, p *pool) error {
	rows, err := c.repo.ListEligible(ctx, provider, resolvedModel, time.Now())
	if err != nil {
		return fmt.Errorf("keycache: load %s/%s: %w", provider, resolvedModel, err)
	}
	for _, row := range rows {
		p.keys.PushBack(&entry{key: row.Key, hash: row.KeyHash})
	}
	return nil
}

// MarkBad removes keyHash from the pool (idempotent — a hash already
// absent is a no-op), persists the new status via the Repository, and
// applies the penalty for reason resolved from the provider's
// worker_health_policy, with the built-in defaults for unset fields — the
// same table the probe engine uses (see internal/penalty).
func (c *Cache) MarkBad(ctx context.Context, prov gwtypes.ProviderConfig, model, keyHash string, reason gwtypes.ErrorReason) error {
	resolvedModel := prov.ResolvedModel(model)
	p := c.getOrCreatePool(prov.Name, resolvedModel)

	p.mu.Lock()
	removeHash(p.keys, keyHash)
	p.mu.Unlock()

	lockName := prov.Name + "/" + resolvedModel + "/" + keyHash
	if c.Locker != nil {
		acquired, err := c.Locker.TryLock(ctx, lockName, markBadLockTTL)
		if err == nil && acquired {
			defer c.Locker.Unlock(ctx, lockName)
		}
		// A failed or contended lock still proceeds: the Repository's
		// point-update isolation makes a duplicate write harmless, just
		// redundant (spec §4.6).
	}

	dur := penalty.Resolve(reason, prov.WorkerHealth)
	until := time.Now().Add(dur)
	status := penalty.StatusForReason(reason)

	if err := c.repo.UpdateKeyStatus(ctx, prov.Name, keyHash, resolvedModel, status, reason, &until); err != nil {
		return fmt.Errorf("keycache: mark_bad %s/%s/%s: %w", prov.Name, resolvedModel, keyHash, err)
	}
	return nil
}

// Refresh drops the pool entry for (provider, model), forcing a lazy
// reload on the next Acquire.
func (c *Cache) Refresh(prov gwtypes.ProviderConfig, model string) {
	resolvedModel := prov.ResolvedModel(model)
	c.mu.Lock()
	delete(c.pools, poolKey{prov.Name, resolvedModel})
	c.mu.Unlock()
}

// Size reports the current in-memory pool size for (provider, model),
// used by the gateway_key_pool_size gauge.
func (c *Cache) Size(prov gwtypes.ProviderConfig, model string) int {
	resolvedModel := prov.ResolvedModel(model)
	c.mu.RLock()
	p, ok := c.pools[poolKey{prov.Name, resolvedModel}]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys.Len()
}

func removeHash(l *list.List, hash string) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*entry).hash == hash {
			l.Remove(e)
			return
		}
	}
}
