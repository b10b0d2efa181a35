package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

type memKey struct {
	provider, keyHash, model string
}

// MemoryRepository is an in-process Repository used by tests and by the
// in-memory cache-backend mode (no ClickHouse configured). Point updates
// are guarded by a single mutex — contention is not a concern at the scale
// a single process's key pool reaches, and it keeps the "updates to
// distinct keys do not conflict" guarantee trivially true.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[memKey]gwtypes.KeyRow
}

// NewMemoryRepository seeds a repository from an initial row set — the
// disk→DB synchronizer's job in production, done directly here for tests.
func NewMemoryRepository(seed []gwtypes.KeyRow) *MemoryRepository {
	r := &MemoryRepository{rows: make(map[memKey]gwtypes.KeyRow, len(seed))}
	for _, row := range seed {
		r.rows[memKey{row.Provider, row.KeyHash, row.Model}] = row
	}
	return r
}

func (r *MemoryRepository) ListEligible(_ context.Context, provider, resolvedModel string, now time.Time) ([]gwtypes.KeyRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []gwtypes.KeyRow
	for k, row := range r.rows {
		if k.provider != provider || k.model != resolvedModel {
			continue
		}
		if row.Eligible(now) {
			out = append(out, row)
		}
	}
	sortRows(out)
	return out, nil
}

func (r *MemoryRepository) ListAll(_ context.Context, provider, resolvedModel string) ([]gwtypes.KeyRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []gwtypes.KeyRow
	for k, row := range r.rows {
		if k.provider == provider && k.model == resolvedModel {
			out = append(out, row)
		}
	}
	sortRows(out)
	return out, nil
}

// sortRows orders by key hash so list results are stable across calls —
// map iteration order would otherwise reshuffle the pool on every reload
// and break round-robin rotation.
func sortRows(rows []gwtypes.KeyRow) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].KeyHash < rows[j].KeyHash })
}

func (r *MemoryRepository) UpdateKeyStatus(_ context.Context, provider, keyHash, resolvedModel string, status gwtypes.KeyStatus, reason gwtypes.ErrorReason, penaltyUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memKey{provider, keyHash, resolvedModel}
	row := r.rows[k]
	row.Provider, row.KeyHash, row.Model = provider, keyHash, resolvedModel
	row.Status = status
	row.Reason = reason
	row.PenaltyUntil = penaltyUntil
	now := time.Now()
	row.LastCheckedAt = &now
	r.rows[k] = row
	return nil
}

func (r *MemoryRepository) TouchChecked(_ context.Context, provider, keyHash, resolvedModel string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memKey{provider, keyHash, resolvedModel}
	row, ok := r.rows[k]
	if !ok {
		return nil
	}
	row.LastCheckedAt = &now
	r.rows[k] = row
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

// Seed adds or replaces a row directly — used by tests to populate the
// store that the key cache's lazy-load path then reads via ListEligible.
func (r *MemoryRepository) Seed(row gwtypes.KeyRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[memKey{row.Provider, row.KeyHash, row.Model}] = row
}
