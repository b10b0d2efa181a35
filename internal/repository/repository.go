// Package repository defines the Repository contract (C6) consumed by the
// Key Cache (C3) and Probe Engine (C5), plus an in-memory implementation
// used by tests and a ClickHouse-backed implementation used in production.
//
// The contract is deliberately narrow — list_eligible, list_all,
// update_key_status, touch_checked — matching spec §4.6. Everything else
// (the disk→DB synchronizer that creates and deletes rows) is an external
// collaborator outside this repo's scope.
package repository

import (
	"context"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

// Repository is the persistence contract for key health state.
type Repository interface {
	// ListEligible returns rows for (provider, resolvedModel) with
	// status != INVALID and (penalty_until IS NULL OR penalty_until <= now).
	ListEligible(ctx context.Context, provider, resolvedModel string, now time.Time) ([]gwtypes.KeyRow, error)

	// ListAll returns every row for (provider, resolvedModel), used by the
	// probe scheduler which must also visit penalized/invalid keys.
	ListAll(ctx context.Context, provider, resolvedModel string) ([]gwtypes.KeyRow, error)

	// UpdateKeyStatus upserts the status/reason/penalty for one key.
	UpdateKeyStatus(ctx context.Context, provider, keyHash, resolvedModel string, status gwtypes.KeyStatus, reason gwtypes.ErrorReason, penaltyUntil *time.Time) error

	// TouchChecked stamps last_checked_at for one key without altering status.
	TouchChecked(ctx context.Context, provider, keyHash, resolvedModel string, now time.Time) error

	Healthz
}

// Healthz reports whether the repository is reachable, for GET /healthz.
type Healthz interface {
	Ping(ctx context.Context) error
}
