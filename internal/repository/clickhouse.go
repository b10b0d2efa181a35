package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

// ClickHouseRepository persists key health rows in the `keys` table
// described by spec §6:
//
//	CREATE TABLE keys (
//	    provider        String,
//	    key_hash        String,
//	    model           String,
//	    status          String,
//	    reason          Nullable(String),
//	    penalty_until   Nullable(DateTime64(3)),
//	    last_checked_at Nullable(DateTime64(3))
//	) ENGINE = ReplacingMergeTree(last_checked_at)
//	  ORDER BY (provider, key_hash, model)
//
// ReplacingMergeTree keyed on last_checked_at gives the "last write wins"
// semantics spec §6 requires without the repository needing to take a
// lock across the network call — point updates become plain inserts and
// ClickHouse's background merge reconciles duplicates, with every read
// going through FINAL to force resolution on the read path for the small
// per-process key-pool sizes this gateway operates at.
type ClickHouseRepository struct {
	conn clickhouse.Conn
}

// Config identifies the ClickHouse endpoint; DB_HOST/DB_PORT/DB_USER/
// DB_PASSWORD/DB_NAME are the env vars named in spec §6.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// NewClickHouseRepository dials ClickHouse and verifies connectivity.
func NewClickHouseRepository(ctx context.Context, cfg Config) (*ClickHouseRepository, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: clickhouse open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("repository: clickhouse ping: %w", err)
	}
	return &ClickHouseRepository{conn: conn}, nil
}

func (r *ClickHouseRepository) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

func (r *ClickHouseRepository) Close() error {
	return r.conn.Close()
}

func (r *ClickHouseRepository) ListEligible(ctx context.Context, provider, resolvedModel string, now time.Time) ([]gwtypes.KeyRow, error) {
	const q = `
		SELECT key_hash, status, reason, penalty_until, last_checked_at
		FROM keys FINAL
		WHERE provider = ? AND model = ?
		  AND status != 'INVALID'
		  AND (penalty_until IS NULL OR penalty_until <= ?)
		ORDER BY key_hash
	`
	rows, err := r.conn.Query(ctx, q, provider, resolvedModel, now)
	if err != nil {
		return nil, fmt.Errorf("repository: list_eligible: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, provider, resolvedModel)
}

func (r *ClickHouseRepository) ListAll(ctx context.Context, provider, resolvedModel string) ([]gwtypes.KeyRow, error) {
	const q = `
		SELECT key_hash, status, reason, penalty_until, last_checked_at
		FROM keys FINAL
		WHERE provider = ? AND model = ?
		ORDER BY key_hash
	`
	rows, err := r.conn.Query(ctx, q, provider, resolvedModel)
	if err != nil {
		return nil, fmt.Errorf("repository: list_all: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, provider, resolvedModel)
}

func (r *ClickHouseRepository) UpdateKeyStatus(ctx context.Context, provider, keyHash, resolvedModel string, status gwtypes.KeyStatus, reason gwtypes.ErrorReason, penaltyUntil *time.Time) error {
	now := time.Now()
	const q = `
		INSERT INTO keys (provider, key_hash, model, status, reason, penalty_until, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	var reasonVal *string
	if reason != "" {
		s := string(reason)
		reasonVal = &s
	}
	if err := r.conn.Exec(ctx, q, provider, keyHash, resolvedModel, string(status), reasonVal, penaltyUntil, now); err != nil {
		return fmt.Errorf("repository: update_key_status: %w", err)
	}
	return nil
}

func (r *ClickHouseRepository) TouchChecked(ctx context.Context, provider, keyHash, resolvedModel string, now time.Time) error {
	rows, err := r.conn.Query(ctx, `
		SELECT status, reason, penalty_until FROM keys FINAL
		WHERE provider = ? AND key_hash = ? AND model = ?
	`, provider, keyHash, resolvedModel)
	if err != nil {
		return fmt.Errorf("repository: touch_checked: select: %w", err)
	}
	var status string
	var reason *string
	var penaltyUntil *time.Time
	found := rows.Next()
	if found {
		if err := rows.Scan(&status, &reason, &penaltyUntil); err != nil {
			rows.Close()
			return fmt.Errorf("repository: touch_checked: scan: %w", err)
		}
	}
	rows.Close()
	if !found {
		return nil
	}
	var r2 gwtypes.ErrorReason
	if reason != nil {
		r2 = gwtypes.ErrorReason(*reason)
	}
	return r.UpdateKeyStatus(ctx, provider, keyHash, resolvedModel, gwtypes.KeyStatus(status), r2, penaltyUntil)
}

func scanRows(rows driverRows, provider, resolvedModel string) ([]gwtypes.KeyRow, error) {
	var out []gwtypes.KeyRow
	for rows.Next() {
		var keyHash, status string
		var reason *string
		var penaltyUntil, lastChecked *time.Time
		if err := rows.Scan(&keyHash, &status, &reason, &penaltyUntil, &lastChecked); err != nil {
			return nil, fmt.Errorf("repository: scan: %w", err)
		}
		row := gwtypes.KeyRow{
			Provider:      provider,
			KeyHash:       keyHash,
			Model:         resolvedModel,
			Status:        gwtypes.KeyStatus(status),
			PenaltyUntil:  penaltyUntil,
			LastCheckedAt: lastChecked,
		}
		if reason != nil {
			row.Reason = gwtypes.ErrorReason(*reason)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// driverRows narrows clickhouse.Rows to the subset scanRows needs, so it
// can be exercised by a fake in tests without importing the driver.
type driverRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}
