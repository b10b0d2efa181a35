package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

// fakeRows is a minimal driverRows double so scanRows can be exercised
// without dialing a real ClickHouse server.
type fakeRows struct {
	idx  int
	data []struct {
		keyHash, status string
		reason          *string
		penaltyUntil    *time.Time
		lastChecked     *time.Time
	}
	err error
}

func (f *fakeRows) Next() bool { return f.idx < len(f.data) }

func (f *fakeRows) Scan(dest ...any) error {
	row := f.data[f.idx]
	f.idx++
	*dest[0].(*string) = row.keyHash
	*dest[1].(*string) = row.status
	*dest[2].(**string) = row.reason
	*dest[3].(**time.Time) = row.penaltyUntil
	*dest[4].(**time.Time) = row.lastChecked
	return nil
}

func (f *fakeRows) Err() error { return f.err }

func TestScanRows_PopulatesProviderAndModel(t *testing.T) {
	reason := "RATE_LIMITED"
	rows := &fakeRows{data: []struct {
		keyHash, status string
		reason          *string
		penaltyUntil    *time.Time
		lastChecked     *time.Time
	}{
		{keyHash: "k1", status: "PENALIZED", reason: &reason},
	}}

	out, err := scanRows(rows, "openai", "gpt-4")
	if err != nil {
		t.Fatalf("scanRows: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d rows, want 1", len(out))
	}
	got := out[0]
	if got.Provider != "openai" || got.Model != "gpt-4" || got.KeyHash != "k1" {
		t.Errorf("row identity mismatch: %+v", got)
	}
	if got.Status != gwtypes.StatusPenalized || got.Reason != gwtypes.RateLimited {
		t.Errorf("row status/reason mismatch: %+v", got)
	}
}

func TestScanRows_NilReasonYieldsZeroValue(t *testing.T) {
	rows := &fakeRows{data: []struct {
		keyHash, status string
		reason          *string
		penaltyUntil    *time.Time
		lastChecked     *time.Time
	}{
		{keyHash: "k1", status: "VALID", reason: nil},
	}}

	out, err := scanRows(rows, "openai", "gpt-4")
	if err != nil {
		t.Fatalf("scanRows: %v", err)
	}
	if out[0].Reason != "" {
		t.Errorf("expected zero-value Reason, got %q", out[0].Reason)
	}
}

func TestScanRows_PropagatesRowsErr(t *testing.T) {
	rows := &fakeRows{err: errors.New("boom")}
	if _, err := scanRows(rows, "p", "m"); err == nil {
		t.Fatal("expected scanRows to propagate rows.Err()")
	}
}
