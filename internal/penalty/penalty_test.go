package penalty_test

import (
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/penalty"
)

func TestResolve_Defaults(t *testing.T) {
	var zero gwtypes.WorkerHealthPolicy
	cases := []struct {
		reason gwtypes.ErrorReason
		want   time.Duration
	}{
		{gwtypes.InvalidKey, 10 * 24 * time.Hour},
		{gwtypes.NoAccess, 10 * 24 * time.Hour},
		{gwtypes.NoQuota, 4 * time.Hour},
		{gwtypes.RateLimited, time.Hour},
		{gwtypes.ServerError, 30 * time.Minute},
		{gwtypes.Timeout, 30 * time.Minute},
		{gwtypes.Overloaded, 60 * time.Minute},
		{gwtypes.BadRequest, time.Hour},
		{gwtypes.Unknown, time.Hour},
	}
	for _, c := range cases {
		if got := penalty.Resolve(c.reason, zero); got != c.want {
			t.Errorf("Resolve(%s, zero policy) = %v, want %v", c.reason, got, c.want)
		}
	}
}

func TestResolve_PolicyOverridesDefault(t *testing.T) {
	p := gwtypes.WorkerHealthPolicy{OnRateLimitHours: 3}
	if got := penalty.Resolve(gwtypes.RateLimited, p); got != 3*time.Hour {
		t.Errorf("got %v, want 3h override", got)
	}
}

func TestStatusForReason(t *testing.T) {
	for reason := range gwtypes.Fatal {
		if got := penalty.StatusForReason(reason); got != gwtypes.StatusInvalid {
			t.Errorf("%s: got %s, want INVALID", reason, got)
		}
	}
	for _, reason := range []gwtypes.ErrorReason{gwtypes.RateLimited, gwtypes.ServerError, gwtypes.BadRequest, gwtypes.Unknown} {
		if got := penalty.StatusForReason(reason); got != gwtypes.StatusPenalized {
			t.Errorf("%s: got %s, want PENALIZED", reason, got)
		}
	}
}

func TestVerificationDefaults(t *testing.T) {
	var zero gwtypes.WorkerHealthPolicy
	if got := penalty.VerificationAttempts(zero); got != penalty.DefaultVerificationAttempts {
		t.Errorf("got %d, want default %d", got, penalty.DefaultVerificationAttempts)
	}
	if got := penalty.VerificationDelay(zero); got != penalty.DefaultVerificationDelaySec*time.Second {
		t.Errorf("got %v, want default %ds", got, penalty.DefaultVerificationDelaySec)
	}

	p := gwtypes.WorkerHealthPolicy{VerificationAttempts: 5, VerificationDelaySec: 10}
	if got := penalty.VerificationAttempts(p); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
	if got := penalty.VerificationDelay(p); got != 10*time.Second {
		t.Errorf("got %v, want 10s", got)
	}

	noDelay := gwtypes.WorkerHealthPolicy{VerificationDelaySec: -1}
	if got := penalty.VerificationDelay(noDelay); got != 0 {
		t.Errorf("got %v, want 0 for a negative delay", got)
	}
}
