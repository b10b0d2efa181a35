// Package penalty holds the reason→duration table used to compute
// penalty_until. Both the Key Cache's mark_bad (C3) and the Probe Engine's
// state machine (C5) resolve durations from the provider's configured
// WorkerHealthPolicy through this one table so the two stay in
// lockstep by construction rather than by convention.
package penalty

import (
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

// Defaults mirror spec §4.5's documented defaults exactly.
const (
	DefaultOnInvalidKeyDays  = 10
	DefaultOnNoAccessDays    = 10
	DefaultOnNoQuotaHours    = 4
	DefaultOnRateLimitHours  = 1
	DefaultOnServerErrorMins = 30
	DefaultOnOverloadMins    = 60
	DefaultOnOtherErrorHours = 1

	DefaultVerificationAttempts = 3
	DefaultVerificationDelaySec = 65
)

// Resolve returns the penalty duration for reason under policy, falling
// back to the documented default for any zero-valued field. It is the
// single source of truth consulted by both mark_bad (C3) and the probe
// engine's fast-fail / verification-exhausted paths (C5).
func Resolve(reason gwtypes.ErrorReason, policy gwtypes.WorkerHealthPolicy) time.Duration {
	days := func(n, def int) time.Duration {
		if n <= 0 {
			n = def
		}
		return time.Duration(n) * 24 * time.Hour
	}
	hours := func(n, def int) time.Duration {
		if n <= 0 {
			n = def
		}
		return time.Duration(n) * time.Hour
	}
	mins := func(n, def int) time.Duration {
		if n <= 0 {
			n = def
		}
		return time.Duration(n) * time.Minute
	}

	switch reason {
	case gwtypes.InvalidKey:
		return days(policy.OnInvalidKeyDays, DefaultOnInvalidKeyDays)
	case gwtypes.NoAccess:
		return days(policy.OnNoAccessDays, DefaultOnNoAccessDays)
	case gwtypes.NoQuota:
		return hours(policy.OnNoQuotaHours, DefaultOnNoQuotaHours)
	case gwtypes.RateLimited:
		return hours(policy.OnRateLimitHours, DefaultOnRateLimitHours)
	case gwtypes.ServerError, gwtypes.Timeout:
		return mins(policy.OnServerErrorMins, DefaultOnServerErrorMins)
	case gwtypes.Overloaded:
		return mins(policy.OnOverloadMins, DefaultOnOverloadMins)
	case gwtypes.ServiceUnavailable, gwtypes.NetworkError:
		// Not individually named in §4.5's enumeration; treated with the
		// same duration as the other RETRYABLE server-side reasons.
		return mins(policy.OnServerErrorMins, DefaultOnServerErrorMins)
	case gwtypes.BadRequest, gwtypes.Unknown:
		return hours(policy.OnOtherErrorHours, DefaultOnOtherErrorHours)
	default:
		return hours(policy.OnOtherErrorHours, DefaultOnOtherErrorHours)
	}
}

// StatusForReason returns the KeyStatus a reason implies once penalized:
// FATAL reasons are INVALID (long, non-probationary penalties), everything
// else is PENALIZED (time-bounded, subject to re-probe).
func StatusForReason(reason gwtypes.ErrorReason) gwtypes.KeyStatus {
	if gwtypes.Fatal[reason] {
		return gwtypes.StatusInvalid
	}
	return gwtypes.StatusPenalized
}

// VerificationAttempts resolves policy.VerificationAttempts with its default.
func VerificationAttempts(policy gwtypes.WorkerHealthPolicy) int {
	if policy.VerificationAttempts <= 0 {
		return DefaultVerificationAttempts
	}
	return policy.VerificationAttempts
}

// VerificationDelay resolves policy.VerificationDelaySec with its default.
// Zero means "unset, use the default"; a negative value means re-probe
// immediately with no delay.
func VerificationDelay(policy gwtypes.WorkerHealthPolicy) time.Duration {
	sec := policy.VerificationDelaySec
	if sec < 0 {
		return 0
	}
	if sec == 0 {
		sec = DefaultVerificationDelaySec
	}
	return time.Duration(sec) * time.Second
}
