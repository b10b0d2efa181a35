// Package gwtypes holds the data model shared by the classifier, provider
// adapters, key cache, dispatch engine, and probe engine: it has no
// dependencies on any of them so that all five can import it without
// cycles.
package gwtypes

import "time"

// ErrorReason is the closed set of normalized upstream failure categories.
// It is the sole currency of error meaning inside the gateway: every
// upstream, transport, and parsing failure folds into one of these twelve
// values before any retry or health decision is made.
type ErrorReason string

const (
	InvalidKey         ErrorReason = "INVALID_KEY"
	NoAccess           ErrorReason = "NO_ACCESS"
	NoQuota            ErrorReason = "NO_QUOTA"
	NoModel            ErrorReason = "NO_MODEL"
	RateLimited        ErrorReason = "RATE_LIMITED"
	ServerError        ErrorReason = "SERVER_ERROR"
	Overloaded         ErrorReason = "OVERLOADED"
	ServiceUnavailable ErrorReason = "SERVICE_UNAVAILABLE"
	Timeout            ErrorReason = "TIMEOUT"
	NetworkError       ErrorReason = "NETWORK_ERROR"
	BadRequest         ErrorReason = "BAD_REQUEST"
	Unknown            ErrorReason = "UNKNOWN"
)

// Fatal reasons mean the key itself is permanently unusable for this
// model: the dispatch loop marks the key bad and retries immediately, and
// the probe engine fast-fails with no verification loop.
var Fatal = map[ErrorReason]bool{
	InvalidKey: true,
	NoAccess:   true,
	NoQuota:    true,
	NoModel:    true,
}

// Retryable reasons mean the failure is plausibly transient: the dispatch
// loop retries a different key, and the probe engine runs a verification
// loop before penalizing.
var Retryable = map[ErrorReason]bool{
	RateLimited:        true,
	Overloaded:         true,
	ServiceUnavailable: true,
	ServerError:        true,
	Timeout:            true,
	NetworkError:       true,
}

// DefaultHTTPReasonMap is the fallback status-code → ErrorReason table
// applied when no configured rule matches. See spec §6.
var DefaultHTTPReasonMap = map[int]ErrorReason{
	400: BadRequest,
	401: InvalidKey,
	402: NoQuota,
	403: NoAccess,
	404: NoModel,
	429: RateLimited,
	500: ServerError,
	502: NetworkError,
	503: Overloaded,
	504: Timeout,
}

// ClassifyByHTTPStatus applies DefaultHTTPReasonMap, returning Unknown for
// any status not present in the table (including all 2xx/3xx codes, which
// should never reach the classifier as failures in the first place).
func ClassifyByHTTPStatus(status int) ErrorReason {
	if r, ok := DefaultHTTPReasonMap[status]; ok {
		return r
	}
	return Unknown
}

// KeyStatus is the persisted health status of a key.
type KeyStatus string

const (
	StatusValid     KeyStatus = "VALID"
	StatusInvalid   KeyStatus = "INVALID"
	StatusPenalized KeyStatus = "PENALIZED"
)

// AllModelsSentinel is used in place of a model id for providers whose key
// validity is account-wide rather than per-model.
const AllModelsSentinel = "__ALL_MODELS__"

// KeyRow is one persisted row: the unit of storage and of the Repository
// contract (C6).
type KeyRow struct {
	Provider      string
	KeyHash       string
	Key           string // the live credential value; never persisted in logs
	Model         string // literal model, or AllModelsSentinel
	Status        KeyStatus
	Reason        ErrorReason // zero value means "none observed yet"
	PenaltyUntil  *time.Time
	LastCheckedAt *time.Time
}

// Eligible reports whether the row may currently be dispatched or probed:
// not INVALID, and either never penalized or past its penalty.
func (k KeyRow) Eligible(now time.Time) bool {
	if k.Status == StatusInvalid {
		return false
	}
	if k.PenaltyUntil != nil && k.PenaltyUntil.After(now) {
		return false
	}
	return true
}

// ErrorParsingRule maps a JSON error-body shape to an ErrorReason.
// error_path is a dot-separated path traversed through JSON objects;
// match_pattern is a case-sensitive, partial-match regular expression
// tested against the string form of the value found at that path.
type ErrorParsingRule struct {
	StatusCode   int
	ErrorPath    string
	MatchPattern string
	MapTo        ErrorReason
	Priority     int
	Description  string

	compiled *regexpCompiled
}

// ErrorParsing holds a provider's configured rule set plus the enable flag
// the spec gates rule evaluation on.
type ErrorParsing struct {
	Enabled bool
	Rules   []ErrorParsingRule
}

// ProviderKind is the Provider Adapter's variant discriminator (§4.1).
type ProviderKind string

const (
	KindOpenAILike ProviderKind = "openai_like"
	KindGemini     ProviderKind = "gemini"
)

// StreamingMode controls whether the adapter passes SSE bytes through
// untouched or buffers the full response before forwarding.
type StreamingMode string

const (
	StreamingAuto     StreamingMode = "auto"
	StreamingDisabled StreamingMode = "disabled"
)

// DebugMode forces buffering (and logging) even when StreamingAuto would
// otherwise allow passthrough.
type DebugMode string

const (
	DebugDisabled    DebugMode = "disabled"
	DebugHeadersOnly DebugMode = "headers_only"
	DebugFullBody    DebugMode = "full_body"
)

// GatewayPolicy is the per-provider dispatch behavior block of
// ProviderConfig.
type GatewayPolicy struct {
	StreamingMode StreamingMode
	DebugMode     DebugMode
	ErrorParsing  ErrorParsing
}

// WorkerHealthPolicy holds the probe engine's penalty durations (§4.5).
// Zero values mean "use the documented default" — internal/penalty holds
// the canonical defaults and keeper applies them. A negative
// VerificationDelaySec means "no delay at all" rather than the default.
type WorkerHealthPolicy struct {
	OnInvalidKeyDays  int
	OnNoAccessDays    int
	OnNoQuotaHours    int
	OnRateLimitHours  int
	OnServerErrorMins int
	OnOverloadMins    int
	OnOtherErrorHours int

	VerificationAttempts int
	VerificationDelaySec int
}

// ProviderConfig is immutable at runtime once loaded.
type ProviderConfig struct {
	Name            string
	Kind            ProviderKind
	BaseURL         string
	ProxyURL        string // optional outbound proxy; empty means direct
	Models          []string
	SharedKeyStatus bool
	Gateway         GatewayPolicy
	WorkerHealth    WorkerHealthPolicy
}

// ResolvedModel returns the cache/repository key for model M under this
// provider's sharing policy.
func (p ProviderConfig) ResolvedModel(model string) string {
	if p.SharedKeyStatus {
		return AllModelsSentinel
	}
	return model
}

// CheckResult is the output of every probe attempt and every proxied
// request, pre-retry-decision.
type CheckResult struct {
	OK         bool
	StatusCode int
	Reason     ErrorReason
	LatencyMs  int64
}

// regexpCompiled is an indirection so gwtypes does not need to import
// regexp itself; classify.CompileRules populates it via SetCompiled/Compiled.
type regexpCompiled struct {
	matcher func(s string) bool
}

// SetCompiled stores the compiled matcher produced by classify.CompileRules.
func (r *ErrorParsingRule) SetCompiled(matches func(s string) bool) {
	r.compiled = &regexpCompiled{matcher: matches}
}

// Matches reports whether the compiled pattern matches s. Panics if the
// rule was never compiled — a programming error, since rules must be
// compiled once at config load before use.
func (r ErrorParsingRule) Matches(s string) bool {
	if r.compiled == nil {
		panic("gwtypes: ErrorParsingRule used before compilation")
	}
	return r.compiled.matcher(s)
}

// Compiled reports whether SetCompiled has been called.
func (r ErrorParsingRule) Compiled() bool {
	return r.compiled != nil
}
