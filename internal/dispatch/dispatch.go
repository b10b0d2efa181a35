// Package dispatch implements the Dispatch Engine (C4, "Conductor"): one
// task per inbound HTTP request, picking a candidate key from the Key
// Cache, proxying through the Provider Adapter, classifying any failure,
// and iterating the retry-vs-fail decision across keys (spec §4.4).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/classify"
	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/keycache"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const (
	defaultMaxAttempts = 3
	maxRetryAfter      = 5 * time.Second
	noHealthyKeysRetry = 30 * time.Second
)

// ErrNoHealthyKeys signals the only gateway-generated 503 (spec §4.4).
var ErrNoHealthyKeys = errors.New("dispatch: no_healthy_keys")

// Outcome is what the Conductor hands back to the HTTP layer once a
// request has either succeeded, exhausted its retries, or failed fast.
type Outcome struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser // buffered body, or a live stream when Streamed
	Streamed   bool
	Attempts   int                 // total upstream attempts made
	Retries    int                 // Attempts - 1 (equal to Attempts on a NoKeys outcome), surfaced as X-Gateway-Retries
	Committed  bool                // true once response bytes may flow to the client
	NoKeys     bool                // true when ErrNoHealthyKeys triggered this outcome
	Reason     gwtypes.ErrorReason // last classified reason; empty on success
}

// Conductor is the per-process dispatch engine. One Conductor instance is
// shared across all inbound requests; all its fields are safe for
// concurrent use.
type Conductor struct {
	Providers map[string]gwtypes.ProviderConfig
	Adapters  map[string]providers.Adapter
	Cache     *keycache.Cache
	Metrics   *metrics.Registry
	Log       *slog.Logger

	// MaxAttempts overrides defaultMaxAttempts when positive (spec §4.4,
	// gateway.max_attempts). Zero means "use the default".
	MaxAttempts int
}

// Dispatch runs the key-selection loop for one inbound request (spec
// §4.4). model is the resolved model identifier (from the request body for
// OpenAI-like, from the URL path for Gemini). The returned Outcome's Body
// is always non-nil; the caller must Close it.
func (c *Conductor) Dispatch(ctx context.Context, providerName, model string, in providers.InboundRequest) (*Outcome, error) {
	prov, ok := c.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown provider %q", providerName)
	}
	adapter, ok := c.Adapters[providerName]
	if !ok {
		return nil, fmt.Errorf("dispatch: no adapter for provider %q", providerName)
	}

	maxAttempts := defaultMaxAttempts
	if c.MaxAttempts > 0 {
		maxAttempts = c.MaxAttempts
	}
	tried := make(map[string]bool)
	attemptsLeft := maxAttempts
	attempts := 0

	needsPath := providers.NeedsPathTraversal(prov.Gateway.ErrorParsing.Rules)
	allowStream := prov.Gateway.StreamingMode == gwtypes.StreamingAuto && prov.Gateway.DebugMode == gwtypes.DebugDisabled

	var lastResp *providers.Response
	var lastErr error
	var lastReason gwtypes.ErrorReason

	for attemptsLeft > 0 {
		key, keyHash, found, err := c.Cache.Acquire(ctx, prov, model, tried)
		if err != nil {
			return nil, fmt.Errorf("dispatch: acquire: %w", err)
		}
		if !found {
			c.Metrics.RecordGatewayRequest(providerName, "no_healthy_keys")
			return &Outcome{
				StatusCode: http.StatusServiceUnavailable,
				Headers:    noHealthyKeysHeaders(),
				Body:       io.NopCloser(jsonErrorBody("no_healthy_keys")),
				Attempts:   attempts,
				Retries:    attempts,
				NoKeys:     true,
			}, nil
		}

		start := time.Now()
		resp, err := adapter.ExecuteRequest(ctx, key, in, allowStream)
		latency := time.Since(start)
		attempts++
		tried[keyHash] = true

		if err != nil {
			reason := classify.ClassifyTransport(errors.Is(err, context.DeadlineExceeded))
			c.Metrics.RecordGatewayRequest(providerName, string(reason))
			lastErr = err
			lastReason = reason
			_ = c.Cache.MarkBad(ctx, prov, model, keyHash, reason)
			attemptsLeft--
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.Metrics.RecordGatewayRequest(providerName, "success")
			c.Metrics.ObserveLatency(providerName, latency.Seconds())
			if !resp.Streamed {
				resp = c.debugLogBuffered(prov, resp)
			}
			return &Outcome{
				StatusCode: resp.StatusCode,
				Headers:    resp.Headers,
				Body:       resp.Body,
				Streamed:   resp.Streamed,
				Attempts:   attempts,
				Retries:    attempts - 1,
				Committed:  true,
			}, nil
		}

		// Pre-commit failure: buffer (bounded per §4.2) and classify.
		body, readErr := providers.ReadErrorBody(resp.Body, needsPath)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("dispatch: read error body: %w", readErr)
		}
		extracted := providers.ExtractError(providers.ContentType(resp.Headers), body)
		reason := classify.Classify(resp.StatusCode, extracted.Parsed, prov.Gateway.ErrorParsing.Enabled, prov.Gateway.ErrorParsing.Rules)
		c.debugLog(prov, resp.StatusCode, resp.Headers, body)

		lastResp = &providers.Response{StatusCode: resp.StatusCode, Headers: resp.Headers, Body: io.NopCloser(newBytesReader(body))}
		lastErr = nil
		lastReason = reason

		switch {
		case reason == gwtypes.BadRequest || reason == gwtypes.Unknown:
			c.Metrics.RecordGatewayRequest(providerName, string(reason))
			if reason == gwtypes.Unknown {
				// Canonical deviation decision (spec §9 Open Question):
				// UNKNOWN is always soft-bad via on_other_error_hr, even
				// though it is treated as BAD_REQUEST for retry purposes.
				_ = c.Cache.MarkBad(ctx, prov, model, keyHash, gwtypes.Unknown)
			}
			return c.finalOutcome(lastResp, attempts, reason), nil

		case gwtypes.Fatal[reason]:
			_ = c.Cache.MarkBad(ctx, prov, model, keyHash, reason)
			c.Metrics.RecordGatewayRequest(providerName, string(reason))
			attemptsLeft--
			continue

		case gwtypes.Retryable[reason]:
			_ = c.Cache.MarkBad(ctx, prov, model, keyHash, reason)
			c.Metrics.RecordGatewayRequest(providerName, string(reason))
			attemptsLeft--
			if d := retryAfterDelay(resp.Headers); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue

		default:
			// Defensive fallback for any reason not covered above — never
			// reached given the closed ErrorReason set, but avoids an
			// infinite loop if the set is ever extended without updating
			// this switch.
			return c.finalOutcome(lastResp, attempts, reason), nil
		}
	}

	if lastResp != nil {
		return c.finalOutcome(lastResp, attempts, lastReason), nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("dispatch: exhausted retries: %w", lastErr)
	}
	return nil, fmt.Errorf("dispatch: exhausted retries with no response")
}

// finalOutcome surfaces the last upstream response verbatim, annotated
// with X-Gateway-Retries (spec §7).
func (c *Conductor) finalOutcome(resp *providers.Response, attempts int, reason gwtypes.ErrorReason) *Outcome {
	return &Outcome{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Attempts:   attempts,
		Retries:    attempts - 1,
		Reason:     reason,
	}
}

// retryAfterDelay reads an optional Retry-After header, capped at 5s per
// spec §4.4.
func retryAfterDelay(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func noHealthyKeysHeaders() http.Header {
	h := make(http.Header)
	h.Set("Retry-After", strconv.Itoa(int(noHealthyKeysRetry.Seconds())))
	return h
}
