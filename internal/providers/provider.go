// Package providers implements the Provider Adapter (C1): the polymorphic
// capability set {build_probe_request, execute_request, extract_error}
// over the two variants the spec defines, OpenAI-like and Gemini.
//
// Both variants are built on raw net/http — following the teacher's
// internal/providers/azure/azure.go shape — rather than an SDK client,
// because build_probe_request needs to construct a minimal, literal JSON
// body and extract_error needs to read arbitrary JSON fields by dot-path;
// neither capability is exposed by the SDK-based adapters the teacher uses
// for its other providers.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

// MaxErrorBodyBytes is the hard cap spec §4.2 imposes on error-response
// buffering when any configured rule has a non-empty error_path.
const MaxErrorBodyBytes = 256 * 1024

// DefaultStreamIdleTimeout is the spec §5 idle-byte timeout applied to
// streamed responses in place of a total-request timeout.
const DefaultStreamIdleTimeout = 60 * time.Second

// InboundRequest is the already-validated, already-model-resolved request
// the Dispatch Engine hands to the adapter for the live proxy call.
type InboundRequest struct {
	Model   string
	Body    []byte // the client's JSON body; the adapter substitutes the model field
	Stream  bool
	Headers http.Header // inbound headers; the adapter strips hop-by-hop headers when forwarding
}

// Response is what execute_request returns: either a buffered body or a
// live stream, never both. Streaming responses are a lazy, finite,
// non-restartable byte sequence (spec §9) exposed via Body; the caller
// must Close it exactly once.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser // always set; caller must Close
	Streamed   bool          // true if passthrough streaming is in effect
}

// Adapter is the per-provider-kind capability set (spec §4.1).
type Adapter interface {
	// BuildProbeRequest returns a minimal, cheap request that exercises
	// authentication and model access for key against model.
	BuildProbeRequest(ctx context.Context, key, model string) (*http.Request, error)

	// ExecuteRequest issues the live proxy call, rewriting authorization
	// and substituting model as needed. Streaming is passthrough only
	// when allowStream is true; otherwise the adapter fully buffers the
	// upstream body before returning it in Response.Body.
	ExecuteRequest(ctx context.Context, key string, req InboundRequest, allowStream bool) (*Response, error)
}

// New builds the Adapter for cfg.Kind. client is used for probes and
// fully-buffered dispatch calls, bounded end-to-end by its Timeout;
// streamClient is used only for passthrough-streamed dispatch calls and
// carries no Client.Timeout, since spec §5 requires streamed responses to
// be bounded by an idle-byte timeout rather than a total one — see
// NewStreamingHTTPClient and idleTimeoutReader.
func New(cfg gwtypes.ProviderConfig, client, streamClient *http.Client) (Adapter, error) {
	switch cfg.Kind {
	case gwtypes.KindOpenAILike:
		return &openAILike{baseURL: cfg.BaseURL, client: client, streamClient: streamClient}, nil
	case gwtypes.KindGemini:
		return &gemini{baseURL: cfg.BaseURL, client: client, streamClient: streamClient}, nil
	default:
		return nil, fmt.Errorf("providers: unknown kind %q", cfg.Kind)
	}
}

// NewHTTPClient builds the shared client used for probes and fully-buffered
// dispatch, honoring spec §5's connect/total timeout defaults. One client
// is shared per outbound-proxy endpoint across all dispatch tasks (spec
// §5); proxyURL empty means direct, falling back to the standard proxy
// environment variables.
func NewHTTPClient(proxyURL string, connectTimeout, totalTimeout time.Duration) *http.Client {
	if totalTimeout <= 0 {
		totalTimeout = 60 * time.Second
	}
	return &http.Client{Transport: newTransport(proxyURL, connectTimeout), Timeout: totalTimeout}
}

// NewStreamingHTTPClient builds the shared client used for passthrough SSE
// dispatch calls. It deliberately sets no Client.Timeout — that field
// bounds the entire request including the time spent reading the body,
// which would cut off a slow-but-live stream at the wall-clock mark
// instead of only on a genuine idle gap (spec §5). Idle detection is
// instead applied per-read via idleTimeoutReader once the response headers
// arrive.
func NewStreamingHTTPClient(proxyURL string, connectTimeout time.Duration) *http.Client {
	return &http.Client{Transport: newTransport(proxyURL, connectTimeout)}
}

// newTransport binds a transport to an outbound proxy endpoint when one is
// configured. proxyURL is validated at config load, so a parse failure
// here falls back to direct rather than erroring mid-request.
func newTransport(proxyURL string, connectTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			t.Proxy = http.ProxyURL(u)
		}
	}
	return t
}

// drainAndClose fully reads and closes body, returning the bytes read (used
// for non-streaming responses that must be buffered before forwarding).
func drainAndClose(body io.ReadCloser) ([]byte, error) {
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("providers: read body: %w", err)
	}
	return data, nil
}

func bufferedResponse(resp *http.Response) (*Response, []byte, error) {
	data, err := drainAndClose(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       io.NopCloser(bytes.NewReader(data)),
	}, data, nil
}

// idleTimeoutReader wraps a streamed response body with spec §5's idle-byte
// timeout: every successful Read resets the deadline, and silence for
// longer than timeout cancels cancel, which unblocks the in-flight read on
// the request's own context (the request must have been built against the
// context this cancel belongs to) with ctx.Err() instead of hanging
// forever or being cut off at an arbitrary wall-clock mark.
type idleTimeoutReader struct {
	body    io.ReadCloser
	timer   *time.Timer
	cancel  context.CancelFunc
	timeout time.Duration
}

// newIdleTimeoutReader starts the idle timer immediately, matching the
// "no bytes within timeout" case for a stream that never sends a first
// byte.
func newIdleTimeoutReader(body io.ReadCloser, cancel context.CancelFunc, timeout time.Duration) io.ReadCloser {
	return &idleTimeoutReader{
		body:    body,
		timer:   time.AfterFunc(timeout, cancel),
		cancel:  cancel,
		timeout: timeout,
	}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	r.cancel()
	return r.body.Close()
}
