package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/keycache"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/repository"
)

func newConductor(t *testing.T, srv *httptest.Server, prov gwtypes.ProviderConfig, seed []gwtypes.KeyRow) *dispatch.Conductor {
	t.Helper()
	repo := repository.NewMemoryRepository(seed)
	adapter, err := providers.New(gwtypes.ProviderConfig{Kind: gwtypes.KindOpenAILike, BaseURL: srv.URL}, srv.Client(), srv.Client())
	if err != nil {
		t.Fatalf("providers.New: %v", err)
	}
	return &dispatch.Conductor{
		Providers: map[string]gwtypes.ProviderConfig{prov.Name: prov},
		Adapters:  map[string]providers.Adapter{prov.Name: adapter},
		Cache:     keycache.New(repo),
	}
}

func seedKey(provider, model, hash string) gwtypes.KeyRow {
	return gwtypes.KeyRow{Provider: provider, KeyHash: hash, Key: "sk-" + hash, Model: model, Status: gwtypes.StatusValid}
}

// TestDispatch_ExhaustedPoolReturns503 is seed scenario 4 from spec §8: a
// provider with zero eligible keys returns the gateway's own 503.
func TestDispatch_ExhaustedPoolReturns503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no upstream call should be made when the pool is empty")
	}))
	defer srv.Close()

	prov := gwtypes.ProviderConfig{Name: "openai"}
	c := newConductor(t, srv, prov, nil)

	out, err := c.Dispatch(context.Background(), "openai", "gpt-4", providers.InboundRequest{Model: "gpt-4", Body: []byte(`{}`), Headers: http.Header{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !out.NoKeys || out.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got NoKeys=%v status=%d, want the gateway's own 503", out.NoKeys, out.StatusCode)
	}
	if out.Headers.Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", out.Headers.Get("Retry-After"))
	}
}

func TestDispatch_UnknownProviderErrors(t *testing.T) {
	c := &dispatch.Conductor{Providers: map[string]gwtypes.ProviderConfig{}, Adapters: map[string]providers.Adapter{}}
	if _, err := c.Dispatch(context.Background(), "missing", "m", providers.InboundRequest{}); err == nil {
		t.Fatal("expected an error for an unconfigured provider")
	}
}

// TestDispatch_FatalReasonRetriesAnotherKey: a 401 (INVALID_KEY, fatal)
// marks the key bad and retries a different key rather than failing.
func TestDispatch_FatalReasonRetriesAnotherKey(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"bad key"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	prov := gwtypes.ProviderConfig{Name: "openai"}
	c := newConductor(t, srv, prov, []gwtypes.KeyRow{seedKey("openai", "gpt-4", "k1"), seedKey("openai", "gpt-4", "k2")})

	out, err := c.Dispatch(context.Background(), "openai", "gpt-4", providers.InboundRequest{Model: "gpt-4", Body: []byte(`{}`), Headers: http.Header{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retrying the second key", out.StatusCode)
	}
	if out.Retries != 1 {
		t.Errorf("Retries = %d, want 1", out.Retries)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

// TestDispatch_BadRequestSurfacesVerbatimWithoutMarkingBad checks that a
// 400 is returned directly to the client and the key remains acquirable.
func TestDispatch_BadRequestSurfacesVerbatimWithoutMarkingBad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"malformed request"}`))
	}))
	defer srv.Close()

	prov := gwtypes.ProviderConfig{Name: "openai"}
	seed := []gwtypes.KeyRow{seedKey("openai", "gpt-4", "k1")}
	c := newConductor(t, srv, prov, seed)

	out, err := c.Dispatch(context.Background(), "openai", "gpt-4", providers.InboundRequest{Model: "gpt-4", Body: []byte(`{}`), Headers: http.Header{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 surfaced verbatim", out.StatusCode)
	}
	body, _ := io.ReadAll(out.Body)
	if string(body) != `{"error":"malformed request"}` {
		t.Errorf("body = %s, want the upstream body unmodified", body)
	}

	// key must still be eligible: BAD_REQUEST never marks a key bad.
	cache := c.Cache
	_, hash, found, err := cache.Acquire(context.Background(), prov, "gpt-4", nil)
	if err != nil || !found || hash != "k1" {
		t.Fatalf("expected k1 to remain eligible after a BAD_REQUEST, found=%v err=%v", found, err)
	}
}

// TestDispatch_UnknownReasonSoftBadsKeyButSurfacesVerbatim covers the
// canonical UNKNOWN deviation: treated like BAD_REQUEST for the retry
// decision, but the key is still soft-marked bad behind the scenes.
func TestDispatch_UnknownReasonSoftBadsKeyButSurfacesVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"error":"unexpected"}`))
	}))
	defer srv.Close()

	prov := gwtypes.ProviderConfig{Name: "openai"}
	seed := []gwtypes.KeyRow{seedKey("openai", "gpt-4", "k1")}
	c := newConductor(t, srv, prov, seed)

	out, err := c.Dispatch(context.Background(), "openai", "gpt-4", providers.InboundRequest{Model: "gpt-4", Body: []byte(`{}`), Headers: http.Header{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want 418 surfaced verbatim", out.StatusCode)
	}

	_, _, found, err := c.Cache.Acquire(context.Background(), prov, "gpt-4", nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if found {
		t.Fatal("expected the key to be soft-bad after an UNKNOWN reason per the canonical deviation decision")
	}
}

// TestDispatch_RetryableReasonHonorsRetryAfter checks that a 429 with
// Retry-After: 1 on the first key is followed by a retry on the second key,
// ending in a 200 after exactly two upstream calls.
func TestDispatch_RetryableReasonHonorsRetryAfter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	prov := gwtypes.ProviderConfig{Name: "openai"}
	seed := []gwtypes.KeyRow{seedKey("openai", "gpt-4", "k1"), seedKey("openai", "gpt-4", "k2")}
	c := newConductor(t, srv, prov, seed)

	out, err := c.Dispatch(context.Background(), "openai", "gpt-4", providers.InboundRequest{Model: "gpt-4", Body: []byte(`{}`), Headers: http.Header{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want eventual 200 after the retry", out.StatusCode)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

// TestDispatch_MaxAttemptsOverrideCapsRetries confirms Conductor.MaxAttempts
// (wired from gateway.max_attempts) overrides the built-in default rather
// than just being parsed and ignored.
func TestDispatch_MaxAttemptsOverrideCapsRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	prov := gwtypes.ProviderConfig{Name: "openai"}
	seed := []gwtypes.KeyRow{
		seedKey("openai", "gpt-4", "k1"),
		seedKey("openai", "gpt-4", "k2"),
		seedKey("openai", "gpt-4", "k3"),
	}
	c := newConductor(t, srv, prov, seed)
	c.MaxAttempts = 1

	out, err := c.Dispatch(context.Background(), "openai", "gpt-4", providers.InboundRequest{Model: "gpt-4", Body: []byte(`{}`), Headers: http.Header{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d, want exactly 1 with MaxAttempts=1", out.Attempts)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
}

// TestDispatch_DebugModeBuffersAndPreservesBody: with debug_mode on, the
// success response is drained for logging but the client still receives
// the full body.
func TestDispatch_DebugModeBuffersAndPreservesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"text":"hello"}]}`))
	}))
	defer srv.Close()

	prov := gwtypes.ProviderConfig{
		Name:    "openai",
		Gateway: gwtypes.GatewayPolicy{DebugMode: gwtypes.DebugFullBody},
	}
	c := newConductor(t, srv, prov, []gwtypes.KeyRow{seedKey("openai", "gpt-4", "k1")})
	c.Log = slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))

	out, err := c.Dispatch(context.Background(), "openai", "gpt-4", providers.InboundRequest{Model: "gpt-4", Body: []byte(`{}`), Headers: http.Header{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Streamed {
		t.Fatal("debug mode must force buffering, not streaming")
	}
	body, _ := io.ReadAll(out.Body)
	if string(body) != `{"choices":[{"text":"hello"}]}` {
		t.Errorf("body = %s, want the full upstream body after debug draining", body)
	}
}

func TestDispatch_SuccessOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	prov := gwtypes.ProviderConfig{Name: "openai"}
	seed := []gwtypes.KeyRow{seedKey("openai", "gpt-4", "k1")}
	c := newConductor(t, srv, prov, seed)

	out, err := c.Dispatch(context.Background(), "openai", "gpt-4", providers.InboundRequest{Model: "gpt-4", Body: []byte(`{}`), Headers: http.Header{}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.StatusCode != http.StatusOK || out.Retries != 0 || out.Attempts != 1 {
		t.Fatalf("got status=%d retries=%d attempts=%d, want 200/0/1", out.StatusCode, out.Retries, out.Attempts)
	}
}
