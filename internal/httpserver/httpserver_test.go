package httpserver_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/httpserver"
	"github.com/nulpointcorp/llm-gateway/internal/keycache"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/repository"
)

type stubHealthz struct{ err error }

func (s stubHealthz) Ping(ctx context.Context) error { return s.err }

// serve starts srv.Handler() on an in-memory listener (teacher's
// internal/proxy/router_test.go pattern) and returns an *http.Client wired
// to dial it, plus the base URL to request against.
func serve(t *testing.T, s *httpserver.Server) (*http.Client, string) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { ln.Close() })

	srv := &fasthttp.Server{Handler: s.Handler()}
	go srv.Serve(ln)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, "http://in-memory"
}

func noopAdapter() providers.Adapter {
	a, _ := providers.New(gwtypes.ProviderConfig{Kind: gwtypes.KindOpenAILike, BaseURL: "http://unused"}, http.DefaultClient, http.DefaultClient)
	return a
}

func baseServer() *httpserver.Server {
	repo := repository.NewMemoryRepository(nil)
	cond := &dispatch.Conductor{
		Providers: map[string]gwtypes.ProviderConfig{"openai": {Name: "openai"}},
		Adapters:  map[string]providers.Adapter{"openai": noopAdapter()},
		Cache:     keycache.New(repo),
	}
	return &httpserver.Server{Conductor: cond, Repo: repo}
}

func TestRequireAuth_RejectsMissingOrWrongToken(t *testing.T) {
	s := baseServer()
	s.AuthToken = "expected-token"
	client, base := serve(t, s)

	req, _ := http.NewRequest(http.MethodPost, base+"/v1/openai/chat/completions", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 with no Authorization header", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, base+"/v1/openai/chat/completions", nil)
	req2.Header.Set("Authorization", "Bearer wrong")
	resp2, err := client.Do(req2)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 with a mismatched token", resp2.StatusCode)
	}
}

func TestRequireAuth_PassesThroughWhenDisabled(t *testing.T) {
	s := baseServer() // AuthToken left blank
	client, base := serve(t, s)

	body := []byte(`{"model":""}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/openai/chat/completions", bytes.NewReader(body))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	// no auth token configured, so the request reaches the handler and
	// fails on the missing model field instead of on auth.
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (missing model), not an auth rejection", resp.StatusCode)
	}
}

func TestHandleOpenAILike_MissingModelIsBadRequest(t *testing.T) {
	s := baseServer()
	client, base := serve(t, s)

	req, _ := http.NewRequest(http.MethodPost, base+"/v1/openai/chat/completions", bytes.NewReader([]byte(`{}`)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleOpenAILike_InvalidJSONIsBadRequest(t *testing.T) {
	s := baseServer()
	client, base := serve(t, s)

	req, _ := http.NewRequest(http.MethodPost, base+"/v1/openai/chat/completions", bytes.NewReader([]byte(`not json`)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleGemini_RejectsMalformedModelAction(t *testing.T) {
	s := baseServer()
	s.GeminiProvider = "gemini"
	s.Conductor.Providers["gemini"] = gwtypes.ProviderConfig{Name: "gemini"}
	s.Conductor.Adapters["gemini"] = noopAdapter()
	client, base := serve(t, s)

	req, _ := http.NewRequest(http.MethodPost, base+"/v1beta/models/gemini-pro-missing-colon", bytes.NewReader([]byte(`{}`)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a path missing the :action suffix", resp.StatusCode)
	}
}

func TestHandleGemini_NoProviderConfiguredIsNotFound(t *testing.T) {
	s := baseServer() // GeminiProvider left blank
	client, base := serve(t, s)

	req, _ := http.NewRequest(http.MethodPost, base+"/v1beta/models/gemini-pro:generateContent", bytes.NewReader([]byte(`{}`)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no gemini provider is configured", resp.StatusCode)
	}
}

func TestHandleHealthz_ReportsRepositoryPingResult(t *testing.T) {
	s := baseServer()
	s.Repo = stubHealthz{}
	client, base := serve(t, s)

	resp, err := client.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 when Ping succeeds", resp.StatusCode)
	}

	s2 := baseServer()
	s2.Repo = stubHealthz{err: errors.New("db down")}
	client2, base2 := serve(t, s2)
	resp2, err := client2.Get(base2 + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when Ping fails", resp2.StatusCode)
	}
}
