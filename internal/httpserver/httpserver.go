// Package httpserver is the gateway's inbound HTTP surface: the
// OpenAI-compatible and Gemini-compatible proxy routes, Prometheus
// exposition, and a liveness probe, wired onto the Dispatch Engine
// (internal/dispatch).
//
// The router, middleware chain, and server shape are adapted from the
// teacher's internal/proxy/router.go and internal/proxy/middleware.go:
// the same recovery → requestID → timing → CORS → securityHeaders chain
// wraps a fasthttp/router.Router, but the routes dispatch into a
// dispatch.Conductor instead of the teacher's provider-failover Gateway.
package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/repository"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Server is the gateway's HTTP front door.
type Server struct {
	Conductor *dispatch.Conductor
	Repo      repository.Healthz
	Metrics   interface{ Handler() fasthttp.RequestHandler }
	Log       *slog.Logger
	ReqLogger *logger.Logger

	// GeminiProvider is the provider name routed to by the path-only Gemini
	// surface (spec §6: the Gemini route carries no {provider} segment).
	// Resolved once at construction from the configured provider set.
	GeminiProvider string

	CORSOrigins []string

	// AuthToken is the static shared secret end-clients present on the
	// proxy routes (spec §4.4: "optional auth header validated against a
	// static shared secret"). Empty disables the check entirely.
	AuthToken string
}

// Handler builds the full fasthttp handler, middleware chain included.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/{provider}/chat/completions", s.requireAuth(s.handleOpenAILike))
	r.POST("/v1beta/models/{modelAction:*}", s.requireAuth(s.handleGemini))
	r.GET("/healthz", s.handleHealthz)
	if s.Metrics != nil {
		r.GET("/metrics", s.Metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.CORSOrigins),
		securityHeaders,
	)
}

// ListenAndServe starts the fasthttp server and blocks until it stops.
func (s *Server) ListenAndServe(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// requireAuth wraps a proxy route with the static-shared-secret check: the
// client must send "Authorization: Bearer {token}" matching s.AuthToken
// exactly. A blank s.AuthToken disables the check, the gateway's auth being
// optional per spec §4.4 — in practice config.validate requires it.
func (s *Server) requireAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.AuthToken == "" {
			next(ctx)
			return
		}
		got := strings.TrimPrefix(string(ctx.Request.Header.Peek("Authorization")), "Bearer ")
		if got == "" || got != s.AuthToken {
			apierr.WriteSimple(ctx, fasthttp.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(ctx)
	}
}

// handleOpenAILike serves POST /v1/{provider}/chat/completions.
func (s *Server) handleOpenAILike(ctx *fasthttp.RequestCtx) {
	provider, _ := ctx.UserValue("provider").(string)
	body := ctx.PostBody()

	var parsed struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		apierr.WriteSimple(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if parsed.Model == "" {
		apierr.WriteSimple(ctx, fasthttp.StatusBadRequest, "field 'model' is required")
		return
	}

	in := providers.InboundRequest{
		Model:   parsed.Model,
		Body:    body,
		Stream:  parsed.Stream,
		Headers: copyHeaders(&ctx.Request.Header),
	}
	s.dispatchAndWrite(ctx, provider, parsed.Model, in)
}

// handleGemini serves POST /v1beta/models/{model}:{generateContent|streamGenerateContent}.
func (s *Server) handleGemini(ctx *fasthttp.RequestCtx) {
	if s.GeminiProvider == "" {
		apierr.WriteSimple(ctx, fasthttp.StatusNotFound, "no gemini provider configured")
		return
	}

	raw, _ := ctx.UserValue("modelAction").(string)
	model, action, ok := splitModelAction(raw)
	if !ok {
		apierr.WriteSimple(ctx, fasthttp.StatusBadRequest, "path must be {model}:{generateContent|streamGenerateContent}")
		return
	}

	in := providers.InboundRequest{
		Model:   model,
		Body:    ctx.PostBody(),
		Stream:  action == "streamGenerateContent",
		Headers: copyHeaders(&ctx.Request.Header),
	}
	s.dispatchAndWrite(ctx, s.GeminiProvider, model, in)
}

func splitModelAction(raw string) (model, action string, ok bool) {
	i := strings.LastIndex(raw, ":")
	if i < 0 {
		return "", "", false
	}
	model, action = raw[:i], raw[i+1:]
	if model == "" || (action != "generateContent" && action != "streamGenerateContent") {
		return "", "", false
	}
	return model, action, true
}

// dispatchAndWrite runs the Conductor and writes its Outcome to ctx,
// emitting the X-Gateway-Retries header (spec §7) and the async dispatch
// log entry.
func (s *Server) dispatchAndWrite(ctx *fasthttp.RequestCtx, provider, model string, in providers.InboundRequest) {
	reqID, _ := ctx.UserValue("request_id").(string)
	start := time.Now()

	out, err := s.Conductor.Dispatch(ctx, provider, model, in)
	latency := time.Since(start)
	if err != nil {
		s.logger().ErrorContext(ctx, "dispatch_error",
			slog.String("request_id", reqID),
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	for k, vs := range out.Headers {
		if skipResponseHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			ctx.Response.Header.Add(k, v)
		}
	}
	ctx.Response.Header.Set("X-Gateway-Retries", strconv.Itoa(out.Retries))
	ctx.SetStatusCode(out.StatusCode)

	if out.Streamed {
		// fasthttp drains and closes the stream itself once the response is
		// fully written, so the body must not be closed here.
		ctx.SetBodyStream(out.Body, -1)
	} else {
		data, _ := io.ReadAll(out.Body)
		out.Body.Close()
		ctx.SetBody(data)
	}

	s.logDispatch(reqID, provider, model, out, latency)
}

func (s *Server) logDispatch(reqID, provider, model string, out *dispatch.Outcome, latency time.Duration) {
	if s.ReqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(reqID)
	latencyMs := uint32(latency.Milliseconds())
	s.ReqLogger.Log(logger.DispatchLog{
		ID:        reqUUID,
		Provider:  provider,
		Model:     model,
		Reason:    string(out.Reason),
		Attempts:  uint8(clampUint8(out.Attempts)),
		Retries:   uint8(clampUint8(out.Retries)),
		LatencyMs: latencyMs,
		Status:    uint16(out.StatusCode),
		Streamed:  out.Streamed,
		NoKeys:    out.NoKeys,
		CreatedAt: time.Now(),
	})
}

func clampUint8(n int) int {
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return n
}

// handleHealthz returns 200 when no Repository is configured or when the
// Repository answers Ping.
func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	if s.Repo == nil {
		ctx.SetStatusCode(fasthttp.StatusOK)
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Repo.Ping(pingCtx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetBodyString(`{"status":"unavailable"}`)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString(`{"status":"ok"}`)
}

// skipResponseHeaders are the upstream response headers never forwarded to
// the client: connection-scoped headers fasthttp manages itself, plus
// Content-Length, which must reflect the body actually written (the
// streamed and retry paths can both change it).
var skipResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,
	"Content-Length":    true,
}

func copyHeaders(h *fasthttp.RequestHeader) http.Header {
	out := make(http.Header)
	h.VisitAll(func(k, v []byte) {
		out.Add(string(k), string(v))
	})
	return out
}
