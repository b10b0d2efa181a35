package dispatch

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// debugBodyLimit caps logged body text; longer bodies get the explicit
// truncation marker so it's obvious the log is incomplete, not the body.
const debugBodyLimit = 10 * 1024

const truncationMarker = "... (truncated)"

// debugLog emits the per-provider debug record for a buffered upstream
// response. Only runs on the request path, after buffering (spec §4.4):
// headers_only logs status and headers, full_body additionally logs the
// body truncated at 10 KiB. Bodies are logged as-is — debug mode exists to
// see exactly what the upstream sent, secrets included.
func (c *Conductor) debugLog(prov gwtypes.ProviderConfig, status int, headers http.Header, body []byte) {
	if prov.Gateway.DebugMode == gwtypes.DebugDisabled || c.Log == nil {
		return
	}

	attrs := []any{
		slog.String("provider", prov.Name),
		slog.Int("status", status),
		slog.Any("headers", headers),
	}
	if prov.Gateway.DebugMode == gwtypes.DebugFullBody {
		attrs = append(attrs, slog.String("body", truncateBody(body)))
	}
	c.Log.Debug("upstream_response", attrs...)
}

// debugLogBuffered drains a buffered success response so its body can be
// logged, then rewraps the bytes for the caller. Streamed responses never
// reach here — debug mode forces buffering upstream of this call.
func (c *Conductor) debugLogBuffered(prov gwtypes.ProviderConfig, resp *providers.Response) *providers.Response {
	if prov.Gateway.DebugMode == gwtypes.DebugDisabled || c.Log == nil {
		return resp
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return resp
	}
	c.debugLog(prov, resp.StatusCode, resp.Headers, body)
	return &providers.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       io.NopCloser(newBytesReader(body)),
	}
}

func truncateBody(body []byte) string {
	if len(body) <= debugBodyLimit {
		return string(body)
	}
	return string(body[:debugBodyLimit]) + truncationMarker
}
