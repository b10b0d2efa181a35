package providers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

// ExtractedError is extract_error's output (spec §4.1): the raw bytes
// actually read (subject to the 256 KiB cap) and, when the body parses as
// JSON, the decoded value the classifier walks by dot-path.
type ExtractedError struct {
	RawPayload []byte
	Parsed     any // decoded JSON (map[string]any/[]any/scalars), or nil
}

// ReadErrorBody reads an error response body, capping at MaxErrorBodyBytes
// only when needsPathTraversal is true (spec §4.2: "if any rule for a
// provider has error_path other than empty, the Adapter MUST buffer error
// responses up to a hard 256 KiB cap"); a success response passes through
// here only when a rule targets its status (the probe engine's 2xx
// check), and providers with no path-based rules read the full body since
// nothing downstream needs the cap.
func ReadErrorBody(body io.Reader, needsPathTraversal bool) ([]byte, error) {
	if needsPathTraversal {
		return io.ReadAll(io.LimitReader(body, MaxErrorBodyBytes))
	}
	return io.ReadAll(body)
}

// ExtractError parses body as JSON when contentType indicates JSON or the
// body looks like an object; otherwise it returns a synthetic
// {"raw": text} payload, per spec §4.1.
func ExtractError(contentType string, body []byte) ExtractedError {
	trimmed := bytes.TrimSpace(body)
	looksJSON := strings.Contains(contentType, "json") || bytes.HasPrefix(trimmed, []byte("{"))

	if looksJSON && len(trimmed) > 0 {
		var parsed any
		if err := json.Unmarshal(trimmed, &parsed); err == nil {
			return ExtractedError{RawPayload: body, Parsed: parsed}
		}
	}

	return ExtractedError{
		RawPayload: body,
		Parsed:     map[string]any{"raw": string(body)},
	}
}

// NeedsPathTraversal reports whether any rule in rules has a non-empty
// ErrorPath, the condition that triggers the §4.2 256 KiB buffering cap.
func NeedsPathTraversal(rules []gwtypes.ErrorParsingRule) bool {
	for _, r := range rules {
		if r.ErrorPath != "" {
			return true
		}
	}
	return false
}

// ContentType extracts the Content-Type header for use with ExtractError.
func ContentType(h http.Header) string {
	return h.Get("Content-Type")
}
