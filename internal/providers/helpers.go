package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// hopByHopHeaders are stripped before forwarding inbound headers upstream,
// matching the teacher's other_examples-grounded convention of never
// forwarding connection-scoped headers or the client's own auth.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Authorization":       true, // the adapter sets its own
	"Host":                true,
	"Accept-Encoding":     true,
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return data, nil
}

// substituteModel rewrites the "model" field of a client JSON body to
// model, preserving every other field verbatim (spec §4.1: "substitutes
// model if requested").
func substituteModel(body []byte, model string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	modelJSON, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	m["model"] = modelJSON
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return out, nil
}
