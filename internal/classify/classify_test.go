package classify_test

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/classify"
	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

func parseBody(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	return v
}

// TestClassify_QwenArrearage is seed scenario 1 from spec §8.
func TestClassify_QwenArrearage(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 400, ErrorPath: "error.type", MatchPattern: "Arrearage|BillingHardLimit", MapTo: gwtypes.InvalidKey, Priority: 10},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}

	body := parseBody(t, `{"error":{"type":"Arrearage"}}`)
	got := classify.Classify(400, body, true, rules)
	if got != gwtypes.InvalidKey {
		t.Errorf("got %s, want INVALID_KEY", got)
	}
}

// TestClassify_OpenAIQuota is seed scenario 2 from spec §8.
func TestClassify_OpenAIQuota(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 400, ErrorPath: "error.code", MatchPattern: "insufficient_quota", MapTo: gwtypes.NoQuota, Priority: 5},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}

	body := parseBody(t, `{"error":{"code":"insufficient_quota"}}`)
	got := classify.Classify(400, body, true, rules)
	if got != gwtypes.NoQuota {
		t.Errorf("got %s, want NO_QUOTA", got)
	}
}

func TestClassify_PriorityDominance(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 400, ErrorPath: "error.type", MatchPattern: ".*", MapTo: gwtypes.BadRequest, Priority: 1},
		{StatusCode: 400, ErrorPath: "error.type", MatchPattern: "Arrearage", MapTo: gwtypes.InvalidKey, Priority: 10},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	body := parseBody(t, `{"error":{"type":"Arrearage"}}`)
	if got := classify.Classify(400, body, true, rules); got != gwtypes.InvalidKey {
		t.Errorf("higher-priority rule should win, got %s", got)
	}
}

func TestClassify_TieBrokenByDeclarationOrder(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 400, ErrorPath: "error.type", MatchPattern: "Arrearage", MapTo: gwtypes.InvalidKey, Priority: 5},
		{StatusCode: 400, ErrorPath: "error.type", MatchPattern: "Arrearage", MapTo: gwtypes.NoAccess, Priority: 5},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	body := parseBody(t, `{"error":{"type":"Arrearage"}}`)
	if got := classify.Classify(400, body, true, rules); got != gwtypes.InvalidKey {
		t.Errorf("first-declared rule should win a tie, got %s", got)
	}
}

func TestClassify_MissingPathSegmentSkipsRule(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 400, ErrorPath: "error.nested.deep", MatchPattern: ".*", MapTo: gwtypes.InvalidKey, Priority: 1},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	body := parseBody(t, `{"error":{"type":"whatever"}}`)
	got := classify.Classify(400, body, true, rules)
	if got != gwtypes.BadRequest {
		t.Errorf("missing path should fall through to default map, got %s", got)
	}
}

func TestClassify_PathThroughArrayYieldsNoMatch(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 400, ErrorPath: "errors.type", MatchPattern: ".*", MapTo: gwtypes.InvalidKey, Priority: 1},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	body := parseBody(t, `{"errors":[{"type":"x"}]}`)
	got := classify.Classify(400, body, true, rules)
	if got != gwtypes.BadRequest {
		t.Errorf("indexing through an array is unsupported, want default-map fallback, got %s", got)
	}
}

func TestClassify_DisabledRulesUsesDefaultMap(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 429, ErrorPath: "", MatchPattern: ".*", MapTo: gwtypes.InvalidKey, Priority: 1},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	got := classify.Classify(429, nil, false, rules)
	if got != gwtypes.RateLimited {
		t.Errorf("disabled rules must not be consulted, got %s", got)
	}
}

func TestClassify_200WithErrorBodyIsSuccessUnlessRuled(t *testing.T) {
	// Spec §8: "A probe that receives HTTP 200 with a JSON error body is
	// considered SUCCESS unless a rule with status_code=200 maps it
	// otherwise." Classify is only ever invoked on failure paths, so a
	// 2xx with no matching rule correctly has no entry in the default map.
	got := gwtypes.ClassifyByHTTPStatus(200)
	if got != gwtypes.Unknown {
		t.Fatalf("200 has no default-map entry, got %s", got)
	}

	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 200, ErrorPath: "error.type", MatchPattern: "Anything", MapTo: gwtypes.InvalidKey, Priority: 1},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	body := parseBody(t, `{"error":{"type":"Anything"}}`)
	if got := classify.Classify(200, body, true, rules); got != gwtypes.InvalidKey {
		t.Errorf("explicit 200 rule should still apply, got %s", got)
	}
}

func TestClassifyTransport(t *testing.T) {
	if got := classify.ClassifyTransport(true); got != gwtypes.Timeout {
		t.Errorf("deadline exceeded: got %s, want TIMEOUT", got)
	}
	if got := classify.ClassifyTransport(false); got != gwtypes.NetworkError {
		t.Errorf("other transport failure: got %s, want NETWORK_ERROR", got)
	}
}

func TestCompileRules_InvalidPatternIsFatal(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 400, MatchPattern: "(unterminated"},
	}
	if err := classify.CompileRules(rules); err == nil {
		t.Fatal("expected an error for an invalid regex pattern")
	}
}

func TestClassify_Determinism(t *testing.T) {
	rules := []gwtypes.ErrorParsingRule{
		{StatusCode: 400, ErrorPath: "error.type", MatchPattern: "Arrearage", MapTo: gwtypes.InvalidKey, Priority: 10},
	}
	if err := classify.CompileRules(rules); err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	body := parseBody(t, `{"error":{"type":"Arrearage"}}`)
	first := classify.Classify(400, body, true, rules)
	for i := 0; i < 10; i++ {
		if got := classify.Classify(400, body, true, rules); got != first {
			t.Fatalf("classify is non-deterministic: iteration %d got %s, first was %s", i, got, first)
		}
	}
}
