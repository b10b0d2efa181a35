// Package classify implements the Error Classifier (C2): it maps a
// (status_code, parsed_body) pair to exactly one gwtypes.ErrorReason via an
// ordered, regex-based rule system with a default HTTP-code fallback.
//
// Rules are compiled once, at config load, via CompileRules — the same
// compile-once-and-fail-fast idiom the teacher's cache package uses for
// its exclusion lists. A compile failure is a configuration error and
// must block startup (spec §4.2).
package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
)

// CompileRules compiles every rule's match_pattern into a regexp, storing
// the compiled matcher on each rule via gwtypes.ErrorParsingRule.SetCompiled.
// Returns a descriptive error naming the offending rule on first failure.
func CompileRules(rules []gwtypes.ErrorParsingRule) error {
	for i := range rules {
		re, err := regexp.Compile(rules[i].MatchPattern)
		if err != nil {
			return fmt.Errorf("classify: rule %d (status=%d path=%q): invalid pattern %q: %w",
				i, rules[i].StatusCode, rules[i].ErrorPath, rules[i].MatchPattern, err)
		}
		rules[i].SetCompiled(re.MatchString)
	}
	return nil
}

// Classify implements the §4.2 algorithm. body may be nil (no parseable
// JSON body, or a transport failure with no response at all). rules must
// already be compiled (see CompileRules); enabled gates whether rules are
// consulted at all.
func Classify(statusCode int, body any, enabled bool, rules []gwtypes.ErrorParsingRule) gwtypes.ErrorReason {
	if enabled {
		if reason, ok := evaluateRules(statusCode, body, rules); ok {
			return reason
		}
	}
	return gwtypes.ClassifyByHTTPStatus(statusCode)
}

// Match evaluates only the configured rules against (statusCode, body),
// with no default-map fallback. The probe path uses it on 2xx responses,
// where "no rule matched" must mean success rather than UNKNOWN.
func Match(statusCode int, body any, rules []gwtypes.ErrorParsingRule) (gwtypes.ErrorReason, bool) {
	return evaluateRules(statusCode, body, rules)
}

// ClassifyTransport handles the case where the upstream call never
// produced a status at all (§4.2 step 3): deadline exceeded → Timeout,
// anything else → NetworkError.
func ClassifyTransport(deadlineExceeded bool) gwtypes.ErrorReason {
	if deadlineExceeded {
		return gwtypes.Timeout
	}
	return gwtypes.NetworkError
}

// evaluateRules evaluates the subset of rules whose StatusCode matches, in
// descending Priority with ties broken by declaration order (stable sort
// over the original slice index), and returns the first rule whose
// error_path value matches its pattern.
func evaluateRules(statusCode int, body any, rules []gwtypes.ErrorParsingRule) (gwtypes.ErrorReason, bool) {
	type candidate struct {
		idx  int
		rule gwtypes.ErrorParsingRule
	}
	var candidates []candidate
	for i, r := range rules {
		if r.StatusCode == statusCode {
			candidates = append(candidates, candidate{idx: i, rule: r})
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].rule.Priority != candidates[b].rule.Priority {
			return candidates[a].rule.Priority > candidates[b].rule.Priority
		}
		return candidates[a].idx < candidates[b].idx
	})

	for _, c := range candidates {
		val, ok := lookupPath(body, c.rule.ErrorPath)
		if !ok {
			continue
		}
		if c.rule.Matches(stringify(val)) {
			return c.rule.MapTo, true
		}
	}
	return "", false
}

// lookupPath traverses a decoded-JSON value (map[string]any / []any /
// scalars, as produced by encoding/json.Unmarshal into `any`) along a
// dot-separated path. A missing segment at any level — including through
// an array, where the spec treats indexing as unsupported — yields
// (nil, false) rather than an error (spec §8 boundary behavior).
func lookupPath(body any, path string) (any, bool) {
	if path == "" || body == nil {
		return nil, false
	}
	cur := body
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// stringify renders a decoded-JSON leaf value as the string the regex is
// matched against: strings pass through unquoted, everything else uses its
// default formatting.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
