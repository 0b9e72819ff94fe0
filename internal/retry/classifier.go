package retry

import "strings"

// Classification is the outcome of scanning an error against policy patterns
// and the built-in heuristics.
type Classification struct {
	ErrorType  string
	Retryable  bool
	Confidence float64
}

// Built-in heuristic pattern groups, scanned after policy patterns. Transient
// groups retry; permanent groups refuse. Confidence 0.7 either way.
var transientPatterns = []struct {
	errorType string
	patterns  []string
}{
	{"timeout", []string{"timeout", "timed out", "deadline exceeded"}},
	{"network", []string{"network", "connection", "dns", "no such host", "broken pipe"}},
	{"rate_limit", []string{"rate limit", "too many requests", "429"}},
	{"server_error", []string{"server error", "internal server", "5xx", "502", "503", "504"}},
}

var permanentPatterns = []struct {
	errorType string
	patterns  []string
}{
	{"syntax", []string{"syntax", "parse error", "invalid syntax", "unexpected token"}},
	{"permission", []string{"permission", "unauthorized", "forbidden", "access denied", "401", "403"}},
	{"not_found", []string{"not found", "404", "no such file"}},
	{"invalid_argument", []string{"invalid argument", "bad request", "quota exceeded"}},
}

// minConfidence is the threshold below which an unclassified error is refused
// rather than retried, to avoid infinite loops on unknown failures.
const minConfidence = 0.5

// classify scans the lower-cased error message and type name against the
// policy's explicit pattern lists first (confidence 0.9), then the built-in
// heuristics (0.7). An error matching nothing is unknown and non-retryable.
func classify(errMsg, errType string, retryable, nonRetryable []string) Classification {
	haystack := strings.ToLower(errMsg + " " + errType)

	for _, p := range nonRetryable {
		if p != "" && strings.Contains(haystack, strings.ToLower(p)) {
			return Classification{ErrorType: "policy_non_retryable", Retryable: false, Confidence: 0.9}
		}
	}
	for _, p := range retryable {
		if p != "" && strings.Contains(haystack, strings.ToLower(p)) {
			return Classification{ErrorType: "policy_retryable", Retryable: true, Confidence: 0.9}
		}
	}

	for _, group := range transientPatterns {
		for _, p := range group.patterns {
			if strings.Contains(haystack, p) {
				return Classification{ErrorType: group.errorType, Retryable: true, Confidence: 0.7}
			}
		}
	}
	for _, group := range permanentPatterns {
		for _, p := range group.patterns {
			if strings.Contains(haystack, p) {
				return Classification{ErrorType: group.errorType, Retryable: false, Confidence: 0.7}
			}
		}
	}

	return Classification{ErrorType: "unknown", Retryable: false, Confidence: 0.3}
}
