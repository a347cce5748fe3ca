// Package classify extracts an audit verdict from unreliable, semi-structured
// analysis tool output and maps it to a result category.
//
// The extraction is an ordered fallback chain: wrapper JSON, nested result
// field, fenced code block, greedy brace span. Each stage runs only if the
// previous one did not yield a usable candidate, and the whole pipeline is
// total: any input, including garbage, produces a classified outcome.
package classify

import (
	"encoding/json"
	"regexp"
	"strings"

	"skillscan/internal/logging"
	"skillscan/internal/results"
)

// Outcome is the classified result for one raw output.
type Outcome struct {
	Category results.Category
	Reason   string // reason code, set only for ERROR
	Payload  []byte // parsed report (pretty JSON) or the raw text on failure
	Report   map[string]interface{} // parsed report, nil when parsing failed
}

// fencedBlock matches a markdown code fence explicitly tagged (or untagged)
// holding a JSON object.
var fencedBlock = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Normalize extracts the audit report from raw tool output and classifies it.
// Never fails: unparseable input lands in ERROR/INVALID_JSON with the raw
// text as payload.
func Normalize(raw string) Outcome {
	candidate := extract(raw)

	var report map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &report); err != nil {
		logging.ClassifyDebug("Final candidate did not parse: %v", err)
		return Outcome{
			Category: results.CategoryError,
			Reason:   results.ReasonInvalidJSON,
			Payload:  []byte(raw),
		}
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		// Cannot happen for a value that just unmarshaled, but stay total.
		payload = []byte(candidate)
	}

	category, reason := verdict(report)
	return Outcome{
		Category: category,
		Reason:   reason,
		Payload:  payload,
		Report:   report,
	}
}

// extract runs the ordered fallback chain and returns the final candidate
// text to parse.
func extract(raw string) string {
	// Stage 1: locate the first brace. Without one the raw text itself is
	// the candidate and parsing downstream will fail it into ERROR.
	start := strings.Index(raw, "{")
	if start == -1 {
		return raw
	}
	wrapped := raw[start:]

	// Stage 2: the tool's JSON output mode wraps the report in
	// {"result": "..."}. If the wrapper parses, pull the nested text out;
	// if it parses without the field, the wrapper itself is the inner
	// content; if it does not parse, greedy-match the first balanced
	// {...} span.
	inner := wrapped
	var wrapper map[string]interface{}
	if err := json.Unmarshal([]byte(wrapped), &wrapper); err == nil {
		if res, ok := wrapper["result"].(string); ok {
			inner = res
		}
	} else if span, ok := firstJSONSpan(wrapped); ok {
		inner = span
	}

	// Stage 3: a fenced block tagged as structured data wins.
	if m := fencedBlock.FindStringSubmatch(inner); m != nil {
		return m[1]
	}

	// Stage 4: substring between the first '{' and the last '}'.
	s := strings.Index(inner, "{")
	e := strings.LastIndex(inner, "}")
	if s != -1 && e != -1 && e > s {
		return inner[s : e+1]
	}
	return inner
}

// verdict reads audit_summary.intent_alignment_status from a parsed report.
func verdict(report map[string]interface{}) (results.Category, string) {
	summary, _ := report["audit_summary"].(map[string]interface{})
	if summary == nil {
		return results.CategoryError, results.ReasonStatusMissing
	}

	rawStatus, present := summary["intent_alignment_status"]
	if !present || rawStatus == nil {
		return results.CategoryError, results.ReasonStatusMissing
	}

	status, ok := rawStatus.(string)
	if !ok {
		return results.CategoryError, results.ReasonUnrecognizedStatus
	}

	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SAFE":
		return results.CategorySafe, ""
	case "SUSPICIOUS":
		return results.CategorySuspicious, ""
	case "MALICIOUS":
		return results.CategoryMalicious, ""
	case "":
		return results.CategoryError, results.ReasonStatusMissing
	default:
		logging.Classify("Unrecognized verdict %q", status)
		return results.CategoryError, results.ReasonUnrecognizedStatus
	}
}
