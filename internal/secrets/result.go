package secrets

import "sort"

// Result contains the outcome of a Scan.
type Result struct {
	// Redacted is the input with every finding replaced.
	Redacted string `json:"redacted"`

	// Findings never carry the matched value.
	Findings []Finding `json:"findings,omitempty"`

	TotalFindings int            `json:"total_findings"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}

// Finding represents a detected token.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
}

// HasFindings returns true if any tokens were found.
func (r *Result) HasFindings() bool {
	return r.TotalFindings > 0
}

// RuleIDs returns the matched rule IDs in sorted order.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary returns a brief summary of findings.
func (r *Result) Summary() string {
	switch {
	case !r.HasFindings():
		return "no credentials detected"
	case r.TotalFindings == 1:
		return "1 credential detected (" + r.Findings[0].Description + ")"
	default:
		return "multiple credentials detected"
	}
}
