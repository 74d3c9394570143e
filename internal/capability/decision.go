package capability

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/devgate/internal/gate"
)

// Decision is the verdict extracted from an evaluation.
type Decision int

const (
	Unknown Decision = iota
	Pass
	Fail
)

func (d Decision) String() string {
	switch d {
	case Pass:
		return "PASS"
	case Fail:
		return "FAIL"
	}
	return "UNKNOWN"
}

// decisionLine matches "Decision: PASS" with optional heading or list
// prefixes and markdown emphasis around the label and the value.
var decisionLine = regexp.MustCompile("(?i)^[\\s#>*+\\-\\d.)]*[*_`]*decision[*_`]*\\s*:\\s*[*_`]*\\s*(pass|fail)(?:[^a-z0-9]|$)")

// ParseDecision reads the Decision line(s) of free-form evaluator output.
// Missing markers, or markers that disagree, give Unknown.
func ParseDecision(text string) Decision {
	found := Unknown
	for _, line := range strings.Split(text, "\n") {
		m := decisionLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		d := Fail
		if strings.EqualFold(m[1], "pass") {
			d = Pass
		}
		if found != Unknown && found != d {
			return Unknown
		}
		found = d
	}
	return found
}

// RolePrefix introduces the capability a delegated evaluation declares.
const RolePrefix = "gate:"

// ParseRole extracts the gate from a "gate:<name>" description. Only
// built-in gates and those listed in extra are eligible.
func ParseRole(description string, extra []string) (string, bool) {
	description = strings.TrimSpace(description)
	if !strings.HasPrefix(description, RolePrefix) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(description, RolePrefix))
	if !gate.IsKnownGate(name, extra) {
		return "", false
	}
	return name, true
}

// Evaluation is the output of a delegated evaluator as seen by the broker.
type Evaluation struct {
	// Description carries the declared role, e.g. "gate:audit".
	Description string
	// Result is the evaluator's free-text report.
	Result string
}
