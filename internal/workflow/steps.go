package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Step is a position in the 11-step checklist, starting at 1.
type Step int

const (
	StepPRD Step = iota + 1
	StepDetect
	StepBranch
	StepDoD
	StepCode
	StepTest
	StepQuality
	StepPR
	StepCI
	StepLearning
	StepCleanup
)

// NumSteps is the length of the checklist.
const NumSteps = 11

var stepLabels = [NumSteps + 1]string{
	"", "prd", "detect", "branch", "dod", "code", "test", "quality", "pr", "ci", "learning", "cleanup",
}

// Steps returns every step in order.
func Steps() []Step {
	out := make([]Step, NumSteps)
	for i := range out {
		out[i] = Step(i + 1)
	}
	return out
}

// Valid reports whether s is in range.
func (s Step) Valid() bool { return s >= 1 && s <= NumSteps }

// Label is the short name, e.g. "code".
func (s Step) Label() string {
	if !s.Valid() {
		return ""
	}
	return stepLabels[s]
}

// Key is the record key, e.g. "step_5_code".
func (s Step) Key() string {
	return fmt.Sprintf("step_%d_%s", int(s), s.Label())
}

func (s Step) String() string { return s.Key() }

// ParseStep accepts a number ("5"), a label ("code") or a key ("step_5_code").
func ParseStep(v string) (Step, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(v); err == nil {
		if s := Step(n); s.Valid() {
			return s, nil
		}
		return 0, fmt.Errorf("step %d out of range 1-%d", n, NumSteps)
	}
	for _, s := range Steps() {
		if v == s.Label() || v == s.Key() {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", v)
}
