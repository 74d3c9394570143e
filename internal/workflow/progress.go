package workflow

import (
	"fmt"
	"strings"
)

// Progress summarises the checklist for display. It has no say in whether
// a session may stop.
type Progress struct {
	Completed int
	Total     int
	// Next is the first pending step, or 0 when every step is done.
	Next  Step
	Steps []StepProgress
}

// StepProgress is one checklist line.
type StepProgress struct {
	Step   Step
	Status StepStatus
}

// ProgressOf builds the checklist summary of st.
func ProgressOf(st *State) Progress {
	p := Progress{Total: NumSteps}
	for _, step := range Steps() {
		status := st.Status(step)
		p.Steps = append(p.Steps, StepProgress{Step: step, Status: status})
		if status == Done {
			p.Completed++
		} else if p.Next == 0 {
			p.Next = step
		}
	}
	return p
}

func (p Progress) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d steps done", p.Completed, p.Total)
	if p.Next != 0 {
		fmt.Fprintf(&b, ", next: %s", p.Next.Key())
	}
	b.WriteByte('\n')
	for _, sp := range p.Steps {
		mark := " "
		if sp.Status == Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "  [%s] %s\n", mark, sp.Step.Key())
	}
	return b.String()
}
