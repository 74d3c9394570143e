package secrets

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCredentialExposure is wrapped by every Violation.
var ErrCredentialExposure = errors.New("credential exposure")

// Kind classifies a Violation.
type Kind string

const (
	// KindToken is a literal credential typed into the command.
	KindToken Kind = "credential in command"
	// KindFileCopy is cp or mv with a credential file as the source.
	KindFileCopy Kind = "credential file exposure"
	// KindRedirect is credential content written to a file or tee.
	KindRedirect Kind = "credential content redirect"
)

// Violation is returned by CheckCommand when a command is refused.
type Violation struct {
	Kind Kind
	// Rules lists matched rule IDs for KindToken.
	Rules []string
	// Command is the offending command with tokens redacted.
	Command string
}

func (v *Violation) Error() string {
	if len(v.Rules) > 0 {
		return fmt.Sprintf("%s (%s)", v.Kind, strings.Join(v.Rules, ", "))
	}
	return string(v.Kind)
}

func (v *Violation) Unwrap() error { return ErrCredentialExposure }

// Guard checks commands against the configured rules.
type Guard struct {
	config *Config
}

// redaction tracks a span to redact.
type redaction struct {
	start, end int
}

// New creates a Guard. If cfg is nil, DefaultConfig() is used.
func New(cfg *Config) (*Guard, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Guard{config: cfg}, nil
}

// IsEnabled returns whether checks are active.
func (g *Guard) IsEnabled() bool {
	return g.config.Enabled
}

// Scan finds literal tokens in content.
func (g *Guard) Scan(content string) *Result {
	result := &Result{
		Redacted: content,
		ByRule:   make(map[string]int),
	}
	if !g.config.Enabled || content == "" {
		return result
	}

	var spans []redaction
	for _, rule := range g.config.compiledRules {
		if len(rule.keywords) > 0 && !anyMatch(rule.keywords, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if g.isAllowed(content[m[0]:m[1]]) {
				continue
			}
			result.Findings = append(result.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				StartIndex:  m[0],
				EndIndex:    m[1],
			})
			result.ByRule[rule.ID]++
			spans = append(spans, redaction{start: m[0], end: m[1]})
		}
	}
	result.TotalFindings = len(result.Findings)

	if len(spans) > 0 {
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		var b strings.Builder
		pos := 0
		for _, r := range mergeRedactions(spans) {
			b.WriteString(content[pos:r.start])
			b.WriteString(g.config.RedactionString)
			pos = r.end
		}
		b.WriteString(content[pos:])
		result.Redacted = b.String()
	}
	return result
}

// CheckCommand returns a *Violation if cmd carries a literal credential or
// moves the contents of a credential directory. Reading a credential file
// to the terminal, sourcing it, listing or testing it are all allowed.
func (g *Guard) CheckCommand(cmd string) error {
	if !g.config.Enabled || strings.TrimSpace(cmd) == "" {
		return nil
	}

	res := g.Scan(cmd)
	if res.HasFindings() {
		return &Violation{Kind: KindToken, Rules: res.RuleIDs(), Command: res.Redacted}
	}

	if kind, ok := g.exposure(cmd); ok {
		return &Violation{Kind: kind, Command: cmd}
	}
	return nil
}

func (g *Guard) isAllowed(match string) bool {
	return anyMatch(g.config.compiledAllowList, match)
}

// mergeRedactions merges overlapping or adjacent spans sorted by start.
func mergeRedactions(spans []redaction) []redaction {
	merged := []redaction{spans[0]}
	for _, curr := range spans[1:] {
		last := &merged[len(merged)-1]
		if curr.start <= last.end {
			if curr.end > last.end {
				last.end = curr.end
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}
