// Package priority classifies a change as P0 to P3 from the signals around
// it: the QA decision document, the environment, the PR title and labels,
// and per-branch git config.
package priority

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"regexp"
	"strings"
)

// Priority is P0 (most urgent) to P3, or Unknown.
type Priority string

const (
	P0      Priority = "P0"
	P1      Priority = "P1"
	P2      Priority = "P2"
	P3      Priority = "P3"
	Unknown Priority = "unknown"
)

// Source names where a priority came from.
type Source string

const (
	SourceDirect     Source = "direct"
	SourceQADecision Source = "qa-decision"
	SourceEnv        Source = "env"
	SourceTitle      Source = "title"
	SourceLabel      Source = "label"
	SourceGitConfig  Source = "git-config"
	SourceDefault    Source = "default"
)

var (
	criticalWord   = regexp.MustCompile(`(?i)\bCRITICAL\b`)
	highWord       = regexp.MustCompile(`(?i)\bHIGH\b`)
	securityPrefix = regexp.MustCompile(`(?i)^security[:(]`)
	qaLine         = regexp.MustCompile(`^Priority:\s*(P[0-3])`)
	exactPriority  = regexp.MustCompile(`(?i)^P[0-3]$`)
)

// Extract maps free text to a priority. Checks run in order and the first
// hit wins: CRITICAL, HIGH, a security: or security( prefix, then the first
// standalone P0-P3 (not preceded by a letter or digit, not followed by a
// letter). Version-like text such as "P1.0.0" therefore reads as P1.
func Extract(text string) (Priority, bool) {
	if text == "" {
		return "", false
	}
	if criticalWord.MatchString(text) {
		return P0, true
	}
	if highWord.MatchString(text) {
		return P1, true
	}
	if securityPrefix.MatchString(text) {
		return P0, true
	}

	for i := 0; i+1 < len(text); i++ {
		if text[i] != 'P' && text[i] != 'p' {
			continue
		}
		d := text[i+1]
		if d < '0' || d > '3' {
			continue
		}
		if i > 0 && isAlnum(text[i-1]) {
			continue
		}
		if i+2 < len(text) && isLetter(text[i+2]) {
			continue
		}
		return Priority("P" + string(d)), true
	}
	return "", false
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isAlnum(c byte) bool { return isLetter(c) || (c >= '0' && c <= '9') }

// Sources are the inputs Detect consults, in order.
type Sources struct {
	// QADecisionPath is docs/QA-DECISION.md; empty or missing is skipped.
	QADecisionPath string
	// Env is PR_PRIORITY.
	Env string
	// Title is the pull request title.
	Title string
	// Labels is the comma separated PR_LABELS list.
	Labels string
	// GitConfig is branch.<name>.priority.
	GitConfig string
}

// Result is a detected priority and where it came from.
type Result struct {
	Priority Priority `json:"priority"`
	Source   Source   `json:"source"`
}

// Classify runs Extract on text given directly by the user.
func Classify(text string) Result {
	if p, ok := Extract(text); ok {
		return Result{Priority: p, Source: SourceDirect}
	}
	return Result{Priority: Unknown, Source: SourceDefault}
}

// Detect consults the sources in order and returns the first hit.
func Detect(src Sources) (Result, error) {
	if src.QADecisionPath != "" {
		p, err := fromQADecision(src.QADecisionPath)
		if err != nil {
			return Result{}, err
		}
		if p != "" {
			return Result{Priority: p, Source: SourceQADecision}, nil
		}
	}
	if p, ok := Extract(src.Env); ok {
		return Result{Priority: p, Source: SourceEnv}, nil
	}
	if p, ok := Extract(src.Title); ok {
		return Result{Priority: p, Source: SourceTitle}, nil
	}
	for _, label := range strings.Split(src.Labels, ",") {
		if p, ok := Extract(strings.TrimSpace(label)); ok {
			return Result{Priority: p, Source: SourceLabel}, nil
		}
	}
	if v := strings.TrimSpace(src.GitConfig); exactPriority.MatchString(v) {
		return Result{Priority: Priority(strings.ToUpper(v)), Source: SourceGitConfig}, nil
	}
	return Result{Priority: Unknown, Source: SourceDefault}, nil
}

// fromQADecision reads the first "Priority: Pn" line.
func fromQADecision(path string) (Priority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if m := qaLine.FindStringSubmatch(sc.Text()); m != nil {
			return Priority(m[1]), nil
		}
	}
	return "", sc.Err()
}
