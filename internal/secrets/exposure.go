package secrets

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	segmentSep = regexp.MustCompile(`&&|\|\||;|\n`)
	redirectOp = regexp.MustCompile(`(?:\d|&)?>{1,2}\s*(\S*)`)
	fdTarget   = regexp.MustCompile(`^&\d*-?$`)
	envAssign  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
)

// copyCommands move or duplicate files.
var copyCommands = map[string]bool{
	"cp": true, "mv": true, "rsync": true, "scp": true, "install": true,
}

// dirPattern matches references to dir in a command line.
func dirPattern(dir string) *regexp.Regexp {
	dir = strings.TrimRight(dir, "/")
	var alts []string
	if rest, ok := strings.CutPrefix(dir, "~/"); ok {
		q := regexp.QuoteMeta(rest)
		alts = append(alts, `~/`+q, `\$HOME/`+q, `\$\{HOME\}/`+q)
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			alts = append(alts, regexp.QuoteMeta(filepath.Join(home, rest)))
		}
	} else {
		alts = append(alts, regexp.QuoteMeta(dir))
	}
	return regexp.MustCompile(`(?:` + strings.Join(alts, "|") + `)(?:/|$|[\s"'])`)
}

func (g *Guard) mentionsCredentials(s string) bool {
	return anyMatch(g.config.dirMatchers, s)
}

// exposure inspects each command segment (split on && || ; and newlines)
// that references a credential directory.
func (g *Guard) exposure(cmd string) (Kind, bool) {
	for _, segment := range segmentSep.Split(cmd, -1) {
		if !g.mentionsCredentials(segment) {
			continue
		}
		stages := strings.Split(segment, "|")
		for i, stage := range stages {
			words := commandWords(stage)
			if len(words) == 0 {
				continue
			}
			name := filepath.Base(words[0])
			if copyCommands[name] && g.copiesOut(words[1:]) {
				return KindFileCopy, true
			}
			if i > 0 && name == "tee" {
				return KindRedirect, true
			}
			if writesFile(stage) {
				return KindRedirect, true
			}
		}
	}
	return "", false
}

// copiesOut reports whether a credential path is a source operand, that is
// any operand but the last.
func (g *Guard) copiesOut(args []string) bool {
	var operands []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		operands = append(operands, a)
	}
	if len(operands) < 2 {
		return len(operands) == 1 && g.mentionsCredentials(operands[0]+" ")
	}
	for _, op := range operands[:len(operands)-1] {
		if g.mentionsCredentials(op + " ") {
			return true
		}
	}
	return false
}

// writesFile reports an output redirection to something other than a file
// descriptor or /dev/null.
func writesFile(stage string) bool {
	for _, m := range redirectOp.FindAllStringSubmatch(stage, -1) {
		target := strings.Trim(m[1], `"'`)
		if fdTarget.MatchString(target) || target == "/dev/null" {
			continue
		}
		return true
	}
	return false
}

// commandWords splits a pipeline stage and drops sudo, env and leading
// VAR=value assignments.
func commandWords(stage string) []string {
	words := strings.Fields(stage)
	for len(words) > 0 {
		switch w := words[0]; {
		case w == "sudo" || w == "env" || w == "command" || w == "exec":
			words = words[1:]
		case envAssign.MatchString(w):
			words = words[1:]
		default:
			return words
		}
	}
	return nil
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
