package capability

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/devgate/internal/gate"
)

// ErrStoreTampering is returned for any attempt to touch the token store
// outside Issue and Consume.
var ErrStoreTampering = errors.New("write access to the capability token store is reserved for devgate")

// Guard rejects agent actions that could forge or destroy tokens.
type Guard struct {
	dir      string
	resolved string
}

// NewGuard protects the store at dir.
func NewGuard(dir string) *Guard {
	g := &Guard{dir: filepath.Clean(dir)}
	if abs, err := filepath.Abs(g.dir); err == nil {
		g.dir = abs
	}
	g.resolved = resolvePath(g.dir)
	return g
}

var readOnlyCommands = map[string]bool{
	"ls":   true,
	"cat":  true,
	"stat": true,
	"test": true,
	"head": true,
	"tail": true,
	"wc":   true,
}

// shellMeta are the constructs that turn a read into something else.
var shellMeta = []string{">", "<", "|", ";", "&", "`", "$(", "\n"}

// CheckCommand rejects a shell command that mentions the store unless it is
// a single read-only inspection.
func (g *Guard) CheckCommand(cmd string) error {
	if !g.mentionsStore(cmd) {
		return nil
	}
	if isReadOnly(cmd) {
		return nil
	}
	return ErrStoreTampering
}

var (
	// tokenFileRef matches token files named without their directory, as in
	// `find .git -name '*.token' -delete`.
	tokenFileRef = regexp.MustCompile(`\.token\b`)
	// fileMutation is any way of removing, replacing or creating a file.
	fileMutation = regexp.MustCompile(`\b(?:rm|unlink|mv|cp|touch|truncate|shred|tee|install|ln)\b|-delete\b|-exec\b|>`)
)

// mentionsStore reports whether cmd names the store, or names token files
// while changing files. A command that destroys the store without naming
// either, such as `rm -rf .git`, is not detected.
func (g *Guard) mentionsStore(cmd string) bool {
	if strings.Contains(cmd, StoreDirName) {
		return true
	}
	if tokenFileRef.MatchString(cmd) && fileMutation.MatchString(cmd) {
		return true
	}
	return strings.Contains(cmd, g.dir) || (g.resolved != "" && strings.Contains(cmd, g.resolved))
}

func isReadOnly(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	for _, m := range shellMeta {
		if strings.Contains(cmd, m) {
			return false
		}
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	return readOnlyCommands[filepath.Base(fields[0])]
}

// CheckPath rejects a file-tool write whose target lies inside the store.
// Symlinks are resolved so a link pointing into the store is caught too.
func (g *Guard) CheckPath(path string) error {
	if path == "" {
		return nil
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == StoreDirName {
			return ErrStoreTampering
		}
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return ErrStoreTampering
	}
	for _, candidate := range []string{abs, resolvePath(abs)} {
		if within(g.dir, candidate) || (g.resolved != "" && within(g.resolved, candidate)) {
			return ErrStoreTampering
		}
	}
	return nil
}

// resolvePath evaluates symlinks on the longest existing prefix of path.
func resolvePath(path string) string {
	if r, err := filepath.EvalSymlinks(path); err == nil {
		return r
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path
	}
	return filepath.Join(resolvePath(parent), filepath.Base(path))
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

var (
	// ErrMissingGate is returned when a sign invocation names no gate.
	ErrMissingGate = errors.New("gate sign invocation is missing the gate argument")

	// ErrUnknownGate is returned when a sign invocation names an unrecognised gate.
	ErrUnknownGate = errors.New("unknown gate")
)

// SignInvocation is one gate artifact request found in a shell command.
type SignInvocation struct {
	Gate string
	// Legacy is set for the generate-gate-file.sh form.
	Legacy bool
	// Consume reports a --consume flag on this invocation.
	Consume bool
	// Session is the last --session value given to this invocation.
	Session string
}

// devgateFlagsWithValue are devgate flags that take the next word as their
// value when not written as --flag=value.
var devgateFlagsWithValue = map[string]bool{
	"--decision": true,
	"--ttl":      true,
	"--config":   true,
	"--session":  true,
	"--repo":     true,
	"-C":         true,
}

var shellSeparator = regexp.MustCompile(`&&|\|\||[;&|\n()` + "`" + `]|\$\(`)

// ParseSignInvocations returns every gate artifact request in cmd, in order.
// Both `devgate [flags] gate sign <gate>` and the older
// `generate-gate-file.sh <gate>` are recognised. The error reports the
// first request with a missing or unknown gate.
func ParseSignInvocations(cmd string, extra []string) ([]SignInvocation, error) {
	var (
		out      []SignInvocation
		firstErr error
	)
	for _, segment := range shellSeparator.Split(cmd, -1) {
		words := strings.Fields(segment)
		for i := 0; i < len(words); i++ {
			inv, ok := parseInvocationAt(words, i)
			if !ok {
				continue
			}
			if firstErr == nil {
				switch {
				case inv.Gate == "":
					firstErr = ErrMissingGate
				case !gate.IsKnownGate(inv.Gate, extra):
					firstErr = fmt.Errorf("%w %q", ErrUnknownGate, inv.Gate)
				}
			}
			out = append(out, inv)
		}
	}
	return out, firstErr
}

// parseInvocationAt reads a sign request starting at words[i].
func parseInvocationAt(words []string, i int) (SignInvocation, bool) {
	var inv SignInvocation
	base := filepath.Base(trimWord(words[i]))
	switch base {
	case "generate-gate-file.sh":
		inv.Legacy = true
		inv.Gate = firstArg(words[i+1:], &inv)
		return inv, true
	case "devgate":
	default:
		return inv, false
	}

	// Global flags may precede the subcommand.
	j := i + 1
	for j < len(words) && strings.HasPrefix(trimWord(words[j]), "-") {
		j = readFlag(words, j, &inv)
	}
	if j+1 >= len(words) || trimWord(words[j]) != "gate" || trimWord(words[j+1]) != "sign" {
		return inv, false
	}
	inv.Gate = firstArg(words[j+2:], &inv)
	return inv, true
}

// readFlag records the flag at words[j] and returns the index after it.
func readFlag(words []string, j int, inv *SignInvocation) int {
	flag := trimWord(words[j])
	value, hasValue := "", false
	if k := strings.IndexByte(flag, '='); k > 0 {
		flag, value, hasValue = flag[:k], flag[k+1:], true
	}
	next := j + 1
	if !hasValue && devgateFlagsWithValue[flag] && next < len(words) {
		value = trimWord(words[next])
		next++
	}
	switch flag {
	case "--consume":
		inv.Consume = !hasValue || value == "true"
	case "--session":
		inv.Session = value
	}
	return next
}

// firstArg returns the first positional argument, recording flags on inv.
// Every word is read so flags after the gate count too.
func firstArg(args []string, inv *SignInvocation) string {
	name := ""
	for i := 0; i < len(args); {
		a := trimWord(args[i])
		if strings.HasPrefix(a, "-") {
			i = readFlag(args, i, inv)
			continue
		}
		if name == "" {
			name = a
		}
		i++
	}
	return name
}

// trimWord strips quotes from a word.
func trimWord(w string) string {
	return strings.Trim(w, `"'`)
}
