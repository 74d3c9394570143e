package session

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// NoTTY is recorded when the process has no controlling terminal.
const NoTTY = "not a tty"

// CurrentTTY returns the terminal device attached to stdin, or NoTTY.
func CurrentTTY() string {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return NoTTY
	}
	if target, err := os.Readlink("/proc/self/fd/0"); err == nil && strings.HasPrefix(target, "/dev/") {
		return target
	}
	return NoTTY
}

// NormalizeTTY trims runtime noise (trailing newlines from `tty` output) and
// maps empty values to NoTTY.
func NormalizeTTY(tty string) string {
	tty = strings.TrimSpace(tty)
	if tty == "" {
		return NoTTY
	}
	return tty
}

// TTYMismatch reports whether two known terminals differ. Unknown terminals
// never count as a mismatch.
func TTYMismatch(a, b string) bool {
	a, b = NormalizeTTY(a), NormalizeTTY(b)
	if a == NoTTY || b == NoTTY {
		return false
	}
	return a != b
}
