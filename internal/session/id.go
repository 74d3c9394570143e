package session

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidSessionID reports whether id is usable in file names and records.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// DeriveSessionID returns the runtime supplied id when it is usable, otherwise
// a fresh random id. Callers resolve it once per process and pass it along;
// two calls without an external id return different values.
func DeriveSessionID(external string) string {
	external = strings.TrimSpace(external)
	if ValidSessionID(external) {
		return external
	}
	return uuid.NewString()
}
