// Package gate signs and verifies gate artifacts.
//
// A gate artifact is the proof that an evaluator approved one phase of the
// workflow. It is a JSON file (.gate-<gate>-passed) in the repository root,
// bound to the branch, HEAD commit, tree and repository identity it was
// produced for, and signed with a secret the agent cannot read. Changing any
// signed field, moving to another branch or commit, or waiting past the
// expiry invalidates it.
package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is written into every newly signed artifact.
const ProtocolVersion = 3

// legacyVersion is the version reported for artifacts in the v2 layout.
const legacyVersion = 2

// Decision is an evaluator verdict.
type Decision string

const (
	Pass Decision = "PASS"
	Fail Decision = "FAIL"
)

// ParseDecision accepts PASS or FAIL in any case.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToUpper(strings.TrimSpace(s))) {
	case Pass:
		return Pass, nil
	case Fail:
		return Fail, nil
	}
	return "", fmt.Errorf("decision must be PASS or FAIL, got %q", s)
}

// Artifact is a signed gate result. Timestamps are kept as the exact strings
// that were signed.
type Artifact struct {
	Version        int      `json:"version"`
	Gate           string   `json:"gate"`
	Decision       Decision `json:"decision"`
	CreatedAt      string   `json:"created_at"`
	ExpiresAt      string   `json:"expires_at"`
	ExpiresAtEpoch int64    `json:"expires_at_epoch"`
	Branch         string   `json:"branch"`
	CommitSHA      string   `json:"commit_sha"`
	TreeSHA        string   `json:"tree_sha"`
	RepoID         string   `json:"repo_id"`
	Signature      string   `json:"signature"`

	// legacy holds the original fields of a v2 artifact; nil for v3.
	legacy *legacyArtifact
}

// legacyArtifact is the v2 on-disk layout. It has no expiry, tree or
// repository binding and is signed with a keyed sha256 rather than HMAC.
type legacyArtifact struct {
	Gate        string `json:"gate"`
	Decision    string `json:"decision"`
	GeneratedAt string `json:"generated_at"`
	Branch      string `json:"branch"`
	HeadSHA     string `json:"head_sha"`
	TaskID      string `json:"task_id"`
	ToolVersion string `json:"tool_version"`
	Signature   string `json:"signature"`
}

// IsLegacy reports whether the artifact was decoded from the v2 layout.
func (a *Artifact) IsLegacy() bool {
	return a.legacy != nil
}

// Created parses CreatedAt.
func (a *Artifact) Created() (time.Time, error) {
	return time.Parse(time.RFC3339, a.CreatedAt)
}

// Expires parses ExpiresAt.
func (a *Artifact) Expires() (time.Time, error) {
	return time.Parse(time.RFC3339, a.ExpiresAt)
}

// FileName returns the artifact file name for gate.
func FileName(gate string) string {
	return ".gate-" + gate + "-passed"
}

// ErrFormat marks artifacts that cannot be decoded or are structurally invalid.
var ErrFormat = errors.New("malformed gate artifact")

var (
	gateNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
	sha1Pattern     = regexp.MustCompile(`^[0-9a-f]{40}$`)
	sha256Pattern   = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// BuiltinGates are the gates every workflow knows about.
var BuiltinGates = []string{"prd", "dod", "test", "audit", "qa", "learning"}

// ValidGateName reports whether name can be used as a gate identifier.
func ValidGateName(name string) bool {
	return gateNamePattern.MatchString(name)
}

// IsKnownGate reports whether name is a built-in gate or listed in extra.
func IsKnownGate(name string, extra []string) bool {
	if !ValidGateName(name) {
		return false
	}
	for _, g := range BuiltinGates {
		if g == name {
			return true
		}
	}
	for _, g := range extra {
		if strings.TrimSpace(g) == name {
			return true
		}
	}
	return false
}

// Decode parses an artifact in either the current or the v2 layout.
// A v2 artifact keeps Version 2 so verification can apply the degraded rules.
func Decode(data []byte) (*Artifact, error) {
	var layout struct {
		Version     *json.RawMessage `json:"version"`
		GeneratedAt *string          `json:"generated_at"`
	}
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if layout.Version == nil {
		if layout.GeneratedAt == nil {
			return nil, fmt.Errorf("%w: missing version", ErrFormat)
		}
		var legacy legacyArtifact
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return fromLegacy(&legacy), nil
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if a.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, a.Version)
	}
	return &a, nil
}

// fromLegacy maps the v2 fields onto Artifact. The mapping is explicit and
// lossless: the original record is kept for signature checks.
func fromLegacy(l *legacyArtifact) *Artifact {
	return &Artifact{
		Version:   legacyVersion,
		Gate:      l.Gate,
		Decision:  Decision(l.Decision),
		CreatedAt: l.GeneratedAt,
		Branch:    l.Branch,
		CommitSHA: l.HeadSHA,
		Signature: l.Signature,
		legacy:    l,
	}
}

// Encode serializes a v3 artifact. Legacy artifacts are never re-encoded.
func Encode(a *Artifact) ([]byte, error) {
	if a.IsLegacy() {
		return nil, errors.New("refusing to re-encode a v2 artifact")
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// checkFormat validates the structure of a v3 artifact.
func checkFormat(a *Artifact) error {
	if !ValidGateName(a.Gate) {
		return fmt.Errorf("invalid gate name %q", a.Gate)
	}
	if a.Decision != Pass && a.Decision != Fail {
		return fmt.Errorf("invalid decision %q", a.Decision)
	}
	created, err := a.Created()
	if err != nil {
		return fmt.Errorf("invalid created_at: %v", err)
	}
	expires, err := a.Expires()
	if err != nil {
		return fmt.Errorf("invalid expires_at: %v", err)
	}
	if !expires.After(created) {
		return errors.New("expires_at must be after created_at")
	}
	if a.ExpiresAtEpoch != expires.Unix() {
		return errors.New("expires_at_epoch does not match expires_at")
	}
	if a.Branch == "" {
		return errors.New("missing branch")
	}
	if !sha1Pattern.MatchString(a.CommitSHA) {
		return errors.New("commit_sha must be 40 hex characters")
	}
	if !sha1Pattern.MatchString(a.TreeSHA) {
		return errors.New("tree_sha must be 40 hex characters")
	}
	if !sha256Pattern.MatchString(a.RepoID) {
		return errors.New("repo_id must be 64 hex characters")
	}
	if !sha256Pattern.MatchString(a.Signature) {
		return errors.New("signature must be 64 hex characters")
	}
	return nil
}

func checkLegacyFormat(l *legacyArtifact) error {
	if !ValidGateName(l.Gate) {
		return fmt.Errorf("invalid gate name %q", l.Gate)
	}
	if l.Decision != string(Pass) && l.Decision != string(Fail) {
		return fmt.Errorf("invalid decision %q", l.Decision)
	}
	if l.GeneratedAt == "" || l.Branch == "" || l.HeadSHA == "" || l.Signature == "" {
		return errors.New("missing v2 fields")
	}
	return nil
}

// signingPayload is the canonical byte string covered by the v3 signature.
func signingPayload(a *Artifact) []byte {
	return []byte(strings.Join([]string{
		strconv.Itoa(a.Version),
		a.Gate,
		string(a.Decision),
		a.CreatedAt,
		a.ExpiresAt,
		strconv.FormatInt(a.ExpiresAtEpoch, 10),
		a.Branch,
		a.CommitSHA,
		a.TreeSHA,
		a.RepoID,
	}, "\n"))
}

// legacyPayload is the string hashed by v2 signatures.
func legacyPayload(l *legacyArtifact, secret []byte) []byte {
	return []byte(strings.Join([]string{l.Gate, l.Decision, l.GeneratedAt, l.Branch, l.HeadSHA, string(secret)}, ":"))
}
