package gate

// Code is a verification outcome. Its value is the process exit code of
// `devgate gate verify`, kept identical to the earlier shell verifier so
// existing callers can switch on it.
type Code int

const (
	OK             Code = 0
	ConfigError    Code = 3
	FormatError    Code = 4
	SignatureFail  Code = 5
	BranchMismatch Code = 6
	Expired        Code = 7
	HeadMismatch   Code = 8
	RepoMismatch   Code = 9
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ConfigError:
		return "CONFIG_ERROR"
	case FormatError:
		return "FORMAT_ERROR"
	case SignatureFail:
		return "SIGNATURE_FAIL"
	case BranchMismatch:
		return "BRANCH_MISMATCH"
	case Expired:
		return "EXPIRED"
	case HeadMismatch:
		return "HEAD_MISMATCH"
	case RepoMismatch:
		return "REPO_MISMATCH"
	}
	return "UNKNOWN"
}

// ExitCode is the process exit status for c.
func (c Code) ExitCode() int { return int(c) }

// Result is the outcome of verifying one artifact.
type Result struct {
	Code     Code      `json:"code"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Warning  string    `json:"warning,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

func result(code Code, reason string, a *Artifact) Result {
	return Result{Code: code, Status: code.String(), Reason: reason, Artifact: a}
}

// Valid reports whether the artifact is authentic and fresh.
func (r Result) Valid() bool { return r.Code == OK }

// Passed reports whether the artifact is valid and records a PASS decision.
func (r Result) Passed() bool {
	return r.Code == OK && r.Artifact != nil && r.Artifact.Decision == Pass
}
