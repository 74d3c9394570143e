package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/devgate/internal/session"
)

const (
	// ModeTag is the first line of a workflow state record.
	ModeTag = "dev"

	// FormatVersion is written into every saved record. Records without a
	// format key are version 1 and are migrated on read.
	FormatVersion = 2
)

// ErrMalformedState is returned for records that are not workflow state.
var ErrMalformedState = errors.New("malformed workflow state")

// StepStatus is the progress of one checklist step.
type StepStatus string

const (
	Pending StepStatus = "pending"
	Done    StepStatus = "done"
)

// State is the per-branch checklist record.
type State struct {
	Format          int
	Branch          string
	SessionID       string
	TTY             string
	PRD             string
	Started         string
	Steps           [NumSteps]StepStatus
	RetryCount      int
	LastBlockReason string
	CleanupDone     bool

	// Migrated is set when the record was upgraded from an older format.
	Migrated bool

	rec *session.Record
}

// newState returns a state with every step pending.
func newState() *State {
	s := &State{Format: FormatVersion, rec: session.NewRecord(ModeTag)}
	for i := range s.Steps {
		s.Steps[i] = Pending
	}
	return s
}

// Status returns the status of step.
func (s *State) Status(step Step) StepStatus {
	if !step.Valid() {
		return Pending
	}
	return s.Steps[step-1]
}

// IsDone reports whether step is done.
func (s *State) IsDone(step Step) bool { return s.Status(step) == Done }

// markDone moves step to done. There is no way back to pending.
func (s *State) markDone(step Step) {
	s.Steps[step-1] = Done
}

// legacyKeys are dropped when a v1 record is migrated.
var legacyKeys = []string{"pr_merged"}

// ParseState decodes and, when needed, migrates a record.
func ParseState(data []byte) (*State, error) {
	rec := session.ParseRecord(data)
	if rec.Tag != ModeTag {
		return nil, fmt.Errorf("%w: expected %q header", ErrMalformedState, ModeTag)
	}

	s := newState()
	s.rec = rec
	s.Branch = rec.Value("branch")
	s.SessionID = rec.Value("session_id")
	s.TTY = rec.Value("tty")
	s.PRD = rec.Value("prd")
	s.Started = rec.Value("started")
	s.LastBlockReason = rec.Value("last_block_reason")
	s.CleanupDone, _ = strconv.ParseBool(rec.Value("cleanup_done"))

	if n, err := strconv.Atoi(rec.Value("retry_count")); err == nil && n > 0 {
		s.RetryCount = n
	}

	for _, step := range Steps() {
		if strings.EqualFold(rec.Value(step.Key()), string(Done)) {
			s.Steps[step-1] = Done
		}
	}

	raw, ok := rec.Get("format")
	switch {
	case !ok:
		s.Migrated = true
		for _, k := range legacyKeys {
			rec.Delete(k)
		}
	default:
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("%w: bad format %q", ErrMalformedState, raw)
		}
		if v > FormatVersion {
			return nil, fmt.Errorf("%w: format %d is newer than supported %d", ErrMalformedState, v, FormatVersion)
		}
		s.Migrated = v < FormatVersion
	}
	s.Format = FormatVersion
	return s, nil
}

// Bytes renders the record. Unknown keys from the parsed record keep their
// position; known keys are rewritten in place.
func (s *State) Bytes() []byte {
	rec := s.rec
	if rec == nil {
		rec = session.NewRecord(ModeTag)
	}
	rec.Tag = ModeTag
	rec.Set("format", strconv.Itoa(FormatVersion))
	rec.Set("branch", s.Branch)
	rec.Set("session_id", s.SessionID)
	rec.Set("tty", s.TTY)
	rec.Set("prd", s.PRD)
	rec.Set("started", s.Started)
	for _, step := range Steps() {
		rec.Set(step.Key(), string(s.Status(step)))
	}
	rec.Set("retry_count", strconv.Itoa(s.RetryCount))
	rec.Set("last_block_reason", s.LastBlockReason)
	rec.Set("cleanup_done", strconv.FormatBool(s.CleanupDone))
	s.rec = rec
	return rec.Bytes()
}
