package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/session"
)

// KindRetryExhausted marks a session that was let go after the retry ceiling.
const KindRetryExhausted = "retry_exhausted"

// FailureRecord is one line of the failure ledger.
type FailureRecord struct {
	Kind            string    `json:"kind"`
	Branch          string    `json:"branch"`
	SessionID       string    `json:"session_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	RetryCount      int       `json:"retry_count"`
	LastBlockReason string    `json:"last_block_reason"`
}

// Ledger is an append-only JSON lines file of failure records.
type Ledger struct {
	path string
}

// NewLedger returns a ledger backed by path, normally
// <git-common-dir>/devgate/failures.jsonl.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file.
func (l *Ledger) Path() string { return l.path }

// Append adds rec to the ledger.
func (l *Ledger) Append(ctx context.Context, rec FailureRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding failure record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating ledger dir: %w", err)
	}
	if err := session.AtomicAppend(ctx, l.path, string(line)); err != nil {
		return fmt.Errorf("appending failure record: %w", err)
	}
	return nil
}

// Records reads every well-formed record. Corrupt lines are skipped.
func (l *Ledger) Records() ([]FailureRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	var out []FailureRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		var rec FailureRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("reading ledger: %w", err)
	}
	return out, nil
}
