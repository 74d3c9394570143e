package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/logging"
	"go.uber.org/zap"
)

// DefaultStaleAge is how long a session may go without a heartbeat before
// other sessions may reclaim its record.
const DefaultStaleAge = time.Hour

// Info is one registered session as stored in session-<id>.json.
// Timestamps are RFC3339 strings so records written by other tools that
// use a different layout still decode; unparsable values fall back to the
// file modification time.
type Info struct {
	SessionID     string `json:"session_id"`
	PID           int    `json:"pid"`
	TTY           string `json:"tty"`
	CWD           string `json:"cwd"`
	RepoID        string `json:"repo_id,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Started       string `json:"started"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`

	modTime time.Time
	file    string
}

// LastSeen is the best available liveness timestamp.
func (i *Info) LastSeen() time.Time {
	for _, ts := range []string{i.LastHeartbeat, i.Started} {
		if ts == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	}
	return i.modTime
}

// Registry stores one JSON file per live session in a shared directory.
type Registry struct {
	dir      string
	staleAge time.Duration
	now      func() time.Time
	logger   *logging.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns a registry rooted at dir. staleAge <= 0 means DefaultStaleAge.
func NewRegistry(dir string, staleAge time.Duration, opts ...RegistryOption) *Registry {
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	r := &Registry{
		dir:      dir,
		staleAge: staleAge,
		now:      time.Now,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) path(sessionID string) string {
	return filepath.Join(r.dir, "session-"+sessionID+".json")
}

// Register writes (or rewrites) the record for info.SessionID.
func (r *Registry) Register(ctx context.Context, info Info) error {
	if !ValidSessionID(info.SessionID) {
		return fmt.Errorf("invalid session id %q", info.SessionID)
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	now := r.now().UTC().Format(time.RFC3339)
	if info.Started == "" {
		info.Started = now
	}
	info.LastHeartbeat = now
	info.TTY = NormalizeTTY(info.TTY)
	if info.PID == 0 {
		info.PID = os.Getpid()
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := AtomicWrite(r.path(info.SessionID), append(data, '\n'), 0o600); err != nil {
		return err
	}
	r.logger.Debug(ctx, "session registered", zap.String("session_id", info.SessionID), zap.String("branch", info.Branch))
	return nil
}

// Heartbeat refreshes last_heartbeat for sessionID.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	info, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return r.Register(ctx, *info)
}

// Unregister removes the record for sessionID. Missing records are not an error.
func (r *Registry) Unregister(ctx context.Context, sessionID string) error {
	if !ValidSessionID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	if err := os.Remove(r.path(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session: %w", err)
	}
	r.logger.Debug(ctx, "session unregistered", zap.String("session_id", sessionID))
	return nil
}

// Get reads one session record.
func (r *Registry) Get(sessionID string) (*Info, error) {
	if !ValidSessionID(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	return readInfo(r.path(sessionID))
}

func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	if st, err := os.Stat(path); err == nil {
		info.modTime = st.ModTime()
	}
	info.file = path
	info.TTY = NormalizeTTY(info.TTY)
	return &info, nil
}

// List returns every readable session record, oldest first. Corrupt records
// are skipped. The id in the file name wins over the one in the body.
func (r *Registry) List(ctx context.Context) ([]*Info, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "session-*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	out := make([]*Info, 0, len(matches))
	for _, m := range matches {
		info, err := readInfo(m)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn(ctx, "skipping unreadable session record", zap.String("file", m), zap.Error(err))
			}
			continue
		}
		fileID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "session-"), ".json")
		if info.SessionID != fileID {
			if info.SessionID != "" {
				r.logger.Warn(ctx, "session record names another session",
					zap.String("file", m), zap.String("session_id", info.SessionID))
			}
			info.SessionID = fileID
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen().Before(out[j].LastSeen()) })
	return out, nil
}

// IsStale reports whether info has gone quiet for longer than maxAge.
func (r *Registry) IsStale(info *Info, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = r.staleAge
	}
	seen := info.LastSeen()
	if seen.IsZero() {
		return true
	}
	return r.now().Sub(seen) > maxAge
}

// ReclaimStale removes every record older than maxAge (the registry default
// when maxAge <= 0) and returns the reclaimed session ids. Fresh records are
// untouched. Only the file a stale record was read from is removed.
func (r *Registry) ReclaimStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, info := range all {
		if !r.IsStale(info, maxAge) {
			continue
		}
		if err := os.Remove(info.file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return reclaimed, fmt.Errorf("reclaiming %s: %w", info.SessionID, err)
		}
		reclaimed = append(reclaimed, info.SessionID)
		r.logger.Info(ctx, "reclaimed stale session",
			zap.String("session_id", info.SessionID),
			zap.Time("last_seen", info.LastSeen()))
	}
	return reclaimed, nil
}

// Conflicts returns live sessions other than self that claim the same
// repository and branch.
func (r *Registry) Conflicts(ctx context.Context, repoID, branch, self string) ([]*Info, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Info
	for _, info := range all {
		if info.SessionID == self || r.IsStale(info, 0) {
			continue
		}
		if info.Branch != branch {
			continue
		}
		if repoID != "" && info.RepoID != "" && info.RepoID != repoID {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
