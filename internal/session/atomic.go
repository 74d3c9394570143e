package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// appendLockTimeout bounds how long an appender waits for another one.
	appendLockTimeout = 10 * time.Second

	appendLockPollInterval = 20 * time.Millisecond
)

// AtomicWrite replaces path with data. Readers observe either the previous
// content or the new content, never a partial file. The temp file is created
// next to path so the rename stays on one filesystem.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("writing %s: %w", tmpPath, err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("syncing %s: %w", tmpPath, err))
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(fmt.Errorf("setting mode on %s: %w", tmpPath, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// AtomicAppend appends line (a trailing newline is added when missing) to
// path, creating it when absent. Concurrent appenders are serialised with an
// advisory lock kept outside the working tree, so no append is lost.
func AtomicAppend(ctx context.Context, path, line string) error {
	lock, err := lockFor(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	perm := os.FileMode(0o644)
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if info, statErr := os.Stat(path); statErr == nil {
			perm = info.Mode().Perm()
		}
	case errors.Is(err, os.ErrNotExist):
		existing = nil
	default:
		return fmt.Errorf("reading %s: %w", path, err)
	}

	buf := make([]byte, 0, len(existing)+len(line)+2)
	buf = append(buf, existing...)
	if len(buf) > 0 && buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		buf = append(buf, '\n')
	}

	return AtomicWrite(path, buf, perm)
}

// lockFor takes the advisory lock guarding path. The lock file lives in the
// temp dir, keyed by the absolute path, so nothing is left in the repository.
func lockFor(ctx context.Context, path string) (*flock.Flock, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	sum := sha256.Sum256([]byte(abs))
	lockPath := filepath.Join(os.TempDir(), "devgate-"+hex.EncodeToString(sum[:8])+".lock")

	lock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(ctx, appendLockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, appendLockPollInterval)
	if err != nil {
		return nil, fmt.Errorf("waiting for lock on %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock on %s not acquired", path)
	}
	return lock, nil
}
