package workflow

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fyrsmithlabs/devgate/internal/session"
)

// ErrNoState is returned when no workflow is active.
var ErrNoState = errors.New("no workflow state")

const maxStateSize = 64 * 1024

// FileStore keeps one State in a file, normally .dev-mode in the worktree root.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads the state. A missing file is ErrNoState.
func (s *FileStore) Load() (*State, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("opening workflow state: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxStateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading workflow state: %w", err)
	}
	if len(data) > maxStateSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrMalformedState, maxStateSize)
	}
	return ParseState(data)
}

// Save replaces the state atomically.
func (s *FileStore) Save(st *State) error {
	if err := session.AtomicWrite(s.path, st.Bytes(), 0o644); err != nil {
		return fmt.Errorf("saving workflow state: %w", err)
	}
	return nil
}

// Delete removes the state. Deleting a missing state is not an error.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting workflow state: %w", err)
	}
	return nil
}
