package tracker

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/danieljhkim/plugkit/internal/fsops"
)

// Store persists tracker state.
type Store interface {
	// Load returns the saved state, or an empty state when nothing has been
	// saved yet.
	Load() (*State, error)

	// Save writes the state atomically.
	Save(state *State) error
}

// FileStore implements Store with a single JSON file.
type FileStore struct {
	fs   fsops.FS
	path string
}

// NewFileStore creates a FileStore backed by path.
func NewFileStore(fs fsops.FS, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the tracker file.
func (s *FileStore) Load() (*State, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewState(), nil
		}
		return nil, errors.Wrap(err, "failed to read tracker state")
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", s.path)
	}
	if state.Version > SchemaVersion {
		return nil, errors.WithHint(
			errors.Newf("tracker schema version %d is newer than supported version %d", state.Version, SchemaVersion),
			"upgrade plugkit",
		)
	}
	if state.Plugins == nil {
		state.Plugins = []Record{}
	}
	state.Version = SchemaVersion
	return &state, nil
}

// Save writes the tracker file atomically.
func (s *FileStore) Save(state *State) error {
	state.Version = SchemaVersion

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal tracker state")
	}

	if err := s.fs.AtomicWrite(s.path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write tracker state")
	}

	return nil
}
