package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// FileStore reads the profile from a YAML file on every call, so edits are
// picked up by the next session without a restart.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store reading path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Profile reads and decodes the file. A missing file yields [ErrNotFound];
// unknown keys are rejected.
func (s *FileStore) Profile(_ context.Context) (Profile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Profile{}, fmt.Errorf("knowledge: %s: %w", s.path, ErrNotFound)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("knowledge: read %s: %w", s.path, err)
	}

	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("knowledge: decode %s: %w", s.path, err)
	}
	return p, nil
}
