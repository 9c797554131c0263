package blob

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Store reads workflow inputs and writes generated artifacts on the
// local filesystem. References are paths relative to the store root;
// inputs may also be absolute paths outside the root.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", dir)
	}
	return &Store{root: dir}, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string {
	return s.root
}

// Resolve maps a reference to a filesystem path. Relative references
// resolve under the store root and must not escape it.
func (s *Store) Resolve(ref string) (string, error) {
	if filepath.IsAbs(ref) {
		return ref, nil
	}
	path := filepath.Join(s.root, ref)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", eris.Errorf("blob: reference %q escapes store root", ref)
	}
	return path, nil
}

// Read returns the contents of the referenced object.
func (s *Store) Read(ref string) ([]byte, error) {
	path, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", ref)
	}
	return data, nil
}

// Size returns the byte size of the referenced object.
func (s *Store) Size(ref string) (int64, error) {
	path, err := s.Resolve(ref)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, eris.Wrapf(err, "blob: stat %s", ref)
	}
	return info.Size(), nil
}

// Write stores data under jobID/name and returns its reference.
func (s *Store) Write(jobID, name string, data []byte) (string, error) {
	ref := filepath.Join(jobID, name)
	path, err := s.Resolve(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "blob: create dir for %s", ref)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "blob: write %s", ref)
	}
	return ref, nil
}
