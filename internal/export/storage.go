package export

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage defines where exported artifacts are written
type Storage interface {
	// Save writes a file and returns its path
	Save(filename string, data []byte) (string, error)

	// Delete removes a file
	Delete(path string) error
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage rooted at basePath
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save writes data under the base path. Only the base name of filename is
// used so artifact names cannot escape the directory.
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	path := filepath.Join(l.basePath, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return path, nil
}

// Delete removes a file previously returned by Save
func (l *LocalStorage) Delete(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// SaveAll writes every artifact, removing the ones already written if a
// later write fails.
func SaveAll(s Storage, artifacts ...Artifact) ([]string, error) {
	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		path, err := s.Save(a.Name, a.Data)
		if err != nil {
			for _, p := range paths {
				_ = s.Delete(p)
			}
			return nil, fmt.Errorf("saving %s: %w", a.Name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
