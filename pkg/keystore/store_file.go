package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a file-backed RegionStore. Each region is a file named after
// the region under the base directory.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore creates a store rooted at baseDir. The directory is created on
// first write.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// Read returns the region contents.
func (s *FileStore) Read(region string) ([]byte, error) {
	if !validRegion(region) {
		return nil, ErrInvalidRegion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(region))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrRegionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read region %s: %w", region, err)
	}
	return data, nil
}

// Write replaces the region contents. The file is written to a temporary
// name and renamed so a power cut never leaves a torn region.
func (s *FileStore) Write(region string, data []byte) error {
	if !validRegion(region) {
		return ErrInvalidRegion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.baseDir, "."+region+"-*")
	if err != nil {
		return fmt.Errorf("write region %s: %w", region, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write region %s: %w", region, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync region %s: %w", region, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(region)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit region %s: %w", region, err)
	}
	return nil
}

// Erase removes the region file.
func (s *FileStore) Erase(region string) error {
	if !validRegion(region) {
		return ErrInvalidRegion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(region))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// BaseDir returns the store directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func (s *FileStore) path(region string) string {
	return filepath.Join(s.baseDir, region)
}
