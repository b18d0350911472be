package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// LocalStorage handles audio files on the local filesystem
type LocalStorage struct {
	rootDir string
	tempDir string
}

// FileInfo describes one file under the storage root
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// NewLocalStorage creates a new local storage handler rooted at rootDir.
// Writes are staged in tempDir and renamed into place.
func NewLocalStorage(rootDir, tempDir string) (*LocalStorage, error) {
	for _, dir := range []string{rootDir, tempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &LocalStorage{
		rootDir: rootDir,
		tempDir: tempDir,
	}, nil
}

// Path returns the location of name under the storage root
func (ls *LocalStorage) Path(name string) string {
	return filepath.Join(ls.rootDir, sanitizeFilename(name))
}

// WriteFile writes data to path atomically
func (ls *LocalStorage) WriteFile(path string, data []byte) error {
	tmpPath := filepath.Join(ls.tempDir, fmt.Sprintf("write_%s.part", uuid.New().String()))

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	return nil
}

// DeleteFile removes path. A missing file is not an error.
func (ls *LocalStorage) DeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is a regular file
func (ls *LocalStorage) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DirSize returns the total bytes of regular files under the root
func (ls *LocalStorage) DirSize() (int64, error) {
	files, err := ls.ListFiles()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// ListFiles returns every regular file under the root
func (ls *LocalStorage) ListFiles() ([]FileInfo, error) {
	return listFiles(ls.rootDir)
}

// ListTempFiles returns every regular file in the staging directory
func (ls *LocalStorage) ListTempFiles() ([]FileInfo, error) {
	return listFiles(ls.tempDir)
}

func listFiles(dir string) ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, FileInfo{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	return files, nil
}

// sanitizeFilename strips directory components and limits length
func sanitizeFilename(name string) string {
	result := filepath.Base(filepath.Clean("/" + name))
	if len(result) > 100 {
		result = result[:100]
	}
	return result
}
