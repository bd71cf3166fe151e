package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store defines the interface for blob storage backends.
// This allows swapping filesystem for S3 or other backends later.
type Store interface {
	Save(key string, data io.Reader) (int64, error)
	Path(key string) (string, error)
	Delete(key string) error
	Keys() ([]BlobInfo, error)
	EnsureDir() error
}

// BlobInfo describes one stored blob file.
type BlobInfo struct {
	Key     string
	ModTime time.Time
}

// Key derives the physical storage key for a fingerprint. The extension of
// the original filename is carried along as a cosmetic hint; identity is the
// fingerprint alone.
func Key(fingerprint, originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if ext == "." {
		ext = ""
	}
	return fingerprint + ext
}

// FileSystemStore stores blobs on the local filesystem, one file per key.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data to the file named by key. The write lands in a temp file
// first and is renamed into place, so a redundant concurrent write of the
// same key (always byte-identical content) replaces the file with a complete
// copy rather than interleaving. Returns the number of bytes written.
func (fs *FileSystemStore) Save(key string, data io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(fs.basePath, ".ingest-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, data)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	filePath := fs.filePath(key)
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to place blob %s: %w", key, err)
	}

	return n, nil
}

// Path returns the absolute path to a stored blob.
// Returns an error if the blob does not exist.
func (fs *FileSystemStore) Path(key string) (string, error) {
	filePath := fs.filePath(key)

	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("blob not found for key %s", key)
		}
		return "", fmt.Errorf("failed to stat blob: %w", err)
	}

	return filePath, nil
}

// Delete removes the stored blob for a key. Missing blobs are not an error.
func (fs *FileSystemStore) Delete(key string) error {
	filePath := fs.filePath(key)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", filePath, err)
	}
	return nil
}

// Keys lists all stored blobs with their modification times. Temp files from
// in-flight writes are excluded.
func (fs *FileSystemStore) Keys() ([]BlobInfo, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	var blobs []BlobInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".ingest-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat blob %s: %w", entry.Name(), err)
		}
		blobs = append(blobs, BlobInfo{Key: entry.Name(), ModTime: info.ModTime()})
	}
	return blobs, nil
}

func (fs *FileSystemStore) filePath(key string) string {
	return filepath.Join(fs.basePath, key)
}
