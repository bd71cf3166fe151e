package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name        string
		fingerprint string
		filename    string
		expected    string
	}{
		{"keeps extension", "abc123", "photo.png", "abc123.png"},
		{"lowercases extension", "abc123", "PHOTO.PNG", "abc123.png"},
		{"no extension", "abc123", "README", "abc123"},
		{"trailing dot", "abc123", "weird.", "abc123"},
		{"nested extension", "abc123", "archive.tar.gz", "abc123.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.fingerprint, tt.filename); got != tt.expected {
				t.Errorf("Key(%q, %q) = %q, want %q", tt.fingerprint, tt.filename, got, tt.expected)
			}
		})
	}

	t.Run("extension never changes identity", func(t *testing.T) {
		a := Key("fp", "one.txt")
		b := Key("fp", "two.txt")
		if a != b {
			t.Errorf("same fingerprint and extension must share a key: %q vs %q", a, b)
		}
	})
}

func TestFileSystemStore_Save(t *testing.T) {
	t.Run("saves blob to disk", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		data := bytes.NewReader([]byte("test content"))
		n, err := store.Save("abc123.txt", data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if n != 12 {
			t.Errorf("expected 12 bytes written, got %d", n)
		}

		content, err := os.ReadFile(filepath.Join(dir, "abc123.txt"))
		if err != nil {
			t.Fatalf("failed to read saved blob: %v", err)
		}
		if string(content) != "test content" {
			t.Errorf("expected 'test content', got %q", content)
		}
	})

	t.Run("redundant write of the same key is safe", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		if _, err := store.Save("dup", bytes.NewReader([]byte("identical bytes"))); err != nil {
			t.Fatalf("first save: %v", err)
		}
		if _, err := store.Save("dup", bytes.NewReader([]byte("identical bytes"))); err != nil {
			t.Fatalf("second save: %v", err)
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("expected exactly one blob file, got %d", len(entries))
		}

		content, _ := os.ReadFile(filepath.Join(dir, "dup"))
		if string(content) != "identical bytes" {
			t.Errorf("blob corrupted by redundant write: %q", content)
		}
	})

	t.Run("leaves no temp file behind", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		if _, err := store.Save("clean", bytes.NewReader([]byte("x"))); err != nil {
			t.Fatal(err)
		}

		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".ingest-") {
				t.Errorf("temp file left behind: %s", e.Name())
			}
		}
	})

	t.Run("saves large content", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		largeContent := strings.Repeat("x", 1024*1024) // 1MB
		n, err := store.Save("large", bytes.NewReader([]byte(largeContent)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if n != int64(len(largeContent)) {
			t.Errorf("expected %d bytes, got %d", len(largeContent), n)
		}
	})
}

func TestFileSystemStore_Path(t *testing.T) {
	t.Run("returns path for existing blob", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		filePath := filepath.Join(dir, "test123.png")
		os.WriteFile(filePath, []byte("data"), 0644)

		path, err := store.Path("test123.png")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if path != filePath {
			t.Errorf("expected %s, got %s", filePath, path)
		}
	})

	t.Run("returns error for missing blob", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		if _, err := store.Path("nonexistent"); err == nil {
			t.Error("expected error for nonexistent blob")
		}
	})
}

func TestFileSystemStore_Delete(t *testing.T) {
	t.Run("deletes existing blob", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		filePath := filepath.Join(dir, "del123")
		os.WriteFile(filePath, []byte("data"), 0644)

		if err := store.Delete("del123"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := os.Stat(filePath); !os.IsNotExist(err) {
			t.Error("expected blob to be deleted")
		}
	})

	t.Run("no error for missing blob", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		if err := store.Delete("nonexistent"); err != nil {
			t.Errorf("expected no error for missing blob, got: %v", err)
		}
	})
}

func TestFileSystemStore_Keys(t *testing.T) {
	t.Run("lists stored blobs", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		os.WriteFile(filepath.Join(dir, "aaa.txt"), []byte("1"), 0644)
		os.WriteFile(filepath.Join(dir, "bbb"), []byte("2"), 0644)
		os.WriteFile(filepath.Join(dir, ".ingest-12345"), []byte("partial"), 0644)

		blobs, err := store.Keys()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(blobs) != 2 {
			t.Fatalf("expected 2 blobs (temp file excluded), got %d", len(blobs))
		}
		seen := map[string]bool{}
		for _, b := range blobs {
			seen[b.Key] = true
			if b.ModTime.IsZero() {
				t.Errorf("expected mod time for %s", b.Key)
			}
		}
		if !seen["aaa.txt"] || !seen["bbb"] {
			t.Errorf("unexpected keys: %v", seen)
		}
	})

	t.Run("empty store", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		blobs, err := store.Keys()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(blobs) != 0 {
			t.Errorf("expected no blobs, got %d", len(blobs))
		}
	})
}

func TestFileSystemStore_EnsureDir(t *testing.T) {
	t.Run("creates directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "storage", "path")
		store := NewFileSystemStore(dir)

		if err := store.EnsureDir(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected a directory")
		}
	})

	t.Run("succeeds if directory exists", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		if err := store.EnsureDir(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
