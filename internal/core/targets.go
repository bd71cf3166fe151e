package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// UploadTarget is one command-line argument resolved against the local
// filesystem. Directories are expanded into individual files at collection
// time.
type UploadTarget struct {
	Path  string
	IsDir bool
}

// ResolveTargets turns raw command-line arguments into upload targets,
// rejecting paths that do not exist. Paths are cleaned so the same target
// given in different spellings resolves identically.
func ResolveTargets(args []string) ([]UploadTarget, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no files or directories given")
	}

	targets := make([]UploadTarget, 0, len(args))
	for _, raw := range args {
		path := filepath.Clean(raw)
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot upload %q: %w", raw, err)
		}
		targets = append(targets, UploadTarget{Path: path, IsDir: info.IsDir()})
	}
	return targets, nil
}
