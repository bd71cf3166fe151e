package core

import (
	"fmt"
	"io/fs"
	"path/filepath"
)

// CollectFiles expands upload targets into the flat list of regular files to
// upload. Directory targets are walked recursively.
func CollectFiles(targets []UploadTarget) ([]string, error) {
	var out []string

	for _, target := range targets {
		if !target.IsDir {
			out = append(out, target.Path)
			continue
		}

		err := filepath.WalkDir(target.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", target.Path, err)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no files found under the given paths")
	}

	return out, nil
}
