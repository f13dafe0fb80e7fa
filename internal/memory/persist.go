package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tempPattern = ".*.tmp-*"

// writeFileAtomic writes data next to path and renames it into place, so a
// crash mid-write leaves either the previous file or the new one, never a
// partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set temp file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// WriteFileAtomic is the exported form used by the registry, which follows
// the same write discipline as a store.
func WriteFileAtomic(path string, data []byte) error {
	return writeFileAtomic(path, data)
}

// removeStaleTemps deletes temp artifacts left behind by an interrupted write
// of path. It returns how many were removed.
func removeStaleTemps(path string) (int, error) {
	base := filepath.Base(path)
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), tempPattern))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if !strings.HasPrefix(filepath.Base(m), "."+base+".tmp-") {
			continue
		}
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}

// RemoveStaleTemps is the exported form of removeStaleTemps.
func RemoveStaleTemps(path string) (int, error) {
	return removeStaleTemps(path)
}
