// Package atomicfile commits whole files atomically: content is written to a
// temporary file in the destination directory, synced, and renamed over the
// target path. A reader of the target therefore observes either the previous
// complete content or the new complete content, never a partial write, and a
// crash mid-write leaves the previous file intact.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// tmpPattern names in-flight temp files so leftovers from a crashed writer
// are recognisable and safe to clean.
const tmpPattern = ".botan-*.tmp"

// WriteFile atomically replaces the file at path with data. The temp file is
// created in the same directory as path so the final rename never crosses a
// filesystem boundary.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return fmt.Errorf("atomicfile: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("atomicfile: write %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("atomicfile: chmod %s: %w", tmpPath, err)
	}
	// Sync before rename so a power failure cannot publish an empty file
	// under the final name.
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("atomicfile: sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: rename over %s: %w", path, err)
	}
	committed = true
	return nil
}

// CleanStale removes temp files left in dir by writers that crashed before
// their rename. It returns the number of files removed. Errors on individual
// removals are ignored; a missing directory is not an error.
func CleanStale(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, tmpPattern))
	if err != nil {
		return 0
	}
	removed := 0
	for _, m := range matches {
		if os.Remove(m) == nil {
			removed++
		}
	}
	return removed
}
