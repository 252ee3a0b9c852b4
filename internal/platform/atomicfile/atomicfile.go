// Package atomicfile replaces files so that readers and crashes observe either
// the previous or the new content, never a mix.
package atomicfile

import (
	"os"
	"path/filepath"
	"runtime"
)

// syncDir is swapped in tests.
var syncDir = SyncDir

// Write writes data to a sibling temp file with perm, syncs it, renames it over
// path and then syncs the parent directory so the rename itself is durable.
// The directory must already exist.
func Write(path string, data []byte, perm os.FileMode) (retErr error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	// The new content is already in place; a failed directory sync only
	// weakens durability across power loss.
	_ = syncDir(dir)
	return nil
}

// SyncDir fsyncs a directory. It is a no-op on Windows, where directories
// cannot be opened for sync.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
