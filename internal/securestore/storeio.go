package securestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"facewatch/go-backend/internal/platform/atomicfile"

	"github.com/gofrs/flock"
)

const maxRecordSize = 1 << 20

// readRecordFile returns exists=false without error when path is absent.
func readRecordFile(path string) ([]byte, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: stat document: %w", ErrIO, err)
	}
	if !info.Mode().IsRegular() {
		return nil, false, fmt.Errorf("%w: document path is not a regular file", ErrFormat)
	}
	if info.Size() > maxRecordSize {
		return nil, false, fmt.Errorf("%w: document exceeds %d bytes", ErrFormat, maxRecordSize)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read document: %w", ErrIO, err)
	}
	return raw, true, nil
}

// writeFileAtomic replaces path so readers observe either the previous or the
// new content.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return atomicfile.Write(path, data, 0o600)
}

// saveLock serializes writers across processes sharing the same data file.
type saveLock struct {
	lock *flock.Flock
}

func newSaveLock(dataFile string) *saveLock {
	return &saveLock{lock: flock.New(dataFile+".lock", flock.SetPermissions(0o600))}
}

func (l *saveLock) acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.lock.Path()), 0o700); err != nil {
		return fmt.Errorf("%w: create lock dir: %w", ErrIO, err)
	}
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: acquire save lock: %w", ErrIO, err)
	}
	if !locked {
		return fmt.Errorf("%w: another process is saving", ErrBusy)
	}
	return nil
}

func (l *saveLock) release() {
	_ = l.lock.Unlock()
}
