package replication

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"
)

// LockError is the error class for lock file failures.
var LockError = errs.Class("lock")

// ErrBusy is returned when the lock file already exists.
var ErrBusy = errors.New("replica is busy")

// LockTimeLayout is the layout of the timestamp written to a lock file.
const LockTimeLayout = "2006-01-02 15:04:05"

// Lock is a held lock file.
type Lock struct {
	path string
}

// LockHeld reports whether the lock file at path exists.
func LockHeld(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, LockError.Wrap(err)
	}
}

// AcquireLock creates the lock file at path exclusively and records the
// acquisition time and run id in it. It returns ErrBusy, wrapped in
// LockError, if the file already exists.
func AcquireLock(path string, now time.Time, runID string) (*Lock, error) {
	if path == "" {
		return nil, LockError.New("lock file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, LockError.Wrap(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, LockError.Wrap(ErrBusy)
	}
	if err != nil {
		return nil, LockError.Wrap(err)
	}
	_, err = fmt.Fprintf(f, "%s\n%s\n", now.Format(LockTimeLayout), runID)
	if err = errs.Combine(err, f.Close()); err != nil {
		_ = os.Remove(path)
		return nil, LockError.Wrap(err)
	}
	return &Lock{path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return LockError.Wrap(err)
	}
	return nil
}
