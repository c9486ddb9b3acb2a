// Package lockfile implements the advisory exclusive lock that makes
// coordinator ticks single-flight on one host.
//
// The lock is a file created with O_EXCL holding the holder's pid and
// acquisition time. A lock left behind by a crashed process is NOT cleared
// automatically: every acquire fails until an operator removes the file.
// Holder() exposes pid and age so the operator can judge staleness.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrHeld is returned by TryAcquire when the lock file already exists.
var ErrHeld = errors.New("lock already held")

// Holder describes who owns the lock file.
type Holder struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type Lock struct {
	path string
	held bool
}

func New(path string) *Lock {
	return &Lock{path: path}
}

func (l *Lock) Path() string { return l.path }

// TryAcquire takes the lock without blocking. If the file already exists it
// returns an error wrapping ErrHeld, annotated with the current holder when
// readable.
func (l *Lock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		if h, herr := l.Holder(); herr == nil {
			return fmt.Errorf("%w by pid %d since %s", ErrHeld, h.PID, h.AcquiredAt.Format(time.RFC3339))
		}
		return ErrHeld
	}
	if err != nil {
		return err
	}

	h := Holder{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(h); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return err
	}
	l.held = true
	return nil
}

// Release removes the lock file. Safe to call on every exit path; releasing a
// lock this process does not hold is a no-op.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Holder reads the current lock file. os.ErrNotExist when the lock is free.
func (l *Lock) Holder() (Holder, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(b, &h); err != nil {
		return Holder{}, fmt.Errorf("unreadable lock file %s: %w", l.path, err)
	}
	return h, nil
}
