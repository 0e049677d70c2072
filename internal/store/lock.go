package store

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/amishk599/gigradar/internal/model"
)

// Lock is an exclusive advisory lock next to the database file. Only one
// gigradar process may write the delivery log and cursors at a time.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock for dbPath without blocking. It returns
// model.ErrLocked when another process holds it.
func AcquireLock(dbPath string) (*Lock, error) {
	fl := flock.New(dbPath + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", fl.Path(), model.ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
