//go:build !unix

package fslock

import (
	"errors"
	"os"
	"sync"
)

// Without flock, fall back to an exclusively created marker next to the
// lock file. A crashed holder leaves the marker behind; remove it by hand.
var held sync.Map

func tryLock(f *os.File) error {
	marker := f.Name() + ".held"
	m, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return ErrBusy
	}
	if err != nil {
		return err
	}
	m.Close()
	held.Store(f, marker)
	return nil
}

func unlock(f *os.File) error {
	v, ok := held.LoadAndDelete(f)
	if !ok {
		return nil
	}
	return os.Remove(v.(string))
}
