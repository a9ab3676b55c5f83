//go:build linux

package serial

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type flock struct{ fd int }

func (l *flock) Close() error {
	if l.fd < 0 {
		return nil
	}
	_ = unix.Flock(l.fd, unix.LOCK_UN)
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

// Lock takes an exclusive advisory lock on the device node so two servers never
// share one keyer. The returned Closer releases it.
func Lock(name string) (io.Closer, error) {
	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, name)
		}
		return nil, fmt.Errorf("flock %s: %w", name, err)
	}
	return &flock{fd: fd}, nil
}
