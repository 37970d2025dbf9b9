//go:build linux || darwin || freebsd || netbsd || openbsd

package fsutil

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// WriteFile writes data to path, creating or truncating it, sets mode and
// syncs before closing.
func WriteFile(path string, data []byte, mode uint32) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, mode)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			_ = unix.Close(fd)
			return errors.Wrapf(err, "write %s", path)
		}
		if n <= 0 {
			_ = unix.Close(fd)
			return errors.Errorf("write %s: short write (%d/%d)", path, written, len(data))
		}
		written += n
	}
	// O_CREAT applies the umask; executables need the bits set explicitly.
	if err := unix.Fchmod(fd, mode); err != nil {
		_ = unix.Close(fd)
		return errors.Wrapf(err, "chmod %s", path)
	}
	if err := unix.Fsync(fd); err != nil {
		_ = unix.Close(fd)
		return errors.Wrapf(err, "sync %s", path)
	}
	return errors.Wrapf(unix.Close(fd), "close %s", path)
}
