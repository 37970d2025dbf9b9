//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package fsutil

import (
	"os"

	"github.com/pkg/errors"
)

// WriteFile writes data to path, creating or truncating it, sets mode and
// syncs before closing.
func WriteFile(path string, data []byte, mode uint32) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
