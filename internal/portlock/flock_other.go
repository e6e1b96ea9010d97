//go:build !unix

package portlock

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("port lock files are only supported on unix hosts")

func tryLock(f *os.File) error {
	return errUnsupported
}

func unlock(f *os.File) error {
	return errUnsupported
}
