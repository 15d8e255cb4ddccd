//go:build linux || freebsd || darwin

/* usbipd-go - USB/IP device-side stub server
 *
 * File locking -- UNIX version
 */

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileLock locks the file, used to enforce the daemon's single-instance
// invariant via PathLockFile.
func FileLock(file *os.File, exclusive, wait bool) error {
	var how int

	if exclusive {
		how = unix.LOCK_EX
	} else {
		how = unix.LOCK_SH
	}

	if !wait {
		how |= unix.LOCK_NB
	}

	err := unix.Flock(int(file.Fd()), how)
	if err == unix.EWOULDBLOCK {
		err = ErrLockIsBusy
	}

	return err
}

// FileUnlock unlocks the file.
func FileUnlock(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}
