/* usbipd-go - USB/IP device-side stub server
 *
 * Common errors
 */

package main

import (
	"errors"
)

// Error values for usbipd-go
var (
	ErrLockIsBusy   = errors.New("lock is busy")
	ErrShutdown     = errors.New("shutdown requested")
	ErrBlackListed  = errors.New("device is blacklisted")
	ErrInitTimedOut = errors.New("device initialization timed out")
	ErrNoDaemon     = errors.New("usbipd-go daemon not running")
	ErrAccess       = errors.New("access denied")
	ErrAlreadyBound = errors.New("device is already exported to another client")
	ErrNotExported  = errors.New("device is not exported")
)
