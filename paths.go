/* usbipd-go - USB/IP device-side stub server
 *
 * Common paths
 */

package main

const (
	// PathConfDir is the path to the configuration directory.
	PathConfDir = "/etc/usbipd-go"

	// PathProgState is the path to the program state directory.
	PathProgState = "/var/lib/usbipd-go"

	// PathLockDir is the path to the directory that contains lock files.
	PathLockDir = PathProgState + "/lock"

	// PathLockFile is the path to the daemon's single-instance lock file.
	PathLockFile = PathLockDir + "/usbipd-go.lock"

	// PathLogDir is the path to the directory where per-device log
	// files are written.
	PathLogDir = PathProgState + "/log"

	// PathCtrlSock is the path to the control/status Unix socket.
	PathCtrlSock = PathProgState + "/ctrl.sock"
)
