/* usbipd-go - USB/IP device-side stub server
 *
 * Configuration constants
 */

package main

import (
	"time"
)

const (
	// DevInitTimeout specifies how much time to wait for opening and
	// configuring the host device before giving up on an import
	// request.
	DevInitTimeout = 10 * time.Second

	// DevShutdownTimeout specifies how much time to wait for an
	// exported device's Shutdown (which closes the session's
	// connection) to return before giving up on it.
	DevShutdownTimeout = 5 * time.Second

	// DNSSdRetryInterval specifies the retry interval in a case of a
	// failed DNS-SD operation.
	DNSSdRetryInterval = 1 * time.Second

	// TCPPort is the default USB/IP TCP port (per usbip_network.h).
	TCPPort = 3240
)

// Version is the program version string.
const Version = "1.0"
