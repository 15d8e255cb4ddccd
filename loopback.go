/* usbipd-go - USB/IP device-side stub server
 *
 * Loopback interface index discovery
 */

package main

import (
	"errors"
	"fmt"
	"net"
)

// Loopback returns index of loopback interface
func Loopback() (int, error) {
	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if (iface.Flags & net.FlagLoopback) != 0 {
				return iface.Index, nil
			}
		}
	}

	if err == nil {
		err = errors.New("not found")
	}

	return 0, fmt.Errorf("Loopback discovery: %s", err)
}
