//go:build linux || freebsd

/* usbipd-go - USB/IP device-side stub server
 *
 * INET interface index discovery
 */

package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/holoplot/go-avahi"
)

// InetInterface returns index of named interface. The special names
// "all" and "loopback" map to avahi's wildcard and the system's
// loopback interface respectively.
func InetInterface(name string) (int, error) {
	switch name {
	case "all":
		return int(avahi.InterfaceUnspec), nil
	case "lo", "loopback":
		return Loopback()
	}

	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Name == name {
				return iface.Index, nil
			}
		}
		err = errors.New("not found")
	}

	return 0, fmt.Errorf("inet interface discovery: %s", err)
}
