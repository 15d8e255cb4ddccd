/* usbipd-go - USB/IP device-side stub server
 *
 * Device allow-list test
 */

package main

import (
	"testing"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
)

func TestDeviceAllowed(t *testing.T) {
	desc := hostusb.DeviceDesc{
		Addr:    hostusb.Addr{Bus: 3, Address: 7},
		Vendor:  0x1d6b,
		Product: 0x0104,
	}

	save := Conf.AllowList
	defer func() { Conf.AllowList = save }()

	cases := []struct {
		allow []string
		ok    bool
	}{
		{nil, true},
		{[]string{"1d6b:0104"}, true},
		{[]string{"1D6B:0104"}, true},
		{[]string{"3-7"}, true},
		{[]string{"dead:beef", "3-7"}, true},
		{[]string{"dead:beef", "1-2"}, false},
	}

	for _, c := range cases {
		Conf.AllowList = c.allow
		if got := DeviceAllowed(desc); got != c.ok {
			t.Errorf("DeviceAllowed with allow=%v: expected %v, got %v",
				c.allow, c.ok, got)
		}
	}
}
