/* usbipd-go - USB/IP device-side stub server
 *
 * USB hotplug detection
 */

package main

import "time"

// hotplugPollInterval is how often the device manager rescans the USB
// bus for arrivals/removals. google/gousb does not expose libusb's
// hotplug callback API, so a polling timer feeds the device manager's
// diff-based reconciliation (see pnp.go) instead.
const hotplugPollInterval = 2 * time.Second

// UsbHotPlugChan is signalled on a timer to trigger device rescans.
var UsbHotPlugChan = make(chan struct{}, 1)

func init() {
	go func() {
		ticker := time.NewTicker(hotplugPollInterval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case UsbHotPlugChan <- struct{}{}:
			default:
			}
		}
	}()
}
