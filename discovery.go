/* usbipd-go - USB/IP device-side stub server
 *
 * USB context initialization
 */

package main

import (
	"github.com/google/gousb"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
)

// usbCtx is the process-wide gousb context, opened once at startup
// by UsbInit.
var usbCtx *gousb.Context

// UsbInit opens the gousb context. check, when true, only verifies
// that the USB subsystem is reachable without keeping it open (used
// by the "check" run mode).
func UsbInit(check bool) error {
	ctx := gousb.NewContext()

	if check {
		defer ctx.Close()
		_, err := hostusb.Enumerate(ctx)
		return err
	}

	usbCtx = ctx
	return nil
}
