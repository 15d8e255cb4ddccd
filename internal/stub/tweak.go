package stub

import (
	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
)

// Standard control request codes this module special-cases, taken
// straight from the USB 2.0 spec chapter 9 table of standard requests.
const (
	reqClearFeature     = 0x01
	reqSetConfiguration = 0x09
	reqSetInterface     = 0x0b
	reqSetFeature       = 0x03

	featureEndpointHalt = 0x00
	portFeatReset       = 0x04

	bmRequestTypeRecipientMask = 0x1f
	recipientDevice            = 0x00
	recipientInterface         = 0x01
	recipientEndpoint          = 0x02
	recipientOther             = 0x03

	bmRequestTypeTypeMask = 0x60
	typeStandard          = 0x00
	typeClass             = 0x20
)

// tweakOutcome tells the RX pipeline whether a submitted control
// transfer was fully handled locally (and must not reach the device)
// or should proceed to Submit as usual.
type tweakOutcome int

const (
	// tweakPassthrough: not a request this module intercepts: submit
	// the transfer to the device normally.
	tweakPassthrough tweakOutcome = iota
	// tweakHandled: the request was serviced locally (or deliberately
	// ignored); complete it immediately with the returned error (nil
	// on success) instead of calling hostusb.Device.Submit.
	tweakHandled
)

// tweakSpecialRequest implements the kernel stub driver's
// tweak_special_requests: CLEAR_FEATURE(ENDPOINT_HALT) and
// SET_INTERFACE are serviced directly against the host device instead
// of being forwarded as an ordinary control URB, and SET_CONFIGURATION
// is a deliberate no-op (switching configuration mid-session would
// unbind and drop the export). RESET is likewise a no-op: synchronous
// device reset here would race the very transfers this function is
// evaluating.
//
// Apart from the class-type port RESET, only standard-type,
// device/endpoint/interface-recipient control requests are inspected;
// anything else (vendor/other class requests, data transfers) passes
// through untouched.
func tweakSpecialRequest(dev hostusb.Device, setup [8]byte) (tweakOutcome, error) {
	bmRequestType := setup[0]
	bRequest := setup[1]
	wValue := uint16(setup[2]) | uint16(setup[3])<<8
	wIndex := uint16(setup[4]) | uint16(setup[5])<<8

	requestType := bmRequestType & bmRequestTypeTypeMask
	recipient := bmRequestType & bmRequestTypeRecipientMask

	// RESET is the one case with a non-standard request type (class,
	// recipient OTHER): checked first so the standard-type requests
	// below don't shadow it.
	if requestType == typeClass && recipient == recipientOther &&
		bRequest == reqSetFeature && wValue == portFeatReset {
		// Deliberately a no-op: resetting the port here would race the
		// very transfers this function is evaluating.
		return tweakHandled, nil
	}

	if requestType != typeStandard {
		return tweakPassthrough, nil
	}

	switch bRequest {
	case reqClearFeature:
		if wValue != featureEndpointHalt || recipient != recipientEndpoint {
			return tweakPassthrough, nil
		}
		endpoint := int(wIndex & 0x0f)
		in := wIndex&0x80 != 0
		return tweakHandled, dev.ClearHalt(endpoint, in)

	case reqSetInterface:
		if recipient != recipientInterface {
			return tweakPassthrough, nil
		}
		iface := int(wIndex)
		alt := int(wValue)
		return tweakHandled, dev.SetInterface(iface, alt)

	case reqSetConfiguration:
		if recipient != recipientDevice {
			return tweakPassthrough, nil
		}
		// Deliberately skipped: see doc comment above.
		return tweakHandled, nil

	default:
		return tweakPassthrough, nil
	}
}

// allowedTransferFlags masks out any client-requested transfer flag
// this implementation does not honor, mirroring masking_bogus_flags'
// simple/standard policy: only ADD_ZERO_PACKET on OUT bulk transfers
// and SHORT_NOT_OK on non-isochronous IN transfers are meaningful
// here; everything else is dropped rather than passed to the host
// transport, since hostusb.Device exposes no equivalent knob for it.
const (
	flagZeroPacket uint32 = 0x0040
	flagShortNotOK uint32 = 0x0001
)

func allowedTransferFlags(epType hostusb.EndpointType, dir bool /* true = OUT */) uint32 {
	var allowed uint32
	if epType == hostusb.EndpointBulk && dir {
		allowed |= flagZeroPacket
	}
	if epType != hostusb.EndpointIsochronous && !dir {
		allowed |= flagShortNotOK
	}
	return allowed
}
