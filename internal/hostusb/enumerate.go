package hostusb

import (
	"fmt"

	"github.com/google/gousb"

	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// Enumerate lists every USB device attached to the host and builds an
// exportable DeviceDesc for each, a walk over the same descriptor
// tree libusb_get_device_list exposes.
func Enumerate(guctx *gousb.Context) ([]DeviceDesc, error) {
	var descs []DeviceDesc

	_, err := guctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		descs = append(descs, buildDeviceDesc(d))
		return false // never actually open; we only want the descriptors
	})
	if err != nil {
		return nil, fmt.Errorf("hostusb: enumerate: %w", err)
	}

	return descs, nil
}

func buildDeviceDesc(d *gousb.DeviceDesc) DeviceDesc {
	desc := DeviceDesc{
		Addr:       Addr{Bus: int(d.Bus), Address: int(d.Address)},
		Vendor:     uint16(d.Vendor),
		Product:    uint16(d.Product),
		Class:      int(d.Class),
		SubClass:   int(d.SubClass),
		Protocol:   int(d.Protocol),
		Speed:      int(d.Speed),
		NumConfigs: len(d.Configs),
		Path:       sysfsPath(d),
	}

	// The active configuration cannot be read without opening the
	// device, so the lowest-numbered configuration is advertised; it is
	// the one OpenGousb selects at import time.
	desc.ConfigValue = -1
	for num := range d.Configs {
		if desc.ConfigValue < 0 || num < desc.ConfigValue {
			desc.ConfigValue = num
		}
	}
	if desc.ConfigValue < 0 {
		desc.ConfigValue = 1
	}

	cfg, ok := d.Configs[desc.ConfigValue]
	if !ok {
		return desc
	}

	desc.NumInterfaces = len(cfg.Interfaces)
	for _, iface := range cfg.Interfaces {
		for altIdx, alt := range iface.AltSettings {
			// Only the first alt setting's class triple is recorded for
			// the interface: the devlist advertises the default (alt 0)
			// setting, which SetInterface can later change without
			// altering what was advertised.
			if altIdx == 0 {
				desc.Interfaces = append(desc.Interfaces, InterfaceDesc{
					Number:   iface.Number,
					Class:    int(alt.Class),
					SubClass: int(alt.SubClass),
					Protocol: int(alt.Protocol),
				})
			}

			for _, ep := range alt.Endpoints {
				dir := usbip.DirOut
				if ep.Direction == gousb.EndpointDirectionIn {
					dir = usbip.DirIn
				}

				desc.Endpoints = append(desc.Endpoints, EndpointDesc{
					Number:    int(ep.Number),
					Interface: iface.Number,
					Direction: dir,
					Type:      endpointTypeFromGousb(ep.TransferType),
					MaxPacket: ep.MaxPacketSize,
					Interval:  int(ep.PollInterval.Milliseconds()),
				})
			}
		}
	}

	return desc
}

// sysfsPath renders the sysfs-style device path carried in the devlist
// and import replies, "<bus>-<port>.<port>..." under the usb bus root,
// matching how the kernel names the device the client will see.
func sysfsPath(d *gousb.DeviceDesc) string {
	if len(d.Path) == 0 {
		return fmt.Sprintf("/sys/bus/usb/devices/usb%d", d.Bus)
	}

	path := fmt.Sprintf("%d-%d", d.Bus, d.Path[0])
	for _, port := range d.Path[1:] {
		path += fmt.Sprintf(".%d", port)
	}
	return "/sys/bus/usb/devices/" + path
}

func endpointTypeFromGousb(t gousb.TransferType) EndpointType {
	switch t {
	case gousb.TransferTypeControl:
		return EndpointControl
	case gousb.TransferTypeIsochronous:
		return EndpointIsochronous
	case gousb.TransferTypeBulk:
		return EndpointBulk
	case gousb.TransferTypeInterrupt:
		return EndpointInterrupt
	default:
		return EndpointBulk
	}
}
