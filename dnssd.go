/* usbipd-go - USB/IP device-side stub server
 *
 * DNS-SD publisher: system-independent stuff
 */

package main

import (
	"fmt"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
)

// DnsSdTxtItem represents a single TXT record item
type DnsSdTxtItem struct {
	Key, Value string
}

// DnsSdTxtRecord represents a TXT record
type DnsSdTxtRecord []DnsSdTxtItem

// Add adds item to DnsSdTxtRecord
func (txt *DnsSdTxtRecord) Add(key, value string) {
	*txt = append(*txt, DnsSdTxtItem{key, value})
}

// IfNotEmpty adds item to DnsSdTxtRecord if its value is not empty
//
// It returns true if item was actually added, false otherwise
func (txt *DnsSdTxtRecord) IfNotEmpty(key, value string) bool {
	if value != "" {
		txt.Add(key, value)
		return true
	}
	return false
}

// export DnsSdTxtRecord into the []byte-pairs shape avahi's AddService wants
func (txt DnsSdTxtRecord) export() [][]byte {
	exported := make([][]byte, 0, len(txt))
	for _, item := range txt {
		exported = append(exported, []byte(item.Key+"="+item.Value))
	}
	return exported
}

// dnsSdServiceType is the service type advertised for every exported
// USB device, mirroring how usbip.service traditionally advertises
// "_usbip._tcp" so usbip-aware clients can discover hosts via mDNS.
const dnsSdServiceType = "_usbip._tcp"

// DNSSdPublisher advertises one exported device as a DNS-SD service
// instance, named after the device's bus id and vendor/product pair.
type DNSSdPublisher struct {
	log      *Logger
	instance string
	txt      DnsSdTxtRecord
	sysdep   *dnssdSysdep
}

// NewDNSSdPublisher creates a publisher for desc, not yet published.
func NewDNSSdPublisher(log *Logger, desc hostusb.DeviceDesc) *DNSSdPublisher {
	var txt DnsSdTxtRecord
	txt.Add("busid", desc.Addr.String())
	txt.Add("vendor", fmt.Sprintf("%4.4x", desc.Vendor))
	txt.Add("product", fmt.Sprintf("%4.4x", desc.Product))
	txt.IfNotEmpty("serial", desc.SerialNumber)
	txt.IfNotEmpty("mfg", desc.Manufacturer)
	txt.IfNotEmpty("model", desc.ProductName)
	if uuid := UUIDNormalize(desc.SerialNumber); uuid != "" {
		txt.Add("uuid", uuid)
	}

	instance := fmt.Sprintf("usbip %s (%4.4x:%4.4x)",
		desc.Addr.String(), desc.Vendor, desc.Product)

	return &DNSSdPublisher{log: log, instance: instance, txt: txt}
}

// Publish registers the service with the system's DNS-SD stack.
func (publisher *DNSSdPublisher) Publish() error {
	sysdep, err := newDnssdSysdep(publisher.instance, dnsSdServiceType,
		Conf.TCPPort, publisher.txt)
	if err != nil {
		return err
	}
	publisher.sysdep = sysdep
	return nil
}

// Unpublish withdraws the service, if it was published.
func (publisher *DNSSdPublisher) Unpublish() {
	if publisher.sysdep != nil {
		publisher.sysdep.Close()
		publisher.sysdep = nil
	}
}
