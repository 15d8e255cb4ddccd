package usbip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Op identifies a control-channel (pre-attach) operation: device list
// requests and the import handshake, distinct from the basic-header
// command codes used once a device is attached.
type Op uint16

// Operation codes, per usbip_network.h: request codes OR in
// opRequestFlag, replies use the bare code.
const (
	opRequestFlag Op = 0x80 << 8

	OpImport     Op = 0x03
	OpDevlist    Op = 0x05
	OpReqImport  Op = opRequestFlag | OpImport
	OpRepImport  Op = OpImport
	OpReqDevlist Op = opRequestFlag | OpDevlist
	OpRepDevlist Op = OpDevlist
)

// Status codes carried in the op_common reply header.
const (
	StOK             uint32 = 0x00
	StNA             uint32 = 0x01
	StNoFreePort     uint32 = 0x02
	StDeviceNotFound uint32 = 0x03
)

// OpCommon is the 8-byte header shared by every control-channel PDU.
type OpCommon struct {
	Version uint16
	Code    Op
	Status  uint32
}

const opCommonSize = 8

// DecodeOpCommon reads the op_common header.
func DecodeOpCommon(r io.Reader) (OpCommon, error) {
	var buf [opCommonSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return OpCommon{}, err
	}
	return OpCommon{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Code:    Op(binary.BigEndian.Uint16(buf[2:4])),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// EncodeOpCommon writes the op_common header.
func EncodeOpCommon(w io.Writer, op OpCommon) error {
	var buf [opCommonSize]byte
	binary.BigEndian.PutUint16(buf[0:2], op.Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(op.Code))
	binary.BigEndian.PutUint32(buf[4:8], op.Status)
	_, err := w.Write(buf[:])
	return err
}

// SysfsBusIDSize is the fixed width of the busid field on the wire.
const SysfsBusIDSize = 32

// ImportRequest is the OP_REQ_IMPORT payload: the busid string the
// client wants to attach, e.g. "1-2".
type ImportRequest struct {
	BusID string
}

// DecodeImportRequest reads the fixed-width busid field.
func DecodeImportRequest(r io.Reader) (ImportRequest, error) {
	var buf [SysfsBusIDSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ImportRequest{}, err
	}
	return ImportRequest{BusID: cString(buf[:])}, nil
}

// EncodeImportRequest writes the fixed-width busid field.
func EncodeImportRequest(w io.Writer, req ImportRequest) error {
	var buf [SysfsBusIDSize]byte
	copy(buf[:], req.BusID)
	_, err := w.Write(buf[:])
	return err
}

const sysfsPathMax = 256

// ExportedUSBDevice mirrors struct usbip_usb_device: the device
// summary sent in both OP_REP_IMPORT and OP_REP_DEVLIST.
type ExportedUSBDevice struct {
	Path               string
	BusID              string
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	IDVendor           uint16
	IDProduct          uint16
	BCDDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
}

const exportedUSBDeviceSize = sysfsPathMax + SysfsBusIDSize + 4 + 4 + 4 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1

// EncodeExportedUSBDevice writes one usbip_usb_device record.
func EncodeExportedUSBDevice(w io.Writer, d ExportedUSBDevice) error {
	buf := make([]byte, exportedUSBDeviceSize)
	off := 0

	copy(buf[off:off+sysfsPathMax], d.Path)
	off += sysfsPathMax
	copy(buf[off:off+SysfsBusIDSize], d.BusID)
	off += SysfsBusIDSize

	binary.BigEndian.PutUint32(buf[off:], d.BusNum)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], d.DevNum)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], d.Speed)
	off += 4

	binary.BigEndian.PutUint16(buf[off:], d.IDVendor)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], d.IDProduct)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], d.BCDDevice)
	off += 2

	buf[off] = d.DeviceClass
	off++
	buf[off] = d.DeviceSubClass
	off++
	buf[off] = d.DeviceProtocol
	off++
	buf[off] = d.ConfigurationValue
	off++
	buf[off] = d.NumConfigurations
	off++
	buf[off] = d.NumInterfaces

	_, err := w.Write(buf)
	return err
}

// ExportedInterface mirrors struct usbip_usb_interface, one per
// interface trailing a usbip_usb_device record in OP_REP_DEVLIST.
type ExportedInterface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
	Number   uint8
}

// EncodeExportedInterface writes one usbip_usb_interface record.
func EncodeExportedInterface(w io.Writer, i ExportedInterface) error {
	buf := [4]byte{i.Class, i.SubClass, i.Protocol, i.Number}
	_, err := w.Write(buf[:])
	return err
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// FormatBusID renders the bus.addr identity the way sysfs busid
// strings look, e.g. "1-2" for bus 1 device 2.
func FormatBusID(bus, addr int) string {
	return fmt.Sprintf("%d-%d", bus, addr)
}
