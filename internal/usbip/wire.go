// Package usbip implements the wire codec for the USB/IP protocol
// (version 0x0111): the 48-byte PDU header (20-byte basic header plus
// a 28-byte command-specific union), the four command-specific unions,
// and isochronous packet-descriptor packing.
//
// Encode/Decode work on any io.Writer/io.Reader and keep no state; the
// RX/TX pipelines in internal/stub hand them the connection.
package usbip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the USB/IP wire protocol version this codec speaks.
const ProtocolVersion = 0x0111

// Command identifies a USB/IP PDU.
type Command uint32

// Commands recognized on the wire.
const (
	CmdNop    Command = 0
	CmdSubmit Command = 0x0001
	CmdUnlink Command = 0x0002
	RetSubmit Command = 0x0003
	RetUnlink Command = 0x0004
)

// Direction is the USBIP_DIR_* field carried in the basic header.
type Direction uint32

// Directions.
const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// ErrMalformedFrame is returned by Decode when a PDU cannot be parsed,
// including an unrecognized command code. NOP is a recognized no-op,
// never malformed.
var ErrMalformedFrame = errors.New("usbip: malformed frame")

// Header is the basic header common to every PDU.
type Header struct {
	Command   Command
	Seqnum    uint32
	Devid     uint32
	Direction Direction
	Ep        uint32
}

// basicHeaderSize is the size of the on-wire basic header:
// command, seqnum, devid, direction, ep, all network-order u32.
const basicHeaderSize = 20

// DecodeBasicHeader reads the 20-byte basic header
// {command, seqnum, devid, direction, ep}.
//
// An unknown command is reported as ErrMalformedFrame; CmdNop is
// returned as-is so the caller can skip it silently.
func DecodeBasicHeader(r io.Reader) (Header, error) {
	var buf [basicHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	h := Header{
		Command:   Command(binary.BigEndian.Uint32(buf[0:4])),
		Seqnum:    binary.BigEndian.Uint32(buf[4:8]),
		Devid:     binary.BigEndian.Uint32(buf[8:12]),
		Direction: Direction(binary.BigEndian.Uint32(buf[12:16])),
		Ep:        binary.BigEndian.Uint32(buf[16:20]),
	}

	switch h.Command {
	case CmdNop, CmdSubmit, CmdUnlink, RetSubmit, RetUnlink:
	default:
		return Header{}, ErrMalformedFrame
	}

	return h, nil
}

func encodeBasicHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Command))
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Direction))
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

// cmdUnionSize is the size of each command's type-specific union,
// following the 20-byte basic header; the full PDU header is always
// 48 bytes (20 + 28).
const cmdUnionSize = 28

// SubmitUnion is the CMD_SUBMIT command-specific union.
type SubmitUnion struct {
	TransferFlags        uint32
	TransferBufferLength int32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte
}

// UnlinkUnion is the CMD_UNLINK command-specific union.
type UnlinkUnion struct {
	Seqnum uint32
}

// RetSubmitUnion is the RET_SUBMIT command-specific union.
type RetSubmitUnion struct {
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
}

// RetUnlinkUnion is the RET_UNLINK command-specific union.
type RetUnlinkUnion struct {
	Status int32
}

// DecodeSubmitUnion reads the 28-byte CMD_SUBMIT union.
func DecodeSubmitUnion(r io.Reader) (SubmitUnion, error) {
	var buf [cmdUnionSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SubmitUnion{}, err
	}

	var u SubmitUnion
	u.TransferFlags = binary.BigEndian.Uint32(buf[0:4])
	u.TransferBufferLength = int32(binary.BigEndian.Uint32(buf[4:8]))
	u.StartFrame = int32(binary.BigEndian.Uint32(buf[8:12]))
	u.NumberOfPackets = int32(binary.BigEndian.Uint32(buf[12:16]))
	u.Interval = int32(binary.BigEndian.Uint32(buf[16:20]))
	copy(u.Setup[:], buf[20:28])

	return u, nil
}

// DecodeUnlinkUnion reads the 28-byte CMD_UNLINK union (4-byte seqnum
// followed by 24 reserved bytes).
func DecodeUnlinkUnion(r io.Reader) (UnlinkUnion, error) {
	var buf [cmdUnionSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return UnlinkUnion{}, err
	}

	return UnlinkUnion{Seqnum: binary.BigEndian.Uint32(buf[0:4])}, nil
}

// EncodeRetSubmit writes the 48-byte RET_SUBMIT header (basic header +
// union, reserved bytes zeroed).
func EncodeRetSubmit(w io.Writer, h Header, u RetSubmitUnion) error {
	var full [basicHeaderSize + cmdUnionSize]byte
	encodeBasicHeader(full[0:basicHeaderSize], h)

	off := basicHeaderSize
	binary.BigEndian.PutUint32(full[off:off+4], uint32(u.Status))
	binary.BigEndian.PutUint32(full[off+4:off+8], uint32(u.ActualLength))
	binary.BigEndian.PutUint32(full[off+8:off+12], uint32(u.StartFrame))
	binary.BigEndian.PutUint32(full[off+12:off+16], uint32(u.NumberOfPackets))
	binary.BigEndian.PutUint32(full[off+16:off+20], uint32(u.ErrorCount))

	_, err := w.Write(full[:])
	return err
}

// EncodeRetSubmitBytes renders the 48-byte RET_SUBMIT header to a
// freshly allocated slice, for callers (the TX pipeline) building a
// scatter-gather write alongside the payload and ISO trailer rather
// than writing the header on its own.
func EncodeRetSubmitBytes(h Header, u RetSubmitUnion) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeRetSubmit(&buf, h, u); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeISOPacketsBytes renders the ISO packet descriptor trailer to a
// freshly allocated slice, for the same scatter-gather use as
// EncodeRetSubmitBytes.
func EncodeISOPacketsBytes(packets []IsoPacket) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeISOPackets(&buf, packets); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeRetUnlink writes the 48-byte RET_UNLINK header.
func EncodeRetUnlink(w io.Writer, h Header, u RetUnlinkUnion) error {
	var full [basicHeaderSize + cmdUnionSize]byte
	encodeBasicHeader(full[0:basicHeaderSize], h)

	off := basicHeaderSize
	binary.BigEndian.PutUint32(full[off:off+4], uint32(u.Status))

	_, err := w.Write(full[:])
	return err
}

// IsoPacketDescSize is the on-wire size of one ISO packet descriptor.
const IsoPacketDescSize = 16

// IsoPacket is one isochronous packet descriptor, as carried in the
// trailer of a SUBMIT/RET_SUBMIT for an ISOC transfer.
type IsoPacket struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// DecodeISOPackets reads n packet descriptors.
func DecodeISOPackets(r io.Reader, n int) ([]IsoPacket, error) {
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, IsoPacketDescSize*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	packets := make([]IsoPacket, n)
	for i := 0; i < n; i++ {
		b := buf[i*IsoPacketDescSize:]
		packets[i] = IsoPacket{
			Offset:       binary.BigEndian.Uint32(b[0:4]),
			Length:       binary.BigEndian.Uint32(b[4:8]),
			ActualLength: binary.BigEndian.Uint32(b[8:12]),
			Status:       int32(binary.BigEndian.Uint32(b[12:16])),
		}
	}

	return packets, nil
}

// EncodeISOPackets writes the packet descriptor trailer.
func EncodeISOPackets(w io.Writer, packets []IsoPacket) error {
	if len(packets) == 0 {
		return nil
	}

	buf := make([]byte, IsoPacketDescSize*len(packets))
	for i, p := range packets {
		b := buf[i*IsoPacketDescSize:]
		binary.BigEndian.PutUint32(b[0:4], p.Offset)
		binary.BigEndian.PutUint32(b[4:8], p.Length)
		binary.BigEndian.PutUint32(b[8:12], p.ActualLength)
		binary.BigEndian.PutUint32(b[12:16], uint32(p.Status))
	}

	_, err := w.Write(buf)
	return err
}

// String renders the PDU header for trace logs.
func (h Header) String() string {
	return fmt.Sprintf("cmd=%#x seq=%d devid=%#x dir=%d ep=%d",
		uint32(h.Command), h.Seqnum, h.Devid, h.Direction, h.Ep)
}
