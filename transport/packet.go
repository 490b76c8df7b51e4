// Package transport implements the USB framing layer: fixed
// 64-byte packets, an 8-bit sequence-number reservation scheme used to
// match responses to commands, and the receive/process worker pair that
// demultiplexes the raw bulk byte stream.
//
// The packet shape and the sequence-pool algorithm are adapted from the
// teacher's usbfs-level transfer primitives (rawusb), generalized from "one
// blocking Ctrl/Bulk call" to the asynchronous reply-matching protocol the
// SensorPlatform wire format requires.
package transport

import "encoding/binary"

// PacketSize is the fixed USB packet size used by the SensorPlatform
// protocol; every bulk transfer is a multiple of it.
const PacketSize = 64

// Message classes, encoded in the top two bits of the 16-bit msg field.
const (
	classResponse     = 2 // 0b10
	classNotification = 3 // 0b11
)

// Kind classifies a received packet.
type Kind int

const (
	KindReserved Kind = iota
	KindResponse
	KindNotification
)

// Header is the common 4-byte prefix of every packet in both directions.
type Header struct {
	Msg      uint16
	Seq      uint8
	Reserved uint8
}

func classify(msg uint16) Kind {
	switch msg >> 14 {
	case classResponse:
		return KindResponse
	case classNotification:
		return KindNotification
	default:
		return KindReserved
	}
}

// Response is a decoded device-to-host response packet.
type Response struct {
	Header
	Result  uint32
	Payload []byte
}

// encodeCommand builds one 64-byte host-to-device packet:
// msg u16 | seq u8 | reserved u8 | payload, zero-padded to PacketSize.
func encodeCommand(msg uint16, seq uint8, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	binary.LittleEndian.PutUint16(buf[0:2], msg)
	buf[2] = seq
	if len(payload) > PacketSize-4 {
		payload = payload[:PacketSize-4]
	}
	copy(buf[4:], payload)
	return buf
}

func parseHeader(packet []byte) Header {
	return Header{
		Msg:      binary.LittleEndian.Uint16(packet[0:2]),
		Seq:      packet[2],
		Reserved: packet[3],
	}
}

func parseResponse(packet []byte) Response {
	h := parseHeader(packet)
	return Response{
		Header:  h,
		Result:  binary.LittleEndian.Uint32(packet[4:8]),
		Payload: append([]byte(nil), packet[8:]...),
	}
}
