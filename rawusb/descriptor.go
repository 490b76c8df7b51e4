package rawusb

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Descriptor type codes, per the USB 2.0 spec table 9-5. Only the types
// needed to locate the vendor-specific bulk interface are modeled; a full
// BOS/capability/HID descriptor hierarchy (as the upstream binding parses)
// has no SensorPlatform use, since the receiver and sensor node interfaces
// are both a single vendor-specific bulk pair with no alternate settings.
const (
	descTypeDevice    = 1
	descTypeConfig    = 2
	descTypeString    = 3
	descTypeInterface = 4
	descTypeEndpoint  = 5
)

type descriptorHeader struct {
	Length uint8
	Type   uint8
}

type interfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
}

type endpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// Interface describes one vendor-specific bulk interface found on a
// SensorPlatform device: the base station (SubClass 0x52) or a sensor
// node (SubClass 0x53).
type Interface struct {
	Number      int
	SubClass    uint8
	Protocol    uint8
	InEndpoint  uint8
	OutEndpoint uint8
}

// IsBaseStation reports whether this interface is a SensorPlatform
// receiver rather than a sensor node.
func (i Interface) IsBaseStation() bool { return i.SubClass == 0x52 }

// parseDescriptors walks a raw USB descriptor blob (as exposed by
// /sys/bus/usb/devices/<dev>/descriptors) and returns every vendor-specific
// (class 0xFF, subclass high nibble 0x5) interface, filled in with the bulk
// IN/OUT endpoints that follow it. An interface lacking one of them is
// still returned, with that endpoint address left zero.
func parseDescriptors(r io.Reader) ([]Interface, error) {
	var ifaces []Interface
	var current *Interface
	for {
		var hdr descriptorHeader
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if hdr.Length < 2 {
			return nil, fmt.Errorf("rawusb: malformed descriptor length %d", hdr.Length)
		}
		body := make([]byte, hdr.Length-2)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("rawusb: short descriptor body: %w", err)
		}
		switch hdr.Type {
		case descTypeInterface:
			if len(body) < 7 {
				continue
			}
			id := interfaceDescriptor{
				InterfaceNumber:   body[0],
				AlternateSetting:  body[1],
				NumEndpoints:      body[2],
				InterfaceClass:    body[3],
				InterfaceSubClass: body[4],
				InterfaceProtocol: body[5],
			}
			if id.InterfaceClass == 0xff && id.InterfaceSubClass>>4 == 0x5 {
				ifaces = append(ifaces, Interface{
					Number:   int(id.InterfaceNumber),
					SubClass: id.InterfaceSubClass,
					Protocol: id.InterfaceProtocol,
				})
				current = &ifaces[len(ifaces)-1]
			} else {
				current = nil
			}
		case descTypeEndpoint:
			if current == nil || len(body) < 4 {
				continue
			}
			ed := endpointDescriptor{
				EndpointAddress: body[0],
				Attributes:      body[1],
			}
			// Only bulk endpoints (TransferType == 2) carry the protocol.
			if ed.Attributes&0x03 != 2 {
				continue
			}
			if ed.EndpointAddress&0x80 != 0 {
				current.InEndpoint = ed.EndpointAddress
			} else {
				current.OutEndpoint = ed.EndpointAddress
			}
		}
	}
	return ifaces, nil
}
