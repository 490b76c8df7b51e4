// Package routing implements the radio addressing and routing layer:
// per-base-station NodeId allocation with deassociation timeouts,
// association-request handling, and dispatch of inbound radio packets to
// the device they belong to.
//
// Grounded on gousb's USB device/driver registry pattern, generalized from
// "one USB device, one driver instance" to "one radio hardware identity,
// one device instance, with its route possibly moving between base
// stations over time" (Client/sensorplatform/rfmanager.py).
package routing

import "encoding/binary"

// Identity is a device's hardware unique id: the triple that never changes
// for the lifetime of a physical device.
type Identity struct {
	Vendor  uint32
	Product uint32
	Serial  uint32
}

// ProtoInfo is the optional protocol/firmware descriptor a device reports
// alongside its Identity once discovered.
type ProtoInfo struct {
	ProtoVendor  uint32
	ProtoType    uint16
	ProtoVersion uint16
	FWVendor     uint32
	FWType       uint16
	FWVersion    uint16
}

// ParseIdentity decodes the 12-byte hardware id, and the following 16-byte
// ProtoInfo if present, from an association-request payload.
func ParseIdentity(data []byte) (Identity, *ProtoInfo) {
	id := Identity{
		Vendor:  binary.LittleEndian.Uint32(data[0:4]),
		Product: binary.LittleEndian.Uint32(data[4:8]),
		Serial:  binary.LittleEndian.Uint32(data[8:12]),
	}
	var info *ProtoInfo
	if len(data) >= 12+16 {
		p := data[12:]
		info = &ProtoInfo{
			ProtoVendor:  binary.LittleEndian.Uint32(p[0:4]),
			ProtoType:    binary.LittleEndian.Uint16(p[4:6]),
			ProtoVersion: binary.LittleEndian.Uint16(p[6:8]),
			FWVendor:     binary.LittleEndian.Uint32(p[8:12]),
			FWType:       binary.LittleEndian.Uint16(p[12:14]),
			FWVersion:    binary.LittleEndian.Uint16(p[14:16]),
		}
	}
	return id, info
}

// Binary encodes the hardware id the way an address-assignment packet
// carries it.
func (id Identity) Binary() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], id.Vendor)
	binary.LittleEndian.PutUint32(buf[4:8], id.Product)
	binary.LittleEndian.PutUint32(buf[8:12], id.Serial)
	return buf
}

// String renders the id the way log lines and dashboards identify a
// device: vendor/product/serial as fixed-width hex.
func (id Identity) String() string {
	const hexDigits = "0123456789ABCDEF"
	buf := make([]byte, 0, 24)
	for _, v := range [3]uint32{id.Vendor, id.Product, id.Serial} {
		for shift := 28; shift >= 0; shift -= 4 {
			buf = append(buf, hexDigits[(v>>uint(shift))&0xf])
		}
	}
	return string(buf)
}
