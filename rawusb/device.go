// Package rawusb is the bottom of the stack: it finds and opens the
// SensorPlatform USB device node and performs 64-byte bulk transfers on it.
// It is adapted from the daedaluz/gousb usbdevfs binding, trimmed to the
// single vendor-specific bulk interface that the SensorPlatform protocol
// actually uses — no HID, no isochronous/interrupt endpoints,
// no BOS/capability descriptor parsing.
package rawusb

import (
	"fmt"

	"github.com/daedaluz/sensorhost/usbfs"
)

// VendorID and ProductID are the SensorPlatform USB identifiers.
// config.Config can override them for bench testing against a different
// VID/PID pair without touching this package.
const (
	VendorID  = 0xf055
	ProductID = 0x5053
)

// Device is an opened SensorPlatform USB device (either the base station or
// a sensor node — only the base station implements USB communication today;
// noted here as a comment rather than enforced, since the protocol doesn't
// actually require it).
type Device struct {
	fd           int
	BusNumber    int
	DeviceNumber int
	Interface    Interface
}

// Open claims the vendor-specific interface and readies the device for
// bulk transfers.
func (d *Device) Open() error {
	if d.fd != 0 {
		return fmt.Errorf("rawusb: device already open")
	}
	fd, err := usbfs.OpenDevice(d.BusNumber, d.DeviceNumber)
	if err != nil {
		return fmt.Errorf("rawusb: open bus %d dev %d: %w", d.BusNumber, d.DeviceNumber, err)
	}
	if err := usbfs.ClaimInterface(fd, d.Interface.Number); err != nil {
		_ = usbfs.CloseDevice(fd)
		return fmt.Errorf("rawusb: claim interface %d: %w", d.Interface.Number, err)
	}
	d.fd = fd
	return nil
}

func (d *Device) Close() error {
	if d.fd == 0 {
		return nil
	}
	_ = usbfs.ReleaseInterface(d.fd, d.Interface.Number)
	err := usbfs.CloseDevice(d.fd)
	d.fd = 0
	return err
}

// BulkWrite writes exactly len(data) bytes to the OUT endpoint.
func (d *Device) BulkWrite(data []byte, timeoutMillis uint32) (int, error) {
	return usbfs.BulkTransfer(d.fd, uint32(d.Interface.OutEndpoint), timeoutMillis, data)
}

// BulkRead reads up to len(buf) bytes from the IN endpoint.
func (d *Device) BulkRead(buf []byte, timeoutMillis uint32) (int, error) {
	return usbfs.BulkTransfer(d.fd, uint32(d.Interface.InEndpoint), timeoutMillis, buf)
}
