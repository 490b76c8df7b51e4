// Package usbfs wraps the subset of Linux usbdevfs ioctls needed to open a
// device node under /dev/bus/usb and perform bulk and control transfers on
// it, without linking against libusb.
package usbfs

import (
	"fmt"

	"unsafe"

	"golang.org/x/sys/unix"
)

func slicePtr(s []byte) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

func GetDriver(fd int, iface uint32) (string, error) {
	data := &usbdevfs_getdriver{Interface: iface}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_GETDRIVER, uintptr(unsafe.Pointer(data))); errno != 0 {
		return "", errno
	}
	return data.String(), nil
}

func SetInterface(fd int, iface, setting uint32) error {
	data := &usbdevfs_setinterface{Interface: iface, AltSetting: setting}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_SETINTERFACE, uintptr(unsafe.Pointer(data))); errno != 0 {
		return errno
	}
	return nil
}

func ClaimInterface(fd, iface int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_CLAIMINTERFACE, uintptr(iface))
	if errno != 0 {
		return errno
	}
	return nil
}

func ReleaseInterface(fd, iface int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_RELEASEINTERFACE, uintptr(iface))
	if errno != 0 {
		return errno
	}
	return nil
}

func Disconnect(fd int, iface uint32) error {
	data := usbdevfs_ioctl{Interface: int32(iface), IoctlCode: int32(USBDEVFS_DISCONNECT)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_IOCTL, uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return errno
	}
	return nil
}

func Connect(fd int, iface uint32) error {
	data := usbdevfs_ioctl{Interface: int32(iface), IoctlCode: int32(USBDEVFS_CONNECT)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_IOCTL, uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return errno
	}
	return nil
}

// ControlTransfer performs a USB control transfer. Only used for interface
// setup (alt-setting selection); the SensorPlatform wire protocol itself is
// carried entirely over bulk transfers.
func ControlTransfer(fd int, typ, request uint8, value, index uint16, timeout uint32, payload []byte) (int, error) {
	data := &usbdevfs_ctrltransfer{
		RequestType: typ,
		Request:     request,
		Value:       value,
		Index:       index,
		Timeout:     timeout,
	}
	if payload != nil {
		data.Length = uint16(len(payload))
		data.Data = slicePtr(payload)
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_CONTROL, uintptr(unsafe.Pointer(data)))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// BulkTransfer performs one bulk IN or OUT transfer of up to len(payload)
// bytes (a multiple of 64, per the SensorPlatform USB framing).
func BulkTransfer(fd int, endpoint, timeout uint32, payload []byte) (int, error) {
	data := &usbdevfs_bulktransfer{
		Endpoint: endpoint,
		Timeout:  timeout,
	}
	if payload != nil {
		data.Length = uint32(len(payload))
		data.Data = slicePtr(payload)
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_BULK, uintptr(unsafe.Pointer(data)))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

func ResetDevice(fd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), USBDEVFS_RESET, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// OpenDevice opens the usbdevfs node for the given bus/device address.
func OpenDevice(busNumber, deviceNumber int) (int, error) {
	devPath := fmt.Sprintf("%s/%03d/%03d", usbDevPath, busNumber, deviceNumber)
	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func CloseDevice(fd int) error {
	return unix.Close(fd)
}
