package rawusb

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const sysfsDeviceDir = "/sys/bus/usb/devices"

func readSysfsInt(devName, attr string) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%s/%s", sysfsDeviceDir, devName, attr))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func readSysfsHex32(devName, attr string) (uint32, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%s/%s", sysfsDeviceDir, devName, attr))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 32)
	return uint32(v), err
}

// Found describes one enumerated SensorPlatform USB device along with its
// resolved vendor-specific interface.
type Found struct {
	BusNumber    int
	DeviceNumber int
	Interface    Interface
}

// Enumerate scans sysfs for SensorPlatform devices (vendor/product as
// given) and returns each one's vendor-specific interface(s).
func Enumerate(vendorID, productID uint32) ([]Found, error) {
	entries, err := os.ReadDir(sysfsDeviceDir)
	if err != nil {
		return nil, fmt.Errorf("rawusb: enumerate: %w", err)
	}
	var found []Found
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue // root hubs and interface nodes, not devices
		}
		vid, err := readSysfsHex32(name, "idVendor")
		if err != nil {
			continue
		}
		pid, err := readSysfsHex32(name, "idProduct")
		if err != nil {
			continue
		}
		if vid != vendorID || pid != productID {
			continue
		}
		f, err := os.Open(fmt.Sprintf("%s/%s/descriptors", sysfsDeviceDir, name))
		if err != nil {
			continue
		}
		ifaces, err := parseDescriptors(f)
		f.Close()
		if err != nil || len(ifaces) == 0 {
			continue
		}
		busNum, err := readSysfsInt(name, "busnum")
		if err != nil {
			continue
		}
		devNum, err := readSysfsInt(name, "devnum")
		if err != nil {
			continue
		}
		for _, iface := range ifaces {
			found = append(found, Found{BusNumber: busNum, DeviceNumber: devNum, Interface: iface})
		}
	}
	return found, nil
}

// OpenBaseStation finds and opens the first SensorPlatform receiver
// (subclass 0x52) present on the system.
func OpenBaseStation(vendorID, productID uint32) (*Device, error) {
	found, err := Enumerate(vendorID, productID)
	if err != nil {
		return nil, err
	}
	for _, f := range found {
		if !f.Interface.IsBaseStation() {
			continue
		}
		d := &Device{BusNumber: f.BusNumber, DeviceNumber: f.DeviceNumber, Interface: f.Interface}
		if err := d.Open(); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("rawusb: no SensorPlatform base station found")
}
