// Package sensors implements the concrete sensor drivers and measurement
// decoders for the IRIS-compatible sensor platform nodes supported by
// this host, plus the vendor/product registry that
// wires them into a device.Device's discovery via SensorFactory and into
// a routing.Hub via its protocol driver registry.
//
// Grounded on Client/sensorplatform/device/iris/sensor/*,
// generalized from per-file class definitions to one Go file per sensor
// family, following this module's package-per-concern layout.
package sensors

import (
	"go.uber.org/zap"

	"github.com/daedaluz/sensorhost/device"
	"github.com/daedaluz/sensorhost/routing"
)

// sensorVendor identifies the IRIS sensor-node vendor space that every
// driver in this package understands.
const sensorVendor = 0x53414149

// protoType/protoVersion identify the MultiSensor radio protocol that the
// device package's reliable command transport implements.
const protoType = 0x5053
const protoVersion = 0

type sensorFactory func(dev *device.Device, id int) device.Sensor

var registry = map[uint32]sensorFactory{
	0x49544956: newTimingSensor,
	0x45544956: newTelemetrySensor,
	0x43415092: newAccelSensor,
	0x59475092: newGyroSensor,
	0x474d5092: newMagSensor,
	0x4d545092: newTempSensor,
	0x525080b2: newPressureSensor,
	0x4d482170: newHumiditySensor,
	0x494c0199: newIntensitySensor,
}

// Factory resolves the concrete sensor driver for a (vendor, product)
// pair discovered on a device, for use as device.Device.SensorFactory. It
// returns nil for an unrecognized product, letting the device package
// fall back to its generic sensor.
func Factory(dev *device.Device, sensorID int, vendor, product uint32) device.Sensor {
	if vendor != sensorVendor {
		return nil
	}
	ctor, ok := registry[product]
	if !ok {
		return nil
	}
	return ctor(dev, sensorID)
}

// RegisterWith installs the MultiSensor protocol driver factory into hub,
// so hub.Hub routes newly associated IRIS sensor nodes to device.New with
// this package's sensor registry wired in, using the
// library default per-device tunables.
func RegisterWith(hub *routing.Hub, log *zap.Logger) {
	RegisterWithConfig(hub, log, device.DefaultConfig())
}

// RegisterWithConfig is RegisterWith with an explicit device.Config, for
// callers that surface per-device tunables through their own configuration
// layer (see package config).
func RegisterWithConfig(hub *routing.Hub, log *zap.Logger, cfg device.Config) {
	hub.RegisterDriver(sensorVendor, protoType, protoVersion, func(h *routing.Hub, id routing.Identity, info *routing.ProtoInfo) routing.DeviceDriver {
		dev := device.NewWithConfig(h, id, info, log, cfg)
		dev.SensorFactory = Factory
		return dev
	})
}

func intMap(m map[int64]int64) *device.Translator {
	rev := make(map[int64]int64, len(m))
	for k, v := range m {
		rev[v] = k
	}
	return &device.Translator{
		Decode: func(raw int64) interface{} { return m[raw] },
		Encode: func(value interface{}) int64 {
			n, _ := value.(int64)
			if f, ok := value.(float64); ok {
				n = int64(f)
			}
			return rev[n]
		},
	}
}

func attrInt64(s device.Sensor, name string) int64 {
	v, err := s.GetAttr(name)
	if err != nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

func floatMap(m map[int64]float64) *device.Translator {
	rev := make(map[float64]int64, len(m))
	for k, v := range m {
		rev[v] = k
	}
	return &device.Translator{
		Decode: func(raw int64) interface{} { return m[raw] },
		Encode: func(value interface{}) int64 {
			f, _ := value.(float64)
			return rev[f]
		},
	}
}
