package sensors

import (
	"encoding/binary"

	"github.com/daedaluz/sensorhost/device"
)

// telemetrySensor is the virtual radio-link telemetry channel (grounded on telemetry.py's TelemetrySensor/TelemetryDecoder).
type telemetrySensor struct {
	device.BaseSensor
	dec telemetryDecoder
}

func newTelemetrySensor(dev *device.Device, id int) device.Sensor {
	s := &telemetrySensor{BaseSensor: device.NewBaseSensor(dev, id, "Telemetry (virtual)")}
	for shift, name := range []string{
		"enableSOFReceived", "enableSOFTimingFailed", "enableSOFDiscontinuity", "enableTXAttemptCount",
		"enableTXACKCount", "enableRXCMDCount", "enableReserved0", "enableReserved1",
	} {
		s.AddAttr(name, &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: uint(shift)})
	}
	s.dec = telemetryDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *telemetrySensor) Decoder() device.Decoder { return &s.dec }

type telemetryDecoder struct {
	device.BaseDecoder
}

func (d *telemetryDecoder) Decode(sample []byte) []float64 {
	out := make([]float64, 0, len(sample)/2)
	for i := 0; i+2 <= len(sample); i += 2 {
		out = append(out, float64(binary.LittleEndian.Uint16(sample[i:i+2])))
	}
	return out
}
