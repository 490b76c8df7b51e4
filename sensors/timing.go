package sensors

import (
	"encoding/binary"

	"github.com/daedaluz/sensorhost/device"
)

// timingSensor is the virtual measurement-timing channel every series
// carries (grounded on timing.py's TimingSensor/TimingDecoder).
type timingSensor struct {
	device.BaseSensor
	dec timingDecoder
}

func newTimingSensor(dev *device.Device, id int) device.Sensor {
	s := &timingSensor{BaseSensor: device.NewBaseSensor(dev, id, "Timing (virtual)")}
	s.AddAttr("enableMasterTime", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 1})
	s.AddAttr("enableLocalTime", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 0})
	s.dec = timingDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *timingSensor) Decoder() device.Decoder { return &s.dec }

type timingDecoder struct {
	device.BaseDecoder
	channels int
}

func (d *timingDecoder) Update() {
	d.BaseDecoder.Update()
	enable, _ := d.Sensor.GetAttr("enableLocalTime")
	localOn, _ := enable.(int64)
	enable2, _ := d.Sensor.GetAttr("enableMasterTime")
	masterOn, _ := enable2.(int64)
	d.channels = int(localOn) + int(masterOn)
}

func (d *timingDecoder) Decode(sample []byte) []float64 {
	out := make([]float64, 0, len(sample)/2)
	for i := 0; i+2 <= len(sample); i += 2 {
		out = append(out, float64(binary.LittleEndian.Uint16(sample[i:i+2])))
	}
	return out
}
