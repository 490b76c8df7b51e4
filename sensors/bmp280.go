package sensors

import (
	"encoding/binary"
	"math"

	"github.com/daedaluz/sensorhost/device"
)

// pressureSensor is the BMP-280 barometer driver (grounded on
// bmp280.py's PressureSensor/PressureDecoder). See the datasheet for the
// meaning of the calibration/configuration fields and the compensation
// formula in Decode.
type pressureSensor struct {
	device.BaseSensor
	dec pressureDecoder
}

var temperatureOversampling = intMap(map[int64]int64{0: 0, 1: 1, 2: 2, 3: 4, 4: 8, 5: 16})
var pressureOversampling = intMap(map[int64]int64{0: 0, 1: 1, 2: 2, 3: 4, 4: 8, 5: 16})
var standbyTime = intMap(map[int64]int64{0: 500, 1: 62500, 2: 125000, 3: 250000, 4: 500000, 5: 1000000, 6: 2000000, 7: 4000000})
var filterWeight = intMap(map[int64]int64{0: 0, 1: 1, 2: 3, 3: 7, 4: 15})
var resolution = intMap(map[int64]int64{0: 16, 1: 20})

func newPressureSensor(dev *device.Device, id int) device.Sensor {
	s := &pressureSensor{BaseSensor: device.NewBaseSensor(dev, id, "Air Pressure (BMP280)")}
	s.AddAttr("calT1", &device.Attribute{Page: 1, Offset: 0, Width: 2})
	s.AddAttr("calT2", &device.Attribute{Page: 1, Offset: 2, Width: 2})
	s.AddAttr("calT3", &device.Attribute{Page: 1, Offset: 4, Width: 2})
	s.AddAttr("calP1", &device.Attribute{Page: 1, Offset: 6, Width: 2})
	s.AddAttr("calP2", &device.Attribute{Page: 1, Offset: 8, Width: 2})
	s.AddAttr("calP3", &device.Attribute{Page: 1, Offset: 10, Width: 2})
	s.AddAttr("calP4", &device.Attribute{Page: 1, Offset: 12, Width: 2})
	s.AddAttr("calP5", &device.Attribute{Page: 1, Offset: 14, Width: 2})
	s.AddAttr("calP6", &device.Attribute{Page: 1, Offset: 16, Width: 2})
	s.AddAttr("calP7", &device.Attribute{Page: 1, Offset: 18, Width: 2})
	s.AddAttr("calP8", &device.Attribute{Page: 1, Offset: 20, Width: 2})
	s.AddAttr("calP9", &device.Attribute{Page: 1, Offset: 22, Width: 2})
	s.AddAttr("temperatureOversampling", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 7, Shift: 5, Translator: temperatureOversampling})
	s.AddAttr("pressureOversampling", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 7, Shift: 2, Translator: pressureOversampling})
	s.AddAttr("standbyTime", &device.Attribute{Page: 2, Offset: 1, Width: 1, Mask: 7, Shift: 5, Translator: standbyTime})
	s.AddAttr("filterWeight", &device.Attribute{Page: 2, Offset: 1, Width: 1, Mask: 7, Shift: 2, Translator: filterWeight})
	s.AddAttr("resolution", &device.Attribute{Page: 2, Offset: 2, Width: 1, Mask: 1, Shift: 0, Translator: resolution})
	s.dec = pressureDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *pressureSensor) Decoder() device.Decoder { return &s.dec }

type pressureDecoder struct {
	device.BaseDecoder
	t [3]float64
	p [9]float64
}

func (d *pressureDecoder) Update() {
	d.BaseDecoder.Update()
	d.t = [3]float64{
		float64(attrInt64(d.Sensor, "calT1")), float64(int16(attrInt64(d.Sensor, "calT2"))), float64(int16(attrInt64(d.Sensor, "calT3"))),
	}
	d.p = [9]float64{
		float64(attrInt64(d.Sensor, "calP1")), float64(int16(attrInt64(d.Sensor, "calP2"))), float64(int16(attrInt64(d.Sensor, "calP3"))),
		float64(int16(attrInt64(d.Sensor, "calP4"))), float64(int16(attrInt64(d.Sensor, "calP5"))), float64(int16(attrInt64(d.Sensor, "calP6"))),
		float64(int16(attrInt64(d.Sensor, "calP7"))), float64(int16(attrInt64(d.Sensor, "calP8"))), float64(int16(attrInt64(d.Sensor, "calP9"))),
	}
}

func (d *pressureDecoder) Decode(sample []byte) []float64 {
	if len(sample) < 4 {
		return []float64{math.NaN(), math.NaN()}
	}
	press := int64(binary.BigEndian.Uint16(sample[0:2]))
	temp := int64(binary.BigEndian.Uint16(sample[2:4]))
	var pressLow, tempLow int64
	if len(sample) == 6 {
		pressLow = int64(sample[4])
		tempLow = int64(sample[5])
	}
	press = (press << 4) | (pressLow >> 4)
	temp = (temp << 4) | (tempLow >> 4)

	t := (float64(temp)/16. - d.t[0]) / 1024.
	t = t*d.t[1] + t*t/64.*d.t[2]
	var1 := t/2. - 64000.
	var2 := var1*d.p[4] + var1*var1/65536.*d.p[5] + d.p[3]*131072.
	var1 = (1. + (var1*d.p[1]+var1*var1/524288.0*d.p[2])/524288.0/32768.0) * d.p[0]

	var p float64
	if var1 != 0. {
		p = ((1048576. - float64(press)) - (var2 / 8192.)) * 6250. / var1
		p += (p*d.p[7]/32768. + p*p/2147483648.*d.p[8] + d.p[6]) / 16.
	} else {
		p = math.NaN()
	}
	return []float64{p, t / 5120.}
}
