package sensors

import (
	"encoding/binary"
	"math"

	"github.com/daedaluz/sensorhost/device"
)

var si7021Resolution = map[int64]string{0: "h12t14", 1: "h8t12", 2: "h10t13", 3: "h11t11"}

// humiditySensor is the Si7020/Si7021 hygrometer/thermometer driver
// (grounded on si7021.py's HumiditySensor/HumidityDecoder).
type humiditySensor struct {
	device.BaseSensor
	dec humidityDecoder
}

func newHumiditySensor(dev *device.Device, id int) device.Sensor {
	s := &humiditySensor{BaseSensor: device.NewBaseSensor(dev, id, "Relative Humidity (Si7021/Si7020)")}
	s.AddAttr("resolution", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 3, Shift: 5, ValueMap: si7021Resolution})
	s.AddAttr("heaterOn", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 1, Shift: 4})
	s.AddAttr("heaterCurrent", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 15, Shift: 0})
	s.AddAttr("enableTemperature", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 1})
	s.AddAttr("enableHumidity", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 0})
	s.dec = humidityDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *humiditySensor) Decoder() device.Decoder { return &s.dec }

type humidityDecoder struct {
	device.BaseDecoder
	enableTemp bool
	enableHum  bool
}

func (d *humidityDecoder) Update() {
	d.BaseDecoder.Update()
	d.enableTemp = attrBool(d.Sensor, "enableTemperature")
	d.enableHum = attrBool(d.Sensor, "enableHumidity")
}

func (d *humidityDecoder) Decode(sample []byte) []float64 {
	hum := math.NaN()
	if d.enableHum && len(sample) >= 2 {
		hum = float64(binary.BigEndian.Uint16(sample[:2]))*125./65536. - 6.
		sample = sample[2:]
	}
	temp := math.NaN()
	if d.enableTemp && len(sample) >= 2 {
		temp = float64(binary.BigEndian.Uint16(sample[:2]))*175.72/65535. - 46.85
	}
	return []float64{hum, temp}
}
