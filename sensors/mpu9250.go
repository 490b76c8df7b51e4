package sensors

import (
	"encoding/binary"
	"math"

	"github.com/daedaluz/sensorhost/device"
)

// MPU-9250/6050 inertial measurement unit drivers (grounded on
// mpu9250.py's AccelSensor/GyroSensor/MagSensor/TempSensor and their
// decoders). See the datasheet for the meaning of the raw configuration
// fields; this file only reproduces the bit layout, not an explanation of
// it.

var accelFullScale = intMap(map[int64]int64{0: 2, 1: 4, 2: 8, 3: 16})
var gyroFullScale = intMap(map[int64]int64{0: 250, 1: 500, 2: 1000, 3: 2000})

type accelSensor struct {
	device.BaseSensor
	dec accelDecoder
}

func newAccelSensor(dev *device.Device, id int) device.Sensor {
	s := &accelSensor{BaseSensor: device.NewBaseSensor(dev, id, "Force 3D Vector (MPU9250/MPU6250)")}
	s.AddAttr("stDataX", &device.Attribute{Page: 1, Offset: 0, Width: 1})
	s.AddAttr("stDataY", &device.Attribute{Page: 1, Offset: 1, Width: 1})
	s.AddAttr("stDataZ", &device.Attribute{Page: 1, Offset: 2, Width: 1})
	s.AddAttr("selfTestX", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 1, Shift: 7})
	s.AddAttr("selfTestY", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 1, Shift: 6})
	s.AddAttr("selfTestZ", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 1, Shift: 5})
	s.AddAttr("fullScale", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 3, Shift: 3, Translator: accelFullScale})
	s.AddAttr("fchoiceB", &device.Attribute{Page: 2, Offset: 1, Width: 1, Mask: 1, Shift: 3})
	s.AddAttr("dlpfCfg", &device.Attribute{Page: 2, Offset: 1, Width: 1, Mask: 7, Shift: 0})
	s.AddAttr("enableX", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 2})
	s.AddAttr("enableY", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 1})
	s.AddAttr("enableZ", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 0})
	s.dec = accelDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *accelSensor) Decoder() device.Decoder { return &s.dec }

type accelDecoder struct {
	device.BaseDecoder
	enable [3]bool
	factor float64
}

func (d *accelDecoder) Update() {
	d.BaseDecoder.Update()
	d.enable = [3]bool{attrBool(d.Sensor, "enableX"), attrBool(d.Sensor, "enableY"), attrBool(d.Sensor, "enableZ")}
	d.factor = float64(attrInt64(d.Sensor, "fullScale")) / 32767.
}

func (d *accelDecoder) Decode(sample []byte) []float64 {
	return decodeAxes(sample, d.enable, d.factor)
}

type gyroSensor struct {
	device.BaseSensor
	dec gyroDecoder
}

func newGyroSensor(dev *device.Device, id int) device.Sensor {
	s := &gyroSensor{BaseSensor: device.NewBaseSensor(dev, id, "Angular Velocity 3D Vector (MPU9250/MPU6250)")}
	s.AddAttr("stDataX", &device.Attribute{Page: 1, Offset: 0, Width: 1})
	s.AddAttr("stDataY", &device.Attribute{Page: 1, Offset: 1, Width: 1})
	s.AddAttr("stDataZ", &device.Attribute{Page: 1, Offset: 2, Width: 1})
	s.AddAttr("offsetX", &device.Attribute{Page: 2, Offset: 0, Width: 2, Endianness: device.BigEndian})
	s.AddAttr("offsetY", &device.Attribute{Page: 2, Offset: 2, Width: 2, Endianness: device.BigEndian})
	s.AddAttr("offsetZ", &device.Attribute{Page: 2, Offset: 4, Width: 2, Endianness: device.BigEndian})
	s.AddAttr("sampleRateDiv", &device.Attribute{Page: 2, Offset: 6, Width: 1})
	s.AddAttr("dlpfCfg", &device.Attribute{Page: 2, Offset: 7, Width: 1, Mask: 7, Shift: 0})
	s.AddAttr("selfTestX", &device.Attribute{Page: 2, Offset: 8, Width: 1, Mask: 1, Shift: 7})
	s.AddAttr("selfTestY", &device.Attribute{Page: 2, Offset: 8, Width: 1, Mask: 1, Shift: 6})
	s.AddAttr("selfTestZ", &device.Attribute{Page: 2, Offset: 8, Width: 1, Mask: 1, Shift: 5})
	s.AddAttr("fullScale", &device.Attribute{Page: 2, Offset: 8, Width: 1, Mask: 3, Shift: 3, Translator: gyroFullScale})
	s.AddAttr("fchoiceB", &device.Attribute{Page: 2, Offset: 8, Width: 1, Mask: 3, Shift: 0})
	s.AddAttr("enableX", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 2})
	s.AddAttr("enableY", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 1})
	s.AddAttr("enableZ", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 0})
	s.dec = gyroDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *gyroSensor) Decoder() device.Decoder { return &s.dec }

type gyroDecoder struct {
	device.BaseDecoder
	enable [3]bool
	factor float64
}

func (d *gyroDecoder) Update() {
	d.BaseDecoder.Update()
	d.enable = [3]bool{attrBool(d.Sensor, "enableX"), attrBool(d.Sensor, "enableY"), attrBool(d.Sensor, "enableZ")}
	d.factor = float64(attrInt64(d.Sensor, "fullScale")) / 32767.
}

func (d *gyroDecoder) Decode(sample []byte) []float64 {
	return decodeAxes(sample, d.enable, d.factor)
}

type magSensor struct {
	device.BaseSensor
	dec magDecoder
}

func newMagSensor(dev *device.Device, id int) device.Sensor {
	s := &magSensor{BaseSensor: device.NewBaseSensor(dev, id, "Magnetic Field 3D Vector (MPU9250/MPU6250)")}
	s.AddAttr("stDataX", &device.Attribute{Page: 1, Offset: 0, Width: 2})
	s.AddAttr("stDataY", &device.Attribute{Page: 1, Offset: 2, Width: 2})
	s.AddAttr("stDataZ", &device.Attribute{Page: 1, Offset: 4, Width: 2})
	s.AddAttr("stOverflow", &device.Attribute{Page: 1, Offset: 6, Width: 1, Mask: 1, Shift: 3})
	s.AddAttr("calScaleX", &device.Attribute{Page: 1, Offset: 7, Width: 1})
	s.AddAttr("calScaleY", &device.Attribute{Page: 1, Offset: 8, Width: 1})
	s.AddAttr("calScaleZ", &device.Attribute{Page: 1, Offset: 9, Width: 1})
	s.AddAttr("enableX", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 2})
	s.AddAttr("enableY", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 1})
	s.AddAttr("enableZ", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 0})
	s.dec = magDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *magSensor) Decoder() device.Decoder { return &s.dec }

type magDecoder struct {
	device.BaseDecoder
	enable [3]bool
	factor [3]float64
}

func (d *magDecoder) Update() {
	d.BaseDecoder.Update()
	d.enable = [3]bool{attrBool(d.Sensor, "enableX"), attrBool(d.Sensor, "enableY"), attrBool(d.Sensor, "enableZ")}
	d.factor = [3]float64{
		0.15 * (0.5 + float64(attrInt64(d.Sensor, "calScaleX"))/256.),
		0.15 * (0.5 + float64(attrInt64(d.Sensor, "calScaleY"))/256.),
		0.15 * (0.5 + float64(attrInt64(d.Sensor, "calScaleZ"))/256.),
	}
}

func (d *magDecoder) Decode(sample []byte) []float64 {
	result := make([]float64, 3)
	for i := 0; i < 3; i++ {
		if d.enable[i] && len(sample) >= 2 {
			result[i] = float64(int16(binary.BigEndian.Uint16(sample[:2]))) * d.factor[i]
			sample = sample[2:]
		} else {
			result[i] = math.NaN()
		}
	}
	return result
}

type tempSensor struct {
	device.BaseSensor
	dec tempDecoder
}

func newTempSensor(dev *device.Device, id int) device.Sensor {
	s := &tempSensor{BaseSensor: device.NewBaseSensor(dev, id, "Temperature (MPU9250/MPU6250)")}
	s.dec = tempDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *tempSensor) Decoder() device.Decoder { return &s.dec }

type tempDecoder struct {
	device.BaseDecoder
}

func (d *tempDecoder) Decode(sample []byte) []float64 {
	if len(sample) < 2 {
		return []float64{math.NaN()}
	}
	raw := int16(binary.BigEndian.Uint16(sample[:2]))
	return []float64{float64(raw)/333.87 + 21}
}

func decodeAxes(sample []byte, enable [3]bool, factor float64) []float64 {
	result := make([]float64, 3)
	for i := 0; i < 3; i++ {
		if enable[i] && len(sample) >= 2 {
			result[i] = float64(int16(binary.BigEndian.Uint16(sample[:2]))) * factor
			sample = sample[2:]
		} else {
			result[i] = math.NaN()
		}
	}
	return result
}

func attrBool(s device.Sensor, name string) bool {
	v, err := s.GetAttr(name)
	if err != nil {
		return false
	}
	n, _ := v.(int64)
	return n != 0
}
