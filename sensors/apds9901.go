package sensors

import (
	"encoding/binary"
	"math"

	"github.com/daedaluz/sensorhost/device"
)

var waitTimeFactor = intMap(map[int64]int64{0: 1, 1: 12})
var reflectedPulseCurrent = floatMap(map[int64]float64{0: 100, 1: 50, 2: 25, 3: 12.5})
var ambientSensorGain = intMap(map[int64]int64{0: 1, 1: 8, 2: 16, 3: 120})

// integrationTimeTranslator converts the raw register count into a
// duration in microseconds: (256-raw)*2720 (grounded on
// apds9901.py's shared xlate lambda for ambient/reflected integration
// time and wait time).
var integrationTimeTranslator = &device.Translator{
	Decode: func(raw int64) interface{} { return float64(256-raw) * 2720 },
	Encode: func(value interface{}) int64 {
		v, _ := value.(float64)
		n := 256 - int64(v)/2720
		if n < 0 {
			n = 0
		}
		if n > 255 {
			n = 255
		}
		return n
	},
}

// intensitySensor is the APDS-9901 ambient light and proximity sensor
// driver (grounded on apds9901.py's
// IntensitySensor/IntensityDecoder).
type intensitySensor struct {
	device.BaseSensor
	dec intensityDecoder
}

func newIntensitySensor(dev *device.Device, id int) device.Sensor {
	s := &intensitySensor{BaseSensor: device.NewBaseSensor(dev, id, "Light Intensity (APDS-9901)")}
	s.AddAttr("waitTimeFactor", &device.Attribute{Page: 2, Offset: 0, Width: 1, Mask: 1, Shift: 1, Translator: waitTimeFactor})
	s.AddAttr("reflectedPulseCount", &device.Attribute{Page: 2, Offset: 1, Width: 1})
	s.AddAttr("reflectedPulseCurrent", &device.Attribute{Page: 2, Offset: 2, Width: 1, Mask: 3, Shift: 6, Translator: reflectedPulseCurrent})
	s.AddAttr("ambientSensorGain", &device.Attribute{Page: 2, Offset: 2, Width: 1, Mask: 3, Shift: 0, Translator: ambientSensorGain})
	s.AddAttr("ambientIntegrationTime", &device.Attribute{Page: 2, Offset: 3, Width: 1, Translator: integrationTimeTranslator})
	s.AddAttr("reflectedIntegrationTime", &device.Attribute{Page: 2, Offset: 4, Width: 1, Translator: integrationTimeTranslator})
	s.AddAttr("waitTime", &device.Attribute{Page: 2, Offset: 5, Width: 1, Translator: integrationTimeTranslator})
	s.AddAttr("enableWait", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 3})
	s.AddAttr("enableReflected", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 2})
	s.AddAttr("enableInfrared", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 1})
	s.AddAttr("enableFullSpectrum", &device.Attribute{Page: 2, Offset: 27, Width: 1, Mask: 1, Shift: 0})
	s.dec = intensityDecoder{BaseDecoder: device.NewBaseDecoder(s)}
	return s
}

func (s *intensitySensor) Decoder() device.Decoder { return &s.dec }

type intensityDecoder struct {
	device.BaseDecoder
	enableFullSpectrum bool
	enableInfrared     bool
	enableReflected    bool
	factor             float64
}

func (d *intensityDecoder) Update() {
	d.BaseDecoder.Update()
	d.enableFullSpectrum = attrBool(d.Sensor, "enableFullSpectrum")
	d.enableInfrared = attrBool(d.Sensor, "enableInfrared")
	d.enableReflected = attrBool(d.Sensor, "enableReflected")
	integration, _ := d.Sensor.GetAttr("ambientIntegrationTime")
	integrationUs, _ := integration.(float64)
	gain := float64(attrInt64(d.Sensor, "ambientSensorGain"))
	if integrationUs != 0 && gain != 0 {
		d.factor = 24960. / integrationUs / gain
	}
}

func (d *intensityDecoder) Decode(sample []byte) []float64 {
	adfs, adir, adrf := math.NaN(), math.NaN(), math.NaN()
	if d.enableFullSpectrum && len(sample) >= 2 {
		adfs = float64(binary.LittleEndian.Uint16(sample[:2]))
		sample = sample[2:]
	}
	if d.enableInfrared && len(sample) >= 2 {
		adir = float64(binary.LittleEndian.Uint16(sample[:2]))
		sample = sample[2:]
	}
	if d.enableReflected && len(sample) >= 2 {
		adrf = float64(binary.LittleEndian.Uint16(sample[:2]))
	}
	lux := math.Max(adfs-2.23*adir, 0.7*adfs-1.42*adir) * d.factor
	return []float64{adfs, adir, adrf, lux}
}
