package device

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// statusBusy is returned by the sensor node while it's running a
// measurement and can't service configuration requests.
const statusBusy = 5

// discover downloads a newly associated device's full sensor
// configuration and instantiates its sensor drivers (// grounded on multisensor.py's discoveryThread). It's started as a
// goroutine by New and drops the device on failure, since the most
// common cause is loss of the radio link mid-discovery.
func (d *Device) discover() {
	if d.isDropped() {
		return
	}
	if _, _, err := d.Cmd(0x01f1, 0, nil, 10*time.Second, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts); err != nil {
		d.fail("leaving upload mode", err)
		return
	}

	for {
		status, _, err := d.ReadSeriesHeaderPage(0)
		if err != nil {
			d.fail("probing series header", err)
			return
		}
		if status != statusBusy {
			break
		}
		if _, _, err := d.StopMeasurement(); err != nil {
			d.fail("stopping in-progress measurement", err)
			return
		}
	}

	if err := d.reloadSensorData(context.Background()); err != nil {
		d.fail("downloading sensor configuration", err)
		return
	}

	d.mu.Lock()
	present := make([]int, 0, 64)
	for i := 0; i < 64; i++ {
		if isPresent(d.sensorCache[i][0]) {
			present = append(present, i)
		}
	}
	factory := d.SensorFactory
	d.mu.Unlock()

	sensors := make(map[int]Sensor, len(present))
	for _, id := range present {
		vendor, product := d.sensorIdentity(id)
		var s Sensor
		if factory != nil {
			s = factory(d, id, vendor, product)
		}
		if s == nil {
			gs := &genericSensor{BaseSensor: NewBaseSensor(d, id, "unknown")}
			gs.dec = NewBaseDecoder(gs)
			s = gs
		}
		sensors[id] = s
	}

	d.mu.Lock()
	d.sensors = sensors
	d.sensorsDiscovered = true
	d.mu.Unlock()

	d.log.Info("device fully discovered", zap.Stringer("device", d.ID), zap.Int("sensors", len(sensors)))
}

func (d *Device) sensorIdentity(sensorID int) (vendor, product uint32) {
	page0, err := d.GetDataField(sensorID, 0, 0, 8)
	if err != nil || len(page0) < 8 {
		return 0, 0
	}
	return le32(page0[0:4]), le32(page0[4:8])
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (d *Device) fail(stage string, err error) {
	d.log.Warn("dropping device after discovery failure", zap.Stringer("device", d.ID), zap.String("stage", stage), zap.Error(err))
	d.hub.DropDevice(d.ID)
}

// genericSensor is the fallback driver for a sensor with no registered
// type-specific factory: it still exposes the generic attribute set and
// participates in measurement scheduling, but never decodes samples.
type genericSensor struct {
	BaseSensor
	dec BaseDecoder
}

func (s *genericSensor) Decoder() Decoder { return &s.dec }
