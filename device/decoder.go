package device

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"
)

// recordSize is the fixed size of one measurement data-stream packet
// payload.
const recordSize = 28

// seriesHeaderPages is the number of non-sensor header pages at the start
// of every series (sequence numbers 0-15); sensor configuration pages
// follow at sequence numbers 16-271.
const seriesHeaderPages = 16

// sensorConfigEnd is the sequence number one past the last sensor
// configuration page (16 header pages + 64 sensors * 4 pages).
const sensorConfigEnd = seriesHeaderPages + 64*4

// decoderGapTimeout bounds how long the reassembler waits for a missing
// packet before giving up on it and moving on.
const decoderGapTimeout = 2 * time.Second

// scheduleEntry is one pending measurement sample, ordered by its
// scheduled decode time (grounded on multisensor.py's
// parallel decoderSchedule/decoderSensor deques).
type scheduleEntry struct {
	at     int64
	sensor Sensor
}

// decoderState reassembles the out-of-order measurement data stream into
// decoded samples, grounded on
// multisensor.py's decoderActive/decoderSeq/decoderBuffer/decoderSchedule
// state and handleDataPacket/decodePacket/scheduleSensor methods.
type decoderState struct {
	device *Device

	mu     sync.Mutex
	active bool

	decoderTime int64 // microseconds since the Unix epoch, see DESIGN.md
	seq         uint32
	data        []byte
	buffer      map[uint32][]byte
	schedule    []scheduleEntry

	lastProgress time.Time
	lastSkipSeq  uint32

	endTime        uint32
	haveEndTime    bool
	endOffset      uint64
	txOverflowLost uint32
	sdOverflowLost uint32
	lostPackets    uint32
}

// StartMeasurement resets decoder state for a freshly started measurement
// and issues the start command.
func (d *Device) StartMeasurement(targets uint8, globalTime uint32, unixTimeMicros uint64) (status byte, data []byte, err error) {
	if err := d.commitAllSensorAttrs(context.Background()); err != nil {
		return 0, nil, err
	}

	d.mu.Lock()
	for i := range d.seriesHeader {
		d.seriesHeader[i] = nil
	}
	d.mu.Unlock()

	dec := &d.decoder
	dec.mu.Lock()
	dec.decoderTime = int64(unixTimeMicros)
	dec.seq = 0
	dec.data = nil
	dec.buffer = make(map[uint32][]byte)
	dec.schedule = nil
	dec.lastProgress = time.Now().Add(3 * time.Second)
	// No skip boundary has been established yet; start it past every
	// possible decoderSeq so the very first skip-ahead decision isn't
	// blocked by dec.seq >= dec.lastSkipSeq below.
	dec.lastSkipSeq = ^uint32(0)
	dec.active = true
	dec.haveEndTime = false
	dec.endOffset = ^uint64(0)
	dec.lostPackets = 0
	dec.mu.Unlock()

	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], globalTime)
	binary.LittleEndian.PutUint64(payload[4:12], unixTimeMicros)
	return d.Cmd(0x0110, targets, payload, 10*time.Second, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts)
}

// MeasurementResult summarizes a completed measurement.
type MeasurementResult struct {
	EndTimeMicros  uint32
	EndOffset      uint64
	PacketCount    uint32
	LostPackets    uint32
	TxOverflowLost uint32
	SdOverflowLost uint32
}

// StopMeasurement tells the sensor node to stop and records the
// completion counters it reports.
func (d *Device) StopMeasurement() (status byte, data []byte, err error) {
	status, data, err = d.Cmd(0x0111, 0, nil, 10*time.Second, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts)
	if err != nil {
		return status, data, err
	}
	dec := &d.decoder
	dec.mu.Lock()
	active := dec.active
	dec.mu.Unlock()
	if !active {
		return 0, nil, nil
	}
	d.mu.Lock()
	d.measurementEndLastNoData = d.lastNoData
	d.mu.Unlock()
	if status == 0 && len(data) >= 20 {
		dec.mu.Lock()
		dec.endTime = binary.LittleEndian.Uint32(data[0:4])
		dec.haveEndTime = true
		dec.endOffset = binary.LittleEndian.Uint64(data[4:12])
		dec.txOverflowLost = binary.LittleEndian.Uint32(data[12:16])
		dec.sdOverflowLost = binary.LittleEndian.Uint32(data[16:20])
		dec.mu.Unlock()
	}
	return status, data, nil
}

// EndMeasurement blocks until the device's buffers have drained, flushes
// any remaining buffered packets (zero-filling gaps), and reports
// completion counters.
func (d *Device) EndMeasurement() *MeasurementResult {
	dec := &d.decoder
	dec.mu.Lock()
	active := dec.active
	dec.mu.Unlock()
	if !active {
		return nil
	}

	for {
		d.mu.Lock()
		drained := d.lastNoData != d.measurementEndLastNoData
		dropped := d.dropped
		d.mu.Unlock()
		if drained || dropped {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	dec.mu.Lock()
	dec.active = false
	for uint64(dec.seq)*recordSize < dec.endOffset {
		data, ok := dec.buffer[dec.seq]
		if !ok {
			data = make([]byte, recordSize)
		} else {
			delete(dec.buffer, dec.seq)
		}
		dec.decodePacketLocked(data)
	}
	result := &MeasurementResult{
		EndOffset:      dec.endOffset,
		PacketCount:    dec.seq,
		LostPackets:    dec.lostPackets,
		TxOverflowLost: dec.txOverflowLost,
		SdOverflowLost: dec.sdOverflowLost,
	}
	if dec.haveEndTime {
		result.EndTimeMicros = dec.endTime
	}
	dec.mu.Unlock()
	return result
}

// DecoderStats reports the reassembler's current sequence cursor, lost
// packet count, and out-of-order buffer depth, for gap/progress metrics
//.
func (d *Device) DecoderStats() (seq uint32, lostPackets uint32, bufferDepth int) {
	dec := &d.decoder
	dec.mu.Lock()
	defer dec.mu.Unlock()
	return dec.seq, dec.lostPackets, len(dec.buffer)
}

// handleDataStream reassembles one (possibly out-of-order) measurement
// data-stream packet (grounded on multisensor.py's
// handleDataPacket). seq32 is the device's already 32-bit-extended
// sequence number, not the raw 15-bit wire value.
func (d *Device) handleDataStream(sofCount uint16, seq32 uint32, data []byte) {
	if d.RawDataHook != nil {
		d.RawDataHook(sofCount, seq32, data)
	}

	dec := &d.decoder
	dec.mu.Lock()
	defer dec.mu.Unlock()
	if !dec.active {
		return
	}

	now := time.Now()
	skip := now.Sub(dec.lastProgress) > dec.device.cfg.GapTimeout
	seqBefore := dec.seq

	switch {
	case seq32 == dec.seq:
		dec.decodePacketLocked(data)
	case seq32 > dec.seq:
		dec.buffer[seq32] = append([]byte(nil), data...)
	}

	for {
		buffered, ok := dec.buffer[dec.seq]
		if !ok {
			if seq32 < dec.seq || !skip || dec.seq >= dec.lastSkipSeq {
				break
			}
			if dec.seq < sensorConfigEnd {
				d.log.Warn("lost series header packet, decoded data may be garbage",
					zap.Uint32("seq", dec.seq), zap.Stringer("device", d.ID))
			}
			dec.decodePacketLocked(make([]byte, recordSize))
			dec.lostPackets++
			continue
		}
		delete(dec.buffer, dec.seq)
		dec.decodePacketLocked(buffered)
	}

	if dec.seq > seqBefore {
		dec.lastProgress = now
	}
	if skip {
		dec.lastSkipSeq = seq32
		dec.lastProgress = now
	}
}

// decodePacketLocked processes one in-sequence packet; the caller must
// hold dec.mu. Sequence numbers below 16 are the series header, 16-271
// are sensor configuration pages, and everything after that is
// measurement sample data.
func (d *decoderState) decodePacketLocked(data []byte) {
	offset := uint64(d.seq) * recordSize
	if offset >= d.endOffset {
		return
	}

	dev := d.device
	switch {
	case d.seq < seriesHeaderPages:
		dev.mu.Lock()
		dev.seriesHeader[d.seq] = append([]byte(nil), data...)
		dev.mu.Unlock()

	case d.seq < sensorConfigEnd:
		rel := d.seq - seriesHeaderPages
		sensorID := int(rel >> 2)
		page := int(rel & 3)
		dev.mu.Lock()
		dev.sensorCache[sensorID][page] = append([]byte(nil), data...)
		dev.mu.Unlock()
		if d.seq == sensorConfigEnd-1 {
			d.activateSensors()
		}

	case len(d.schedule) > 0:
		want := d.schedule[0].sensor.Decoder().RecordBytes()
		// Clamp in uint64 space first: d.endOffset is 2^64-1 until the node
		// reports a real end offset, and endOffset-offset would overflow
		// int before the len(data) clamp could catch it.
		remaining := d.endOffset - offset
		if remaining > recordSize {
			remaining = recordSize
		}
		take := int(remaining)
		if take > len(data) {
			take = len(data)
		}
		d.data = append(d.data, data[:take]...)
		for len(d.data) >= want {
			entry := d.schedule[0]
			d.schedule = d.schedule[1:]
			sample := entry.sensor.Decoder().Decode(d.data[:want])
			if dev.DecodedDataHook != nil {
				dev.DecodedDataHook(entry.sensor, float64(entry.at)/1000.0, sample)
			}
			d.data = d.data[want:]
			d.decoderTime = entry.at
			d.scheduleSensor(entry.sensor, 0, false)
			if len(d.schedule) == 0 {
				break
			}
			want = d.schedule[0].sensor.Decoder().RecordBytes()
		}
	}
	d.seq++
}

// activateSensors runs once the series header has fully arrived
// (sequence 271): it updates every discovered sensor's decoder from its
// now-complete configuration and schedules the active ones.
func (d *decoderState) activateSensors() {
	dev := d.device
	dev.mu.Lock()
	sensors := make([]Sensor, 0, len(dev.sensors))
	for _, s := range dev.sensors {
		sensors = append(sensors, s)
	}
	dev.mu.Unlock()

	for _, s := range sensors {
		dec := s.Decoder()
		dec.Update()
		if dec.Interval() > 0 && dec.RecordBytes() > 0 {
			d.scheduleSensor(s, dec.Offset(), true)
			if dev.AttrDataHook != nil {
				for name := range s.Attrs() {
					v, err := s.GetAttr(name)
					if err == nil {
						dev.AttrDataHook(s, name, v)
					}
				}
			}
		}
	}
}

// scheduleSensor inserts sensor into the ordered measurement schedule at
// decoderTime+interval (grounded on multisensor.py's
// scheduleSensor/bisect.insort behavior; must produce the same ordering
// as the device firmware for decoding to stay in sync).
func (d *decoderState) scheduleSensor(sensor Sensor, explicitOffset int64, useExplicit bool) {
	interval := explicitOffset
	if !useExplicit {
		interval = sensor.Decoder().Interval()
	}
	at := d.decoderTime + interval

	lo, hi := 0, len(d.schedule)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.schedule[mid].at <= at {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	d.schedule = append(d.schedule, scheduleEntry{})
	copy(d.schedule[lo+1:], d.schedule[lo:])
	d.schedule[lo] = scheduleEntry{at: at, sensor: sensor}
}
