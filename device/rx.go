package device

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"
)

// HandlePacket implements routing.DeviceDriver: it classifies and
// dispatches one inbound radio frame.
//
// Frame layout: byte 0 is the source NodeId (already used for routing and
// ignored here), byte 1 is reserved, bytes 2:4 hold either a command
// response's status+type byte or the low 16 bits of a data-stream
// sequence number, depending on the top bits of byte 3:
//
//	byte3 == 0xff:     no-data-info reply
//	byte3 >> 7 == 0:   measurement data-stream packet
//	byte3 >> 5 == 4:   command response, low 5 bits of byte3 are the seq
func (d *Device) HandlePacket(sofCount uint16, packet []byte) {
	if d.isDropped() || len(packet) < 4 {
		return
	}
	d.mu.Lock()
	d.lastRx = time.Now()
	d.rxCond.Broadcast()
	typeByte := packet[3]

	switch {
	case typeByte == 0xff:
		d.lastNoData = d.lastRx
		if len(packet) >= 16 {
			d.bitrate = binary.LittleEndian.Uint32(packet[8:12])
			d.nodeReportedDataSeq = binary.LittleEndian.Uint32(packet[12:16])
		}
		var tel [8]uint16
		for i := 0; i < 8 && 16+2*i+2 <= len(packet); i++ {
			tel[i] = binary.LittleEndian.Uint16(packet[16+2*i : 18+2*i])
		}
		d.curTelemetry = &telemetrySnapshot{sofCount: sofCount, counters: tel}
		d.mu.Unlock()

	case typeByte>>7 == 0:
		var low16 uint16
		if len(packet) >= 4 {
			low16 = binary.LittleEndian.Uint16(packet[2:4])
		}
		seq15 := uint32(low16 & 0x7fff)
		delta := (seq15 - (d.dataSeq & 0x7fff)) & 0x7fff
		if delta&0x4000 != 0 {
			delta |= 0xffff8000
		}
		if int32(delta) < 0 {
			d.log.Warn("data-stream sequence moved backward, likely 16384+ consecutive packets lost",
				zap.Stringer("device", d.ID), zap.Uint32("delta", delta))
		}
		d.dataSeq += delta
		seq32 := d.dataSeq
		d.mu.Unlock()
		d.handleDataStream(sofCount, seq32, packet[4:])

	case typeByte>>5 == 4:
		seq := typeByte & 0x1f
		d.pendingRx[seq]--
		ch := d.listener[seq]
		d.mu.Unlock()
		if ch != nil {
			status := byte(0)
			if len(packet) >= 3 {
				status = packet[2]
			}
			var payload []byte
			if len(packet) > 4 {
				payload = append([]byte(nil), packet[4:]...)
			}
			select {
			case ch <- cmdReply{status: status, data: payload}:
			default:
			}
		}

	default:
		d.mu.Unlock()
	}
}

// SnapshotTelemetry computes the per-second delta of the device's
// telemetry counters, handling 16-bit wraparound (grounded
// on rfdevice.py's snapshotTelemetry).
func (d *Device) SnapshotTelemetry(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.curTelemetry
	if cur == nil {
		return
	}
	secs := interval.Seconds()
	if d.lastTelemetry != nil && secs > 0 {
		for i := 0; i < 8; i++ {
			diff := uint16(cur.counters[i] - d.lastTelemetry.counters[i])
			d.telemetryRate[i] = float64(diff) / secs
		}
	}
	d.lastTelemetry = cur
}

// TelemetryRate returns the most recent per-second delta computed by
// SnapshotTelemetry.
func (d *Device) TelemetryRate() [8]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.telemetryRate
}
