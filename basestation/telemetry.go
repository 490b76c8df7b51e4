package basestation

import (
	"encoding/binary"
	"errors"
)

var errShortTelemetry = errors.New("radio stats response too short")

// telemetryCounters is the number of uint32 counters the base station
// reports in its radio-stats response (grounded on
// receiver.py's updateTelemetry unpacking "<IIIII").
const telemetryCounters = 5

// UpdateTelemetry fetches the current counter snapshot from the radio.
// Call it immediately before SnapshotTelemetry.
func (bs *BaseStation) UpdateTelemetry() error {
	resp, err := bs.GetRadioStats()
	if err != nil {
		return fmtErr("get radio stats", err)
	}
	if len(resp.Payload) < 4+4*telemetryCounters {
		return fmtErr("get radio stats", errShortTelemetry)
	}
	bs.telMu.Lock()
	defer bs.telMu.Unlock()
	for i := 0; i < telemetryCounters; i++ {
		bs.cur[i] = binary.LittleEndian.Uint32(resp.Payload[4+4*i : 8+4*i])
	}
	bs.have = true
	return nil
}

// SnapshotTelemetry computes the per-second delta of each counter since the
// previous snapshot, handling 32-bit counter wraparound. interval is the
// number of seconds elapsed since the previous call. The first call after
// startup (or after UpdateTelemetry has never run) reports all-zero deltas.
func (bs *BaseStation) SnapshotTelemetry(interval float64) [telemetryCounters]float64 {
	bs.telMu.Lock()
	defer bs.telMu.Unlock()
	var out [telemetryCounters]float64
	if !bs.have {
		return out
	}
	if bs.haveLast && interval > 0 {
		for i := 0; i < telemetryCounters; i++ {
			diff := uint32(bs.cur[i] - bs.last[i]) // wraps correctly for unsigned overflow
			out[i] = float64(diff) / interval
		}
	}
	bs.last = bs.cur
	bs.haveLast = true
	bs.delta = out
	return out
}

// LastDelta returns the most recent SnapshotTelemetry result without
// recomputing it.
func (bs *BaseStation) LastDelta() [telemetryCounters]float64 {
	bs.telMu.Lock()
	defer bs.telMu.Unlock()
	return bs.delta
}
