package device

import (
	"fmt"

	"github.com/google/uuid"
)

// StartSeries stamps a shared series identity across every device about to
// begin a synchronized measurement: a version-1 UUID in series-header page
// 1 and the series name in page 2, written before StartMeasurement is
// issued to any of them (Client/measure.py, which generates
// one uuid.uuid1() per run and writes it ahead of time to every
// participating device).
func StartSeries(devices []*Device, name string) (uuid.UUID, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("device: generating series id: %w", err)
	}

	idPage := make([]byte, recordSize)
	copy(idPage[12:], seriesUUIDBytesLE(id))

	namePage := []byte(name)
	if len(namePage) > recordSize {
		namePage = namePage[:recordSize]
	}

	for _, d := range devices {
		if status, _, err := d.WriteSeriesHeaderPage(1, idPage); err != nil {
			return id, fmt.Errorf("device %s: writing series id: %w", d.ID, err)
		} else if status != 0 {
			return id, fmt.Errorf("device %s: writing series id: status %02x", d.ID, status)
		}
		if status, _, err := d.WriteSeriesHeaderPage(2, namePage); err != nil {
			return id, fmt.Errorf("device %s: writing series name: %w", d.ID, err)
		} else if status != 0 {
			return id, fmt.Errorf("device %s: writing series name: status %02x", d.ID, status)
		}
	}
	return id, nil
}

// seriesUUIDBytesLE renders id the way the original tool's Python uuid
// library serializes it (bytes_le): the time_low, time_mid and
// time_hi_and_version fields byte-swapped, clock sequence and node left in
// RFC 4122 order.
func seriesUUIDBytesLE(id uuid.UUID) []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = id[3], id[2], id[1], id[0]
	b[4], b[5] = id[5], id[4]
	b[6], b[7] = id[7], id[6]
	copy(b[8:], id[8:])
	return b
}
