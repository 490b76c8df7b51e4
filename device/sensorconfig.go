package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxInFlightPages bounds how many sensor configuration page transfers run
// concurrently during a bulk reload or commit (grounded on
// multisensor.py's reloadSensorData/commitAllSensorAttrs 16-deep running
// queue, reimplemented as a semaphore-bounded goroutine pool).
const maxInFlightPages = 16

const pageReadCmd = 0x0104
const pageWriteCmd = 0x0105

// GetDataField returns a copy of a byte range within a cached sensor
// configuration page.
func (d *Device) GetDataField(sensorID, page, offset, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.sensorCache[sensorID][page]
	if data == nil {
		return nil, fmt.Errorf("device: sensor %d page %d not loaded", sensorID, page)
	}
	if offset+size > len(data) {
		return nil, fmt.Errorf("device: sensor %d page %d field out of range", sensorID, page)
	}
	return append([]byte(nil), data[offset:offset+size]...), nil
}

// SetDataField overwrites a byte range within a cached sensor
// configuration page and marks it dirty, unless the new bytes are
// identical to what's already cached.
func (d *Device) SetDataField(sensorID, page, offset int, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.sensorCache[sensorID][page]
	if data == nil {
		return fmt.Errorf("device: sensor %d page %d not loaded", sensorID, page)
	}
	if offset+len(value) > len(data) {
		return fmt.Errorf("device: sensor %d page %d field out of range", sensorID, page)
	}
	if bytes.Equal(data[offset:offset+len(value)], value) {
		return nil
	}
	updated := append([]byte(nil), data...)
	copy(updated[offset:], value)
	d.sensorCache[sensorID][page] = updated
	d.sensorDirty[sensorID][page] = true
	return nil
}

func isPresent(page0 []byte) bool {
	if len(page0) < 12 {
		return false
	}
	for _, b := range page0[:12] {
		if b != 0 {
			return true
		}
	}
	return false
}

func (d *Device) fetchPage(sensorID, page int) ([]byte, error) {
	const maxAttempts = 8
	for i := 0; i < maxAttempts; i++ {
		status, data, err := d.Cmd(pageReadCmd, uint8(sensorID<<2|page), nil, 10*time.Second, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts)
		if err != nil {
			return nil, err
		}
		if status != 0 {
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("device %s: sensor %d page %d repeatedly rejected", d.ID, sensorID, page)
}

func (d *Device) fetchSensorPages(sensorID int) error {
	page0, err := d.fetchPage(sensorID, 0)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sensorCache[sensorID][0] = page0
	d.sensorDirty[sensorID][0] = false
	d.mu.Unlock()
	if !isPresent(page0) {
		return nil
	}
	for page := 1; page < 4; page++ {
		data, err := d.fetchPage(sensorID, page)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.sensorCache[sensorID][page] = data
		d.sensorDirty[sensorID][page] = false
		d.mu.Unlock()
	}
	return nil
}

// reloadSensorData (re)downloads every sensor's configuration pages,
// committing any locally pending changes first.
func (d *Device) reloadSensorData(ctx context.Context) error {
	d.mu.Lock()
	discovered := d.sensorsDiscovered
	d.mu.Unlock()
	if discovered {
		if err := d.commitAllSensorAttrs(ctx); err != nil {
			return err
		}
	}

	sem := semaphore.NewWeighted(maxInFlightPages)
	g, ctx := errgroup.WithContext(ctx)
	for sensorID := 0; sensorID < 64; sensorID++ {
		sensorID := sensorID
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return d.fetchSensorPages(sensorID)
		})
	}
	return g.Wait()
}

// commitAllSensorAttrs writes back every dirty configuration page
//.
func (d *Device) commitAllSensorAttrs(ctx context.Context) error {
	type pageKey struct{ sensor, page int }
	var dirty []pageKey
	d.mu.Lock()
	for s := 0; s < 64; s++ {
		for p := 0; p < 4; p++ {
			if d.sensorDirty[s][p] {
				dirty = append(dirty, pageKey{s, p})
			}
		}
	}
	d.mu.Unlock()
	if len(dirty) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(maxInFlightPages)
	var g errgroup.Group
	var errMu sync.Mutex
	var errs []error
	for _, k := range dirty {
		k := k
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			d.mu.Lock()
			payload := d.sensorCache[k.sensor][k.page]
			d.mu.Unlock()
			status, data, err := d.Cmd(pageWriteCmd, uint8(k.sensor<<2|k.page), payload, 10*time.Second, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts)
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("sensor %d page %d: %w", k.sensor, k.page, err))
				errMu.Unlock()
				return nil
			}
			if status != 0 {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("sensor %d page %d: device returned status %02x", k.sensor, k.page, status))
				errMu.Unlock()
				return nil
			}
			d.mu.Lock()
			d.sensorCache[k.sensor][k.page] = data
			d.sensorDirty[k.sensor][k.page] = false
			d.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("device %s: committing sensor attributes: %w", d.ID, errors.Join(errs...))
	}
	return nil
}

// ReadSeriesHeaderPage synchronously reads one of the 16 non-sensor pages
// of the series header.
func (d *Device) ReadSeriesHeaderPage(page int) (status byte, data []byte, err error) {
	return d.Cmd(0x0102, uint8(page), nil, 10*time.Second, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts)
}

// WriteSeriesHeaderPage synchronously writes one of the 16 non-sensor
// pages of the series header.
func (d *Device) WriteSeriesHeaderPage(page int, data []byte) (status byte, resp []byte, err error) {
	return d.Cmd(0x0103, uint8(page), data, 10*time.Second, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts)
}

// SaveSeriesHeader commits pending sensor attribute changes and asks the
// device to persist the series header to its SD card.
func (d *Device) SaveSeriesHeader() (status byte, data []byte, err error) {
	if err := d.commitAllSensorAttrs(context.Background()); err != nil {
		return 0, nil, err
	}
	return d.Cmd(0x0107, 0, nil, 10*time.Second, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts)
}
