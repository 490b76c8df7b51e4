package firmware

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// chunkSize is the payload size of a single firmware upload command
//.
const chunkSize = 28

// sectorSize is the size of one SD card sector the sensor node's
// bootloader writes a firmware image in.
const sectorSize = 512

// maxInFlight bounds how many upload chunks are pipelined concurrently
// (grounded on multisensor.py's uploadBuffer 16-deep running
// queue).
const maxInFlight = 16

// Commander is the subset of device.Device's reliable command transport
// that firmware upload needs. It's expressed as an interface so this
// package doesn't import device directly, mirroring the DI pattern used
// between routing and device.
type Commander interface {
	AsyncCmd(msg uint16, arg uint8, payload []byte) (uint8, error)
	FinishCmd(seq uint8) (status byte, data []byte, err error)
	Cmd(msg uint16, arg uint8, payload []byte, startTimeout, respTimeout time.Duration, retries int) (status byte, data []byte, err error)
	String() string
}

const msgStartUpload = 0x01f0
const msgStopUpload = 0x01f1
const msgUploadBuffer = 0x01f2
const msgUploadSector = 0x01f3
const msgFinishUpgrade = 0x01f4

// StartUpload puts the sensor node into firmware upload mode.
func StartUpload(dev Commander) (status byte, data []byte, err error) {
	return dev.Cmd(msgStartUpload, 0, nil, 10*time.Second, 100*time.Millisecond, 64)
}

// StopUpload leaves firmware upload mode without actually upgrading.
func StopUpload(dev Commander) (status byte, data []byte, err error) {
	return dev.Cmd(msgStopUpload, 0, nil, 10*time.Second, 100*time.Millisecond, 64)
}

// uploadBuffer pipelines data into the sensor node's RAM sector buffer 28
// bytes at a time, up to maxInFlight requests concurrently in flight
// (grounded on multisensor.py's uploadBuffer 16-deep
// running queue; the per-request retry loop that queue implemented by
// hand is already handled by Commander.FinishCmd's own retry budget).
func uploadBuffer(dev Commander, subject string, data []byte) error {
	numPages := (len(data) + chunkSize - 1) / chunkSize
	sem := semaphore.NewWeighted(maxInFlight)
	g, ctx := errgroup.WithContext(context.Background())
	for page := 0; page < numPages; page++ {
		page := page
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			start := page * chunkSize
			end := start + chunkSize
			if end > len(data) {
				end = len(data)
			}
			seq, err := dev.AsyncCmd(msgUploadBuffer, uint8(page), data[start:end])
			if err != nil {
				return fmt.Errorf("uploading %s page %d: %w", subject, page, err)
			}
			status, _, err := dev.FinishCmd(seq)
			if err != nil {
				return fmt.Errorf("uploading %s page %d: %w", subject, page, err)
			}
			if status != 0 {
				return fmt.Errorf("uploading %s page %d: device returned status %02x", subject, page, status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("firmware: %w", err)
	}
	return nil
}

// uploadSector uploads one 512-byte sector's worth of data into the
// buffer, then commits the buffer to the SD card at sector.
func uploadSector(dev Commander, sector uint32, data []byte) error {
	if err := uploadBuffer(dev, fmt.Sprintf("sector %d", sector), data); err != nil {
		return err
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, sector)
	status, _, err := dev.Cmd(msgUploadSector, 0, payload, 10*time.Second, 100*time.Millisecond, 64)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("firmware: writing sector %d: device returned status %02x", sector, status)
	}
	return nil
}

// Progress reports the fraction (0 to 1) of a firmware upgrade completed
// so far.
type Progress func(fraction float64)

// Upgrade uploads a firmware image and its updater blob to the sensor
// node and triggers the upgrade, dropping the driver instance once it's
// underway since the node must be rediscovered after rebooting into the
// new firmware (grounded on multisensor.py's
// upgradeFirmware).
func Upgrade(dev Commander, drop func(), updater, image []byte, progress Progress, log *zap.Logger) error {
	if status, _, err := StartUpload(dev); err != nil {
		return fmt.Errorf("firmware: entering upload mode: %w", err)
	} else if status != 0 {
		return fmt.Errorf("firmware: entering upload mode: device returned status %02x", status)
	}

	sectors := (len(image) + sectorSize - 1) / sectorSize
	padded := make([]byte, sectors*sectorSize)
	copy(padded, image)
	crc := CRC32(padded)

	for i := 0; i < sectors; i++ {
		start := i * sectorSize
		if err := uploadSector(dev, uint32(i), padded[start:start+sectorSize]); err != nil {
			return err
		}
		if progress != nil {
			progress(float64(i) / float64(sectors+1))
		}
	}

	if err := uploadBuffer(dev, "updater", updater); err != nil {
		return err
	}

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(sectors))
	binary.LittleEndian.PutUint32(payload[4:8], crc)
	status, _, err := dev.Cmd(msgFinishUpgrade, 0, payload, 10*time.Second, 100*time.Millisecond, 64)
	if err != nil {
		return fmt.Errorf("firmware: starting upgrade: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("firmware: starting upgrade: device returned status %02x", status)
	}
	if progress != nil {
		progress(1)
	}
	if log != nil {
		log.Info("firmware upgrade initiated", zap.String("device", dev.String()), zap.Int("sectors", sectors), zap.Uint32("crc32", crc))
	}
	drop()
	return nil
}
