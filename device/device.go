// Package device implements the per-device reliable command transport, the
// sensor configuration cache, and the measurement data-stream reassembler
// for a single radio-connected SensorPlatform node.
//
// Grounded on Client/sensorplatform/rfdevice.py (the
// per-device reliable transport and telemetry) and
// Client/sensorplatform/device/iris/multisensor.py (the
// sensor cache, decoder state machine and firmware/measurement
// orchestration), rebuilt with goroutines and per-command reply channels;
// the slot-pool and packet-received waits use syncx condition variables.
package device

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daedaluz/sensorhost/routing"
	"github.com/daedaluz/sensorhost/syncx"
)

// ErrDropped is returned by any operation attempted on a device after it
// has been dropped (lost radio link, reboot, firmware upgrade).
var ErrDropped = errors.New("device: dropped")

// ErrTimeout is returned when a command receives no reply within its
// configured retry budget.
var ErrTimeout = errors.New("device: timeout waiting for reply")

// Hub is the subset of routing.Hub that a Device needs to talk to its
// radio link, so device doesn't have to depend on basestation directly.
type Hub interface {
	SendPacket(id routing.Identity, data []byte) error
	PollDevice(id routing.Identity) error
	DropDevice(id routing.Identity)
}

// telemetrySnapshot is the status/telemetry payload reported by a
// no-data-info reply.
type telemetrySnapshot struct {
	sofCount uint16
	counters [8]uint16
}

// Config carries the per-attempt timeout/retry budget and gap timeout as
// explicit values instead of hard-coded constants.
type Config struct {
	// CmdRespTimeout is the per-attempt reply timeout used by the default
	// (retries, not one-shot) reliable-command helpers.
	CmdRespTimeout time.Duration
	// CmdMaxAttempts is the retry budget for those same helpers.
	CmdMaxAttempts int
	// GapTimeout bounds how long the reassembler waits for a missing data
	// packet before zero-filling it and skipping ahead.
	GapTimeout time.Duration
}

// DefaultConfig returns the library defaults: 100ms/64 attempts for
// reliable commands, 2s for the reassembler's gap timeout.
func DefaultConfig() Config {
	return Config{
		CmdRespTimeout: 100 * time.Millisecond,
		CmdMaxAttempts: 64,
		GapTimeout:     decoderGapTimeout,
	}
}

// Device drives one radio-connected SensorPlatform node: command
// transport, sensor configuration cache, and measurement decoding.
type Device struct {
	hub Hub
	ID  routing.Identity
	log *zap.Logger
	cfg Config

	mu        sync.Mutex
	rxCond    *syncx.Cond
	freeCond  *syncx.Cond
	nextSeq   uint8
	cmdData   [cmdSlots][]byte
	listener  [cmdSlots]chan cmdReply
	pendingRx [cmdSlots]int
	lastTx    [cmdSlots]time.Time

	activeListeners          int
	lastRx                   time.Time
	lastNoData               time.Time
	measurementEndLastNoData time.Time
	dropped                  bool

	curTelemetry  *telemetrySnapshot
	lastTelemetry *telemetrySnapshot
	telemetryRate [8]float64

	bitrate uint32
	// dataSeq is this device's own 32-bit extension of the node's 15-bit
	// data-stream sequence number, advanced only by the delta computation
	// in HandlePacket (grounded on multisensor.py's
	// handleIncoming dataSeq bookkeeping). Not to be confused with
	// nodeReportedDataSeq below.
	dataSeq uint32
	// nodeReportedDataSeq is the node's own 32-bit dataSeq32 counter as
	// reported in its periodic no-data-info telemetry, kept separately
	// since it is informational only and must never be used to
	// re-anchor dataSeq (doing so would defeat the gap-detection the
	// 15-bit extension exists for).
	nodeReportedDataSeq uint32

	sensorCache       [64][4][]byte
	sensorDirty       [64][4]bool
	sensorsDiscovered bool
	seriesHeader      [16][]byte

	sensors map[int]Sensor

	// SensorFactory instantiates the right driver for a discovered sensor
	// based on the vendor/product read from its configuration page 0. If
	// nil (or it returns nil), the sensor still participates in scheduling
	// through the generic BaseSensor/BaseDecoder pair, just without
	// type-specific attributes or decoding.
	SensorFactory func(dev *Device, sensorID int, vendor, product uint32) Sensor

	decoder decoderState

	// RawDataHook, if set, is invoked for every raw measurement data
	// stream packet before reassembly.
	RawDataHook func(sofCount uint16, seq uint32, data []byte)
	// AttrDataHook, if set, is invoked once per sensor attribute when a
	// measurement starts.
	AttrDataHook func(sensor Sensor, attr string, value interface{})
	// DecodedDataHook, if set, receives decoded measurement samples.
	DecodedDataHook func(sensor Sensor, timestampMillis float64, sample []float64)
}

// New constructs a device driver for a newly discovered identity with the
// default Config, and starts its background sensor-discovery goroutine. It
// satisfies routing.DriverFactory.
func New(hub Hub, id routing.Identity, info *routing.ProtoInfo, log *zap.Logger) *Device {
	return NewWithConfig(hub, id, info, log, DefaultConfig())
}

// NewWithConfig is New with an explicit Config, for callers that surface
// the device-scoped tunables through their own configuration layer
// (address-deassociation is configured on the routing.Hub instead).
func NewWithConfig(hub Hub, id routing.Identity, info *routing.ProtoInfo, log *zap.Logger, cfg Config) *Device {
	if cfg.CmdRespTimeout <= 0 {
		cfg.CmdRespTimeout = DefaultConfig().CmdRespTimeout
	}
	if cfg.CmdMaxAttempts <= 0 {
		cfg.CmdMaxAttempts = DefaultConfig().CmdMaxAttempts
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = DefaultConfig().GapTimeout
	}
	d := &Device{
		hub:     hub,
		ID:      id,
		log:     log,
		cfg:     cfg,
		sensors: make(map[int]Sensor),
	}
	d.rxCond = syncx.NewCond(&d.mu)
	d.freeCond = syncx.NewCond(&d.mu)
	d.decoder.device = d
	go d.discover()
	return d
}

// String identifies the device by its hardware identity, so it prints
// usefully in logs and error messages.
func (d *Device) String() string { return d.ID.String() }

func (d *Device) isDropped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Destroy marks the device dropped; every in-flight and future operation
// fails with ErrDropped ("reject operations on the old
// instance").
func (d *Device) Destroy() {
	d.mu.Lock()
	d.dropped = true
	d.rxCond.Broadcast()
	d.freeCond.Broadcast()
	d.mu.Unlock()
}

// Reboot sends the (unacknowledged) reboot command and drops this driver
// instance; the device will be re-discovered from scratch if it survives
// the reboot ("do not guess at a response").
func (d *Device) Reboot() {
	// The node reboots without replying, so a reply timeout is the
	// expected outcome; any other error is logged.
	if _, _, err := d.Cmd(0x01ff, 0, nil, time.Second, 100*time.Millisecond, 1); err != nil && !errors.Is(err, ErrTimeout) {
		d.log.Warn("reboot command failed", zap.Stringer("device", d.ID), zap.Error(err))
	}
	d.hub.DropDevice(d.ID)
}
