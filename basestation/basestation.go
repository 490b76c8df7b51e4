// Package basestation extends the USB transport with the base station's
// radio-control command set: radio start/stop, the poll
// request queue, static slot assignment, outbound radio packet framing and
// receiver-side telemetry.
package basestation

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daedaluz/sensorhost/transport"
)

// Command/notification message ids.
const (
	msgGetRadioStats = 0x0100
	msgStopRadio     = 0x0200
	msgStartRadio    = 0x0201
	msgPollDevices   = 0x027e
	msgAssignSlots   = 0x027f
	msgSendRFPacket  = 0x0280

	notifyRFPacket = 0xc001
)

const (
	// maxPollBatch is the largest number of node ids the base station will
	// accept in a single poll request.
	maxPollBatch = 28
	// pollInterval is how often queued poll requests are flushed.
	pollInterval = 10 * time.Millisecond
)

// PacketReceivedHook is invoked for every radio frame the base station
// reports via notification 0xC001. Implementations must not
// block.
type PacketReceivedHook func(bs *BaseStation, sofCount uint16, payload []byte)

// RadioConfig configures startRadio.
type RadioConfig struct {
	Channel         uint8 // 2400+Channel MHz
	Speed           uint8
	TxPower         uint8
	ReceiverTxPower uint8
	GuardBits       uint8
	PreGapBits      uint16
	PostGapBits     uint8
	NetID           *uint8 // nil picks a random network id
}

// BaseStation drives one USB-attached SensorPlatform receiver.
type BaseStation struct {
	*transport.Transport
	log *zap.Logger

	// Label identifies this base station in logs and metrics (e.g. its USB
	// bus/device address); the caller sets it after New, since the USB
	// enumeration layer below transport.Transport knows the bus topology,
	// not this package.
	Label string

	pollMu    sync.Mutex
	pollQueue []uint8

	PacketReceivedHook PacketReceivedHook

	telMu    sync.Mutex
	cur      [5]uint32
	have     bool
	last     [5]uint32
	haveLast bool
	delta    [5]float64
}

// String identifies the base station by its Label, falling back to a
// generic tag if the caller never set one.
func (bs *BaseStation) String() string {
	if bs.Label != "" {
		return bs.Label
	}
	return "basestation"
}

// New wraps a transport.Transport with the base-station command set. The
// transport must not have Run called on it yet; New installs the
// notification handler that Run's processing worker will call.
func New(dev transport.BulkDevice, cfg transport.Config, log *zap.Logger) *BaseStation {
	bs := &BaseStation{log: log}
	bs.Transport = transport.New(dev, bs.handleNotify, cfg, log)
	return bs
}

// Run starts the transport's receive/process workers plus the 10ms
// poll-queue flusher, and blocks until ctx is cancelled or a worker fails.
func (bs *BaseStation) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bs.Transport.Run(ctx) })
	g.Go(func() error { return bs.pollLoop(ctx) })
	return g.Wait()
}

func (bs *BaseStation) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			bs.flushPolls()
		}
	}
}

func (bs *BaseStation) handleNotify(packet []byte) {
	msg := binary.LittleEndian.Uint16(packet[0:2])
	if msg != notifyRFPacket {
		return
	}
	sofCount := binary.LittleEndian.Uint16(packet[4:6])
	data := packet[32:]
	if bs.PacketReceivedHook != nil {
		bs.PacketReceivedHook(bs, sofCount, data)
	}
}

// GetRadioStats requests the 24+ byte telemetry/frame-counter blob
//.
func (bs *BaseStation) GetRadioStats() (transport.Response, error) {
	return bs.Cmd(msgGetRadioStats, nil, time.Second)
}

// StopRadio disables the radio.
func (bs *BaseStation) StopRadio() (transport.Response, error) {
	return bs.Cmd(msgStopRadio, nil, time.Second)
}

// StartRadio configures and enables the radio.
func (bs *BaseStation) StartRadio(cfg RadioConfig) (transport.Response, error) {
	netID := cfg.NetID
	var n uint8
	if netID == nil {
		n = uint8(rand.Intn(256))
	} else {
		n = *netID
	}
	bs.log.Info("starting radio", zap.Int("mhz", 2400+int(cfg.Channel)), zap.Uint8("netId", n))
	// Wire layout is receiver.py's startRadio struct.pack("<BBHBBHIBB", ...):
	// channel, netId, preGapBits|(speed<<14), guardBits, txPower<<4, 0 (H
	// reserved), 0 (I reserved), postGapBits, receiverTxPower — 14 bytes.
	payload := make([]byte, 14)
	payload[0] = cfg.Channel
	payload[1] = n
	binary.LittleEndian.PutUint16(payload[2:4], cfg.PreGapBits|(uint16(cfg.Speed)<<14))
	payload[4] = cfg.GuardBits
	payload[5] = cfg.TxPower << 4
	// bytes 6:8 reserved/zero, bytes 8:12 reserved/zero
	payload[12] = cfg.PostGapBits
	payload[13] = cfg.ReceiverTxPower
	return bs.Cmd(msgStartRadio, payload, time.Second)
}

// AssignSlots writes the 28 static slot-owner bytes (0 = auto-assign).
func (bs *BaseStation) AssignSlots(owners [28]byte) (transport.Response, error) {
	return bs.Cmd(msgAssignSlots, owners[:], time.Second)
}

// SendRFPacket wraps a radio payload with its target node id and enqueues
// it for transmission. Fire-and-forget: the base station does not
// acknowledge individual radio packets at this layer.
func (bs *BaseStation) SendRFPacket(target uint8, packet []byte) error {
	payload := make([]byte, 28, 28+len(packet))
	payload[0] = target
	payload = append(payload, packet...)
	_, err := bs.Cmd(msgSendRFPacket, payload, 0)
	return err
}

// PollDevice enqueues a node id to be polled for packets soon, deduplicated
// against the current pending batch.
func (bs *BaseStation) PollDevice(nodeID uint8) {
	bs.pollMu.Lock()
	defer bs.pollMu.Unlock()
	for _, existing := range bs.pollQueue {
		if existing == nodeID {
			return
		}
	}
	bs.pollQueue = append(bs.pollQueue, nodeID)
}

// flushPolls drains up to maxPollBatch queued node ids into a single
// 0x027e poll request. Returns false if nothing was queued.
func (bs *BaseStation) flushPolls() bool {
	bs.pollMu.Lock()
	n := len(bs.pollQueue)
	if n > maxPollBatch {
		n = maxPollBatch
	}
	targets := append([]uint8(nil), bs.pollQueue[:n]...)
	bs.pollQueue = bs.pollQueue[n:]
	bs.pollMu.Unlock()
	if len(targets) == 0 {
		return false
	}
	if _, err := bs.Cmd(msgPollDevices, targets, 0); err != nil {
		bs.log.Warn("poll request failed", zap.Error(err))
	}
	return true
}

func fmtErr(op string, err error) error {
	return fmt.Errorf("basestation: %s: %w", op, err)
}
