package basestation

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daedaluz/sensorhost/transport"
)

// statsDevice answers GetRadioStats with a fixed 5-counter payload and
// every other command with an empty response, enough to exercise the telemetry path without
// pulling in the full loopback machinery from the transport package.
type statsDevice struct {
	mu      sync.Mutex
	inbox   [][]byte
	counts  [5]uint32
}

func (d *statsDevice) BulkWrite(data []byte, _ uint32) (int, error) {
	msg := binary.LittleEndian.Uint16(data[0:2])
	seq := data[2]
	go func() {
		resp := make([]byte, transport.PacketSize)
		binary.LittleEndian.PutUint16(resp[0:2], msg|0x8000)
		resp[2] = seq
		if msg == msgGetRadioStats {
			for i, c := range d.counts {
				binary.LittleEndian.PutUint32(resp[8+4+4*i:8+8+4*i], c)
			}
		}
		d.mu.Lock()
		d.inbox = append(d.inbox, resp)
		d.mu.Unlock()
	}()
	return len(data), nil
}

func (d *statsDevice) BulkRead(buf []byte, _ uint32) (int, error) {
	for {
		d.mu.Lock()
		if len(d.inbox) > 0 {
			n := copy(buf, d.inbox[0])
			d.inbox = d.inbox[1:]
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func TestTelemetryFirstSnapshotIsZero(t *testing.T) {
	dev := &statsDevice{counts: [5]uint32{100, 200, 300, 400, 500}}
	bs := New(dev, transport.DefaultConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bs.Run(ctx)

	require.NoError(t, bs.UpdateTelemetry())
	delta := bs.SnapshotTelemetry(1.0)
	assert.Equal(t, [5]float64{0, 0, 0, 0, 0}, delta)
}

func TestTelemetryDeltaComputesRate(t *testing.T) {
	dev := &statsDevice{counts: [5]uint32{100, 200, 300, 400, 500}}
	bs := New(dev, transport.DefaultConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bs.Run(ctx)

	require.NoError(t, bs.UpdateTelemetry())
	bs.SnapshotTelemetry(1.0)

	dev.counts = [5]uint32{150, 200, 320, 400, 501}
	require.NoError(t, bs.UpdateTelemetry())
	delta := bs.SnapshotTelemetry(2.0)
	assert.Equal(t, [5]float64{25, 0, 10, 0, 0.5}, delta)
}

func TestPollQueueDeduplicatesAndBatches(t *testing.T) {
	dev := &statsDevice{}
	bs := New(dev, transport.DefaultConfig(), zap.NewNop())
	for _, id := range []uint8{5, 6, 5, 7} {
		bs.PollDevice(id)
	}
	assert.Len(t, bs.pollQueue, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bs.Run(ctx)
	require.Eventually(t, func() bool {
		bs.pollMu.Lock()
		defer bs.pollMu.Unlock()
		return len(bs.pollQueue) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHandleNotifyInvokesHook(t *testing.T) {
	dev := &statsDevice{}
	bs := New(dev, transport.DefaultConfig(), zap.NewNop())
	received := make(chan uint16, 1)
	bs.PacketReceivedHook = func(_ *BaseStation, sofCount uint16, payload []byte) {
		received <- sofCount
	}

	packet := make([]byte, transport.PacketSize)
	binary.LittleEndian.PutUint16(packet[0:2], notifyRFPacket)
	binary.LittleEndian.PutUint16(packet[4:6], 42)
	bs.handleNotify(packet)

	select {
	case sof := <-received:
		assert.Equal(t, uint16(42), sof)
	case <-time.After(time.Second):
		t.Fatal("hook was not invoked")
	}
}
