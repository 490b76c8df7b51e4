package transport

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loopbackDevice echoes every command packet back as a response packet
// (top two bits of msg set to 0b10) after an optional per-write delay, simulating a
// base station that processes commands out of order.
type loopbackDevice struct {
	mu      sync.Mutex
	inbox   [][]byte
	delay   func() time.Duration
	written []byte
}

func (d *loopbackDevice) BulkWrite(data []byte, _ uint32) (int, error) {
	pkt := append([]byte(nil), data...)
	go func() {
		if d.delay != nil {
			time.Sleep(d.delay())
		}
		msg := binary.LittleEndian.Uint16(pkt[0:2])
		seq := pkt[2]
		resp := make([]byte, PacketSize)
		binary.LittleEndian.PutUint16(resp[0:2], msg|0x8000) // set response class bits (10)
		resp[1] &^= 0x40                                     // ensure bits are exactly 0b10______
		resp[2] = seq
		copy(resp[8:], pkt[4:])
		d.mu.Lock()
		d.inbox = append(d.inbox, resp)
		d.mu.Unlock()
	}()
	return len(data), nil
}

func (d *loopbackDevice) BulkRead(buf []byte, _ uint32) (int, error) {
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

func TestAsyncCmdRoundtrip(t *testing.T) {
	dev := &loopbackDevice{}
	tr := New(dev, nil, DefaultConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	resp, err := tr.Cmd(0x8102, []byte{0x2a}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), resp.Result)
	assert.Equal(t, byte(0x2a), resp.Payload[0])
}

func TestConcurrentSequenceRoundtrip(t *testing.T) {
	dev := &loopbackDevice{delay: func() time.Duration { return time.Duration(1+int(time.Now().UnixNano()%5)) * time.Millisecond }}
	tr := New(dev, nil, DefaultConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	const n = 31
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			resp, err := tr.Cmd(0x8100, []byte{byte(i)}, 2*time.Second)
			if err != nil {
				results <- err
				return
			}
			if resp.Payload[0] != byte(i) {
				results <- assert.AnError
				return
			}
			results <- nil
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}
}

func TestFireAndForget(t *testing.T) {
	dev := &loopbackDevice{}
	tr := New(dev, nil, DefaultConfig(), zap.NewNop())
	resp, err := tr.Cmd(0x0200, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, Response{}, resp)
}
