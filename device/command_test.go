package device

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daedaluz/sensorhost/routing"
	"github.com/daedaluz/sensorhost/syncx"
)

// fakeHub is a routing.Hub stand-in that loops sent command packets back
// as replies on a configurable delay, so the reliable-transport layer can
// be exercised without a real base station.
type fakeHub struct {
	mu      sync.Mutex
	dev     *Device
	sent    [][]byte
	polls   int
	dropped []routing.Identity
	replyFn func(msg uint16, arg, seq uint8, payload []byte) (status byte, data []byte, ok bool)
}

func (h *fakeHub) SendPacket(id routing.Identity, data []byte) error {
	h.mu.Lock()
	h.sent = append(h.sent, append([]byte(nil), data...))
	h.mu.Unlock()

	if h.replyFn == nil {
		return nil
	}
	msg := binary.LittleEndian.Uint16(data[0:2])
	arg := data[2]
	seq := data[3]
	payload := data[4:]
	go func() {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		status, respData, ok := h.replyFn(msg, arg, seq, payload)
		if !ok {
			return
		}
		reply := append([]byte{0, 0, status, 0x80 | (seq & 0x1f)}, respData...)
		h.dev.HandlePacket(0, reply)
	}()
	return nil
}

func (h *fakeHub) PollDevice(id routing.Identity) error {
	h.mu.Lock()
	h.polls++
	h.mu.Unlock()
	return nil
}

func (h *fakeHub) DropDevice(id routing.Identity) {
	h.mu.Lock()
	h.dropped = append(h.dropped, id)
	h.mu.Unlock()
}

// newTestDevice builds a Device without starting the background discovery
// goroutine, so tests control exactly when commands are issued.
func newTestDevice(hub Hub) *Device {
	d := &Device{
		hub:     hub,
		ID:      routing.Identity{Vendor: 1, Product: 2, Serial: 3},
		log:     zap.NewNop(),
		cfg:     DefaultConfig(),
		sensors: make(map[int]Sensor),
	}
	d.rxCond = syncx.NewCond(&d.mu)
	d.freeCond = syncx.NewCond(&d.mu)
	d.decoder.device = d
	return d
}

// TestSequenceRoundtrip exercises testable property 1: issuing several
// concurrent commands against a mock transport that echoes each one back
// (with its arg byte as the payload) resolves every caller with exactly
// the reply matching its own request.
func TestSequenceRoundtrip(t *testing.T) {
	hub := &fakeHub{}
	dev := newTestDevice(hub)
	hub.dev = dev
	hub.replyFn = func(msg uint16, arg, seq uint8, payload []byte) (byte, []byte, bool) {
		return 0, []byte{arg}, true
	}

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(arg uint8) {
			defer wg.Done()
			status, data, err := dev.Cmd(0x0102, arg, nil, time.Second, 200*time.Millisecond, 10)
			assert.NoError(t, err)
			assert.Equal(t, byte(0), status)
			require.Len(t, data, 1)
			assert.Equal(t, arg, data[0])
		}(uint8(i + 1))
	}
	wg.Wait()
}

// TestStaleReplyImmunity exercises testable property 2: a sequence number
// whose prior listener was cancelled stays unavailable to a new command
// until a no-data-info barrier has been observed at least
// staleReplyQuiesce after the last transmission on that slot.
func TestStaleReplyImmunity(t *testing.T) {
	dev := newTestDevice(&fakeHub{})

	const staleSlot = 5
	t0 := time.Now()

	dev.mu.Lock()
	for i := 0; i < cmdSlots; i++ {
		if i == staleSlot {
			continue
		}
		dev.listener[i] = make(chan cmdReply, 1)
	}
	dev.activeListeners = cmdSlots - 1
	dev.pendingRx[staleSlot] = 1 // a reply to the old use of this slot never arrived
	dev.lastTx[staleSlot] = t0
	dev.lastNoData = t0 // no barrier observed yet
	dev.nextSeq = staleSlot - 1
	_, found := dev.scanFreeSlot()
	dev.mu.Unlock()
	assert.False(t, found, "slot must stay unavailable without a no-data barrier past the quiesce window")

	dev.mu.Lock()
	dev.lastNoData = t0.Add(staleReplyQuiesce + time.Millisecond)
	dev.nextSeq = staleSlot - 1
	seq, found := dev.scanFreeSlot()
	dev.mu.Unlock()
	require.True(t, found, "slot must become reusable once the no-data barrier clears the quiesce window")
	assert.Equal(t, uint8(staleSlot), seq)
}

// TestCancelCmdPreservesStaleBookkeeping checks that cancelling a command
// releases its listener but keeps cmdData/lastTx/pendingRx intact, per
// finishCmd's cleanup contract.
func TestCancelCmdPreservesStaleBookkeeping(t *testing.T) {
	dev := newTestDevice(&fakeHub{})
	dev.mu.Lock()
	dev.listener[3] = make(chan cmdReply, 1)
	dev.cmdData[3] = []byte{1, 2, 3, 4}
	dev.pendingRx[3] = 2
	dev.lastTx[3] = time.Now()
	dev.activeListeners = 1
	dev.mu.Unlock()

	dev.cancelCmd(3)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Nil(t, dev.listener[3])
	assert.Equal(t, []byte{1, 2, 3, 4}, dev.cmdData[3], "cmdData must survive cancellation for retransmission/stale-reply bookkeeping")
	assert.Equal(t, 2, dev.pendingRx[3], "pendingRx must survive cancellation for stale-reply detection")
	assert.Equal(t, 0, dev.activeListeners)
}

// TestFinishCmdTimeoutRetries checks that a command whose replies never
// arrive is retried up to the configured attempt budget and then surfaces
// a timeout, without blocking forever.
func TestFinishCmdTimeoutRetries(t *testing.T) {
	hub := &fakeHub{}
	dev := newTestDevice(hub)
	hub.dev = dev

	_, _, err := dev.Cmd(0x0102, 0, nil, time.Second, 10*time.Millisecond, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	hub.mu.Lock()
	sent := len(hub.sent)
	hub.mu.Unlock()
	assert.Equal(t, 3, sent)
}
