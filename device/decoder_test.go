package device

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDecoder is a minimal Decoder that turns 2-byte records into a
// single float64 and records every value it was asked to decode, in
// call order, so tests can assert on exact reassembly sequencing.
type fakeDecoder struct {
	offset, interval int64
	recordBytesN     int
	decoded          []uint16
}

func (f *fakeDecoder) Update()               {}
func (f *fakeDecoder) Offset() int64         { return f.offset }
func (f *fakeDecoder) Interval() int64       { return f.interval }
func (f *fakeDecoder) RecordBytes() int      { return f.recordBytesN }
func (f *fakeDecoder) Decode(b []byte) []float64 {
	v := binary.LittleEndian.Uint16(b)
	f.decoded = append(f.decoded, v)
	return []float64{float64(v)}
}

type fakeSensor struct {
	id  int
	dec *fakeDecoder
}

func (s *fakeSensor) ID() int                            { return s.id }
func (s *fakeSensor) Name() string                       { return "fake" }
func (s *fakeSensor) Attrs() map[string]*Attribute       { return nil }
func (s *fakeSensor) GetAttr(string) (interface{}, error) { return nil, nil }
func (s *fakeSensor) SetAttr(string, interface{}) error   { return nil }
func (s *fakeSensor) Decoder() Decoder                    { return s.dec }

// makeDataPacket builds a 28-byte data-stream payload holding 14
// sequential uint16 records, offset by base so a zero-filled gap (all
// zero records) can never be mistaken for real data.
func makeDataPacket(base, packetIndex int) []byte {
	buf := make([]byte, recordSize)
	for j := 0; j < 14; j++ {
		binary.LittleEndian.PutUint16(buf[2*j:2*j+2], uint16(base+packetIndex*14+j))
	}
	return buf
}

func newReassemblyFixture(t *testing.T) (*Device, *fakeDecoder) {
	t.Helper()
	dev := newTestDevice(&fakeHub{})
	dec := &fakeDecoder{recordBytesN: 2, interval: 1000}
	sensor := &fakeSensor{id: 0, dec: dec}

	dev.decoder.mu.Lock()
	dev.decoder.active = true
	dev.decoder.seq = sensorConfigEnd
	dev.decoder.endOffset = ^uint64(0)
	dev.decoder.buffer = make(map[uint32][]byte)
	dev.decoder.schedule = []scheduleEntry{{at: 0, sensor: sensor}}
	dev.decoder.lastProgress = time.Now().Add(time.Hour)
	dev.decoder.lastSkipSeq = ^uint32(0)
	dev.decoder.mu.Unlock()
	return dev, dec
}

// TestReassemblyOutOfOrderMatchesInOrder exercises testable property 3:
// delivering the same packets out of order produces the same decoded
// sample sequence as delivering them strictly in order.
func TestReassemblyOutOfOrderMatchesInOrder(t *testing.T) {
	const n = 20
	const base = 1000

	devInOrder, decInOrder := newReassemblyFixture(t)
	for i := 0; i < n; i++ {
		devInOrder.handleDataStream(0, uint32(sensorConfigEnd+i), makeDataPacket(base, i))
	}

	devShuffled, decShuffled := newReassemblyFixture(t)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	// A fixed, non-trivial permutation: reverse each block of 3.
	for i := 0; i+2 < n; i += 3 {
		order[i], order[i+2] = order[i+2], order[i]
	}
	for _, i := range order {
		devShuffled.handleDataStream(0, uint32(sensorConfigEnd+i), makeDataPacket(base, i))
	}

	require.Equal(t, n*14, len(decInOrder.decoded))
	assert.Equal(t, decInOrder.decoded, decShuffled.decoded)

	want := make([]uint16, 0, n*14)
	for i := 0; i < n; i++ {
		for j := 0; j < 14; j++ {
			want = append(want, uint16(base+i*14+j))
		}
	}
	assert.Equal(t, want, decInOrder.decoded)
}

// TestReassemblyGapSkipAhead exercises testable property 4: a packet
// that never arrives is zero-filled and counted as lost exactly once
// once the gap timeout elapses, without stalling later packets.
func TestReassemblyGapSkipAhead(t *testing.T) {
	dev, dec := newReassemblyFixture(t)
	dev.cfg.GapTimeout = 30 * time.Millisecond
	dev.decoder.mu.Lock()
	dev.decoder.lastProgress = time.Now()
	dev.decoder.mu.Unlock()

	const base = 1000
	const missing = 0 // packet index 0 (seq sensorConfigEnd) is withheld

	// Packets 1..8 arrive promptly; packet 0 never does.
	for i := 1; i <= 8; i++ {
		dev.handleDataStream(0, uint32(sensorConfigEnd+i), makeDataPacket(base, i))
	}
	assert.Empty(t, dec.decoded, "nothing should decode while the gap is still fresh")

	time.Sleep(40 * time.Millisecond) // past GapTimeout

	// One more packet arrives; its arrival is what notices the stale gap.
	dev.handleDataStream(0, uint32(sensorConfigEnd+9), makeDataPacket(base, 9))

	dev.decoder.mu.Lock()
	lost := dev.decoder.lostPackets
	seq := dev.decoder.seq
	dev.decoder.mu.Unlock()

	assert.Equal(t, uint32(1), lost)
	assert.Equal(t, uint32(sensorConfigEnd+10), seq, "reassembler must not stall past the skipped packet")

	require.Len(t, dec.decoded, 10*14)
	// The skipped packet's records were zero-filled, not real data (which
	// always starts at base==1000).
	for j := 0; j < 14; j++ {
		assert.Equal(t, uint16(0), dec.decoded[j])
	}
	// Every subsequent packet's records decoded normally, in order.
	for i := 1; i <= 9; i++ {
		for j := 0; j < 14; j++ {
			want := uint16(base + i*14 + j)
			got := dec.decoded[i*14+j]
			assert.Equal(t, want, got)
		}
	}

	// Confirm the reassembler keeps decoding normally afterwards.
	dev.handleDataStream(0, uint32(sensorConfigEnd+10), makeDataPacket(base, 10))
	require.Len(t, dec.decoded, 11*14)
	for j := 0; j < 14; j++ {
		assert.Equal(t, uint16(base+10*14+j), dec.decoded[10*14+j])
	}
}
