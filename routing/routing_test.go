package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daedaluz/sensorhost/basestation"
	"github.com/daedaluz/sensorhost/transport"
)

// inertDevice accepts writes instantly and never produces a read, enough to
// back a basestation.BaseStation for routing tests that never call Run.
type inertDevice struct{}

func (inertDevice) BulkWrite(data []byte, _ uint32) (int, error) { return len(data), nil }
func (inertDevice) BulkRead(buf []byte, _ uint32) (int, error)   { select {} }

type fakeDriver struct {
	packets [][]byte
	sofs    []uint16
	drops   int
}

func (f *fakeDriver) HandlePacket(sofCount uint16, packet []byte) {
	f.sofs = append(f.sofs, sofCount)
	f.packets = append(f.packets, append([]byte(nil), packet...))
}
func (f *fakeDriver) SnapshotTelemetry(time.Duration) {}
func (f *fakeDriver) Destroy()                        { f.drops++ }

func newTestStation() *station {
	bs := basestation.New(inertDevice{}, transport.DefaultConfig(), zap.NewNop())
	return &station{bs: bs, table: &stationTable{timeout: deassociationTimeout}}
}

func TestStationTableAssignAndRefresh(t *testing.T) {
	st := newTestStation()
	dev := &deviceEntry{id: Identity{Vendor: 1, Product: 2, Serial: 3}, driver: &fakeDriver{}}

	rec1, err := st.table.assign(dev)
	require.NoError(t, err)
	assert.NotEqual(t, uint8(0), rec1.nodeID)

	rec2, err := st.table.assign(dev)
	require.NoError(t, err)
	assert.Equal(t, rec1, rec2, "re-assigning an already-routed device returns the same record")
}

func TestStationTableExpiryFreesSlot(t *testing.T) {
	st := newTestStation()
	dev := &deviceEntry{id: Identity{Vendor: 1, Product: 2, Serial: 3}, driver: &fakeDriver{}}
	rec, err := st.table.assign(dev)
	require.NoError(t, err)
	rec.expires = time.Now().Add(-time.Second)

	dev2 := &deviceEntry{id: Identity{Vendor: 1, Product: 2, Serial: 4}, driver: &fakeDriver{}}
	_, err = st.table.assign(dev2)
	require.NoError(t, err)

	dev.mu.Lock()
	addr := dev.addr
	dev.mu.Unlock()
	assert.Nil(t, addr, "expired record should have been released from the original device")
}

func TestHubAssociationRequestInstantiatesAndRoutes(t *testing.T) {
	h := NewHub(zap.NewNop())
	var factoryCalls int
	h.DefaultFactory = func(hub *Hub, id Identity, info *ProtoInfo) DeviceDriver {
		factoryCalls++
		return &fakeDriver{}
	}
	var newDeviceSeen Identity
	h.NewDeviceHook = func(id Identity) { newDeviceSeen = id }

	st := newTestStation()
	h.mu.Lock()
	h.stations[st.bs] = st
	h.mu.Unlock()

	id := Identity{Vendor: 0x53414149, Product: 0x5053, Serial: 42}
	assocPayload := append([]byte{0x7f, 0x00, 0x00, 0x00}, id.Binary()...)
	h.handlePacket(rxPacket{st: st, sofCount: 1, data: assocPayload})

	assert.Equal(t, 1, factoryCalls)
	assert.Equal(t, id, newDeviceSeen)

	bs, nodeID, err := h.getRoute(id)
	require.NoError(t, err)
	assert.Equal(t, st.bs, bs)
	assert.NotEqual(t, uint8(0), nodeID)
}

func TestHubReassignThrottle(t *testing.T) {
	h := NewHub(zap.NewNop())
	var factoryCalls int
	h.DefaultFactory = func(hub *Hub, id Identity, info *ProtoInfo) DeviceDriver {
		factoryCalls++
		return &fakeDriver{}
	}
	st := newTestStation()
	id := Identity{Vendor: 1, Product: 2, Serial: 3}
	assocPayload := append([]byte{0x7f, 0x00, 0x00, 0x00}, id.Binary()...)

	h.handlePacket(rxPacket{st: st, sofCount: 0, data: assocPayload})
	h.mu.RLock()
	dev := h.devices[id]
	h.mu.RUnlock()
	dev.mu.Lock()
	firstAttempt := dev.lastAssignAttempt
	dev.mu.Unlock()

	h.handlePacket(rxPacket{st: st, sofCount: 1, data: assocPayload})
	assert.Equal(t, 1, factoryCalls, "second announcement within the throttle window must not re-instantiate")
	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, firstAttempt, dev.lastAssignAttempt, "second announcement within the throttle window must not start a new assignment attempt")
}

func TestHubDispatchesAddressedPacketToDriver(t *testing.T) {
	h := NewHub(zap.NewNop())
	driver := &fakeDriver{}
	h.DefaultFactory = func(hub *Hub, id Identity, info *ProtoInfo) DeviceDriver { return driver }
	st := newTestStation()
	id := Identity{Vendor: 1, Product: 2, Serial: 3}
	assocPayload := append([]byte{0x7f, 0x00, 0x00, 0x00}, id.Binary()...)
	h.handlePacket(rxPacket{st: st, sofCount: 0, data: assocPayload})

	h.mu.RLock()
	dev := h.devices[id]
	h.mu.RUnlock()
	dev.mu.Lock()
	nodeID := dev.addr.nodeID
	dev.mu.Unlock()

	dataPacket := make([]byte, 28)
	dataPacket[0] = nodeID
	dataPacket[3] = 0xff
	h.handlePacket(rxPacket{st: st, sofCount: 7, data: dataPacket})

	require.Len(t, driver.sofs, 1)
	assert.Equal(t, uint16(7), driver.sofs[0])
}

func TestHubDropDeviceDestroysDriver(t *testing.T) {
	h := NewHub(zap.NewNop())
	driver := &fakeDriver{}
	h.DefaultFactory = func(hub *Hub, id Identity, info *ProtoInfo) DeviceDriver { return driver }
	st := newTestStation()
	id := Identity{Vendor: 1, Product: 2, Serial: 3}
	assocPayload := append([]byte{0x7f, 0x00, 0x00, 0x00}, id.Binary()...)
	h.handlePacket(rxPacket{st: st, sofCount: 0, data: assocPayload})

	h.DropDevice(id)
	assert.Equal(t, 1, driver.drops)
	assert.Nil(t, h.GetDevice(id))
}
