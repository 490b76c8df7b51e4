package routing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daedaluz/sensorhost/basestation"
)

// reassignThrottle is the minimum interval between two address-assignment
// attempts for the same not-yet-routed device, so that a device that keeps
// re-announcing itself (because its previous assignment packet was lost)
// doesn't get a fresh NodeId allocated on every single announcement
//.
const reassignThrottle = 200 * time.Millisecond

// DeviceDriver is the behavior the device layer must implement so
// the routing hub can dispatch radio traffic and telemetry ticks to it.
type DeviceDriver interface {
	HandlePacket(sofCount uint16, packet []byte)
	SnapshotTelemetry(interval time.Duration)
	Destroy()
}

// DriverFactory instantiates a DeviceDriver for a newly discovered device.
// info is nil if the device hasn't reported its protocol/firmware
// information yet.
type DriverFactory func(hub *Hub, id Identity, info *ProtoInfo) DeviceDriver

type registryKey struct {
	protoVendor  uint32
	protoType    uint16
	protoVersion uint16
}

// station pairs a base station with its address table.
type station struct {
	bs    *basestation.BaseStation
	table *stationTable
}

// deviceEntry is a known device's routing state plus its driver instance.
type deviceEntry struct {
	id     Identity
	driver DeviceDriver

	mu                sync.Mutex
	addr              *addressRecord
	lastAssignAttempt time.Time
}

// releaseAddr forgets the device's current route, if any.
func (dev *deviceEntry) releaseAddr() {
	dev.mu.Lock()
	rec := dev.addr
	dev.mu.Unlock()
	if rec == nil {
		return
	}
	rec.station.mu.Lock()
	dev.mu.Lock()
	if dev.addr == rec {
		rec.station.addrs[rec.nodeID] = nil
		dev.addr = nil
	}
	dev.mu.Unlock()
	rec.station.mu.Unlock()
}

type rxPacket struct {
	st       *station
	sofCount uint16
	data     []byte
}

// Hub is the radio communication routing hub and address assignment
// manager: it tracks base stations and devices, keeps
// routes alive, assigns and migrates addresses and dispatches inbound
// radio traffic to the right device driver.
type Hub struct {
	log *zap.Logger

	// NewDeviceHook is invoked once per newly discovered hardware identity,
	// before any driver method is called.
	NewDeviceHook func(id Identity)
	// DroppedPacketHook, if set, is invoked for radio traffic that can't be
	// attributed to any known device.
	DroppedPacketHook func(st *basestation.BaseStation, sofCount uint16, data []byte)

	// DefaultFactory builds a driver when no registry entry matches the
	// device's reported protocol identity, or before that identity is
	// known at all.
	DefaultFactory DriverFactory
	// TelemetryInterval is how often SnapshotTelemetry is invoked for every
	// base station and device.
	TelemetryInterval time.Duration
	// AddressDeassociation is how long a radio address survives without a
	// refresh before it is released. Applied to
	// stations added after it is set; defaults to 5s.
	AddressDeassociation time.Duration

	mu        sync.RWMutex
	registry  map[registryKey]DriverFactory
	stations  map[*basestation.BaseStation]*station
	devices   map[Identity]*deviceEntry

	rx chan rxPacket
}

// NewHub constructs an empty routing hub. Call Run to start its worker
// goroutines.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:                  log,
		registry:             make(map[registryKey]DriverFactory),
		stations:             make(map[*basestation.BaseStation]*station),
		devices:              make(map[Identity]*deviceEntry),
		rx:                   make(chan rxPacket, 256),
		TelemetryInterval:    time.Second,
		AddressDeassociation: deassociationTimeout,
	}
}

// RegisterDriver associates a (protoVendor, protoType, protoVersion) triple
// with a driver factory (device driver registry).
func (h *Hub) RegisterDriver(protoVendor uint32, protoType, protoVersion uint16, factory DriverFactory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry[registryKey{protoVendor, protoType, protoVersion}] = factory
}

func (h *Hub) lookupFactory(info *ProtoInfo) DriverFactory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if info != nil {
		if f, ok := h.registry[registryKey{info.ProtoVendor, info.ProtoType, info.ProtoVersion}]; ok {
			return f
		}
	}
	return h.DefaultFactory
}

// AddStation registers a base station with the hub, clears any leftover
// static slot assignments and installs the packet-received hook that feeds
// the hub's dispatch worker.
func (h *Hub) AddStation(bs *basestation.BaseStation) {
	timeout := h.AddressDeassociation
	if timeout <= 0 {
		timeout = deassociationTimeout
	}
	st := &station{bs: bs, table: &stationTable{timeout: timeout}}
	h.mu.Lock()
	h.stations[bs] = st
	h.mu.Unlock()

	var clear [28]byte
	if _, err := bs.AssignSlots(clear); err != nil {
		h.log.Warn("clearing static slot assignments failed", zap.Error(err))
	}
	bs.PacketReceivedHook = func(bs *basestation.BaseStation, sofCount uint16, data []byte) {
		h.mu.RLock()
		st := h.stations[bs]
		h.mu.RUnlock()
		if st == nil {
			return
		}
		select {
		case h.rx <- rxPacket{st: st, sofCount: sofCount, data: data}:
		default:
			h.log.Warn("radio rx queue full, dropping packet")
		}
	}
}
