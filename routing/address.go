package routing

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// addressSlots is the number of NodeId slots on a single base station's
// radio channel. Slot 0 is never assigned.
const addressSlots = 101

// deassociationTimeout is how long an address survives without a refresh
// before it is considered abandoned and released.
const deassociationTimeout = 5 * time.Second

// ErrNoFreeAddress is returned when a base station's address table is full.
var ErrNoFreeAddress = errors.New("routing: no free address on base station channel")

// ErrNoRoute is returned when a device has no live address assignment.
var ErrNoRoute = errors.New("routing: no route to device")

// addressRecord is one NodeId allocation on a base station's channel.
type addressRecord struct {
	station *stationTable
	nodeID  uint8
	device  *deviceEntry
	expires time.Time
}

// refresh resets the deassociation timeout after successful communication.
func (a *addressRecord) refresh() {
	a.expires = time.Now().Add(a.station.timeout)
}

// expiredLocked reports (and, if true, performs) release of an address
// whose deassociation timeout has passed. The device will have dropped the
// NodeId by then and will request a fresh one if it is still alive.
//
// Must be called with a.station.mu held; it acquires a.device.mu itself,
// which is always safe since every other site in this package that holds
// both locks acquires station before device.
func (a *addressRecord) expiredLocked() bool {
	if !time.Now().After(a.expires) {
		return false
	}
	a.station.addrs[a.nodeID] = nil
	a.device.mu.Lock()
	if a.device.addr == a {
		a.device.addr = nil
	}
	a.device.mu.Unlock()
	return true
}

// stationTable is the per-base-station NodeId allocation table.
type stationTable struct {
	mu      sync.Mutex
	addrs   [addressSlots]*addressRecord
	timeout time.Duration
}

// freeAddr picks a random currently-unassigned NodeId, releasing any
// expired assignments it encounters along the way. Must be called with mu
// held.
func (s *stationTable) freeAddr() (uint8, error) {
	var candidates []uint8
	for nodeID := uint8(1); int(nodeID) < addressSlots; nodeID++ {
		rec := s.addrs[nodeID]
		if rec == nil || rec.expiredLocked() {
			candidates = append(candidates, nodeID)
		}
	}
	if len(candidates) == 0 {
		return 0, ErrNoFreeAddress
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// assign allocates (or refreshes) a NodeId for dev on this station,
// releasing any previous route on a different station. Returns the
// assigned record.
//
// Migration must never hold this station's s.mu while releasing a route
// on a different station: releaseAddr locks that other station's mu
// itself, and two devices migrating in opposite directions between the
// same two stations at once would otherwise AB-BA deadlock. So the
// cross-station release happens entirely before s.mu is acquired here;
// everything that touches this station's own address records (refreshing
// an existing one, allocating a new one) happens with s.mu held, same as
// before.
func (s *stationTable) assign(dev *deviceEntry) (*addressRecord, error) {
	dev.mu.Lock()
	migrating := dev.addr != nil && dev.addr.station != s
	dev.mu.Unlock()
	if migrating {
		dev.releaseAddr()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dev.mu.Lock()
	existing := dev.addr
	dev.mu.Unlock()
	if existing != nil {
		existing.refresh()
		return existing, nil
	}

	nodeID, err := s.freeAddr()
	if err != nil {
		return nil, err
	}
	rec := &addressRecord{station: s, nodeID: nodeID, device: dev}
	rec.refresh()
	s.addrs[nodeID] = rec

	dev.mu.Lock()
	dev.addr = rec
	dev.mu.Unlock()
	return rec, nil
}

// lookup returns the address record currently owning nodeID, releasing it
// first if its deassociation timeout has passed.
func (s *stationTable) lookup(nodeID uint8) *addressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.addrs[nodeID]
	if rec != nil && rec.expiredLocked() {
		return nil
	}
	return rec
}
