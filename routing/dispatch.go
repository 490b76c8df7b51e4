package routing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daedaluz/sensorhost/basestation"
)

// Run starts the packet-dispatch worker and the telemetry collector and
// blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.dispatchLoop(ctx) })
	g.Go(func() error { return h.telemetryLoop(ctx) })
	return g.Wait()
}

func (h *Hub) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-h.rx:
			h.handlePacket(pkt)
		}
	}
}

// handlePacket implements the routing decision: frames with data[0]==0x7f,
// data[1]==0x00, data[3]==0x00 are unaddressed association requests;
// everything else is addressed by NodeId on the originating station.
func (h *Hub) handlePacket(pkt rxPacket) {
	data := pkt.data
	if len(data) < 4 {
		return
	}
	if data[0] == 0x7f && data[1] == 0x00 && data[3] == 0x00 {
		h.handleAssociationRequest(pkt.st, data[4:])
		return
	}

	nodeID := data[0]
	rec := pkt.st.table.lookup(nodeID)
	if rec == nil {
		if h.DroppedPacketHook != nil {
			h.DroppedPacketHook(pkt.st.bs, pkt.sofCount, data)
		}
		return
	}
	rec.refresh()
	rec.device.driver.HandlePacket(pkt.sofCount, data)
}

func (h *Hub) handleAssociationRequest(st *station, idData []byte) {
	if len(idData) < 12 {
		return
	}
	id, info := ParseIdentity(idData)

	h.mu.Lock()
	dev, known := h.devices[id]
	now := time.Now()
	if !known {
		factory := h.lookupFactory(info)
		dev = &deviceEntry{id: id}
		dev.driver = factory(h, id, info)
		dev.lastAssignAttempt = now
		h.devices[id] = dev
		h.mu.Unlock()
		if h.NewDeviceHook != nil {
			h.NewDeviceHook(id)
		}
	} else {
		dev.mu.Lock()
		sinceLast := now.Sub(dev.lastAssignAttempt)
		if sinceLast < reassignThrottle {
			dev.mu.Unlock()
			h.mu.Unlock()
			return
		}
		dev.lastAssignAttempt = now
		dev.mu.Unlock()
		h.mu.Unlock()
	}

	if err := h.assignAddress(st, dev); err != nil {
		h.log.Warn("address assignment failed", zap.Stringer("device", dev.id), zap.Error(err))
	}
}

// assignAddress implements the migrate-or-allocate-and-announce sequence.
func (h *Hub) assignAddress(st *station, dev *deviceEntry) error {
	rec, err := st.table.assign(dev)
	if err != nil {
		return err
	}
	packet := make([]byte, 4, 16)
	packet[0] = 0x7f
	packet[1] = 0x80
	packet[2] = 0x00
	packet[3] = rec.nodeID
	packet = append(packet, dev.id.Binary()...)
	if err := st.bs.SendRFPacket(0x7f, packet); err != nil {
		return fmt.Errorf("routing: send address assignment: %w", err)
	}
	st.bs.PollDevice(rec.nodeID)
	return nil
}

// GetDevice returns the driver instance for a known identity, or nil.
func (h *Hub) GetDevice(id Identity) DeviceDriver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dev, ok := h.devices[id]
	if !ok {
		return nil
	}
	return dev.driver
}

// Devices lists every hardware identity the hub currently knows about, for
// enumeration by metrics collectors and diagnostics.
func (h *Hub) Devices() []Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Identity, 0, len(h.devices))
	for id := range h.devices {
		out = append(out, id)
	}
	return out
}

// Stations lists every base station currently registered with the hub.
func (h *Hub) Stations() []*basestation.BaseStation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*basestation.BaseStation, 0, len(h.stations))
	for _, st := range h.stations {
		out = append(out, st.bs)
	}
	return out
}

// DropDevice destroys a device's driver and forgets it, so that the next
// association request from the same hardware id instantiates a new driver
// from scratch (used after commanding a reboot).
func (h *Hub) DropDevice(id Identity) {
	h.mu.Lock()
	dev, ok := h.devices[id]
	if ok {
		delete(h.devices, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	dev.driver.Destroy()
	dev.releaseAddr()
}

// getRoute finds the base station and NodeId currently serving a device.
func (h *Hub) getRoute(id Identity) (*basestation.BaseStation, uint8, error) {
	h.mu.RLock()
	dev, ok := h.devices[id]
	h.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNoRoute
	}
	dev.mu.Lock()
	rec := dev.addr
	dev.mu.Unlock()
	if rec == nil {
		return nil, 0, ErrNoRoute
	}
	rec.station.mu.Lock()
	expired := rec.expiredLocked()
	rec.station.mu.Unlock()
	if expired {
		return nil, 0, ErrNoRoute
	}
	return rec.station.bs, rec.nodeID, nil
}

// SendPacket transmits data to a routed device's current NodeId.
func (h *Hub) SendPacket(id Identity, data []byte) error {
	bs, nodeID, err := h.getRoute(id)
	if err != nil {
		return err
	}
	return bs.SendRFPacket(nodeID, data)
}

// PollDevice schedules a routed device to be polled for packets soon.
func (h *Hub) PollDevice(id Identity) error {
	bs, nodeID, err := h.getRoute(id)
	if err != nil {
		return err
	}
	bs.PollDevice(nodeID)
	return nil
}

func (h *Hub) telemetryLoop(ctx context.Context) error {
	interval := h.TelemetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.collectTelemetry(interval)
		}
	}
}

func (h *Hub) collectTelemetry(interval time.Duration) {
	h.mu.RLock()
	stations := make([]*station, 0, len(h.stations))
	for _, st := range h.stations {
		stations = append(stations, st)
	}
	devices := make([]*deviceEntry, 0, len(h.devices))
	for _, dev := range h.devices {
		devices = append(devices, dev)
	}
	h.mu.RUnlock()

	secs := interval.Seconds()
	for _, st := range stations {
		if err := st.bs.UpdateTelemetry(); err != nil {
			h.log.Debug("updating base station telemetry failed", zap.Error(err))
			continue
		}
		st.bs.SnapshotTelemetry(secs)
	}
	for _, dev := range devices {
		dev.driver.SnapshotTelemetry(interval)
	}
}
