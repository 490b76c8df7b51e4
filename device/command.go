package device

import (
	"encoding/binary"
	"fmt"
	"time"
)

// cmdSlots is the number of reservable command sequence numbers for the
// per-device radio command transport. Sequence numbers are
// 5 bits wide on the wire.
const cmdSlots = 32

// staleReplyQuiesce is how long after the last transmission attempt of a
// sequence number a subsequent no-data-info reply must arrive before any
// still-outstanding replies for that slot are assumed lost, making the
// slot safely reusable.
const staleReplyQuiesce = 50 * time.Millisecond

// pollBackoff is how long to wait after the last received packet before
// proactively polling the device while scanning for a free sequence
// number.
const pollBackoff = 20 * time.Millisecond

type cmdReply struct {
	status byte
	data   []byte
}

// cmdPacket builds the radio-level command frame: msg u16 | arg u8 | seq
// u8 (top 3 bits are the type/status discriminator, low 5 bits the
// sequence number) | payload.
func cmdPacket(msg uint16, arg uint8, seq uint8, payload []byte) []byte {
	buf := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], msg)
	buf[2] = arg
	buf[3] = seq & 0x1f
	return append(buf, payload...)
}

// asyncCmd reserves a sequence number and prepares the command packet for
// (re)transmission, without sending it itself; the caller must follow up
// with finishCmd. Blocks while all 32 sequence numbers are in use.
func (d *Device) asyncCmd(msg uint16, arg uint8, payload []byte, timeout time.Duration) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.activeListeners >= cmdSlots {
		if d.dropped {
			return 0, ErrDropped
		}
		if !d.freeCond.Wait(timeout) {
			return 0, fmt.Errorf("%w: acquiring command sequence number", ErrTimeout)
		}
	}

	for {
		if d.dropped {
			return 0, ErrDropped
		}
		seq, found := d.scanFreeSlot()
		if found {
			d.listener[seq] = make(chan cmdReply, 1)
			d.pendingRx[seq] = 0
			d.activeListeners++
			d.cmdData[seq] = cmdPacket(msg, arg, seq, payload)
			return seq, nil
		}
		// No slot is free right now, but some might only be waiting on a
		// stale duplicate reply; poll the device and wait briefly for a
		// no-data-info reply to quiesce one.
		if time.Since(d.lastRx) > pollBackoff {
			d.mu.Unlock()
			_ = d.hub.PollDevice(d.ID)
			d.mu.Lock()
		}
		d.rxCond.Wait(10 * time.Millisecond)
	}
}

// scanFreeSlot looks for a sequence number with no active listener and no
// outstanding unquiesced replies. Must be called with mu held.
func (d *Device) scanFreeSlot() (uint8, bool) {
	for i := 0; i < cmdSlots; i++ {
		d.nextSeq = (d.nextSeq + 1) & 0x1f
		seq := d.nextSeq
		if d.listener[seq] != nil {
			continue
		}
		if d.lastNoData.Sub(d.lastTx[seq]) > staleReplyQuiesce {
			d.pendingRx[seq] = 0
		}
		if d.pendingRx[seq] > 0 {
			continue
		}
		return seq, true
	}
	return 0, false
}

// cmdAttempt (re)transmits the command packet for seq and triggers a poll
// for a reply.
func (d *Device) cmdAttempt(seq uint8) error {
	d.mu.Lock()
	if d.dropped {
		d.mu.Unlock()
		return ErrDropped
	}
	data := d.cmdData[seq]
	d.pendingRx[seq]++
	d.lastTx[seq] = time.Now()
	d.mu.Unlock()

	if err := d.hub.SendPacket(d.ID, data); err != nil {
		return fmt.Errorf("device: send command: %w", err)
	}
	_ = d.hub.PollDevice(d.ID)
	return nil
}

// cancelCmd frees a sequence number's listener. cmdData, the transmission
// count, and the last-transmit timestamp are intentionally left
// untouched, so scanFreeSlot can keep telling stale replies to the old
// command apart from a reply to whatever reuses this slot next.
func (d *Device) cancelCmd(seq uint8) {
	d.mu.Lock()
	if d.listener[seq] != nil {
		d.listener[seq] = nil
		d.activeListeners--
		d.freeCond.Broadcast()
	}
	d.mu.Unlock()
}

// finishCmd waits for a reply to a command started with asyncCmd,
// retransmitting up to retries times at the given interval.
func (d *Device) finishCmd(seq uint8, timeout time.Duration, retries int) (cmdReply, error) {
	d.mu.Lock()
	ch := d.listener[seq]
	d.mu.Unlock()
	defer d.cancelCmd(seq)

	if ch == nil {
		return cmdReply{}, fmt.Errorf("device: sequence %d not reserved", seq)
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if d.isDropped() {
			return cmdReply{}, ErrDropped
		}
		if err := d.cmdAttempt(seq); err != nil {
			lastErr = err
			time.Sleep(timeout)
			continue
		}
		timer := time.NewTimer(timeout)
		select {
		case reply := <-ch:
			timer.Stop()
			return reply, nil
		case <-timer.C:
		}
	}
	if lastErr != nil {
		return cmdReply{}, lastErr
	}
	return cmdReply{}, fmt.Errorf("%w: device %s", ErrTimeout, d.ID)
}

// AsyncCmd exposes asyncCmd with the package's usual retry defaults so
// other packages (e.g. firmware) can pipeline several commands.
func (d *Device) AsyncCmd(msg uint16, arg uint8, payload []byte) (uint8, error) {
	return d.asyncCmd(msg, arg, payload, 10*time.Second)
}

// FinishCmd collects the reply to a command started with AsyncCmd,
// retransmitting at 100ms intervals up to 64 times by default.
func (d *Device) FinishCmd(seq uint8) (status byte, data []byte, err error) {
	reply, err := d.finishCmd(seq, d.cfg.CmdRespTimeout, d.cfg.CmdMaxAttempts)
	if err != nil {
		return 0, nil, err
	}
	return reply.status, reply.data, nil
}

// Cmd performs a synchronous command: reserve, transmit, wait for a reply,
// retrying as configured.
func (d *Device) Cmd(msg uint16, arg uint8, payload []byte, startTimeout, respTimeout time.Duration, retries int) (status byte, data []byte, err error) {
	seq, err := d.asyncCmd(msg, arg, payload, startTimeout)
	if err != nil {
		return 0, nil, err
	}
	reply, err := d.finishCmd(seq, respTimeout, retries)
	if err != nil {
		return 0, nil, err
	}
	return reply.status, reply.data, nil
}

// ActiveCommands reports how many of the 32 reliable-transport sequence
// slots are currently reserved, for occupancy metrics.
func (d *Device) ActiveCommands() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeListeners
}

// Check returns an error if status signals failure, otherwise passes data
// through unchanged ("protocol-error, not auto-retried").
func (d *Device) Check(status byte, data []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("device %s: operation returned status %02x", d.ID, status)
	}
	return data, nil
}
