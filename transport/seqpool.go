package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/daedaluz/sensorhost/syncx"
)

// poolSize is the number of reservable command sequence numbers; id 0 is
// never handed out so that a fire-and-forget packet (seq byte 0) can never
// alias a reserved slot.
const poolSize = 256

// maxActiveListeners caps concurrent reservations well below poolSize, so
// that 63 ids stay free at all times — making it unlikely that a stale
// response to a cancelled command lands on a freshly reserved slot of the
// same id.
const maxActiveListeners = 192

type seqPool struct {
	listeners       [poolSize]chan Response
	activeListeners int
	nextSeq         uint8
	cond            *syncx.Cond
}

func newSeqPool(mu *sync.Mutex) *seqPool {
	return &seqPool{nextSeq: 1, cond: syncx.NewCond(mu)}
}

// reserve finds a free sequence id, installs a reply channel for it and
// returns the id. Must be called with the transport's mutex held; blocks
// (releasing the mutex) while more than maxActiveListeners are reserved.
func (p *seqPool) reserve(timeout time.Duration) (uint8, chan Response, error) {
	for p.activeListeners > maxActiveListeners {
		if !p.cond.Wait(timeout) {
			return 0, nil, fmt.Errorf("%w: acquiring command sequence number", ErrTimeout)
		}
	}
	for {
		p.nextSeq++
		if p.nextSeq == 0 {
			p.nextSeq = 1 // id 0 is reserved for fire-and-forget
		}
		if p.listeners[p.nextSeq] == nil {
			break
		}
	}
	seq := p.nextSeq
	ch := make(chan Response, 1)
	p.listeners[seq] = ch
	p.activeListeners++
	return seq, ch, nil
}

// release frees a sequence id. Must be called with the mutex held.
func (p *seqPool) release(seq uint8) {
	if p.listeners[seq] == nil {
		return
	}
	p.listeners[seq] = nil
	p.activeListeners--
	p.cond.Broadcast()
}

// deliver routes a response to its listener, if one is still installed.
// Must be called with the mutex held.
func (p *seqPool) deliver(resp Response) {
	ch := p.listeners[resp.Seq]
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
