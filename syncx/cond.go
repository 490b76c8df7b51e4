// Package syncx provides a broadcast condition variable with a timed wait,
// which the standard library's sync.Cond does not support. It backs the
// several places in the protocol stack that block a caller
// until a counter drops, a listener fires, or a fixed timeout elapses:
// the USB sequence-number pool, the per-device reliable-transport
// slot pool, and its packetReceived barrier.
//
// golang.org/x/sync ships errgroup, semaphore and singleflight, but no
// condition variable, so a timed broadcast wait is built directly on the
// standard library's channel-close-to-broadcast idiom instead.
package syncx

import (
	"sync"
	"time"
)

// Cond is a broadcastable condition variable with a timed Wait, meant to be
// used under an already-held sync.Mutex/sync.RWMutex — call Wait with the
// lock held; it releases the lock while waiting and reacquires it before
// returning, exactly like sync.Cond.
type Cond struct {
	L  sync.Locker
	mu sync.Mutex // protects ch
	ch chan struct{}
}

// NewCond returns a Cond associated with the given lock.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l, ch: make(chan struct{})}
}

// Wait blocks until Broadcast is called or timeout elapses (timeout <= 0
// means wait forever). Must be called with L held; returns with L held.
// Reports whether it was woken by a broadcast (false on timeout).
func (c *Cond) Wait(timeout time.Duration) bool {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	if timeout <= 0 {
		<-ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// Broadcast wakes every goroutine currently in Wait. Should be called with
// L held, matching sync.Cond's contract.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	close(c.ch)
	c.ch = make(chan struct{})
	c.mu.Unlock()
}
