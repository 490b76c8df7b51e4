package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BulkDevice is the USB bulk transfer surface that Transport needs;
// rawusb.Device satisfies it.
type BulkDevice interface {
	BulkWrite(data []byte, timeoutMillis uint32) (int, error)
	BulkRead(buf []byte, timeoutMillis uint32) (int, error)
}

// Config carries the transport's tunables as explicit values instead of
// hard-coded constants.
type Config struct {
	// PoolWaitTimeout bounds how long AsyncCmd blocks for a free sequence
	// number when the pool is saturated. Default 1s.
	PoolWaitTimeout time.Duration
	// WriteTimeout bounds a single bulk OUT transfer. Default 1s.
	WriteTimeout time.Duration
	// ReadTimeout bounds a single bulk IN transfer; kept large (>=10s) to
	// avoid a Linux kernel bug that loses data on short bulk IN timeouts.
	ReadTimeout time.Duration
}

// DefaultConfig returns the transport's default tunables.
func DefaultConfig() Config {
	return Config{
		PoolWaitTimeout: time.Second,
		WriteTimeout:    time.Second,
		ReadTimeout:     10 * time.Second,
	}
}

// NotifyFunc receives a decoded notification packet; payload[3] classifies
// it further, but interpreting that belongs to the base-station driver.
type NotifyFunc func(packet []byte)

// Transport implements the USB framing layer: 64-byte fixed packets and a
// 256-slot response-matching pool shared by every asynchronous command.
type Transport struct {
	dev    BulkDevice
	cfg    Config
	notify NotifyFunc
	log    *zap.Logger

	mu   sync.Mutex
	pool *seqPool

	rxQueue chan []byte
	closed  chan struct{}
	once    sync.Once
}

// New constructs a Transport over an already-open bulk device. Call Run to
// start its worker goroutines.
func New(dev BulkDevice, notify NotifyFunc, cfg Config, log *zap.Logger) *Transport {
	t := &Transport{
		dev:     dev,
		cfg:     cfg,
		notify:  notify,
		log:     log,
		rxQueue: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	t.pool = newSeqPool(&t.mu)
	return t
}

// Run launches the receive and processing workers and blocks
// until ctx is cancelled or a worker returns an unrecoverable error.
func (t *Transport) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.rxWorker(ctx) })
	g.Go(func() error { return t.processWorker(ctx) })
	return g.Wait()
}

// Close signals workers to stop and unblocks any pending AsyncCmd waiters.
func (t *Transport) Close() {
	t.once.Do(func() {
		close(t.closed)
		t.mu.Lock()
		t.pool.cond.Broadcast()
		t.mu.Unlock()
	})
}

// rxWorker performs blocking bulk reads of up to 64KiB and forwards
// complete buffers to the processing worker.
func (t *Transport) rxWorker(ctx context.Context) error {
	buf := make([]byte, 1024*PacketSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		default:
		}
		n, err := t.dev.BulkRead(buf, uint32(t.cfg.ReadTimeout.Milliseconds()))
		if err != nil {
			// Every read error, a timeout or otherwise, is logged at debug
			// level and the read is retried. Errors are never returned from
			// this loop, so a disconnected device is retried indefinitely
			// and does not end Run.
			t.log.Debug("bulk read error", zap.Error(err))
			continue
		}
		if n < PacketSize {
			continue // short read, should never actually happen
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		select {
		case t.rxQueue <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		}
	}
}

// processWorker demultiplexes received packets to response listeners or to
// the notification handler.
func (t *Transport) processWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		case data := <-t.rxQueue:
			for off := 0; off+PacketSize <= len(data); off += PacketSize {
				t.handlePacket(data[off : off+PacketSize])
			}
		}
	}
}

func (t *Transport) handlePacket(packet []byte) {
	h := parseHeader(packet)
	switch classify(h.Msg) {
	case KindResponse:
		resp := parseResponse(packet)
		t.mu.Lock()
		t.pool.deliver(resp)
		t.mu.Unlock()
	case KindNotification:
		if t.notify != nil {
			t.notify(packet)
		}
	}
}

// AsyncCmd reserves a sequence number, transmits the command and returns
// immediately with the id; the caller collects the reply with FinishCmd.
func (t *Transport) AsyncCmd(msg uint16, payload []byte) (uint8, error) {
	t.mu.Lock()
	seq, _, err := t.pool.reserve(t.cfg.PoolWaitTimeout)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	packet := encodeCommand(msg, seq, payload)
	if _, err := t.dev.BulkWrite(packet, uint32(t.cfg.WriteTimeout.Milliseconds())); err != nil {
		t.CancelCmd(seq)
		return 0, fmt.Errorf("transport: write: %w", err)
	}
	return seq, nil
}

// CancelCmd releases a sequence number without waiting for (or requiring) a
// reply. No retransmission happens at this layer.
func (t *Transport) CancelCmd(seq uint8) {
	t.mu.Lock()
	t.pool.release(seq)
	t.mu.Unlock()
}

// FinishCmd waits for the response to a command started with AsyncCmd,
// releasing its sequence number whether or not a reply arrives.
func (t *Transport) FinishCmd(seq uint8, timeout time.Duration) (Response, error) {
	t.mu.Lock()
	ch := t.pool.listeners[seq]
	t.mu.Unlock()
	defer t.CancelCmd(seq)

	if ch == nil {
		return Response{}, fmt.Errorf("transport: sequence %d not reserved", seq)
	}
	if timeout <= 0 {
		select {
		case resp := <-ch:
			return resp, nil
		case <-t.closed:
			return Response{}, ErrClosed
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("%w: waiting for command response", ErrTimeout)
	case <-t.closed:
		return Response{}, ErrClosed
	}
}

// FireAndForget transmits a command without reserving a sequence number
// and returns as soon as the write completes ("timeout 0").
func (t *Transport) FireAndForget(msg uint16, payload []byte) error {
	packet := encodeCommand(msg, 0, payload)
	_, err := t.dev.BulkWrite(packet, uint32(t.cfg.WriteTimeout.Milliseconds()))
	return err
}

// Cmd performs a synchronous command: AsyncCmd followed by FinishCmd,
// unless timeout is zero, in which case it degenerates to FireAndForget.
func (t *Transport) Cmd(msg uint16, payload []byte, timeout time.Duration) (Response, error) {
	if timeout == 0 {
		return Response{}, t.FireAndForget(msg, payload)
	}
	seq, err := t.AsyncCmd(msg, payload)
	if err != nil {
		return Response{}, err
	}
	return t.FinishCmd(seq, timeout)
}

// ActiveCommands reports how many of the 256 sequence numbers are
// currently reserved, for occupancy metrics.
func (t *Transport) ActiveCommands() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool.activeListeners
}
