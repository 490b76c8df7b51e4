package transport

import "errors"

// ErrTimeout is returned when a sequence-number reservation or a response
// wait exceeds its configured deadline (transient timeout).
var ErrTimeout = errors.New("transport: timeout")

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("transport: closed")
