package graphpool

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Execute/Close, mirroring go-redis's
// internal/pool sentinel-error idiom (ErrClosed, ErrPoolExhausted,
// ErrPoolTimeout).
var (
	// ErrNotReady is returned when no connection was ready or its session
	// was invalid at dispatch time.
	ErrNotReady = errors.New("graphpool: not ready")
	// ErrTimeout is returned when a statement exceeds its execute deadline.
	ErrTimeout = errors.New("graphpool: timeout")
	// ErrEnqueueFull is returned when the bounded task queue is full.
	ErrEnqueueFull = errors.New("graphpool: task queue full")
	// ErrClosed is returned by Execute once the pool has been closed.
	ErrClosed = errors.New("graphpool: pool closed")
	// ErrAuthRejected is returned when the graph database rejected
	// credentials during bootstrap.
	ErrAuthRejected = errors.New("graphpool: authentication rejected")
)

// ServerError wraps a passthrough error_code/error_msg from the graph
// database, surfaced verbatim rather than mapped onto a sentinel.
type ServerError struct {
	Code    int32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("graphpool: server error %d: %s", e.Code, e.Message)
}
