// Package transport provides the framed byte-stream contract a Connection
// drives, plus a default TCP implementation with capped reconnect backoff.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// EventKind identifies the kind of lifecycle event a Transport emits.
type EventKind int

const (
	EventConnect EventKind = iota
	EventClose
	EventError
	EventReconnecting
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Event is emitted by a Transport as its connection state changes.
type Event struct {
	Kind    EventKind
	Err     error
	Delay   time.Duration
	Attempt int
}

// Transport is a single framed, reliable byte stream to one endpoint.
// Implementations own reconnection; callers observe it through Events().
type Transport interface {
	// Connect establishes the stream, blocking until the first connect
	// succeeds or ctx is done. After the first connect, Transport
	// implementations may reconnect silently in the background, emitting
	// Events as they do so.
	Connect(ctx context.Context) error
	// Events returns a channel of lifecycle events. Never closed before Close.
	Events() <-chan Event
	// Send writes one framed message.
	Send(ctx context.Context, payload []byte) error
	// Recv reads one framed message.
	Recv(ctx context.Context) ([]byte, error)
	// Close terminates the stream and stops reconnection.
	Close() error
}

// Dialer constructs a Transport bound to a single endpoint. Pool/Connection
// code depends only on this (and Transport), never on net.Conn directly, so
// tests can substitute a fake.
type Dialer func(host string, port int) Transport

// Config configures a TCPTransport.
type Config struct {
	DialTimeout time.Duration
	TLSConfig   *tls.Config
	// MaxReconnectDelay caps the backoff between reconnect attempts, per
	// the external transport contract's "delay capped at 1s" requirement.
	MaxReconnectDelay time.Duration
}

// TCPTransport is the default Transport: one net.Conn per endpoint, framed
// with a 4-byte big-endian length prefix, reconnecting silently with capped
// exponential backoff on disconnect.
type TCPTransport struct {
	host string
	port int
	cfg  Config

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	attempt int

	events chan Event
	stopCh chan struct{}
}

// NewTCPTransport builds a TCPTransport for one (host, port) endpoint.
func NewTCPTransport(host string, port int, cfg Config) *TCPTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 1 * time.Second
	}
	return &TCPTransport{
		host:   host,
		port:   port,
		cfg:    cfg,
		events: make(chan Event, 16),
		stopCh: make(chan struct{}),
	}
}

func (t *TCPTransport) Events() <-chan Event {
	return t.events
}

func (t *TCPTransport) emit(evt Event) {
	select {
	case t.events <- evt:
	default:
		// Drop rather than block the I/O path on a slow observer.
	}
}

// Connect dials the endpoint once, blocking until it succeeds or ctx is done.
// Subsequent disconnects are retried in the background by reconnectLoop.
func (t *TCPTransport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.attempt = 0
	t.mu.Unlock()
	t.emit(Event{Kind: EventConnect})
	return nil
}

func (t *TCPTransport) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if t.cfg.TLSConfig != nil {
		tlsConn := tls.Client(conn, t.cfg.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}

// reconnect redials after a transport-level failure, with backoff capped at
// cfg.MaxReconnectDelay, emitting reconnecting events between attempts.
// Runs in its own goroutine; unbounded attempts, per the external contract.
func (t *TCPTransport) reconnect() {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(t.cfg.MaxReconnectDelay),
		backoff.WithMultiplier(2.0),
		backoff.WithRandomizationFactor(0.2),
	)

	for {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		delay := bo.NextBackOff()
		t.mu.Lock()
		t.attempt++
		attempt := t.attempt
		t.mu.Unlock()
		t.emit(Event{Kind: EventReconnecting, Delay: delay, Attempt: attempt})

		select {
		case <-time.After(delay):
		case <-t.stopCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err != nil {
			t.emit(Event{Kind: EventError, Err: err})
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.attempt = 0
		t.mu.Unlock()
		t.emit(Event{Kind: EventConnect})
		return
	}
}

func (t *TCPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, io.ErrClosedPipe
	}
	return t.conn, nil
}

// Send writes one length-prefixed frame. On failure it drops the dead
// connection and kicks off reconnect(); the caller (the RPC stub) sees the
// error and the owning Connection quarantines itself.
func (t *TCPTransport) Send(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := conn.Write(hdr); err != nil {
		t.handleIOError(err)
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		t.handleIOError(err)
		return err
	}
	return nil
}

// Recv reads one length-prefixed frame.
func (t *TCPTransport) Recv(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.handleIOError(err)
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	const maxFrame = 64 << 20
	if n > maxFrame {
		err := fmt.Errorf("transport: frame too large: %d bytes", n)
		t.handleIOError(err)
		return nil, err
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.handleIOError(err)
			return nil, err
		}
	}
	return payload, nil
}

func (t *TCPTransport) handleIOError(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	t.emit(Event{Kind: EventError, Err: err})
	go t.reconnect()
}

// Close terminates the stream and stops any in-flight reconnect loop.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	close(t.stopCh)
	t.emit(Event{Kind: EventClose})
	if conn != nil {
		return conn.Close()
	}
	return nil
}
