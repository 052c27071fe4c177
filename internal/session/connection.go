// Package session implements Connection: a single owned transport plus one
// server-side session identifier, driven through an explicit state machine
// by a dedicated actor goroutine so isReady/isBusy/sessionId/lastActivity
// never need a lock on the hot path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/graphpool/graphpool/internal/metrics"
	"github.com/graphpool/graphpool/internal/rpcstub"
	"github.com/graphpool/graphpool/internal/transport"
)

// State is one of the Connection state machine's named states (spec §4.1).
type State int

const (
	StateInitializing State = iota
	StateAuthenticating
	StateSelectingSpace
	StateIdle
	StateBusy
	StateQuarantined
	StateCleanup
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAuthenticating:
		return "authenticating"
	case StateSelectingSpace:
		return "selecting-space"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateQuarantined:
		return "quarantined"
	case StateCleanup:
		return "cleanup"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is a (host, port) pair a Connection is bound to at construction.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Task is a caller-initiated statement crossing the Pool boundary onto one
// Connection.
type Task struct {
	Statement []byte
	ReturnRaw bool
	Deadline  time.Time

	resultCh chan taskResult
}

// NewTask builds a Task with its completion slot initialized.
func NewTask(statement []byte, returnRaw bool, deadline time.Time) *Task {
	return &Task{Statement: statement, ReturnRaw: returnRaw, Deadline: deadline, resultCh: make(chan taskResult, 1)}
}

type taskResult struct {
	resp *rpcstub.Response
	err  error
}

// Snapshot is a lock-free, point-in-time view of Connection state, published
// after every transition via atomic.Value — mirrors the atomic-snapshot-swap
// idiom the teacher uses for its routing table.
type Snapshot struct {
	State        State
	Ready        bool
	Busy         bool
	SessionID    int64
	LastActivity time.Time
	MarkedZombie bool
}

// Config carries everything a Connection needs that does not change after
// construction.
type Config struct {
	Endpoint            Endpoint
	Username            string
	Password            string
	Space               string
	ExecuteTimeout      time.Duration
	ReconnectInitial    time.Duration
	ReconnectCeiling    time.Duration
	InvalidSessionCodes []int32
	Logger              *slog.Logger
	Metrics             *metrics.Collector
	OnEvent             func(Event)
}

// EventKind identifies an observability event a Connection emits. These are
// for external visibility only (spec §9: "keep the eventing for external
// observability only") — internal transitions never round-trip through
// this channel.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventAuthorized   EventKind = "authorized"
	EventReady        EventKind = "ready"
	EventFree         EventKind = "free"
	EventClosed       EventKind = "close"
	EventReconnecting EventKind = "reconnecting"
	EventError        EventKind = "error"
)

// Event is a single observability signal, forwarded by Connection to
// whatever subscriber the owning Pool installed.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Source       string
	Err          error
	Delay        time.Duration
	Attempt      int
}

// command is the actor's single mailbox message type; every Connection
// method that must run on the actor goroutine sends one of these and waits
// on a reply channel.
type command interface{}

type cmdRun struct {
	ctx  context.Context
	task *Task
}

type cmdPing struct {
	ctx   context.Context
	reply chan bool
}

type cmdForceCleanup struct {
	reply chan struct{}
}

type cmdClose struct {
	ctx   context.Context
	reply chan struct{}
}

type cmdMarkZombie struct {
	tier Tier
}

type cmdRetryPrepare struct{}

type cmdTransportEvent struct {
	evt transport.Event
}

// Tier is a zombie cleanup tier, as classified by the session monitor.
type Tier int

const (
	TierLight Tier = iota
	TierMedium
	TierDeep
)

// Connection owns one transport + one server-side session identifier. All
// mutable state (isReady, isBusy, sessionId, lastActivityTime) is owned
// exclusively by its actor goroutine; external callers only ever read a
// published Snapshot or exchange commands through the mailbox.
type Connection struct {
	id  string
	cfg Config

	newTransport func() transport.Transport
	newStub      func(transport.Transport) rpcstub.Stub

	cmdCh    chan command
	closedCh chan struct{}
	closeOne sync.Once

	snap atomic.Value // Snapshot

	boff *backoff.ExponentialBackOff
	cb   *gobreaker.CircuitBreaker[struct{}]

	// actor-owned below this point; touched only on the loop goroutine.
	state        State
	sessionID    int64
	ready        bool
	busy         bool
	lastActivity time.Time
	markedZombie bool

	tr         transport.Transport
	stub       rpcstub.Stub
	trEvCancel chan struct{}

	retryTimer *time.Timer
}

// New constructs a Connection and starts its actor goroutine, which
// immediately begins the initializing -> authenticating -> selecting-space
// -> idle bootstrap sequence (spec calls this "prepare").
func New(cfg Config, newTransport func() transport.Transport, newStub func(transport.Transport) rpcstub.Stub) *Connection {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 1 * time.Second
	}
	if cfg.ReconnectCeiling <= 0 {
		cfg.ReconnectCeiling = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Connection{
		id:           uuid.New().String(),
		cfg:          cfg,
		newTransport: newTransport,
		newStub:      newStub,
		cmdCh:        make(chan command, 64),
		closedCh:     make(chan struct{}),
		state:        StateInitializing,
	}
	c.boff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.ReconnectInitial),
		backoff.WithMaxInterval(cfg.ReconnectCeiling),
		backoff.WithMultiplier(2.0),
		backoff.WithRandomizationFactor(0.2),
	)
	c.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "connection-" + c.id,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ReconnectCeiling,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.publishSnapshot()

	go c.loop()
	return c
}

// ID returns the Connection's stable, process-unique identifier.
func (c *Connection) ID() string { return c.id }

// Endpoint returns the (host, port) this Connection is bound to.
func (c *Connection) Endpoint() Endpoint { return c.cfg.Endpoint }

// Snapshot returns a lock-free, point-in-time view of Connection state.
func (c *Connection) Snapshot() Snapshot {
	v := c.snap.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}

func (c *Connection) publishSnapshot() {
	c.snap.Store(Snapshot{
		State:        c.state,
		Ready:        c.ready,
		Busy:         c.busy,
		SessionID:    c.sessionID,
		LastActivity: c.lastActivity,
		MarkedZombie: c.markedZombie,
	})
}

func (c *Connection) emit(kind EventKind, err error) {
	if c.cfg.Metrics != nil {
		switch kind {
		case EventReconnecting:
			c.cfg.Metrics.ReconnectAttempted(c.cfg.Endpoint.String())
		case EventError:
			var authErr *AuthRejectedError
			if errors.As(err, &authErr) {
				c.cfg.Metrics.AuthFailed(c.cfg.Endpoint.String())
			}
		}
	}
	if c.cfg.OnEvent == nil {
		return
	}
	c.cfg.OnEvent(Event{Kind: kind, ConnectionID: c.id, Err: err})
}

// Run dispatches one task onto this Connection. It blocks until the task
// completes, times out, or ctx is done. Per spec §4.1, the guard (readiness
// + non-null session) is evaluated synchronously before anything is sent.
func (c *Connection) Run(ctx context.Context, task *Task) (*rpcstub.Response, error) {
	select {
	case c.cmdCh <- cmdRun{ctx: ctx, task: task}:
	case <-c.closedCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-task.resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping issues a YIELD 1 probe with the given budget. Returns false on
// timeout, transport-down, or null session; on a session-invalidated
// response it flips readiness and triggers cleanup, per spec §4.1.
func (c *Connection) Ping(ctx context.Context) bool {
	reply := make(chan bool, 1)
	select {
	case c.cmdCh <- cmdPing{ctx: ctx, reply: reply}:
	case <-c.closedCh:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// ForceCleanup attempts signout for any held session id and nulls it out,
// swallowing failure. Used directly by the session monitor for zombie
// cleanup, and internally on every quarantine/reconnect path.
func (c *Connection) ForceCleanup(ctx context.Context) {
	reply := make(chan struct{})
	select {
	case c.cmdCh <- cmdForceCleanup{reply: reply}:
	case <-c.closedCh:
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// MarkZombie tells the actor to run the given cleanup tier, invoked by the
// session monitor. Blocks until the actor accepts the command, the
// connection closes, or ctx is done (bounded by the monitor's
// CleanupTimeout), so the caller can distinguish a dispatched cleanup from
// one dropped under mailbox pressure.
func (c *Connection) MarkZombie(ctx context.Context, tier Tier) bool {
	select {
	case c.cmdCh <- cmdMarkZombie{tier: tier}:
		return true
	case <-c.closedCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close signout-attempts any held session id (without predicating on
// readiness — the corrected contract from spec §4.1), ends the transport,
// and terminates the actor. Safe to call more than once; never blocks
// forever even if the actor is wedged mid in-flight RPC, since the caller's
// ctx bounds the wait.
func (c *Connection) Close(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case c.cmdCh <- cmdClose{ctx: ctx, reply: reply}:
	case <-c.closedCh:
		return nil
	}
	select {
	case <-reply:
		return nil
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the actor has fully terminated.
func (c *Connection) Done() <-chan struct{} { return c.closedCh }

// ErrConnectionClosed is returned by Run when the Connection has already
// terminated.
var ErrConnectionClosed = errors.New("session: connection closed")

func (c *Connection) loop() {
	defer close(c.closedCh)
	c.doPrepare()

	for {
		select {
		case cmd := <-c.cmdCh:
			if c.handle(cmd) {
				return
			}
		}
	}
}

// handle processes one mailbox command on the actor goroutine. Returns true
// once the Connection should terminate.
func (c *Connection) handle(cmd command) (terminate bool) {
	switch v := cmd.(type) {
	case cmdRun:
		c.handleRun(v)
	case cmdPing:
		c.handlePing(v)
	case cmdForceCleanup:
		c.doForceCleanup(context.Background())
		close(v.reply)
	case cmdMarkZombie:
		c.handleMarkZombie(v.tier)
	case cmdRetryPrepare:
		c.doPrepare()
	case cmdTransportEvent:
		c.handleTransportEvent(v.evt)
	case cmdClose:
		c.doClose(v.ctx)
		close(v.reply)
		return true
	}
	return false
}

// handleRun enforces invariant 3 (at most one task per Connection at a
// time — the actor model gives us this for free, since cmdRun is only ever
// processed one at a time) and the guard from spec §4.1: reject
// synchronously, without sending any RPC, if not ready or session is null.
func (c *Connection) handleRun(v cmdRun) {
	if !c.ready || c.sessionID == 0 {
		v.task.resultCh <- taskResult{err: &NotReadyError{Code: rpcstub.NotReadyCode}}
		return
	}

	c.busy = true
	c.state = StateBusy
	c.publishSnapshot()

	deadline := v.task.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(c.cfg.ExecuteTimeout)
	}
	start := time.Now()
	ctx, cancel := context.WithDeadline(v.ctx, deadline)
	resp, err := c.stub.Execute(ctx, c.sessionID, v.task.Statement)
	cancel()

	// The deferred-cleanup shape from spec §9: isBusy always returns to
	// false and Pool is signaled free, regardless of outcome.
	defer func() {
		c.busy = false
		if c.ready {
			c.state = StateIdle
		}
		c.publishSnapshot()
		c.emit(EventFree, nil)
	}()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.TaskCompleted("timeout", time.Since(start))
			}
			v.task.resultCh <- taskResult{err: &TimeoutError{}}
			return
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.TaskCompleted("error", time.Since(start))
		}
		v.task.resultCh <- taskResult{err: err}
		c.quarantine(err)
		return
	}

	if c.cfg.IsSessionInvalidated(resp.ErrorCode) {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.TaskCompleted("session_invalidated", time.Since(start))
		}
		v.task.resultCh <- taskResult{err: &ServerError{Code: resp.ErrorCode, Msg: resp.ErrorMsg}}
		c.quarantine(fmt.Errorf("session invalidated: %s", resp.ErrorMsg))
		return
	}

	c.lastActivity = time.Now()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TaskCompleted("ok", time.Since(start))
	}
	v.task.resultCh <- taskResult{resp: resp}
}

func (c *Connection) handlePing(v cmdPing) {
	if !c.ready || c.sessionID == 0 {
		v.reply <- false
		return
	}
	ctx, cancel := context.WithTimeout(v.ctx, c.cfg.ExecuteTimeout)
	resp, err := c.stub.Execute(ctx, c.sessionID, []byte("YIELD 1"))
	cancel()
	if err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.PingFailed()
		}
		v.reply <- false
		return
	}
	if c.cfg.IsSessionInvalidated(resp.ErrorCode) {
		c.ready = false
		c.state = StateQuarantined
		c.publishSnapshot()
		c.doForceCleanup(context.Background())
		c.scheduleRetry()
		v.reply <- false
		return
	}
	c.lastActivity = time.Now()
	v.reply <- true
}

// handleMarkZombie runs the cleanup tier the monitor requested. Callers
// (the session monitor) never invoke this against a busy Connection — see
// internal/monitor, which skips busy Connections for the tick.
func (c *Connection) handleMarkZombie(tier Tier) {
	c.markedZombie = true
	c.ready = false
	c.state = StateQuarantined
	c.publishSnapshot()

	c.doForceCleanup(context.Background())

	switch tier {
	case TierLight:
		// forceCleanup alone; prepare loop re-authenticates on its own.
		c.scheduleRetry()
	case TierMedium:
		if c.tr != nil {
			c.tr.Close()
		}
		c.scheduleRetry()
	case TierDeep:
		if c.tr != nil {
			c.tr.Close()
		}
		c.boff.Reset()
		c.markedZombie = false
		c.publishSnapshot()
		c.scheduleRetryNow()
	}
}

// quarantine transitions the Connection out of service on any transport
// error or session-invalidated response (spec §4.1's "any -> quarantined").
func (c *Connection) quarantine(err error) {
	c.ready = false
	c.state = StateQuarantined
	c.publishSnapshot()
	c.emit(EventError, err)

	c.doForceCleanup(context.Background())
	c.scheduleRetry()
}

func (c *Connection) scheduleRetry() {
	delay := c.boff.NextBackOff()
	c.emit(EventReconnecting, nil)
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		select {
		case c.cmdCh <- cmdRetryPrepare{}:
		case <-c.closedCh:
		}
	})
}

func (c *Connection) scheduleRetryNow() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(0, func() {
		select {
		case c.cmdCh <- cmdRetryPrepare{}:
		case <-c.closedCh:
		}
	})
}

// doForceCleanup is the actor-local body of ForceCleanup: attempt signout
// for any held session id, swallow failure, and null it out. Never leaves
// a sessionId dangling without an attempt — invariant 1.
func (c *Connection) doForceCleanup(ctx context.Context) {
	if c.sessionID == 0 {
		return
	}
	if c.stub != nil {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.ExecuteTimeout)
		if err := c.stub.Signout(ctx, c.sessionID); err != nil {
			c.cfg.Logger.Warn("signout failed, discarding session locally anyway",
				"connection", c.id, "session_id", c.sessionID, "err", err)
		}
		cancel()
	}
	c.sessionID = 0
	c.publishSnapshot()
}

// doPrepare runs the bootstrap sequence: connect transport, authenticate,
// select space, go ready. Any stale sessionId is cleaned up first so
// reconnect storms never accumulate orphaned sessions (spec §4.1).
func (c *Connection) doPrepare() {
	c.doForceCleanup(context.Background())

	c.state = StateAuthenticating
	c.publishSnapshot()

	if c.tr == nil {
		c.tr = c.newTransport()
		c.stub = c.newStub(c.tr)
		c.watchTransportEvents(c.tr)
	}

	ctx := context.Background()
	if err := c.tr.Connect(ctx); err != nil {
		c.emit(EventError, err)
		c.scheduleRetry()
		return
	}
	c.emit(EventConnected, nil)
	authStart := time.Now()

	_, err := c.cb.Execute(func() (struct{}, error) {
		authCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecuteTimeout)
		defer cancel()
		sid, authErr := c.stub.Authenticate(authCtx, c.cfg.Username, c.cfg.Password)
		if authErr != nil {
			return struct{}{}, authErr
		}

		if c.sessionID != 0 && c.sessionID != sid {
			// Rare server-slot-reuse race (spec §4.1): signout the prior id
			// before adopting the new one.
			c.doForceCleanup(authCtx)
		}
		c.sessionID = sid
		return struct{}{}, nil
	})
	if err != nil {
		var authErr *rpcstub.AuthError
		if errors.As(err, &authErr) {
			c.emit(EventError, &AuthRejectedError{Code: authErr.Code, Msg: authErr.Msg})
		} else {
			c.emit(EventError, err)
		}
		c.scheduleRetry()
		return
	}
	c.emit(EventAuthorized, nil)

	c.state = StateSelectingSpace
	c.publishSnapshot()

	if c.cfg.Space != "" {
		spaceCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecuteTimeout)
		resp, err := c.stub.Execute(spaceCtx, c.sessionID, []byte("USE "+c.cfg.Space))
		cancel()
		if err != nil || resp.ErrorCode != 0 {
			c.emit(EventError, fmt.Errorf("selecting space %q failed", c.cfg.Space))
			c.scheduleRetry()
			return
		}
	}

	c.boff.Reset()
	c.ready = true
	c.busy = false
	c.state = StateIdle
	c.lastActivity = time.Now()
	c.markedZombie = false
	c.publishSnapshot()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AuthCompleted(time.Since(authStart))
	}
	c.emit(EventReady, nil)
}

// watchTransportEvents forwards transport lifecycle events into the actor's
// own mailbox so all resulting state mutation stays on the actor goroutine.
func (c *Connection) watchTransportEvents(tr transport.Transport) {
	go func() {
		for evt := range tr.Events() {
			select {
			case c.cmdCh <- cmdTransportEvent{evt: evt}:
			case <-c.closedCh:
				return
			}
		}
	}()
}

func (c *Connection) handleTransportEvent(evt transport.Event) {
	switch evt.Kind {
	case transport.EventError:
		if c.state != StateClosed && c.state != StateCleanup {
			c.quarantine(evt.Err)
		}
	case transport.EventReconnecting:
		c.emit(EventReconnecting, nil)
	case transport.EventConnect:
		// Transport reconnected underneath us; re-run prepare if we are not
		// already mid-bootstrap.
		if c.state == StateQuarantined {
			c.doPrepare()
		}
	}
}

// doClose implements the corrected close contract from spec §4.1: attempt
// signout whenever sessionId != nil, without predicating on isReady.
func (c *Connection) doClose(ctx context.Context) {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.state = StateCleanup
	c.publishSnapshot()

	c.doForceCleanup(ctx)

	if c.tr != nil {
		c.tr.Close()
	}
	c.state = StateClosed
	c.ready = false
	c.busy = false
	c.publishSnapshot()
	c.emit(EventClosed, nil)
}

// NotReadyError is returned by Run's synchronous guard. Code is
// rpcstub.NotReadyCode, carried alongside the error so callers that branch
// on error_code (spec §7) see a consistent sentinel whether the rejection
// came from this guard or from the server.
type NotReadyError struct{ Code int32 }

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session: connection not ready or session invalid (code %d)", e.Code)
}

// TimeoutError is returned when executeTimeout elapses before the RPC
// completes.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "session: task timed out" }

// ServerError wraps a passthrough server-side error_code/error_msg.
type ServerError struct {
	Code int32
	Msg  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("session: server error %d: %s", e.Code, e.Msg)
}

// AuthRejectedError wraps an authenticate failure's error_code/error_msg.
type AuthRejectedError struct {
	Code int32
	Msg  string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("session: authentication rejected (%d): %s", e.Code, e.Msg)
}

// IsSessionInvalidated is a thin adapter so Connection doesn't need to carry
// an rpcstub.Config directly.
func (cfg Config) IsSessionInvalidated(code int32) bool {
	for _, v := range cfg.InvalidSessionCodes {
		if v == code {
			return true
		}
	}
	return false
}
