// Package poolcore owns a fixed set of session.Connections spread across one
// or more server endpoints and dispatches tasks onto them, one dedicated
// worker goroutine per connection competing for queued tasks, skipping busy
// connections — the fan-out counterpart to the teacher's per-tenant
// TenantPool, generalized from "pool of raw sockets with acquire/release" to
// "pool of long-lived session actors with dispatch".
package poolcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/graphpool/graphpool/internal/metrics"
	"github.com/graphpool/graphpool/internal/rpcstub"
	"github.com/graphpool/graphpool/internal/session"
	"github.com/graphpool/graphpool/internal/transport"
)

// Stats is a point-in-time summary of pool-wide connection state, surfaced
// through the public facade and the observability server.
type Stats struct {
	Total       int            `json:"total"`
	ByState     map[string]int `json:"by_state"`
	QueueDepth  int            `json:"queue_depth"`
	QueueCap    int            `json:"queue_capacity"`
}

// Config carries everything Pool needs beyond its Connections themselves.
type Config struct {
	Servers        []session.Endpoint
	PoolSizePerSrv int
	BufferSize     int
	ExecuteTimeout time.Duration
	PingInterval   time.Duration
	Username       string
	Password       string
	Space          string

	ReconnectInitial    time.Duration
	ReconnectCeiling    time.Duration
	InvalidSessionCodes []int32

	Logger  *slog.Logger
	Metrics *metrics.Collector
	OnEvent func(session.Event)

	NewTransport func(session.Endpoint) transport.Transport
	NewStub      func(transport.Transport) rpcstub.Stub
}

// ErrClosed is returned by Submit once the pool has been closed.
type ErrClosed struct{}

func (ErrClosed) Error() string { return "poolcore: pool closed" }

// ErrEnqueueFull is returned by Submit when the bounded task queue is full.
type ErrEnqueueFull struct{}

func (ErrEnqueueFull) Error() string { return "poolcore: task queue full" }

// ErrNoReadyConnections reports that no connection was ready to take a task.
// Submit itself never returns it: a task that waits on busy or not-ready
// connections ends with its ctx's error instead.
type ErrNoReadyConnections struct{}

func (ErrNoReadyConnections) Error() string { return "poolcore: no ready connection available" }

// queuedTask pairs a session.Task with its owning Connection-agnostic
// completion channel; whichever connectionWorker receives it from the queue
// first runs it.
type queuedTask struct {
	ctx  context.Context
	task *session.Task
	done chan taskOutcome
}

type taskOutcome struct {
	resp         *rpcstub.Response
	connectionID string
	err          error
}

// Result is what Submit returns on success: the RPC response plus the id of
// the Connection that served it (spec §6.3's "servicing Connection's id").
type Result struct {
	Response     *rpcstub.Response
	ConnectionID string
}

// Pool owns poolSize x len(servers) Connections and a bounded task queue.
type Pool struct {
	cfg   Config
	conns []*session.Connection

	queue    chan queuedTask
	closed   atomic.Bool
	closedCh chan struct{}
	closeOne sync.Once

	wg sync.WaitGroup
}

// New builds every configured Connection concurrently (via errgroup, mirroring
// the teacher's warm-up fan-out but without a pre-warm/lazy distinction —
// every configured connection is live from construction), then starts one
// dispatch worker per connection and the heartbeat loop.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	total := len(cfg.Servers) * cfg.PoolSizePerSrv
	if total == 0 {
		return nil, fmt.Errorf("poolcore: no servers or zero pool size configured")
	}

	p := &Pool{
		cfg:      cfg,
		conns:    make([]*session.Connection, total),
		queue:    make(chan queuedTask, cfg.BufferSize),
		closedCh: make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	idx := 0
	for _, ep := range cfg.Servers {
		for i := 0; i < cfg.PoolSizePerSrv; i++ {
			i := idx
			endpoint := ep
			g.Go(func() error {
				p.conns[i] = p.newConnection(endpoint)
				return nil
			})
			idx++
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	_ = gctx

	if cfg.Metrics != nil {
		cfg.Metrics.SetPoolSize(total)
	}

	for _, conn := range p.conns {
		p.wg.Add(1)
		go p.connectionWorker(conn)
	}

	p.wg.Add(1)
	go p.heartbeatLoop()

	return p, nil
}

func (p *Pool) newConnection(ep session.Endpoint) *session.Connection {
	cfg := session.Config{
		Endpoint:            ep,
		Username:            p.cfg.Username,
		Password:            p.cfg.Password,
		Space:               p.cfg.Space,
		ExecuteTimeout:      p.cfg.ExecuteTimeout,
		ReconnectInitial:    p.cfg.ReconnectInitial,
		ReconnectCeiling:    p.cfg.ReconnectCeiling,
		InvalidSessionCodes: p.cfg.InvalidSessionCodes,
		Logger:              p.cfg.Logger,
		Metrics:             p.cfg.Metrics,
		OnEvent:             p.cfg.OnEvent,
	}
	return session.New(cfg,
		func() transport.Transport { return p.cfg.NewTransport(ep) },
		p.cfg.NewStub,
	)
}

// Submit enqueues a task for dispatch onto whichever connection goes ready
// first, round-robin with busy connections skipped. Blocks until the task
// completes, the queue rejects it (full or closed), or ctx is done.
func (p *Pool) Submit(ctx context.Context, statement []byte, returnRaw bool, deadline time.Time) (*Result, error) {
	if p.closed.Load() {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.EnqueueRejected("closed")
		}
		return nil, ErrClosed{}
	}

	task := session.NewTask(statement, returnRaw, deadline)
	qt := queuedTask{ctx: ctx, task: task, done: make(chan taskOutcome, 1)}

	select {
	case p.queue <- qt:
	case <-p.closedCh:
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.EnqueueRejected("closed")
		}
		return nil, ErrClosed{}
	default:
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.EnqueueRejected("queue_full")
		}
		return nil, ErrEnqueueFull{}
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetQueueDepth(len(p.queue))
	}

	select {
	case out := <-qt.done:
		if out.err != nil {
			return nil, out.err
		}
		return &Result{Response: out.resp, ConnectionID: out.connectionID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connectionWorker is the sole goroutine that ever calls conn.Run for this
// connection. One is spawned per owned Connection, so the number of statements in flight at once is the
// number of ready connections, not a derived worker count — a 2-connection
// pool genuinely runs 2 statements concurrently. Go's runtime schedules
// fairly across goroutines blocked on the same receive, so having every
// idle, ready worker block on <-p.queue gives round-robin-ish dispatch for
// free, without the shared round-robin index the old single/few-worker
// design needed.
func (p *Pool) connectionWorker(conn *session.Connection) {
	defer p.wg.Done()

	retry := time.NewTicker(2 * time.Millisecond)
	defer retry.Stop()

	for {
		snap := conn.Snapshot()
		if snap.Busy || !snap.Ready {
			select {
			case <-retry.C:
				continue
			case <-p.closedCh:
				return
			}
		}

		select {
		case qt, ok := <-p.queue:
			if !ok {
				return
			}
			select {
			case <-qt.ctx.Done():
				qt.done <- taskOutcome{err: qt.ctx.Err()}
			default:
				resp, err := conn.Run(qt.ctx, qt.task)
				qt.done <- taskOutcome{resp: resp, err: err, connectionID: conn.ID()}
			}
		case <-retry.C:
		case <-p.closedCh:
			return
		}
	}
}

// heartbeatLoop pings every connection on a fixed interval (spec §4.2's
// "lightweight liveness probe"), independent of the zombie monitor's tiered
// cleanup, which runs on its own schedule in internal/monitor.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()
	interval := p.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, conn := range p.conns {
				snap := conn.Snapshot()
				if snap.Busy || !snap.Ready {
					continue
				}
				go func(c *session.Connection) {
					ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExecuteTimeout)
					defer cancel()
					c.Ping(ctx)
				}(conn)
			}
		case <-p.closedCh:
			return
		}
	}
}

// Stats returns a point-in-time view across every owned connection.
func (p *Pool) Stats() Stats {
	byState := map[string]int{}
	for _, conn := range p.conns {
		byState[conn.Snapshot().State.String()]++
	}
	if p.cfg.Metrics != nil {
		for _, state := range []string{"initializing", "authenticating", "selecting-space", "idle", "busy", "quarantined", "cleanup", "closed"} {
			p.cfg.Metrics.SetConnectionsByState(state, byState[state])
		}
	}
	return Stats{
		Total:      len(p.conns),
		ByState:    byState,
		QueueDepth: len(p.queue),
		QueueCap:   cap(p.queue),
	}
}

// Connections exposes the owned connections for the session monitor.
func (p *Pool) Connections() []*session.Connection {
	return p.conns
}

// Close drains queued and in-flight tasks up to ExecuteTimeout, then tears
// down every Connection regardless of whether any task is still running —
// the resolved behavior for the spec's open question on shutdown semantics.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOne.Do(func() {
		p.closed.Store(true)
		close(p.closedCh)
	})

	// Drain anything left in the queue immediately with ErrClosed; no new
	// Submit can succeed past closedCh, so this converges.
	for {
		select {
		case qt := <-p.queue:
			qt.done <- taskOutcome{err: ErrClosed{}}
		default:
			goto drained
		}
	}
drained:

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecuteTimeout)
	defer cancel()
	waitForBusy(waitCtx, p.conns)

	var wg sync.WaitGroup
	for _, conn := range p.conns {
		wg.Add(1)
		go func(c *session.Connection) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ExecuteTimeout)
			defer cancel()
			c.Close(closeCtx)
		}(conn)
	}
	wg.Wait()

	p.wg.Wait()
	return nil
}

// waitForBusy blocks until every connection reports non-busy or ctx expires,
// whichever comes first — it never blocks past ctx even if a connection is
// wedged.
func waitForBusy(ctx context.Context, conns []*session.Connection) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		anyBusy := false
		for _, c := range conns {
			if c.Snapshot().Busy {
				anyBusy = true
				break
			}
		}
		if !anyBusy {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
